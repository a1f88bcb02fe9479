// Package config resolves deployrelay settings. Values come from dotenv
// files, the process environment, the YAML context file and command-line
// flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models a kubeconfig-style file with named deployment contexts.
type Config struct {
	CurrentContext string              `yaml:"currentContext"`
	Contexts       map[string]*Context `yaml:"contexts"`
}

// Context holds the connection and deploy settings for one environment.
// Empty fields fall through to the environment.
type Context struct {
	Host         string `yaml:"host,omitempty"`
	Port         int    `yaml:"port,omitempty"`
	User         string `yaml:"user,omitempty"`
	KeyPath      string `yaml:"keyPath,omitempty"`
	KnownHosts   string `yaml:"knownHosts,omitempty"`
	RepoPath     string `yaml:"repoPath,omitempty"`
	Branch       string `yaml:"branch,omitempty"`
	Target       string `yaml:"target,omitempty"`
	Options      string `yaml:"options,omitempty"`
	Pull         *bool  `yaml:"pull,omitempty"`
	DeployTask   string `yaml:"deployTask,omitempty"`
	LoginCommand string `yaml:"loginCommand,omitempty"`
	LoginRelay   *bool  `yaml:"loginRelay,omitempty"`
}

// ErrContextNotFound indicates the requested context is missing.
var ErrContextNotFound = errors.New("context not found")

// Load reads the context file at path. A blank path or a missing file yields
// (nil, nil) so callers can run from the environment alone.
func Load(path string) (*Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	resolved, err := expandPath(path)
	if err != nil {
		return nil, fmt.Errorf("config path %q: %w", path, err)
	}
	data, err := os.ReadFile(resolved)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, nil
	case err != nil:
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", resolved, err)
	}
	return cfg, nil
}

// Resolve picks a context either by explicit name or the currentContext value.
func (c *Config) Resolve(name string) (*Context, string, error) {
	ctxName := strings.TrimSpace(name)
	if c == nil {
		if ctxName != "" {
			return nil, ctxName, fmt.Errorf("%w: %s", ErrContextNotFound, ctxName)
		}
		return nil, "", nil
	}
	if ctxName == "" {
		ctxName = c.CurrentContext
	}
	if ctxName == "" {
		return nil, "", nil
	}
	ctx, ok := c.Contexts[ctxName]
	if !ok || ctx == nil {
		return nil, ctxName, fmt.Errorf("%w: %s", ErrContextNotFound, ctxName)
	}
	return ctx, ctxName, nil
}
