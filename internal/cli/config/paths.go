package config

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultConfigDir is $DEPLOYRELAY_HOME when set, otherwise ~/.deployrelay.
// It falls back to the working directory when no home directory is known.
func DefaultConfigDir() string {
	if dir := strings.TrimSpace(os.Getenv("DEPLOYRELAY_HOME")); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".deployrelay")
	}
	return "."
}

// DefaultConfigPath is the context file used when --config is not given:
// $DEPLOYRELAY_CONFIG, or "config" inside DefaultConfigDir.
func DefaultConfigPath() string {
	if path := strings.TrimSpace(os.Getenv("DEPLOYRELAY_CONFIG")); path != "" {
		return path
	}
	return filepath.Join(DefaultConfigDir(), "config")
}

// expandPath resolves a local path from config or env: a leading "~" is the
// user's home, anything else relative is taken from the working directory.
func expandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path[1:], "/")), nil
	}
	return filepath.Abs(path)
}
