package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/antonkrylov/deployrelay/internal/deploy"
	"github.com/antonkrylov/deployrelay/internal/relay"
	"github.com/antonkrylov/deployrelay/internal/transport"
)

var (
	// ErrHostRequired is returned when no SSH host is configured anywhere.
	ErrHostRequired = errors.New("ssh host is required")
	ErrInvalidPort  = errors.New("invalid ssh port")
)

const redacted = "<redacted>"

// Settings is the fully resolved configuration for one run.
type Settings struct {
	Context       string `yaml:"context,omitempty"`
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	User          string `yaml:"user"`
	Password      string `yaml:"password,omitempty"`
	KeyPath       string `yaml:"keyPath,omitempty"`
	KeyPassphrase string `yaml:"keyPassphrase,omitempty"`
	KnownHosts    string `yaml:"knownHosts,omitempty"`
	AgentSocket   string `yaml:"agentSocket,omitempty"`
	RepoPath      string `yaml:"repoPath"`
	Branch        string `yaml:"branch"`
	Target        string `yaml:"target"`
	Options       string `yaml:"options,omitempty"`
	Pull          bool   `yaml:"pull"`
	DeployTask    string `yaml:"deployTask"`
	LoginCommand  string `yaml:"loginCommand"`
	LoginRelay    bool   `yaml:"loginRelay"`
}

// Sources lists the inputs merged by Resolve, highest precedence first
// within each field: flags, context, environment, defaults.
type Sources struct {
	BranchFlag string
	Args       []string
	// LoginRelay is set when the flag was given explicitly.
	LoginRelay *bool

	ContextName string
	Context     *Context

	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

// LoadEnv loads dotenv files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return nil
}

// Resolve merges src into Settings and validates the result.
func Resolve(src Sources) (*Settings, error) {
	getenv := src.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	ctx := src.Context
	if ctx == nil {
		ctx = &Context{}
	}

	s := &Settings{
		Context:       src.ContextName,
		Host:          firstNonEmpty(ctx.Host, getenv("SSH_HOST")),
		User:          firstNonEmpty(ctx.User, getenv("SSH_USER")),
		Password:      getenv("SSH_PASSWORD"),
		KeyPath:       firstNonEmpty(ctx.KeyPath, getenv("SSH_KEY_PATH")),
		KeyPassphrase: getenv("SSH_KEY_PASSPHRASE"),
		KnownHosts:    firstNonEmpty(ctx.KnownHosts, getenv("SSH_KNOWN_HOSTS")),
		AgentSocket:   getenv("SSH_AUTH_SOCK"),
		RepoPath:      firstNonEmpty(ctx.RepoPath, getenv("REPO_PATH")),
		Target:        firstNonEmpty(ctx.Target, getenv("DEPLOY_TARGET"), getenv("HANA_CONTAINER")),
		Options:       firstNonEmpty(ctx.Options, getenv("OPTIONS")),
		DeployTask:    firstNonEmpty(ctx.DeployTask, getenv("DEPLOY_TASK"), deploy.DefaultTask),
		LoginCommand:  firstNonEmpty(ctx.LoginCommand, getenv("LOGIN_COMMAND"), relay.DefaultLoginCommand),
	}
	s.Branch = deploy.ResolveBranch(src.BranchFlag, src.Args, firstNonEmpty(ctx.Branch, getenv("BRANCH")))

	port, err := resolvePort(ctx.Port, getenv("SSH_PORT"))
	if err != nil {
		return nil, err
	}
	s.Port = port

	if s.Pull, err = resolveBool(nil, ctx.Pull, getenv("GIT_PULL")); err != nil {
		return nil, fmt.Errorf("config: GIT_PULL: %w", err)
	}
	if s.LoginRelay, err = resolveBool(src.LoginRelay, ctx.LoginRelay, getenv("LOGIN_RELAY")); err != nil {
		return nil, fmt.Errorf("config: LOGIN_RELAY: %w", err)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the fields a run cannot do without.
func (s *Settings) Validate() error {
	if strings.TrimSpace(s.Host) == "" {
		return fmt.Errorf("config: %w (set SSH_HOST or host in the config context)", ErrHostRequired)
	}
	if err := s.Plan().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Plan returns the command templates' inputs.
func (s *Settings) Plan() deploy.Plan {
	return deploy.Plan{
		RepoPath: s.RepoPath,
		Branch:   s.Branch,
		Target:   s.Target,
		Options:  s.Options,
		Pull:     s.Pull,
		Task:     s.DeployTask,
	}
}

// RelayConfig returns the login relay settings.
func (s *Settings) RelayConfig() relay.Config {
	return relay.Config{LoginCommand: s.LoginCommand}
}

// Transport builds the SSH config, reading the private key file if one is
// configured.
func (s *Settings) Transport() (transport.Config, error) {
	cfg := transport.Config{
		Host:        s.Host,
		Port:        s.Port,
		User:        s.User,
		Password:    s.Password,
		Passphrase:  s.KeyPassphrase,
		AgentSocket: s.AgentSocket,
	}
	if s.KnownHosts != "" {
		path, err := expandPath(s.KnownHosts)
		if err != nil {
			return transport.Config{}, err
		}
		cfg.KnownHostsPath = path
	}
	if s.KeyPath != "" {
		path, err := expandPath(s.KeyPath)
		if err != nil {
			return transport.Config{}, err
		}
		key, err := os.ReadFile(path)
		if err != nil {
			return transport.Config{}, fmt.Errorf("config: read private key: %w", err)
		}
		cfg.PrivateKey = key
	}
	return cfg, nil
}

// Redacted returns a copy safe to print.
func (s Settings) Redacted() Settings {
	if s.Password != "" {
		s.Password = redacted
	}
	if s.KeyPassphrase != "" {
		s.KeyPassphrase = redacted
	}
	return s
}

func resolvePort(ctxPort int, env string) (int, error) {
	if ctxPort != 0 {
		if ctxPort < 0 || ctxPort > 65535 {
			return 0, fmt.Errorf("config: %w: %d", ErrInvalidPort, ctxPort)
		}
		return ctxPort, nil
	}
	env = strings.TrimSpace(env)
	if env == "" {
		return transport.DefaultPort, nil
	}
	port, err := strconv.Atoi(env)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("config: %w: %q", ErrInvalidPort, env)
	}
	return port, nil
}

func resolveBool(flag, ctx *bool, env string) (bool, error) {
	if flag != nil {
		return *flag, nil
	}
	if ctx != nil {
		return *ctx, nil
	}
	env = strings.TrimSpace(env)
	if env == "" {
		return false, nil
	}
	return strconv.ParseBool(env)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
