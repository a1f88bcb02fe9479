package main

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	cliconfig "github.com/antonkrylov/deployrelay/internal/cli/config"
	"github.com/antonkrylov/deployrelay/internal/deploy"
	"github.com/antonkrylov/deployrelay/internal/relay"
	"github.com/antonkrylov/deployrelay/internal/report"
	"github.com/antonkrylov/deployrelay/internal/sequencer"
	"github.com/antonkrylov/deployrelay/internal/session"
	"github.com/antonkrylov/deployrelay/internal/transport"
)

type rootOptions struct {
	configPath  string
	contextName string
	envFiles    []string
	branch      string
	loginRelay  bool
	dryRun      bool
	reportPath  string
	logJSON     bool
	logLevel    string
}

// settings loads dotenv files and the config context, then merges them with
// the flags actually set on cmd.
func (r *rootOptions) settings(cmd *cobra.Command, args []string) (*cliconfig.Settings, error) {
	if err := cliconfig.LoadEnv(r.envFiles...); err != nil {
		return nil, err
	}
	cfg, err := cliconfig.Load(r.configPath)
	if err != nil {
		return nil, err
	}
	ctx, name, err := cfg.Resolve(r.contextName)
	if err != nil {
		return nil, err
	}
	src := cliconfig.Sources{
		BranchFlag:  r.branch,
		Args:        args,
		ContextName: name,
		Context:     ctx,
	}
	if f := cmd.Flags().Lookup("login-relay"); f != nil && f.Changed {
		v := r.loginRelay
		src.LoginRelay = &v
	}
	return cliconfig.Resolve(src)
}

func (r *rootOptions) logger(stderr io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(r.logLevel))); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q (use debug|info|warn|error)", r.logLevel)
	}
	hopts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(stderr, hopts)
	if r.logJSON {
		handler = slog.NewJSONHandler(stderr, hopts)
	}
	return slog.New(handler), nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "deployrelay [branch]",
		Short: "Run the deployment command sequence on a remote host over SSH",
		Long: `Connects to the configured host, updates the repository to the requested
branch, installs dependencies and runs the deploy task. With --login-relay an
interactive shell probes the platform CLI login and hands the login prompt to
this terminal when needed (finish typed input with Ctrl-D).`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeploy(cmd, opts, args)
		},
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", cliconfig.DefaultConfigPath(), "path to deployrelay config file (default $HOME/.deployrelay/config)")
	pf.StringVar(&opts.contextName, "context", "", "context name within the config (overrides currentContext)")
	pf.StringSliceVar(&opts.envFiles, "env-file", nil, "dotenv file(s) to load (default .env)")
	pf.BoolVar(&opts.logJSON, "log-json", false, "emit logs as JSON")
	pf.StringVar(&opts.logLevel, "log-level", "info", "log level: debug|info|warn|error")

	f := rootCmd.Flags()
	f.StringVarP(&opts.branch, "branch", "b", "", "branch to deploy (overrides the positional argument and BRANCH)")
	f.BoolVar(&opts.loginRelay, "login-relay", false, "probe the platform CLI login and relay the login prompt")
	f.BoolVar(&opts.dryRun, "dry-run", false, "print the command plan and exit without connecting")
	f.StringVar(&opts.reportPath, "report", "", "write a JSON run report to this path (.zst to compress)")

	rootCmd.AddCommand(newConfigCmd(opts))
	rootCmd.AddCommand(newDoctorCmd(opts))
	return rootCmd
}

func runDeploy(cmd *cobra.Command, opts *rootOptions, args []string) error {
	logger, err := opts.logger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	settings, err := opts.settings(cmd, args)
	if err != nil {
		return err
	}
	queue := settings.Plan().Commands()

	if opts.dryRun {
		printPlan(cmd.OutOrStdout(), settings, queue)
		return nil
	}

	tcfg, err := settings.Transport()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch := &session.Orchestrator{
		Dialer: transport.SSHDialer{Config: tcfg},
		Sequencer: &sequencer.Sequencer{
			Logger:   logger,
			Observer: newConsoleObserver(cmd.OutOrStdout(), cmd.ErrOrStderr()),
		},
		Logger: logger,
	}
	if settings.LoginRelay {
		orch.Relay = &relay.Relay{
			Config:   settings.RelayConfig(),
			Terminal: relay.Stdin(),
			Input:    cmd.InOrStdin(),
			Output:   cmd.OutOrStdout(),
			Logger:   logger,
		}
	}

	logger.Info("deploying", "host", tcfg.Addr(), "branch", settings.Branch, "target", settings.Target, "context", settings.Context)
	out, err := orch.Run(ctx, queue)
	if err != nil {
		return err
	}

	failed := 0
	for _, res := range out.Results {
		if !res.Ran() || res.Exit.Code != 0 {
			failed++
		}
	}
	logger.Info("deployment finished", "steps", len(out.Results), "failed", failed, "dur", out.Ended.Sub(out.Started))

	if opts.reportPath != "" {
		rep := report.New(settings.Branch, tcfg.Addr(), out)
		if err := rep.WriteFile(opts.reportPath); err != nil {
			return err
		}
		logger.Info("report written", "path", opts.reportPath, "run_id", rep.RunID)
	}
	return nil
}

func printPlan(w io.Writer, s *cliconfig.Settings, queue []deploy.Command) {
	fmt.Fprintf(w, "host: %s@%s:%d\n", s.User, s.Host, s.Port)
	fmt.Fprintf(w, "branch: %s\n", s.Branch)
	for i, c := range queue {
		fmt.Fprintf(w, "%d. %s\n", i+1, deploy.LoginShell(c))
	}
	if s.LoginRelay {
		fmt.Fprintf(w, "login relay: probe %q, login %q\n", relay.DefaultProbe, s.LoginCommand)
	}
	fmt.Fprintln(w, "dry-run: no commands executed")
}

func newConfigCmd(root *rootOptions) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect resolved configuration",
	}
	var branch string
	viewCmd := &cobra.Command{
		Use:   "view [branch]",
		Short: "Print the resolved settings with secrets redacted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root.branch = branch
			settings, err := root.settings(cmd, args)
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(settings.Redacted())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	viewCmd.Flags().StringVarP(&branch, "branch", "b", "", "branch to resolve")
	configCmd.AddCommand(viewCmd)
	return configCmd
}
