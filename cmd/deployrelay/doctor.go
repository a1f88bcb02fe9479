package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	cliconfig "github.com/antonkrylov/deployrelay/internal/cli/config"
	"github.com/antonkrylov/deployrelay/internal/deploy"
	"github.com/antonkrylov/deployrelay/internal/sequencer"
	"github.com/antonkrylov/deployrelay/internal/session"
	"github.com/antonkrylov/deployrelay/internal/transport"
)

// remoteChecks are run with --remote to confirm the toolchain the deploy
// steps rely on is reachable from a login shell.
var remoteChecks = []deploy.Command{
	"git --version",
	"npm --version",
	"cf --version",
}

func newDoctorCmd(root *rootOptions) *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Print diagnostic information for troubleshooting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			exe, _ := os.Executable()
			fmt.Fprintf(out, "deployrelay_executable=%s\n", strings.TrimSpace(exe))

			fmt.Fprintf(out, "config_path=%s\n", root.configPath)
			cfg, err := cliconfig.Load(root.configPath)
			if err != nil {
				fmt.Fprintf(out, "config_error=%s\n", err.Error())
			} else {
				printContexts(out, cfg)
			}

			settings, err := root.settings(cmd, nil)
			if err != nil {
				fmt.Fprintf(out, "settings_error=%s\n", err.Error())
				return nil
			}
			fmt.Fprintf(out, "resolved_host=%s:%d user=%s auth=%s\n", settings.Host, settings.Port, settings.User, authSummary(settings))
			if !remote {
				return nil
			}

			logger, err := root.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return runRemoteChecks(cmd, out, settings, logger)
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "connect and check git, npm and cf on the remote host")
	return cmd
}

func printContexts(out io.Writer, cfg *cliconfig.Config) {
	if cfg == nil {
		fmt.Fprintln(out, "config_present=false")
		return
	}
	fmt.Fprintln(out, "config_present=true")
	fmt.Fprintf(out, "current_context=%s\n", strings.TrimSpace(cfg.CurrentContext))
	names := make([]string, 0, len(cfg.Contexts))
	for k := range cfg.Contexts {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		c := cfg.Contexts[name]
		if c == nil {
			continue
		}
		fmt.Fprintf(out, "context=%s host=%s repo=%s target=%s\n",
			name,
			strings.TrimSpace(c.Host),
			strings.TrimSpace(c.RepoPath),
			strings.TrimSpace(c.Target),
		)
	}
}

func authSummary(s *cliconfig.Settings) string {
	var methods []string
	if s.KeyPath != "" {
		methods = append(methods, "key")
	}
	if s.AgentSocket != "" {
		methods = append(methods, "agent")
	}
	if s.Password != "" {
		methods = append(methods, "password")
	}
	if len(methods) == 0 {
		return "none"
	}
	return strings.Join(methods, "+")
}

func runRemoteChecks(cmd *cobra.Command, out io.Writer, settings *cliconfig.Settings, logger *slog.Logger) error {
	tcfg, err := settings.Transport()
	if err != nil {
		return err
	}
	orch := &session.Orchestrator{
		Dialer:    transport.SSHDialer{Config: tcfg},
		Sequencer: &sequencer.Sequencer{Logger: logger, TailBytes: 4096},
		Logger:    logger,
	}
	res, err := orch.Run(cmd.Context(), remoteChecks)
	if err != nil {
		fmt.Fprintf(out, "remote_connect=failed err=%s\n", err.Error())
		return err
	}
	fmt.Fprintln(out, "remote_connect=ok")
	for _, r := range res.Results {
		tool := strings.Fields(string(r.Command))[0]
		switch {
		case !r.Ran():
			fmt.Fprintf(out, "remote_%s=error err=%s\n", tool, r.Err.Error())
		case r.Exit.Code != 0:
			fmt.Fprintf(out, "remote_%s=missing exit=%d\n", tool, r.Exit.Code)
		default:
			fmt.Fprintf(out, "remote_%s=%s\n", tool, strings.TrimSpace(r.Stdout))
		}
	}
	return nil
}
