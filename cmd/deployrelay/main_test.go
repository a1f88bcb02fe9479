package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config")
	data := `
currentContext: dev
contexts:
  dev:
    host: dev.example.com
    user: deployer
    repoPath: /srv/app
    target: hana-dev
    branch: develop
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func cleanEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"SSH_HOST", "SSH_PORT", "SSH_PASSWORD", "SSH_KEY_PATH", "SSH_AUTH_SOCK", "BRANCH", "LOGIN_RELAY", "GIT_PULL", "OPTIONS"} {
		t.Setenv(k, "")
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "absent.env")))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestDryRunBranchPrecedence(t *testing.T) {
	cleanEnv(t)
	cfg := writeTestConfig(t)
	t.Setenv("BRANCH", "staging")
	out, err := execute(t, "--config", cfg, "--dry-run", "-b", "hotfix", "release")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "branch: hotfix\n") {
		t.Fatalf("out=%s", out)
	}
	if !strings.Contains(out, "1. bash --login -c 'cd /srv/app && git fetch --all && git checkout hotfix && git reset --hard origin/hotfix'") {
		t.Fatalf("out=%s", out)
	}
	if !strings.Contains(out, "3. bash --login -c 'npm --prefix /srv/app run deploy:umbrella hana-dev'") {
		t.Fatalf("out=%s", out)
	}
}

func TestDryRunPositionalBranch(t *testing.T) {
	cleanEnv(t)
	cfg := writeTestConfig(t)
	out, err := execute(t, "--config", cfg, "--dry-run", "release")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "branch: release\n") {
		t.Fatalf("out=%s", out)
	}
}

func TestDryRunContextBranch(t *testing.T) {
	cleanEnv(t)
	cfg := writeTestConfig(t)
	out, err := execute(t, "--config", cfg, "--dry-run", "--login-relay")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "branch: develop\n") || !strings.Contains(out, `login "cf login --sso"`) {
		t.Fatalf("out=%s", out)
	}
}

func TestMissingHostFails(t *testing.T) {
	cleanEnv(t)
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "none"), "--dry-run")
	if err == nil || !strings.Contains(err.Error(), "ssh host is required") {
		t.Fatalf("err=%v", err)
	}
}

func TestUnknownContextFails(t *testing.T) {
	cleanEnv(t)
	cfg := writeTestConfig(t)
	_, err := execute(t, "--config", cfg, "--context", "prod", "--dry-run")
	if err == nil || !strings.Contains(err.Error(), "context not found") {
		t.Fatalf("err=%v", err)
	}
}

func TestInvalidLogLevel(t *testing.T) {
	cleanEnv(t)
	cfg := writeTestConfig(t)
	_, err := execute(t, "--config", cfg, "--dry-run", "--log-level", "loud")
	if err == nil || !strings.Contains(err.Error(), "--log-level") {
		t.Fatalf("err=%v", err)
	}
}

func TestConfigViewRedactsPassword(t *testing.T) {
	cleanEnv(t)
	cfg := writeTestConfig(t)
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "view", "--config", cfg, "--env-file", filepath.Join(t.TempDir(), "absent.env")})
	t.Setenv("SSH_PASSWORD", "s3cret")
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := out.String()
	if strings.Contains(got, "s3cret") || !strings.Contains(got, "redacted") {
		t.Fatalf("out=%s", got)
	}
	if !strings.Contains(got, "host: dev.example.com") {
		t.Fatalf("out=%s", got)
	}
}

func TestDoctorListsContexts(t *testing.T) {
	cleanEnv(t)
	cfg := writeTestConfig(t)
	t.Setenv("SSH_PASSWORD", "s3cret")
	out, err := execute(t, "doctor", "--config", cfg)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"config_present=true",
		"current_context=dev",
		"context=dev host=dev.example.com repo=/srv/app target=hana-dev",
		"resolved_host=dev.example.com:22 user=deployer auth=password",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestDoctorReportsAgentAuth(t *testing.T) {
	cleanEnv(t)
	cfg := writeTestConfig(t)
	t.Setenv("SSH_AUTH_SOCK", filepath.Join(t.TempDir(), "agent.sock"))
	out, err := execute(t, "doctor", "--config", cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "user=deployer auth=agent\n") {
		t.Fatalf("out=%s", out)
	}
}

func TestDoctorReportsSettingsError(t *testing.T) {
	cleanEnv(t)
	out, err := execute(t, "doctor", "--config", filepath.Join(t.TempDir(), "none"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "config_present=false") || !strings.Contains(out, "settings_error=") {
		t.Fatalf("out=%s", out)
	}
}

func TestConsoleObserverPrefixesLines(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = prev }()

	var out, errw bytes.Buffer
	p := newConsoleObserver(&out, &errw)
	p.Stdout("npm install", []byte("added 3 packages\n"))
	p.Stderr("npm install", []byte("npm WARN deprecated\r\n"))
	if out.String() != "STDOUT: added 3 packages\n" {
		t.Fatalf("out=%q", out.String())
	}
	if errw.String() != "STDERR: npm WARN deprecated\n" {
		t.Fatalf("err=%q", errw.String())
	}
}
