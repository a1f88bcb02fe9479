// Package deploy builds the ordered command queue run against the remote
// host for a single deployment.
package deploy

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultBranch is used when no branch is given anywhere.
const DefaultBranch = "main"

// DefaultTask is the npm script invoked by the deploy step.
const DefaultTask = "deploy:umbrella"

// Command is one shell-executable string. Queue order is execution order.
type Command string

// Plan holds the values the command templates are rendered from.
type Plan struct {
	RepoPath string
	Branch   string
	Target   string
	// Options is appended verbatim after "--" so the shell splits it.
	Options string
	// Pull adds a "git pull" after the hard reset.
	Pull bool
	Task string
}

// Validate reports missing template values.
func (p Plan) Validate() error {
	if strings.TrimSpace(p.RepoPath) == "" {
		return fmt.Errorf("repo path is required")
	}
	if strings.TrimSpace(p.Branch) == "" {
		return fmt.Errorf("branch is required")
	}
	if strings.TrimSpace(p.Target) == "" {
		return fmt.Errorf("deploy target is required")
	}
	return nil
}

// Commands renders the source update, dependency install and deploy steps.
func (p Plan) Commands() []Command {
	repo := QuotePath(p.RepoPath)
	branch := Quote(p.Branch)
	task := p.Task
	if strings.TrimSpace(task) == "" {
		task = DefaultTask
	}

	update := fmt.Sprintf("cd %s && git fetch --all && git checkout %s && git reset --hard %s",
		repo, branch, Quote("origin/"+p.Branch))
	if p.Pull {
		update += " && git pull"
	}

	deploy := fmt.Sprintf("npm --prefix %s run %s %s", repo, Quote(task), Quote(p.Target))
	if opts := strings.TrimSpace(p.Options); opts != "" {
		deploy += " -- " + opts
	}

	return []Command{
		Command(update),
		Command(fmt.Sprintf("npm --prefix %s install", repo)),
		Command(deploy),
	}
}

// LoginShell wraps c so it runs inside an interactive login shell and picks
// up the remote profile (PATH, nvm, ...).
func LoginShell(c Command) string {
	return "bash --login -c " + shellEscape(string(c))
}

var safeWord = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

// Quote returns s unchanged when it is a plain shell word, otherwise single
// quoted.
func Quote(s string) string {
	if safeWord.MatchString(s) {
		return s
	}
	return shellEscape(s)
}

// QuotePath quotes a remote path while leaving it to the remote shell to
// expand a leading "~" or "~/" and any $VAR references.
func QuotePath(path string) string {
	switch {
	case path == "~" || path == "~/":
		return path
	case strings.HasPrefix(path, "~/"):
		return "~/" + quotePathTail(path[2:])
	}
	return quotePathTail(path)
}

func quotePathTail(path string) string {
	if safeWord.MatchString(path) {
		return path
	}
	if strings.Contains(path, "$") && !strings.ContainsAny(path, "\"\\`") {
		// Double quotes keep $VAR expansion but stop word splitting.
		return `"` + path + `"`
	}
	return shellEscape(path)
}

func shellEscape(value string) string {
	if value == "" {
		return "''"
	}
	// POSIX-ish single-quote escaping: ' -> '"'"'
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}
