package deploy

import "strings"

// ResolveBranch picks the branch to deploy: explicit flag, then the first
// positional argument, then the environment value, then DefaultBranch.
func ResolveBranch(flag string, args []string, env string) string {
	if v := strings.TrimSpace(flag); v != "" {
		return v
	}
	if len(args) > 0 {
		if v := strings.TrimSpace(args[0]); v != "" {
			return v
		}
	}
	if v := strings.TrimSpace(env); v != "" {
		return v
	}
	return DefaultBranch
}
