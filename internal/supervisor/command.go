package supervisor

import (
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/loykin/dapvisor/internal/config"
)

const shellMeta = "|&;<>*?`$\"'(){}[]~"

func itoa(n int) string { return strconv.Itoa(n) }

// buildCommand turns the configured command line into an *exec.Cmd with the
// config placeholder replaced by configPath. A shell is only used when the
// command asks for one or contains shell metacharacters.
func buildCommand(cmdStr, configPath string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if script, ok := parseExplicitShell(cmdStr); ok {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", strings.ReplaceAll(script, config.ConfigPlaceholder, shellQuote(configPath)))
	}
	if strings.ContainsAny(strings.ReplaceAll(cmdStr, config.ConfigPlaceholder, ""), shellMeta) {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", strings.ReplaceAll(cmdStr, config.ConfigPlaceholder, shellQuote(configPath)))
	}
	parts := strings.Fields(cmdStr)
	for i, p := range parts {
		parts[i] = strings.ReplaceAll(p, config.ConfigPlaceholder, configPath)
	}
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// executable returns the program the command line ultimately runs, skipping
// an explicit shell wrapper and leading VAR=value assignments.
func executable(cmdStr string) string {
	cmdStr = strings.TrimSpace(cmdStr)
	if script, ok := parseExplicitShell(cmdStr); ok {
		cmdStr = script
	}
	for _, f := range strings.Fields(cmdStr) {
		if i := strings.IndexByte(f, '='); i > 0 && !strings.ContainsAny(f[:i], "/.") {
			continue
		}
		if f == "exec" {
			continue
		}
		return strings.Trim(f, `'"`)
	}
	return ""
}

// parseExplicitShell detects "sh -c <script>" style commands and returns the
// script with one pair of enclosing quotes removed.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// resolveExecutable makes a relative program path absolute against workDir.
func resolveExecutable(exe, workDir string) string {
	if workDir != "" && strings.Contains(exe, "/") && !filepath.IsAbs(exe) {
		return filepath.Join(workDir, exe)
	}
	return exe
}
