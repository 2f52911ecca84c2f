package detector

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

// DefaultCheckTimeout bounds a check command that never returns.
const DefaultCheckTimeout = 10 * time.Second

// CommandDetector runs a command that should succeed if the checked dependency is usable.
// The supervisor uses it to verify the bridge's runtime dependency before spawning.
type CommandDetector struct {
	Command string
	Timeout time.Duration
}

// buildShellAwareCommand constructs an *exec.Cmd for a detector command.
// Avoids invoking a shell unless obvious shell metacharacters are present (G204 mitigation).
func buildShellAwareCommand(ctx context.Context, cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		return trueCommand(ctx)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return shellCommand(ctx, cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.CommandContext(ctx, parts[0], parts[1:]...)
}

// AliveContext runs the command bounded by ctx and the detector's Timeout.
// A non-zero exit means "not alive" (false, nil); failing to run the command at all is an error.
func (d CommandDetector) AliveContext(ctx context.Context) (bool, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := buildShellAwareCommand(ctx, d.Command)
	cmd.Stdout = nil
	cmd.Stderr = nil
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return false, nil
	}
	return false, err
}
