package supervisor

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidConfig means the config artifact argument is missing or unreadable.
	ErrInvalidConfig = errors.New("invalid config artifact")
	// ErrDependencyMissing means the child executable or its runtime cannot be invoked.
	ErrDependencyMissing = errors.New("dependency missing")
	// ErrStartFailed means the child exited before the readiness ceiling.
	ErrStartFailed = errors.New("start failed")
	// ErrNotReady means the child stayed alive but never logged a readiness marker
	// while readiness.require_marker is set.
	ErrNotReady = errors.New("readiness marker not seen")
	// ErrStopFailed means the child survived both termination signals. The PID
	// record is left in place.
	ErrStopFailed = errors.New("stop failed")
	// ErrStartInProgress means another invocation holds the PID record but has
	// not committed a pid yet.
	ErrStartInProgress = errors.New("start in progress")
)

// StartError describes a start that did not leave a usable child behind.
// Tail holds the last lines of the child's log for diagnosis.
type StartError struct {
	PID   int
	Cause error // ErrStartFailed or ErrNotReady
	Exit  error // exit status when the child died, nil otherwise
	Tail  []string
}

func (e *StartError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v (pid %d", e.Cause, e.PID)
	if e.Exit != nil {
		fmt.Fprintf(&b, ", %v", e.Exit)
	}
	b.WriteString(")")
	if len(e.Tail) > 0 {
		b.WriteString("; log tail:\n  ")
		b.WriteString(strings.Join(e.Tail, "\n  "))
	}
	return b.String()
}

func (e *StartError) Unwrap() error { return e.Cause }
