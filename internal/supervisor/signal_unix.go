//go:build !windows

package supervisor

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// terminate sends the graceful signal to the child's process group.
func terminate(pid int) error { return signalGroup(pid, unix.SIGTERM) }

// forceKill sends the unconditional signal to the child's process group.
func forceKill(pid int) error { return signalGroup(pid, unix.SIGKILL) }

// signalGroup signals the group led by pid, falling back to the pid alone when
// it does not lead a group. A process that is already gone is not an error.
func signalGroup(pid int, sig unix.Signal) error {
	// kill(-1) would reach every process we may signal.
	if pid <= 1 {
		return fmt.Errorf("refusing to signal pid %d", pid)
	}
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		err = unix.Kill(pid, sig)
	}
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
