//go:build !windows

package reaper

import (
	"errors"

	"golang.org/x/sys/unix"
)

// terminate sends the graceful signal to one process; a vanished one is fine.
func terminate(pid int) error {
	if err := unix.Kill(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}
