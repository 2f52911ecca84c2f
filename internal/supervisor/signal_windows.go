//go:build windows

package supervisor

import (
	"errors"
	"os"
)

// Windows has no graceful signal for detached processes; both paths kill.
func terminate(pid int) error { return forceKill(pid) }

func forceKill(pid int) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
