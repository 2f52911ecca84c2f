package main

import (
	"errors"

	"github.com/loykin/dapvisor"
)

const (
	exitOK         = 0
	exitFailure    = 1
	exitUsage      = 2
	exitDependency = 3
	exitStart      = 4
	exitStop       = 5
	exitResidue    = 6
)

// errCleanupResidue is returned when cleanup finished with issues left.
var errCleanupResidue = errors.New("cleanup left residue")

// usageError marks bad arguments or flags.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var ue usageError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &ue),
		errors.Is(err, dapvisor.ErrInvalidConfig),
		errors.Is(err, dapvisor.ErrInvalidSettings):
		return exitUsage
	case errors.Is(err, dapvisor.ErrDependencyMissing):
		return exitDependency
	case errors.Is(err, dapvisor.ErrStartFailed),
		errors.Is(err, dapvisor.ErrNotReady):
		return exitStart
	case errors.Is(err, dapvisor.ErrStopFailed),
		errors.Is(err, dapvisor.ErrStartInProgress):
		return exitStop
	case errors.Is(err, errCleanupResidue):
		return exitResidue
	default:
		return exitFailure
	}
}
