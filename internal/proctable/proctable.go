// Package proctable lists live processes for the reaper's orphan sweep.
package proctable

import (
	"context"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Proc is one row of the process table.
type Proc struct {
	PID     int
	Cmdline string
}

// Lister enumerates processes. Implementations must tolerate processes
// disappearing mid-scan.
type Lister interface {
	List(ctx context.Context) ([]Proc, error)
}

// System reads the host's process table via gopsutil.
type System struct{}

func (System) List(ctx context.Context) ([]Proc, error) {
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Proc, 0, len(procs))
	for _, p := range procs {
		// permission errors and exited processes are skipped; they cannot be ours to signal anyway
		cl, err := p.CmdlineWithContext(ctx)
		if err != nil || cl == "" {
			continue
		}
		out = append(out, Proc{PID: int(p.Pid), Cmdline: cl})
	}
	return out, nil
}

// Static is a fixed process table, for tests and dry runs.
type Static []Proc

func (s Static) List(context.Context) ([]Proc, error) { return append([]Proc(nil), s...), nil }
