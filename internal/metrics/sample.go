package metrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Sample is a point-in-time resource reading of the supervised child.
type Sample struct {
	PID        int       `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	StartedAt  time.Time `json:"started_at"`
}

// Uptime is the time since the child started, or 0 when unknown.
func (s Sample) Uptime(now time.Time) time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(s.StartedAt)
}

// SampleProcess reads usage for pid. Fields that cannot be read stay zero;
// only a process that cannot be found at all is an error.
func SampleProcess(ctx context.Context, pid int) (Sample, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Sample{}, err
	}
	s := Sample{PID: pid}
	if v, err := p.CPUPercentWithContext(ctx); err == nil {
		s.CPUPercent = v
	}
	if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
		s.MemoryRSS = mi.RSS
		s.MemoryVMS = mi.VMS
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		s.NumThreads = n
	}
	if ms, err := p.CreateTimeWithContext(ctx); err == nil && ms > 0 {
		s.StartedAt = time.UnixMilli(ms)
	}
	return s, nil
}
