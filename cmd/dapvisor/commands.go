package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/dapvisor"
	"github.com/loykin/dapvisor/internal/logger"
	"github.com/loykin/dapvisor/internal/metrics"
	"github.com/loykin/dapvisor/internal/supervisor"
)

type command struct {
	global *GlobalFlags
	out    io.Writer
	errOut io.Writer
}

// session is one invocation's supervisor plus the resources it must release.
type session struct {
	sup      *dapvisor.Supervisor
	settings dapvisor.Settings
	registry *prometheus.Registry
	log      *slog.Logger
	logClose io.Closer
}

func (c command) settings() (dapvisor.Settings, error) {
	s, err := dapvisor.LoadSettings(c.global.SettingsPath)
	if err != nil {
		return s, err
	}
	if c.global.StateDir != "" {
		s.StateDir = c.global.StateDir
		if err := s.Resolve(""); err != nil {
			return s, err
		}
	}
	if c.global.LogLevel != "" {
		s.Log.Level = c.global.LogLevel
	}
	if c.global.LogFormat != "" {
		s.Log.Format = c.global.LogFormat
	}
	return s, s.Validate()
}

func (c command) open() (*session, error) {
	s, err := c.settings()
	if err != nil {
		return nil, err
	}
	log, closer, err := logger.New(s.Log, c.errOut)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dapvisor.ErrInvalidSettings, err)
	}
	reg := prometheus.NewRegistry()
	sup, err := dapvisor.New(s, dapvisor.WithLogger(log), dapvisor.WithMetrics(reg))
	if err != nil {
		_ = closer.Close()
		return nil, err
	}
	return &session{sup: sup, settings: s, registry: reg, log: log, logClose: closer}, nil
}

// close flushes the metrics textfile and releases sinks. Textfile failures are
// only logged so they never change the verb's outcome.
func (ss *session) close() {
	if path := ss.settings.Metrics.Textfile; path != "" {
		if err := metrics.WriteTextfile(path, ss.registry); err != nil {
			ss.log.Warn("write metrics textfile", "path", path, "error", err)
		}
	}
	if err := ss.sup.Close(); err != nil {
		ss.log.Warn("close history sinks", "error", err)
	}
	_ = ss.logClose.Close()
}

func (c command) run(fn func(ctx context.Context, ss *session) error) error {
	ss, err := c.open()
	if err != nil {
		return err
	}
	defer ss.close()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, ss)
}

func (c command) print(v any, text string) {
	if c.global.JSON {
		printJSON(c.out, v)
		return
	}
	_, _ = fmt.Fprintln(c.out, text)
}

// Start launches the bridge with configPath.
func (c command) Start(configPath string) error {
	return c.run(func(ctx context.Context, ss *session) error {
		res, err := ss.sup.Start(ctx, configPath)
		if err != nil {
			return err
		}
		c.print(res, describeStart(res))
		return nil
	})
}

// Restart stops the bridge if it runs and starts it again with configPath.
func (c command) Restart(configPath string) error {
	return c.run(func(ctx context.Context, ss *session) error {
		res, err := ss.sup.Restart(ctx, configPath)
		if err != nil {
			return err
		}
		c.print(res, describeStart(res))
		return nil
	})
}

// Stop terminates the bridge.
func (c command) Stop() error {
	return c.run(func(ctx context.Context, ss *session) error {
		res, err := ss.sup.Stop(ctx)
		if err != nil {
			return err
		}
		c.print(res, describeStop(res))
		return nil
	})
}

type detailedStatus struct {
	dapvisor.Status
	Usage *metrics.Sample `json:"usage,omitempty"`
}

// Status prints the current state. It fails only when settings are unusable.
func (c command) Status(f StatusFlags) error {
	return c.run(func(ctx context.Context, ss *session) error {
		st := ss.sup.Status(ctx)
		if !f.Detailed {
			c.print(st, st.String())
			return nil
		}
		ds := detailedStatus{Status: st}
		if st.State == dapvisor.StateRunning || st.State == dapvisor.StateStarting {
			if sample, err := metrics.SampleProcess(ctx, st.PID); err == nil {
				metrics.SetChildUsage(sample)
				ds.Usage = &sample
			} else {
				ss.log.Debug("sample child usage", "pid", st.PID, "error", err)
			}
		}
		c.print(ds, describeDetailed(ds, time.Now()))
		return nil
	})
}

// Cleanup runs the reaper and fails with errCleanupResidue when anything is left.
func (c command) Cleanup(f CleanupFlags) error {
	return c.run(func(ctx context.Context, ss *session) error {
		rep := ss.sup.Cleanup(ctx, f.Force)
		c.print(rep, describeCleanup(rep))
		if !rep.Clean() {
			return fmt.Errorf("%w: %d issue(s)", errCleanupResidue, rep.Residual)
		}
		return nil
	})
}

func describeStart(r dapvisor.StartResult) string {
	switch r.Outcome {
	case supervisor.OutcomeAlreadyRunning:
		return fmt.Sprintf("already running (pid %d)", r.PID)
	case supervisor.OutcomeInProgress:
		return "start already in progress"
	case supervisor.OutcomeReady:
		return fmt.Sprintf("ready (pid %d, marker %q, after %s)", r.PID, r.Marker, roundDuration(r.Waited))
	default:
		return fmt.Sprintf("started without readiness marker (pid %d, log %s)", r.PID, r.LogPath)
	}
}

func describeStop(r dapvisor.StopResult) string {
	switch r.Outcome {
	case supervisor.OutcomeNotRunning:
		return "not running"
	case supervisor.OutcomeStaleRemoved:
		return fmt.Sprintf("removed stale record (pid %d)", r.PID)
	case supervisor.OutcomeForced:
		return fmt.Sprintf("killed (pid %d)", r.PID)
	default:
		return fmt.Sprintf("stopped (pid %d)", r.PID)
	}
}

func describeDetailed(ds detailedStatus, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "state:  %s\n", ds.Status.String())
	fmt.Fprintf(&b, "ready:  %t\n", ds.Ready)
	if ds.Config != "" {
		fmt.Fprintf(&b, "config: %s\n", ds.Config)
	}
	if !ds.Since.IsZero() {
		fmt.Fprintf(&b, "since:  %s (%s)\n", ds.Since.Format(time.RFC3339), humanize.RelTime(ds.Since, now, "ago", "from now"))
	}
	fmt.Fprintf(&b, "log:    %s", ds.LogPath)
	if u := ds.Usage; u != nil {
		fmt.Fprintf(&b, "\ncpu:    %.1f%%\n", u.CPUPercent)
		fmt.Fprintf(&b, "rss:    %s\n", humanize.IBytes(u.MemoryRSS))
		fmt.Fprintf(&b, "uptime: %s", roundDuration(u.Uptime(now)))
	}
	return b.String()
}

func describeCleanup(r dapvisor.CleanupReport) string {
	var b strings.Builder
	for _, st := range r.Steps {
		mark := "ok  "
		if !st.OK {
			mark = "FAIL"
		}
		fmt.Fprintf(&b, "%s %-18s %s\n", mark, st.Name, st.Detail)
	}
	if r.Archived != "" {
		fmt.Fprintf(&b, "log archived to %s\n", r.Archived)
	}
	if len(r.Terminated) > 0 {
		fmt.Fprintf(&b, "terminated orphans: %v\n", r.Terminated)
	}
	if r.Clean() {
		b.WriteString("clean")
	} else {
		fmt.Fprintf(&b, "residual issues: %d", r.Residual)
	}
	return b.String()
}

func roundDuration(d time.Duration) time.Duration {
	if d < time.Second {
		return d.Round(time.Millisecond)
	}
	return d.Round(time.Second)
}
