// Package supervisor implements the lifecycle controller for the single
// debug-adapter bridge process: start, stop, restart and status.
//
// No state is kept between invocations. The PID record under the state dir is
// the only coordination point; it is created exclusively so two racing starts
// cannot both own the slot.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/dapvisor/internal/config"
	"github.com/loykin/dapvisor/internal/detector"
	"github.com/loykin/dapvisor/internal/history"
	"github.com/loykin/dapvisor/internal/logger"
	"github.com/loykin/dapvisor/internal/logstream"
	"github.com/loykin/dapvisor/internal/metrics"
	"github.com/loykin/dapvisor/internal/pidfile"
	"github.com/loykin/dapvisor/internal/poll"
)

// Controller drives one supervised child. It is safe for concurrent use,
// and several Controllers (in one or many processes) may share a state dir.
type Controller struct {
	s        config.Settings
	log      *slog.Logger
	poller   *poll.Poller
	journal  *history.Journal
	lookPath func(string) (string, error)
	now      func() time.Time
	stop     func(context.Context) (StopResult, error) // Restart's stop step

	mu       sync.Mutex
	children map[int]*child // spawned by this controller
}

// child tracks a process spawned in this invocation; done closes once it is reaped.
type child struct {
	done chan struct{}
	err  error
}

type Option func(*Controller)

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithPoller replaces the real-time poller, e.g. with one driven by a fake timer.
func WithPoller(p *poll.Poller) Option {
	return func(c *Controller) {
		if p != nil {
			c.poller = p
		}
	}
}

func WithJournal(j *history.Journal) Option {
	return func(c *Controller) { c.journal = j }
}

// WithLookPath replaces exec.LookPath for the dependency check.
func WithLookPath(f func(string) (string, error)) Option {
	return func(c *Controller) {
		if f != nil {
			c.lookPath = f
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// New returns a Controller for s. s is expected to be validated.
func New(s config.Settings, opts ...Option) *Controller {
	c := &Controller{
		s:        s,
		log:      logger.Discard(),
		poller:   poll.New(),
		lookPath: exec.LookPath,
		now:      time.Now,
		children: make(map[int]*child),
	}
	c.stop = c.Stop
	for _, o := range opts {
		o(c)
	}
	return c
}

// Settings returns the settings the controller was built with.
func (c *Controller) Settings() config.Settings { return c.s }

// Status reports the observed state without changing anything on disk.
func (c *Controller) Status(_ context.Context) Status {
	st := Status{State: StateNotRunning, LogPath: c.s.LogPath()}
	defer func() { metrics.SetState(string(st.State)) }()

	rec, err := pidfile.Read(c.s.PIDPath())
	if errors.Is(err, fs.ErrNotExist) {
		return st
	}
	st.PID, st.Config, st.Since = rec.PID, rec.Meta.Config, rec.ModTime
	switch {
	case err != nil:
		st.State = StateStale
	case rec.Pending():
		st.State = StateStarting
		if c.now().Sub(rec.ModTime) >= c.s.Readiness.Timeout {
			// the claiming start died before committing a pid
			st.State = StateStale
		}
	case !c.alive(rec):
		st.State = StateStale
	default:
		st.Ready = fileExists(c.s.ReadyPath())
		st.State = StateRunning
		if !st.Ready && c.now().Sub(rec.ModTime) < c.s.Readiness.Timeout {
			st.State = StateStarting
		}
	}
	return st
}

// Start launches the child unless one is already running.
//
// A stale record is removed first. The pid is committed before the readiness
// wait, so a concurrent Status observes the child while it warms up. A child
// that is still alive at the end of the readiness ceiling without logging a
// marker is an unverified success unless readiness.require_marker is set.
func (c *Controller) Start(ctx context.Context, configPath string) (StartResult, error) {
	res := StartResult{LogPath: c.s.LogPath()}
	abs, err := checkConfig(configPath)
	if err != nil {
		metrics.IncStart("invalid_config")
		return res, err
	}
	if r, done := c.normalize(ctx); done {
		metrics.IncStart(string(r.Outcome))
		r.LogPath = res.LogPath
		return r, nil
	}
	if err := c.checkDependency(ctx); err != nil {
		metrics.IncStart("dependency_missing")
		c.log.Error("bridge dependency missing", "error", err)
		return res, err
	}
	snapshot, err := c.snapshot(abs)
	if err != nil {
		metrics.IncStart("failed")
		return res, fmt.Errorf("%w: snapshot config: %v", ErrStartFailed, err)
	}

	var claim *pidfile.Claim
	for attempt := 0; claim == nil; attempt++ {
		claim, err = pidfile.NewClaim(c.s.PIDPath())
		if err == nil {
			break
		}
		if !errors.Is(err, pidfile.ErrClaimed) {
			metrics.IncStart("failed")
			return res, fmt.Errorf("%w: claim pid record: %v", ErrStartFailed, err)
		}
		// Another invocation won the race; its record decides.
		if r, done := c.normalize(ctx); done || attempt > 0 {
			if !done {
				r = StartResult{Outcome: OutcomeInProgress}
			}
			metrics.IncStart(string(r.Outcome))
			r.LogPath = res.LogPath
			return r, nil
		}
	}

	pid, err := c.spawn(claim, abs, snapshot)
	if err != nil {
		metrics.IncStart("failed")
		c.journal.Record(ctx, history.EventStartFailed, 0, abs, err.Error())
		return res, err
	}
	res.PID = pid
	c.journal.Record(ctx, history.EventStart, pid, abs, "")
	c.log.Info("bridge spawned", "pid", pid, "config", abs, "log", c.s.LogPath())

	return c.awaitReady(ctx, res, abs)
}

// normalize inspects an existing record. It reports done when Start must not
// spawn; a stale record is removed and Start proceeds.
func (c *Controller) normalize(ctx context.Context) (StartResult, bool) {
	rec, err := pidfile.Read(c.s.PIDPath())
	if errors.Is(err, fs.ErrNotExist) {
		return StartResult{}, false
	}
	if err == nil && rec.Pending() {
		if c.now().Sub(rec.ModTime) < c.s.Readiness.Timeout {
			c.log.Info("another start is in progress", "record", c.s.PIDPath())
			return StartResult{Outcome: OutcomeInProgress}, true
		}
	} else if err == nil && c.alive(rec) {
		c.log.Info("bridge already running", "pid", rec.PID)
		return StartResult{Outcome: OutcomeAlreadyRunning, PID: rec.PID}, true
	}
	c.discardStale(ctx, rec, err)
	return StartResult{}, false
}

func (c *Controller) discardStale(ctx context.Context, rec pidfile.Record, readErr error) {
	if readErr != nil {
		c.log.Warn("unreadable pid record, discarding", "record", c.s.PIDPath(), "error", readErr)
	} else {
		c.log.Warn("stale pid record, discarding", "pid", rec.PID, "record", c.s.PIDPath())
	}
	if err := pidfile.Remove(c.s.PIDPath()); err != nil {
		c.log.Warn("remove stale pid record", "error", err)
	}
	_ = os.Remove(c.s.ReadyPath())
	metrics.IncStale()
	c.journal.Record(ctx, history.EventStale, rec.PID, rec.Meta.Config, "")
}

func checkConfig(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: path is required", ErrInvalidConfig)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	st, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if !st.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s is not a regular file", ErrInvalidConfig, abs)
	}
	// #nosec G304
	f, err := os.Open(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	_ = f.Close()
	return abs, nil
}

func (c *Controller) checkDependency(ctx context.Context) error {
	exe := executable(c.s.Command)
	if exe == "" {
		return fmt.Errorf("%w: empty command", ErrDependencyMissing)
	}
	if _, err := c.lookPath(resolveExecutable(exe, c.s.WorkDir)); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDependencyMissing, exe, err)
	}
	if c.s.DependencyCheck == "" {
		return nil
	}
	ok, err := detector.CommandDetector{Command: c.s.DependencyCheck}.AliveContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrDependencyMissing, c.s.DependencyCheck, err)
	}
	if !ok {
		return fmt.Errorf("%w: %q exited non-zero", ErrDependencyMissing, c.s.DependencyCheck)
	}
	return nil
}

// snapshot copies the config artifact under the generated prefix so cleanup
// can remove it without touching user files.
func (c *Controller) snapshot(src string) (string, error) {
	if err := os.MkdirAll(c.s.StateDir, 0o750); err != nil {
		return "", err
	}
	dst := c.s.GeneratedPath(src)
	// #nosec G304
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return "", err
	}
	return dst, out.Close()
}

// spawn starts the child and commits its pid into claim. On any error the
// claim is abandoned and no child is left running.
func (c *Controller) spawn(claim *pidfile.Claim, configPath, snapshot string) (int, error) {
	env, err := c.s.ChildEnv()
	if err != nil {
		_ = claim.Abandon()
		return 0, fmt.Errorf("%w: child env: %v", ErrStartFailed, err)
	}
	_ = os.Remove(c.s.ReadyPath())
	logFile, err := logstream.Stream{Path: c.s.LogPath()}.Open()
	if err != nil {
		_ = claim.Abandon()
		return 0, fmt.Errorf("%w: open log: %v", ErrStartFailed, err)
	}
	// The child holds its own descriptor once started.
	defer func() { _ = logFile.Close() }()

	cmd := buildCommand(c.s.Command, snapshot)
	cmd.Dir = c.s.WorkDir
	cmd.Env = env
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	configureSysProcAttr(cmd)
	if err := cmd.Start(); err != nil {
		_ = claim.Abandon()
		return 0, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}
	pid := cmd.Process.Pid
	ch := &child{done: make(chan struct{})}
	c.mu.Lock()
	c.children[pid] = ch
	c.mu.Unlock()
	go func() {
		ch.err = cmd.Wait()
		close(ch.done)
	}()

	meta := pidfile.Meta{
		StartUnix: detector.ProcStartUnix(pid),
		Command:   c.s.Command,
		Config:    configPath,
		Owner:     os.Getpid(),
	}
	if err := claim.Commit(pid, meta); err != nil {
		_ = forceKill(pid)
		_ = claim.Abandon()
		return 0, fmt.Errorf("%w: commit pid record: %v", ErrStartFailed, err)
	}
	return pid, nil
}

func (c *Controller) awaitReady(ctx context.Context, res StartResult, configPath string) (StartResult, error) {
	stream := logstream.Stream{Path: c.s.LogPath()}
	scanner, err := logstream.NewMarkerScanner(stream.Path, c.s.Readiness.Markers)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}
	pid := res.PID
	var dead bool
	begin := c.now()
	err = c.poller.Until(ctx, c.s.Readiness.Config, func() (bool, error) {
		if c.gone(pid) {
			dead = true
			return true, nil
		}
		if m, ok, _ := scanner.Scan(); ok {
			res.Marker = m
			return true, nil
		}
		return false, nil
	})
	if res.Marker != "" && !dead {
		// a child that logs its marker and exits right away did not start
		if serr := c.poller.Sleep(ctx, markerSettle(c.s.Readiness.Interval)); serr == nil && c.gone(pid) {
			dead = true
		}
	}
	res.Waited = c.now().Sub(begin)
	metrics.ObserveReadinessWait(res.Waited.Seconds())

	switch {
	case dead:
		se := &StartError{PID: pid, Cause: ErrStartFailed, Exit: c.exitStatus(pid), Tail: c.tail(stream)}
		if err := pidfile.Remove(c.s.PIDPath()); err != nil {
			c.log.Warn("remove pid record", "error", err)
		}
		metrics.IncStart("failed")
		c.journal.Record(ctx, history.EventStartFailed, pid, configPath, se.Error())
		c.log.Error("bridge exited during startup", "pid", pid, "log", stream.Path)
		return StartResult{LogPath: res.LogPath}, se

	case res.Marker != "":
		if werr := os.WriteFile(c.s.ReadyPath(), []byte(strconv.Itoa(pid)+"\n"), 0o600); werr != nil {
			c.log.Warn("write ready marker", "error", werr)
		}
		res.Outcome = OutcomeReady
		metrics.IncStart(string(res.Outcome))
		c.journal.Record(ctx, history.EventReady, pid, configPath, res.Marker)
		c.log.Info("bridge ready", "pid", pid, "marker", res.Marker, "waited", res.Waited)
		return res, nil

	case errors.Is(err, poll.ErrTimeout) && c.s.Readiness.RequireMarker:
		c.log.Warn("no readiness marker before ceiling, stopping bridge", "pid", pid, "ceiling", c.s.Readiness.Timeout)
		if _, serr := c.stopPID(ctx, pidfile.Record{PID: pid}); serr != nil {
			c.log.Error("stop unready bridge", "pid", pid, "error", serr)
		} else if rerr := pidfile.Remove(c.s.PIDPath()); rerr != nil {
			c.log.Warn("remove pid record", "error", rerr)
		}
		se := &StartError{PID: pid, Cause: ErrNotReady, Tail: c.tail(stream)}
		metrics.IncStart("not_ready")
		c.journal.Record(ctx, history.EventStartFailed, pid, configPath, ErrNotReady.Error())
		return StartResult{LogPath: res.LogPath}, se

	case errors.Is(err, poll.ErrTimeout):
		res.Outcome = OutcomeUnverified
		metrics.IncStart(string(res.Outcome))
		c.log.Warn("bridge alive but readiness unverified", "pid", pid, "ceiling", c.s.Readiness.Timeout)
		return res, nil

	default:
		// Cancelled mid-wait: the child keeps running and stays recorded.
		res.Outcome = OutcomeUnverified
		return res, err
	}
}

// maxMarkerSettle caps the liveness recheck that follows a marker match.
const maxMarkerSettle = 100 * time.Millisecond

func markerSettle(interval time.Duration) time.Duration {
	return min(interval, maxMarkerSettle)
}

func (c *Controller) tail(s logstream.Stream) []string {
	lines, err := s.Tail(c.s.Readiness.TailLines)
	if err != nil {
		c.log.Debug("read log tail", "error", err)
	}
	return lines
}

// Stop terminates the child: graceful signal first, forced after the stop
// window. A child that survives both keeps its record and yields ErrStopFailed.
func (c *Controller) Stop(ctx context.Context) (StopResult, error) {
	rec, err := pidfile.Read(c.s.PIDPath())
	if errors.Is(err, fs.ErrNotExist) {
		metrics.IncStop(string(OutcomeNotRunning))
		return StopResult{Outcome: OutcomeNotRunning}, nil
	}
	if err == nil && rec.Pending() && c.now().Sub(rec.ModTime) < c.s.Readiness.Timeout {
		return StopResult{}, ErrStartInProgress
	}
	if err != nil || rec.Pending() || !c.alive(rec) {
		c.discardStale(ctx, rec, err)
		metrics.IncStop(string(OutcomeStaleRemoved))
		return StopResult{Outcome: OutcomeStaleRemoved, PID: rec.PID}, nil
	}

	res, err := c.stopPID(ctx, rec)
	if err != nil {
		metrics.IncStop("failed")
		c.log.Error("bridge survived termination, keeping pid record", "pid", rec.PID, "error", err)
		return res, err
	}
	if err := pidfile.Remove(c.s.PIDPath()); err != nil {
		c.log.Warn("remove pid record", "error", err)
	}
	_ = os.Remove(c.s.ReadyPath())
	metrics.IncStop(string(res.Outcome))
	return res, nil
}

// stopPID runs the termination escalation against rec.PID.
func (c *Controller) stopPID(ctx context.Context, rec pidfile.Record) (StopResult, error) {
	pid := rec.PID
	res := StopResult{PID: pid}
	gone := func() (bool, error) { return c.gone(pid), nil }

	c.log.Info("stopping bridge", "pid", pid, "window", c.s.Stop.Timeout)
	if err := terminate(pid); err != nil {
		c.log.Warn("graceful signal", "pid", pid, "error", err)
	}
	err := c.poller.Until(ctx, c.s.Stop.Config, gone)
	if err == nil {
		res.Outcome = OutcomeGraceful
		c.journal.Record(ctx, history.EventStop, pid, rec.Meta.Config, string(res.Outcome))
		c.log.Info("bridge stopped", "pid", pid)
		return res, nil
	}
	if !errors.Is(err, poll.ErrTimeout) {
		return res, err
	}

	c.log.Warn("bridge ignored graceful signal, killing", "pid", pid)
	if err := forceKill(pid); err != nil {
		c.log.Warn("forced signal", "pid", pid, "error", err)
	}
	c.journal.Record(ctx, history.EventKill, pid, rec.Meta.Config, "")
	err = c.poller.Until(ctx, c.s.Stop.KillConfig(), gone)
	if err == nil {
		res.Outcome = OutcomeForced
		c.journal.Record(ctx, history.EventStop, pid, rec.Meta.Config, string(res.Outcome))
		return res, nil
	}
	if errors.Is(err, poll.ErrTimeout) {
		return res, fmt.Errorf("%w: pid %d still alive after forced termination", ErrStopFailed, pid)
	}
	return res, err
}

// Restart stops the child, waits restart.settle and starts it again. A stop
// failure does not prevent the start. When the start then finds the old child
// still in place, nothing was restarted and the stop error is returned with
// Start's result.
func (c *Controller) Restart(ctx context.Context, configPath string) (StartResult, error) {
	if _, err := checkConfig(configPath); err != nil {
		return StartResult{LogPath: c.s.LogPath()}, err
	}
	_, stopErr := c.stop(ctx)
	if stopErr != nil {
		c.log.Error("restart: stop failed, starting anyway", "error", stopErr)
	}
	if err := c.poller.Sleep(ctx, c.s.Restart.Settle); err != nil {
		return StartResult{LogPath: c.s.LogPath()}, err
	}
	res, err := c.Start(ctx, configPath)
	if err == nil && stopErr != nil &&
		(res.Outcome == OutcomeAlreadyRunning || res.Outcome == OutcomeInProgress) {
		return res, fmt.Errorf("restart: previous bridge not replaced: %w", stopErr)
	}
	return res, err
}

func (c *Controller) alive(rec pidfile.Record) bool {
	if ch := c.child(rec.PID); ch != nil {
		select {
		case <-ch.done:
			return false
		default:
		}
	}
	return detector.RecordAlive(rec)
}

// gone reports whether pid has exited. Children spawned by this controller
// are judged by their reaper goroutine, others by the OS.
func (c *Controller) gone(pid int) bool {
	if ch := c.child(pid); ch != nil {
		select {
		case <-ch.done:
			return true
		default:
			return false
		}
	}
	return !detector.PIDAlive(pid)
}

func (c *Controller) child(pid int) *child {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.children[pid]
}

// exitStatus is the wait result of a reaped child, nil when unknown.
func (c *Controller) exitStatus(pid int) error {
	ch := c.child(pid)
	if ch == nil {
		return nil
	}
	select {
	case <-ch.done:
		return ch.err
	default:
		return nil
	}
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
