package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/loykin/dapvisor/internal/config"
	"github.com/loykin/dapvisor/internal/detector"
	"github.com/loykin/dapvisor/internal/history"
	"github.com/loykin/dapvisor/internal/pidfile"
	"github.com/loykin/dapvisor/internal/poll"
)

type recordingSink struct {
	mu     sync.Mutex
	events []history.EventType
}

func (r *recordingSink) Send(_ context.Context, e history.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e.Type)
	return nil
}

func (r *recordingSink) Close() error { return nil }

func (r *recordingSink) types() []history.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]history.EventType(nil), r.events...)
}

func TestStartInvalidConfig(t *testing.T) {
	s := testSettings(t, readyScript)
	c := newTestController(t, s)
	ctx := context.Background()

	_, err := c.Start(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = c.Start(ctx, filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = c.Start(ctx, t.TempDir())
	assert.ErrorIs(t, err, ErrInvalidConfig)

	assert.False(t, pidfile.Exists(s.PIDPath()), "caller error must not touch state")
}

func TestStartDependencyMissing(t *testing.T) {
	s := testSettings(t, readyScript)
	s.Command = "dapvisor-no-such-bridge-binary --config {config}"
	c := newTestController(t, s)

	_, err := c.Start(context.Background(), writeArtifact(t))
	require.ErrorIs(t, err, ErrDependencyMissing)
	assert.NotErrorIs(t, err, ErrStartFailed)
	assert.False(t, pidfile.Exists(s.PIDPath()))
	_, statErr := os.Stat(s.LogPath())
	assert.True(t, os.IsNotExist(statErr), "no spawn attempt means no log")
}

func TestStartDependencyCheckFails(t *testing.T) {
	requireUnix(t)
	s := testSettings(t, readyScript)
	s.DependencyCheck = "sh -c 'exit 3'"
	c := newTestController(t, s)

	_, err := c.Start(context.Background(), writeArtifact(t))
	require.ErrorIs(t, err, ErrDependencyMissing)
	assert.False(t, pidfile.Exists(s.PIDPath()))
}

func TestStartReadyIsIdempotent(t *testing.T) {
	requireUnix(t)
	s := testSettings(t, readyScript)
	sink := &recordingSink{}
	c := newTestController(t, s, WithJournal(history.NewJournal("t", nil, sink)))
	ctx := context.Background()
	cfg := writeArtifact(t)

	first, err := c.Start(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReady, first.Outcome)
	assert.Regexp(t, "(?i)listening", first.Marker)
	require.Positive(t, first.PID)

	second, err := c.Start(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyRunning, second.Outcome)
	assert.Equal(t, first.PID, second.PID, "no second process is spawned")

	rec, err := pidfile.Read(s.PIDPath())
	require.NoError(t, err)
	assert.Equal(t, first.PID, rec.PID)
	assert.Equal(t, os.Getpid(), rec.Meta.Owner)
	assert.Equal(t, cfg, rec.Meta.Config)
	assert.FileExists(t, s.GeneratedPath(cfg))
	assert.FileExists(t, s.ReadyPath())

	st := c.Status(ctx)
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, first.PID, st.PID)
	assert.True(t, st.Ready)

	stop, err := c.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeGraceful, stop.Outcome)
	waitGone(t, first.PID)
	assert.Equal(t, StateNotRunning, c.Status(ctx).State)
	assert.NoFileExists(t, s.ReadyPath())
	assert.Equal(t, []history.EventType{history.EventStart, history.EventReady, history.EventStop}, sink.types())
}

func TestStartHealsStaleRecord(t *testing.T) {
	requireUnix(t)
	s := testSettings(t, readyScript)
	c := newTestController(t, s)

	dead := exec.Command("true")
	require.NoError(t, dead.Run())
	claim, err := pidfile.NewClaim(s.PIDPath())
	require.NoError(t, err)
	require.NoError(t, claim.Commit(dead.Process.Pid, pidfile.Meta{}))
	assert.Equal(t, StateStale, c.Status(context.Background()).State)

	res, err := c.Start(context.Background(), writeArtifact(t))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReady, res.Outcome)
	assert.NotEqual(t, dead.Process.Pid, res.PID)

	rec, err := pidfile.Read(s.PIDPath())
	require.NoError(t, err)
	assert.Equal(t, res.PID, rec.PID)
}

func TestStartHealsUnreadableRecord(t *testing.T) {
	requireUnix(t)
	s := testSettings(t, readyScript)
	c := newTestController(t, s)
	require.NoError(t, os.MkdirAll(s.StateDir, 0o750))
	require.NoError(t, os.WriteFile(s.PIDPath(), []byte("garbage\n"), 0o600))

	res, err := c.Start(context.Background(), writeArtifact(t))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReady, res.Outcome)
}

func TestStopWithoutRecordSendsNothing(t *testing.T) {
	s := testSettings(t, readyScript)
	c := New(s)
	res, err := c.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotRunning, res.Outcome)
	assert.Zero(t, res.PID)
}

func TestStopStaleRecord(t *testing.T) {
	requireUnix(t)
	s := testSettings(t, readyScript)
	c := New(s)
	dead := exec.Command("true")
	require.NoError(t, dead.Run())
	claim, err := pidfile.NewClaim(s.PIDPath())
	require.NoError(t, err)
	require.NoError(t, claim.Commit(dead.Process.Pid, pidfile.Meta{}))

	res, err := c.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeStaleRemoved, res.Outcome)
	assert.False(t, pidfile.Exists(s.PIDPath()))
}

func TestStopEscalatesToForcedTermination(t *testing.T) {
	requireUnix(t)
	s := testSettings(t, stubbornScript)
	s.Stop.Timeout = 300 * time.Millisecond
	sink := &recordingSink{}
	c := newTestController(t, s, WithJournal(history.NewJournal("t", nil, sink)))
	ctx := context.Background()

	started, err := c.Start(ctx, writeArtifact(t))
	require.NoError(t, err)
	require.Equal(t, OutcomeReady, started.Outcome)

	begin := time.Now()
	res, err := c.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeForced, res.Outcome)
	assert.Less(t, time.Since(begin), s.Stop.Timeout+s.Stop.KillWait+time.Second)
	waitGone(t, started.PID)
	assert.False(t, pidfile.Exists(s.PIDPath()))
	assert.Contains(t, sink.types(), history.EventKill)
}

func TestStopFailureKeepsRecord(t *testing.T) {
	requireUnix(t)
	// pid 1 is never signalled, so it outlives both escalation steps.
	s := testSettings(t, readyScript)
	s.Stop.Timeout = 100 * time.Millisecond
	s.Stop.Interval = 50 * time.Millisecond
	s.Stop.KillWait = 100 * time.Millisecond
	c := New(s)
	claim, err := pidfile.NewClaim(s.PIDPath())
	require.NoError(t, err)
	require.NoError(t, claim.Commit(1, pidfile.Meta{}))

	_, err = c.Stop(context.Background())
	require.ErrorIs(t, err, ErrStopFailed)
	assert.True(t, pidfile.Exists(s.PIDPath()), "record must stay visible after a failed stop")
}

func TestStartFailureSurfacesLogTail(t *testing.T) {
	requireUnix(t)
	s := testSettings(t, `echo "loading adapter"; echo "fatal: port 5678 in use" >&2; exit 3`)
	sink := &recordingSink{}
	c := newTestController(t, s, WithJournal(history.NewJournal("t", nil, sink)))

	_, err := c.Start(context.Background(), writeArtifact(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStartFailed)
	var se *StartError
	require.True(t, errors.As(err, &se))
	assert.Contains(t, se.Tail, "fatal: port 5678 in use")
	assert.Error(t, se.Exit)
	assert.False(t, pidfile.Exists(s.PIDPath()), "stale record is removed on start failure")
	assert.Equal(t, StateNotRunning, c.Status(context.Background()).State)
	assert.Contains(t, sink.types(), history.EventStartFailed)
}

func TestStartFailsWhenChildExitsAfterMarker(t *testing.T) {
	requireUnix(t)
	s := testSettings(t, `echo "bridge listening on 127.0.0.1:0"; exit 1`)
	c := newTestController(t, s)

	res, err := c.Start(context.Background(), writeArtifact(t))
	require.ErrorIs(t, err, ErrStartFailed)
	assert.Empty(t, res.Marker)
	var se *StartError
	require.True(t, errors.As(err, &se))
	assert.Contains(t, se.Tail, "bridge listening on 127.0.0.1:0")
	assert.False(t, pidfile.Exists(s.PIDPath()))
	assert.NoFileExists(t, s.ReadyPath())
}

func TestDefaultMarkersIgnoreAlready(t *testing.T) {
	requireUnix(t)
	s := testSettings(t, `echo "bind: address already in use"; exit 1`)
	s.Readiness.Markers = config.Default().Readiness.Markers
	c := newTestController(t, s)

	_, err := c.Start(context.Background(), writeArtifact(t))
	require.ErrorIs(t, err, ErrStartFailed)
	var se *StartError
	require.True(t, errors.As(err, &se))
	assert.Contains(t, se.Tail, "bind: address already in use")
	assert.Equal(t, StateNotRunning, c.Status(context.Background()).State)
}

func TestStartSoftSuccessWithoutMarker(t *testing.T) {
	requireUnix(t)
	s := testSettings(t, silentScript)
	s.Readiness.Timeout = 300 * time.Millisecond
	c := newTestController(t, s)

	res, err := c.Start(context.Background(), writeArtifact(t))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnverified, res.Outcome)
	assert.GreaterOrEqual(t, res.Waited, 250*time.Millisecond)
	assert.NoFileExists(t, s.ReadyPath())

	st := c.Status(context.Background())
	assert.Equal(t, StateRunning, st.State)
	assert.False(t, st.Ready)
}

func TestRequireMarkerTightensSoftSuccess(t *testing.T) {
	requireUnix(t)
	s := testSettings(t, silentScript)
	s.Readiness.Timeout = 300 * time.Millisecond
	s.Readiness.RequireMarker = true
	c := newTestController(t, s)

	_, err := c.Start(context.Background(), writeArtifact(t))
	require.ErrorIs(t, err, ErrNotReady)
	var se *StartError
	require.True(t, errors.As(err, &se))
	waitGone(t, se.PID)
	assert.False(t, pidfile.Exists(s.PIDPath()))
}

func TestReadinessCeilingWithFakeTimer(t *testing.T) {
	requireUnix(t)
	s := testSettings(t, silentScript)
	s.Readiness.Timeout = 10 * time.Second
	s.Readiness.Interval = time.Second
	var starts atomic.Int32
	p := poll.WithTimer(func() poll.Timer { return &instantTimer{starts: &starts} })
	c := New(s, WithPoller(p))
	t.Cleanup(func() { _, _ = New(s).Stop(context.Background()) })

	begin := time.Now()
	res, err := c.Start(context.Background(), writeArtifact(t))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnverified, res.Outcome)
	assert.Less(t, time.Since(begin), 5*time.Second, "fake timer must not sleep")
	assert.Equal(t, int32(10), starts.Load(), "one immediate check plus ten ticks")
}

func TestStatusDuringWarmupIsStarting(t *testing.T) {
	requireUnix(t)
	s := testSettings(t, silentScript)
	s.Readiness.Timeout = 300 * time.Millisecond
	c := newTestController(t, s)

	cfg := writeArtifact(t)
	done := make(chan StartResult, 1)
	go func() {
		res, _ := c.Start(context.Background(), cfg)
		done <- res
	}()
	require.Eventually(t, func() bool {
		return c.Status(context.Background()).State == StateStarting
	}, 2*time.Second, 10*time.Millisecond)
	res := <-done
	assert.Equal(t, OutcomeUnverified, res.Outcome)
}

func TestPendingClaim(t *testing.T) {
	requireUnix(t)
	s := testSettings(t, readyScript)
	ctx := context.Background()
	claim, err := pidfile.NewClaim(s.PIDPath())
	require.NoError(t, err)
	t.Cleanup(func() { _ = claim.Abandon() })

	c := New(s)
	assert.Equal(t, StateStarting, c.Status(ctx).State)
	res, err := c.Start(ctx, writeArtifact(t))
	require.NoError(t, err)
	assert.Equal(t, OutcomeInProgress, res.Outcome)
	_, err = c.Stop(ctx)
	assert.ErrorIs(t, err, ErrStartInProgress)

	// An abandoned claim older than the readiness ceiling is stale.
	later := newTestController(t, s, WithClock(func() time.Time { return time.Now().Add(time.Hour) }))
	assert.Equal(t, StateStale, later.Status(ctx).State)
	res, err = later.Start(ctx, writeArtifact(t))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReady, res.Outcome)
}

func TestConcurrentStartsSpawnOnce(t *testing.T) {
	requireUnix(t)
	s := testSettings(t, readyScript)
	cfg := writeArtifact(t)
	ctx := context.Background()

	const n = 8
	results := make([]StartResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		c := newTestController(t, s)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Start(ctx, cfg)
		}(i)
	}
	wg.Wait()

	pids := map[int]struct{}{}
	spawned := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i].PID > 0 {
			pids[results[i].PID] = struct{}{}
		}
		if results[i].Outcome == OutcomeReady || results[i].Outcome == OutcomeUnverified {
			spawned++
		}
	}
	assert.Equal(t, 1, spawned, "exactly one invocation owns the slot")
	assert.Len(t, pids, 1)
}

func TestStartStopCyclesUseDistinctPIDs(t *testing.T) {
	requireUnix(t)
	s := testSettings(t, readyScript)
	c := newTestController(t, s)
	ctx := context.Background()
	cfg := writeArtifact(t)

	seen := map[int]struct{}{}
	for i := 0; i < 3; i++ {
		res, err := c.Start(ctx, cfg)
		require.NoError(t, err)
		st := c.Status(ctx)
		require.Equal(t, StateRunning, st.State)
		require.Equal(t, res.PID, st.PID)

		_, err = c.Stop(ctx)
		require.NoError(t, err)
		require.Equal(t, StateNotRunning, c.Status(ctx).State)
		waitGone(t, res.PID)
		seen[res.PID] = struct{}{}
	}
	assert.Len(t, seen, 3)
	for pid := range seen {
		assert.False(t, detector.PIDAlive(pid), "leaked pid %d", pid)
	}
}

func TestExternalKillIsHealedByStart(t *testing.T) {
	requireUnix(t)
	s := testSettings(t, readyScript)
	c := newTestController(t, s)
	ctx := context.Background()
	cfg := writeArtifact(t)

	first, err := c.Start(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, unix.Kill(first.PID, unix.SIGKILL))
	require.Eventually(t, func() bool { return c.Status(ctx).State == StateStale }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, first.PID, c.Status(ctx).PID)

	second, err := c.Start(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReady, second.Outcome)
	assert.NotEqual(t, first.PID, second.PID)
}

func TestExternalKillSeenByFreshController(t *testing.T) {
	requireUnix(t)
	s := testSettings(t, readyScript)
	c := newTestController(t, s)
	ctx := context.Background()

	first, err := c.Start(ctx, writeArtifact(t))
	require.NoError(t, err)
	require.NoError(t, unix.Kill(first.PID, unix.SIGKILL))
	waitGone(t, first.PID)

	// A later invocation knows nothing but the record.
	other := New(s)
	assert.Equal(t, StateStale, other.Status(ctx).State)
	res, err := other.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStaleRemoved, res.Outcome)
}

func TestRestart(t *testing.T) {
	requireUnix(t)
	s := testSettings(t, readyScript)
	c := newTestController(t, s)
	ctx := context.Background()
	cfg := writeArtifact(t)

	first, err := c.Start(ctx, cfg)
	require.NoError(t, err)
	second, err := c.Restart(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReady, second.Outcome)
	assert.NotEqual(t, first.PID, second.PID)
	waitGone(t, first.PID)

	// Restart from nothing simply starts.
	_, err = c.Stop(ctx)
	require.NoError(t, err)
	third, err := c.Restart(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReady, third.Outcome)

	_, err = c.Restart(ctx, filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, StateRunning, c.Status(ctx).State, "invalid config must not stop the child")
}

func TestRestartStartsAfterFailedStop(t *testing.T) {
	requireUnix(t)
	s := testSettings(t, readyScript)
	c := newTestController(t, s)
	stops := 0
	c.stop = func(context.Context) (StopResult, error) {
		stops++
		return StopResult{}, fmt.Errorf("%w: pid 4242 still alive after forced termination", ErrStopFailed)
	}

	res, err := c.Restart(context.Background(), writeArtifact(t))
	require.NoError(t, err)
	assert.Equal(t, 1, stops)
	assert.Equal(t, OutcomeReady, res.Outcome)
	assert.True(t, detector.PIDAlive(res.PID))
}

func TestRestartReportsChildThatWasNotReplaced(t *testing.T) {
	requireUnix(t)
	// pid 1 is never signalled, so stop fails and start finds it running.
	s := testSettings(t, readyScript)
	s.Stop.Timeout = 100 * time.Millisecond
	s.Stop.Interval = 50 * time.Millisecond
	s.Stop.KillWait = 100 * time.Millisecond
	claim, err := pidfile.NewClaim(s.PIDPath())
	require.NoError(t, err)
	require.NoError(t, claim.Commit(1, pidfile.Meta{}))
	t.Cleanup(func() { _ = pidfile.Remove(s.PIDPath()) })

	res, err := New(s).Restart(context.Background(), writeArtifact(t))
	require.ErrorIs(t, err, ErrStopFailed)
	assert.Equal(t, OutcomeAlreadyRunning, res.Outcome)
	assert.Equal(t, 1, res.PID)
	assert.True(t, pidfile.Exists(s.PIDPath()))
}

func TestLogIsTruncatedOnNextStart(t *testing.T) {
	requireUnix(t)
	s := testSettings(t, readyScript)
	c := newTestController(t, s)
	ctx := context.Background()
	cfg := writeArtifact(t)

	_, err := c.Start(ctx, cfg)
	require.NoError(t, err)
	_, err = c.Stop(ctx)
	require.NoError(t, err)
	_, err = c.Start(ctx, cfg)
	require.NoError(t, err)

	b, err := os.ReadFile(s.LogPath())
	require.NoError(t, err)
	assert.Equal(t, "bridge listening on 127.0.0.1:0\n", string(b))
}
