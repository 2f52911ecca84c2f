package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/dapvisor/internal/config"
	"github.com/loykin/dapvisor/internal/detector"
)

const (
	readyScript    = `echo "bridge listening on 127.0.0.1:0"; exec sleep 30`
	silentScript   = `exec sleep 30`
	stubbornScript = `trap '' TERM; echo ready; while true; do sleep 0.05; done`
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("unix-only test")
	}
}

// testSettings writes script as the bridge executable and returns settings with
// short ceilings rooted in a temp dir.
func testSettings(t *testing.T, script string) config.Settings {
	t.Helper()
	dir := t.TempDir()
	bin := filepath.Join(dir, "bridge.sh")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"+script+"\n"), 0o755))

	s := config.Default()
	s.StateDir = filepath.Join(dir, "state")
	s.Command = bin + " --config {config}"
	s.Readiness.Timeout = 2 * time.Second
	s.Readiness.Interval = 50 * time.Millisecond
	s.Stop.Timeout = time.Second
	s.Stop.Interval = 50 * time.Millisecond
	s.Stop.KillWait = time.Second
	s.Restart.Settle = 10 * time.Millisecond
	require.NoError(t, s.Validate())
	return s
}

func writeArtifact(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "launch.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"type":"python","request":"launch"}`), 0o644))
	return p
}

// newTestController returns a controller whose child is stopped when the test ends.
func newTestController(t *testing.T, s config.Settings, opts ...Option) *Controller {
	t.Helper()
	c := New(s, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = c.Stop(ctx)
	})
	return c
}

func waitGone(t *testing.T, pid int) {
	t.Helper()
	require.Eventually(t, func() bool { return !detector.PIDAlive(pid) }, 3*time.Second, 20*time.Millisecond,
		"pid %d still alive", pid)
}

// instantTimer fires as soon as it is started and counts its starts.
type instantTimer struct {
	c      chan time.Time
	starts *atomic.Int32
}

func (f *instantTimer) Start(time.Duration) {
	f.starts.Add(1)
	f.c = make(chan time.Time, 1)
	f.c <- time.Now()
}
func (f *instantTimer) Stop()               {}
func (f *instantTimer) C() <-chan time.Time { return f.c }
