package metrics

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg), "second Register is a no-op")
	require.NoError(t, Register(prometheus.NewRegistry()), "a second registry is fine")

	IncStart("ready")
	IncStart("ready")
	IncStop("graceful")
	IncStale()
	IncOrphan("dap-bridge")
	SetCleanupResidual(2)
	ObserveReadinessWait(1.5)
	SetState("running")
	SetChildUsage(Sample{MemoryRSS: 1024, CPUPercent: 3})

	assert.Equal(t, 2.0, testutil.ToFloat64(starts.WithLabelValues("ready")))
	assert.Equal(t, 1.0, testutil.ToFloat64(stops.WithLabelValues("graceful")))
	assert.Equal(t, 1.0, testutil.ToFloat64(staleRecords))
	assert.Equal(t, 1.0, testutil.ToFloat64(orphansTerminated.WithLabelValues("dap-bridge")))
	assert.Equal(t, 2.0, testutil.ToFloat64(cleanupResidual))
	assert.Equal(t, 1.0, testutil.ToFloat64(currentState.WithLabelValues("running")))
	assert.Equal(t, 0.0, testutil.ToFloat64(currentState.WithLabelValues("stale")))
	assert.Equal(t, 1024.0, testutil.ToFloat64(childRSS))

	SetState("not-running")
	assert.Equal(t, 0.0, testutil.ToFloat64(currentState.WithLabelValues("running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(currentState.WithLabelValues("not-running")))

	path := filepath.Join(t.TempDir(), "dapvisor.prom")
	require.NoError(t, WriteTextfile(path, reg))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(b), "dapvisor_process_starts_total"))
	assert.True(t, strings.Contains(string(b), "dapvisor_cleanup_residual_issues 2"))
}

func TestSampleOwnProcess(t *testing.T) {
	s, err := SampleProcess(context.Background(), os.Getpid())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), s.PID)
	assert.NotZero(t, s.MemoryRSS)
	if !s.StartedAt.IsZero() {
		assert.Greater(t, s.Uptime(time.Now()), time.Duration(0))
	}
	assert.Zero(t, Sample{}.Uptime(time.Now()))
}
