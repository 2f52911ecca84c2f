package metrics

import (
	"errors"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	starts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dapvisor",
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Start attempts by outcome (ready, unverified, already_running, in_progress, failed, not_ready, dependency_missing).",
		}, []string{"outcome"},
	)
	stops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dapvisor",
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Stop attempts by outcome (not_running, stale_removed, graceful, forced, failed).",
		}, []string{"outcome"},
	)
	staleRecords = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dapvisor",
			Name:      "stale_records_total",
			Help:      "PID records discarded because their process no longer existed.",
		},
	)
	orphansTerminated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dapvisor",
			Name:      "orphans_terminated_total",
			Help:      "Untracked processes signalled by the forced sweep, by signature.",
		}, []string{"signature"},
	)
	cleanupResidual = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dapvisor",
			Name:      "cleanup_residual_issues",
			Help:      "Residual issues reported by the last cleanup (0 = clean).",
		},
	)
	readinessWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dapvisor",
			Name:      "readiness_wait_seconds",
			Help:      "Time spent waiting for the child to become ready.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dapvisor",
			Subsystem: "process",
			Name:      "state",
			Help:      "Observed state of the supervised child (1 = current state).",
		}, []string{"state"},
	)
	childRSS = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dapvisor",
			Subsystem: "child",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the supervised child at the last status sample.",
		},
	)
	childCPU = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dapvisor",
			Subsystem: "child",
			Name:      "cpu_percent",
			Help:      "CPU usage of the supervised child at the last status sample.",
		},
	)
)

// States lists every value SetState may receive.
var States = []string{"not-running", "starting", "running", "stale"}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times and with several registries; collectors
// already present in r are skipped.
func Register(r prometheus.Registerer) error {
	cs := []prometheus.Collector{starts, stops, staleRecords, orphansTerminated, cleanupResidual, readinessWait, currentState, childRSS, childCPU}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// WriteTextfile dumps g in the text exposition format, for node_exporter's
// textfile collector. A short-lived CLI has no endpoint to scrape.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	return prometheus.WriteToTextfile(path, g)
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(outcome string) {
	if regOK.Load() {
		starts.WithLabelValues(outcome).Inc()
	}
}

func IncStop(outcome string) {
	if regOK.Load() {
		stops.WithLabelValues(outcome).Inc()
	}
}

func IncStale() {
	if regOK.Load() {
		staleRecords.Inc()
	}
}

func IncOrphan(signature string) {
	if regOK.Load() {
		orphansTerminated.WithLabelValues(signature).Inc()
	}
}

func SetCleanupResidual(n int) {
	if regOK.Load() {
		cleanupResidual.Set(float64(n))
	}
}

func ObserveReadinessWait(seconds float64) {
	if regOK.Load() {
		readinessWait.Observe(seconds)
	}
}

// SetState marks state as current and every other known state as inactive.
func SetState(state string) {
	if !regOK.Load() {
		return
	}
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		currentState.WithLabelValues(s).Set(v)
	}
}

func SetChildUsage(s Sample) {
	if regOK.Load() {
		childRSS.Set(float64(s.MemoryRSS))
		childCPU.Set(s.CPUPercent)
	}
}
