package dapvisor

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/dapvisor/internal/config"
	"github.com/loykin/dapvisor/internal/history"
	"github.com/loykin/dapvisor/internal/history/factory"
	"github.com/loykin/dapvisor/internal/logger"
	"github.com/loykin/dapvisor/internal/metrics"
	"github.com/loykin/dapvisor/internal/proctable"
	"github.com/loykin/dapvisor/internal/reaper"
	"github.com/loykin/dapvisor/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Settings = cfg.Settings

type Status = supervisor.Status

type State = supervisor.State

type StartResult = supervisor.StartResult

type StopResult = supervisor.StopResult

type StartError = supervisor.StartError

type CleanupReport = reaper.Report

type HistorySink = history.Sink

const (
	StateNotRunning = supervisor.StateNotRunning
	StateStarting   = supervisor.StateStarting
	StateRunning    = supervisor.StateRunning
	StateStale      = supervisor.StateStale
)

var (
	ErrInvalidSettings   = cfg.ErrInvalidSettings
	ErrInvalidConfig     = supervisor.ErrInvalidConfig
	ErrDependencyMissing = supervisor.ErrDependencyMissing
	ErrStartFailed       = supervisor.ErrStartFailed
	ErrNotReady          = supervisor.ErrNotReady
	ErrStopFailed        = supervisor.ErrStopFailed
	ErrStartInProgress   = supervisor.ErrStartInProgress
)

// LoadSettings reads settings from a TOML file, DAPVISOR_* env and defaults.
func LoadSettings(path string) (Settings, error) { return cfg.Load(path) }

// DefaultSettings returns the built-in settings (relative state dir).
func DefaultSettings() Settings { return cfg.Default() }

// Supervisor is a thin facade over the lifecycle controller and the reaper.
type Supervisor struct {
	ctl     *supervisor.Controller
	reap    *reaper.Reaper
	journal *history.Journal
}

type options struct {
	log      *slog.Logger
	runID    string
	sinks    []history.Sink
	registry prometheus.Registerer
	lister   proctable.Lister
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

// WithRunID tags journal events with id instead of a generated one.
func WithRunID(id string) Option { return func(o *options) { o.runID = id } }

// WithHistorySink adds a journal sink next to the one configured by history.dsn.
func WithHistorySink(s HistorySink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s) }
}

// WithMetrics registers the supervisor's collectors with r.
func WithMetrics(r prometheus.Registerer) Option { return func(o *options) { o.registry = r } }

// WithProcessLister replaces the system process table used by forced cleanup.
func WithProcessLister(l proctable.Lister) Option { return func(o *options) { o.lister = l } }

// New validates s and wires the controller, reaper and journal.
func New(s Settings, opts ...Option) (*Supervisor, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	o := options{log: logger.Discard()}
	for _, fn := range opts {
		fn(&o)
	}
	if o.registry != nil {
		if err := metrics.Register(o.registry); err != nil {
			return nil, err
		}
	}
	sinks := o.sinks
	if s.History.DSN != "" {
		// An unreachable journal must not keep stop or cleanup from running.
		if sink, err := factory.NewSinkFromDSN(s.History.DSN); err != nil {
			o.log.Warn("history sink unavailable, continuing without it", "error", err)
		} else {
			sinks = append(sinks, sink)
		}
	}
	j := history.NewJournal(o.runID, o.log, sinks...)
	log := o.log.With("run", j.RunID())

	ctl := supervisor.New(s, supervisor.WithLogger(log), supervisor.WithJournal(j))
	rp := reaper.New(s, ctl, reaper.WithLogger(log), reaper.WithJournal(j), reaper.WithLister(o.lister))
	return &Supervisor{ctl: ctl, reap: rp, journal: j}, nil
}

func (s *Supervisor) Settings() Settings { return s.ctl.Settings() }

// RunID identifies this supervisor instance in logs and journal events.
func (s *Supervisor) RunID() string { return s.journal.RunID() }

func (s *Supervisor) Start(ctx context.Context, configPath string) (StartResult, error) {
	return s.ctl.Start(ctx, configPath)
}

func (s *Supervisor) Stop(ctx context.Context) (StopResult, error) { return s.ctl.Stop(ctx) }

func (s *Supervisor) Restart(ctx context.Context, configPath string) (StartResult, error) {
	return s.ctl.Restart(ctx, configPath)
}

func (s *Supervisor) Status(ctx context.Context) Status { return s.ctl.Status(ctx) }

// Cleanup runs the reaper. force additionally sweeps orphans by signature.
func (s *Supervisor) Cleanup(ctx context.Context, force bool) CleanupReport {
	return s.reap.Cleanup(ctx, force)
}

// Close releases journal sinks.
func (s *Supervisor) Close() error {
	if s == nil {
		return nil
	}
	return s.journal.Close()
}
