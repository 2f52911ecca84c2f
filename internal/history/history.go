package history

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// SendTimeout bounds each sink write so a slow journal cannot stall a verb.
const SendTimeout = 5 * time.Second

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart            EventType = "start"
	EventReady            EventType = "ready"
	EventStartFailed      EventType = "start_failed"
	EventStop             EventType = "stop"
	EventKill             EventType = "kill"
	EventStale            EventType = "stale"
	EventOrphanTerminated EventType = "orphan_terminated"
	EventCleanup          EventType = "cleanup"
)

// Event is a lifecycle event exported to external systems.
type Event struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	PID        int       `json:"pid"`
	Config     string    `json:"config,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

// Journal stamps events and fans them out to sinks. A failing sink is logged
// and never fails the lifecycle operation that produced the event.
type Journal struct {
	runID string
	sinks []Sink
	log   *slog.Logger
	now   func() time.Time
}

// NewJournal returns a journal writing to sinks. runID tags every event
// with the invocation that produced it; an empty runID gets a fresh one.
func NewJournal(runID string, log *slog.Logger, sinks ...Sink) *Journal {
	if runID == "" {
		runID = uuid.NewString()
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Journal{runID: runID, sinks: sinks, log: log, now: time.Now}
}

// RunID returns the invocation id stamped on events.
func (j *Journal) RunID() string {
	if j == nil {
		return ""
	}
	return j.runID
}

// Record sends an event of type t. It is a no-op on a nil journal.
func (j *Journal) Record(ctx context.Context, t EventType, pid int, config, detail string) {
	if j == nil || len(j.sinks) == 0 {
		return
	}
	e := Event{
		ID:         uuid.NewString(),
		RunID:      j.runID,
		Type:       t,
		OccurredAt: j.now().UTC(),
		PID:        pid,
		Config:     config,
		Detail:     detail,
	}
	for _, s := range j.sinks {
		sctx, cancel := context.WithTimeout(ctx, SendTimeout)
		if err := s.Send(sctx, e); err != nil {
			j.log.Warn("history sink failed", "event", string(t), "error", err)
		}
		cancel()
	}
}

// Close closes every sink and joins their errors.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	var errs []error
	for _, s := range j.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
