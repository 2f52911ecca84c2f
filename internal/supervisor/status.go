package supervisor

import "time"

// State is the observed lifecycle state of the supervised child.
type State string

const (
	StateNotRunning State = "not-running"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateStale      State = "stale"
)

// Status is a read-only snapshot. PID is set for starting, running and stale.
type Status struct {
	State   State     `json:"state"`
	PID     int       `json:"pid,omitempty"`
	Ready   bool      `json:"ready"`
	Config  string    `json:"config,omitempty"`
	Since   time.Time `json:"since,omitempty"`
	LogPath string    `json:"log_path"`
}

func (s Status) String() string {
	switch s.State {
	case StateRunning, StateStarting, StateStale:
		if s.PID > 0 {
			return string(s.State) + "(" + itoa(s.PID) + ")"
		}
	}
	return string(s.State)
}

// StartOutcome says how a successful Start ended.
type StartOutcome string

const (
	OutcomeAlreadyRunning StartOutcome = "already_running"
	OutcomeInProgress     StartOutcome = "in_progress"
	OutcomeReady          StartOutcome = "ready"
	OutcomeUnverified     StartOutcome = "unverified"
)

type StartResult struct {
	Outcome StartOutcome  `json:"outcome"`
	PID     int           `json:"pid,omitempty"`
	Marker  string        `json:"marker,omitempty"`
	Waited  time.Duration `json:"waited"`
	LogPath string        `json:"log_path"`
}

// StopOutcome says how a successful Stop ended.
type StopOutcome string

const (
	OutcomeNotRunning   StopOutcome = "not_running"
	OutcomeStaleRemoved StopOutcome = "stale_removed"
	OutcomeGraceful     StopOutcome = "graceful"
	OutcomeForced       StopOutcome = "forced"
)

type StopResult struct {
	Outcome StopOutcome `json:"outcome"`
	PID     int         `json:"pid,omitempty"`
}
