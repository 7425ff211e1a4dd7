package execution

import "time"

const (
	EventStepStarted       = "step_started"
	EventStepSubmitted     = "step_submitted"
	EventStepSucceeded     = "step_succeeded"
	EventStepFailed        = "step_failed"
	EventSimulationWarning = "simulation_warning"
	EventSessionCompleted  = "session_completed"
	EventSessionFailed     = "session_failed"
	EventSessionAborted    = "session_aborted"
)

// SessionEvent is published on every observable change of a session. Session
// is a snapshot; observers may keep it.
type SessionEvent struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id"`
	StepIndex int         `json:"step_index"`
	StepKind  StepKind    `json:"step_kind,omitempty"`
	Hash      string      `json:"hash,omitempty"`
	Failure   FailureKind `json:"failure,omitempty"`
	Error     string      `json:"error,omitempty"`
	Warning   *Warning    `json:"warning,omitempty"`
	Session   Session     `json:"session"`
	At        time.Time   `json:"at"`
}

func (e SessionEvent) EventType() string { return e.Type }

func (e SessionEvent) Timestamp() time.Time { return e.At }
