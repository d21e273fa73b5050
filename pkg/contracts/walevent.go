package contracts

import "time"

// WALEventType enumerates the event vocabulary of the write-ahead log.
type WALEventType string

const (
	EventExecutionStarted     WALEventType = "EXECUTION_STARTED"
	EventExecutionCompleted   WALEventType = "EXECUTION_COMPLETED"
	EventExecutionFailed      WALEventType = "EXECUTION_FAILED"
	EventExecutionCompensated WALEventType = "EXECUTION_COMPENSATED"
	EventCancelRequested      WALEventType = "EXECUTION_CANCEL_REQUESTED"
	EventStepStarted          WALEventType = "STEP_STARTED"
	EventStepCompleted        WALEventType = "STEP_COMPLETED"
	EventStepFailed           WALEventType = "STEP_FAILED"
	EventStepCompensating     WALEventType = "STEP_COMPENSATING"
	EventStepCompensated      WALEventType = "STEP_COMPENSATED"
)

// WALEvent is one append-only log entry. SequenceNo is monotonic per
// execution and is the sole ordering authority. Events are never mutated
// or deleted within the retention window; corrections are modeled as new
// compensating events.
type WALEvent struct {
	EventID     string         `json:"event_id"`
	ExecutionID string         `json:"execution_id"`
	TenantID    string         `json:"tenant_id"`
	SessionID   string         `json:"session_id"`
	SequenceNo  int64          `json:"sequence_no"`
	Type        WALEventType   `json:"type"`
	Payload     map[string]any `json:"payload,omitempty"`
	PayloadHash string         `json:"payload_hash,omitempty"`
	PrevHash    string         `json:"prev_hash,omitempty"`
	RecordedAt  time.Time      `json:"recorded_at"`
}
