package contracts

import "time"

// ExecutionStatus is the saga-level state machine position.
type ExecutionStatus string

const (
	ExecutionPending     ExecutionStatus = "pending"
	ExecutionRunning     ExecutionStatus = "running"
	ExecutionCompleted   ExecutionStatus = "completed"
	ExecutionFailed      ExecutionStatus = "failed"
	ExecutionCompensated ExecutionStatus = "compensated"
)

// Terminal reports whether the execution can no longer make progress.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCompensated:
		return true
	}
	return false
}

// StepStatus is the per-step state machine position.
type StepStatus string

const (
	StepPending      StepStatus = "pending"
	StepRunning      StepStatus = "running"
	StepCompleted    StepStatus = "completed"
	StepFailed       StepStatus = "failed"
	StepCompensating StepStatus = "compensating"
	StepCompensated  StepStatus = "compensated"
)

// Terminal reports whether the step reached a final state.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepCompensated:
		return true
	}
	return false
}

// SagaStep is one unit of work within an execution, dispatched to a
// capability handler.
type SagaStep struct {
	StepID         string         `json:"step_id"`
	ExecutionID    string         `json:"execution_id"`
	CapabilityName string         `json:"capability_name"`
	Status         StepStatus     `json:"status"`
	Input          map[string]any `json:"input,omitempty"`
	Output         map[string]any `json:"output,omitempty"`
	Error          string         `json:"error,omitempty"`
	AttemptCount   int            `json:"attempt_count"`
}

// Execution is one run of a multi-step workflow triggered by an intent.
// Mutated only by the saga coordinator owning its lease.
type Execution struct {
	ExecutionID     string          `json:"execution_id"`
	IntentID        string          `json:"intent_id"`
	TenantID        string          `json:"tenant_id"`
	SessionID       string          `json:"session_id"`
	Status          ExecutionStatus `json:"status"`
	Steps           []*SagaStep     `json:"steps"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// Step returns the step with the given id, or nil.
func (e *Execution) Step(stepID string) *SagaStep {
	for _, s := range e.Steps {
		if s.StepID == stepID {
			return s
		}
	}
	return nil
}
