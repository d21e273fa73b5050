package wal

import (
	"fmt"

	"github.com/weftlabs/weft/core/pkg/contracts"
)

// Payload keys shared between the coordinator (writer) and Fold (reader).
const (
	PayloadStepID     = "step_id"
	PayloadCapability = "capability"
	PayloadInput      = "input"
	PayloadOutput     = "output"
	PayloadError      = "error"
	PayloadAttempt    = "attempt"
	PayloadIntentID   = "intent_id"
)

// Snapshot is the execution state reconstructed from a replayed stream.
// Folding the WAL and reading the live state surface must agree at the
// same sequence number.
type Snapshot struct {
	ExecutionID     string
	TenantID        string
	SessionID       string
	IntentID        string
	Status          contracts.ExecutionStatus
	Steps           []*contracts.SagaStep
	CancelRequested bool
	LastSequence    int64
}

// Step returns the folded step with the given id, or nil.
func (s *Snapshot) Step(stepID string) *contracts.SagaStep {
	for _, st := range s.Steps {
		if st.StepID == stepID {
			return st
		}
	}
	return nil
}

// DanglingSteps returns steps with a STEP_STARTED but no terminal event:
// the signature of a crash during handler execution.
func (s *Snapshot) DanglingSteps() []*contracts.SagaStep {
	var out []*contracts.SagaStep
	for _, st := range s.Steps {
		if st.Status == contracts.StepRunning || st.Status == contracts.StepCompensating {
			out = append(out, st)
		}
	}
	return out
}

// Fold replays an ordered event stream into a Snapshot. An impossible
// transition yields a StateCorruptionError; corrupt executions are frozen,
// never auto-repaired.
func Fold(events []*contracts.WALEvent) (*Snapshot, error) {
	if len(events) == 0 {
		return nil, nil
	}

	snap := &Snapshot{
		ExecutionID: events[0].ExecutionID,
		TenantID:    events[0].TenantID,
		SessionID:   events[0].SessionID,
		Status:      contracts.ExecutionPending,
	}

	corrupt := func(e *contracts.WALEvent, format string, args ...any) error {
		return &contracts.StateCorruptionError{
			ExecutionID: e.ExecutionID,
			SequenceNo:  e.SequenceNo,
			Detail:      fmt.Sprintf(format, args...),
		}
	}

	for i, e := range events {
		if e.SequenceNo != int64(i)+1 {
			return nil, corrupt(e, "sequence gap: expected %d", i+1)
		}
		if e.ExecutionID != snap.ExecutionID {
			return nil, corrupt(e, "foreign execution %s in stream", e.ExecutionID)
		}
		snap.LastSequence = e.SequenceNo

		switch e.Type {
		case contracts.EventExecutionStarted:
			if snap.Status != contracts.ExecutionPending {
				return nil, corrupt(e, "duplicate EXECUTION_STARTED")
			}
			snap.Status = contracts.ExecutionRunning
			snap.IntentID = payloadString(e, PayloadIntentID)

		case contracts.EventExecutionCompleted, contracts.EventExecutionFailed, contracts.EventExecutionCompensated:
			if snap.Status == contracts.ExecutionPending {
				return nil, corrupt(e, "terminal event without EXECUTION_STARTED")
			}
			if snap.Status.Terminal() {
				return nil, corrupt(e, "second terminal event after %s", snap.Status)
			}
			switch e.Type {
			case contracts.EventExecutionCompleted:
				snap.Status = contracts.ExecutionCompleted
			case contracts.EventExecutionFailed:
				snap.Status = contracts.ExecutionFailed
			default:
				snap.Status = contracts.ExecutionCompensated
			}

		case contracts.EventCancelRequested:
			// A cancel may reach the log before EXECUTION_STARTED when the
			// request lands between admission and the first dispatch.
			snap.CancelRequested = true

		case contracts.EventStepStarted:
			if snap.Status == contracts.ExecutionPending {
				return nil, corrupt(e, "STEP_STARTED before EXECUTION_STARTED")
			}
			if snap.Status.Terminal() {
				return nil, corrupt(e, "STEP_STARTED after terminal execution state")
			}
			stepID := payloadString(e, PayloadStepID)
			if stepID == "" {
				return nil, corrupt(e, "STEP_STARTED without step_id")
			}
			step := snap.Step(stepID)
			if step == nil {
				step = &contracts.SagaStep{
					StepID:         stepID,
					ExecutionID:    e.ExecutionID,
					CapabilityName: payloadString(e, PayloadCapability),
					Input:          payloadMap(e, PayloadInput),
				}
				snap.Steps = append(snap.Steps, step)
			} else if step.Status.Terminal() {
				return nil, corrupt(e, "STEP_STARTED on terminal step %s", stepID)
			}
			step.Status = contracts.StepRunning
			step.AttemptCount++

		case contracts.EventStepCompleted, contracts.EventStepFailed:
			stepID := payloadString(e, PayloadStepID)
			step := snap.Step(stepID)
			if step == nil {
				return nil, corrupt(e, "%s with no prior STEP_STARTED for step %s", e.Type, stepID)
			}
			if step.Status != contracts.StepRunning {
				return nil, corrupt(e, "%s on step %s in state %s", e.Type, stepID, step.Status)
			}
			if e.Type == contracts.EventStepCompleted {
				step.Status = contracts.StepCompleted
				step.Output = payloadMap(e, PayloadOutput)
			} else {
				step.Status = contracts.StepFailed
				step.Error = payloadString(e, PayloadError)
			}

		case contracts.EventStepCompensating:
			stepID := payloadString(e, PayloadStepID)
			step := snap.Step(stepID)
			if step == nil {
				return nil, corrupt(e, "STEP_COMPENSATING with no prior STEP_STARTED for step %s", stepID)
			}
			if step.Status != contracts.StepCompleted {
				return nil, corrupt(e, "STEP_COMPENSATING on step %s in state %s", stepID, step.Status)
			}
			step.Status = contracts.StepCompensating

		case contracts.EventStepCompensated:
			stepID := payloadString(e, PayloadStepID)
			step := snap.Step(stepID)
			if step == nil || step.Status != contracts.StepCompensating {
				return nil, corrupt(e, "STEP_COMPENSATED without STEP_COMPENSATING for step %s", stepID)
			}
			step.Status = contracts.StepCompensated

		default:
			return nil, corrupt(e, "unknown event type %s", e.Type)
		}
	}

	return snap, nil
}

func payloadString(e *contracts.WALEvent, key string) string {
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}

func payloadMap(e *contracts.WALEvent, key string) map[string]any {
	if v, ok := e.Payload[key].(map[string]any); ok {
		return v
	}
	return nil
}
