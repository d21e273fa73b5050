// Package contracts holds the shared domain types and the error taxonomy
// for the weft execution core.
package contracts

import (
	"errors"
	"fmt"
)

// Sentinel errors. Callers classify failures with errors.Is.
var (
	// ErrValidation marks a malformed or incomplete intent. Rejected at
	// intake, never admitted, never WAL-logged.
	ErrValidation = errors.New("validation failed")

	// ErrCapabilityNotFound means no handler is registered for an intent
	// type. The execution fails at dispatch with nothing to compensate.
	ErrCapabilityNotFound = errors.New("capability not found")

	// ErrAuthorization marks a boundary contract that is not active or a
	// scope mismatch. Surfaced to the caller, never retried.
	ErrAuthorization = errors.New("authorization denied")

	// ErrTransientInfra marks a temporarily unavailable backing store.
	// Retried with bounded backoff at the state/WAL boundary only.
	ErrTransientInfra = errors.New("transient infrastructure failure")

	// ErrVersionConflict means an optimistic write lost a race. The caller
	// must re-read and retry; the surface never auto-merges.
	ErrVersionConflict = errors.New("version conflict")

	// ErrTimeout marks a step that exceeded its declared timeout.
	ErrTimeout = errors.New("step timed out")

	// ErrNotFound is returned for a missing record, including records that
	// exist under a different tenant.
	ErrNotFound = errors.New("not found")

	// ErrCancelled marks forward progress stopped by an explicit cancel.
	ErrCancelled = errors.New("execution cancelled")

	// ErrDuplicateCapability marks a second registration for the same
	// intent type. Fatal at startup, never a silent override.
	ErrDuplicateCapability = errors.New("duplicate capability registration")
)

// StepExecutionError wraps a failure raised by a realm handler. It triggers
// the compensation chain and is surfaced only via the status interface.
type StepExecutionError struct {
	StepID     string
	Capability string
	Err        error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %s (%s) failed: %v", e.StepID, e.Capability, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// StateCorruptionError means WAL replay found an impossible transition.
// Fatal for the execution: it is frozen in a failed terminal state and the
// anomaly is surfaced for operator review, never auto-repaired.
type StateCorruptionError struct {
	ExecutionID string
	SequenceNo  int64
	Detail      string
}

func (e *StateCorruptionError) Error() string {
	return fmt.Sprintf("state corruption in execution %s at seq %d: %s", e.ExecutionID, e.SequenceNo, e.Detail)
}

// Validationf builds an ErrValidation with detail.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

// Authorizationf builds an ErrAuthorization with detail.
func Authorizationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrAuthorization}, args...)...)
}
