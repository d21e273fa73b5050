// Package capability implements the static router binding intent types to
// realm handlers, with declared execution policy per step.
package capability

import (
	"context"
	"time"
)

// Invocation is everything a handler may observe for one step. Handlers
// never receive a coordinator handle; results flow back only through the
// returned Result or error.
type Invocation struct {
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id"`
	TenantID    string         `json:"tenant_id"`
	SessionID   string         `json:"session_id"`
	Attempt     int            `json:"attempt"`
	Parameters  map[string]any `json:"parameters"`
	Context     map[string]any `json:"context"`
}

// Result is the handler's output for a completed step.
type Result struct {
	Output map[string]any `json:"output"`
}

// HandlerFunc performs the forward action of one step.
type HandlerFunc func(ctx context.Context, inv Invocation) (*Result, error)

// CompensateFunc undoes a previously completed step. It receives the same
// invocation the forward handler saw, with the forward output available
// under Context["output"].
type CompensateFunc func(ctx context.Context, inv Invocation) error

// StepSpec declares one step of an intent's execution plan together with
// its dispatch policy.
type StepSpec struct {
	// StepID is unique within the registration.
	StepID string

	Handler    HandlerFunc
	Compensate CompensateFunc

	// Idempotent marks the handler safe to re-invoke after a crash that
	// left a STEP_STARTED record without a terminal event.
	Idempotent bool

	// ParallelGroup names a batch of adjacent steps dispatched
	// concurrently. Empty means sequential.
	ParallelGroup string

	// Timeout bounds a single handler invocation. Zero means the
	// registration default applies.
	Timeout time.Duration

	// Precondition is an optional CEL expression over `params` and
	// `context`. A false result skips dispatch and fails the step.
	Precondition string
}

// Registration binds an intent type to the realm that serves it.
type Registration struct {
	IntentType   string
	RealmName    string
	RealmVersion string

	// ParamsSchema is an optional JSON Schema document validated against
	// intent parameters at intake.
	ParamsSchema string

	// Defaults are capability-level context defaults, the lowest
	// precedence tier during context hydration.
	Defaults map[string]any

	// DefaultTimeout applies to steps that declare none.
	DefaultTimeout time.Duration

	Steps []StepSpec

	compiled *compiledRegistration
}

// Step returns the spec with the given id, or nil.
func (r *Registration) Step(stepID string) *StepSpec {
	for i := range r.Steps {
		if r.Steps[i].StepID == stepID {
			return &r.Steps[i]
		}
	}
	return nil
}

// StepTimeout resolves the effective timeout for one step.
func (r *Registration) StepTimeout(s *StepSpec) time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return r.DefaultTimeout
}
