// Package intake admits intents into the core: field validation, parameter
// schema checks, idempotent admission, and handoff to the coordinator.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/core/pkg/capability"
	"github.com/weftlabs/weft/core/pkg/contracts"
	"github.com/weftlabs/weft/core/pkg/session"
	"github.com/weftlabs/weft/core/pkg/state"
)

// Starter launches an execution for an admitted intent. Implemented by the
// saga coordinator; an interface here keeps the dependency one-way.
type Starter interface {
	Start(ctx context.Context, executionID string, intent contracts.Intent, sess *contracts.Session) error
}

// Admission is the intake verdict for one submission.
type Admission struct {
	ExecutionID string                    `json:"execution_id"`
	IntentID    string                    `json:"intent_id"`
	Status      contracts.ExecutionStatus `json:"status"`
	// Replayed is true when an idempotency key collapsed this submission
	// onto a previously admitted execution. No side effects repeated.
	Replayed bool `json:"replayed"`
}

type idempotencyRecord struct {
	ExecutionID string    `json:"execution_id"`
	IntentID    string    `json:"intent_id"`
	AdmittedAt  time.Time `json:"admitted_at"`
}

// Intake validates and admits intents.
type Intake struct {
	surface  state.Surface
	router   *capability.Router
	sessions *session.Manager
	starter  Starter
	logger   *slog.Logger
	clock    func() time.Time
}

// New builds an Intake.
func New(surface state.Surface, router *capability.Router, sessions *session.Manager, starter Starter, logger *slog.Logger) *Intake {
	if logger == nil {
		logger = slog.Default()
	}
	return &Intake{
		surface:  surface,
		router:   router,
		sessions: sessions,
		starter:  starter,
		logger:   logger,
		clock:    time.Now,
	}
}

// WithClock overrides the time source for tests.
func (in *Intake) WithClock(clock func() time.Time) *Intake {
	in.clock = clock
	return in
}

// Submit admits one intent. Duplicate submissions carrying the same
// idempotency key return the original execution without re-dispatching.
func (in *Intake) Submit(ctx context.Context, intent contracts.Intent, caller contracts.Identity) (*Admission, error) {
	if err := in.validate(&intent, caller); err != nil {
		return nil, err
	}

	reg, err := in.router.Resolve(intent.Type)
	if err != nil {
		return nil, err
	}
	if err := in.router.ValidateParams(reg, intent.Parameters); err != nil {
		return nil, err
	}

	var sess *contracts.Session
	if intent.SessionID != "" {
		sess, err = in.sessions.Get(ctx, intent.TenantID, intent.SessionID)
		if err != nil {
			return nil, err
		}
		if sess.Status != contracts.SessionActive {
			return nil, contracts.Validationf("session %s is %s", sess.SessionID, sess.Status)
		}
	}

	if intent.IdempotencyKey != "" {
		if adm, ok, err := in.lookupReplay(ctx, intent.TenantID, intent.IdempotencyKey); err != nil {
			return nil, err
		} else if ok {
			return adm, nil
		}
	}

	if intent.IntentID == "" {
		intent.IntentID = uuid.NewString()
	}
	intent.SubmittedAt = in.clock().UTC()
	executionID := uuid.NewString()

	if intent.IdempotencyKey != "" {
		adm, claimed, err := in.claim(ctx, intent, executionID)
		if err != nil {
			return nil, err
		}
		if !claimed {
			// Lost the admission race; the winner's execution stands.
			return adm, nil
		}
	}

	if err := in.persistIntent(ctx, intent); err != nil {
		return nil, err
	}

	if err := in.starter.Start(ctx, executionID, intent, sess); err != nil {
		return nil, err
	}

	in.logger.InfoContext(ctx, "intent admitted",
		slog.String("tenant_id", intent.TenantID),
		slog.String("intent_type", intent.Type),
		slog.String("intent_id", intent.IntentID),
		slog.String("execution_id", executionID))

	return &Admission{
		ExecutionID: executionID,
		IntentID:    intent.IntentID,
		Status:      contracts.ExecutionPending,
	}, nil
}

func (in *Intake) validate(intent *contracts.Intent, caller contracts.Identity) error {
	if !caller.Valid() {
		return contracts.Validationf("caller identity requires tenant_id")
	}
	if intent.Type == "" {
		return contracts.Validationf("intent type is required")
	}
	if intent.TenantID == "" {
		intent.TenantID = caller.TenantID
	}
	if intent.TenantID != caller.TenantID {
		return contracts.Validationf("intent tenant %s does not match caller tenant %s", intent.TenantID, caller.TenantID)
	}
	return nil
}

// lookupReplay resolves an existing idempotency mapping to the current
// status of its execution.
func (in *Intake) lookupReplay(ctx context.Context, tenantID, key string) (*Admission, bool, error) {
	rec, err := in.surface.Get(ctx, tenantID, state.IdempotencyKey(tenantID, key))
	if errors.Is(err, contracts.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var idem idempotencyRecord
	if err := rec.Decode(&idem); err != nil {
		return nil, false, fmt.Errorf("decode idempotency record: %w", err)
	}

	status := contracts.ExecutionPending
	if execRec, err := in.surface.Get(ctx, tenantID, state.ExecutionKey(tenantID, idem.ExecutionID)); err == nil {
		var exec contracts.Execution
		if err := execRec.Decode(&exec); err == nil {
			status = exec.Status
		}
	}

	return &Admission{
		ExecutionID: idem.ExecutionID,
		IntentID:    idem.IntentID,
		Status:      status,
		Replayed:    true,
	}, true, nil
}

// claim writes the idempotency mapping as a create-only record. Exactly one
// of two racing submissions wins; the loser gets the winner's admission.
func (in *Intake) claim(ctx context.Context, intent contracts.Intent, executionID string) (*Admission, bool, error) {
	_, err := in.surface.Set(ctx, intent.TenantID,
		state.IdempotencyKey(intent.TenantID, intent.IdempotencyKey),
		idempotencyRecord{
			ExecutionID: executionID,
			IntentID:    intent.IntentID,
			AdmittedAt:  in.clock().UTC(),
		},
		state.WithExpectedVersion(0))
	if errors.Is(err, contracts.ErrVersionConflict) {
		adm, ok, lookupErr := in.lookupReplay(ctx, intent.TenantID, intent.IdempotencyKey)
		if lookupErr != nil {
			return nil, false, lookupErr
		}
		if !ok {
			return nil, false, fmt.Errorf("idempotency mapping vanished after conflict: %w", contracts.ErrTransientInfra)
		}
		return adm, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return nil, true, nil
}

func (in *Intake) persistIntent(ctx context.Context, intent contracts.Intent) error {
	_, err := in.surface.Set(ctx, intent.TenantID, state.IntentKey(intent.TenantID, intent.IntentID), intent)
	return err
}
