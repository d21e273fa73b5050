package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/weftlabs/weft/core/pkg/capability"
	"github.com/weftlabs/weft/core/pkg/contracts"
	"github.com/weftlabs/weft/core/pkg/session"
	"github.com/weftlabs/weft/core/pkg/state"
	"github.com/weftlabs/weft/core/pkg/wal"
)

// Recover resumes all of a tenant's non-terminal executions after a
// restart. Each execution is recovered independently; one corrupt stream
// does not block the rest.
func (c *Coordinator) Recover(ctx context.Context, tenantID string) error {
	recs, err := c.surface.Query(ctx, tenantID, state.ExecutionPrefix(tenantID))
	if err != nil {
		return err
	}
	var errs []error
	for _, rec := range recs {
		var exec contracts.Execution
		if err := rec.Decode(&exec); err != nil {
			errs = append(errs, fmt.Errorf("decode execution at %s: %w", rec.Key, err))
			continue
		}
		if exec.Status.Terminal() {
			continue
		}
		if err := c.RecoverExecution(ctx, tenantID, exec.ExecutionID); err != nil {
			errs = append(errs, fmt.Errorf("recover %s: %w", exec.ExecutionID, err))
		}
	}
	return errors.Join(errs...)
}

// RecoverExecution replays one execution's WAL and resumes it. A dangling
// STEP_STARTED is re-invoked exactly once when the step is declared
// idempotent, otherwise the step is failed and compensation runs. A fold
// failure freezes the execution in failed state for operator review.
func (c *Coordinator) RecoverExecution(ctx context.Context, tenantID, executionID string) error {
	events, err := c.wal.Replay(ctx, tenantID, executionID)
	if err != nil {
		return err
	}
	snap, foldErr := wal.Fold(events)
	if foldErr != nil {
		c.freeze(ctx, tenantID, executionID, foldErr)
		return foldErr
	}

	exec, err := c.Status(ctx, tenantID, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}

	intent, err := c.loadIntent(ctx, tenantID, exec.IntentID)
	if err != nil {
		return err
	}
	reg, err := c.router.Resolve(intent.Type)
	if err != nil {
		return err
	}
	view, err := c.hydrate(ctx, intent, reg)
	if err != nil {
		return err
	}

	// Crashed before EXECUTION_STARTED reached the WAL: run from scratch.
	if snap == nil {
		c.run(ctx, exec, *intent, reg, view)
		return nil
	}

	// The WAL is the authority; overwrite the surface snapshot with the
	// folded step states before resuming.
	applyFold(exec, snap)
	if snap.Status.Terminal() {
		exec.Status = snap.Status
		return c.persist(ctx, exec)
	}

	// Only a cancel request reached the log before the crash. Start the
	// stream properly; the dispatch loop observes the flag and unwinds.
	if snap.Status == contracts.ExecutionPending {
		c.run(ctx, exec, *intent, reg, view)
		return nil
	}

	exec.Status = contracts.ExecutionRunning
	if err := c.persist(ctx, exec); err != nil {
		return err
	}

	compensationRan := false
	for _, dangling := range snap.DanglingSteps() {
		step := exec.Step(dangling.StepID)
		spec := reg.Step(dangling.StepID)
		if step == nil || spec == nil {
			c.freeze(ctx, tenantID, executionID, fmt.Errorf("dangling step %s has no registration", dangling.StepID))
			return fmt.Errorf("dangling step %s unknown to registration %s", dangling.StepID, intent.Type)
		}

		switch dangling.Status {
		case contracts.StepRunning:
			if !spec.Idempotent {
				c.logger.WarnContext(ctx, "crashed step not idempotent, failing",
					slog.String("execution_id", executionID),
					slog.String("step_id", step.StepID))
				if err := c.stepTransition(ctx, exec, step, contracts.EventStepFailed, map[string]any{
					wal.PayloadStepID: step.StepID,
					wal.PayloadError:  "interrupted before completion; handler not idempotent",
				}, contracts.StepFailed, nil); err != nil {
					return err
				}
				c.compensate(ctx, exec, reg, *intent, view, false)
				return nil
			}
			// Re-invocation writes a fresh STEP_STARTED bracket so the
			// attempt is visible on replay.
			step.Status = contracts.StepPending
			if err := c.persist(ctx, exec); err != nil {
				return err
			}

		case contracts.StepCompensating:
			if err := c.resumeCompensation(ctx, exec, step, spec, intent, view); err != nil {
				// Unwinding had already begun before the crash; the
				// terminal stays compensated even when this step cannot
				// be re-run.
				c.compensate(ctx, exec, reg, *intent, view, true)
				return nil
			}
			compensationRan = true
		}
	}

	if compensationRan {
		// The execution was already unwinding; finish compensating the
		// rest. Terminal status is compensated since compensations ran.
		c.compensate(ctx, exec, reg, *intent, view, true)
		return nil
	}

	// A durable STEP_FAILED with no compensation events yet means the
	// crash hit between the failure and the first unwind write. Never
	// advance past a failed step.
	for _, step := range exec.Steps {
		if step.Status == contracts.StepFailed {
			c.compensate(ctx, exec, reg, *intent, view, false)
			return nil
		}
	}

	c.advance(ctx, exec, *intent, reg, view)
	return nil
}

// resumeCompensation re-runs a compensation that was interrupted mid
// flight. Compensation handlers follow the same idempotency declaration
// as the forward handler.
func (c *Coordinator) resumeCompensation(ctx context.Context, exec *contracts.Execution, step *contracts.SagaStep, spec *capability.StepSpec, intent *contracts.Intent, view *session.ContextView) error {
	if spec.Compensate == nil || !spec.Idempotent {
		return fmt.Errorf("compensation for step %s cannot be resumed", step.StepID)
	}
	inv := capability.Invocation{
		ExecutionID: exec.ExecutionID,
		StepID:      step.StepID,
		TenantID:    exec.TenantID,
		SessionID:   exec.SessionID,
		Attempt:     step.AttemptCount,
		Parameters:  intent.Parameters,
		Context:     compensationContext(view, step),
	}
	if err := spec.Compensate(ctx, inv); err != nil {
		step.Error = err.Error()
		return err
	}
	return c.stepTransition(ctx, exec, step, contracts.EventStepCompensated, map[string]any{
		wal.PayloadStepID: step.StepID,
	}, contracts.StepCompensated, nil)
}

// freeze pins a corrupt execution in failed state without touching the
// WAL. The anomaly is surfaced for operator review, never auto-repaired.
func (c *Coordinator) freeze(ctx context.Context, tenantID, executionID string, cause error) {
	c.logger.ErrorContext(ctx, "execution frozen",
		slog.String("tenant_id", tenantID),
		slog.String("execution_id", executionID),
		slog.Any("error", cause))
	exec, err := c.Status(ctx, tenantID, executionID)
	if err != nil {
		return
	}
	exec.Status = contracts.ExecutionFailed
	now := c.clock().UTC()
	exec.CompletedAt = &now
	if err := c.persist(ctx, exec); err != nil {
		c.logger.ErrorContext(ctx, "freeze persist failed",
			slog.String("execution_id", executionID), slog.Any("error", err))
	}
}

func (c *Coordinator) loadIntent(ctx context.Context, tenantID, intentID string) (*contracts.Intent, error) {
	rec, err := c.surface.Get(ctx, tenantID, state.IntentKey(tenantID, intentID))
	if err != nil {
		return nil, fmt.Errorf("load intent %s: %w", intentID, err)
	}
	var intent contracts.Intent
	if err := rec.Decode(&intent); err != nil {
		return nil, fmt.Errorf("decode intent %s: %w", intentID, err)
	}
	return &intent, nil
}

// hydrate rebuilds the context view for a resumed execution from the
// persisted intent and session.
func (c *Coordinator) hydrate(ctx context.Context, intent *contracts.Intent, reg *capability.Registration) (*session.ContextView, error) {
	var sessionCtx map[string]any
	if intent.SessionID != "" {
		rec, err := c.surface.Get(ctx, intent.TenantID, state.SessionRecordKey(intent.TenantID, intent.SessionID))
		if err == nil {
			var sess contracts.Session
			if derr := rec.Decode(&sess); derr == nil {
				sessionCtx = sess.Context
			}
		} else if !errors.Is(err, contracts.ErrNotFound) {
			return nil, err
		}
	}
	return session.Hydrate(intent.Parameters, intent.Metadata, sessionCtx, reg.Defaults), nil
}

// applyFold overwrites the snapshot's step states with the WAL's.
func applyFold(exec *contracts.Execution, snap *wal.Snapshot) {
	exec.CancelRequested = exec.CancelRequested || snap.CancelRequested
	for _, folded := range snap.Steps {
		step := exec.Step(folded.StepID)
		if step == nil {
			exec.Steps = append(exec.Steps, folded)
			continue
		}
		step.Status = folded.Status
		step.Output = folded.Output
		step.Error = folded.Error
		step.AttemptCount = folded.AttemptCount
	}
}
