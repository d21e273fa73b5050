package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/weftlabs/weft/core/pkg/capability"
	"github.com/weftlabs/weft/core/pkg/contracts"
	"github.com/weftlabs/weft/core/pkg/observability"
	"github.com/weftlabs/weft/core/pkg/session"
	"github.com/weftlabs/weft/core/pkg/state"
	"github.com/weftlabs/weft/core/pkg/wal"
)

// Coordinator drives executions through their state machine. Every
// transition is written to the WAL before the execution snapshot on the
// state surface is updated; the WAL is the authority on replay.
type Coordinator struct {
	wal       wal.Log
	surface   state.Surface
	router    *capability.Router
	lease     Lease
	logger    *slog.Logger
	telemetry *observability.Provider
	clock     func() time.Time

	// synchronous makes Start run the execution inline instead of in a
	// goroutine. Used by tests and the offline commands.
	synchronous bool
	wg          sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithSynchronousDispatch runs executions inline on Start.
func WithSynchronousDispatch() Option {
	return func(c *Coordinator) { c.synchronous = true }
}

// WithClock overrides the time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithTelemetry records spans and RED metrics for executions and step
// dispatches. A nil provider leaves the coordinator uninstrumented.
func WithTelemetry(p *observability.Provider) Option {
	return func(c *Coordinator) { c.telemetry = p }
}

// NewCoordinator wires a Coordinator.
func NewCoordinator(log wal.Log, surface state.Surface, router *capability.Router, lease Lease, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		wal:     log,
		surface: surface,
		router:  router,
		lease:   lease,
		logger:  logger,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Wait blocks until all in-flight executions finish. Called on shutdown.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Start admits an execution for an intent and dispatches it. Implements
// the intake handoff.
func (c *Coordinator) Start(ctx context.Context, executionID string, intent contracts.Intent, sess *contracts.Session) error {
	reg, err := c.router.Resolve(intent.Type)
	if err != nil {
		return err
	}

	exec := &contracts.Execution{
		ExecutionID: executionID,
		IntentID:    intent.IntentID,
		TenantID:    intent.TenantID,
		SessionID:   intent.SessionID,
		Status:      contracts.ExecutionPending,
		StartedAt:   c.clock().UTC(),
	}
	for i := range reg.Steps {
		exec.Steps = append(exec.Steps, &contracts.SagaStep{
			StepID:         reg.Steps[i].StepID,
			ExecutionID:    executionID,
			CapabilityName: intent.Type + "/" + reg.Steps[i].StepID,
			Status:         contracts.StepPending,
		})
	}
	if err := c.persist(ctx, exec); err != nil {
		return err
	}

	var sessionCtx map[string]any
	if sess != nil {
		sessionCtx = sess.Context
	}
	view := session.Hydrate(intent.Parameters, intent.Metadata, sessionCtx, reg.Defaults)

	if c.synchronous {
		c.run(ctx, exec, intent, reg, view)
		return nil
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		// Detach from the request context; the execution outlives it.
		c.run(context.Background(), exec, intent, reg, view)
	}()
	return nil
}

// Status returns the current execution snapshot.
func (c *Coordinator) Status(ctx context.Context, tenantID, executionID string) (*contracts.Execution, error) {
	rec, err := c.surface.Get(ctx, tenantID, state.ExecutionKey(tenantID, executionID))
	if err != nil {
		return nil, err
	}
	var exec contracts.Execution
	if err := rec.Decode(&exec); err != nil {
		return nil, fmt.Errorf("decode execution %s: %w", executionID, err)
	}
	return &exec, nil
}

// Cancel requests cooperative cancellation. Already-dispatched steps run
// to completion; the coordinator stops before the next dispatch and
// compensates. Cancelling a terminal execution is a no-op.
func (c *Coordinator) Cancel(ctx context.Context, tenantID, executionID string) error {
	return withLease(ctx, c.lease, tenantID, executionID, func() error {
		exec, err := c.Status(ctx, tenantID, executionID)
		if err != nil {
			return err
		}
		if exec.Status.Terminal() || exec.CancelRequested {
			return nil
		}
		if _, err := c.wal.Append(ctx, wal.AppendRequest{
			TenantID:    tenantID,
			SessionID:   exec.SessionID,
			ExecutionID: executionID,
			Type:        contracts.EventCancelRequested,
		}); err != nil {
			return err
		}
		exec.CancelRequested = true
		return c.persist(ctx, exec)
	})
}

// run executes the step plan. Any panic or error path converges on a
// terminal status with the WAL written first.
func (c *Coordinator) run(ctx context.Context, exec *contracts.Execution, intent contracts.Intent, reg *capability.Registration, view *session.ContextView) {
	if c.telemetry != nil {
		var done func(error)
		ctx, done = c.telemetry.TrackOperation(ctx, "saga.execution",
			attribute.String("intent.type", intent.Type))
		defer func() { done(nil) }()
	}

	if err := c.transition(ctx, exec, contracts.EventExecutionStarted, map[string]any{
		wal.PayloadIntentID: intent.IntentID,
	}, contracts.ExecutionRunning); err != nil {
		c.logger.ErrorContext(ctx, "execution start write failed",
			slog.String("execution_id", exec.ExecutionID), slog.Any("error", err))
		return
	}

	c.advance(ctx, exec, intent, reg, view)
}

// advance dispatches the remaining step plan. Steps already in a terminal
// state are skipped, which lets recovery resume a partially run execution.
func (c *Coordinator) advance(ctx context.Context, exec *contracts.Execution, intent contracts.Intent, reg *capability.Registration, view *session.ContextView) {
	for _, batch := range batchSteps(reg.Steps) {
		var todo []*capability.StepSpec
		for _, spec := range batch {
			if step := exec.Step(spec.StepID); step != nil && step.Status == contracts.StepPending {
				todo = append(todo, spec)
			}
		}
		if len(todo) == 0 {
			continue
		}

		// Cooperative cancellation point: checked before each dispatch.
		if cancelled, err := c.cancelRequested(ctx, exec); err != nil {
			c.fail(ctx, exec, reg, intent, view, err)
			return
		} else if cancelled {
			c.compensate(ctx, exec, reg, intent, view, true)
			return
		}

		if err := c.dispatchBatch(ctx, exec, intent, reg, view, todo); err != nil {
			c.fail(ctx, exec, reg, intent, view, err)
			return
		}
	}

	if err := c.transition(ctx, exec, contracts.EventExecutionCompleted, nil, contracts.ExecutionCompleted); err != nil {
		c.logger.ErrorContext(ctx, "completion write failed",
			slog.String("execution_id", exec.ExecutionID), slog.Any("error", err))
	}
}

// dispatchBatch runs one batch, sequentially for a singleton and
// concurrently for a parallel group. The first error wins.
func (c *Coordinator) dispatchBatch(ctx context.Context, exec *contracts.Execution, intent contracts.Intent, reg *capability.Registration, view *session.ContextView, batch []*capability.StepSpec) error {
	if len(batch) == 1 {
		return c.dispatchStep(ctx, exec, intent, reg, view, batch[0])
	}

	errs := make([]error, len(batch))
	var wg sync.WaitGroup
	for i, spec := range batch {
		wg.Add(1)
		go func(i int, spec *capability.StepSpec) {
			defer wg.Done()
			errs[i] = c.dispatchStep(ctx, exec, intent, reg, view, spec)
		}(i, spec)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// dispatchStep brackets a single handler invocation in WAL events. The
// handler itself never runs inside a WAL write path or under the lease.
func (c *Coordinator) dispatchStep(ctx context.Context, exec *contracts.Execution, intent contracts.Intent, reg *capability.Registration, view *session.ContextView, spec *capability.StepSpec) (err error) {
	if c.telemetry != nil {
		var done func(error)
		ctx, done = c.telemetry.TrackOperation(ctx, "saga.step",
			attribute.String("intent.type", intent.Type),
			attribute.String("step.id", spec.StepID))
		defer func() { done(err) }()
	}

	ok, err := c.router.CheckPrecondition(reg, spec.StepID, intent.Parameters, view.Map())
	if err != nil {
		return c.recordStepFailure(ctx, exec, spec, err)
	}
	if !ok {
		return c.recordStepFailure(ctx, exec, spec,
			contracts.Validationf("precondition for step %s not met", spec.StepID))
	}

	// Step fields are only written under the lease: a sibling in a
	// parallel group may be persisting the whole execution concurrently.
	step := exec.Step(spec.StepID)
	attempt := step.AttemptCount + 1
	inv := capability.Invocation{
		ExecutionID: exec.ExecutionID,
		StepID:      spec.StepID,
		TenantID:    exec.TenantID,
		SessionID:   exec.SessionID,
		Attempt:     attempt,
		Parameters:  intent.Parameters,
		Context:     view.Map(),
	}

	if err := c.stepTransition(ctx, exec, step, contracts.EventStepStarted, map[string]any{
		wal.PayloadStepID:     spec.StepID,
		wal.PayloadCapability: step.CapabilityName,
		wal.PayloadInput:      inv.Parameters,
		wal.PayloadAttempt:    attempt,
	}, contracts.StepRunning, func() {
		step.AttemptCount = attempt
		step.Input = inv.Parameters
	}); err != nil {
		return err
	}

	result, err := c.invoke(ctx, reg, spec, inv)
	if err != nil {
		return c.recordStepFailure(ctx, exec, spec, err)
	}

	var output map[string]any
	if result != nil {
		output = result.Output
	}
	return c.stepTransition(ctx, exec, step, contracts.EventStepCompleted, map[string]any{
		wal.PayloadStepID: spec.StepID,
		wal.PayloadOutput: output,
	}, contracts.StepCompleted, func() {
		step.Output = output
	})
}

// invoke runs the handler under its per-step timeout. Only the handler
// invocation is bounded; WAL writes are not. The deadline is enforced by
// the coordinator: a handler that ignores its context is abandoned when
// it fires and its eventual result discarded.
func (c *Coordinator) invoke(ctx context.Context, reg *capability.Registration, spec *capability.StepSpec, inv capability.Invocation) (*capability.Result, error) {
	timeout := reg.StepTimeout(spec)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		result *capability.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := spec.Handler(ctx, inv)
		done <- outcome{result: result, err: err}
	}()

	var result *capability.Result
	var err error
	select {
	case out := <-done:
		result, err = out.result, out.err
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("step %s exceeded %s: %w", spec.StepID, timeout, contracts.ErrTimeout)
		}
		return nil, &contracts.StepExecutionError{
			StepID:     spec.StepID,
			Capability: reg.IntentType + "/" + spec.StepID,
			Err:        err,
		}
	}
	return result, nil
}

// recordStepFailure writes STEP_FAILED and returns a StepExecutionError
// for the caller to trigger compensation with.
func (c *Coordinator) recordStepFailure(ctx context.Context, exec *contracts.Execution, spec *capability.StepSpec, cause error) error {
	step := exec.Step(spec.StepID)

	// A failure before STEP_STARTED (precondition) has no running step to
	// close; only bracket dispatched steps.
	if step.Status == contracts.StepRunning {
		if err := c.stepTransition(ctx, exec, step, contracts.EventStepFailed, map[string]any{
			wal.PayloadStepID: spec.StepID,
			wal.PayloadError:  cause.Error(),
		}, contracts.StepFailed, func() {
			step.Error = cause.Error()
		}); err != nil {
			return err
		}
	} else {
		if err := withLease(ctx, c.lease, exec.TenantID, exec.ExecutionID, func() error {
			step.Status = contracts.StepFailed
			step.Error = cause.Error()
			c.refreshCancel(ctx, exec)
			return c.persist(ctx, exec)
		}); err != nil {
			return err
		}
	}

	var stepErr *contracts.StepExecutionError
	if errors.As(cause, &stepErr) {
		return cause
	}
	return &contracts.StepExecutionError{StepID: spec.StepID, Capability: step.CapabilityName, Err: cause}
}

// fail compensates completed steps and marks the execution terminal.
func (c *Coordinator) fail(ctx context.Context, exec *contracts.Execution, reg *capability.Registration, intent contracts.Intent, view *session.ContextView, cause error) {
	c.logger.WarnContext(ctx, "execution failed, compensating",
		slog.String("tenant_id", exec.TenantID),
		slog.String("execution_id", exec.ExecutionID),
		slog.Any("error", cause))
	c.compensate(ctx, exec, reg, intent, view, false)
}

// compensate undoes completed steps in reverse completion order, then
// writes the terminal event. Steps without a compensation handler are
// skipped. A failure ends `failed` when nothing had to be compensated and
// `compensated` when compensations ran; a compensation error always
// downgrades to failed. Cancellation ends compensated.
func (c *Coordinator) compensate(ctx context.Context, exec *contracts.Execution, reg *capability.Registration, intent contracts.Intent, view *session.ContextView, cancelled bool) {
	clean := true
	ran := 0
	for i := len(exec.Steps) - 1; i >= 0; i-- {
		step := exec.Steps[i]
		if step.Status != contracts.StepCompleted {
			continue
		}
		spec := reg.Step(step.StepID)
		if spec == nil || spec.Compensate == nil {
			continue
		}

		if err := c.stepTransition(ctx, exec, step, contracts.EventStepCompensating, map[string]any{
			wal.PayloadStepID: step.StepID,
		}, contracts.StepCompensating, nil); err != nil {
			clean = false
			break
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
			c.logger.ErrorContext(ctx, "compensation failed",
				slog.String("execution_id", exec.ExecutionID),
				slog.String("step_id", step.StepID),
				slog.Any("error", err))
			step.Error = err.Error()
			clean = false
			break
		}

		if err := c.stepTransition(ctx, exec, step, contracts.EventStepCompensated, map[string]any{
			wal.PayloadStepID: step.StepID,
		}, contracts.StepCompensated, nil); err != nil {
			clean = false
			break
		}
		ran++
	}

	terminal := contracts.ExecutionFailed
	if clean && (cancelled || ran > 0) {
		terminal = contracts.ExecutionCompensated
	}
	event := contracts.EventExecutionCompensated
	if terminal == contracts.ExecutionFailed {
		event = contracts.EventExecutionFailed
	}
	if err := c.transition(ctx, exec, event, nil, terminal); err != nil {
		c.logger.ErrorContext(ctx, "terminal write failed",
			slog.String("execution_id", exec.ExecutionID), slog.Any("error", err))
	}
}

// compensationContext exposes the forward output to the compensation
// handler under "output".
func compensationContext(view *session.ContextView, step *contracts.SagaStep) map[string]any {
	m := view.Map()
	m["output"] = step.Output
	return m
}

// transition appends an execution-level event and persists the snapshot,
// both under the execution lease.
func (c *Coordinator) transition(ctx context.Context, exec *contracts.Execution, event contracts.WALEventType, payload map[string]any, status contracts.ExecutionStatus) error {
	return withLease(ctx, c.lease, exec.TenantID, exec.ExecutionID, func() error {
		if _, err := c.wal.Append(ctx, wal.AppendRequest{
			TenantID:    exec.TenantID,
			SessionID:   exec.SessionID,
			ExecutionID: exec.ExecutionID,
			Type:        event,
			Payload:     payload,
		}); err != nil {
			return err
		}
		exec.Status = status
		if status.Terminal() {
			now := c.clock().UTC()
			exec.CompletedAt = &now
		}
		c.refreshCancel(ctx, exec)
		return c.persist(ctx, exec)
	})
}

// stepTransition appends a step-level event and persists the snapshot.
// mutate, when non-nil, applies the step-field updates inside the leased
// critical section so concurrent persists never observe torn writes.
func (c *Coordinator) stepTransition(ctx context.Context, exec *contracts.Execution, step *contracts.SagaStep, event contracts.WALEventType, payload map[string]any, status contracts.StepStatus, mutate func()) error {
	return withLease(ctx, c.lease, exec.TenantID, exec.ExecutionID, func() error {
		if _, err := c.wal.Append(ctx, wal.AppendRequest{
			TenantID:    exec.TenantID,
			SessionID:   exec.SessionID,
			ExecutionID: exec.ExecutionID,
			Type:        event,
			Payload:     payload,
		}); err != nil {
			return err
		}
		step.Status = status
		if mutate != nil {
			mutate()
		}
		c.refreshCancel(ctx, exec)
		return c.persist(ctx, exec)
	})
}

// refreshCancel folds a concurrently persisted cancel request into the
// coordinator's working copy. The coordinator persists its own copy of
// the execution; without this a transition racing Cancel would write the
// flag back to false and the request would be lost.
func (c *Coordinator) refreshCancel(ctx context.Context, exec *contracts.Execution) {
	if exec.CancelRequested {
		return
	}
	current, err := c.Status(ctx, exec.TenantID, exec.ExecutionID)
	if err == nil && current.CancelRequested {
		exec.CancelRequested = true
	}
}

// cancelRequested re-reads the snapshot so a Cancel issued from another
// request is observed at the next dispatch boundary.
func (c *Coordinator) cancelRequested(ctx context.Context, exec *contracts.Execution) (bool, error) {
	current, err := c.Status(ctx, exec.TenantID, exec.ExecutionID)
	if err != nil {
		return false, err
	}
	exec.CancelRequested = exec.CancelRequested || current.CancelRequested
	return exec.CancelRequested, nil
}

func (c *Coordinator) persist(ctx context.Context, exec *contracts.Execution) error {
	_, err := c.surface.Set(ctx, exec.TenantID, state.ExecutionKey(exec.TenantID, exec.ExecutionID), exec)
	return err
}

// batchSteps groups adjacent steps sharing a parallel group into one
// concurrent batch; everything else dispatches alone, in declared order.
func batchSteps(steps []capability.StepSpec) [][]*capability.StepSpec {
	var batches [][]*capability.StepSpec
	for i := 0; i < len(steps); {
		s := &steps[i]
		if s.ParallelGroup == "" {
			batches = append(batches, []*capability.StepSpec{s})
			i++
			continue
		}
		group := []*capability.StepSpec{s}
		j := i + 1
		for j < len(steps) && steps[j].ParallelGroup == s.ParallelGroup {
			group = append(group, &steps[j])
			j++
		}
		batches = append(batches, group)
		i = j
	}
	return batches
}
