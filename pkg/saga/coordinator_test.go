package saga

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/core/pkg/capability"
	"github.com/weftlabs/weft/core/pkg/contracts"
	"github.com/weftlabs/weft/core/pkg/observability"
	"github.com/weftlabs/weft/core/pkg/state"
	"github.com/weftlabs/weft/core/pkg/wal"
)

// callRecorder tracks handler and compensation invocations in order.
type callRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *callRecorder) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
}

func (r *callRecorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type sagaFixture struct {
	coord   *Coordinator
	wal     wal.Log
	surface state.Surface
	router  *capability.Router
	rec     *callRecorder
}

// newSagaFixture builds a synchronous coordinator with a three step plan
// [a, b, c]. failAt marks steps whose handler errors.
func newSagaFixture(t *testing.T, mutate func(*capability.Registration)) *sagaFixture {
	t.Helper()
	f := &sagaFixture{
		wal:     wal.NewMemoryLog(),
		surface: state.NewMemorySurface(),
		rec:     &callRecorder{},
	}
	router, err := capability.NewRouter()
	require.NoError(t, err)
	f.router = router

	mkStep := func(id string) capability.StepSpec {
		return capability.StepSpec{
			StepID: id,
			Handler: func(ctx context.Context, inv capability.Invocation) (*capability.Result, error) {
				f.rec.add("run:" + id)
				return &capability.Result{Output: map[string]any{"done": id}}, nil
			},
			Compensate: func(ctx context.Context, inv capability.Invocation) error {
				f.rec.add("undo:" + id)
				return nil
			},
		}
	}
	reg := &capability.Registration{
		IntentType:   "order.place",
		RealmName:    "billing",
		RealmVersion: "1.0.0",
		Steps:        []capability.StepSpec{mkStep("a"), mkStep("b"), mkStep("c")},
	}
	if mutate != nil {
		mutate(reg)
	}
	require.NoError(t, router.Register(reg))

	f.coord = NewCoordinator(f.wal, f.surface, router, NewLeaseMap(), slog.Default(), WithSynchronousDispatch())
	return f
}

func testIntent() contracts.Intent {
	return contracts.Intent{
		IntentID:   uuid.NewString(),
		Type:       "order.place",
		TenantID:   "t1",
		Parameters: map[string]any{"sku": "A-1"},
	}
}

// persistIntent mirrors what intake does before handoff; recovery needs it.
func persistIntent(t *testing.T, surface state.Surface, intent contracts.Intent) {
	t.Helper()
	_, err := surface.Set(context.Background(), intent.TenantID,
		state.IntentKey(intent.TenantID, intent.IntentID), intent)
	require.NoError(t, err)
}

func eventTypes(t *testing.T, log wal.Log, tenantID, executionID string) []contracts.WALEventType {
	t.Helper()
	events, err := log.Replay(context.Background(), tenantID, executionID)
	require.NoError(t, err)
	out := make([]contracts.WALEventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestExecutionHappyPath(t *testing.T) {
	f := newSagaFixture(t, nil)
	ctx := context.Background()
	intent := testIntent()
	execID := uuid.NewString()

	require.NoError(t, f.coord.Start(ctx, execID, intent, nil))

	exec, err := f.coord.Status(ctx, "t1", execID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExecutionCompleted, exec.Status)
	assert.NotNil(t, exec.CompletedAt)
	for _, s := range exec.Steps {
		assert.Equal(t, contracts.StepCompleted, s.Status)
	}
	assert.Equal(t, []string{"run:a", "run:b", "run:c"}, f.rec.list())

	types := eventTypes(t, f.wal, "t1", execID)
	assert.Equal(t, contracts.EventExecutionStarted, types[0])
	assert.Equal(t, contracts.EventExecutionCompleted, types[len(types)-1])
}

func TestCompensationRunsInReverseOrder(t *testing.T) {
	f := newSagaFixture(t, func(reg *capability.Registration) {
		reg.Steps[2].Handler = func(ctx context.Context, inv capability.Invocation) (*capability.Result, error) {
			return nil, errors.New("charge declined")
		}
	})
	ctx := context.Background()
	execID := uuid.NewString()
	require.NoError(t, f.coord.Start(ctx, execID, testIntent(), nil))

	exec, err := f.coord.Status(ctx, "t1", execID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExecutionCompensated, exec.Status)
	assert.Equal(t, []string{"run:a", "run:b", "run:c", "undo:b", "undo:a"}, f.rec.list(),
		"compensation must walk completed steps in reverse")

	assert.Equal(t, contracts.StepFailed, exec.Step("c").Status)
	assert.Equal(t, contracts.StepCompensated, exec.Step("b").Status)
	assert.Equal(t, contracts.StepCompensated, exec.Step("a").Status)
	assert.Contains(t, exec.Step("c").Error, "charge declined")
}

func TestFirstStepFailureEndsFailed(t *testing.T) {
	f := newSagaFixture(t, func(reg *capability.Registration) {
		reg.Steps[0].Handler = func(ctx context.Context, inv capability.Invocation) (*capability.Result, error) {
			return nil, errors.New("no inventory")
		}
	})
	ctx := context.Background()
	execID := uuid.NewString()
	require.NoError(t, f.coord.Start(ctx, execID, testIntent(), nil))

	exec, err := f.coord.Status(ctx, "t1", execID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExecutionFailed, exec.Status, "nothing compensated means failed, not compensated")
	assert.Empty(t, f.rec.list(), "no handler completed, no undo calls")
}

func TestStepTimeout(t *testing.T) {
	f := newSagaFixture(t, func(reg *capability.Registration) {
		reg.Steps[1].Timeout = 20 * time.Millisecond
		reg.Steps[1].Handler = func(ctx context.Context, inv capability.Invocation) (*capability.Result, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return &capability.Result{}, nil
			}
		}
	})
	ctx := context.Background()
	execID := uuid.NewString()
	require.NoError(t, f.coord.Start(ctx, execID, testIntent(), nil))

	exec, err := f.coord.Status(ctx, "t1", execID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExecutionCompensated, exec.Status)
	assert.Equal(t, contracts.StepFailed, exec.Step("b").Status)
	assert.Contains(t, exec.Step("b").Error, "exceeded")
	assert.Equal(t, []string{"run:a", "undo:a"}, f.rec.list())
}

func TestParallelGroupDispatch(t *testing.T) {
	f := newSagaFixture(t, func(reg *capability.Registration) {
		reg.Steps[0].ParallelGroup = "fanout"
		reg.Steps[1].ParallelGroup = "fanout"
	})
	ctx := context.Background()
	execID := uuid.NewString()
	require.NoError(t, f.coord.Start(ctx, execID, testIntent(), nil))

	exec, err := f.coord.Status(ctx, "t1", execID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExecutionCompleted, exec.Status)

	calls := f.rec.list()
	require.Len(t, calls, 3)
	assert.Equal(t, "run:c", calls[2], "the group completes before the next step dispatches")
}

func TestParallelGroupPersistsStepFields(t *testing.T) {
	f := newSagaFixture(t, func(reg *capability.Registration) {
		for i := range reg.Steps {
			reg.Steps[i].ParallelGroup = "fanout"
		}
	})
	ctx := context.Background()
	execID := uuid.NewString()
	require.NoError(t, f.coord.Start(ctx, execID, testIntent(), nil))

	// Every concurrent branch persists the whole execution; the step
	// fields written by siblings must survive intact.
	exec, err := f.coord.Status(ctx, "t1", execID)
	require.NoError(t, err)
	require.Equal(t, contracts.ExecutionCompleted, exec.Status)
	for _, id := range []string{"a", "b", "c"} {
		step := exec.Step(id)
		assert.Equal(t, contracts.StepCompleted, step.Status, "step %s", id)
		assert.Equal(t, 1, step.AttemptCount, "step %s", id)
		assert.Equal(t, map[string]any{"done": id}, step.Output, "step %s", id)
		assert.Equal(t, map[string]any{"sku": "A-1"}, step.Input, "step %s", id)
	}
}

func TestStepTimeoutFiresWhenHandlerIgnoresContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	f := newSagaFixture(t, func(reg *capability.Registration) {
		reg.Steps[1].Timeout = 20 * time.Millisecond
		reg.Steps[1].Handler = func(ctx context.Context, inv capability.Invocation) (*capability.Result, error) {
			// Never looks at ctx; the coordinator must still enforce the
			// deadline and abandon the invocation.
			<-release
			return &capability.Result{}, nil
		}
	})
	ctx := context.Background()
	execID := uuid.NewString()
	require.NoError(t, f.coord.Start(ctx, execID, testIntent(), nil))

	exec, err := f.coord.Status(ctx, "t1", execID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExecutionCompensated, exec.Status)
	assert.Equal(t, contracts.StepFailed, exec.Step("b").Status)
	assert.Contains(t, exec.Step("b").Error, "exceeded")
	assert.Equal(t, []string{"run:a", "undo:a"}, f.rec.list())
}

func TestCoordinatorRunsWithTelemetry(t *testing.T) {
	provider, err := observability.New(context.Background(), nil)
	require.NoError(t, err)

	f := newSagaFixture(t, nil)
	f.coord = NewCoordinator(f.wal, f.surface, f.router, NewLeaseMap(), slog.Default(),
		WithSynchronousDispatch(), WithTelemetry(provider))

	ctx := context.Background()
	execID := uuid.NewString()
	require.NoError(t, f.coord.Start(ctx, execID, testIntent(), nil))

	exec, err := f.coord.Status(ctx, "t1", execID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExecutionCompleted, exec.Status)
}

func TestPreconditionBlocksDispatch(t *testing.T) {
	f := newSagaFixture(t, func(reg *capability.Registration) {
		reg.Steps[2].Precondition = `params.sku == "never"`
	})
	ctx := context.Background()
	execID := uuid.NewString()
	require.NoError(t, f.coord.Start(ctx, execID, testIntent(), nil))

	exec, err := f.coord.Status(ctx, "t1", execID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExecutionCompensated, exec.Status)
	assert.Equal(t, contracts.StepFailed, exec.Step("c").Status)
	assert.Equal(t, []string{"run:a", "run:b", "undo:b", "undo:a"}, f.rec.list(),
		"a blocked precondition never invokes the handler")
}

func TestCancelStopsBeforeNextDispatch(t *testing.T) {
	var f *sagaFixture
	execID := uuid.NewString()
	f = newSagaFixture(t, func(reg *capability.Registration) {
		inner := reg.Steps[1].Handler
		reg.Steps[1].Handler = func(ctx context.Context, inv capability.Invocation) (*capability.Result, error) {
			// A cancel request lands while step b is still running.
			if err := f.coord.Cancel(ctx, "t1", execID); err != nil {
				return nil, err
			}
			return inner(ctx, inv)
		}
	})
	ctx := context.Background()
	require.NoError(t, f.coord.Start(ctx, execID, testIntent(), nil))

	exec, err := f.coord.Status(ctx, "t1", execID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExecutionCompensated, exec.Status)
	assert.True(t, exec.CancelRequested)
	assert.Equal(t, []string{"run:a", "run:b", "undo:b", "undo:a"}, f.rec.list(),
		"step c never dispatches; in-flight step b runs to completion")

	// Cancelling a terminal execution is a no-op.
	assert.NoError(t, f.coord.Cancel(ctx, "t1", execID))
}

// Replaying the WAL and folding must agree with the live snapshot.
func TestReplayFidelity(t *testing.T) {
	f := newSagaFixture(t, func(reg *capability.Registration) {
		reg.Steps[2].Handler = func(ctx context.Context, inv capability.Invocation) (*capability.Result, error) {
			return nil, errors.New("boom")
		}
	})
	ctx := context.Background()
	execID := uuid.NewString()
	require.NoError(t, f.coord.Start(ctx, execID, testIntent(), nil))

	events, err := f.wal.Replay(ctx, "t1", execID)
	require.NoError(t, err)
	require.NoError(t, wal.VerifyChain(events))
	snap, err := wal.Fold(events)
	require.NoError(t, err)

	exec, err := f.coord.Status(ctx, "t1", execID)
	require.NoError(t, err)

	assert.Equal(t, exec.Status, snap.Status)
	for _, s := range exec.Steps {
		folded := snap.Step(s.StepID)
		require.NotNil(t, folded, "step %s missing from fold", s.StepID)
		assert.Equal(t, s.Status, folded.Status, "step %s", s.StepID)
	}
}
