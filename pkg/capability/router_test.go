package capability

import (
	"context"
	"errors"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/core/pkg/contracts"
)

func noopHandler(ctx context.Context, inv Invocation) (*Result, error) {
	return &Result{}, nil
}

func testRegistration(intentType string) *Registration {
	return &Registration{
		IntentType:   intentType,
		RealmName:    "billing",
		RealmVersion: "1.2.0",
		Steps: []StepSpec{
			{StepID: "reserve", Handler: noopHandler},
			{StepID: "charge", Handler: noopHandler},
		},
	}
}

func TestRouterResolve(t *testing.T) {
	r, err := NewRouter()
	require.NoError(t, err)
	require.NoError(t, r.Register(testRegistration("order.place")))

	reg, err := r.Resolve("order.place")
	require.NoError(t, err)
	assert.Equal(t, "billing", reg.RealmName)

	_, err = r.Resolve("order.unknown")
	assert.True(t, errors.Is(err, contracts.ErrCapabilityNotFound))
}

func TestRouterDuplicateRegistrationFailsFast(t *testing.T) {
	r, err := NewRouter()
	require.NoError(t, err)
	require.NoError(t, r.Register(testRegistration("order.place")))

	err = r.Register(testRegistration("order.place"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, contracts.ErrDuplicateCapability))

	// The original registration must survive untouched.
	reg, err := r.Resolve("order.place")
	require.NoError(t, err)
	assert.Len(t, reg.Steps, 2)
}

func TestRouterRejectsBadSemver(t *testing.T) {
	r, err := NewRouter()
	require.NoError(t, err)

	reg := testRegistration("order.place")
	reg.RealmVersion = "not-a-version"
	err = r.Register(reg)
	assert.True(t, errors.Is(err, contracts.ErrValidation))
}

func TestRouterRealmConstraint(t *testing.T) {
	c, err := semver.NewConstraint(">=2.0.0 <3.0.0")
	require.NoError(t, err)
	r, err := NewRouter(WithRealmConstraint(c))
	require.NoError(t, err)

	old := testRegistration("order.place")
	old.RealmVersion = "1.9.0"
	assert.True(t, errors.Is(r.Register(old), contracts.ErrValidation))

	current := testRegistration("order.place")
	current.RealmVersion = "2.4.1"
	assert.NoError(t, r.Register(current))
}

func TestRouterRejectsDuplicateStepIDs(t *testing.T) {
	r, err := NewRouter()
	require.NoError(t, err)

	reg := testRegistration("order.place")
	reg.Steps = append(reg.Steps, StepSpec{StepID: "reserve", Handler: noopHandler})
	assert.True(t, errors.Is(r.Register(reg), contracts.ErrValidation))
}

func TestRouterValidatesParamsAgainstSchema(t *testing.T) {
	r, err := NewRouter()
	require.NoError(t, err)

	reg := testRegistration("order.place")
	reg.ParamsSchema = `{
		"type": "object",
		"required": ["sku", "quantity"],
		"properties": {
			"sku": {"type": "string"},
			"quantity": {"type": "integer", "minimum": 1}
		}
	}`
	require.NoError(t, r.Register(reg))

	got, _ := r.Resolve("order.place")
	assert.NoError(t, r.ValidateParams(got, map[string]any{"sku": "A-1", "quantity": 3}))

	err = r.ValidateParams(got, map[string]any{"sku": "A-1"})
	assert.True(t, errors.Is(err, contracts.ErrValidation), "missing required field must fail validation")

	err = r.ValidateParams(got, map[string]any{"sku": "A-1", "quantity": 0})
	assert.True(t, errors.Is(err, contracts.ErrValidation))
}

func TestRouterSchemaCompileErrorIsFatal(t *testing.T) {
	r, err := NewRouter()
	require.NoError(t, err)

	reg := testRegistration("order.place")
	reg.ParamsSchema = `{"type": 12}`
	assert.True(t, errors.Is(r.Register(reg), contracts.ErrValidation))
}

func TestRouterPrecondition(t *testing.T) {
	r, err := NewRouter()
	require.NoError(t, err)

	reg := testRegistration("order.place")
	reg.Steps[1].Precondition = `params.quantity > 0 && context.region != "embargoed"`
	require.NoError(t, r.Register(reg))
	got, _ := r.Resolve("order.place")

	ok, err := r.CheckPrecondition(got, "charge",
		map[string]any{"quantity": 2}, map[string]any{"region": "eu"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.CheckPrecondition(got, "charge",
		map[string]any{"quantity": 2}, map[string]any{"region": "embargoed"})
	require.NoError(t, err)
	assert.False(t, ok)

	// Steps without a precondition always pass.
	ok, err = r.CheckPrecondition(got, "reserve", nil, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRouterPreconditionCompileErrorIsFatal(t *testing.T) {
	r, err := NewRouter()
	require.NoError(t, err)

	reg := testRegistration("order.place")
	reg.Steps[0].Precondition = `params.quantity >`
	assert.True(t, errors.Is(r.Register(reg), contracts.ErrValidation))
}

func TestStepTimeoutFallsBackToDefault(t *testing.T) {
	reg := testRegistration("order.place")
	reg.DefaultTimeout = 5000000000 // 5s
	reg.Steps[0].Timeout = 1000000000

	assert.Equal(t, reg.Steps[0].Timeout, reg.StepTimeout(&reg.Steps[0]))
	assert.Equal(t, reg.DefaultTimeout, reg.StepTimeout(&reg.Steps[1]))
}
