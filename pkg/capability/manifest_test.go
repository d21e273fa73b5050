package capability

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/core/pkg/contracts"
)

const billingManifest = `
realm: billing
version: 1.2.0
intents:
  - intent_type: order.place
    default_timeout_ms: 30000
    defaults:
      currency: EUR
    params_schema:
      type: object
      required: [sku]
      properties:
        sku:
          type: string
    steps:
      - step_id: reserve
        idempotent: true
      - step_id: charge
        timeout_ms: 5000
        precondition: params.sku != ""
      - step_id: notify
        parallel_group: fanout
      - step_id: index
        parallel_group: fanout
`

func manifestHandlers() map[string]StepHandlers {
	h := StepHandlers{
		Handler: func(ctx context.Context, inv Invocation) (*Result, error) { return &Result{}, nil },
		Compensate: func(ctx context.Context, inv Invocation) error {
			return nil
		},
	}
	return map[string]StepHandlers{
		"order.place/reserve": h,
		"order.place/charge":  h,
		"order.place/notify":  h,
		"order.place/index":   h,
	}
}

func TestLoadRealmManifest(t *testing.T) {
	m, err := LoadRealmManifest(strings.NewReader(billingManifest))
	require.NoError(t, err)
	assert.Equal(t, "billing", m.Realm)
	assert.Equal(t, "1.2.0", m.Version)
	require.Len(t, m.Intents, 1)
	assert.Len(t, m.Intents[0].Steps, 4)
}

func TestManifestBindProducesRegistrations(t *testing.T) {
	m, err := LoadRealmManifest(strings.NewReader(billingManifest))
	require.NoError(t, err)

	regs, err := m.Bind(manifestHandlers())
	require.NoError(t, err)
	require.Len(t, regs, 1)

	reg := regs[0]
	assert.Equal(t, 30*time.Second, reg.DefaultTimeout)
	assert.Equal(t, "EUR", reg.Defaults["currency"])
	assert.NotEmpty(t, reg.ParamsSchema)

	charge := reg.Step("charge")
	require.NotNil(t, charge)
	assert.Equal(t, 5*time.Second, charge.Timeout)
	assert.Equal(t, `params.sku != ""`, charge.Precondition)
	assert.True(t, reg.Step("reserve").Idempotent)
	assert.Equal(t, "fanout", reg.Step("notify").ParallelGroup)

	// The bound registrations must be accepted by the router, schema
	// and preconditions included.
	r, err := NewRouter()
	require.NoError(t, err)
	require.NoError(t, r.Register(reg))
	assert.True(t, errors.Is(
		r.ValidateParams(reg, map[string]any{}), contracts.ErrValidation))
}

func TestManifestBindMissingHandlerFails(t *testing.T) {
	m, err := LoadRealmManifest(strings.NewReader(billingManifest))
	require.NoError(t, err)

	h := manifestHandlers()
	delete(h, "order.place/charge")
	_, err = m.Bind(h)
	assert.True(t, errors.Is(err, contracts.ErrValidation))
}

func TestLoadRealmManifestRejectsMissingVersion(t *testing.T) {
	_, err := LoadRealmManifest(strings.NewReader("realm: billing\nintents: []\n"))
	assert.True(t, errors.Is(err, contracts.ErrValidation))
}

func TestLoadRealmManifestRejectsBadYAML(t *testing.T) {
	_, err := LoadRealmManifest(strings.NewReader(":\n  - ].["))
	assert.Error(t, err)
}
