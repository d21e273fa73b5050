package boundary

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/core/pkg/contracts"
	"github.com/weftlabs/weft/core/pkg/state"
)

func newTestStore(t *testing.T, opts ...StoreOption) *Store {
	t.Helper()
	return NewStore(state.NewMemorySurface(), slog.Default(), opts...)
}

func TestContractLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.CreatePending(ctx, "t1", "s3://inbox/report.pdf")
	require.NoError(t, err)
	assert.Equal(t, contracts.ContractPending, c.Status)
	assert.Nil(t, c.AuthorizedAt)

	active, err := s.Authorize(ctx, "t1", c.ContractID, contracts.Scope{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, contracts.ContractActive, active.Status)
	assert.NotNil(t, active.AuthorizedAt)

	// Authorizing twice is rejected, not silently re-scoped.
	_, err = s.Authorize(ctx, "t1", c.ContractID, contracts.Scope{UserID: "u2"})
	assert.True(t, errors.Is(err, contracts.ErrAuthorization))

	require.NoError(t, s.Revoke(ctx, "t1", c.ContractID))
	got, err := s.Get(ctx, "t1", c.ContractID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ContractRevoked, got.Status)

	// Revoke is idempotent; a revoked contract cannot be authorized.
	assert.NoError(t, s.Revoke(ctx, "t1", c.ContractID))
	_, err = s.Authorize(ctx, "t1", c.ContractID, contracts.Scope{})
	assert.True(t, errors.Is(err, contracts.ErrAuthorization))
}

func TestCheckAccessScopeMatching(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.CreatePending(ctx, "t1", "ref")
	require.NoError(t, err)

	// Pending contracts are unreadable to everyone.
	ok, err := s.CheckAccess(ctx, "t1", c.ContractID, contracts.Scope{UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Authorize(ctx, "t1", c.ContractID, contracts.Scope{UserID: "u1"})
	require.NoError(t, err)

	ok, err = s.CheckAccess(ctx, "t1", c.ContractID, contracts.Scope{UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CheckAccess(ctx, "t1", c.ContractID, contracts.Scope{UserID: "u2"})
	require.NoError(t, err)
	assert.False(t, ok, "a scoped contract never matches another user")

	// Missing contract dimensions act as wildcards.
	wild, err := s.CreatePending(ctx, "t1", "ref2")
	require.NoError(t, err)
	_, err = s.Authorize(ctx, "t1", wild.ContractID, contracts.Scope{})
	require.NoError(t, err)
	ok, err = s.CheckAccess(ctx, "t1", wild.ContractID, contracts.Scope{UserID: "anyone", SessionID: "s9"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestContractsAreTenantScoped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.CreatePending(ctx, "t1", "ref")
	require.NoError(t, err)

	_, err = s.Get(ctx, "t2", c.ContractID)
	assert.True(t, errors.Is(err, contracts.ErrNotFound))
	_, err = s.CheckAccess(ctx, "t2", c.ContractID, contracts.Scope{})
	assert.True(t, errors.Is(err, contracts.ErrNotFound))
}

func TestSweepExpiresOldContracts(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s := newTestStore(t, WithContractTTL(time.Hour), WithStoreClock(clock))
	ctx := context.Background()

	old, err := s.CreatePending(ctx, "t1", "old")
	require.NoError(t, err)
	_, err = s.Authorize(ctx, "t1", old.ContractID, contracts.Scope{})
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	fresh, err := s.CreatePending(ctx, "t1", "fresh")
	require.NoError(t, err)

	expired, err := s.Sweep(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	gotOld, err := s.Get(ctx, "t1", old.ContractID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ContractExpired, gotOld.Status)

	gotFresh, err := s.Get(ctx, "t1", fresh.ContractID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ContractPending, gotFresh.Status)

	// Expired contracts no longer grant access.
	ok, err := s.CheckAccess(ctx, "t1", old.ContractID, contracts.Scope{})
	require.NoError(t, err)
	assert.False(t, ok)
}
