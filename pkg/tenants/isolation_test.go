package tenants

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weftlabs/weft/core/pkg/state"
)

func TestCheckKeysFlagsForeignNamespace(t *testing.T) {
	g := NewIsolationGuard()

	ok := g.CheckKeys("t1", []string{
		state.ExecutionKey("t1", "e1"),
		state.ContractKey("t1", "c1"),
	})
	assert.True(t, ok.Isolated)
	assert.Equal(t, 2, ok.ChecksPassed)
	assert.True(t, strings.HasPrefix(ok.ContentHash, "sha256:"))

	bad := g.CheckKeys("t1", []string{state.ExecutionKey("t2", "e9")})
	assert.False(t, bad.Isolated)
	assert.Equal(t, 1, bad.ChecksFailed)
	require.Len(t, bad.Violations, 1)
	assert.Contains(t, bad.Violations[0], "t1")
}

func TestCheckAccessRespectsOwnership(t *testing.T) {
	g := NewIsolationGuard()
	g.RegisterResource("t1", "exec-1")
	g.RegisterResource("t2", "exec-2")

	own := g.CheckAccess("t1", []string{"exec-1", "unregistered"})
	assert.True(t, own.Isolated)
	assert.Equal(t, 2, own.ChecksPassed)

	cross := g.CheckAccess("t1", []string{"exec-2"})
	assert.False(t, cross.Isolated)
	require.Len(t, cross.Violations, 1)
	assert.Contains(t, cross.Violations[0], "owned by t2")
}

func TestRegisterResourceFirstOwnerWins(t *testing.T) {
	g := NewIsolationGuard()
	g.RegisterResource("t1", "exec-1")
	g.RegisterResource("t2", "exec-1")

	rcpt := g.CheckAccess("t2", []string{"exec-1"})
	assert.False(t, rcpt.Isolated)
}

func TestVerifyFlagsMisregisteredKeys(t *testing.T) {
	g := NewIsolationGuard()
	g.RegisterResource("t1", state.ExecutionKey("t1", "e1"))

	clean, violations := g.Verify()
	assert.True(t, clean)
	assert.Empty(t, violations)

	g.RegisterResource("t2", state.ExecutionKey("t1", "e2"))
	clean, violations = g.Verify()
	assert.False(t, clean)
	require.Len(t, violations, 1)
}

func TestGuardClock(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	g := NewIsolationGuard().WithClock(func() time.Time { return fixed })

	rcpt := g.CheckKeys("t1", nil)
	assert.Equal(t, fixed, rcpt.Timestamp)
}

// Cross-tenant reads through the surface must behave as not found
// regardless of which tenant wrote the record.
func TestSurfaceCrossTenantReadsAreNotFound(t *testing.T) {
	ctx := context.Background()
	surface := state.NewMemorySurface()

	key := state.ExecutionKey("t1", "e1")
	_, err := surface.Set(ctx, "t1", key, map[string]any{"status": "running"})
	require.NoError(t, err)

	_, err = surface.Get(ctx, "t2", key)
	assert.Error(t, err, "foreign tenant must not see the record")

	recs, err := surface.Query(ctx, "t2", state.ExecutionPrefix("t2"))
	require.NoError(t, err)
	assert.Empty(t, recs)
}
