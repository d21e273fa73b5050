// Package state implements the versioned key/value surface the core
// persists through. The surface layers a hot cache over a durable store;
// writes are last-writer-wins with an optional optimistic version check.
package state

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/weftlabs/weft/core/pkg/contracts"
)

// Surface is the storage abstraction every other component depends on.
// Keys are logically namespaced under tenant/{tenant_id}/ and no call may
// read or write outside the caller's tenant prefix.
type Surface interface {
	// Get returns the record at key, or contracts.ErrNotFound. A key that
	// exists under a different tenant behaves as not found.
	Get(ctx context.Context, tenantID, key string) (*contracts.StateRecord, error)

	// Set writes value at key and returns the new version. Callers needing
	// compare-and-swap semantics pass WithExpectedVersion and receive
	// contracts.ErrVersionConflict if the record has since changed.
	Set(ctx context.Context, tenantID, key string, value any, opts ...SetOption) (int64, error)

	// Query returns all live records under prefix, which must sit inside
	// the tenant's namespace.
	Query(ctx context.Context, tenantID, prefix string) ([]*contracts.StateRecord, error)
}

// TenantPrefix is the namespace root for a tenant.
func TenantPrefix(tenantID string) string {
	return fmt.Sprintf("tenant/%s/", tenantID)
}

// SessionKey names a session-scoped record.
func SessionKey(tenantID, sessionID, name string) string {
	return fmt.Sprintf("tenant/%s/session/%s/%s", tenantID, sessionID, name)
}

// SessionRecordKey names the session document itself. It sits inside
// SessionPrefix so a session query also returns it.
func SessionRecordKey(tenantID, sessionID string) string {
	return SessionKey(tenantID, sessionID, "record")
}

// SessionPrefix is the namespace for one session's records.
func SessionPrefix(tenantID, sessionID string) string {
	return fmt.Sprintf("tenant/%s/session/%s/", tenantID, sessionID)
}

// ExecutionKey names an execution snapshot record.
func ExecutionKey(tenantID, executionID string) string {
	return fmt.Sprintf("tenant/%s/execution/%s", tenantID, executionID)
}

// ExecutionPrefix is the namespace for a tenant's execution snapshots.
func ExecutionPrefix(tenantID string) string {
	return fmt.Sprintf("tenant/%s/execution/", tenantID)
}

// ContractKey names a boundary contract record.
func ContractKey(tenantID, contractID string) string {
	return fmt.Sprintf("tenant/%s/contract/%s", tenantID, contractID)
}

// ContractPrefix is the namespace for a tenant's boundary contracts.
func ContractPrefix(tenantID string) string {
	return fmt.Sprintf("tenant/%s/contract/", tenantID)
}

// MaterializationKey names a materialization record.
func MaterializationKey(tenantID, recordID string) string {
	return fmt.Sprintf("tenant/%s/materialization/%s", tenantID, recordID)
}

// IntentKey names an admitted intent record.
func IntentKey(tenantID, intentID string) string {
	return fmt.Sprintf("tenant/%s/intent/%s", tenantID, intentID)
}

// IdempotencyKey names the (tenant, idempotency key) → execution mapping.
func IdempotencyKey(tenantID, key string) string {
	return fmt.Sprintf("tenant/%s/idempotency/%s", tenantID, key)
}

// InTenant reports whether key is inside the tenant's namespace.
func InTenant(tenantID, key string) bool {
	return strings.HasPrefix(key, TenantPrefix(tenantID))
}

// SetOption tunes a single Set call.
type SetOption func(*setConfig)

type setConfig struct {
	ttl      time.Duration
	expected *int64
}

// WithTTL expires the record after d. Zero means no expiry.
func WithTTL(d time.Duration) SetOption {
	return func(c *setConfig) { c.ttl = d }
}

// WithExpectedVersion makes the write conditional on the current version.
// Expected version 0 means the record must not exist yet.
func WithExpectedVersion(v int64) SetOption {
	return func(c *setConfig) { c.expected = &v }
}

func applyOptions(opts []SetOption) setConfig {
	var c setConfig
	for _, o := range opts {
		o(&c)
	}
	return c
}
