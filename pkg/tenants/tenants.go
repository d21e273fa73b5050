// Package tenants manages tenant lifecycle (provisioning, suspension,
// deletion) and runtime isolation checks over the shared storage layers.
package tenants

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/weftlabs/weft/core/pkg/contracts"
)

// Status is the lifecycle state of a tenant.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

// Tenant is the registry record for one tenant.
type Tenant struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Status      Status         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	SuspendedAt *time.Time     `json:"suspended_at,omitempty"`
	DeletedAt   *time.Time     `json:"deleted_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// IsActive reports whether the tenant may submit work.
func (t *Tenant) IsActive() bool {
	return t.Status == StatusActive
}

// CreateRequest carries the data needed to provision a tenant.
type CreateRequest struct {
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Registry handles tenant lifecycle operations.
type Registry interface {
	// Create provisions a new active tenant.
	Create(ctx context.Context, req CreateRequest) (*Tenant, error)

	// Get returns a tenant by ID, or contracts.ErrNotFound.
	Get(ctx context.Context, tenantID string) (*Tenant, error)

	// Suspend marks a tenant suspended. Suspending a deleted tenant fails.
	Suspend(ctx context.Context, tenantID string) error

	// Resume reactivates a suspended tenant.
	Resume(ctx context.Context, tenantID string) error

	// Delete soft-deletes a tenant. Idempotent.
	Delete(ctx context.Context, tenantID string) error

	// List returns all non-deleted tenants ordered by ID.
	List(ctx context.Context) ([]*Tenant, error)
}

// MemoryRegistry is the in-process Registry used in tests and
// single-node deployments.
type MemoryRegistry struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
	clock   func() time.Time
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		tenants: make(map[string]*Tenant),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for tests.
func (r *MemoryRegistry) WithClock(clock func() time.Time) *MemoryRegistry {
	r.clock = clock
	return r
}

// Create implements Registry.
func (r *MemoryRegistry) Create(ctx context.Context, req CreateRequest) (*Tenant, error) {
	if req.Name == "" {
		return nil, contracts.Validationf("tenant name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t := &Tenant{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Status:    StatusActive,
		CreatedAt: r.clock().UTC(),
		Metadata:  req.Metadata,
	}
	r.tenants[t.ID] = t
	return clone(t), nil
}

// Get implements Registry.
func (r *MemoryRegistry) Get(ctx context.Context, tenantID string) (*Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tenants[tenantID]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	return clone(t), nil
}

// Suspend implements Registry.
func (r *MemoryRegistry) Suspend(ctx context.Context, tenantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tenants[tenantID]
	if !ok {
		return contracts.ErrNotFound
	}
	if t.Status == StatusDeleted {
		return contracts.Validationf("tenant %s is deleted", tenantID)
	}
	now := r.clock().UTC()
	t.Status = StatusSuspended
	t.SuspendedAt = &now
	return nil
}

// Resume implements Registry.
func (r *MemoryRegistry) Resume(ctx context.Context, tenantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tenants[tenantID]
	if !ok {
		return contracts.ErrNotFound
	}
	if t.Status != StatusSuspended {
		return contracts.Validationf("tenant %s is not suspended", tenantID)
	}
	t.Status = StatusActive
	t.SuspendedAt = nil
	return nil
}

// Delete implements Registry.
func (r *MemoryRegistry) Delete(ctx context.Context, tenantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tenants[tenantID]
	if !ok {
		return contracts.ErrNotFound
	}
	if t.Status == StatusDeleted {
		return nil
	}
	now := r.clock().UTC()
	t.Status = StatusDeleted
	t.DeletedAt = &now
	return nil
}

// List implements Registry.
func (r *MemoryRegistry) List(ctx context.Context) ([]*Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		if t.Status == StatusDeleted {
			continue
		}
		out = append(out, clone(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func clone(t *Tenant) *Tenant {
	cp := *t
	return &cp
}
