// Package boundary implements the contract store gating externally
// sourced artifacts, and the materialization authorizer built on it.
// Nothing crosses the boundary in a readable form without an active,
// scope-matched contract, and authorization is re-checked on every read.
package boundary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/core/pkg/contracts"
	"github.com/weftlabs/weft/core/pkg/state"
)

// Store manages boundary contract lifecycle over the state surface.
type Store struct {
	surface state.Surface
	logger  *slog.Logger
	clock   func() time.Time

	// ttl bounds how long a contract stays live before the sweeper
	// expires it. Zero disables expiry.
	ttl time.Duration
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithContractTTL sets the lifetime after which the sweeper expires
// contracts.
func WithContractTTL(ttl time.Duration) StoreOption {
	return func(s *Store) { s.ttl = ttl }
}

// WithStoreClock overrides the time source for tests.
func WithStoreClock(clock func() time.Time) StoreOption {
	return func(s *Store) { s.clock = clock }
}

// NewStore builds a contract store.
func NewStore(surface state.Surface, logger *slog.Logger, opts ...StoreOption) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{surface: surface, logger: logger, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreatePending records a contract for an ingested artifact. The artifact
// stays unreadable until an explicit authorize call.
func (s *Store) CreatePending(ctx context.Context, tenantID, artifactReference string) (*contracts.BoundaryContract, error) {
	if tenantID == "" || artifactReference == "" {
		return nil, contracts.Validationf("tenant_id and artifact_reference are required")
	}
	c := &contracts.BoundaryContract{
		ContractID:        uuid.NewString(),
		TenantID:          tenantID,
		ArtifactReference: artifactReference,
		Status:            contracts.ContractPending,
		CreatedAt:         s.clock().UTC(),
	}
	if err := s.put(ctx, c, 0); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "boundary contract created",
		slog.String("tenant_id", tenantID),
		slog.String("contract_id", c.ContractID))
	return c, nil
}

// Get loads a contract. Cross-tenant ids behave as not found.
func (s *Store) Get(ctx context.Context, tenantID, contractID string) (*contracts.BoundaryContract, error) {
	rec, err := s.surface.Get(ctx, tenantID, state.ContractKey(tenantID, contractID))
	if err != nil {
		return nil, err
	}
	var c contracts.BoundaryContract
	if err := rec.Decode(&c); err != nil {
		return nil, fmt.Errorf("decode contract %s: %w", contractID, err)
	}
	return &c, nil
}

// Authorize transitions pending → active with the granting scope. Any
// other starting status is an authorization error, not a silent upgrade.
func (s *Store) Authorize(ctx context.Context, tenantID, contractID string, scope contracts.Scope) (*contracts.BoundaryContract, error) {
	c, rec, err := s.load(ctx, tenantID, contractID)
	if err != nil {
		return nil, err
	}
	if c.Status != contracts.ContractPending {
		return nil, contracts.Authorizationf("contract %s is %s, only pending contracts can be authorized", contractID, c.Status)
	}
	now := s.clock().UTC()
	c.Status = contracts.ContractActive
	c.Scope = scope
	c.AuthorizedAt = &now
	if err := s.put(ctx, c, rec.Version); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "boundary contract authorized",
		slog.String("tenant_id", tenantID),
		slog.String("contract_id", contractID))
	return c, nil
}

// Revoke transitions active or pending contracts to revoked. Revoking an
// already revoked or expired contract is a no-op.
func (s *Store) Revoke(ctx context.Context, tenantID, contractID string) error {
	c, rec, err := s.load(ctx, tenantID, contractID)
	if err != nil {
		return err
	}
	switch c.Status {
	case contracts.ContractRevoked, contracts.ContractExpired:
		return nil
	}
	c.Status = contracts.ContractRevoked
	if err := s.put(ctx, c, rec.Version); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "boundary contract revoked",
		slog.String("tenant_id", tenantID),
		slog.String("contract_id", contractID))
	return nil
}

// CheckAccess decides whether the requester may read under the contract
// right now. The contract status is re-read on every call; a revocation
// takes effect on the next read, never later.
func (s *Store) CheckAccess(ctx context.Context, tenantID, contractID string, requester contracts.Scope) (bool, error) {
	c, err := s.Get(ctx, tenantID, contractID)
	if err != nil {
		return false, err
	}
	if c.Status != contracts.ContractActive {
		return false, nil
	}
	return c.Scope.Matches(requester), nil
}

// Sweep expires live contracts past the configured ttl. Returns the
// number of contracts transitioned.
func (s *Store) Sweep(ctx context.Context, tenantID string) (int, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	recs, err := s.surface.Query(ctx, tenantID, state.ContractPrefix(tenantID))
	if err != nil {
		return 0, err
	}
	cutoff := s.clock().UTC().Add(-s.ttl)
	expired := 0
	for _, rec := range recs {
		var c contracts.BoundaryContract
		if err := rec.Decode(&c); err != nil {
			continue
		}
		if c.Status != contracts.ContractPending && c.Status != contracts.ContractActive {
			continue
		}
		if !c.CreatedAt.Before(cutoff) {
			continue
		}
		c.Status = contracts.ContractExpired
		if err := s.put(ctx, &c, rec.Version); err != nil {
			if errors.Is(err, contracts.ErrVersionConflict) {
				continue
			}
			return expired, err
		}
		expired++
	}
	if expired > 0 {
		s.logger.InfoContext(ctx, "boundary contracts expired",
			slog.String("tenant_id", tenantID), slog.Int("count", expired))
	}
	return expired, nil
}

// RunSweeper expires contracts for the given tenants at the interval
// until ctx is cancelled.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration, tenants func(context.Context) []string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, tenantID := range tenants(ctx) {
				if _, err := s.Sweep(ctx, tenantID); err != nil {
					s.logger.ErrorContext(ctx, "contract sweep failed",
						slog.String("tenant_id", tenantID), slog.Any("error", err))
				}
			}
		}
	}
}

func (s *Store) load(ctx context.Context, tenantID, contractID string) (*contracts.BoundaryContract, *contracts.StateRecord, error) {
	rec, err := s.surface.Get(ctx, tenantID, state.ContractKey(tenantID, contractID))
	if err != nil {
		return nil, nil, err
	}
	var c contracts.BoundaryContract
	if err := rec.Decode(&c); err != nil {
		return nil, nil, fmt.Errorf("decode contract %s: %w", contractID, err)
	}
	return &c, rec, nil
}

func (s *Store) put(ctx context.Context, c *contracts.BoundaryContract, expectedVersion int64) error {
	_, err := s.surface.Set(ctx, c.TenantID, state.ContractKey(c.TenantID, c.ContractID), c,
		state.WithExpectedVersion(expectedVersion))
	return err
}
