package boundary

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/core/pkg/artifacts"
	"github.com/weftlabs/weft/core/pkg/contracts"
	"github.com/weftlabs/weft/core/pkg/state"
)

// Materializer persists artifact representations under active contracts.
// The payload lives in the blob store; the record with its digest lives on
// the state surface. Neither is readable without passing CheckAccess at
// read time.
type Materializer struct {
	store   *Store
	blobs   artifacts.BlobStore
	surface state.Surface
	logger  *slog.Logger
	clock   func() time.Time
}

// NewMaterializer wires a Materializer.
func NewMaterializer(store *Store, blobs artifacts.BlobStore, surface state.Surface, logger *slog.Logger) *Materializer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Materializer{
		store:   store,
		blobs:   blobs,
		surface: surface,
		logger:  logger,
		clock:   time.Now,
	}
}

// Materialize persists one representation. The owning contract must be
// active at write time; pending, revoked, and expired contracts reject
// with an authorization error and nothing is stored.
func (m *Materializer) Materialize(ctx context.Context, tenantID, contractID, representationType string, payload []byte) (*contracts.MaterializationRecord, error) {
	c, err := m.store.Get(ctx, tenantID, contractID)
	if err != nil {
		return nil, err
	}
	if c.Status != contracts.ContractActive {
		return nil, contracts.Authorizationf("contract %s is %s, materialization requires an active contract", contractID, c.Status)
	}

	digest, err := m.blobs.Put(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("store representation payload: %w", err)
	}

	rec := &contracts.MaterializationRecord{
		RecordID:           uuid.NewString(),
		ContractID:         contractID,
		TenantID:           tenantID,
		ArtifactReference:  c.ArtifactReference,
		RepresentationType: representationType,
		BlobDigest:         digest,
		StoredAt:           m.clock().UTC(),
	}
	if _, err := m.surface.Set(ctx, tenantID, state.MaterializationKey(tenantID, rec.RecordID), rec,
		state.WithExpectedVersion(0)); err != nil {
		return nil, err
	}

	m.logger.InfoContext(ctx, "representation materialized",
		slog.String("tenant_id", tenantID),
		slog.String("contract_id", contractID),
		slog.String("record_id", rec.RecordID),
		slog.String("representation_type", representationType))
	return rec, nil
}

// Read returns a materialized representation and its payload. Access is
// re-checked against the contract's current status and scope on every
// call; a revoked contract denies immediately even for records stored
// while it was active.
func (m *Materializer) Read(ctx context.Context, tenantID, recordID string, requester contracts.Scope) (*contracts.MaterializationRecord, []byte, error) {
	raw, err := m.surface.Get(ctx, tenantID, state.MaterializationKey(tenantID, recordID))
	if err != nil {
		return nil, nil, err
	}
	var rec contracts.MaterializationRecord
	if err := raw.Decode(&rec); err != nil {
		return nil, nil, fmt.Errorf("decode materialization %s: %w", recordID, err)
	}

	allowed, err := m.store.CheckAccess(ctx, tenantID, rec.ContractID, requester)
	if err != nil {
		return nil, nil, err
	}
	if !allowed {
		return nil, nil, contracts.Authorizationf("access to record %s denied under contract %s", recordID, rec.ContractID)
	}

	payload, err := m.blobs.Get(ctx, rec.BlobDigest)
	if err != nil {
		return nil, nil, fmt.Errorf("load representation payload: %w", err)
	}
	return &rec, payload, nil
}
