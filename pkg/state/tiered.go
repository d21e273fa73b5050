package state

import (
	"context"
	"log/slog"
	"time"

	"github.com/weftlabs/weft/core/pkg/contracts"
)

// TieredSurface layers a hot cache over a durable surface. The durable
// store is the version authority; cache failures degrade to durable reads
// and are logged, never surfaced.
type TieredSurface struct {
	durable  Surface
	cache    Cache
	cacheTTL time.Duration
	log      *slog.Logger
}

// NewTieredSurface composes durable and cache. cacheTTL bounds staleness
// of the hot layer independently of record TTLs.
func NewTieredSurface(durable Surface, cache Cache, cacheTTL time.Duration) *TieredSurface {
	return &TieredSurface{
		durable:  durable,
		cache:    cache,
		cacheTTL: cacheTTL,
		log:      slog.Default().With("component", "state.tiered"),
	}
}

// Get implements Surface with read-through caching.
func (s *TieredSurface) Get(ctx context.Context, tenantID, key string) (*contracts.StateRecord, error) {
	if !InTenant(tenantID, key) {
		return nil, contracts.ErrNotFound
	}

	if rec, ok, err := s.cache.GetRecord(ctx, key); err == nil && ok {
		return rec, nil
	} else if err != nil {
		s.log.WarnContext(ctx, "cache read failed, falling back to durable", "key", key, "error", err)
	}

	rec, err := s.durable.Get(ctx, tenantID, key)
	if err != nil {
		return nil, err
	}
	if err := s.cache.PutRecord(ctx, rec, s.cacheTTL); err != nil {
		s.log.WarnContext(ctx, "cache fill failed", "key", key, "error", err)
	}
	return rec, nil
}

// Set implements Surface with write-through to the cache.
func (s *TieredSurface) Set(ctx context.Context, tenantID, key string, value any, opts ...SetOption) (int64, error) {
	version, err := s.durable.Set(ctx, tenantID, key, value, opts...)
	if err != nil {
		return 0, err
	}

	// Re-read the durable record so the cache mirrors the authoritative
	// version and timestamp exactly.
	rec, err := s.durable.Get(ctx, tenantID, key)
	if err == nil {
		if err := s.cache.PutRecord(ctx, rec, s.cacheTTL); err != nil {
			s.log.WarnContext(ctx, "cache write-through failed", "key", key, "error", err)
		}
	} else if err := s.cache.Invalidate(ctx, key); err != nil {
		s.log.WarnContext(ctx, "cache invalidate failed", "key", key, "error", err)
	}
	return version, nil
}

// Query implements Surface. Bulk lookups always go durable; the hot layer
// only accelerates point reads.
func (s *TieredSurface) Query(ctx context.Context, tenantID, prefix string) ([]*contracts.StateRecord, error) {
	return s.durable.Query(ctx, tenantID, prefix)
}
