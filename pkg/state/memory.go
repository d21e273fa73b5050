package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/weftlabs/weft/core/pkg/contracts"
)

type memoryEntry struct {
	value     json.RawMessage
	version   int64
	ttl       time.Duration
	updatedAt time.Time
	expiresAt time.Time
}

// MemorySurface is a thread-safe in-memory Surface, the reference
// implementation used by tests and single-node deployments.
type MemorySurface struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	clock   func() time.Time
}

// NewMemorySurface creates an empty in-memory surface.
func NewMemorySurface() *MemorySurface {
	return &MemorySurface{
		entries: make(map[string]*memoryEntry),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for tests.
func (s *MemorySurface) WithClock(clock func() time.Time) *MemorySurface {
	s.clock = clock
	return s
}

// Get implements Surface.
func (s *MemorySurface) Get(ctx context.Context, tenantID, key string) (*contracts.StateRecord, error) {
	if !InTenant(tenantID, key) {
		return nil, contracts.ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok || s.expired(e) {
		return nil, contracts.ErrNotFound
	}
	return s.record(key, e), nil
}

// Set implements Surface.
func (s *MemorySurface) Set(ctx context.Context, tenantID, key string, value any, opts ...SetOption) (int64, error) {
	if !InTenant(tenantID, key) {
		return 0, contracts.Validationf("key %q outside tenant namespace", key)
	}
	cfg := applyOptions(opts)

	raw, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("state: marshal value: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if e, ok := s.entries[key]; ok && !s.expired(e) {
		current = e.version
	}
	if cfg.expected != nil && *cfg.expected != current {
		return 0, fmt.Errorf("%w: key %s at version %d, expected %d",
			contracts.ErrVersionConflict, key, current, *cfg.expected)
	}

	now := s.clock()
	e := &memoryEntry{
		value:     raw,
		version:   current + 1,
		ttl:       cfg.ttl,
		updatedAt: now,
	}
	if cfg.ttl > 0 {
		e.expiresAt = now.Add(cfg.ttl)
	}
	s.entries[key] = e
	return e.version, nil
}

// Query implements Surface.
func (s *MemorySurface) Query(ctx context.Context, tenantID, prefix string) ([]*contracts.StateRecord, error) {
	if !InTenant(tenantID, prefix) {
		return nil, contracts.Validationf("prefix %q outside tenant namespace", prefix)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*contracts.StateRecord
	for key, e := range s.entries {
		if !strings.HasPrefix(key, prefix) || s.expired(e) {
			continue
		}
		out = append(out, s.record(key, e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemorySurface) expired(e *memoryEntry) bool {
	return !e.expiresAt.IsZero() && s.clock().After(e.expiresAt)
}

func (s *MemorySurface) record(key string, e *memoryEntry) *contracts.StateRecord {
	value := make(json.RawMessage, len(e.value))
	copy(value, e.value)
	return &contracts.StateRecord{
		Key:       key,
		Value:     value,
		Version:   e.version,
		TTL:       e.ttl,
		UpdatedAt: e.updatedAt,
	}
}
