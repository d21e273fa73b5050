// Package session manages tenant-scoped session records on the state
// surface and performs context hydration for step dispatch.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/core/pkg/contracts"
	"github.com/weftlabs/weft/core/pkg/state"
)

// Manager persists sessions as versioned state records. Concurrent context
// updates are resolved through the surface's optimistic version check.
type Manager struct {
	surface state.Surface
	logger  *slog.Logger
	clock   func() time.Time
}

// NewManager builds a Manager over the given surface.
func NewManager(surface state.Surface, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{surface: surface, logger: logger, clock: time.Now}
}

// WithClock overrides the time source for tests.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Create starts a new session. The id is always freshly generated.
func (m *Manager) Create(ctx context.Context, tenantID, userID string, initial map[string]any) (*contracts.Session, error) {
	if tenantID == "" {
		return nil, contracts.Validationf("tenant_id is required")
	}
	if initial == nil {
		initial = map[string]any{}
	}
	s := &contracts.Session{
		SessionID: uuid.NewString(),
		TenantID:  tenantID,
		UserID:    userID,
		CreatedAt: m.clock().UTC(),
		Context:   initial,
		Status:    contracts.SessionActive,
	}
	if err := m.put(ctx, s, 0); err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "session created",
		slog.String("tenant_id", tenantID),
		slog.String("session_id", s.SessionID))
	return s, nil
}

// Get loads a session. A session that exists under a different tenant is
// indistinguishable from a missing one.
func (m *Manager) Get(ctx context.Context, tenantID, sessionID string) (*contracts.Session, error) {
	rec, err := m.surface.Get(ctx, tenantID, state.SessionRecordKey(tenantID, sessionID))
	if err != nil {
		return nil, err
	}
	var s contracts.Session
	if err := rec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	if s.TenantID != tenantID {
		return nil, fmt.Errorf("session %s: %w", sessionID, contracts.ErrNotFound)
	}
	return &s, nil
}

// UpdateContext merges patch shallowly into the session context. The write
// carries the version observed at read time, so a concurrent update
// surfaces as ErrVersionConflict rather than a lost write.
func (m *Manager) UpdateContext(ctx context.Context, tenantID, sessionID string, patch map[string]any) (*contracts.Session, error) {
	rec, err := m.surface.Get(ctx, tenantID, state.SessionRecordKey(tenantID, sessionID))
	if err != nil {
		return nil, err
	}
	var s contracts.Session
	if err := rec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	if s.Context == nil {
		s.Context = map[string]any{}
	}
	for k, v := range patch {
		s.Context[k] = v
	}
	if err := m.put(ctx, &s, rec.Version); err != nil {
		return nil, err
	}
	return &s, nil
}

// Invalidate marks the session invalid. The record stays readable so that
// callers can distinguish an invalidated session from one that never
// existed.
func (m *Manager) Invalidate(ctx context.Context, tenantID, sessionID string) error {
	rec, err := m.surface.Get(ctx, tenantID, state.SessionRecordKey(tenantID, sessionID))
	if err != nil {
		return err
	}
	var s contracts.Session
	if err := rec.Decode(&s); err != nil {
		return fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	if s.Status == contracts.SessionInvalid {
		return nil
	}
	s.Status = contracts.SessionInvalid
	if err := m.put(ctx, &s, rec.Version); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "session invalidated",
		slog.String("tenant_id", tenantID),
		slog.String("session_id", sessionID))
	return nil
}

func (m *Manager) put(ctx context.Context, s *contracts.Session, expectedVersion int64) error {
	_, err := m.surface.Set(ctx, s.TenantID, state.SessionRecordKey(s.TenantID, s.SessionID), s,
		state.WithExpectedVersion(expectedVersion))
	return err
}
