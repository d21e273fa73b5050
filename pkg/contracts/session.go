package contracts

import "time"

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionInvalid SessionStatus = "invalid"
)

// Session is a tenant-scoped, long-lived context container. Sessions are
// never deleted; invalidation flips Status and retains the record for audit.
type Session struct {
	SessionID string         `json:"session_id"`
	TenantID  string         `json:"tenant_id"`
	UserID    string         `json:"user_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Context   map[string]any `json:"context,omitempty"`
	Status    SessionStatus  `json:"status"`
}
