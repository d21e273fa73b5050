package contracts

import "time"

// Intent is a caller's request to perform one named operation.
// Immutable once admitted.
type Intent struct {
	IntentID       string         `json:"intent_id"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Type           string         `json:"type"`
	TenantID       string         `json:"tenant_id"`
	SessionID      string         `json:"session_id"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	SubmittedAt    time.Time      `json:"submitted_at"`
}
