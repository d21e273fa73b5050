package contracts

// Identity is the already-validated caller identity handed to the core by
// the gateway. The core never authenticates; it only scopes.
type Identity struct {
	TenantID string   `json:"tenant_id"`
	UserID   string   `json:"user_id,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

// Valid reports whether the identity carries the mandatory tenant.
func (id Identity) Valid() bool { return id.TenantID != "" }
