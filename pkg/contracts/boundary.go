package contracts

import "time"

// ContractStatus is the boundary contract lifecycle position.
type ContractStatus string

const (
	ContractPending ContractStatus = "pending"
	ContractActive  ContractStatus = "active"
	ContractRevoked ContractStatus = "revoked"
	ContractExpired ContractStatus = "expired"
)

// Scope constrains who may read under a contract. Any subset of dimensions
// may be set; a missing dimension on the contract acts as a wildcard, while
// a set dimension must match the requester exactly.
type Scope struct {
	UserID     string `json:"user_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	SolutionID string `json:"solution_id,omitempty"`
}

// Matches reports whether the requester satisfies every dimension present
// on the contract scope.
func (s Scope) Matches(requester Scope) bool {
	if s.UserID != "" && s.UserID != requester.UserID {
		return false
	}
	if s.SessionID != "" && s.SessionID != requester.SessionID {
		return false
	}
	if s.SolutionID != "" && s.SolutionID != requester.SolutionID {
		return false
	}
	return true
}

// BoundaryContract governs whether an externally sourced artifact may be
// persisted and read. Created pending at ingestion; activated only by an
// explicit authorize call supplying a scope.
type BoundaryContract struct {
	ContractID        string         `json:"contract_id"`
	TenantID          string         `json:"tenant_id"`
	ArtifactReference string         `json:"artifact_reference"`
	Status            ContractStatus `json:"status"`
	Scope             Scope          `json:"scope"`
	CreatedAt         time.Time      `json:"created_at"`
	AuthorizedAt      *time.Time     `json:"authorized_at,omitempty"`
}

// MaterializationRecord is one persisted representation of an artifact.
// It can only be created while the owning contract is active, and every
// read re-checks the contract's current status and scope.
type MaterializationRecord struct {
	RecordID           string    `json:"record_id"`
	ContractID         string    `json:"contract_id"`
	TenantID           string    `json:"tenant_id"`
	ArtifactReference  string    `json:"artifact_reference"`
	RepresentationType string    `json:"representation_type"`
	BlobDigest         string    `json:"blob_digest,omitempty"`
	StoredAt           time.Time `json:"stored_at"`
}
