package contracts

import (
	"encoding/json"
	"time"
)

// StateRecord is one versioned key/value entry on the state surface.
// Writes are last-writer-wins; Version increments on every write and backs
// the optional optimistic conflict check.
type StateRecord struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Version   int64           `json:"version"`
	TTL       time.Duration   `json:"ttl,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Decode unmarshals the record value into out.
func (r *StateRecord) Decode(out any) error {
	return json.Unmarshal(r.Value, out)
}
