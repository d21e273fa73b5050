// Package wal implements the write-ahead log: one append-only, strictly
// ordered event stream per execution. Sequence numbers are monotonic per
// execution and are the sole ordering authority; events are hash-chained
// for integrity verification.
package wal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/core/pkg/canonicalize"
	"github.com/weftlabs/weft/core/pkg/contracts"
)

// genesisHash seeds the per-execution hash chain.
const genesisHash = "genesis"

// AppendRequest describes one event to commit.
type AppendRequest struct {
	TenantID    string
	SessionID   string
	ExecutionID string
	Type        contracts.WALEventType
	Payload     map[string]any
}

// Log is the write-ahead log. Callers must hold the execution's lease
// before appending; the log guarantees durability and ordering, not
// mutual exclusion across coordinator replicas.
type Log interface {
	// Append assigns the next sequence number for the execution, durably
	// stores the event, then returns it.
	Append(ctx context.Context, req AppendRequest) (*contracts.WALEvent, error)

	// Replay returns all events for the execution in sequence order.
	Replay(ctx context.Context, tenantID, executionID string) ([]*contracts.WALEvent, error)
}

// buildEvent stamps identity, sequence and hash-chain fields onto a new
// event. prevHash is the chained hash of the previous event, or genesis.
func buildEvent(req AppendRequest, seq int64, prevHash string, now time.Time) (*contracts.WALEvent, error) {
	payloadHash, err := canonicalize.CanonicalHash(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("wal: hash payload: %w", err)
	}
	return &contracts.WALEvent{
		EventID:     uuid.NewString(),
		ExecutionID: req.ExecutionID,
		TenantID:    req.TenantID,
		SessionID:   req.SessionID,
		SequenceNo:  seq,
		Type:        req.Type,
		Payload:     req.Payload,
		PayloadHash: payloadHash,
		PrevHash:    prevHash,
		RecordedAt:  now.UTC(),
	}, nil
}

// eventHash is the chained hash of one committed event.
func eventHash(e *contracts.WALEvent) (string, error) {
	return canonicalize.CanonicalHash(map[string]any{
		"event_id":     e.EventID,
		"execution_id": e.ExecutionID,
		"sequence_no":  e.SequenceNo,
		"type":         e.Type,
		"payload_hash": e.PayloadHash,
		"prev_hash":    e.PrevHash,
	})
}

// VerifyChain checks sequence monotonicity and hash-chain linkage over a
// replayed event stream.
func VerifyChain(events []*contracts.WALEvent) error {
	prevHash := genesisHash
	for i, e := range events {
		if e.SequenceNo != int64(i)+1 {
			return &contracts.StateCorruptionError{
				ExecutionID: e.ExecutionID,
				SequenceNo:  e.SequenceNo,
				Detail:      fmt.Sprintf("expected sequence %d", i+1),
			}
		}
		if e.PrevHash != prevHash {
			return &contracts.StateCorruptionError{
				ExecutionID: e.ExecutionID,
				SequenceNo:  e.SequenceNo,
				Detail:      "hash chain broken: previous hash mismatch",
			}
		}
		h, err := eventHash(e)
		if err != nil {
			return err
		}
		prevHash = h
	}
	return nil
}
