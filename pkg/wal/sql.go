package wal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/weftlabs/weft/core/pkg/contracts"
)

// SQLLog implements Log using database/sql. It supports both Postgres
// (lib/pq) and SQLite (modernc.org/sqlite) via standard drivers. The
// UNIQUE(execution_id, sequence_no) constraint is the durable backstop
// behind the single-writer lease.
type SQLLog struct {
	db    *sql.DB
	clock func() time.Time
}

// NewSQLLog creates a log over db and runs the migration.
func NewSQLLog(db *sql.DB) (*SQLLog, error) {
	l := &SQLLog{db: db, clock: time.Now}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

// WithClock overrides the clock for tests.
func (l *SQLLog) WithClock(clock func() time.Time) *SQLLog {
	l.clock = clock
	return l
}

func (l *SQLLog) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS wal_events (
		event_id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		session_id TEXT,
		sequence_no INTEGER NOT NULL,
		type TEXT NOT NULL,
		payload TEXT,
		payload_hash TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		recorded_at TIMESTAMP NOT NULL,
		UNIQUE (execution_id, sequence_no)
	);
	CREATE INDEX IF NOT EXISTS idx_wal_execution ON wal_events (tenant_id, execution_id, sequence_no);`
	_, err := l.db.ExecContext(context.Background(), query)
	return err
}

// Append implements Log.
func (l *SQLLog) Append(ctx context.Context, req AppendRequest) (*contracts.WALEvent, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, infraErr("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Resolve the stream head: last sequence and its chained hash.
	var seq int64
	prevHash := genesisHash
	row := tx.QueryRowContext(ctx, `
		SELECT event_id, execution_id, sequence_no, type, payload_hash, prev_hash
		FROM wal_events
		WHERE tenant_id = $1 AND execution_id = $2
		ORDER BY sequence_no DESC
		LIMIT 1`,
		req.TenantID, req.ExecutionID,
	)
	var head contracts.WALEvent
	err = row.Scan(&head.EventID, &head.ExecutionID, &head.SequenceNo, &head.Type, &head.PayloadHash, &head.PrevHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		seq = 1
	case err != nil:
		return nil, infraErr("read head", err)
	default:
		seq = head.SequenceNo + 1
		prevHash, err = eventHash(&head)
		if err != nil {
			return nil, err
		}
	}

	event, err := buildEvent(req, seq, prevHash, l.clock())
	if err != nil {
		return nil, err
	}

	var payload any
	if event.Payload != nil {
		raw, err := json.Marshal(event.Payload)
		if err != nil {
			return nil, fmt.Errorf("wal: marshal payload: %w", err)
		}
		payload = string(raw)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wal_events (event_id, execution_id, tenant_id, session_id, sequence_no, type, payload, payload_hash, prev_hash, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.EventID, event.ExecutionID, event.TenantID, event.SessionID,
		event.SequenceNo, string(event.Type), payload, event.PayloadHash, event.PrevHash,
		event.RecordedAt,
	)
	if err != nil {
		return nil, infraErr("insert", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, infraErr("commit", err)
	}
	return event, nil
}

// Replay implements Log.
func (l *SQLLog) Replay(ctx context.Context, tenantID, executionID string) ([]*contracts.WALEvent, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_id, execution_id, tenant_id, session_id, sequence_no, type, payload, payload_hash, prev_hash, recorded_at
		FROM wal_events
		WHERE tenant_id = $1 AND execution_id = $2
		ORDER BY sequence_no`,
		tenantID, executionID,
	)
	if err != nil {
		return nil, infraErr("replay", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.WALEvent
	for rows.Next() {
		var (
			e         contracts.WALEvent
			eventType string
			sessionID sql.NullString
			payload   sql.NullString
		)
		if err := rows.Scan(&e.EventID, &e.ExecutionID, &e.TenantID, &sessionID,
			&e.SequenceNo, &eventType, &payload, &e.PayloadHash, &e.PrevHash, &e.RecordedAt); err != nil {
			return nil, infraErr("scan", err)
		}
		e.Type = contracts.WALEventType(eventType)
		e.SessionID = sessionID.String
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("wal: unmarshal payload: %w", err)
			}
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, infraErr("rows", err)
	}
	return out, nil
}

func infraErr(op string, err error) error {
	return fmt.Errorf("%w: wal %s: %v", contracts.ErrTransientInfra, op, err)
}
