package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/weftlabs/weft/core/pkg/contracts"
)

// SQLSurface implements Surface using database/sql. It supports both
// Postgres (lib/pq) and SQLite (modernc.org/sqlite) via standard drivers.
type SQLSurface struct {
	db    *sql.DB
	clock func() time.Time
}

// NewSQLSurface creates a surface over db and runs the migration.
func NewSQLSurface(db *sql.DB) (*SQLSurface, error) {
	s := &SQLSurface{db: db, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for tests.
func (s *SQLSurface) WithClock(clock func() time.Time) *SQLSurface {
	s.clock = clock
	return s
}

func (s *SQLSurface) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS state_records (
		key TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		value TEXT NOT NULL,
		version INTEGER NOT NULL,
		ttl_ms INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_state_tenant ON state_records (tenant_id, key);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Get implements Surface.
func (s *SQLSurface) Get(ctx context.Context, tenantID, key string) (*contracts.StateRecord, error) {
	if !InTenant(tenantID, key) {
		return nil, contracts.ErrNotFound
	}

	query := `
		SELECT key, value, version, ttl_ms, updated_at, expires_at
		FROM state_records
		WHERE key = $1 AND tenant_id = $2`
	row := s.db.QueryRowContext(ctx, query, key, tenantID)

	rec, expiresAt, err := scanStateRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.ErrNotFound
		}
		return nil, infraErr("get", err)
	}
	if expiresAt != nil && s.clock().After(*expiresAt) {
		return nil, contracts.ErrNotFound
	}
	return rec, nil
}

// Set implements Surface. The read-check-write runs inside a transaction
// so the optimistic version check cannot interleave with another writer.
func (s *SQLSurface) Set(ctx context.Context, tenantID, key string, value any, opts ...SetOption) (int64, error) {
	if !InTenant(tenantID, key) {
		return 0, contracts.Validationf("key %q outside tenant namespace", key)
	}
	cfg := applyOptions(opts)

	raw, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("state: marshal value: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, infraErr("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	var expiresAt sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT version, expires_at FROM state_records WHERE key = $1 AND tenant_id = $2`,
		key, tenantID,
	).Scan(&current, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		current = 0
	case err != nil:
		return 0, infraErr("read version", err)
	default:
		if expiresAt.Valid && s.clock().After(expiresAt.Time) {
			current = 0
		}
	}

	if cfg.expected != nil && *cfg.expected != current {
		return 0, fmt.Errorf("%w: key %s at version %d, expected %d",
			contracts.ErrVersionConflict, key, current, *cfg.expected)
	}

	now := s.clock().UTC()
	version := current + 1
	var expiry any
	if cfg.ttl > 0 {
		expiry = now.Add(cfg.ttl)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO state_records (key, tenant_id, value, version, ttl_ms, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			version = excluded.version,
			ttl_ms = excluded.ttl_ms,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at`,
		key, tenantID, string(raw), version, cfg.ttl.Milliseconds(), now, expiry,
	)
	if err != nil {
		return 0, infraErr("upsert", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, infraErr("commit", err)
	}
	return version, nil
}

// Query implements Surface.
func (s *SQLSurface) Query(ctx context.Context, tenantID, prefix string) ([]*contracts.StateRecord, error) {
	if !InTenant(tenantID, prefix) {
		return nil, contracts.Validationf("prefix %q outside tenant namespace", prefix)
	}

	query := `
		SELECT key, value, version, ttl_ms, updated_at, expires_at
		FROM state_records
		WHERE tenant_id = $1 AND key LIKE $2 ESCAPE '\'
		ORDER BY key`
	rows, err := s.db.QueryContext(ctx, query, tenantID, likePattern(prefix))
	if err != nil {
		return nil, infraErr("query", err)
	}
	defer func() { _ = rows.Close() }()

	now := s.clock()
	var out []*contracts.StateRecord
	for rows.Next() {
		rec, expiresAt, err := scanStateRow(rows)
		if err != nil {
			return nil, infraErr("scan", err)
		}
		if expiresAt != nil && now.After(*expiresAt) {
			continue
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, infraErr("rows", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStateRow(row rowScanner) (*contracts.StateRecord, *time.Time, error) {
	var (
		key       string
		value     string
		version   int64
		ttlMillis int64
		updatedAt time.Time
		expiresAt sql.NullTime
	)
	if err := row.Scan(&key, &value, &version, &ttlMillis, &updatedAt, &expiresAt); err != nil {
		return nil, nil, err
	}
	rec := &contracts.StateRecord{
		Key:       key,
		Value:     json.RawMessage(value),
		Version:   version,
		TTL:       time.Duration(ttlMillis) * time.Millisecond,
		UpdatedAt: updatedAt,
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		return rec, &t, nil
	}
	return rec, nil, nil
}

// likePattern escapes LIKE metacharacters in prefix and appends a wildcard.
func likePattern(prefix string) string {
	escaped := make([]byte, 0, len(prefix)+2)
	for i := 0; i < len(prefix); i++ {
		switch prefix[i] {
		case '%', '_', '\\':
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, prefix[i])
	}
	return string(escaped) + "%"
}

// infraErr classifies storage failures as transient so the retry wrapper
// can distinguish them from domain errors.
func infraErr(op string, err error) error {
	return fmt.Errorf("%w: state %s: %v", contracts.ErrTransientInfra, op, err)
}
