package tenants

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/weftlabs/weft/core/pkg/contracts"
)

// SQLRegistry implements Registry over database/sql. It works with both
// Postgres (lib/pq) and SQLite (modernc.org/sqlite).
type SQLRegistry struct {
	db    *sql.DB
	clock func() time.Time
}

// NewSQLRegistry creates a registry over db and runs the migration.
func NewSQLRegistry(db *sql.DB) (*SQLRegistry, error) {
	r := &SQLRegistry{db: db, clock: time.Now}
	if err := r.migrate(); err != nil {
		return nil, err
	}
	return r, nil
}

// WithClock overrides the clock for tests.
func (r *SQLRegistry) WithClock(clock func() time.Time) *SQLRegistry {
	r.clock = clock
	return r
}

func (r *SQLRegistry) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		suspended_at TIMESTAMP,
		deleted_at TIMESTAMP,
		metadata TEXT
	);`
	_, err := r.db.ExecContext(context.Background(), query)
	return err
}

// Create implements Registry.
func (r *SQLRegistry) Create(ctx context.Context, req CreateRequest) (*Tenant, error) {
	if req.Name == "" {
		return nil, contracts.Validationf("tenant name is required")
	}

	t := &Tenant{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Status:    StatusActive,
		CreatedAt: r.clock().UTC(),
		Metadata:  req.Metadata,
	}

	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return nil, fmt.Errorf("tenants: marshal metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, status, created_at, metadata)
		 VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.Name, string(t.Status), t.CreatedAt, string(meta),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: tenants insert: %v", contracts.ErrTransientInfra, err)
	}
	return t, nil
}

// Get implements Registry.
func (r *SQLRegistry) Get(ctx context.Context, tenantID string) (*Tenant, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, name, status, created_at, suspended_at, deleted_at, metadata
		 FROM tenants WHERE id = $1`,
		tenantID,
	)
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: tenants get: %v", contracts.ErrTransientInfra, err)
	}
	return t, nil
}

// Suspend implements Registry.
func (r *SQLRegistry) Suspend(ctx context.Context, tenantID string) error {
	t, err := r.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	if t.Status == StatusDeleted {
		return contracts.Validationf("tenant %s is deleted", tenantID)
	}
	return r.setStatus(ctx, tenantID, StatusSuspended, "suspended_at")
}

// Resume implements Registry.
func (r *SQLRegistry) Resume(ctx context.Context, tenantID string) error {
	t, err := r.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	if t.Status != StatusSuspended {
		return contracts.Validationf("tenant %s is not suspended", tenantID)
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE tenants SET status = $1, suspended_at = NULL WHERE id = $2`,
		string(StatusActive), tenantID,
	)
	if err != nil {
		return fmt.Errorf("%w: tenants resume: %v", contracts.ErrTransientInfra, err)
	}
	return nil
}

// Delete implements Registry.
func (r *SQLRegistry) Delete(ctx context.Context, tenantID string) error {
	t, err := r.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	if t.Status == StatusDeleted {
		return nil
	}
	return r.setStatus(ctx, tenantID, StatusDeleted, "deleted_at")
}

// List implements Registry.
func (r *SQLRegistry) List(ctx context.Context) ([]*Tenant, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, status, created_at, suspended_at, deleted_at, metadata
		 FROM tenants WHERE status != $1 ORDER BY id`,
		string(StatusDeleted),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: tenants list: %v", contracts.ErrTransientInfra, err)
	}
	defer rows.Close()

	var out []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: tenants scan: %v", contracts.ErrTransientInfra, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *SQLRegistry) setStatus(ctx context.Context, tenantID string, status Status, tsColumn string) error {
	query := fmt.Sprintf(`UPDATE tenants SET status = $1, %s = $2 WHERE id = $3`, tsColumn)
	_, err := r.db.ExecContext(ctx, query, string(status), r.clock().UTC(), tenantID)
	if err != nil {
		return fmt.Errorf("%w: tenants update: %v", contracts.ErrTransientInfra, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (*Tenant, error) {
	var (
		t           Tenant
		status      string
		suspendedAt sql.NullTime
		deletedAt   sql.NullTime
		meta        sql.NullString
	)
	err := row.Scan(&t.ID, &t.Name, &status, &t.CreatedAt, &suspendedAt, &deletedAt, &meta)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	if suspendedAt.Valid {
		ts := suspendedAt.Time
		t.SuspendedAt = &ts
	}
	if deletedAt.Valid {
		ts := deletedAt.Time
		t.DeletedAt = &ts
	}
	if meta.Valid && meta.String != "" && meta.String != "null" {
		if err := json.Unmarshal([]byte(meta.String), &t.Metadata); err != nil {
			return nil, fmt.Errorf("tenants: decode metadata: %w", err)
		}
	}
	return &t, nil
}
