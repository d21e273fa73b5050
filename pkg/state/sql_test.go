package state

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/weftlabs/weft/core/pkg/contracts"

	_ "modernc.org/sqlite"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	// The in-memory database lives per connection.
	db.SetMaxOpenConns(1)
	return db
}

func TestSQLSurfaceRoundTrip(t *testing.T) {
	s, err := NewSQLSurface(openSQLite(t))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	key := ExecutionKey("t1", "e1")

	v, err := s.Set(ctx, "t1", key, map[string]any{"status": "running"})
	if err != nil {
		t.Fatal(err)
	}
	if v != 1 {
		t.Fatalf("expected version 1, got %d", v)
	}

	rec, err := s.Get(ctx, "t1", key)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := rec.Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out["status"] != "running" {
		t.Fatalf("unexpected value: %v", out)
	}

	v, err = s.Set(ctx, "t1", key, map[string]any{"status": "completed"}, WithExpectedVersion(1))
	if err != nil {
		t.Fatal(err)
	}
	if v != 2 {
		t.Fatalf("expected version 2, got %d", v)
	}
}

func TestSQLSurfaceVersionConflict(t *testing.T) {
	s, err := NewSQLSurface(openSQLite(t))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	key := ExecutionKey("t1", "e1")

	if _, err := s.Set(ctx, "t1", key, "a"); err != nil {
		t.Fatal(err)
	}
	_, err = s.Set(ctx, "t1", key, "b", WithExpectedVersion(7))
	if !errors.Is(err, contracts.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
}

func TestSQLSurfaceTenantIsolation(t *testing.T) {
	s, err := NewSQLSurface(openSQLite(t))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	keyA := ContractKey("tenant-a", "c1")
	if _, err := s.Set(ctx, "tenant-a", keyA, "artifact"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "tenant-b", keyA); !errors.Is(err, contracts.ErrNotFound) {
		t.Fatalf("expected not found across tenants, got %v", err)
	}

	recs, err := s.Query(ctx, "tenant-a", ContractPrefix("tenant-a"))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
}

func TestSQLSurfaceQueryEscapesLikeMeta(t *testing.T) {
	s, err := NewSQLSurface(openSQLite(t))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	_, _ = s.Set(ctx, "t1", SessionKey("t1", "s_1", "a"), 1)
	_, _ = s.Set(ctx, "t1", SessionKey("t1", "sx1", "a"), 2)

	recs, err := s.Query(ctx, "t1", SessionPrefix("t1", "s_1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("underscore must not act as a wildcard, got %d records", len(recs))
	}
}

func TestSQLSurfaceGetClassifiesInfraErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT key, value").WillReturnError(errors.New("connection refused"))

	s := &SQLSurface{db: db, clock: nil}
	// clock unused on the error path
	_, err = s.Get(context.Background(), "t1", ExecutionKey("t1", "e1"))
	if !errors.Is(err, contracts.ErrTransientInfra) {
		t.Fatalf("expected transient infra classification, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
