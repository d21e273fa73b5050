package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/weftlabs/weft/core/pkg/contracts"
)

func TestMemorySurfaceSetGet(t *testing.T) {
	s := NewMemorySurface()
	ctx := context.Background()

	key := SessionKey("t1", "s1", "profile")
	v, err := s.Set(ctx, "t1", key, map[string]any{"name": "ada"})
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
	if out["name"] != "ada" {
		t.Fatalf("unexpected value: %v", out)
	}
}

func TestMemorySurfaceVersionIncrements(t *testing.T) {
	s := NewMemorySurface()
	ctx := context.Background()
	key := SessionKey("t1", "s1", "counter")

	for want := int64(1); want <= 3; want++ {
		v, err := s.Set(ctx, "t1", key, want)
		if err != nil {
			t.Fatal(err)
		}
		if v != want {
			t.Fatalf("expected version %d, got %d", want, v)
		}
	}
}

func TestMemorySurfaceVersionConflict(t *testing.T) {
	s := NewMemorySurface()
	ctx := context.Background()
	key := SessionKey("t1", "s1", "doc")

	if _, err := s.Set(ctx, "t1", key, "a"); err != nil {
		t.Fatal(err)
	}
	_, err := s.Set(ctx, "t1", key, "b", WithExpectedVersion(0))
	if !errors.Is(err, contracts.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if _, err := s.Set(ctx, "t1", key, "b", WithExpectedVersion(1)); err != nil {
		t.Fatal(err)
	}
}

func TestMemorySurfaceTenantIsolation(t *testing.T) {
	s := NewMemorySurface()
	ctx := context.Background()

	keyA := SessionKey("tenant-a", "s1", "secret")
	if _, err := s.Set(ctx, "tenant-a", keyA, "classified"); err != nil {
		t.Fatal(err)
	}

	// A read under tenant-b's identity for tenant-a's key behaves as not
	// found, never as a cross-tenant leak.
	if _, err := s.Get(ctx, "tenant-b", keyA); !errors.Is(err, contracts.ErrNotFound) {
		t.Fatalf("expected not found across tenants, got %v", err)
	}
	if _, err := s.Set(ctx, "tenant-b", keyA, "override"); !errors.Is(err, contracts.ErrValidation) {
		t.Fatalf("expected validation error across tenants, got %v", err)
	}
	if _, err := s.Query(ctx, "tenant-b", TenantPrefix("tenant-a")); !errors.Is(err, contracts.ErrValidation) {
		t.Fatalf("expected validation error on cross-tenant query, got %v", err)
	}
}

func TestMemorySurfaceTTL(t *testing.T) {
	now := time.Now()
	s := NewMemorySurface().WithClock(func() time.Time { return now })
	ctx := context.Background()
	key := SessionKey("t1", "s1", "ephemeral")

	if _, err := s.Set(ctx, "t1", key, "v", WithTTL(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "t1", key); err != nil {
		t.Fatal(err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := s.Get(ctx, "t1", key); !errors.Is(err, contracts.ErrNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}

	// An expired record resets versioning.
	v, err := s.Set(ctx, "t1", key, "v2", WithExpectedVersion(0))
	if err != nil {
		t.Fatal(err)
	}
	if v != 1 {
		t.Fatalf("expected fresh version 1 after expiry, got %d", v)
	}
}

func TestMemorySurfaceQueryPrefix(t *testing.T) {
	s := NewMemorySurface()
	ctx := context.Background()

	_, _ = s.Set(ctx, "t1", SessionKey("t1", "s1", "a"), 1)
	_, _ = s.Set(ctx, "t1", SessionKey("t1", "s1", "b"), 2)
	_, _ = s.Set(ctx, "t1", SessionKey("t1", "s2", "c"), 3)

	recs, err := s.Query(ctx, "t1", SessionPrefix("t1", "s1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Key > recs[1].Key {
		t.Fatal("query results should be ordered by key")
	}
}
