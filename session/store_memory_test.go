package session

import (
	"context"
	"testing"
	"time"
)

func memSession(uid, sid string, refreshExp int64) *Session {
	return &Session{
		ID:               sid,
		UserID:           uid,
		Type:             TypeFull,
		CreatedAt:        1_700_000_000,
		RefreshedAt:      1_700_000_000,
		ExpiresAt:        refreshExp + 1000,
		RefreshExpiresAt: refreshExp,
		RefreshTokenID:   "jti-" + sid,
		TokensFreshFrom:  1_700_000_000,
		Transport:        TransportBearer,
	}
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	s := memSession("u1", "s1", now.Unix()+600)
	if err := store.Upsert(ctx, now, s); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := store.Get(ctx, now, "s1", "u1", TypeFull)
	if err != nil || got == nil {
		t.Fatalf("Get: %+v, %v", got, err)
	}
	if got.RefreshTokenID != "jti-s1" {
		t.Fatalf("round trip mangled session: %+v", got)
	}

	// Mutating the returned copy must not affect the store.
	got.RefreshTokenID = "mutated"
	again, _ := store.Get(ctx, now, "s1", "u1", TypeFull)
	if again.RefreshTokenID != "jti-s1" {
		t.Fatalf("store aliased caller memory")
	}
}

func TestMemoryStore_OptimisticLock(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	s := memSession("u1", "s1", now.Unix()+600)
	if err := store.Upsert(ctx, now, s); err != nil {
		t.Fatalf("Upsert v0: %v", err)
	}

	// Two writers both based on v0: the first v1 lands, the second
	// conflicts.
	w1 := s.clone()
	w1.LockVersion = 1
	if err := store.Upsert(ctx, now, w1); err != nil {
		t.Fatalf("Upsert v1: %v", err)
	}

	w2 := s.clone()
	w2.LockVersion = 1
	if err := store.Upsert(ctx, now, w2); err != ErrConflict {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// Skipping a version conflicts too.
	w3 := s.clone()
	w3.LockVersion = 3
	if err := store.Upsert(ctx, now, w3); err != ErrConflict {
		t.Fatalf("expected ErrConflict for skipped version, got %v", err)
	}
}

func TestMemoryStore_ExpiredUpsertIsNoOp(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	s := memSession("u1", "s1", now.Unix()-1)
	if err := store.Upsert(ctx, now, s); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := store.Get(ctx, now, "s1", "u1", TypeFull)
	if err != nil || got != nil {
		t.Fatalf("expired session readable: %+v, %v", got, err)
	}
}

func TestMemoryStore_ExpiryFiltersReads(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	s := memSession("u1", "s1", now.Unix()+10)
	if err := store.Upsert(ctx, now, s); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if got, _ := store.Get(ctx, now, "s1", "u1", TypeFull); got == nil {
		t.Fatalf("live session not readable")
	}
	if got, _ := store.Get(ctx, now.Add(time.Minute), "s1", "u1", TypeFull); got != nil {
		t.Fatalf("lapsed session readable: %+v", got)
	}
}

func TestMemoryStore_TypeNamespaces(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	s := memSession("u1", "s1", now.Unix()+600)
	if err := store.Upsert(ctx, now, s); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if got, _ := store.Get(ctx, now, "s1", "u1", Type("stepped_up")); got != nil {
		t.Fatalf("session visible across type namespaces")
	}
	if got, _ := store.Get(ctx, now, "s1", "u2", TypeFull); got != nil {
		t.Fatalf("session visible across users")
	}
}

func TestMemoryStore_DeleteAndGetAll(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	for _, sid := range []string{"s1", "s2", "s3"} {
		if err := store.Upsert(ctx, now, memSession("u1", sid, now.Unix()+600)); err != nil {
			t.Fatalf("Upsert %s: %v", sid, err)
		}
	}

	if err := store.Delete(ctx, "s2", "u1", TypeFull); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got, _ := store.Get(ctx, now, "s2", "u1", TypeFull); got != nil {
		t.Fatalf("deleted session readable")
	}

	all, err := store.GetAll(ctx, now, "u1", TypeFull)
	if err != nil || len(all) != 2 {
		t.Fatalf("GetAll = %d sessions, %v", len(all), err)
	}

	if err := store.DeleteAll(ctx, "u1", TypeFull); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	all, _ = store.GetAll(ctx, now, "u1", TypeFull)
	if len(all) != 0 {
		t.Fatalf("sessions survive DeleteAll: %d", len(all))
	}
}
