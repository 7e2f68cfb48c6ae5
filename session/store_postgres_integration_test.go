package session

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// Integration tests are enabled when CHARON_DATABASE_URL is set and the
// schema from the PostgresStore doc comment exists. In non-CI runs an
// unreachable Postgres skips these tests to keep local runs fast.

func TestPostgresStore_UpsertGetDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := mustPGXPool(ctx, t)
	defer pool.Close()

	store := NewPostgresStore(pool)
	userID := ulid.Make().String()
	t.Cleanup(func() { _ = store.DeleteAll(ctx, userID, TypeFull) })

	now := time.Now().UTC()
	s := memSession(userID, "s1", now.Unix()+600)
	s.ExtraPayload = map[string]any{"role": "admin"}
	if err := store.Upsert(ctx, now, s); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := store.Get(ctx, now, "s1", userID, TypeFull)
	if err != nil || got == nil {
		t.Fatalf("Get: %+v, %v", got, err)
	}
	if got.RefreshTokenID != "jti-s1" || got.LockVersion != 0 {
		t.Fatalf("round trip mangled session: %+v", got)
	}
	if got.ExtraPayload["role"] != "admin" {
		t.Fatalf("extra payload lost: %+v", got.ExtraPayload)
	}

	if err := store.Delete(ctx, "s1", userID, TypeFull); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got, _ := store.Get(ctx, now, "s1", userID, TypeFull); got != nil {
		t.Fatalf("deleted session readable: %+v", got)
	}
}

func TestPostgresStore_OptimisticLock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := mustPGXPool(ctx, t)
	defer pool.Close()

	store := NewPostgresStore(pool)
	userID := ulid.Make().String()
	t.Cleanup(func() { _ = store.DeleteAll(ctx, userID, TypeFull) })

	now := time.Now().UTC()
	s := memSession(userID, "s1", now.Unix()+600)
	if err := store.Upsert(ctx, now, s); err != nil {
		t.Fatalf("Upsert v0: %v", err)
	}

	w1 := s.clone()
	w1.LockVersion = 1
	if err := store.Upsert(ctx, now, w1); err != nil {
		t.Fatalf("Upsert v1: %v", err)
	}

	w2 := s.clone()
	w2.LockVersion = 1
	if err := store.Upsert(ctx, now, w2); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestPostgresStore_ExpiryFiltersReads(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := mustPGXPool(ctx, t)
	defer pool.Close()

	store := NewPostgresStore(pool)
	userID := ulid.Make().String()
	t.Cleanup(func() { _ = store.DeleteAll(ctx, userID, TypeFull) })

	now := time.Now().UTC()
	if err := store.Upsert(ctx, now, memSession(userID, "s1", now.Unix()+10)); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if got, _ := store.Get(ctx, now, "s1", userID, TypeFull); got == nil {
		t.Fatalf("live session not readable")
	}
	if got, _ := store.Get(ctx, now.Add(time.Minute), "s1", userID, TypeFull); got != nil {
		t.Fatalf("lapsed session readable: %+v", got)
	}
}

func TestPostgresStore_GetAllAndDeleteAll(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := mustPGXPool(ctx, t)
	defer pool.Close()

	store := NewPostgresStore(pool)
	userID := ulid.Make().String()
	t.Cleanup(func() { _ = store.DeleteAll(ctx, userID, TypeFull) })

	now := time.Now().UTC()
	for _, sid := range []string{"s1", "s2"} {
		if err := store.Upsert(ctx, now, memSession(userID, sid, now.Unix()+600)); err != nil {
			t.Fatalf("Upsert %s: %v", sid, err)
		}
	}

	all, err := store.GetAll(ctx, now, userID, TypeFull)
	if err != nil || len(all) != 2 {
		t.Fatalf("GetAll = %d sessions, %v", len(all), err)
	}

	if err := store.DeleteAll(ctx, userID, TypeFull); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	all, _ = store.GetAll(ctx, now, userID, TypeFull)
	if len(all) != 0 {
		t.Fatalf("sessions survive DeleteAll: %d", len(all))
	}
}

func TestPostgresStore_PruneHonorsCooldown(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := mustPGXPool(ctx, t)
	defer pool.Close()

	store := NewPostgresStore(pool)
	store.pruneCooldown = time.Hour
	userID := ulid.Make().String()
	t.Cleanup(func() {
		_ = store.DeleteAll(ctx, userID, TypeFull)
		_, _ = pool.Exec(ctx, `DELETE FROM charon.session_prunes WHERE user_id = $1`, userID)
	})

	now := time.Now().UTC()
	if err := store.Upsert(ctx, now, memSession(userID, "sA", now.Unix()+600)); err != nil {
		t.Fatalf("Upsert sA: %v", err)
	}
	if err := store.Upsert(ctx, now, memSession(userID, "sB", now.Unix()+1)); err != nil {
		t.Fatalf("Upsert sB: %v", err)
	}

	// sB's window lapses by later; clear the prune lock the upserts took so
	// the first explicit Prune is not rate limited.
	later := now.Add(10 * time.Second)
	if _, err := pool.Exec(ctx, `DELETE FROM charon.session_prunes WHERE user_id = $1`, userID); err != nil {
		t.Fatalf("reset prune lock: %v", err)
	}

	pruned, skipped, err := store.Prune(ctx, later, userID, TypeFull)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if skipped || pruned != 1 {
		t.Fatalf("prune = %d, skipped=%v", pruned, skipped)
	}

	if _, skipped, err := store.Prune(ctx, later, userID, TypeFull); err != nil || !skipped {
		t.Fatalf("expected skipped prune, got skipped=%v, %v", skipped, err)
	}
}

func mustPGXPool(ctx context.Context, t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("CHARON_DATABASE_URL")
	if dbURL == "" {
		t.Skip("CHARON_DATABASE_URL is not set; skipping Postgres integration test")
	}

	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		t.Fatalf("pgxpool.ParseConfig: %v", err)
	}

	cfg.MaxConns = 4
	cfg.MaxConnLifetime = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pgxpool.NewWithConfig: %v", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		if shouldSkipIntegration(err) {
			t.Skipf("integration test skipped: Postgres unreachable (CHARON_DATABASE_URL set): %v", err)
		}
		t.Fatalf("pool.Ping: %v", err)
	}

	return pool
}

func shouldSkipIntegration(err error) bool {
	if err == nil {
		return false
	}
	if os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "dial tcp") ||
		strings.Contains(msg, "no such host")
}
