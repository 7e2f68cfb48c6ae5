package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using PostgreSQL.
//
// Postgres has no server-side scripting for the upsert+TTL batch, so the
// atomic protocol is emulated with single guarded statements: the optimistic
// lock lives in a WHERE clause on the upsert, and the shared-TTL bookkeeping
// degenerates to a refresh_expires_at column that reads filter on and the
// prune deletes by.
//
// Expected schema:
//
//	CREATE TABLE charon.sessions (
//	    user_id                TEXT   NOT NULL,
//	    stype                  TEXT   NOT NULL,
//	    id                     TEXT   NOT NULL,
//	    created_at             BIGINT NOT NULL,
//	    refreshed_at           BIGINT NOT NULL,
//	    expires_at             BIGINT NOT NULL,
//	    refresh_expires_at     BIGINT NOT NULL,
//	    refresh_token_id       TEXT   NOT NULL,
//	    tokens_fresh_from      BIGINT NOT NULL,
//	    prev_tokens_fresh_from BIGINT NOT NULL,
//	    lock_version           BIGINT NOT NULL,
//	    transport              TEXT   NOT NULL,
//	    extra_payload          JSONB,
//	    PRIMARY KEY (user_id, stype, id)
//	);
//
//	CREATE TABLE charon.session_prunes (
//	    user_id   TEXT   NOT NULL,
//	    stype     TEXT   NOT NULL,
//	    pruned_at BIGINT NOT NULL,
//	    PRIMARY KEY (user_id, stype)
//	);
type PostgresStore struct {
	pool          *pgxpool.Pool
	pruneCooldown time.Duration
}

// NewPostgresStore creates a Postgres-backed session store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, pruneCooldown: defaultPruneCooldown}
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, now time.Time, sessionID, userID string, typ Type) (*Session, error) {
	sess := Session{ID: sessionID, UserID: userID, Type: typ}

	err := s.pool.QueryRow(ctx, `
		SELECT
			created_at, refreshed_at, expires_at, refresh_expires_at,
			refresh_token_id, tokens_fresh_from, prev_tokens_fresh_from,
			lock_version, transport, extra_payload
		FROM charon.sessions
		WHERE user_id = $1 AND stype = $2 AND id = $3 AND refresh_expires_at >= $4
	`, userID, string(typ), sessionID, now.Unix()).Scan(
		&sess.CreatedAt,
		&sess.RefreshedAt,
		&sess.ExpiresAt,
		&sess.RefreshExpiresAt,
		&sess.RefreshTokenID,
		&sess.TokensFreshFrom,
		&sess.PrevTokensFreshFrom,
		&sess.LockVersion,
		&sess.Transport,
		&sess.ExtraPayload,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get session: %w", err)
	}

	return &sess, nil
}

// Upsert implements Store.
//
// The insert-or-update races through a single statement; the lock check is
// the WHERE clause of the conflict update, so exactly one of a set of
// concurrent writers with the same base version lands.
func (s *PostgresStore) Upsert(ctx context.Context, now time.Time, sess *Session) error {
	if sess.Expired(now.Unix()) {
		return nil
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO charon.sessions (
			user_id, stype, id,
			created_at, refreshed_at, expires_at, refresh_expires_at,
			refresh_token_id, tokens_fresh_from, prev_tokens_fresh_from,
			lock_version, transport, extra_payload
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (user_id, stype, id) DO UPDATE SET
			refreshed_at = EXCLUDED.refreshed_at,
			expires_at = EXCLUDED.expires_at,
			refresh_expires_at = EXCLUDED.refresh_expires_at,
			refresh_token_id = EXCLUDED.refresh_token_id,
			tokens_fresh_from = EXCLUDED.tokens_fresh_from,
			prev_tokens_fresh_from = EXCLUDED.prev_tokens_fresh_from,
			lock_version = EXCLUDED.lock_version,
			extra_payload = EXCLUDED.extra_payload
		WHERE charon.sessions.lock_version = EXCLUDED.lock_version - 1
	`,
		sess.UserID, string(sess.Type), sess.ID,
		sess.CreatedAt, sess.RefreshedAt, sess.ExpiresAt, sess.RefreshExpiresAt,
		sess.RefreshTokenID, sess.TokensFreshFrom, sess.PrevTokensFreshFrom,
		sess.LockVersion, string(sess.Transport), sess.ExtraPayload,
	)
	if err != nil {
		return fmt.Errorf("postgres upsert session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}

	s.pruneBestEffort(ctx, now, sess.UserID, sess.Type)
	return nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, sessionID, userID string, typ Type) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM charon.sessions
		WHERE user_id = $1 AND stype = $2 AND id = $3
	`, userID, string(typ), sessionID)
	if err != nil {
		return fmt.Errorf("postgres delete session: %w", err)
	}
	return nil
}

// GetAll implements Store.
func (s *PostgresStore) GetAll(ctx context.Context, now time.Time, userID string, typ Type) ([]*Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT
			id, created_at, refreshed_at, expires_at, refresh_expires_at,
			refresh_token_id, tokens_fresh_from, prev_tokens_fresh_from,
			lock_version, transport, extra_payload
		FROM charon.sessions
		WHERE user_id = $1 AND stype = $2 AND refresh_expires_at >= $3
	`, userID, string(typ), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("postgres get sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess := Session{UserID: userID, Type: typ}
		err := rows.Scan(
			&sess.ID,
			&sess.CreatedAt,
			&sess.RefreshedAt,
			&sess.ExpiresAt,
			&sess.RefreshExpiresAt,
			&sess.RefreshTokenID,
			&sess.TokensFreshFrom,
			&sess.PrevTokensFreshFrom,
			&sess.LockVersion,
			&sess.Transport,
			&sess.ExtraPayload,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres scan session: %w", err)
		}
		out = append(out, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres get sessions: %w", err)
	}
	return out, nil
}

// DeleteAll implements Store.
func (s *PostgresStore) DeleteAll(ctx context.Context, userID string, typ Type) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM charon.sessions
		WHERE user_id = $1 AND stype = $2
	`, userID, string(typ))
	if err != nil {
		return fmt.Errorf("postgres delete sessions: %w", err)
	}
	return nil
}

// Prune removes expired sessions of one (user, type), guarded by the shared
// cooldown row.
func (s *PostgresStore) Prune(ctx context.Context, now time.Time, userID string, typ Type) (pruned int, skipped bool, err error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO charon.session_prunes (user_id, stype, pruned_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, stype) DO UPDATE SET pruned_at = EXCLUDED.pruned_at
		WHERE charon.session_prunes.pruned_at <= $3 - $4
	`, userID, string(typ), now.Unix(), int64(s.pruneCooldown.Seconds()))
	if err != nil {
		return 0, false, fmt.Errorf("postgres prune lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, true, nil
	}

	tag, err = s.pool.Exec(ctx, `
		DELETE FROM charon.sessions
		WHERE user_id = $1 AND stype = $2 AND refresh_expires_at < $3
	`, userID, string(typ), now.Unix())
	if err != nil {
		return 0, false, fmt.Errorf("postgres prune sessions: %w", err)
	}
	return int(tag.RowsAffected()), false, nil
}

func (s *PostgresStore) pruneBestEffort(ctx context.Context, now time.Time, userID string, typ Type) {
	pruned, skipped, err := s.Prune(ctx, now, userID, typ)
	switch {
	case err != nil:
		pruneTotal.WithLabelValues("error").Inc()
	case skipped:
		pruneTotal.WithLabelValues("skipped").Inc()
	default:
		pruneTotal.WithLabelValues("pruned").Inc()
		_ = pruned
	}
}
