package session

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultPruneCooldown is the minimum interval between prunes of one
// (user, type), shared across all workers via the prune-lock key.
const defaultPruneCooldown = time.Hour

// upsertScript implements the atomic upsert protocol.
//
// KEYS: session map, expiration zset, lock map.
// ARGV: session ID, blob, refresh_expires_at, lock_version, now.
//
// The conflict check only fires when a lock entry exists; an expired session
// is a successful no-op. On success the TTL of all three collections is
// raised (never lowered) to the maximum refresh_expires_at among members.
var upsertScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[3], ARGV[1])
local version = tonumber(ARGV[4])
if cur and tonumber(cur) ~= version - 1 then
	return 'CONFLICT'
end
if tonumber(ARGV[3]) < tonumber(ARGV[5]) then
	return version
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[4])
local top = redis.call('ZRANGE', KEYS[2], -1, -1, 'WITHSCORES')
local maxexp = tonumber(top[2])
for i = 1, 3 do
	redis.call('EXPIREAT', KEYS[i], maxexp, 'NX')
	redis.call('EXPIREAT', KEYS[i], maxexp, 'GT')
end
return version
`)

// deleteScript removes one session from all three collections and recomputes
// the shared TTL from the remaining maximum score. Emptied collections are
// removed by the server itself.
var deleteScript = redis.NewScript(`
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
local top = redis.call('ZRANGE', KEYS[2], -1, -1, 'WITHSCORES')
if top[2] then
	local maxexp = tonumber(top[2])
	redis.call('EXPIREAT', KEYS[1], maxexp)
	redis.call('EXPIREAT', KEYS[2], maxexp)
	redis.call('EXPIREAT', KEYS[3], maxexp)
end
return 'OK'
`)

// pruneScript removes expired members, guarded by the prune lock.
//
// KEYS: session map, expiration zset, lock map, prune lock.
// ARGV: now, cooldown seconds.
//
// Returns -1 when the cooldown is active, otherwise the number of pruned
// sessions.
var pruneScript = redis.NewScript(`
if not redis.call('SET', KEYS[4], ARGV[1], 'NX', 'EX', ARGV[2]) then
	return -1
end
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', '(' .. ARGV[1])
for _, sid in ipairs(expired) do
	redis.call('HDEL', KEYS[1], sid)
	redis.call('HDEL', KEYS[3], sid)
end
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', '(' .. ARGV[1])
return #expired
`)

// RedisStore implements Store on Redis.
//
// Layout per (user, type): a session hash sid -> HMAC-prefixed JSON blob, an
// expiration zset sid -> refresh_expires_at, a lock hash sid -> lock_version,
// and a prune-lock key. All collections share one absolute expiration, the
// maximum refresh_expires_at of their members, so the whole bookkeeping
// self-destructs when the last session lapses.
type RedisStore struct {
	client        redis.UniversalClient
	prefix        string
	hmacKey       func() []byte
	log           *slog.Logger
	pruneCooldown time.Duration
}

// RedisOption customizes a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix overrides the key prefix (default "charon").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithLogger sets the logger used for discarded blobs and prune results.
func WithLogger(log *slog.Logger) RedisOption {
	return func(s *RedisStore) { s.log = log }
}

// WithPruneCooldown overrides the prune cooldown (default one hour).
func WithPruneCooldown(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.pruneCooldown = d }
}

// NewRedisStore creates a Redis-backed session store.
//
// The client is injected so callers control pooling, Sentinel, and testing
// setups. hmacKey supplies the at-rest integrity key and is called per
// operation, so it can rotate without recompilation.
func NewRedisStore(client redis.UniversalClient, hmacKey func() []byte, opts ...RedisOption) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if hmacKey == nil {
		return nil, errors.New("hmac key getter is required")
	}

	s := &RedisStore{
		client:        client,
		prefix:        "charon",
		hmacKey:       hmacKey,
		log:           slog.Default(),
		pruneCooldown: defaultPruneCooldown,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *RedisStore) sessionKey(userID string, typ Type) string {
	return fmt.Sprintf("%s.s.%s.%s", s.prefix, userID, typ)
}

func (s *RedisStore) expKey(userID string, typ Type) string {
	return fmt.Sprintf("%s.e.%s.%s", s.prefix, userID, typ)
}

func (s *RedisStore) lockKey(userID string, typ Type) string {
	return fmt.Sprintf("%s.l.%s.%s", s.prefix, userID, typ)
}

func (s *RedisStore) pruneLockKey(userID string, typ Type) string {
	return fmt.Sprintf("%s.pl.%s.%s", s.prefix, userID, typ)
}

// seal serializes a session and prefixes it with an HMAC over its bytes.
func (s *RedisStore) seal(sess *Session) (string, error) {
	blob, err := json.Marshal(sess)
	if err != nil {
		return "", fmt.Errorf("marshal session: %w", err)
	}
	mac := hmac.New(sha256.New, s.hmacKey())
	mac.Write(blob)
	return hex.EncodeToString(mac.Sum(nil)) + "." + string(blob), nil
}

// unseal verifies the HMAC prefix and deserializes the session.
// A blob that fails verification is treated as non-existent.
func (s *RedisStore) unseal(raw string) (*Session, bool) {
	tag, blob, ok := strings.Cut(raw, ".")
	if !ok {
		return nil, false
	}
	want, err := hex.DecodeString(tag)
	if err != nil {
		return nil, false
	}
	mac := hmac.New(sha256.New, s.hmacKey())
	mac.Write([]byte(blob))
	if !hmac.Equal(mac.Sum(nil), want) {
		return nil, false
	}

	var sess Session
	if err := json.Unmarshal([]byte(blob), &sess); err != nil {
		return nil, false
	}
	return &sess, true
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, now time.Time, sessionID, userID string, typ Type) (*Session, error) {
	raw, err := s.client.HGet(ctx, s.sessionKey(userID, typ), sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get session: %w", err)
	}

	sess, ok := s.unseal(raw)
	if !ok {
		s.log.Warn("charon.store.discarded_blob", "user_id", userID, "session_id", sessionID)
		return nil, nil
	}
	// Guards against key collisions and stale reads.
	if sess.UserID != userID || sess.Type != typ || sess.Expired(now.Unix()) {
		return nil, nil
	}
	return sess, nil
}

// Upsert implements Store. On success it opportunistically prunes expired
// sessions of the same (user, type), best-effort.
func (s *RedisStore) Upsert(ctx context.Context, now time.Time, sess *Session) error {
	blob, err := s.seal(sess)
	if err != nil {
		return err
	}

	keys := []string{
		s.sessionKey(sess.UserID, sess.Type),
		s.expKey(sess.UserID, sess.Type),
		s.lockKey(sess.UserID, sess.Type),
	}
	res, err := upsertScript.Run(ctx, s.client, keys,
		sess.ID, blob, sess.RefreshExpiresAt, sess.LockVersion, now.Unix(),
	).Result()
	if err != nil {
		return fmt.Errorf("redis upsert session: %w", err)
	}
	if v, ok := res.(string); ok && v == "CONFLICT" {
		return ErrConflict
	}

	s.pruneBestEffort(ctx, now, sess.UserID, sess.Type)
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, sessionID, userID string, typ Type) error {
	keys := []string{
		s.sessionKey(userID, typ),
		s.expKey(userID, typ),
		s.lockKey(userID, typ),
	}
	if err := deleteScript.Run(ctx, s.client, keys, sessionID).Err(); err != nil {
		return fmt.Errorf("redis delete session: %w", err)
	}
	return nil
}

// GetAll implements Store.
func (s *RedisStore) GetAll(ctx context.Context, now time.Time, userID string, typ Type) ([]*Session, error) {
	raw, err := s.client.HGetAll(ctx, s.sessionKey(userID, typ)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get sessions: %w", err)
	}

	var out []*Session
	for sid, v := range raw {
		sess, ok := s.unseal(v)
		if !ok {
			s.log.Warn("charon.store.discarded_blob", "user_id", userID, "session_id", sid)
			continue
		}
		if sess.UserID != userID || sess.Type != typ || sess.Expired(now.Unix()) {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

// DeleteAll implements Store.
func (s *RedisStore) DeleteAll(ctx context.Context, userID string, typ Type) error {
	err := s.client.Del(ctx,
		s.sessionKey(userID, typ),
		s.expKey(userID, typ),
		s.lockKey(userID, typ),
		s.pruneLockKey(userID, typ),
	).Err()
	if err != nil {
		return fmt.Errorf("redis delete sessions: %w", err)
	}
	return nil
}

// Prune removes expired sessions of one (user, type). It returns
// (0, true, nil) when the shared cooldown is active.
func (s *RedisStore) Prune(ctx context.Context, now time.Time, userID string, typ Type) (pruned int, skipped bool, err error) {
	keys := []string{
		s.sessionKey(userID, typ),
		s.expKey(userID, typ),
		s.lockKey(userID, typ),
		s.pruneLockKey(userID, typ),
	}
	n, err := pruneScript.Run(ctx, s.client, keys,
		now.Unix(), int64(s.pruneCooldown.Seconds()),
	).Int64()
	if err != nil {
		return 0, false, fmt.Errorf("redis prune sessions: %w", err)
	}
	if n < 0 {
		return 0, true, nil
	}
	return int(n), false, nil
}

func (s *RedisStore) pruneBestEffort(ctx context.Context, now time.Time, userID string, typ Type) {
	pruned, skipped, err := s.Prune(ctx, now, userID, typ)
	switch {
	case err != nil:
		pruneTotal.WithLabelValues("error").Inc()
		s.log.Warn("charon.store.prune_failed", "user_id", userID, "error", err)
	case skipped:
		pruneTotal.WithLabelValues("skipped").Inc()
	default:
		pruneTotal.WithLabelValues("pruned").Inc()
		if pruned > 0 {
			s.log.Debug("charon.store.pruned", "user_id", userID, "sessions", pruned)
		}
	}
}
