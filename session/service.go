package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"charon/token"
)

// Service is the session engine.
//
// It creates, refreshes, and revokes sessions, enforcing the two-generation
// refresh-token rotation protocol. It is stateless per request and safe for
// concurrent use.
type Service struct {
	cfg     Config
	store   Store
	factory token.Factory
	log     *slog.Logger
}

// NewService constructs a Service. It returns ErrConfig for unusable
// configuration; this is the only fatal configuration surface.
func NewService(cfg Config, store Store, factory token.Factory, log *slog.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil || factory == nil {
		return nil, ErrConfig
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{cfg: cfg, store: store, factory: factory, log: log}, nil
}

type upsertOptions struct {
	userID       string
	typ          Type
	transport    TransportMode
	extraPayload map[string]any
	lifespan     time.Duration
}

// Option customizes session creation in UpsertSession.
type Option func(*upsertOptions)

// WithUserID sets the subject for a newly created session.
func WithUserID(userID string) Option {
	return func(o *upsertOptions) { o.userID = userID }
}

// WithType selects the session namespace (default TypeFull).
func WithType(typ Type) Option {
	return func(o *upsertOptions) { o.typ = typ }
}

// WithTransport selects the signature transport for a new session
// (default TransportBearer).
func WithTransport(mode TransportMode) Option {
	return func(o *upsertOptions) { o.transport = mode }
}

// WithExtraPayload attaches opaque claims that are merged into access tokens.
func WithExtraPayload(payload map[string]any) Option {
	return func(o *upsertOptions) { o.extraPayload = payload }
}

// WithLifespan overrides the configured absolute session lifetime for a new
// session. Zero means the session never expires absolutely.
func WithLifespan(d time.Duration) Option {
	return func(o *upsertOptions) { o.lifespan = d }
}

// UpsertSession creates a session when the context carries none, or rotates
// the attached one.
//
// Rotation rules, driven by the presented refresh token's iat:
//   - current generation: slide the window, mint a new generation, write.
//   - previous generation (grace window): re-mint the current generation,
//     no write, so retries are idempotent.
//   - older: fail with "token stale".
//
// A lost optimistic-lock race is recovered by re-reading the winner's state
// and minting against it, which makes refresh safe to retry. Auth failures
// are recorded on the context; only store/factory I/O surfaces as an error.
func (s *Service) UpsertSession(ctx context.Context, now time.Time, rc *RequestContext, opts ...Option) error {
	if rc.Halted {
		return nil
	}
	if rc.Session == nil {
		return s.createSession(ctx, now, rc, opts)
	}
	return s.refreshSession(ctx, now, rc)
}

func (s *Service) createSession(ctx context.Context, now time.Time, rc *RequestContext, opts []Option) error {
	opt := upsertOptions{
		typ:       TypeFull,
		transport: TransportBearer,
		lifespan:  s.cfg.SessionTTL,
	}
	if rc.Transport != "" {
		opt.transport = rc.Transport
	}
	for _, o := range opts {
		o(&opt)
	}
	if opt.userID == "" {
		opt.userID = rc.UserID
	}
	if opt.userID == "" {
		return errors.New("user id is required to create a session")
	}

	nowSec := now.Unix()
	expiresAt := NeverExpires
	if opt.lifespan > 0 {
		expiresAt = nowSec + int64(opt.lifespan.Seconds())
	}

	sess := &Session{
		ID:                  ulid.Make().String(),
		UserID:              opt.userID,
		Type:                opt.typ,
		CreatedAt:           nowSec,
		RefreshedAt:         nowSec,
		ExpiresAt:           expiresAt,
		RefreshExpiresAt:    minExpiry(expiresAt, nowSec+int64(s.cfg.RefreshTokenTTL.Seconds())),
		RefreshTokenID:      ulid.Make().String(),
		TokensFreshFrom:     nowSec,
		PrevTokensFreshFrom: 0,
		LockVersion:         0,
		Transport:           opt.transport,
		ExtraPayload:        opt.extraPayload,
	}

	if err := s.store.Upsert(ctx, now, sess); err != nil {
		return err
	}

	return s.finish(now, rc, sess, refreshCreated)
}

func (s *Service) refreshSession(ctx context.Context, now time.Time, rc *RequestContext) error {
	sess := rc.Session

	iat, ok := claimInt64(rc.BearerTokenPayload, "iat")
	if !ok {
		rc.Fail(MissingClaimError{Claim: "iat"})
		return nil
	}

	switch {
	case iat >= sess.TokensFreshFrom:
		return s.rotate(ctx, now, rc, sess)

	case iat >= sess.PrevTokensFreshFrom:
		// Grace window: the client is still on the previous generation,
		// likely a retry racing a refresh that already advanced it.
		// Re-mint the current generation without writing.
		return s.finish(now, rc, sess, refreshGrace)

	default:
		refreshTotal.WithLabelValues(refreshStale).Inc()
		rc.Fail(ErrTokenStale)
		return nil
	}
}

func (s *Service) rotate(ctx context.Context, now time.Time, rc *RequestContext, sess *Session) error {
	nowSec := now.Unix()

	next := sess.clone()
	next.PrevTokensFreshFrom = next.TokensFreshFrom
	next.TokensFreshFrom = nowSec
	next.RefreshTokenID = ulid.Make().String()
	next.RefreshedAt = nowSec
	next.RefreshExpiresAt = minExpiry(next.ExpiresAt, nowSec+int64(s.cfg.RefreshTokenTTL.Seconds()))
	next.LockVersion++

	err := s.store.Upsert(ctx, now, next)
	if errors.Is(err, ErrConflict) {
		// A concurrent refresh won the race. Its generation is now
		// current, so this attempt behaves like a previous-generation
		// refresh: read the winner's state and mint against it.
		winner, err := s.store.Get(ctx, now, sess.ID, sess.UserID, sess.Type)
		if err != nil {
			return err
		}
		if winner == nil {
			rc.Fail(ErrSessionNotFound)
			return nil
		}
		return s.finish(now, rc, winner, refreshConflictRecovered)
	}
	if err != nil {
		return err
	}

	return s.finish(now, rc, next, refreshRotated)
}

// finish mints the token pair for sess and attaches everything to the
// context.
func (s *Service) finish(now time.Time, rc *RequestContext, sess *Session, result string) error {
	tokens, err := s.mintTokens(now, sess)
	if err != nil {
		return err
	}

	nowSec := now.Unix()
	if sess.Transport == TransportCookie {
		// The client only ever sees header.payload; signatures live in
		// HTTP-only cookies.
		accessHP, accessSig, ok := splitToken(tokens.AccessToken)
		if !ok {
			return fmt.Errorf("malformed minted access token")
		}
		refreshHP, refreshSig, ok := splitToken(tokens.RefreshToken)
		if !ok {
			return fmt.Errorf("malformed minted refresh token")
		}
		tokens.AccessToken = accessHP
		tokens.RefreshToken = refreshHP
		rc.SetCookie(signatureCookie(
			s.cfg.AccessCookieName, accessSig, s.cfg.AccessCookieOpts,
			int(tokens.AccessTokenExpiresAt-nowSec),
		))
		rc.SetCookie(signatureCookie(
			s.cfg.RefreshCookieName, refreshSig, s.cfg.RefreshCookieOpts,
			int(tokens.RefreshTokenExpiresAt-nowSec),
		))
	}

	rc.Session = sess
	rc.SessionID = sess.ID
	rc.UserID = sess.UserID
	rc.Transport = sess.Transport
	rc.Tokens = &tokens

	refreshTotal.WithLabelValues(result).Inc()
	return nil
}

// mintTokens derives a fresh access/refresh pair from the session's current
// generation. The refresh token's iat is the generation's mint instant, so
// its generation can be recognized on the next refresh.
func (s *Service) mintTokens(now time.Time, sess *Session) (Tokens, error) {
	nowSec := now.Unix()
	accessExp := minExpiry(sess.RefreshExpiresAt, nowSec+int64(s.cfg.AccessTokenTTL.Seconds()))

	access := map[string]any{
		"iss":  s.cfg.TokenIssuer,
		"sub":  sess.UserID,
		"sid":  sess.ID,
		"styp": string(sess.Type),
		"jti":  sess.RefreshTokenID,
		"type": "access",
		"iat":  nowSec,
		"nbf":  nowSec,
		"exp":  accessExp,
	}
	for k, v := range sess.ExtraPayload {
		if _, reserved := access[k]; !reserved {
			access[k] = v
		}
	}

	refresh := map[string]any{
		"iss":  s.cfg.TokenIssuer,
		"sub":  sess.UserID,
		"sid":  sess.ID,
		"styp": string(sess.Type),
		"jti":  sess.RefreshTokenID,
		"type": "refresh",
		"iat":  sess.TokensFreshFrom,
		"nbf":  sess.TokensFreshFrom,
		"exp":  sess.RefreshExpiresAt,
	}

	accessToken, err := s.factory.Sign(access)
	if err != nil {
		return Tokens{}, fmt.Errorf("sign access token: %w", err)
	}
	refreshToken, err := s.factory.Sign(refresh)
	if err != nil {
		return Tokens{}, fmt.Errorf("sign refresh token: %w", err)
	}

	return Tokens{
		AccessToken:           accessToken,
		RefreshToken:          refreshToken,
		AccessTokenExpiresAt:  accessExp,
		RefreshTokenExpiresAt: sess.RefreshExpiresAt,
	}, nil
}

// Logout deletes the context's session and clears its signature cookies.
func (s *Service) Logout(ctx context.Context, now time.Time, rc *RequestContext) error {
	sess := rc.Session
	if sess == nil {
		rc.Fail(ErrSessionNotFound)
		return nil
	}

	if err := s.store.Delete(ctx, sess.ID, sess.UserID, sess.Type); err != nil {
		return err
	}

	s.clearSession(rc)
	s.log.Info("charon.session.logout", "user_id", sess.UserID, "session_id", sess.ID)
	return nil
}

// LogoutAll deletes every session of the context's user in the session's
// namespace.
func (s *Service) LogoutAll(ctx context.Context, now time.Time, rc *RequestContext) error {
	sess := rc.Session
	if sess == nil {
		rc.Fail(ErrSessionNotFound)
		return nil
	}

	if err := s.store.DeleteAll(ctx, sess.UserID, sess.Type); err != nil {
		return err
	}

	s.clearSession(rc)
	s.log.Info("charon.session.logout_all", "user_id", sess.UserID)
	return nil
}

func (s *Service) clearSession(rc *RequestContext) {
	rc.SetCookie(expiredCookie(s.cfg.AccessCookieName, s.cfg.AccessCookieOpts))
	rc.SetCookie(expiredCookie(s.cfg.RefreshCookieName, s.cfg.RefreshCookieOpts))
	rc.Session = nil
	rc.SessionID = ""
	rc.Tokens = nil
}
