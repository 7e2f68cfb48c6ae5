package session

// Type partitions one user's sessions into independent namespaces, e.g. a
// normal session vs a stepped-up one. Most deployments only use TypeFull.
type Type string

// TypeFull is the default session type.
const TypeFull Type = "full"

// TransportMode selects how a token's signature reaches the server.
type TransportMode string

const (
	// TransportBearer sends the full three-segment token in the
	// Authorization header.
	TransportBearer TransportMode = "bearer"

	// TransportCookie sends header.payload in the Authorization header and
	// the signature in an HTTP-only cookie.
	TransportCookie TransportMode = "cookie"
)

// NeverExpires is the ExpiresAt sentinel for sessions without an absolute
// lifetime. All window math treats it as +infinity.
const NeverExpires int64 = 0

// Session is the persistent authentication record.
//
// All timestamps are epoch seconds. The pair (TokensFreshFrom,
// PrevTokensFreshFrom) bounds the two live refresh-token generations:
// a refresh token minted at or after TokensFreshFrom is current, one minted
// in [PrevTokensFreshFrom, TokensFreshFrom) is previous and honored during
// the grace window, anything older is stale.
type Session struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Type   Type   `json:"type"`

	CreatedAt   int64 `json:"created_at"`
	RefreshedAt int64 `json:"refreshed_at"`

	// ExpiresAt is the absolute session end, or NeverExpires.
	ExpiresAt int64 `json:"expires_at"`

	// RefreshExpiresAt is the end of the current refresh window, always
	// min(ExpiresAt, RefreshedAt+refresh TTL). A session past this instant
	// is logically deleted.
	RefreshExpiresAt int64 `json:"refresh_expires_at"`

	// RefreshTokenID is the jti of the current refresh-token generation.
	RefreshTokenID string `json:"refresh_token_id"`

	TokensFreshFrom     int64 `json:"tokens_fresh_from"`
	PrevTokensFreshFrom int64 `json:"prev_tokens_fresh_from"`

	// LockVersion increases by one on every successful upsert.
	LockVersion uint64 `json:"lock_version"`

	// Transport is fixed at creation and recorded on the session.
	Transport TransportMode `json:"transport"`

	// ExtraPayload holds opaque user-defined claims merged into access
	// tokens.
	ExtraPayload map[string]any `json:"extra_payload,omitempty"`
}

// Expired reports whether the refresh window has lapsed at now.
func (s *Session) Expired(now int64) bool {
	return s.RefreshExpiresAt < now
}

// clone returns a deep copy, so rotation can mutate without aliasing the
// caller's (or a store's) session.
func (s *Session) clone() *Session {
	dup := *s
	if s.ExtraPayload != nil {
		dup.ExtraPayload = make(map[string]any, len(s.ExtraPayload))
		for k, v := range s.ExtraPayload {
			dup.ExtraPayload[k] = v
		}
	}
	return &dup
}

// minExpiry returns the earlier of an absolute expiry (NeverExpires counts as
// +infinity) and t.
func minExpiry(expiresAt, t int64) int64 {
	if expiresAt == NeverExpires || t < expiresAt {
		return t
	}
	return expiresAt
}

// Tokens is the credential pair emitted by a successful create or refresh.
type Tokens struct {
	AccessToken           string `json:"access_token"`
	RefreshToken          string `json:"refresh_token"`
	AccessTokenExpiresAt  int64  `json:"access_token_exp"`
	RefreshTokenExpiresAt int64  `json:"refresh_token_exp"`
}
