package session

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")

	// ErrConflict is returned by Store.Upsert when another writer advanced
	// the session's lock version first.
	ErrConflict = errors.New("session store version conflict")
)

// Auth errors carried on the request context. Their strings are stable and
// user-visible.
var (
	ErrNoToken                = errors.New("bearer token not found")
	ErrSignatureNotFound      = errors.New("bearer token signature not found")
	ErrTokenNotYetValid       = errors.New("bearer token not yet valid")
	ErrTokenExpired           = errors.New("bearer token expired")
	ErrClaimTypeInvalid       = errors.New("bearer token claim type invalid")
	ErrIdentityClaimsNotFound = errors.New("bearer token claim sub, sid or styp not found")
	ErrSessionNotFound        = errors.New("session not found")
	ErrTokenStale             = errors.New("token stale")
)

// MissingClaimError reports a required claim absent from a verified token.
type MissingClaimError struct {
	Claim string
}

func (e MissingClaimError) Error() string {
	return fmt.Sprintf("bearer token claim %s not found", e.Claim)
}
