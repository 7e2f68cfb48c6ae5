package token

import "errors"

// Public, stable errors for callers.
var (
	// ErrMalformed is returned when a token is not a well-formed
	// three-segment JWT.
	ErrMalformed = errors.New("malformed token")

	// ErrUnknownKey is returned when a token references a signing key the
	// keyset getter does not know.
	ErrUnknownKey = errors.New("unknown signing key")

	// ErrBadSignature is returned when a token's signature does not verify.
	ErrBadSignature = errors.New("bad signature")

	// ErrMissingClaim is returned by Sign when a required claim is absent
	// from the payload.
	ErrMissingClaim = errors.New("required claim missing")
)
