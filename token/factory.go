package token

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// requiredClaims must be present in every payload handed to Sign.
var requiredClaims = []string{"iat", "nbf", "exp", "iss", "sub", "sid", "type", "styp", "jti"}

// Keyset is a snapshot of the signing keys at one instant.
//
// CurrentKeyID selects the key new tokens are signed with; Keys holds every
// key that inbound tokens may still be verified against.
type Keyset struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

// KeysetGetter returns the keyset to use for an individual sign or verify
// call. It is invoked per call, so rotated keys take effect immediately.
type KeysetGetter func() Keyset

// Factory signs and verifies bearer tokens carrying a claim payload.
type Factory interface {
	// Sign produces a signed token from the payload.
	Sign(payload map[string]any) (string, error)

	// Verify checks the token's signature and structural form and returns
	// its payload. It does not validate claim semantics.
	Verify(token string) (map[string]any, error)
}

// SymmetricJWT is a Factory producing HS256-signed JWTs.
type SymmetricJWT struct {
	keyset KeysetGetter
}

// NewSymmetricJWT builds a Factory around the given keyset getter.
func NewSymmetricJWT(keyset KeysetGetter) (*SymmetricJWT, error) {
	if keyset == nil {
		return nil, errors.New("keyset getter is required")
	}
	return &SymmetricJWT{keyset: keyset}, nil
}

// Sign signs payload with the keyset's current key.
func (f *SymmetricJWT) Sign(payload map[string]any) (string, error) {
	for _, claim := range requiredClaims {
		if _, ok := payload[claim]; !ok {
			return "", fmt.Errorf("%w: %s", ErrMissingClaim, claim)
		}
	}

	ks := f.keyset()
	key, ok := ks.Keys[ks.CurrentKeyID]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKey, ks.CurrentKeyID)
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims(payload))
	tok.Header["kid"] = ks.CurrentKeyID

	return tok.SignedString(key)
}

// Verify validates the token's signature and returns its claims.
//
// Temporal claims are intentionally NOT validated here; the session pipeline
// owns those checks so it can report precise auth errors.
func (f *SymmetricJWT) Verify(token string) (map[string]any, error) {
	ks := f.keyset()

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)

	parsed, err := parser.Parse(token, func(t *jwt.Token) (any, error) {
		kid := ks.CurrentKeyID
		if v, ok := t.Header["kid"].(string); ok && v != "" {
			kid = v
		}
		key, ok := ks.Keys[kid]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKey, kid)
		}
		return key, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownKey):
			return nil, err
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrBadSignature
		default:
			return nil, ErrMalformed
		}
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrMalformed
	}

	return map[string]any(claims), nil
}
