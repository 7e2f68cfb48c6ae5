package session

import (
	"net/http"
	"strings"
)

// splitToken cuts a three-segment token into its header.payload part and its
// signature.
func splitToken(token string) (headerPayload, signature string, ok bool) {
	i := strings.LastIndexByte(token, '.')
	if i <= 0 || i == len(token)-1 {
		return "", "", false
	}
	return token[:i], token[i+1:], true
}

// bearerToken extracts the raw token value from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "Bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(h[7:])
	return tok, tok != ""
}

// reassembleToken recovers the full token from the request.
//
// A token with two separators arrived whole (bearer transport). A token with
// one separator is header.payload whose signature travels in the named
// cookie (cookie transport); the two are joined with ".".
func reassembleToken(r *http.Request, cookieName string) (string, error) {
	tok, ok := bearerToken(r)
	if !ok {
		return "", ErrNoToken
	}

	switch strings.Count(tok, ".") {
	case 2:
		return tok, nil
	case 1:
		c, err := r.Cookie(cookieName)
		if err != nil || c.Value == "" {
			return "", ErrSignatureNotFound
		}
		return tok + "." + c.Value, nil
	default:
		return "", ErrNoToken
	}
}

// signatureCookie builds the HTTP-only signature cookie for cookie-mode
// tokens.
func signatureCookie(name, signature string, opts CookieOpts, maxAge int) *http.Cookie {
	if maxAge < 0 {
		maxAge = 0
	}
	return &http.Cookie{
		Name:     name,
		Value:    signature,
		Path:     opts.Path,
		Domain:   opts.Domain,
		MaxAge:   maxAge,
		HttpOnly: opts.HTTPOnly,
		Secure:   opts.Secure,
		SameSite: opts.SameSite,
	}
}

// expiredCookie clears a signature cookie on logout.
func expiredCookie(name string, opts CookieOpts) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     opts.Path,
		Domain:   opts.Domain,
		MaxAge:   -1,
		HttpOnly: opts.HTTPOnly,
		Secure:   opts.Secure,
		SameSite: opts.SameSite,
	}
}
