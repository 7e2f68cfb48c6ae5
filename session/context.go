package session

import (
	"context"
	"net/http"
)

// RequestContext is the value bag carried through the token pipeline and the
// session engine for one request.
//
// The engine and pipeline only read and write these fields; how the bag moves
// through the host framework (HTTP middleware, GraphQL resolver context, ...)
// is the host's business.
type RequestContext struct {
	// UserID is the authenticated subject, set by the pipeline or by the
	// host before login.
	UserID string

	// SessionID and Session are set once a session is resolved.
	SessionID string
	Session   *Session

	// Transport selects the signature transport for newly created
	// sessions; for resolved sessions it reflects the session's own.
	Transport TransportMode

	// Tokens is the pair minted by the engine on success.
	Tokens *Tokens

	// BearerToken and BearerTokenPayload hold the verified inbound token.
	BearerToken        string
	BearerTokenPayload map[string]any

	// AuthError and Halted record a pipeline or engine failure. A halted
	// context passes through remaining stages untouched.
	AuthError error
	Halted    bool

	// RespCookies collects cookies for the host to write on the response,
	// keyed by cookie name.
	RespCookies map[string]*http.Cookie
}

// Fail records err as the context's auth error and halts it.
func (rc *RequestContext) Fail(err error) {
	rc.AuthError = err
	rc.Halted = true
}

// SetCookie queues a cookie for the response.
func (rc *RequestContext) SetCookie(c *http.Cookie) {
	if rc.RespCookies == nil {
		rc.RespCookies = make(map[string]*http.Cookie, 2)
	}
	rc.RespCookies[c.Name] = c
}

// WriteCookies writes all queued cookies to w.
func (rc *RequestContext) WriteCookies(w http.ResponseWriter) {
	for _, c := range rc.RespCookies {
		http.SetCookie(w, c)
	}
}

type ctxKey struct{}

// NewContext returns ctx with rc attached.
func NewContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

// FromContext returns the RequestContext attached to ctx, if any.
func FromContext(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(ctxKey{}).(*RequestContext)
	return rc, ok
}
