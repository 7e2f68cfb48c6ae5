package session

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"charon/token"
)

// Pipeline validates inbound bearer tokens of one kind ("access" or
// "refresh") and resolves them to sessions.
//
// Stages run in order; the first failure records an auth error, halts the
// context, and skips the rest. The pipeline never fails the request itself:
// only store I/O surfaces as an error, everything else is a value on the
// context.
type Pipeline struct {
	kind    string
	cfg     Config
	store   Store
	factory token.Factory
}

// NewAccessPipeline builds a pipeline expecting access tokens.
func NewAccessPipeline(cfg Config, store Store, factory token.Factory) *Pipeline {
	return &Pipeline{kind: "access", cfg: cfg, store: store, factory: factory}
}

// NewRefreshPipeline builds a pipeline expecting refresh tokens.
func NewRefreshPipeline(cfg Config, store Store, factory token.Factory) *Pipeline {
	return &Pipeline{kind: "refresh", cfg: cfg, store: store, factory: factory}
}

func (p *Pipeline) cookieName() string {
	if p.kind == "refresh" {
		return p.cfg.RefreshCookieName
	}
	return p.cfg.AccessCookieName
}

// Process runs the validation stages for r and attaches the results to rc.
func (p *Pipeline) Process(ctx context.Context, now time.Time, r *http.Request, rc *RequestContext) error {
	if rc.Halted {
		return nil
	}

	// Stage 1: reassemble the token for its transport.
	tok, err := reassembleToken(r, p.cookieName())
	if err != nil {
		rc.Fail(err)
		return nil
	}

	// Stage 2: verify signature and structural form.
	payload, err := p.factory.Verify(tok)
	if err != nil {
		rc.Fail(err)
		return nil
	}

	// Stage 3: temporal claims. Equality passes on both bounds.
	nowSec := now.Unix()
	nbf, ok := claimInt64(payload, "nbf")
	if !ok {
		rc.Fail(MissingClaimError{Claim: "nbf"})
		return nil
	}
	if nbf > nowSec {
		rc.Fail(ErrTokenNotYetValid)
		return nil
	}
	exp, ok := claimInt64(payload, "exp")
	if !ok {
		rc.Fail(MissingClaimError{Claim: "exp"})
		return nil
	}
	if exp < nowSec {
		rc.Fail(ErrTokenExpired)
		return nil
	}

	// Stage 4: token kind.
	kind, ok := claimString(payload, "type")
	if !ok {
		rc.Fail(MissingClaimError{Claim: "type"})
		return nil
	}
	if kind != p.kind {
		rc.Fail(ErrClaimTypeInvalid)
		return nil
	}

	// Stage 5: identity claims. styp defaults to "full" when absent.
	sub, subOK := claimString(payload, "sub")
	sid, sidOK := claimString(payload, "sid")
	if !subOK || !sidOK {
		rc.Fail(ErrIdentityClaimsNotFound)
		return nil
	}
	styp := string(TypeFull)
	if v, ok := payload["styp"]; ok {
		styp, ok = asString(v)
		if !ok {
			rc.Fail(ErrIdentityClaimsNotFound)
			return nil
		}
	}

	// Stage 6: load the session.
	sess, err := p.store.Get(ctx, now, sid, sub, Type(styp))
	if err != nil {
		return err
	}
	if sess == nil {
		rc.Fail(ErrSessionNotFound)
		return nil
	}

	// Stage 7: attach.
	rc.UserID = sub
	rc.Session = sess
	rc.SessionID = sess.ID
	rc.Transport = sess.Transport
	rc.BearerToken = tok
	rc.BearerTokenPayload = payload
	return nil
}

// Middleware adapts the pipeline to net/http. The processed RequestContext
// travels in the request context; handlers decide what a halted context
// means for them.
func (p *Pipeline) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := &RequestContext{}
		if err := p.Process(r.Context(), time.Now(), r, rc); err != nil {
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), rc)))
	})
}

// claimInt64 reads a numeric claim. JSON decoding yields float64; signing
// paths use int64.
func claimInt64(payload map[string]any, claim string) (int64, bool) {
	v, ok := payload[claim]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// claimString reads a string-ish claim; numeric subjects are formatted as
// their integer representation.
func claimString(payload map[string]any, claim string) (string, bool) {
	v, ok := payload[claim]
	if !ok {
		return "", false
	}
	return asString(v)
}

func asString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, s != ""
	case float64:
		return strconv.FormatInt(int64(s), 10), true
	case int64:
		return strconv.FormatInt(s, 10), true
	case int:
		return strconv.Itoa(s), true
	case json.Number:
		return s.String(), true
	default:
		return "", false
	}
}
