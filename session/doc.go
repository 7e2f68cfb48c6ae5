// Package session implements Charon's session lifecycle engine.
//
// It provides refresh-token rotation with a two-generation grace window,
// optimistic-locking persistence in a shared session store (Redis, Postgres,
// or in-memory), and a token-validation pipeline that resolves inbound bearer
// tokens to sessions.
//
// A session keeps two refresh-token generations live at once. Presenting the
// current generation slides the window and mints a new generation; presenting
// the previous generation re-mints the current one without writing, which
// makes refresh safe to retry and tolerant of concurrent clients. Anything
// older fails as stale.
//
// Token signatures travel either inline in the Authorization header or split
// into an HTTP-only cookie; the pipeline reassembles them transparently.
//
// HTTP framework integration is intentionally thin: the engine and pipeline
// read and write a RequestContext value bag, and the host writes out its
// response cookies.
package session
