// Package token provides the bearer-token factory for Charon.
//
// A Factory signs and verifies opaque three-segment tokens
// (header.payload.signature, URL-safe base64). Verification checks the
// signature and structural form only; claim semantics (expiry, kind,
// identity) are the session pipeline's job.
//
// Signing keys come from a caller-supplied getter so deployments can rotate
// keys without recompiling. Each token records the key it was signed with in
// the JWT "kid" header.
package token
