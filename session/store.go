package session

import (
	"context"
	"time"
)

// Store abstracts persistence for sessions keyed by (user ID, type, session
// ID).
//
// Implementations must make Upsert atomic: concurrent writers racing on the
// same session see exactly one winner, the rest get ErrConflict. Readers
// observe either the pre- or post-upsert state, never a torn mixture.
//
// A session whose refresh window has lapsed is logically deleted: reads must
// return nothing for it even if the bytes still exist.
type Store interface {
	// Get loads one session. It returns (nil, nil) when the session is
	// absent, expired at now, or does not belong to userID/typ.
	Get(ctx context.Context, now time.Time, sessionID, userID string, typ Type) (*Session, error)

	// Upsert writes the session. It returns ErrConflict when a lock entry
	// exists for the session and does not equal s.LockVersion-1, and
	// succeeds as a no-op when the session is already expired at now.
	Upsert(ctx context.Context, now time.Time, s *Session) error

	// Delete removes one session from all bookkeeping collections.
	// Deleting an absent session is not an error.
	Delete(ctx context.Context, sessionID, userID string, typ Type) error

	// GetAll returns the live sessions of one (userID, typ).
	GetAll(ctx context.Context, now time.Time, userID string, typ Type) ([]*Session, error)

	// DeleteAll removes every session of one (userID, typ).
	DeleteAll(ctx context.Context, userID string, typ Type) error
}
