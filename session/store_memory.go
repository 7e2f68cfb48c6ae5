package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node deployments.
//
// It mirrors the shared-store layout: per (user, type) it keeps a session map
// and a lock map, and enforces the same optimistic-lock and expiry semantics.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[bucketKey]*bucket
}

type bucketKey struct {
	userID string
	typ    Type
}

type bucket struct {
	sessions map[string]*Session
	locks    map[string]uint64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[bucketKey]*bucket)}
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, now time.Time, sessionID, userID string, typ Type) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[bucketKey{userID, typ}]
	if !ok {
		return nil, nil
	}
	s, ok := b.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	if s.UserID != userID || s.Type != typ || s.Expired(now.Unix()) {
		return nil, nil
	}
	return s.clone(), nil
}

// Upsert implements Store.
func (m *MemoryStore) Upsert(_ context.Context, now time.Time, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := bucketKey{s.UserID, s.Type}
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{sessions: make(map[string]*Session), locks: make(map[string]uint64)}
		m.buckets[key] = b
	}

	if cur, ok := b.locks[s.ID]; ok && cur != s.LockVersion-1 {
		return ErrConflict
	}
	if s.Expired(now.Unix()) {
		return nil
	}

	b.sessions[s.ID] = s.clone()
	b.locks[s.ID] = s.LockVersion

	// Opportunistic prune; in-process state is cheap, so no cooldown.
	for sid, sess := range b.sessions {
		if sess.Expired(now.Unix()) {
			delete(b.sessions, sid)
			delete(b.locks, sid)
		}
	}

	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, sessionID, userID string, typ Type) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := bucketKey{userID, typ}
	b, ok := m.buckets[key]
	if !ok {
		return nil
	}
	delete(b.sessions, sessionID)
	delete(b.locks, sessionID)
	if len(b.sessions) == 0 {
		delete(m.buckets, key)
	}
	return nil
}

// GetAll implements Store.
func (m *MemoryStore) GetAll(_ context.Context, now time.Time, userID string, typ Type) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[bucketKey{userID, typ}]
	if !ok {
		return nil, nil
	}

	var out []*Session
	for _, s := range b.sessions {
		if s.UserID == userID && s.Type == typ && !s.Expired(now.Unix()) {
			out = append(out, s.clone())
		}
	}
	return out, nil
}

// DeleteAll implements Store.
func (m *MemoryStore) DeleteAll(_ context.Context, userID string, typ Type) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.buckets, bucketKey{userID, typ})
	return nil
}
