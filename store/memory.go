package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements SessionStore using in-memory maps. All mutation is
// funneled through a single mutex, which makes per-session consumption
// trivially linearizable. Useful for testing and single-process deployments.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	byBucket map[string][]string // insertion order == creation order
	capacity int
}

// NewMemoryStore creates an unbounded in-memory session store.
func NewMemoryStore() *MemoryStore {
	return NewBoundedMemoryStore(0)
}

// NewBoundedMemoryStore creates an in-memory store that rejects creates with
// ErrCapacity once it holds maxSessions sessions. Zero means unbounded.
func NewBoundedMemoryStore(maxSessions int) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		byBucket: make(map[string][]string),
		capacity: maxSessions,
	}
}

// Create persists a new pending session.
func (s *MemoryStore) Create(ctx context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capacity > 0 && len(s.sessions) >= s.capacity {
		return ErrCapacity
	}

	cp := *session
	s.sessions[cp.SessionID] = &cp
	s.byBucket[cp.BucketKey] = append(s.byBucket[cp.BucketKey], cp.SessionID)
	return nil
}

// Get returns a copy of the session, or ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *session
	return &cp, nil
}

// Candidates returns up to limit pending, unexpired sessions in the bucket,
// newest first. Callers receive copies; the store's records are only mutated
// through TryConsume.
func (s *MemoryStore) Candidates(ctx context.Context, bucketKey string, now time.Time, limit int) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byBucket[bucketKey]
	var out []*Session
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		session, ok := s.sessions[ids[i]]
		if !ok || !session.Pending(now) {
			continue
		}
		cp := *session
		out = append(out, &cp)
	}
	return out, nil
}

// TryConsume atomically transitions a pending, unexpired session to resolved.
func (s *MemoryStore) TryConsume(ctx context.Context, sessionID string, res Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if session.State == StateResolved {
		return ErrAlreadyConsumed
	}
	if session.IsExpired(res.ResolvedAt) {
		return ErrExpired
	}

	resolvedAt := res.ResolvedAt
	session.State = StateResolved
	session.ResolvedAt = &resolvedAt
	session.MatchConfidence = res.Confidence
	session.ResolvedAttrs = res.Attrs
	return nil
}

// Delete removes a session in any state.
func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.removeLocked(session)
	return nil
}

// ExpireSweep removes pending sessions past expiry and resolved sessions past
// expiry plus the retention window.
func (s *MemoryStore) ExpireSweep(ctx context.Context, now time.Time, resolvedRetention time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []*Session
	for _, session := range s.sessions {
		switch session.State {
		case StateResolved:
			if !now.Before(session.ExpiresAt.Add(resolvedRetention)) {
				evicted = append(evicted, session)
			}
		default:
			if session.IsExpired(now) {
				evicted = append(evicted, session)
			}
		}
	}
	for _, session := range evicted {
		s.removeLocked(session)
	}
	return len(evicted), nil
}

// PendingCount returns the number of pending sessions.
func (s *MemoryStore) PendingCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, session := range s.sessions {
		if session.State == StatePending {
			count++
		}
	}
	return count, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) removeLocked(session *Session) {
	delete(s.sessions, session.SessionID)

	ids := s.byBucket[session.BucketKey]
	for i, id := range ids {
		if id == session.SessionID {
			s.byBucket[session.BucketKey] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(s.byBucket[session.BucketKey]) == 0 {
		delete(s.byBucket, session.BucketKey)
	}
}
