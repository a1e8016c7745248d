package store

import (
	"context"
	"errors"
	"time"
)

// Session state values, mirrored from the root package to avoid a circular
// import.
const (
	StatePending  = "pending"
	StateResolved = "resolved"
)

var (
	// ErrNotFound is returned when a session id is unknown.
	ErrNotFound = errors.New("store: session not found")

	// ErrAlreadyConsumed is returned by TryConsume when the session was
	// already resolved. This is a benign race outcome, not a fault.
	ErrAlreadyConsumed = errors.New("store: session already consumed")

	// ErrExpired is returned by TryConsume when the session is past its
	// expiry.
	ErrExpired = errors.New("store: session expired")

	// ErrCapacity is returned by Create when the store cannot accept more
	// sessions.
	ErrCapacity = errors.New("store: capacity exhausted")
)

// Session represents one browser-visit record awaiting resolution, in the
// flat shape backends persist. Fingerprint attributes are stored as columns;
// payload custom data and the resolving fingerprint are opaque JSON.
type Session struct {
	SessionID string
	BucketKey string
	State     string

	// Payload.
	PromoID        string
	Domain         string
	DestinationURL string
	CustomData     string

	// Originating fingerprint.
	Platform     string
	Language     string
	Timezone     string
	ScreenWidth  int
	ScreenHeight int
	DeviceModel  string
	UserAgent    string
	CustomAttrs  string

	CreatedAt time.Time
	ExpiresAt time.Time

	// Resolution outcome; zero until consumed.
	ResolvedAt      *time.Time
	MatchConfidence float64
	ResolvedAttrs   string
}

// IsExpired returns true if the session is past its expiry at the given time.
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Pending returns true if the session is still eligible for resolution.
func (s *Session) Pending(now time.Time) bool {
	return s.State == StatePending && !s.IsExpired(now)
}

// Resolution carries the outcome written by a successful consume.
type Resolution struct {
	Confidence float64
	Attrs      string // JSON of the resolving fingerprint
	ResolvedAt time.Time
}

// SessionStore defines the interface for session storage backends.
// Implementations must be safe for concurrent use. The store is the single
// source of truth for session state: TryConsume is the sole transition from
// pending to resolved and must be linearizable per session id.
type SessionStore interface {
	// Create persists a new pending session under its bucket key.
	// Returns ErrCapacity when the store is exhausted.
	Create(ctx context.Context, session *Session) error

	// Get returns a session by id regardless of state, or ErrNotFound.
	Get(ctx context.Context, sessionID string) (*Session, error)

	// Candidates returns up to limit pending, unexpired sessions in the
	// bucket, newest first. The result is bounded; callers must not
	// assume exhaustiveness.
	Candidates(ctx context.Context, bucketKey string, now time.Time, limit int) ([]*Session, error)

	// TryConsume atomically transitions a pending, unexpired session to
	// resolved. Two concurrent calls on the same id never both succeed.
	// Returns ErrNotFound, ErrAlreadyConsumed, or ErrExpired otherwise.
	TryConsume(ctx context.Context, sessionID string, res Resolution) error

	// Delete hard-deletes a session in any state, or returns ErrNotFound.
	Delete(ctx context.Context, sessionID string) error

	// ExpireSweep removes sessions past their expiry and returns the
	// count. Resolved sessions are kept for resolvedRetention past expiry
	// so their payload can still be read back by id.
	ExpireSweep(ctx context.Context, now time.Time, resolvedRetention time.Duration) (int, error)

	// PendingCount returns the number of pending sessions.
	PendingCount(ctx context.Context) (int, error)

	// Close releases any resources held by the store.
	Close() error
}
