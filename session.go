package deferlink

import "time"

// Payload is the browser-visit data carried by a session and handed back to
// the device that resolves it. Custom entries are opaque to the engine.
type Payload struct {
	PromoID        string            `json:"promo_id,omitempty"`
	Domain         string            `json:"domain,omitempty"`
	DestinationURL string            `json:"destination_url,omitempty"`
	Custom         map[string]string `json:"custom,omitempty"`
}

// Session state values.
const (
	StatePending  = "pending"
	StateResolved = "resolved"
)

// SessionInfo is the external view of a stored session.
type SessionInfo struct {
	SessionID   string      `json:"session_id"`
	State       string      `json:"state"`
	Payload     Payload     `json:"payload"`
	Fingerprint Fingerprint `json:"fingerprint"`
	CreatedAt   time.Time   `json:"created_at"`
	ExpiresAt   time.Time   `json:"expires_at"`

	// Resolution outcome; only set once the session is resolved.
	ResolvedAt          *time.Time   `json:"resolved_at,omitempty"`
	MatchConfidence     float64      `json:"match_confidence,omitempty"`
	ResolvedFingerprint *Fingerprint `json:"resolved_fingerprint,omitempty"`
}

// IsExpired returns true if the session is past its expiry at the given time.
func (s *SessionInfo) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// CreateRequest is a browser-visit registration.
type CreateRequest struct {
	// Fingerprint is the raw attribute record collected on the browser
	// side; it is normalized before storage.
	Fingerprint Fingerprint

	// Payload is returned verbatim to whichever device resolves the
	// session.
	Payload Payload

	// TTL overrides the configured session TTL. Zero uses the default;
	// values above MaxSessionTTL are rejected.
	TTL time.Duration

	// SourceKey identifies the caller for rate accounting, typically the
	// client IP. Empty skips the abuse guard.
	SourceKey string
}

// CreateResult is returned from CreateSession.
type CreateResult struct {
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`

	// Diagnostics notes fingerprint fields the normalizer adjusted.
	Diagnostics Diagnostics `json:"diagnostics,omitempty"`
}

// ResolveRequest is a device-side resolution query.
type ResolveRequest struct {
	// Fingerprint is the raw attribute record collected on the device; it
	// is normalized before matching.
	Fingerprint Fingerprint

	// SourceKey identifies the caller for rate accounting. Empty skips
	// the abuse guard.
	SourceKey string

	// Timeout bounds the query. When it elapses mid-scan the best
	// eligible candidate found so far wins, or the result is unmatched.
	// Zero means no per-query timeout beyond the caller's context.
	Timeout time.Duration
}

// MatchResult is the outcome of one resolution query. An unsuccessful match
// is a normal result, not an error.
type MatchResult struct {
	Matched       bool      `json:"matched"`
	SessionID     string    `json:"session_id,omitempty"`
	Confidence    float64   `json:"confidence"`
	MatchedFields []string  `json:"matched_fields,omitempty"`
	Payload       *Payload  `json:"payload,omitempty"`
	ResolvedAt    time.Time `json:"resolved_at"`

	// Reason explains an unmatched result ("no_candidates",
	// "below_threshold", "lost_races").
	Reason string `json:"reason,omitempty"`
}

// Stats is the derived read model over store state and resolver outcomes.
type Stats struct {
	CreatedSessions   int64   `json:"created_sessions"`
	ResolvedSessions  int64   `json:"resolved_sessions"`
	UnmatchedResolves int64   `json:"unmatched_resolves"`
	ExpiredSessions   int64   `json:"expired_sessions"`
	PendingSessions   int     `json:"pending_sessions"`
	SuccessRate       float64 `json:"success_rate"`
	AverageConfidence float64 `json:"average_confidence"`
}
