package deferlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/deferlink/deferlink/store"
)

// DeferLink is the deferred deep-link session-matching engine. It links an
// anonymous browser visit to the same user's later app open by comparing
// environmental fingerprints collected on both sides, without any installed
// tracking identifier. A browser session is consumed by at most one
// successful resolution.
type DeferLink struct {
	config   Config
	store    store.SessionStore
	scorer   *Scorer
	guard    *AbuseGuard
	geoip    *GeoIPReader
	janitor  *janitor
	counters counters
	logger   *slog.Logger
}

// New creates a new DeferLink instance with the given configuration.
// If SessionStore is not provided, a SQLite store is created at DatabasePath.
// A background janitor sweeps expired sessions unless SweepInterval is
// negative.
func New(cfg Config) (*DeferLink, error) {
	cfg.applyDefaults()

	d := &DeferLink{
		config: cfg,
		scorer: NewScorer(cfg.Weights, cfg.ScreenTolerance, cfg.RegionFactor),
		logger: cfg.Logger,
	}

	guard, err := NewAbuseGuard(cfg.Guard)
	if err != nil {
		return nil, err
	}
	d.guard = guard

	// Session store (default: SQLite)
	if cfg.SessionStore != nil {
		d.store = cfg.SessionStore
	} else {
		sqliteStore, err := store.NewSQLite(cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("deferlink: failed to initialize SQLite store: %w", err)
		}
		d.store = sqliteStore
	}

	// GeoIP enrichment if a database path is provided
	if cfg.GeoIPDatabasePath != "" {
		geoip, err := NewGeoIPReader(cfg.GeoIPDatabasePath)
		if err != nil {
			return nil, fmt.Errorf("deferlink: failed to initialize GeoIP: %w", err)
		}
		d.geoip = geoip
	}

	if cfg.SweepInterval > 0 {
		d.janitor = d.startJanitor(cfg.SweepInterval)
	}

	return d, nil
}

// Close releases all resources held by DeferLink.
// Should be called when the application shuts down.
func (d *DeferLink) Close() error {
	var errs []error

	if d.janitor != nil {
		d.janitor.stopAndWait()
	}

	if d.store != nil {
		if err := d.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if d.geoip != nil {
		if err := d.geoip.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("deferlink: errors during close: %v", errs)
	}
	return nil
}

var promoIDRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,100}$`)

// CreateSession registers a browser visit as a pending session awaiting a
// device-side resolution. The fingerprint is normalized before storage; when
// GeoIP is configured and the visit carries no timezone, the source IP fills
// it in so the session lands in a useful bucket.
func (d *DeferLink) CreateSession(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	now := time.Now()

	if !d.guard.Admit(req.SourceKey, now) {
		return nil, ErrRateLimited
	}

	ttl := req.TTL
	switch {
	case ttl == 0:
		ttl = d.config.SessionTTL
	case ttl < 0:
		return nil, fmt.Errorf("%w: negative TTL", ErrValidation)
	case ttl > d.config.MaxSessionTTL:
		return nil, fmt.Errorf("%w: TTL exceeds %s", ErrValidation, d.config.MaxSessionTTL)
	}
	if req.Payload.PromoID != "" && !promoIDRe.MatchString(req.Payload.PromoID) {
		return nil, fmt.Errorf("%w: malformed promo id", ErrValidation)
	}
	if req.Payload.PromoID == "" && req.Payload.DestinationURL == "" {
		return nil, fmt.Errorf("%w: payload needs a promo id or destination URL", ErrValidation)
	}

	fp, diags := NormalizeFingerprint(req.Fingerprint)

	risk := d.guard.AssessRisk(req.SourceKey, fp, now)
	if risk.Score >= d.config.Guard.RiskThreshold {
		d.logger.Warn("high fraud risk on create",
			"source", req.SourceKey, "score", risk.Score, "factors", risk.Factors)
		if d.config.Guard.HardBlockRisk {
			return nil, fmt.Errorf("%w: fraud risk %.2f", ErrRateLimited, risk.Score)
		}
	}

	if d.geoip != nil && fp.Timezone == "" && req.SourceKey != "" {
		if tz, err := d.geoip.TimezoneForIP(req.SourceKey); err == nil && tz != "" {
			fp.Timezone = tz
			diags["timezone"] = "enriched:geoip"
		}
	}

	session := &store.Session{
		SessionID:      ulid.Make().String(),
		BucketKey:      fp.BucketKey(),
		State:          store.StatePending,
		PromoID:        req.Payload.PromoID,
		Domain:         req.Payload.Domain,
		DestinationURL: req.Payload.DestinationURL,
		CustomData:     mustMarshalJSON(req.Payload.Custom),
		Platform:       fp.Platform,
		Language:       fp.Language,
		Timezone:       fp.Timezone,
		ScreenWidth:    fp.ScreenWidth,
		ScreenHeight:   fp.ScreenHeight,
		DeviceModel:    fp.DeviceModel,
		UserAgent:      fp.UserAgent,
		CustomAttrs:    mustMarshalJSON(fp.Custom),
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}

	if err := d.store.Create(ctx, session); err != nil {
		if errors.Is(err, store.ErrCapacity) {
			return nil, ErrCapacity
		}
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	d.counters.created.Add(1)
	d.guard.RecordCreate(req.SourceKey, fp.Hash(), now)
	d.logger.Debug("session created",
		"session_id", session.SessionID, "bucket", session.BucketKey, "ttl", ttl)

	return &CreateResult{
		SessionID:   session.SessionID,
		ExpiresAt:   session.ExpiresAt,
		Diagnostics: diags,
	}, nil
}

// ResolveSession finds the best pending session matching a device-side
// fingerprint and consumes it. "No match found" is a normal result with
// Matched=false, never an error; errors are reserved for rejected input,
// rate limiting, and storage faults.
func (d *DeferLink) ResolveSession(ctx context.Context, req ResolveRequest) (*MatchResult, error) {
	now := time.Now()

	if !d.guard.Admit(req.SourceKey, now) {
		return nil, ErrRateLimited
	}

	fp, _ := NormalizeFingerprint(req.Fingerprint)
	if fp.IsEmpty() {
		return nil, fmt.Errorf("%w: fingerprint has no usable fields", ErrValidation)
	}

	risk := d.guard.AssessRisk(req.SourceKey, fp, now)
	if risk.Score >= d.config.Guard.RiskThreshold {
		d.logger.Warn("high fraud risk on resolve",
			"source", req.SourceKey, "score", risk.Score, "factors", risk.Factors)
		if d.config.Guard.HardBlockRisk {
			return nil, fmt.Errorf("%w: fraud risk %.2f", ErrRateLimited, risk.Score)
		}
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	result, err := d.resolve(ctx, fp, now)
	if err != nil {
		return nil, err
	}

	d.guard.RecordResolve(req.SourceKey)
	if result.Matched {
		d.counters.recordMatch(result.Confidence)
		d.logger.Debug("session resolved",
			"session_id", result.SessionID, "confidence", result.Confidence)
	} else {
		d.counters.unmatched.Add(1)
		d.logger.Debug("resolution unmatched", "reason", result.Reason)
	}
	return result, nil
}

// GetSession returns a session by id regardless of state. Resolved sessions
// stay readable for the retention window past expiry, then the janitor
// removes them and this returns ErrSessionNotFound.
func (d *DeferLink) GetSession(ctx context.Context, sessionID string) (*SessionInfo, error) {
	session, err := d.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return sessionInfoFromStore(session), nil
}

// DeleteSession hard-deletes a session in any state. Administrative use.
func (d *DeferLink) DeleteSession(ctx context.Context, sessionID string) error {
	err := d.store.Delete(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// CleanupExpired evicts expired sessions immediately and returns the count.
// Normally the janitor does this on its own schedule.
func (d *DeferLink) CleanupExpired(ctx context.Context) (int, error) {
	evicted, err := d.store.ExpireSweep(ctx, time.Now(), d.config.ResolvedRetention)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	d.counters.expired.Add(int64(evicted))
	return evicted, nil
}

// sessionInfoFromStore converts a store.Session to the public view.
func sessionInfoFromStore(s *store.Session) *SessionInfo {
	info := &SessionInfo{
		SessionID: s.SessionID,
		State:     s.State,
		Payload:   payloadFromStore(s),
		Fingerprint: Fingerprint{
			Platform:     s.Platform,
			Language:     s.Language,
			Timezone:     s.Timezone,
			ScreenWidth:  s.ScreenWidth,
			ScreenHeight: s.ScreenHeight,
			DeviceModel:  s.DeviceModel,
			UserAgent:    s.UserAgent,
			Custom:       unmarshalStringMap(s.CustomAttrs),
		},
		CreatedAt:       s.CreatedAt,
		ExpiresAt:       s.ExpiresAt,
		ResolvedAt:      s.ResolvedAt,
		MatchConfidence: s.MatchConfidence,
	}
	if s.ResolvedAttrs != "" {
		var fp Fingerprint
		if err := json.Unmarshal([]byte(s.ResolvedAttrs), &fp); err == nil {
			info.ResolvedFingerprint = &fp
		}
	}
	return info
}

func payloadFromStore(s *store.Session) Payload {
	return Payload{
		PromoID:        s.PromoID,
		Domain:         s.Domain,
		DestinationURL: s.DestinationURL,
		Custom:         unmarshalStringMap(s.CustomData),
	}
}

func fingerprintFromStore(s *store.Session) Fingerprint {
	return Fingerprint{
		Platform:     s.Platform,
		Language:     s.Language,
		Timezone:     s.Timezone,
		ScreenWidth:  s.ScreenWidth,
		ScreenHeight: s.ScreenHeight,
		DeviceModel:  s.DeviceModel,
		UserAgent:    s.UserAgent,
		Custom:       unmarshalStringMap(s.CustomAttrs),
	}
}

// mustMarshalJSON marshals values whose types cannot fail to encode; an empty
// input produces an empty string rather than "null".
func mustMarshalJSON(v any) string {
	switch m := v.(type) {
	case map[string]string:
		if len(m) == 0 {
			return ""
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func unmarshalStringMap(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}
