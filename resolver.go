package deferlink

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/deferlink/deferlink/store"
)

// confidenceEpsilon is the floating tolerance within which two candidate
// scores count as tied and the tie-break rules apply.
const confidenceEpsilon = 1e-9

// Unmatched reasons.
const (
	reasonNoCandidates   = "no_candidates"
	reasonBelowThreshold = "below_threshold"
	reasonLostRaces      = "lost_races"
)

// scoredCandidate pairs a stored session with its similarity outcome.
type scoredCandidate struct {
	session       *store.Session
	confidence    float64
	matchedFields []string
}

// resolve runs one resolution query: fetch a bounded candidate set, score it,
// and consume the best eligible candidate. A consume lost to a concurrent
// resolver falls through to the next-best candidate instead of failing the
// query; running out of candidates is a normal unmatched result.
func (d *DeferLink) resolve(ctx context.Context, query Fingerprint, now time.Time) (*MatchResult, error) {
	candidates, err := d.fetchCandidates(ctx, query, now)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return &MatchResult{Matched: false, Reason: reasonNoCandidates, ResolvedAt: now}, nil
	}

	eligible := d.scoreCandidates(ctx, query, candidates)
	if len(eligible) == 0 {
		return &MatchResult{Matched: false, Reason: reasonBelowThreshold, ResolvedAt: now}, nil
	}

	sortEligible(eligible)

	resolution := store.Resolution{
		Attrs:      mustMarshalJSON(query),
		ResolvedAt: now,
	}

	// The consume runs detached from the caller's deadline: once a candidate
	// has been scored and ranked, a deadline firing mid-walk must not turn
	// the best-so-far answer into a storage fault, and an in-flight consume
	// always completes or fails atomically on its own.
	consumeCtx := context.WithoutCancel(ctx)

	for _, candidate := range eligible {
		resolution.Confidence = candidate.confidence
		err := d.store.TryConsume(consumeCtx, candidate.session.SessionID, resolution)
		switch {
		case err == nil:
			payload := payloadFromStore(candidate.session)
			return &MatchResult{
				Matched:       true,
				SessionID:     candidate.session.SessionID,
				Confidence:    candidate.confidence,
				MatchedFields: candidate.matchedFields,
				Payload:       &payload,
				ResolvedAt:    now,
			}, nil
		case errors.Is(err, store.ErrAlreadyConsumed),
			errors.Is(err, store.ErrExpired),
			errors.Is(err, store.ErrNotFound):
			// Lost the race to a concurrent resolver or the janitor;
			// fall through to the next eligible candidate.
			continue
		default:
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
	}

	return &MatchResult{Matched: false, Reason: reasonLostRaces, ResolvedAt: now}, nil
}

// fetchCandidates collects pending sessions from the buckets a query can
// plausibly match. Browser visits are filed under their own platform class
// (usually "web"), so a native query also scans the web and unknown buckets
// of its region, and the unknown region covers visits with no timezone.
func (d *DeferLink) fetchCandidates(ctx context.Context, query Fingerprint, now time.Time) ([]*store.Session, error) {
	var keys []string
	seenKeys := map[string]bool{}
	for _, region := range []string{query.TimezoneRegion(), "unknown"} {
		for _, platform := range []string{platformClass(query.Platform), "web", "unknown"} {
			key := bucketKey(platform, region)
			if !seenKeys[key] {
				seenKeys[key] = true
				keys = append(keys, key)
			}
		}
	}

	limit := d.config.CandidateLimit
	var out []*store.Session
	seen := map[string]bool{}
	for _, key := range keys {
		if len(out) >= limit {
			break
		}
		batch, err := d.store.Candidates(ctx, key, now, limit-len(out))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		for _, session := range batch {
			if !seen[session.SessionID] {
				seen[session.SessionID] = true
				out = append(out, session)
			}
		}
	}
	return out, nil
}

// scoreCandidates scores every candidate and keeps the eligible ones. When
// the caller's deadline elapses mid-scan, the candidates scored so far still
// compete; the query degrades to a partial scan rather than an error.
func (d *DeferLink) scoreCandidates(ctx context.Context, query Fingerprint, candidates []*store.Session) []scoredCandidate {
	var eligible []scoredCandidate
	for _, session := range candidates {
		if ctx.Err() != nil {
			break
		}
		confidence, matched := d.scorer.Score(query, fingerprintFromStore(session))
		if confidence >= d.config.MinConfidence && len(matched) >= d.config.MinMatchedFields {
			eligible = append(eligible, scoredCandidate{
				session:       session,
				confidence:    confidence,
				matchedFields: matched,
			})
		}
	}
	return eligible
}

// sortEligible orders candidates best-first: highest confidence, then most
// recent creation, then lowest session id. Session ids are ULIDs, so the
// final tie-break is deterministic for any fixed candidate snapshot.
func sortEligible(eligible []scoredCandidate) {
	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if math.Abs(a.confidence-b.confidence) > confidenceEpsilon {
			return a.confidence > b.confidence
		}
		if !a.session.CreatedAt.Equal(b.session.CreatedAt) {
			return a.session.CreatedAt.After(b.session.CreatedAt)
		}
		return a.session.SessionID < b.session.SessionID
	})
}
