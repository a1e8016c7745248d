package deferlink

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const (
	riskWindow          = time.Hour
	riskHighCreateCount = 50
	riskFloodCount      = 100
	riskMinUALen        = 50
	riskDuplicateCount  = 5

	// The create-to-resolve ratio factor needs a minimum create volume
	// before it can fire; below that the ratio is noise.
	riskRatioMinCreates = 20
	riskRatioMultiple   = 10
)

// AbuseGuard performs per-source request-rate accounting and fraud-risk
// scoring ahead of the create and resolve paths. Counters are per source key;
// no cross-key coordination is needed. Source state lives in bounded LRU
// caches so a scan of many distinct sources cannot grow memory without limit.
type AbuseGuard struct {
	limit    rate.Limit
	burst    int
	limiters *lru.Cache[string, *rate.Limiter]
	sources  *lru.Cache[string, *sourceRecord]
}

// sourceRecord tracks recent activity for one source key.
type sourceRecord struct {
	mu          sync.Mutex
	createTimes []time.Time
	resolves    int64
	fpHashes    map[string]int
}

// RiskAssessment is the advisory fraud-risk output for one request.
type RiskAssessment struct {
	Score   float64  `json:"score"`
	Factors []string `json:"factors,omitempty"`
}

// NewAbuseGuard creates a guard from the given configuration.
func NewAbuseGuard(cfg GuardConfig) (*AbuseGuard, error) {
	limiters, err := lru.New[string, *rate.Limiter](cfg.MaxTrackedSources)
	if err != nil {
		return nil, fmt.Errorf("deferlink: failed to create limiter cache: %w", err)
	}
	sources, err := lru.New[string, *sourceRecord](cfg.MaxTrackedSources)
	if err != nil {
		return nil, fmt.Errorf("deferlink: failed to create source cache: %w", err)
	}

	return &AbuseGuard{
		limit:    rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst:    cfg.Burst,
		limiters: limiters,
		sources:  sources,
	}, nil
}

// Admit reports whether the source may proceed. An empty source key is always
// admitted; rate limiting below zero requests per minute disables the check.
func (g *AbuseGuard) Admit(sourceKey string, now time.Time) bool {
	if sourceKey == "" || g.limit < 0 {
		return true
	}
	limiter, ok := g.limiters.Get(sourceKey)
	if !ok {
		limiter = rate.NewLimiter(g.limit, g.burst)
		// A concurrent Add for the same key just wastes one limiter.
		g.limiters.Add(sourceKey, limiter)
	}
	return limiter.AllowN(now, 1)
}

// AssessRisk scores how likely a request is adversarial: creation floods,
// lopsided create-to-resolve ratios, repeated near-duplicate fingerprints,
// and implausibly sparse fingerprints all raise the score. Advisory by default; DeferLink turns it into a denial
// only when HardBlockRisk is configured.
func (g *AbuseGuard) AssessRisk(sourceKey string, fp Fingerprint, now time.Time) RiskAssessment {
	var assessment RiskAssessment

	if fp.UserAgent != "" && len(fp.UserAgent) < riskMinUALen {
		assessment.Score += 0.2
		assessment.Factors = append(assessment.Factors, "short_user_agent")
	}

	missing := 0
	if fp.Timezone == "" {
		missing++
	}
	if fp.Language == "" {
		missing++
	}
	if fp.DeviceModel == "" {
		missing++
	}
	if missing >= 2 {
		assessment.Score += 0.3
		assessment.Factors = append(assessment.Factors, "sparse_fingerprint")
	}

	if sourceKey != "" {
		record := g.record(sourceKey)
		record.mu.Lock()
		creates := record.recentCreatesLocked(now)
		resolves := record.resolves
		duplicates := record.fpHashes[fp.Hash()]
		record.mu.Unlock()

		if creates > riskHighCreateCount {
			assessment.Score += 0.3
			assessment.Factors = append(assessment.Factors, "high_create_rate")
		}
		if creates > riskFloodCount {
			assessment.Score += 0.5
			assessment.Factors = append(assessment.Factors, "create_flood")
		}
		if duplicates > riskDuplicateCount {
			assessment.Score += 0.2
			assessment.Factors = append(assessment.Factors, "duplicate_fingerprints")
		}
		// A source that mass-creates sessions but almost never resolves any
		// is farming pending sessions rather than serving real visits.
		if creates >= riskRatioMinCreates && int64(creates) > resolves*riskRatioMultiple {
			assessment.Score += 0.2
			assessment.Factors = append(assessment.Factors, "lopsided_create_ratio")
		}
	}

	if assessment.Score > 1.0 {
		assessment.Score = 1.0
	}
	return assessment
}

// RecordCreate accounts a successful session creation for the source.
func (g *AbuseGuard) RecordCreate(sourceKey string, fpHash string, now time.Time) {
	if sourceKey == "" {
		return
	}
	record := g.record(sourceKey)
	record.mu.Lock()
	defer record.mu.Unlock()

	record.createTimes = append(record.createTimes, now)
	record.recentCreatesLocked(now) // prunes the window
	if record.fpHashes == nil {
		record.fpHashes = make(map[string]int)
	}
	record.fpHashes[fpHash]++
}

// RecordResolve accounts a resolution attempt for the source.
func (g *AbuseGuard) RecordResolve(sourceKey string) {
	if sourceKey == "" {
		return
	}
	record := g.record(sourceKey)
	record.mu.Lock()
	record.resolves++
	record.mu.Unlock()
}

func (g *AbuseGuard) record(sourceKey string) *sourceRecord {
	if record, ok := g.sources.Get(sourceKey); ok {
		return record
	}
	record := &sourceRecord{}
	if prev, ok, _ := g.sources.PeekOrAdd(sourceKey, record); ok {
		return prev
	}
	return record
}

// recentCreatesLocked prunes create timestamps older than the risk window and
// returns how many remain. Caller holds the record lock.
func (r *sourceRecord) recentCreatesLocked(now time.Time) int {
	cutoff := now.Add(-riskWindow)
	kept := r.createTimes[:0]
	for _, t := range r.createTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.createTimes = kept
	return len(kept)
}
