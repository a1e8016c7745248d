package deferlink

import (
	"log/slog"
	"time"

	"github.com/deferlink/deferlink/store"
)

// Config contains configuration options for DeferLink.
type Config struct {
	// SessionTTL is how long a browser session stays eligible for
	// resolution when the create request does not specify a TTL.
	// Default: 48 hours.
	SessionTTL time.Duration

	// MaxSessionTTL caps caller-supplied TTLs.
	// Default: 168 hours (7 days).
	MaxSessionTTL time.Duration

	// ResolvedRetention is how long resolved sessions remain readable by
	// id after their expiry before the janitor hard-deletes them.
	// Default: 1 hour.
	ResolvedRetention time.Duration

	// SweepInterval is how often the janitor evicts expired sessions.
	// A negative value disables the background sweep; CleanupExpired can
	// still be called manually.
	// Default: 30 minutes.
	SweepInterval time.Duration

	// CandidateLimit bounds how many pending sessions one resolve query
	// scores. Default: 50.
	CandidateLimit int

	// MinConfidence is the minimum similarity score a candidate needs to
	// be eligible as a winner. Default: 0.50.
	MinConfidence float64

	// MinMatchedFields is the minimum number of fully-agreeing fields a
	// candidate needs to be eligible. Default: 2.
	MinMatchedFields int

	// ScreenTolerance is the maximum pixel difference at which a screen
	// dimension still contributes weight; the contribution scales down
	// linearly with the difference. Accounts for OS chrome and status-bar
	// offsets between web and native measurements. Default: 120.
	ScreenTolerance int

	// RegionFactor is the fraction of the timezone weight granted when
	// two timezones differ but share an IANA region. Default: 0.5.
	RegionFactor float64

	// Weights configures per-field similarity weights.
	// Zero value: DefaultWeights().
	Weights Weights

	// Guard configures the abuse guard.
	Guard GuardConfig

	// GeoIPDatabasePath is the path to a MaxMind GeoLite2-City.mmdb file.
	// When set, create requests with an absent timezone are enriched from
	// the source IP.
	GeoIPDatabasePath string

	// SessionStore is the storage backend for sessions.
	// Default: SQLite store at DatabasePath.
	SessionStore store.SessionStore

	// DatabasePath is the path for the default SQLite database.
	// Only used if SessionStore is nil. Default: "deferlink.db".
	DatabasePath string

	// Logger receives operational logs. Default: discard.
	Logger *slog.Logger
}

// Weights holds the per-field similarity weights. Weights need not sum to 1;
// confidence is normalized by the total weight of comparable fields.
type Weights struct {
	Timezone     float64
	Language     float64
	DeviceModel  float64
	ScreenWidth  float64
	ScreenHeight float64
	Platform     float64
	UserAgent    float64

	// CustomKey is the weight of each custom attribute present on both
	// sides of a comparison.
	CustomKey float64
}

// DefaultWeights returns the default field weights. Timezone and language are
// the most stable attributes across a browser/native boundary; the user-agent
// string is the least reliable.
func DefaultWeights() Weights {
	return Weights{
		Timezone:     0.35,
		Language:     0.20,
		DeviceModel:  0.15,
		ScreenWidth:  0.125,
		ScreenHeight: 0.125,
		Platform:     0.10,
		UserAgent:    0.05,
		CustomKey:    0.02,
	}
}

// GuardConfig configures the abuse guard.
type GuardConfig struct {
	// RequestsPerMinute is the sustained per-source request rate.
	// Default: 60. A negative value disables rate limiting.
	RequestsPerMinute int

	// Burst is the per-source burst allowance. Default: 10.
	Burst int

	// RiskThreshold is the fraud-risk score above which a source is
	// denied when HardBlockRisk is set. Default: 0.8.
	RiskThreshold float64

	// HardBlockRisk turns the advisory fraud-risk score into a hard
	// denial. Default: false (advisory only).
	HardBlockRisk bool

	// MaxTrackedSources bounds the number of sources with live counters.
	// Default: 65536.
	MaxTrackedSources int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SessionTTL:        48 * time.Hour,
		MaxSessionTTL:     168 * time.Hour,
		ResolvedRetention: time.Hour,
		SweepInterval:     30 * time.Minute,
		CandidateLimit:    50,
		MinConfidence:     0.50,
		MinMatchedFields:  2,
		ScreenTolerance:   120,
		RegionFactor:      0.5,
		Weights:           DefaultWeights(),
		Guard: GuardConfig{
			RequestsPerMinute: 60,
			Burst:             10,
			RiskThreshold:     0.8,
			MaxTrackedSources: 65536,
		},
		DatabasePath: "deferlink.db",
	}
}

// applyDefaults fills in default values for zero-value fields.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	if c.SessionTTL <= 0 {
		c.SessionTTL = defaults.SessionTTL
	}
	if c.MaxSessionTTL <= 0 {
		c.MaxSessionTTL = defaults.MaxSessionTTL
	}
	if c.ResolvedRetention <= 0 {
		c.ResolvedRetention = defaults.ResolvedRetention
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = defaults.SweepInterval
	}
	if c.CandidateLimit <= 0 {
		c.CandidateLimit = defaults.CandidateLimit
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = defaults.MinConfidence
	}
	if c.MinMatchedFields <= 0 {
		c.MinMatchedFields = defaults.MinMatchedFields
	}
	if c.ScreenTolerance <= 0 {
		c.ScreenTolerance = defaults.ScreenTolerance
	}
	if c.RegionFactor <= 0 {
		c.RegionFactor = defaults.RegionFactor
	}
	if c.Weights == (Weights{}) {
		c.Weights = defaults.Weights
	}
	if c.Guard.RequestsPerMinute == 0 {
		c.Guard.RequestsPerMinute = defaults.Guard.RequestsPerMinute
	}
	if c.Guard.Burst <= 0 {
		c.Guard.Burst = defaults.Guard.Burst
	}
	if c.Guard.RiskThreshold <= 0 {
		c.Guard.RiskThreshold = defaults.Guard.RiskThreshold
	}
	if c.Guard.MaxTrackedSources <= 0 {
		c.Guard.MaxTrackedSources = defaults.Guard.MaxTrackedSources
	}
	if c.DatabasePath == "" {
		c.DatabasePath = defaults.DatabasePath
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}
