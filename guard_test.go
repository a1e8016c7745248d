package deferlink

import (
	"fmt"
	"testing"
	"time"
)

func newTestGuard(t *testing.T, cfg GuardConfig) *AbuseGuard {
	t.Helper()
	if cfg.MaxTrackedSources == 0 {
		cfg.MaxTrackedSources = 1024
	}
	guard, err := NewAbuseGuard(cfg)
	if err != nil {
		t.Fatalf("failed to create guard: %v", err)
	}
	return guard
}

func TestAdmitBurstThenDeny(t *testing.T) {
	guard := newTestGuard(t, GuardConfig{RequestsPerMinute: 60, Burst: 10})
	now := time.Now()

	for i := 0; i < 10; i++ {
		if !guard.Admit("1.2.3.4", now) {
			t.Fatalf("expected request %d within burst to be admitted", i)
		}
	}
	if guard.Admit("1.2.3.4", now) {
		t.Error("expected request past burst to be denied")
	}

	// Other sources are unaffected.
	if !guard.Admit("5.6.7.8", now) {
		t.Error("expected a fresh source to be admitted")
	}

	// Tokens refill over time: one second at 60/min buys one request.
	if !guard.Admit("1.2.3.4", now.Add(time.Second)) {
		t.Error("expected a refilled token after one second")
	}
}

func TestAdmitEmptySourceAndDisabledLimit(t *testing.T) {
	guard := newTestGuard(t, GuardConfig{RequestsPerMinute: 60, Burst: 1})
	now := time.Now()

	for i := 0; i < 100; i++ {
		if !guard.Admit("", now) {
			t.Fatal("expected empty source key to always be admitted")
		}
	}

	unlimited := newTestGuard(t, GuardConfig{RequestsPerMinute: -1, Burst: 1})
	for i := 0; i < 100; i++ {
		if !unlimited.Admit("1.2.3.4", now) {
			t.Fatal("expected disabled rate limit to admit everything")
		}
	}
}

func TestAssessRiskSparseFingerprint(t *testing.T) {
	guard := newTestGuard(t, GuardConfig{RequestsPerMinute: 60, Burst: 10})
	now := time.Now()

	full := Fingerprint{
		Timezone:    "America/New_York",
		Language:    "en_us",
		DeviceModel: "iphone15,3",
		UserAgent:   "Mozilla/5.0 (iPhone; CPU iPhone OS 17_2 like Mac OS X) AppleWebKit/605.1.15",
	}
	if risk := guard.AssessRisk("1.2.3.4", full, now); risk.Score != 0 {
		t.Errorf("expected zero risk for a full fingerprint, got %f (%v)", risk.Score, risk.Factors)
	}

	sparse := Fingerprint{UserAgent: "curl/8.0"}
	risk := guard.AssessRisk("1.2.3.4", sparse, now)
	if risk.Score < 0.5 {
		t.Errorf("expected short UA plus missing fields to score at least 0.5, got %f", risk.Score)
	}
	if !hasFactor(risk, "short_user_agent") || !hasFactor(risk, "sparse_fingerprint") {
		t.Errorf("expected short_user_agent and sparse_fingerprint factors, got %v", risk.Factors)
	}
}

func TestAssessRiskCreateFlood(t *testing.T) {
	guard := newTestGuard(t, GuardConfig{RequestsPerMinute: 60, Burst: 10})
	now := time.Now()

	fp := Fingerprint{Timezone: "America/New_York", Language: "en_us", DeviceModel: "pixel 8"}

	for i := 0; i < 51; i++ {
		distinct := fp
		distinct.DeviceModel = fmt.Sprintf("model-%d", i)
		guard.RecordCreate("1.2.3.4", distinct.Hash(), now)
	}
	risk := guard.AssessRisk("1.2.3.4", fp, now)
	if !hasFactor(risk, "high_create_rate") {
		t.Errorf("expected high_create_rate after 51 creates, got %v", risk.Factors)
	}
	if hasFactor(risk, "create_flood") {
		t.Errorf("did not expect create_flood below 100 creates, got %v", risk.Factors)
	}

	for i := 0; i < 50; i++ {
		guard.RecordCreate("1.2.3.4", fp.Hash(), now)
	}
	risk = guard.AssessRisk("1.2.3.4", fp, now)
	if !hasFactor(risk, "create_flood") {
		t.Errorf("expected create_flood past 100 creates, got %v", risk.Factors)
	}
	if !hasFactor(risk, "duplicate_fingerprints") {
		t.Errorf("expected duplicate_fingerprints for repeated hashes, got %v", risk.Factors)
	}
	if risk.Score > 1.0 {
		t.Errorf("expected score clamped to 1.0, got %f", risk.Score)
	}
}

func TestAssessRiskLopsidedCreateRatio(t *testing.T) {
	guard := newTestGuard(t, GuardConfig{RequestsPerMinute: 60, Burst: 10})
	now := time.Now()

	fp := Fingerprint{Timezone: "America/New_York", Language: "en_us", DeviceModel: "pixel 8"}
	for i := 0; i < 20; i++ {
		distinct := fp
		distinct.DeviceModel = fmt.Sprintf("model-%d", i)
		guard.RecordCreate("1.2.3.4", distinct.Hash(), now)
	}

	// Twenty creates and not a single resolve from the same source.
	risk := guard.AssessRisk("1.2.3.4", fp, now)
	if !hasFactor(risk, "lopsided_create_ratio") {
		t.Errorf("expected lopsided_create_ratio with zero resolves, got %v", risk.Factors)
	}
	if hasFactor(risk, "high_create_rate") {
		t.Errorf("did not expect high_create_rate at 20 creates, got %v", risk.Factors)
	}

	// Resolves keeping rough pace clear the factor.
	guard.RecordResolve("1.2.3.4")
	guard.RecordResolve("1.2.3.4")
	risk = guard.AssessRisk("1.2.3.4", fp, now)
	if hasFactor(risk, "lopsided_create_ratio") {
		t.Errorf("expected the ratio factor to clear once resolves arrive, got %v", risk.Factors)
	}
}

func TestAssessRiskWindowExpiry(t *testing.T) {
	guard := newTestGuard(t, GuardConfig{RequestsPerMinute: 60, Burst: 10})
	start := time.Now()

	fp := Fingerprint{Timezone: "America/New_York", Language: "en_us", DeviceModel: "pixel 8"}
	for i := 0; i < 60; i++ {
		distinct := fp
		distinct.DeviceModel = fmt.Sprintf("model-%d", i)
		guard.RecordCreate("1.2.3.4", distinct.Hash(), start)
	}

	risk := guard.AssessRisk("1.2.3.4", fp, start.Add(2*time.Hour))
	if hasFactor(risk, "high_create_rate") {
		t.Errorf("expected creates outside the window to be forgotten, got %v", risk.Factors)
	}
}

func hasFactor(risk RiskAssessment, factor string) bool {
	for _, f := range risk.Factors {
		if f == factor {
			return true
		}
	}
	return false
}
