package deferlink

import (
	"math"
	"reflect"
	"testing"
)

func defaultScorer() *Scorer {
	return NewScorer(DefaultWeights(), 120, 0.5)
}

func TestScoreIdenticalFingerprints(t *testing.T) {
	fp := Fingerprint{
		Platform:     "ios",
		Language:     "en_us",
		Timezone:     "America/New_York",
		ScreenWidth:  393,
		ScreenHeight: 852,
		DeviceModel:  "iphone15,3",
	}

	confidence, matched := defaultScorer().Score(fp, fp)
	if math.Abs(confidence-1.0) > 1e-9 {
		t.Errorf("expected confidence 1.0, got %f", confidence)
	}
	want := []string{"device_model", "language", "platform", "screen_height", "screen_width", "timezone"}
	if !reflect.DeepEqual(matched, want) {
		t.Errorf("expected matched fields %v, got %v", want, matched)
	}
}

func TestScoreNoComparableFields(t *testing.T) {
	query := Fingerprint{Language: "en_us", Timezone: "America/New_York"}
	candidate := Fingerprint{DeviceModel: "pixel 8", ScreenWidth: 1080, ScreenHeight: 2400}

	confidence, matched := defaultScorer().Score(query, candidate)
	if confidence != 0 {
		t.Errorf("expected confidence 0, got %f", confidence)
	}
	if matched != nil {
		t.Errorf("expected no matched fields, got %v", matched)
	}
}

func TestScoreCrossPlatformVisit(t *testing.T) {
	// Desktop browser visit later resolved by an iPhone: platform and screen
	// disagree, but language and timezone carry the match over the default
	// threshold.
	candidate := Fingerprint{
		Platform:     "web",
		Language:     "en_us",
		Timezone:     "America/New_York",
		ScreenWidth:  1920,
		ScreenHeight: 1080,
	}
	query := Fingerprint{
		Platform:     "ios",
		Language:     "en_us",
		Timezone:     "America/New_York",
		ScreenWidth:  393,
		ScreenHeight: 852,
		DeviceModel:  "iphone15,3",
	}

	confidence, matched := defaultScorer().Score(query, candidate)

	// Comparable weight: platform .10 + language .20 + timezone .35 +
	// screen .25 = .90; device model is absent on the candidate side and
	// excluded. Achieved: language + timezone = .55.
	want := 0.55 / 0.90
	if math.Abs(confidence-want) > 1e-9 {
		t.Errorf("expected confidence %f, got %f", want, confidence)
	}
	wantFields := []string{"language", "timezone"}
	if !reflect.DeepEqual(matched, wantFields) {
		t.Errorf("expected matched fields %v, got %v", wantFields, matched)
	}
}

func TestScoreTimezoneRegion(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		candidate  string
		confidence float64
		fullMatch  bool
	}{
		{
			name:       "exact timezone",
			query:      "America/New_York",
			candidate:  "America/New_York",
			confidence: 1.0,
			fullMatch:  true,
		},
		{
			name:       "same region different city",
			query:      "America/New_York",
			candidate:  "America/Chicago",
			confidence: 0.5,
		},
		{
			name:       "different region",
			query:      "America/New_York",
			candidate:  "Europe/London",
			confidence: 0.0,
		},
	}

	scorer := defaultScorer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			confidence, matched := scorer.Score(
				Fingerprint{Timezone: tt.query},
				Fingerprint{Timezone: tt.candidate},
			)
			if math.Abs(confidence-tt.confidence) > 1e-9 {
				t.Errorf("expected confidence %f, got %f", tt.confidence, confidence)
			}
			gotFull := len(matched) == 1 && matched[0] == FieldTimezone
			if gotFull != tt.fullMatch {
				t.Errorf("expected full match %v, got matched %v", tt.fullMatch, matched)
			}
		})
	}
}

func TestScoreScreenTolerance(t *testing.T) {
	tests := []struct {
		name       string
		queryDim   int
		candDim    int
		confidence float64
	}{
		{name: "exact dimensions", queryDim: 1000, candDim: 1000, confidence: 1.0},
		{name: "half tolerance", queryDim: 1000, candDim: 1060, confidence: 0.5},
		{name: "at tolerance", queryDim: 1000, candDim: 1120, confidence: 0.0},
		{name: "past tolerance", queryDim: 1000, candDim: 2000, confidence: 0.0},
	}

	scorer := defaultScorer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			confidence, _ := scorer.Score(
				Fingerprint{ScreenWidth: tt.queryDim, ScreenHeight: tt.queryDim},
				Fingerprint{ScreenWidth: tt.candDim, ScreenHeight: tt.candDim},
			)
			if math.Abs(confidence-tt.confidence) > 1e-9 {
				t.Errorf("expected confidence %f, got %f", tt.confidence, confidence)
			}
		})
	}
}

func TestScorePlatformClassEquivalence(t *testing.T) {
	confidence, matched := defaultScorer().Score(
		Fingerprint{Platform: "iphone"},
		Fingerprint{Platform: "ios"},
	)
	if confidence != 1.0 {
		t.Errorf("expected iphone and ios to compare equal, got %f", confidence)
	}
	if len(matched) != 1 || matched[0] != FieldPlatform {
		t.Errorf("expected platform match, got %v", matched)
	}
}

func TestScoreCustomAttributes(t *testing.T) {
	query := Fingerprint{
		Language: "en_us",
		Custom:   map[string]string{"carrier": "tmobile", "theme": "dark"},
	}
	candidate := Fingerprint{
		Language: "en_us",
		Custom:   map[string]string{"carrier": "tmobile", "theme": "light"},
	}

	// language .20 + 2 custom keys at .02 each comparable; one custom
	// disagrees.
	confidence, matched := defaultScorer().Score(query, candidate)
	want := 0.22 / 0.24
	if math.Abs(confidence-want) > 1e-9 {
		t.Errorf("expected confidence %f, got %f", want, confidence)
	}
	wantFields := []string{"custom.carrier", "language"}
	if !reflect.DeepEqual(matched, wantFields) {
		t.Errorf("expected matched fields %v, got %v", wantFields, matched)
	}
}

func TestScoreUserAgentFacets(t *testing.T) {
	browserUA := "Mozilla/5.0 (iPhone; CPU iPhone OS 17_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Mobile/15E148 Safari/604.1"
	nativeUA := "MyApp/2.1 (iPhone; iOS 17_2; Scale/3.00) Mobile WebKit"
	desktopUA := "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

	scorer := defaultScorer()

	same, _ := scorer.Score(Fingerprint{UserAgent: browserUA}, Fingerprint{UserAgent: nativeUA})
	other, _ := scorer.Score(Fingerprint{UserAgent: browserUA}, Fingerprint{UserAgent: desktopUA})
	if same <= other {
		t.Errorf("expected same-device UAs to score higher: same=%f other=%f", same, other)
	}

	full, matched := scorer.Score(Fingerprint{UserAgent: browserUA}, Fingerprint{UserAgent: browserUA})
	if full != 1.0 {
		t.Errorf("expected identical UAs to score 1.0, got %f", full)
	}
	if len(matched) != 1 || matched[0] != FieldUserAgent {
		t.Errorf("expected user_agent match, got %v", matched)
	}
}

func TestScoreSymmetricExclusion(t *testing.T) {
	// A field missing on the query side must also be excluded, not just
	// fields missing on the candidate side.
	query := Fingerprint{Language: "en_us"}
	candidate := Fingerprint{Language: "en_us", Timezone: "America/New_York", DeviceModel: "pixel 8"}

	confidence, _ := defaultScorer().Score(query, candidate)
	if confidence != 1.0 {
		t.Errorf("expected confidence 1.0 on the single comparable field, got %f", confidence)
	}
}
