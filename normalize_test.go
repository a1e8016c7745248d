package deferlink

import (
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestNormalizeLanguage(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		diag  string
	}{
		{name: "already canonical", input: "en_us", want: "en_us"},
		{name: "hyphen to underscore", input: "en-US", want: "en_us"},
		{name: "uppercase", input: "EN_US", want: "en_us"},
		{name: "bare tag expanded", input: "en", want: "en_us", diag: "expanded:bare_tag"},
		{name: "bare russian", input: "ru", want: "ru_ru", diag: "expanded:bare_tag"},
		{name: "unknown bare tag kept", input: "fi", want: "fi"},
		{name: "whitespace trimmed", input: "  de-DE ", want: "de_de"},
		{name: "overlong dropped", input: strings.Repeat("x", 11), want: "", diag: "dropped:too_long"},
		{name: "empty", input: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fp, diags := NormalizeFingerprint(Fingerprint{Language: tt.input})
			if fp.Language != tt.want {
				t.Errorf("expected language %q, got %q", tt.want, fp.Language)
			}
			if diags["language"] != tt.diag {
				t.Errorf("expected diagnostic %q, got %q", tt.diag, diags["language"])
			}
		})
	}
}

func TestNormalizeScreenDimensions(t *testing.T) {
	tests := []struct {
		name  string
		input int
		want  int
		diag  string
	}{
		{name: "typical", input: 1920, want: 1920},
		{name: "zero is absent", input: 0, want: 0},
		{name: "negative dropped", input: -100, want: 0, diag: "dropped:out_of_range"},
		{name: "implausibly large dropped", input: 100000, want: 0, diag: "dropped:out_of_range"},
		{name: "boundary kept", input: 16384, want: 16384},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fp, diags := NormalizeFingerprint(Fingerprint{ScreenWidth: tt.input})
			if fp.ScreenWidth != tt.want {
				t.Errorf("expected width %d, got %d", tt.want, fp.ScreenWidth)
			}
			if diags["screen_width"] != tt.diag {
				t.Errorf("expected diagnostic %q, got %q", tt.diag, diags["screen_width"])
			}
		})
	}
}

func TestNormalizeTruncation(t *testing.T) {
	fp, diags := NormalizeFingerprint(Fingerprint{
		DeviceModel: strings.Repeat("M", 100),
		UserAgent:   strings.Repeat("u", 600),
	})

	if len(fp.DeviceModel) != 64 {
		t.Errorf("expected device model truncated to 64, got %d", len(fp.DeviceModel))
	}
	if diags["device_model"] != "truncated" {
		t.Errorf("expected device_model truncation diagnostic, got %q", diags["device_model"])
	}
	if len(fp.UserAgent) != 512 {
		t.Errorf("expected user agent truncated to 512, got %d", len(fp.UserAgent))
	}
	if diags["user_agent"] != "truncated" {
		t.Errorf("expected user_agent truncation diagnostic, got %q", diags["user_agent"])
	}
}

func TestNormalizeTruncatesOnRuneBoundary(t *testing.T) {
	// 63 ASCII bytes followed by a two-byte rune straddling the 64-byte cap.
	model := strings.Repeat("m", 63) + "é"
	fp, diags := NormalizeFingerprint(Fingerprint{DeviceModel: model})

	if !utf8.ValidString(fp.DeviceModel) {
		t.Errorf("expected valid UTF-8 after truncation, got %q", fp.DeviceModel)
	}
	if len(fp.DeviceModel) != 63 {
		t.Errorf("expected the straddling rune dropped (63 bytes), got %d", len(fp.DeviceModel))
	}
	if diags["device_model"] != "truncated" {
		t.Errorf("expected truncation diagnostic, got %q", diags["device_model"])
	}

	value := strings.Repeat("v", 255) + "ü"
	fp, _ = NormalizeFingerprint(Fingerprint{Custom: map[string]string{"k": value}})
	if !utf8.ValidString(fp.Custom["k"]) {
		t.Errorf("expected valid UTF-8 custom value, got %q", fp.Custom["k"])
	}
	if len(fp.Custom["k"]) != 255 {
		t.Errorf("expected 255 bytes after boundary truncation, got %d", len(fp.Custom["k"]))
	}
}

func TestNormalizeCustomAttributes(t *testing.T) {
	fp, _ := NormalizeFingerprint(Fingerprint{
		Custom: map[string]string{
			"Carrier":  " tmobile ",
			"":         "dropped",
			"emptyval": "",
		},
	})

	if len(fp.Custom) != 1 {
		t.Fatalf("expected 1 custom attribute, got %d: %v", len(fp.Custom), fp.Custom)
	}
	if fp.Custom["carrier"] != "tmobile" {
		t.Errorf("expected carrier=tmobile, got %q", fp.Custom["carrier"])
	}
}

func TestNormalizeCustomFieldLimit(t *testing.T) {
	custom := make(map[string]string)
	for c := 'a'; c <= 'z'; c++ {
		custom["key_"+string(c)] = "v"
	}

	fp, diags := NormalizeFingerprint(Fingerprint{Custom: custom})
	if len(fp.Custom) != maxCustomFields {
		t.Errorf("expected %d custom attributes, got %d", maxCustomFields, len(fp.Custom))
	}
	if diags["custom"] != "truncated:too_many_fields" {
		t.Errorf("expected too_many_fields diagnostic, got %q", diags["custom"])
	}

	// The cap keeps the lexically-first keys, so identical raw records
	// always normalize to the same attribute set.
	if _, ok := fp.Custom["key_a"]; !ok {
		t.Errorf("expected key_a to survive the cap, got %v", fp.Custom)
	}
	if _, ok := fp.Custom["key_p"]; !ok {
		t.Errorf("expected key_p (16th key) to survive the cap, got %v", fp.Custom)
	}
	if _, ok := fp.Custom["key_q"]; ok {
		t.Errorf("expected key_q (17th key) to be dropped, got %v", fp.Custom)
	}

	again, _ := NormalizeFingerprint(Fingerprint{Custom: custom})
	if !reflect.DeepEqual(fp.Custom, again.Custom) {
		t.Errorf("expected deterministic normalization, got %v vs %v", fp.Custom, again.Custom)
	}
}

func TestNormalizeIsDeterministic(t *testing.T) {
	raw := Fingerprint{
		Platform:    "iOS",
		Language:    "en-US",
		Timezone:    " America/New_York ",
		DeviceModel: "iPhone15,3",
	}

	a, _ := NormalizeFingerprint(raw)
	b, _ := NormalizeFingerprint(raw)
	if a.Hash() != b.Hash() {
		t.Error("expected identical inputs to normalize to identical hashes")
	}
	if a.Platform != "ios" || a.Language != "en_us" || a.Timezone != "America/New_York" || a.DeviceModel != "iphone15,3" {
		t.Errorf("unexpected normalization: %+v", a)
	}
}
