package deferlink

import "testing"

func TestBucketKey(t *testing.T) {
	tests := []struct {
		name string
		fp   Fingerprint
		want string
	}{
		{
			name: "web visit with timezone",
			fp:   Fingerprint{Platform: "web", Timezone: "America/New_York"},
			want: "web|america",
		},
		{
			name: "ios resolve",
			fp:   Fingerprint{Platform: "iPhone", Timezone: "Europe/Berlin"},
			want: "ios|europe",
		},
		{
			name: "no timezone",
			fp:   Fingerprint{Platform: "android"},
			want: "android|unknown",
		},
		{
			name: "nothing known",
			fp:   Fingerprint{},
			want: "unknown|unknown",
		},
		{
			name: "abbreviated timezone has no region",
			fp:   Fingerprint{Platform: "web", Timezone: "UTC"},
			want: "web|unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fp.BucketKey(); got != tt.want {
				t.Errorf("expected bucket key %q, got %q", tt.want, got)
			}
		})
	}
}

func TestPlatformClass(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"ios", "ios"},
		{"iPhone", "ios"},
		{"iPadOS", "ios"},
		{"Android", "android"},
		{"browser", "web"},
		{"web", "web"},
		{"", "unknown"},
		{"Windows", "windows"},
	}

	for _, tt := range tests {
		if got := platformClass(tt.input); got != tt.want {
			t.Errorf("platformClass(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestFingerprintHashIgnoresIncidentalFields(t *testing.T) {
	base := Fingerprint{
		DeviceModel:  "iphone15,3",
		Language:     "en_us",
		Timezone:     "America/New_York",
		ScreenWidth:  393,
		ScreenHeight: 852,
	}
	withUA := base
	withUA.UserAgent = "Mozilla/5.0"

	if base.Hash() != withUA.Hash() {
		t.Error("expected hash to ignore the user agent")
	}

	other := base
	other.DeviceModel = "iphone14,2"
	if base.Hash() == other.Hash() {
		t.Error("expected hash to change with the device model")
	}
}

func TestFingerprintApplyPatch(t *testing.T) {
	base := Fingerprint{
		Platform: "web",
		Language: "en_us",
		Custom:   map[string]string{"a": "1", "b": "2"},
	}

	tz := "America/New_York"
	w, h := 390, 844
	patched := base.Apply(Patch{
		Timezone:     &tz,
		ScreenWidth:  &w,
		ScreenHeight: &h,
		Custom:       map[string]string{"b": "", "c": "3"},
	})

	if patched.Timezone != tz || patched.ScreenWidth != 390 || patched.ScreenHeight != 844 {
		t.Errorf("unexpected patched fingerprint: %+v", patched)
	}
	if patched.Platform != "web" || patched.Language != "en_us" {
		t.Error("expected untouched fields to survive the patch")
	}
	if _, ok := patched.Custom["b"]; ok {
		t.Error("expected empty patch value to remove the custom key")
	}
	if patched.Custom["c"] != "3" {
		t.Error("expected patch to add new custom keys")
	}
	if base.Timezone != "" || len(base.Custom) != 2 {
		t.Error("expected the base fingerprint to be unmodified")
	}
}
