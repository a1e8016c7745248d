package deferlink

import (
	"net/http/httptest"
	"testing"
)

func TestExtractFingerprint(t *testing.T) {
	tests := []struct {
		name         string
		userAgent    string
		acceptLang   string
		wantPlatform string
		wantLanguage string
		wantModel    string
	}{
		{
			name:         "iphone safari",
			userAgent:    "Mozilla/5.0 (iPhone; CPU iPhone OS 17_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Mobile/15E148 Safari/604.1",
			acceptLang:   "en-US,en;q=0.9",
			wantPlatform: "ios",
			wantLanguage: "en-US",
			wantModel:    "iPhone",
		},
		{
			name:         "android chrome",
			userAgent:    "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36",
			acceptLang:   "de-DE,de;q=0.8",
			wantPlatform: "android",
			wantLanguage: "de-DE",
			wantModel:    "Pixel 8",
		},
		{
			name:         "desktop chrome",
			userAgent:    "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
			wantPlatform: "web",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/dl", nil)
			r.Header.Set("User-Agent", tt.userAgent)
			if tt.acceptLang != "" {
				r.Header.Set("Accept-Language", tt.acceptLang)
			}

			fp := ExtractFingerprint(r)
			if fp.Platform != tt.wantPlatform {
				t.Errorf("expected platform %q, got %q", tt.wantPlatform, fp.Platform)
			}
			if fp.Language != tt.wantLanguage {
				t.Errorf("expected language %q, got %q", tt.wantLanguage, fp.Language)
			}
			if fp.DeviceModel != tt.wantModel {
				t.Errorf("expected model %q, got %q", tt.wantModel, fp.DeviceModel)
			}
			if fp.UserAgent != tt.userAgent {
				t.Error("expected the raw user agent to be carried")
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		want       string
	}{
		{
			name:       "x-forwarded-for first entry",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"},
			remoteAddr: "10.0.0.2:1234",
			want:       "203.0.113.7",
		},
		{
			name:       "x-real-ip",
			headers:    map[string]string{"X-Real-IP": "198.51.100.9"},
			remoteAddr: "10.0.0.2:1234",
			want:       "198.51.100.9",
		},
		{
			name:       "invalid header falls back to remote addr",
			headers:    map[string]string{"X-Forwarded-For": "not-an-ip"},
			remoteAddr: "192.0.2.4:5678",
			want:       "192.0.2.4",
		},
		{
			name:       "remote addr only",
			remoteAddr: "192.0.2.4:5678",
			want:       "192.0.2.4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := ClientIP(r); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"127.0.0.1", true},
		{"10.1.2.3", true},
		{"172.16.0.1", true},
		{"192.168.1.1", true},
		{"203.0.113.7", false},
		{"8.8.8.8", false},
		{"not-an-ip", false},
	}

	for _, tt := range tests {
		if got := IsPrivateIP(tt.ip); got != tt.want {
			t.Errorf("IsPrivateIP(%q) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}
