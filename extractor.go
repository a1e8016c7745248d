package deferlink

import (
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/mssola/useragent"
)

// ExtractFingerprint builds a raw fingerprint from a browser HTTP request.
// Screen geometry and timezone are not visible server-side; clients that
// collect them pass them alongside and overlay them with a Patch before the
// record is normalized.
func ExtractFingerprint(r *http.Request) Fingerprint {
	ua := r.UserAgent()
	parsed := useragent.New(ua)

	platform := "web"
	osName := strings.ToLower(parsed.OSInfo().Name)
	switch {
	case strings.Contains(osName, "iphone"), strings.Contains(osName, "ios"), strings.Contains(ua, "iPad"):
		platform = "ios"
	case strings.Contains(osName, "android"):
		platform = "android"
	}

	return Fingerprint{
		Platform:    platform,
		Language:    acceptedLanguage(r.Header.Get("Accept-Language")),
		UserAgent:   ua,
		DeviceModel: deviceModelFromUA(ua),
	}
}

// acceptedLanguage returns the first language tag of an Accept-Language
// header, without its quality weight.
func acceptedLanguage(header string) string {
	if header == "" {
		return ""
	}
	first, _, _ := strings.Cut(header, ",")
	tag, _, _ := strings.Cut(first, ";")
	return strings.TrimSpace(tag)
}

var androidModelRe = regexp.MustCompile(`Android[^;]*;\s*([^);]+)`)

// deviceModelFromUA extracts a coarse device model from a user-agent string.
// Browsers reveal far less than native code; iOS devices only expose the
// family, Android devices usually expose the marketing model.
func deviceModelFromUA(ua string) string {
	switch {
	case strings.Contains(ua, "iPhone"):
		return "iPhone"
	case strings.Contains(ua, "iPad"):
		return "iPad"
	case strings.Contains(ua, "iPod"):
		return "iPod"
	}
	if m := androidModelRe.FindStringSubmatch(ua); m != nil {
		model := strings.TrimSpace(m[1])
		if strings.HasPrefix(model, "Build/") {
			return ""
		}
		return model
	}
	return ""
}

// ClientIP extracts the client IP from an HTTP request. It checks common
// proxy headers first, then falls back to RemoteAddr.
func ClientIP(r *http.Request) string {
	// X-Forwarded-For is a comma-separated list; first entry is the client
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		ip := strings.TrimSpace(first)
		if isValidIP(ip) {
			return ip
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		ip := strings.TrimSpace(xri)
		if isValidIP(ip) {
			return ip
		}
	}

	// CF-Connecting-IP (Cloudflare)
	if cfip := r.Header.Get("CF-Connecting-IP"); cfip != "" {
		ip := strings.TrimSpace(cfip)
		if isValidIP(ip) {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr might not have a port
		return r.RemoteAddr
	}
	return host
}

// isValidIP checks if the string is a valid IP address.
func isValidIP(ip string) bool {
	return net.ParseIP(ip) != nil
}

// IsPrivateIP returns true if the IP is in a private/reserved range. Callers
// can use this to exempt health checks and internal traffic from the abuse
// guard.
func IsPrivateIP(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}

	if parsed.IsLoopback() {
		return true
	}

	privateRanges := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"fc00::/7", // IPv6 unique local
	}

	for _, cidr := range privateRanges {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if network.Contains(parsed) {
			return true
		}
	}

	return false
}
