package deferlink

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Fingerprint is a normalized set of device/browser attributes used for
// matching. A zero value in any field means the attribute is absent; absent
// fields are excluded from similarity scoring rather than penalized.
type Fingerprint struct {
	Platform     string            `json:"platform,omitempty"`
	Language     string            `json:"language,omitempty"`
	Timezone     string            `json:"timezone,omitempty"`
	ScreenWidth  int               `json:"screen_width,omitempty"`
	ScreenHeight int               `json:"screen_height,omitempty"`
	DeviceModel  string            `json:"device_model,omitempty"`
	UserAgent    string            `json:"user_agent,omitempty"`
	Custom       map[string]string `json:"custom,omitempty"`
}

// IsEmpty returns true if no attribute is set.
func (f Fingerprint) IsEmpty() bool {
	return f.Platform == "" && f.Language == "" && f.Timezone == "" &&
		f.ScreenWidth == 0 && f.ScreenHeight == 0 &&
		f.DeviceModel == "" && f.UserAgent == "" && len(f.Custom) == 0
}

// Clone returns a deep copy of the fingerprint.
func (f Fingerprint) Clone() Fingerprint {
	out := f
	if f.Custom != nil {
		out.Custom = make(map[string]string, len(f.Custom))
		for k, v := range f.Custom {
			out.Custom[k] = v
		}
	}
	return out
}

// Patch is a sparse set of field overrides. Applying a patch to a base
// fingerprint produces a new fingerprint; the base is not modified.
// A nil pointer leaves the corresponding field untouched. An empty string
// (or zero dimension) in a set pointer clears the field. Custom entries
// are merged; an empty value removes the key.
type Patch struct {
	Platform     *string
	Language     *string
	Timezone     *string
	DeviceModel  *string
	UserAgent    *string
	ScreenWidth  *int
	ScreenHeight *int
	Custom       map[string]string
}

// Apply returns a copy of f with the patch overrides applied.
func (f Fingerprint) Apply(p Patch) Fingerprint {
	out := f.Clone()
	if p.Platform != nil {
		out.Platform = *p.Platform
	}
	if p.Language != nil {
		out.Language = *p.Language
	}
	if p.Timezone != nil {
		out.Timezone = *p.Timezone
	}
	if p.DeviceModel != nil {
		out.DeviceModel = *p.DeviceModel
	}
	if p.UserAgent != nil {
		out.UserAgent = *p.UserAgent
	}
	if p.ScreenWidth != nil {
		out.ScreenWidth = *p.ScreenWidth
	}
	if p.ScreenHeight != nil {
		out.ScreenHeight = *p.ScreenHeight
	}
	for k, v := range p.Custom {
		if v == "" {
			delete(out.Custom, k)
			continue
		}
		if out.Custom == nil {
			out.Custom = make(map[string]string)
		}
		out.Custom[k] = v
	}
	return out
}

// Hash returns a short stable digest of the identifying fields. Identical
// normalized fingerprints hash identically, which the abuse guard uses to
// spot repeated near-duplicate submissions from one source.
func (f Fingerprint) Hash() string {
	parts := []string{
		strings.ToLower(f.DeviceModel),
		strings.ToLower(f.Language),
		strings.ToLower(f.Timezone),
		fmt.Sprintf("%dx%d", f.ScreenWidth, f.ScreenHeight),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:16]
}

// TimezoneRegion returns the broad IANA region of the timezone, lower-cased
// ("America/New_York" -> "america"), or "unknown" when absent.
func (f Fingerprint) TimezoneRegion() string {
	return timezoneRegion(f.Timezone)
}

// BucketKey returns the coarse index key a browser session is filed under:
// platform class plus timezone region. Low cardinality keeps candidate
// lookups cheap without excluding plausible matches.
func (f Fingerprint) BucketKey() string {
	return bucketKey(platformClass(f.Platform), f.TimezoneRegion())
}

func bucketKey(platform, region string) string {
	return platform + "|" + region
}

func timezoneRegion(tz string) string {
	if tz == "" {
		return "unknown"
	}
	region, _, found := strings.Cut(tz, "/")
	if !found || region == "" {
		return "unknown"
	}
	return strings.ToLower(region)
}

// platformClass collapses platform identifiers into the small set used for
// bucketing. Browser visits report "web"; native resolves report the OS.
func platformClass(platform string) string {
	switch strings.ToLower(strings.TrimSpace(platform)) {
	case "ios", "iphone", "ipad", "ipados":
		return "ios"
	case "android":
		return "android"
	case "web", "browser":
		return "web"
	case "":
		return "unknown"
	default:
		return strings.ToLower(strings.TrimSpace(platform))
	}
}
