package deferlink

import (
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	maxLanguageLen    = 10
	maxTimezoneLen    = 50
	maxDeviceModelLen = 64
	maxUserAgentLen   = 512
	maxCustomKeyLen   = 64
	maxCustomValueLen = 256
	maxCustomFields   = 16
	maxScreenDim      = 16384
)

// Diagnostics notes fields the normalizer altered or dropped, keyed by field
// name. Values are short machine-readable hints such as "truncated" or
// "dropped:out_of_range".
type Diagnostics map[string]string

// Bare language tags are expanded to their most common full locale so that a
// browser reporting "en" and a device reporting "en-US" compare equal.
var bareLanguageLocales = map[string]string{
	"en": "en_us",
	"ru": "ru_ru",
	"de": "de_de",
	"fr": "fr_fr",
	"es": "es_es",
	"it": "it_it",
	"ja": "ja_jp",
	"ko": "ko_kr",
	"zh": "zh_cn",
	"pt": "pt_br",
}

// NormalizeFingerprint canonicalizes a raw fingerprint. It is a pure function
// and never fails: unparseable or out-of-range fields are dropped to absent,
// overlong fields are truncated, and every such adjustment is recorded in the
// returned diagnostics. Two fingerprints with identical canonical values
// compare as exact matches on those fields.
func NormalizeFingerprint(raw Fingerprint) (Fingerprint, Diagnostics) {
	diags := Diagnostics{}
	out := Fingerprint{}

	out.Platform = strings.ToLower(strings.TrimSpace(raw.Platform))

	out.Language = normalizeLanguage(raw.Language, diags)
	out.Timezone = normalizeTimezone(raw.Timezone, diags)

	out.ScreenWidth = normalizeDimension("screen_width", raw.ScreenWidth, diags)
	out.ScreenHeight = normalizeDimension("screen_height", raw.ScreenHeight, diags)

	out.DeviceModel = truncate("device_model", strings.ToLower(strings.TrimSpace(raw.DeviceModel)), maxDeviceModelLen, diags)
	out.UserAgent = truncate("user_agent", strings.TrimSpace(raw.UserAgent), maxUserAgentLen, diags)

	out.Custom = normalizeCustom(raw.Custom, diags)

	return out, diags
}

func normalizeLanguage(lang string, diags Diagnostics) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" {
		return ""
	}
	if len(lang) > maxLanguageLen {
		diags["language"] = "dropped:too_long"
		return ""
	}
	lang = strings.ReplaceAll(lang, "-", "_")
	if full, ok := bareLanguageLocales[lang]; ok {
		diags["language"] = "expanded:bare_tag"
		return full
	}
	return lang
}

func normalizeTimezone(tz string, diags Diagnostics) string {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return ""
	}
	if len(tz) > maxTimezoneLen {
		diags["timezone"] = "dropped:too_long"
		return ""
	}
	return tz
}

func normalizeDimension(field string, v int, diags Diagnostics) int {
	if v == 0 {
		return 0
	}
	if v < 0 || v > maxScreenDim {
		diags[field] = "dropped:out_of_range"
		return 0
	}
	return v
}

func truncate(field, v string, max int, diags Diagnostics) string {
	if len(v) > max {
		diags[field] = "truncated"
		return cutAtRuneBoundary(v, max)
	}
	return v
}

// cutAtRuneBoundary shortens v to at most max bytes without splitting a
// multi-byte rune, so truncated canonical fields stay valid UTF-8.
func cutAtRuneBoundary(v string, max int) string {
	cut := max
	for cut > 0 && !utf8.RuneStart(v[cut]) {
		cut--
	}
	return v[:cut]
}

// normalizeCustom canonicalizes custom attributes. The field cap is applied in
// key order so identical raw records always normalize identically.
func normalizeCustom(custom map[string]string, diags Diagnostics) map[string]string {
	if len(custom) == 0 {
		return nil
	}

	keys := make([]string, 0, len(custom))
	for k := range custom {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]string, len(custom))
	for _, rawKey := range keys {
		k := strings.ToLower(strings.TrimSpace(rawKey))
		v := strings.TrimSpace(custom[rawKey])
		if k == "" || v == "" {
			continue
		}
		if len(k) > maxCustomKeyLen {
			continue
		}
		if len(v) > maxCustomValueLen {
			diags["custom."+k] = "truncated"
			v = cutAtRuneBoundary(v, maxCustomValueLen)
		}
		if _, exists := out[k]; !exists && len(out) >= maxCustomFields {
			diags["custom"] = "truncated:too_many_fields"
			break
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
