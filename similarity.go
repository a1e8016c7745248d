package deferlink

import (
	"regexp"
	"sort"
	"strings"
)

// Similarity field names, as reported in MatchResult.MatchedFields. Custom
// attributes report as "custom.<key>".
const (
	FieldPlatform     = "platform"
	FieldLanguage     = "language"
	FieldTimezone     = "timezone"
	FieldScreenWidth  = "screen_width"
	FieldScreenHeight = "screen_height"
	FieldDeviceModel  = "device_model"
	FieldUserAgent    = "user_agent"
)

// Scorer computes a weighted similarity between two normalized fingerprints.
// It is stateless and safe for concurrent use.
type Scorer struct {
	weights         Weights
	screenTolerance int
	regionFactor    float64
}

// NewScorer creates a scorer from the given weights and tolerances.
func NewScorer(weights Weights, screenTolerance int, regionFactor float64) *Scorer {
	return &Scorer{
		weights:         weights,
		screenTolerance: screenTolerance,
		regionFactor:    regionFactor,
	}
}

// Score compares a resolution query against a stored candidate and returns a
// confidence in [0,1] plus the names of fields that contributed their full
// weight. A field absent on either side is excluded from both the achieved
// and the possible weight, so sparse fingerprints are not penalized. When no
// field is comparable the confidence is 0.
func (s *Scorer) Score(query, candidate Fingerprint) (float64, []string) {
	var achieved, possible float64
	var matched []string

	exact := func(field, q, c string, weight float64) {
		if q == "" || c == "" || weight <= 0 {
			return
		}
		possible += weight
		if q == c {
			achieved += weight
			matched = append(matched, field)
		}
	}

	exact(FieldPlatform, platformClass(query.Platform), platformClass(candidate.Platform), s.weights.Platform)
	exact(FieldLanguage, query.Language, candidate.Language, s.weights.Language)
	exact(FieldDeviceModel, query.DeviceModel, candidate.DeviceModel, s.weights.DeviceModel)

	s.scoreTimezone(query.Timezone, candidate.Timezone, &achieved, &possible, &matched)
	s.scoreDimension(FieldScreenWidth, query.ScreenWidth, candidate.ScreenWidth, s.weights.ScreenWidth, &achieved, &possible, &matched)
	s.scoreDimension(FieldScreenHeight, query.ScreenHeight, candidate.ScreenHeight, s.weights.ScreenHeight, &achieved, &possible, &matched)
	s.scoreUserAgent(query.UserAgent, candidate.UserAgent, &achieved, &possible, &matched)

	for key, qv := range query.Custom {
		cv, ok := candidate.Custom[key]
		if !ok || s.weights.CustomKey <= 0 {
			continue
		}
		possible += s.weights.CustomKey
		if qv == cv {
			achieved += s.weights.CustomKey
			matched = append(matched, "custom."+key)
		}
	}

	if possible == 0 {
		return 0, nil
	}
	sort.Strings(matched)
	return achieved / possible, matched
}

// scoreTimezone grants full weight on an exact match and a partial weight
// when both zones fall in the same IANA region.
func (s *Scorer) scoreTimezone(q, c string, achieved, possible *float64, matched *[]string) {
	weight := s.weights.Timezone
	if q == "" || c == "" || weight <= 0 {
		return
	}
	*possible += weight
	switch {
	case q == c:
		*achieved += weight
		*matched = append(*matched, FieldTimezone)
	case timezoneRegion(q) == timezoneRegion(c):
		*achieved += weight * s.regionFactor
	}
}

// scoreDimension scales the weight down linearly as the absolute difference
// grows, reaching zero at the configured tolerance.
func (s *Scorer) scoreDimension(field string, q, c int, weight float64, achieved, possible *float64, matched *[]string) {
	if q == 0 || c == 0 || weight <= 0 {
		return
	}
	*possible += weight
	diff := q - c
	if diff < 0 {
		diff = -diff
	}
	if diff == 0 {
		*achieved += weight
		*matched = append(*matched, field)
		return
	}
	frac := 1 - float64(diff)/float64(s.screenTolerance)
	if frac > 0 {
		*achieved += weight * frac
	}
}

var (
	iosVersionRe     = regexp.MustCompile(`os (\d+)[_.](\d+)`)
	androidVersionRe = regexp.MustCompile(`android (\d+)[._](\d+)`)
)

var uaFlagTokens = []string{"webkit", "mobile", "iphone", "ipad", "android", "safari", "chrome"}

// scoreUserAgent compares the coarse facets of two user-agent strings. The
// raw strings always differ between a browser and a native app on the same
// device, so partial credit is the norm here.
func (s *Scorer) scoreUserAgent(q, c string, achieved, possible *float64, matched *[]string) {
	weight := s.weights.UserAgent
	if q == "" || c == "" || weight <= 0 {
		return
	}
	*possible += weight

	q = strings.ToLower(q)
	c = strings.ToLower(c)

	agree, total := 0, 0
	for _, token := range uaFlagTokens {
		total++
		if strings.Contains(q, token) == strings.Contains(c, token) {
			agree++
		}
	}

	qi, ci := iosVersionRe.FindStringSubmatch(q), iosVersionRe.FindStringSubmatch(c)
	if qi != nil && ci != nil {
		total++
		if qi[1] == ci[1] && qi[2] == ci[2] {
			agree++
		}
	}
	qa, ca := androidVersionRe.FindStringSubmatch(q), androidVersionRe.FindStringSubmatch(c)
	if qa != nil && ca != nil {
		total++
		if qa[1] == ca[1] && qa[2] == ca[2] {
			agree++
		}
	}

	frac := float64(agree) / float64(total)
	*achieved += weight * frac
	if frac == 1 {
		*matched = append(*matched, FieldUserAgent)
	}
}
