package normalizer

import (
	"strings"

	"github.com/lvonguyen/cerberus/internal/threat"
)

// Classification is a source's coarse verdict about an IP.
type Classification int

const (
	ClassUnknown Classification = iota
	ClassBenign
	ClassSuspicious
	ClassMalicious
)

// Signals is the merged, source-independent view extracted from a bundle.
type Signals struct {
	Confidence     float64
	Volume         int
	Classification Classification
	// EngineCounts is true when some source reported per-engine verdict counts.
	EngineCounts     bool
	EngineMalicious  int
	EngineSuspicious int
	Whitelisted      bool
	Tor              bool
	Tags             []threat.Category
	Country          string
	CountryCode      string
	ASNName          string
}

// SourceMapping names the payload fields one source contributes. Empty
// field names mean the source does not provide that signal. Paths may be
// dotted to reach nested objects.
type SourceMapping struct {
	Source string

	Confidence string
	Volume     string

	Classification      string
	ClassificationCodes map[int]Classification

	EngineMalicious  string
	EngineSuspicious string

	Whitelisted string
	Tor         string

	Tags   string
	TagMap map[string]threat.Category

	Country     string
	CountryCode string
	ASNName     string
}

// CategoryRule adds Category when When matches the merged signals.
type CategoryRule struct {
	Category threat.Category
	When     func(Signals) bool
}

// Mapping is a deployment profile for normalization. Sources are listed in
// geography precedence order: the first source with a known value wins,
// field by field.
type Mapping struct {
	Name          string
	Sources       []SourceMapping
	CategoryRules []CategoryRule
	Reputation    func(Signals) float64
}

// baseTags is the case-insensitive tag vocabulary shared by every source.
var baseTags = map[string]threat.Category{
	"malware":     threat.CategoryMalware,
	"botnet":      threat.CategoryBotnet,
	"c2":          threat.CategoryC2,
	"c2server":    threat.CategoryC2,
	"phishing":    threat.CategoryPhishing,
	"spam":        threat.CategorySpam,
	"brute-force": threat.CategoryBruteForce,
	"bruteforce":  threat.CategoryBruteForce,
	"web-attack":  threat.CategoryWebAttack,
	"webattack":   threat.CategoryWebAttack,
	"exploit":     threat.CategoryExploit,
	"scanner":     threat.CategoryScanner,
	"scanning":    threat.CategoryScanner,
	"suspicious":  threat.CategoryScanner,
	"tor":         threat.CategoryC2,
}

// tagMap returns baseTags extended with extra entries.
func tagMap(extra map[string]threat.Category) map[string]threat.Category {
	m := make(map[string]threat.Category, len(baseTags)+len(extra))
	for k, v := range baseTags {
		m[k] = v
	}
	for k, v := range extra {
		m[strings.ToLower(k)] = v
	}
	return m
}

// extract applies one source mapping to its payload and merges the result
// into sig. Confidence keeps the maximum, volumes add up, flags are OR-ed,
// the most severe classification wins and geography keeps the first known
// value.
func (sm SourceMapping) extract(payload map[string]any, sig *Signals) {
	if v := floatField(payload, sm.Confidence); v > sig.Confidence {
		sig.Confidence = v
	}
	if v := intField(payload, sm.Volume); v > 0 {
		sig.Volume += v
	}

	if sm.Classification != "" && hasNumber(payload, sm.Classification) {
		class, ok := sm.ClassificationCodes[intField(payload, sm.Classification)]
		if ok && class > sig.Classification {
			sig.Classification = class
		}
	}

	if hasNumber(payload, sm.EngineMalicious) || hasNumber(payload, sm.EngineSuspicious) {
		sig.EngineCounts = true
		if v := intField(payload, sm.EngineMalicious); v > sig.EngineMalicious {
			sig.EngineMalicious = v
		}
		if v := intField(payload, sm.EngineSuspicious); v > sig.EngineSuspicious {
			sig.EngineSuspicious = v
		}
	}

	sig.Whitelisted = sig.Whitelisted || boolField(payload, sm.Whitelisted)
	sig.Tor = sig.Tor || boolField(payload, sm.Tor)

	for _, tag := range listField(payload, sm.Tags) {
		if c, ok := sm.TagMap[strings.ToLower(tag)]; ok {
			sig.Tags = append(sig.Tags, c)
		}
	}

	if !known(sig.Country) {
		if v := stringField(payload, sm.Country); known(v) {
			sig.Country = v
		}
	}
	if !known(sig.CountryCode) {
		if v := stringField(payload, sm.CountryCode); known(v) {
			sig.CountryCode = strings.ToUpper(v)
		}
	}
	if !known(sig.ASNName) {
		if v := stringField(payload, sm.ASNName); known(v) {
			sig.ASNName = v
		}
	}
}

// countsFromClassification derives malicious/suspicious source counts when
// no source reported engine counts.
func countsFromClassification(class Classification, volume int) (malicious, suspicious int) {
	switch class {
	case ClassMalicious:
		malicious = 1
		if volume > 0 {
			malicious = max(1, min(volume, 10))
		}
		return malicious, max(0, volume-malicious)
	case ClassSuspicious:
		suspicious = 1
		if volume > 0 {
			suspicious = max(1, min(volume, 10))
		}
		return 0, suspicious
	default:
		if volume > 5 {
			suspicious = min(volume/2, 5)
		}
		return 0, suspicious
	}
}
