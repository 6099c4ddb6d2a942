// Package threat defines the data model shared by the Cerberus pipeline:
// raw per-source payloads, the normalized report, risk tiers and scored analyses.
package threat

import (
	"encoding/json"
	"fmt"
	"math"
)

// Category is a threat classification label from the fixed vocabulary.
type Category string

const (
	CategoryMalware    Category = "malware"
	CategoryBotnet     Category = "botnet"
	CategoryC2         Category = "c2"
	CategoryPhishing   Category = "phishing"
	CategorySpam       Category = "spam"
	CategoryBruteForce Category = "brute_force"
	CategoryWebAttack  Category = "web_attack"
	CategoryExploit    Category = "exploit"
	CategoryScanner    Category = "scanner"
)

// Vocabulary lists every valid category.
var Vocabulary = []Category{
	CategoryMalware,
	CategoryBotnet,
	CategoryC2,
	CategoryPhishing,
	CategorySpam,
	CategoryBruteForce,
	CategoryWebAttack,
	CategoryExploit,
	CategoryScanner,
}

// Valid reports whether c belongs to the vocabulary.
func (c Category) Valid() bool {
	for _, v := range Vocabulary {
		if c == v {
			return true
		}
	}
	return false
}

// Unknown is the placeholder used for absent geography fields.
const Unknown = "Unknown"

// RiskLevel is the ordinal tier derived from a threat score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// RiskLevels lists the tiers in ascending order.
var RiskLevels = []RiskLevel{RiskLow, RiskMedium, RiskHigh, RiskCritical}

// SourceResult is the outcome of one source fetch: either a payload or an
// error marker. A result with a non-empty Err carries no payload.
type SourceResult struct {
	Payload map[string]any
	Err     string
}

// Failed reports whether the result is an error marker.
func (r SourceResult) Failed() bool {
	return r.Err != ""
}

// ErrorResult builds an error marker.
func ErrorResult(err error) SourceResult {
	if err == nil {
		return SourceResult{Err: "unknown error"}
	}
	return SourceResult{Err: err.Error()}
}

// MarshalJSON renders the payload object, or {"error": "..."} for a marker.
func (r SourceResult) MarshalJSON() ([]byte, error) {
	if r.Failed() {
		return json.Marshal(map[string]string{"error": r.Err})
	}
	if r.Payload == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r.Payload)
}

// UnmarshalJSON accepts either form written by MarshalJSON.
func (r *SourceResult) UnmarshalJSON(data []byte) error {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("decoding source result: %w", err)
	}
	*r = SourceResult{}
	if len(obj) == 1 {
		if msg, ok := obj["error"].(string); ok {
			r.Err = msg
			return nil
		}
	}
	r.Payload = obj
	return nil
}

// Bundle maps a source name to that source's result.
type Bundle map[string]SourceResult

// Payload returns the payload for source, or nil when the source is
// absent or failed.
func (b Bundle) Payload(source string) map[string]any {
	res, ok := b[source]
	if !ok || res.Failed() {
		return nil
	}
	return res.Payload
}

// Report is the normalized view of all sources for one IP.
type Report struct {
	IPAddress         string     `json:"ip_address"`
	ReputationScore   float64    `json:"reputation_score"`
	ThreatCategories  []Category `json:"threat_categories"`
	MaliciousSources  int        `json:"malicious_sources"`
	SuspiciousSources int        `json:"suspicious_sources"`
	AbuseConfidence   float64    `json:"abuse_confidence"`
	Country           string     `json:"country"`
	CountryCode       string     `json:"country_code"`
	ASNName           string     `json:"asn_name"`
	TotalReports      int        `json:"total_reports"`
}

// HasCategory reports whether c is among the report's categories.
func (r Report) HasCategory(c Category) bool {
	for _, have := range r.ThreatCategories {
		if have == c {
			return true
		}
	}
	return false
}

// Clamp forces every field into its documented range.
func (r *Report) Clamp() {
	r.ReputationScore = ClampPercent(r.ReputationScore)
	r.AbuseConfidence = ClampPercent(r.AbuseConfidence)
	if r.MaliciousSources < 0 {
		r.MaliciousSources = 0
	}
	if r.SuspiciousSources < 0 {
		r.SuspiciousSources = 0
	}
	if r.TotalReports < 0 {
		r.TotalReports = 0
	}
	if r.Country == "" {
		r.Country = Unknown
	}
	if r.CountryCode == "" {
		r.CountryCode = Unknown
	}
	if r.ASNName == "" {
		r.ASNName = Unknown
	}
	if r.ThreatCategories == nil {
		r.ThreatCategories = []Category{}
	}
}

// ClampPercent bounds v to [0, 100]. NaN becomes 0.
func ClampPercent(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

// ClampScore bounds v to [0, 100].
func ClampScore(v int) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

// ScoredAnalysis is a report together with its score and tier.
type ScoredAnalysis struct {
	Report         Report    `json:"report"`
	ThreatScore    int       `json:"threat_score"`
	TriggeredRules []string  `json:"triggered_rules"`
	RiskLevel      RiskLevel `json:"risk_level"`
}
