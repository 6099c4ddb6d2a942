// Package normalizer reconciles raw per-source threat payloads into a single
// normalized report.
//
// Normalization is driven by a Mapping: which payload fields each source
// contributes, the ordered category threshold rules and the reputation
// estimate. Missing or malformed fields contribute nothing, so a bundle of
// error markers yields the baseline report.
package normalizer

import (
	"strings"

	"github.com/lvonguyen/cerberus/internal/threat"
)

// Normalizer turns a threat.Bundle into a threat.Report.
type Normalizer struct {
	mapping  Mapping
	highRisk map[string]struct{}
}

// New creates a normalizer for the given mapping. highRiskCountries are ISO
// alpha-2 codes that add the c2 category.
func New(mapping Mapping, highRiskCountries []string) *Normalizer {
	hr := make(map[string]struct{}, len(highRiskCountries))
	for _, cc := range highRiskCountries {
		if cc = strings.ToUpper(strings.TrimSpace(cc)); cc != "" {
			hr[cc] = struct{}{}
		}
	}
	return &Normalizer{mapping: mapping, highRisk: hr}
}

// Normalize builds the report for ip. It never fails: a fault while reading
// payloads yields the baseline report.
func (n *Normalizer) Normalize(bundle threat.Bundle, ip string) (report threat.Report) {
	defer func() {
		if recover() != nil {
			report = Baseline(ip)
		}
	}()

	sig := n.Signals(bundle)

	report = threat.Report{
		IPAddress:        ip,
		AbuseConfidence:  sig.Confidence,
		TotalReports:     sig.Volume,
		Country:          sig.Country,
		CountryCode:      sig.CountryCode,
		ASNName:          sig.ASNName,
		ThreatCategories: n.categorize(sig),
	}

	if sig.EngineCounts {
		report.MaliciousSources = sig.EngineMalicious
		report.SuspiciousSources = sig.EngineSuspicious
	} else {
		report.MaliciousSources, report.SuspiciousSources = countsFromClassification(sig.Classification, sig.Volume)
	}

	if n.mapping.Reputation != nil {
		report.ReputationScore = n.mapping.Reputation(sig)
	}

	report.Clamp()
	return report
}

// Signals extracts and merges the mapped fields of every successful source
// in precedence order. Values are clamped to their valid ranges.
func (n *Normalizer) Signals(bundle threat.Bundle) Signals {
	var sig Signals
	for _, sm := range n.mapping.Sources {
		payload := bundle.Payload(sm.Source)
		if payload == nil {
			continue
		}
		sm.extract(payload, &sig)
	}

	sig.Confidence = threat.ClampPercent(sig.Confidence)
	sig.Volume = max(0, sig.Volume)
	sig.EngineMalicious = max(0, sig.EngineMalicious)
	sig.EngineSuspicious = max(0, sig.EngineSuspicious)
	return sig
}

// categorize builds the ordered category set: classification first, then
// threshold rules, then source tags, then high-risk geography.
func (n *Normalizer) categorize(sig Signals) []threat.Category {
	if sig.Whitelisted {
		return []threat.Category{}
	}

	var cats []threat.Category
	switch sig.Classification {
	case ClassMalicious:
		cats = append(cats, threat.CategoryMalware)
	case ClassSuspicious:
		cats = append(cats, threat.CategoryScanner)
	}

	for _, rule := range n.mapping.CategoryRules {
		if rule.When != nil && rule.When(sig) {
			cats = append(cats, rule.Category)
		}
	}

	cats = append(cats, sig.Tags...)

	if _, ok := n.highRisk[strings.ToUpper(sig.CountryCode)]; ok {
		cats = append(cats, threat.CategoryC2)
	}

	return dedupe(cats)
}

// dedupe drops repeats and invalid labels, keeping first-seen order.
func dedupe(cats []threat.Category) []threat.Category {
	seen := make(map[threat.Category]struct{}, len(cats))
	out := make([]threat.Category, 0, len(cats))
	for _, c := range cats {
		if !c.Valid() {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// Baseline is the report for an IP with no usable signal.
func Baseline(ip string) threat.Report {
	r := threat.Report{IPAddress: ip}
	r.Clamp()
	return r
}
