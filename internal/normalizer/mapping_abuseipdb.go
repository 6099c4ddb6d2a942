package normalizer

import "github.com/lvonguyen/cerberus/internal/threat"

// AbuseIPDB is the default profile: AbuseIPDB for reputation signal and a
// geolocation source for country, country code and network owner.
func AbuseIPDB() Mapping {
	return Mapping{
		Name: "abuseipdb",
		Sources: []SourceMapping{
			{
				Source:         "abuseipdb",
				Confidence:     "abuse_confidence_score",
				Volume:         "total_reports",
				Classification: "reputation",
				ClassificationCodes: map[int]Classification{
					0: ClassMalicious,
					1: ClassSuspicious,
					2: ClassUnknown,
					3: ClassBenign,
				},
				Whitelisted: "is_whitelisted",
				Tor:         "is_tor",
				Tags:        "threat_types",
				TagMap:      tagMap(nil),
				CountryCode: "country_code",
				ASNName:     "isp",
			},
			{
				Source:      "geolocation",
				Country:     "country",
				CountryCode: "countryCode",
				ASNName:     "org",
			},
		},
		CategoryRules: []CategoryRule{
			{threat.CategoryBruteForce, func(s Signals) bool { return s.Confidence >= 85 }},
			{threat.CategoryBotnet, func(s Signals) bool { return s.Confidence >= 85 && s.Volume >= 15 }},
			{threat.CategoryWebAttack, func(s Signals) bool { return s.Confidence >= 70 && s.Confidence < 85 }},
			{threat.CategorySpam, func(s Signals) bool { return s.Volume >= 10 }},
			{threat.CategoryScanner, func(s Signals) bool { return s.Volume >= 5 && s.Confidence >= 50 }},
			{threat.CategoryC2, func(s Signals) bool { return s.Tor }},
		},
		Reputation: abuseReputation,
	}
}

// abuseReputation starts from abuse confidence, floors it by
// classification and adds a saturating bonus for report volume.
func abuseReputation(s Signals) float64 {
	score := s.Confidence
	switch s.Classification {
	case ClassMalicious:
		score = max(score, 75)
	case ClassSuspicious:
		score = max(score, 50)
	}
	if s.Volume > 0 {
		score += float64(min(15, s.Volume))
	}
	return threat.ClampPercent(score)
}
