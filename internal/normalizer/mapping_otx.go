package normalizer

import "github.com/lvonguyen/cerberus/internal/threat"

// OTX is the community-intel profile: VirusTotal engine verdicts, AlienVault
// OTX pulses and MISP attribute hits, with a geolocation source as the last
// geography fallback.
func OTX() Mapping {
	return Mapping{
		Name: "otx",
		Sources: []SourceMapping{
			{
				Source:           "virustotal",
				EngineMalicious:  "malicious",
				EngineSuspicious: "suspicious",
				Tags:             "tags",
				TagMap:           tagMap(nil),
				CountryCode:      "country",
				ASNName:          "as_owner",
			},
			{
				Source:      "otx",
				Confidence:  "confidence",
				Volume:      "pulse_count",
				Whitelisted: "whitelisted",
				Tags:        "tags",
				TagMap: tagMap(map[string]threat.Category{
					"command and control": threat.CategoryC2,
					"cobalt strike":       threat.CategoryC2,
					"scan":                threat.CategoryScanner,
					"ransomware":          threat.CategoryMalware,
					"trojan":              threat.CategoryMalware,
					"rat":                 threat.CategoryMalware,
					"mirai":               threat.CategoryBotnet,
					"ssh":                 threat.CategoryBruteForce,
					"cve":                 threat.CategoryExploit,
				}),
				Country:     "country_name",
				CountryCode: "country_code",
				ASNName:     "asn",
			},
			{
				Source:         "misp",
				Volume:         "hits",
				Classification: "threat_level_id",
				ClassificationCodes: map[int]Classification{
					1: ClassMalicious,
					2: ClassSuspicious,
					3: ClassUnknown,
					4: ClassUnknown,
				},
				Tags: "threat_types",
				TagMap: tagMap(map[string]threat.Category{
					"ransomware": threat.CategoryMalware,
					"apt":        threat.CategoryExploit,
				}),
			},
			{
				Source:      "geolocation",
				Country:     "country",
				CountryCode: "countryCode",
				ASNName:     "org",
			},
		},
		CategoryRules: []CategoryRule{
			{threat.CategoryMalware, func(s Signals) bool { return s.EngineMalicious >= 5 }},
			{threat.CategoryScanner, func(s Signals) bool { return s.EngineSuspicious >= 3 }},
			{threat.CategoryBotnet, func(s Signals) bool { return s.Confidence >= 85 && s.Volume >= 10 }},
		},
		Reputation: otxReputation,
	}
}

// otxReputation combines pulse confidence with engine consensus and pulse
// volume. Each term only raises the score.
func otxReputation(s Signals) float64 {
	score := s.Confidence
	if s.EngineMalicious > 0 {
		score = max(score, float64(40+5*min(s.EngineMalicious, 10)))
	}
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
