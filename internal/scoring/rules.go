package scoring

import (
	"strings"

	"github.com/lvonguyen/cerberus/internal/threat"
)

func inCountries(codes []string) func(threat.Report) bool {
	set := make(map[string]struct{}, len(codes))
	for _, cc := range codes {
		set[strings.ToUpper(cc)] = struct{}{}
	}
	return func(r threat.Report) bool {
		_, ok := set[strings.ToUpper(r.CountryCode)]
		return ok
	}
}

func hasAny(cats ...threat.Category) func(threat.Report) bool {
	return func(r threat.Report) bool {
		for _, c := range cats {
			if r.HasCategory(c) {
				return true
			}
		}
		return false
	}
}

// AbuseIPDBRules is the rule table for the AbuseIPDB profile.
func AbuseIPDBRules(highRiskCountries []string) []Rule {
	return []Rule{
		{Name: "AbuseIPDB High Abuse Confidence", Points: 35, Match: func(r threat.Report) bool {
			return r.AbuseConfidence >= 85
		}},
		{Name: "AbuseIPDB Moderate Abuse Confidence", Points: 22, Match: func(r threat.Report) bool {
			return r.AbuseConfidence >= 75 && r.AbuseConfidence < 85
		}},
		{Name: "AbuseIPDB Elevated Abuse Confidence", Points: 12, Match: func(r threat.Report) bool {
			return r.AbuseConfidence >= 60 && r.AbuseConfidence < 75
		}},
		{Name: "AbuseIPDB High Report Count", Points: 25, Match: func(r threat.Report) bool {
			return r.TotalReports >= 15
		}},
		{Name: "AbuseIPDB Moderate Report Count", Points: 15, Match: func(r threat.Report) bool {
			return r.TotalReports >= 10 && r.TotalReports < 15
		}},
		{Name: "AbuseIPDB Multiple Reports", Points: 8, Match: func(r threat.Report) bool {
			return r.TotalReports >= 5 && r.TotalReports < 10
		}},
		{Name: "High Malicious Sources", Points: 30, Match: func(r threat.Report) bool {
			return r.MaliciousSources >= 5
		}},
		{Name: "Moderate Malicious Sources", Points: 18, Match: func(r threat.Report) bool {
			return r.MaliciousSources >= 2 && r.MaliciousSources < 5
		}},
		{Name: "Suspicious Sources Detected", Points: 12, Match: func(r threat.Report) bool {
			return r.SuspiciousSources >= 3
		}},
		{Name: "Category Malware", Points: 35, Match: hasAny(threat.CategoryMalware)},
		{Name: "Category Botnet/C2", Points: 30, Match: hasAny(threat.CategoryBotnet, threat.CategoryC2)},
		{Name: "Category Phishing", Points: 25, Match: hasAny(threat.CategoryPhishing)},
		{Name: "High-Risk Geography", Points: 15, Match: inCountries(highRiskCountries)},
	}
}

// OTXRules is the rule table for the community-intel profile.
func OTXRules(highRiskCountries []string) []Rule {
	return []Rule{
		{Name: "VirusTotal Malicious Consensus", Points: 35, Match: func(r threat.Report) bool {
			return r.MaliciousSources >= 5
		}},
		{Name: "VirusTotal Malicious Detections", Points: 20, Match: func(r threat.Report) bool {
			return r.MaliciousSources >= 2 && r.MaliciousSources < 5
		}},
		{Name: "VirusTotal Suspicious Detections", Points: 10, Match: func(r threat.Report) bool {
			return r.SuspiciousSources >= 3
		}},
		{Name: "OTX High Pulse Confidence", Points: 25, Match: func(r threat.Report) bool {
			return r.AbuseConfidence >= 85
		}},
		{Name: "OTX Moderate Pulse Confidence", Points: 12, Match: func(r threat.Report) bool {
			return r.AbuseConfidence >= 65 && r.AbuseConfidence < 85
		}},
		{Name: "OTX Pulse Volume", Points: 15, Match: func(r threat.Report) bool {
			return r.TotalReports >= 10
		}},
		{Name: "Category Malware", Points: 30, Match: hasAny(threat.CategoryMalware)},
		{Name: "Category Botnet/C2", Points: 25, Match: hasAny(threat.CategoryBotnet, threat.CategoryC2)},
		{Name: "Category Phishing", Points: 20, Match: hasAny(threat.CategoryPhishing)},
		{Name: "Category Exploit", Points: 15, Match: hasAny(threat.CategoryExploit)},
		{Name: "High-Risk Geography", Points: 15, Match: inCountries(highRiskCountries)},
	}
}
