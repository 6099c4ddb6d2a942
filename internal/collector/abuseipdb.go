package collector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const abuseIPDBDefaultBaseURL = "https://api.abuseipdb.com/api/v2"

// AbuseIPDB queries the AbuseIPDB check endpoint.
type AbuseIPDB struct {
	config     SourceConfig
	httpClient *http.Client
	maxAgeDays int
}

// NewAbuseIPDB creates the AbuseIPDB source. A missing key is reported per
// fetch so the analysis still completes with an error marker.
func NewAbuseIPDB(config SourceConfig) *AbuseIPDB {
	if config.BaseURL == "" {
		config.BaseURL = abuseIPDBDefaultBaseURL
	}
	return &AbuseIPDB{
		config:     config,
		httpClient: config.client(),
		maxAgeDays: 90,
	}
}

// Name returns the source identifier.
func (s *AbuseIPDB) Name() string {
	return "abuseipdb"
}

type abuseIPDBResponse struct {
	Data struct {
		IPAddress            string  `json:"ipAddress"`
		IsPublic             bool    `json:"isPublic"`
		IsWhitelisted        *bool   `json:"isWhitelisted"`
		AbuseConfidenceScore int     `json:"abuseConfidenceScore"`
		CountryCode          *string `json:"countryCode"`
		UsageType            *string `json:"usageType"`
		ISP                  *string `json:"isp"`
		Domain               *string `json:"domain"`
		IsTor                bool    `json:"isTor"`
		TotalReports         int     `json:"totalReports"`
		NumDistinctUsers     int     `json:"numDistinctUsers"`
		LastReportedAt       *string `json:"lastReportedAt"`
	} `json:"data"`
}

// Fetch returns abuse confidence, report volume, flags and derived
// reputation/threat types for ip.
func (s *AbuseIPDB) Fetch(ctx context.Context, ip string) (map[string]any, error) {
	if s.config.APIKey == "" {
		return nil, fmt.Errorf("%w: ABUSEIPDB_API_KEY", ErrMissingAPIKey)
	}

	q := url.Values{}
	q.Set("ipAddress", ip)
	q.Set("maxAgeInDays", fmt.Sprint(s.maxAgeDays))
	q.Set("verbose", "")
	endpoint := strings.TrimSuffix(s.config.BaseURL, "/") + "/check?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating abuseipdb request: %w", err)
	}
	req.Header.Set("Key", s.config.APIKey)

	var resp abuseIPDBResponse
	raw, err := doJSONRaw(s.httpClient, "abuseipdb", req, &resp)
	if err != nil {
		return nil, err
	}

	d := resp.Data
	whitelisted := d.IsWhitelisted != nil && *d.IsWhitelisted

	return map[string]any{
		"raw":                    raw,
		"abuse_confidence_score": d.AbuseConfidenceScore,
		"total_reports":          d.TotalReports,
		"num_distinct_users":     d.NumDistinctUsers,
		"is_whitelisted":         whitelisted,
		"is_tor":                 d.IsTor,
		"reputation":             abuseReputationCode(d.AbuseConfidenceScore, d.TotalReports),
		"threat_types":           abuseThreatTypes(d.AbuseConfidenceScore, d.TotalReports, d.IsTor),
		"country_code":           deref(d.CountryCode),
		"isp":                    deref(d.ISP),
		"domain":                 deref(d.Domain),
		"usage_type":             deref(d.UsageType),
		"last_reported_at":       deref(d.LastReportedAt),
	}, nil
}

// abuseReputationCode maps confidence onto 0 malicious, 1 suspicious,
// 2 unknown, 3 clean.
func abuseReputationCode(confidence, total int) int {
	switch {
	case confidence >= 76:
		return 0
	case confidence >= 26:
		return 1
	case confidence == 0 && total == 0:
		return 3
	default:
		return 2
	}
}

func abuseThreatTypes(confidence, total int, tor bool) []string {
	types := []string{}
	if confidence >= 75 {
		types = append(types, "malware")
	}
	if confidence >= 50 {
		types = append(types, "suspicious")
	}
	if tor {
		types = append(types, "tor")
	}
	if total >= 10 {
		types = append(types, "spam")
	}
	if total >= 5 {
		types = append(types, "scanner")
	}
	return types
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
