package collector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const virusTotalDefaultBaseURL = "https://www.virustotal.com"

// VirusTotal reads the last analysis stats of an IP address object.
type VirusTotal struct {
	config     SourceConfig
	httpClient *http.Client
}

// NewVirusTotal creates the VirusTotal source.
func NewVirusTotal(config SourceConfig) *VirusTotal {
	if config.BaseURL == "" {
		config.BaseURL = virusTotalDefaultBaseURL
	}
	return &VirusTotal{config: config, httpClient: config.client()}
}

// Name returns the source identifier.
func (s *VirusTotal) Name() string {
	return "virustotal"
}

type virusTotalResponse struct {
	Data struct {
		Attributes struct {
			LastAnalysisStats struct {
				Malicious  int `json:"malicious"`
				Suspicious int `json:"suspicious"`
				Harmless   int `json:"harmless"`
				Undetected int `json:"undetected"`
			} `json:"last_analysis_stats"`
			Reputation int      `json:"reputation"`
			Tags       []string `json:"tags"`
			Country    string   `json:"country"`
			ASN        int      `json:"asn"`
			ASOwner    string   `json:"as_owner"`
			Network    string   `json:"network"`
		} `json:"attributes"`
	} `json:"data"`
}

// Fetch returns engine verdict counts, tags and network owner for ip.
func (s *VirusTotal) Fetch(ctx context.Context, ip string) (map[string]any, error) {
	if s.config.APIKey == "" {
		return nil, fmt.Errorf("%w: VIRUSTOTAL_API_KEY", ErrMissingAPIKey)
	}

	endpoint := strings.TrimSuffix(s.config.BaseURL, "/") + "/api/v3/ip_addresses/" + url.PathEscape(ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating virustotal request: %w", err)
	}
	req.Header.Set("x-apikey", s.config.APIKey)

	var resp virusTotalResponse
	err = doJSON(s.httpClient, "virustotal", req, &resp)
	if isNotFound(err) {
		return map[string]any{"malicious": 0, "suspicious": 0, "tags": []string{}}, nil
	}
	if err != nil {
		return nil, err
	}

	a := resp.Data.Attributes
	tags := a.Tags
	if tags == nil {
		tags = []string{}
	}
	return map[string]any{
		"malicious":  a.LastAnalysisStats.Malicious,
		"suspicious": a.LastAnalysisStats.Suspicious,
		"harmless":   a.LastAnalysisStats.Harmless,
		"undetected": a.LastAnalysisStats.Undetected,
		"reputation": a.Reputation,
		"tags":       tags,
		"country":    a.Country,
		"asn":        a.ASN,
		"as_owner":   a.ASOwner,
		"network":    a.Network,
	}, nil
}
