package collector

// AlienVault OTX (Open Threat Exchange) is a free threat intelligence
// community that shares indicators of compromise as "pulses".

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
)

const (
	otxDefaultBaseURL = "https://otx.alienvault.com"
	otxAPIPath        = "/api/v1"
)

// OTX queries pulse associations for an IPv4 indicator.
type OTX struct {
	config     SourceConfig
	httpClient *http.Client
	rateLimit  RateLimitStatus
	mu         sync.RWMutex
}

// RateLimitStatus is the last quota reported by a source.
type RateLimitStatus struct {
	Remaining int `json:"remaining"`
	Limit     int `json:"limit"`
}

// NewOTX creates the OTX source.
func NewOTX(config SourceConfig) *OTX {
	if config.BaseURL == "" {
		config.BaseURL = otxDefaultBaseURL
	}
	return &OTX{config: config, httpClient: config.client()}
}

// Name returns the source identifier.
func (p *OTX) Name() string {
	return "otx"
}

// RateLimit returns the last quota reported by OTX.
func (p *OTX) RateLimit() RateLimitStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rateLimit
}

// Fetch returns pulse count, confidence, tags and geography for ip. An IP
// unknown to OTX yields a zero pulse count rather than an error.
func (p *OTX) Fetch(ctx context.Context, ip string) (map[string]any, error) {
	if p.config.APIKey == "" {
		return nil, fmt.Errorf("%w: OTX_API_KEY", ErrMissingAPIKey)
	}

	path := fmt.Sprintf("/indicators/IPv4/%s/general", url.PathEscape(ip))
	fullURL := strings.TrimSuffix(p.config.BaseURL, "/") + otxAPIPath + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating otx request: %w", err)
	}
	req.Header.Set("X-OTX-API-KEY", p.config.APIKey)

	var general otxGeneralResponse
	err = doJSON(p.withRateLimit(), "otx", req, &general)
	if isNotFound(err) {
		return map[string]any{"pulse_count": 0, "confidence": 0, "tags": []string{}}, nil
	}
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"pulse_count":  general.PulseInfo.Count,
		"confidence":   calculateConfidence(general.PulseInfo.Count),
		"severity":     determineSeverity(general.PulseInfo.Pulses),
		"tags":         pulseTags(general.PulseInfo.Pulses),
		"whitelisted":  len(general.Validation) > 0,
		"reputation":   general.Reputation,
		"country_code": general.CountryCode,
		"country_name": general.CountryName,
		"asn":          general.ASN,
	}, nil
}

// withRateLimit returns a client whose transport records the X-RateLimit
// headers of every response.
func (p *OTX) withRateLimit() *http.Client {
	c := *p.httpClient
	base := c.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	c.Transport = roundTripFunc(func(req *http.Request) (*http.Response, error) {
		resp, err := base.RoundTrip(req)
		if err == nil {
			p.updateRateLimit(resp)
		}
		return resp, err
	})
	return &c
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// updateRateLimit updates rate limit from response headers.
func (p *OTX) updateRateLimit(resp *http.Response) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if remaining := resp.Header.Get("X-RateLimit-Remaining"); remaining != "" {
		var r int
		fmt.Sscanf(remaining, "%d", &r)
		p.rateLimit.Remaining = r
	}

	if limit := resp.Header.Get("X-RateLimit-Limit"); limit != "" {
		var l int
		fmt.Sscanf(limit, "%d", &l)
		p.rateLimit.Limit = l
	}
}

// pulseTags collects the distinct lower-cased tags of all pulses.
func pulseTags(pulses []otxPulse) []string {
	seen := map[string]bool{}
	tags := []string{}
	for _, pulse := range pulses {
		for _, tag := range pulse.Tags {
			tag = strings.ToLower(strings.TrimSpace(tag))
			if tag == "" || seen[tag] {
				continue
			}
			seen[tag] = true
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)
	return tags
}

// determineSeverity maps the most alarming pulse onto a severity label.
func determineSeverity(pulses []otxPulse) string {
	severity := "none"
	rank := map[string]int{"none": 0, "low": 1, "medium": 2, "high": 3, "critical": 4}
	for _, pulse := range pulses {
		if s := pulseSeverity(pulse); rank[s] > rank[severity] {
			severity = s
		}
	}
	return severity
}

func pulseSeverity(pulse otxPulse) string {
	tagLower := strings.ToLower(strings.Join(pulse.Tags, " "))

	switch {
	case strings.Contains(tagLower, "apt") || strings.Contains(tagLower, "ransomware"):
		return "critical"
	case strings.Contains(tagLower, "malware") || strings.Contains(tagLower, "c2"):
		return "high"
	case strings.Contains(tagLower, "phishing") || strings.Contains(tagLower, "botnet"):
		return "medium"
	}

	// If adversary field is present, at least high severity
	if pulse.Adversary != "" {
		return "high"
	}

	return "low"
}

// calculateConfidence maps pulse count onto a 0-100 confidence.
func calculateConfidence(pulseCount int) int {
	switch {
	case pulseCount >= 10:
		return 95
	case pulseCount >= 5:
		return 85
	case pulseCount >= 3:
		return 75
	case pulseCount >= 1:
		return 65
	default:
		return 0
	}
}

// OTX API response types

type otxGeneralResponse struct {
	Indicator   string        `json:"indicator"`
	Type        string        `json:"type"`
	Reputation  int           `json:"reputation"`
	PulseInfo   otxPulseInfo  `json:"pulse_info"`
	Validation  []otxValidity `json:"validation,omitempty"`
	ASN         string        `json:"asn,omitempty"`
	CountryCode string        `json:"country_code,omitempty"`
	CountryName string        `json:"country_name,omitempty"`
}

type otxPulseInfo struct {
	Count  int        `json:"count"`
	Pulses []otxPulse `json:"pulses"`
}

type otxPulse struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Tags      []string `json:"tags"`
	Adversary string   `json:"adversary,omitempty"`
}

type otxValidity struct {
	Source string `json:"source"`
	Name   string `json:"name"`
}
