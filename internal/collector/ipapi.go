package collector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const ipAPIDefaultBaseURL = "http://ip-api.com"

// IPAPI resolves geolocation through the ip-api.com JSON endpoint.
type IPAPI struct {
	config     SourceConfig
	httpClient *http.Client
}

// NewIPAPI creates the online geolocation source.
func NewIPAPI(config SourceConfig) *IPAPI {
	if config.BaseURL == "" {
		config.BaseURL = ipAPIDefaultBaseURL
	}
	return &IPAPI{config: config, httpClient: config.client()}
}

// Name returns the source identifier.
func (s *IPAPI) Name() string {
	return "geolocation"
}

type ipAPIResponse struct {
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	Country     string  `json:"country"`
	CountryCode string  `json:"countryCode"`
	RegionName  string  `json:"regionName"`
	City        string  `json:"city"`
	ISP         string  `json:"isp"`
	Org         string  `json:"org"`
	AS          string  `json:"as"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
}

// Fetch returns country, country code and network owner for ip.
func (s *IPAPI) Fetch(ctx context.Context, ip string) (map[string]any, error) {
	endpoint := strings.TrimSuffix(s.config.BaseURL, "/") + "/json/" + url.PathEscape(ip)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating ip-api request: %w", err)
	}

	var resp ipAPIResponse
	raw, err := doJSONRaw(s.httpClient, "ip-api", req, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Status == "fail" {
		return nil, fmt.Errorf("ip-api lookup failed: %s", resp.Message)
	}

	org := resp.AS
	if org == "" {
		org = resp.Org
	}

	return map[string]any{
		"raw":         raw,
		"country":     resp.Country,
		"countryCode": resp.CountryCode,
		"region":      resp.RegionName,
		"city":        resp.City,
		"isp":         resp.ISP,
		"org":         org,
		"lat":         resp.Lat,
		"lon":         resp.Lon,
	}, nil
}
