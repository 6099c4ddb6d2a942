package collector

// MISP (Malware Information Sharing Platform) is an open-source threat
// intelligence platform for sharing, storing and correlating indicators of
// compromise.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// MISP searches published attributes matching an IP.
type MISP struct {
	config        SourceConfig
	httpClient    *http.Client
	publishedOnly bool
}

// NewMISP creates the MISP source. BaseURL has no public default.
func NewMISP(config SourceConfig, publishedOnly bool) *MISP {
	return &MISP{config: config, httpClient: config.client(), publishedOnly: publishedOnly}
}

// Name returns the source identifier.
func (p *MISP) Name() string {
	return "misp"
}

// Fetch returns attribute hits, derived threat types and the most severe
// event threat level for ip.
func (p *MISP) Fetch(ctx context.Context, ip string) (map[string]any, error) {
	if p.config.APIKey == "" {
		return nil, fmt.Errorf("%w: MISP_API_KEY", ErrMissingAPIKey)
	}
	if p.config.BaseURL == "" {
		return nil, fmt.Errorf("misp base URL is required")
	}

	body, err := json.Marshal(mispSearchRequest{
		Value:     ip,
		Type:      "ip-src|ip-dst",
		Published: p.publishedOnly,
	})
	if err != nil {
		return nil, err
	}

	endpoint := strings.TrimSuffix(p.config.BaseURL, "/") + "/attributes/restSearch"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating misp request: %w", err)
	}
	req.Header.Set("Authorization", p.config.APIKey)
	req.Header.Set("Content-Type", "application/json")

	var resp mispSearchResponse
	if err := doJSON(p.httpClient, "misp", req, &resp); err != nil {
		return nil, err
	}
	return summarizeAttributes(resp.Response.Attribute), nil
}

// summarizeAttributes folds matched attributes into one payload.
func summarizeAttributes(attrs []mispAttribute) map[string]any {
	threatLevel := 4
	types := newStringSet()
	tags := newStringSet()
	categories := newStringSet()
	events := newStringSet()

	for _, attr := range attrs {
		if t := categoryToThreatType(attr.Category); t != "" {
			types.add(t)
		}
		categories.add(attr.Category)
		events.add(attr.EventID)
		for _, tag := range attr.Tag {
			name := strings.ToLower(strings.TrimSpace(tag.Name))
			tags.add(name)
			types.add(name)
		}
		if level, err := strconv.Atoi(attr.Event.ThreatLevelID); err == nil && level >= 1 && level < threatLevel {
			threatLevel = level
		}
	}

	return map[string]any{
		"hits":            len(attrs),
		"threat_level_id": threatLevel,
		"threat_types":    types.sorted(),
		"tags":            tags.sorted(),
		"categories":      categories.sorted(),
		"event_ids":       events.sorted(),
	}
}

// categoryToThreatType maps a MISP attribute category onto a threat type
// label. Categories without a clear meaning map to "".
func categoryToThreatType(category string) string {
	switch category {
	case "Network activity":
		return "c2"
	case "Payload delivery", "Artifacts dropped", "Payload installation", "Persistence mechanism":
		return "malware"
	default:
		return ""
	}
}

type stringSet map[string]struct{}

func newStringSet() stringSet { return stringSet{} }

func (s stringSet) add(v string) {
	if v != "" {
		s[v] = struct{}{}
	}
}

func (s stringSet) sorted() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// MISP API types

type mispSearchRequest struct {
	Value     string `json:"value,omitempty"`
	Type      string `json:"type,omitempty"`
	Published bool   `json:"published,omitempty"`
}

type mispSearchResponse struct {
	Response struct {
		Attribute []mispAttribute `json:"Attribute"`
	} `json:"response"`
}

type mispAttribute struct {
	ID       string    `json:"id"`
	EventID  string    `json:"event_id"`
	Type     string    `json:"type"`
	Category string    `json:"category"`
	Value    string    `json:"value"`
	Tag      []mispTag `json:"Tag,omitempty"`
	Event    mispEvent `json:"Event,omitempty"`
}

type mispTag struct {
	Name string `json:"name"`
}

type mispEvent struct {
	ID            string `json:"id"`
	ThreatLevelID string `json:"threat_level_id"`
}
