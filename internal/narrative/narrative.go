// Package narrative turns a scored analysis into a short analyst-facing
// summary with recommended actions.
package narrative

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lvonguyen/cerberus/internal/threat"
)

// Generator produces the narrative for a scored analysis. Implementations
// always return text; failures fall back to the template.
type Generator interface {
	Generate(ctx context.Context, analysis threat.ScoredAnalysis) string
}

// Config selects and tunes the narrative generator.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
}

// New returns the OpenAI generator when an API key is configured and the
// template generator otherwise.
func New(cfg Config, logger *zap.Logger) Generator {
	if cfg.APIKey == "" {
		return Template{}
	}
	return NewOpenAI(cfg, logger)
}

var recommendedActions = [3]string{
	"Block the IP at network perimeter and WAF",
	"Search SIEM logs for recent connections from this IP",
	"Add monitoring rule for repeated access attempts",
}

// Template renders a deterministic narrative from the analysis fields.
type Template struct{}

// Generate implements Generator.
func (Template) Generate(_ context.Context, a threat.ScoredAnalysis) string {
	r := a.Report
	categories := joinCategories(r.ThreatCategories)
	if categories == "" {
		categories = "no specific categories"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "IP %s presents a %s risk with a score of %d/100. ", r.IPAddress, a.RiskLevel, a.ThreatScore)
	fmt.Fprintf(&b, "Observed indicators include %d malicious vendor detections and an abuse confidence of %g%%. ",
		r.MaliciousSources, r.AbuseConfidence)
	fmt.Fprintf(&b, "Classification: %s. ", categories)
	fmt.Fprintf(&b, "Geolocation is %s (ASN: %s).\n\n", r.Country, r.ASNName)
	fmt.Fprintf(&b, "Recommended actions: 1) %s; 2) %s; 3) %s.",
		recommendedActions[0], recommendedActions[1], recommendedActions[2])
	return b.String()
}

func joinCategories(cats []threat.Category) string {
	parts := make([]string, len(cats))
	for i, c := range cats {
		parts[i] = string(c)
	}
	return strings.Join(parts, ", ")
}
