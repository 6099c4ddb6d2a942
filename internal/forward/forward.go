// Package forward delivers completed analyses to downstream systems such as
// a Splunk HTTP Event Collector or a NATS subject.
package forward

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lvonguyen/cerberus/internal/observability"
	"github.com/lvonguyen/cerberus/internal/threat"
)

// Event is the forwarded form of one completed analysis.
type Event struct {
	IPAddress        string            `json:"ip_address"`
	ThreatScore      int               `json:"threat_score"`
	RiskLevel        threat.RiskLevel  `json:"risk_level"`
	ThreatCategories []threat.Category `json:"threat_categories"`
	TriggeredRules   []string          `json:"triggered_rules"`
	AbuseConfidence  float64           `json:"abuse_confidence"`
	MaliciousSources int               `json:"malicious_sources"`
	Country          string            `json:"country"`
	ASN              string            `json:"asn"`
	Narrative        string            `json:"threat_narrative,omitempty"`
	AnalyzedAt       time.Time         `json:"analyzed_at"`
}

// NewEvent builds the event for a scored analysis.
func NewEvent(a threat.ScoredAnalysis, narrative string, at time.Time) Event {
	return Event{
		IPAddress:        a.Report.IPAddress,
		ThreatScore:      a.ThreatScore,
		RiskLevel:        a.RiskLevel,
		ThreatCategories: a.Report.ThreatCategories,
		TriggeredRules:   a.TriggeredRules,
		AbuseConfidence:  a.Report.AbuseConfidence,
		MaliciousSources: a.Report.MaliciousSources,
		Country:          a.Report.Country,
		ASN:              a.Report.ASNName,
		Narrative:        narrative,
		AnalyzedAt:       at.UTC(),
	}
}

// Sink receives completed analyses.
type Sink interface {
	Name() string
	Send(ctx context.Context, event Event) error
	Close(ctx context.Context) error
}

// Multi fans an event out to every sink. A failing sink does not stop
// delivery to the others.
type Multi struct {
	sinks   []Sink
	metrics *observability.Metrics
}

// NewMulti combines sinks. metrics may be nil.
func NewMulti(metrics *observability.Metrics, sinks ...Sink) *Multi {
	return &Multi{sinks: sinks, metrics: metrics}
}

// Len returns the number of sinks.
func (m *Multi) Len() int {
	return len(m.sinks)
}

// Name implements Sink.
func (m *Multi) Name() string {
	return "multi"
}

// Send delivers event to every sink and joins their errors.
func (m *Multi) Send(ctx context.Context, event Event) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Send(ctx, event); err != nil {
			m.metrics.ForwardFailed(s.Name())
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink and joins their errors.
func (m *Multi) Close(ctx context.Context) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
