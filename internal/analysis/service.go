// Package analysis runs the full pipeline for one IP: collect, normalize,
// score, narrate, persist and forward.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lvonguyen/cerberus/internal/forward"
	"github.com/lvonguyen/cerberus/internal/narrative"
	"github.com/lvonguyen/cerberus/internal/normalizer"
	"github.com/lvonguyen/cerberus/internal/observability"
	"github.com/lvonguyen/cerberus/internal/repository"
	"github.com/lvonguyen/cerberus/internal/scoring"
	"github.com/lvonguyen/cerberus/internal/threat"
)

// ErrInvalidIP is returned for input that is not a dotted-quad IPv4 address.
var ErrInvalidIP = errors.New("invalid IP address format")

// Collector gathers raw source results for an IP.
type Collector interface {
	Collect(ctx context.Context, ip string) (threat.Bundle, error)
}

// Store persists completed analyses.
type Store interface {
	Save(ctx context.Context, rec repository.Record) error
}

// Result is the outcome of one analysis as returned to API callers.
type Result struct {
	IPAddress        string            `json:"ip_address"`
	ThreatScore      int               `json:"threat_score"`
	RiskLevel        threat.RiskLevel  `json:"risk_level"`
	Narrative        string            `json:"threat_narrative"`
	ThreatCategories []threat.Category `json:"threat_categories"`
	Country          string            `json:"country"`
	ASN              string            `json:"asn"`
	TriggeredRules   []string          `json:"triggered_rules"`
	MaliciousSources int               `json:"malicious_sources"`
	AbuseConfidence  float64           `json:"abuse_confidence"`
	RawData          threat.Bundle     `json:"raw_data"`
	Allowlisted      bool              `json:"allowlisted,omitempty"`
	AnalyzedAt       time.Time         `json:"-"`
}

// Service wires the pipeline stages together.
type Service struct {
	collector  Collector
	normalizer *normalizer.Normalizer
	engine     *scoring.Engine
	narrator   narrative.Generator
	store      Store
	forwarder  forward.Sink
	allowlist  map[string]bool

	logger  *zap.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
	clock   func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithForwarder delivers every completed analysis to sink.
func WithForwarder(sink forward.Sink) Option { return func(s *Service) { s.forwarder = sink } }

// WithAllowlist forces the score of the listed IPs to zero.
func WithAllowlist(ips []string) Option {
	return func(s *Service) {
		for _, ip := range ips {
			if addr, err := ParseIPv4(ip); err == nil {
				s.allowlist[addr] = true
			}
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *zap.Logger) Option { return func(s *Service) { s.logger = logger } }

// WithMetrics records analysis counts and durations.
func WithMetrics(m *observability.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithTracer sets the tracer for analysis spans.
func WithTracer(t trace.Tracer) Option { return func(s *Service) { s.tracer = t } }

// WithClock overrides the analysis timestamp source.
func WithClock(clock func() time.Time) Option { return func(s *Service) { s.clock = clock } }

// NewService creates the analysis pipeline. narrator defaults to the
// template generator.
func NewService(c Collector, n *normalizer.Normalizer, e *scoring.Engine, narrator narrative.Generator, store Store, opts ...Option) *Service {
	if narrator == nil {
		narrator = narrative.Template{}
	}
	s := &Service{
		collector:  c,
		normalizer: n,
		engine:     e,
		narrator:   narrator,
		store:      store,
		allowlist:  map[string]bool{},
		logger:     zap.NewNop(),
		tracer:     otel.Tracer("cerberus/analysis"),
		clock:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ParseIPv4 validates s as a dotted-quad IPv4 address and returns its
// canonical form. Surrounding whitespace is ignored.
func ParseIPv4(s string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil || !addr.Is4() {
		return "", fmt.Errorf("%w: %q", ErrInvalidIP, s)
	}
	return addr.String(), nil
}

// Analyze runs the pipeline for ip. A persistence failure aborts the
// analysis; forwarding failures are only logged.
func (s *Service) Analyze(ctx context.Context, ip string) (*Result, error) {
	ip, err := ParseIPv4(ip)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "analysis.analyze", trace.WithAttributes(attribute.String("ip", ip)))
	defer span.End()

	bundle, err := s.collector.Collect(ctx, ip)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("collecting sources: %w", err)
	}

	report := s.normalizer.Normalize(bundle, ip)
	scored := s.engine.Analyze(report)

	allowlisted := s.allowlist[ip]
	if allowlisted {
		scored.ThreatScore = 0
		scored.RiskLevel = s.engine.Tiers().Level(0)
	}

	text := s.narrator.Generate(ctx, scored)
	analyzedAt := s.clock().UTC()

	err = s.store.Save(ctx, repository.Record{
		Analysis:   scored,
		Narrative:  text,
		Raw:        bundle,
		AnalyzedAt: analyzedAt,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("Failed to persist analysis", zap.String("ip", ip), zap.Error(err))
		return nil, fmt.Errorf("persisting analysis: %w", err)
	}

	if s.forwarder != nil {
		if err := s.forwarder.Send(ctx, forward.NewEvent(scored, text, analyzedAt)); err != nil {
			s.logger.Warn("Failed to forward analysis", zap.String("ip", ip), zap.Error(err))
		}
	}

	elapsed := time.Since(start)
	s.metrics.ObserveAnalysis(string(scored.RiskLevel), elapsed)
	span.SetAttributes(
		attribute.Int("threat_score", scored.ThreatScore),
		attribute.String("risk_level", string(scored.RiskLevel)),
	)
	s.logger.Info("Analysis completed",
		zap.String("ip", ip),
		zap.Int("threat_score", scored.ThreatScore),
		zap.String("risk_level", string(scored.RiskLevel)),
		zap.Strings("triggered_rules", scored.TriggeredRules),
		zap.Bool("allowlisted", allowlisted),
		zap.Duration("elapsed", elapsed),
	)

	return &Result{
		IPAddress:        ip,
		ThreatScore:      scored.ThreatScore,
		RiskLevel:        scored.RiskLevel,
		Narrative:        text,
		ThreatCategories: scored.Report.ThreatCategories,
		Country:          scored.Report.Country,
		ASN:              scored.Report.ASNName,
		TriggeredRules:   scored.TriggeredRules,
		MaliciousSources: scored.Report.MaliciousSources,
		AbuseConfidence:  scored.Report.AbuseConfidence,
		RawData:          bundle,
		Allowlisted:      allowlisted,
		AnalyzedAt:       analyzedAt,
	}, nil
}
