package analysis

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/lvonguyen/cerberus/internal/forward"
	"github.com/lvonguyen/cerberus/internal/narrative"
	"github.com/lvonguyen/cerberus/internal/normalizer"
	"github.com/lvonguyen/cerberus/internal/observability"
	"github.com/lvonguyen/cerberus/internal/profile"
	"github.com/lvonguyen/cerberus/internal/repository"
	"github.com/lvonguyen/cerberus/internal/scoring"
	"github.com/lvonguyen/cerberus/internal/threat"
)

// fakeCollector returns a fixed bundle.
type fakeCollector struct {
	bundle threat.Bundle
	err    error
	calls  atomic.Int32
}

func (f *fakeCollector) Collect(_ context.Context, _ string) (threat.Bundle, error) {
	f.calls.Add(1)
	return f.bundle, f.err
}

type failingStore struct{}

func (failingStore) Save(context.Context, repository.Record) error {
	return errors.New("disk full")
}

// recordingSink captures forwarded events.
type recordingSink struct {
	events []forward.Event
	err    error
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Send(_ context.Context, ev forward.Event) error {
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingSink) Close(context.Context) error { return nil }

func maliciousBundle() threat.Bundle {
	return threat.Bundle{
		"abuseipdb": {Payload: map[string]any{
			"abuse_confidence_score": 90,
			"total_reports":          20,
			"reputation":             0,
			"threat_types":           []any{"malware"},
			"country_code":           "NL",
			"isp":                    "Example Hosting BV",
		}},
		"geolocation": {Payload: map[string]any{
			"country":     "Netherlands",
			"countryCode": "NL",
			"org":         "AS64502 Example Hosting",
		}},
	}
}

func newTestService(t *testing.T, c Collector, store Store, opts ...Option) *Service {
	t.Helper()
	p, err := profile.Lookup(profile.Default, []string{"KP", "IR"})
	if err != nil {
		t.Fatalf("profile lookup failed: %v", err)
	}
	engine, err := scoring.NewEngine(p.Rules, scoring.DefaultTiers())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return NewService(c, normalizer.New(p.Mapping, []string{"KP", "IR"}), engine, narrative.Template{}, store, opts...)
}

func openStore(t *testing.T) *repository.Store {
	t.Helper()
	s, err := repository.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "reports.db"), repository.Retention{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// =============================================================================
// Validation Tests
// =============================================================================

// TestParseIPv4 verifies only dotted-quad IPv4 input is accepted.
func TestParseIPv4(t *testing.T) {
	tests := []struct {
		input string
		want  string
		ok    bool
	}{
		{"1.2.3.4", "1.2.3.4", true},
		{"  8.8.8.8\n", "8.8.8.8", true},
		{"0.0.0.0", "0.0.0.0", true},
		{"255.255.255.255", "255.255.255.255", true},
		{"", "", false},
		{"1.2.3", "", false},
		{"1.2.3.4.5", "", false},
		{"256.1.1.1", "", false},
		{"a.b.c.d", "", false},
		{"::1", "", false},
		{"::ffff:1.2.3.4", "", false},
		{"1.2.3.4/24", "", false},
	}

	for _, tt := range tests {
		got, err := ParseIPv4(tt.input)
		if tt.ok {
			if err != nil || got != tt.want {
				t.Errorf("ParseIPv4(%q) = %q, %v; want %q", tt.input, got, err, tt.want)
			}
			continue
		}
		if !errors.Is(err, ErrInvalidIP) {
			t.Errorf("ParseIPv4(%q) should fail with ErrInvalidIP, got %v", tt.input, err)
		}
	}
}

// TestAnalyze_InvalidIPSkipsCollection verifies bad input never reaches
// the sources.
func TestAnalyze_InvalidIPSkipsCollection(t *testing.T) {
	c := &fakeCollector{}
	svc := newTestService(t, c, failingStore{})

	if _, err := svc.Analyze(context.Background(), "999.1.1.1"); !errors.Is(err, ErrInvalidIP) {
		t.Errorf("expected ErrInvalidIP, got %v", err)
	}
	if c.calls.Load() != 0 {
		t.Error("collector should not be called for invalid input")
	}
}

// =============================================================================
// Pipeline Tests
// =============================================================================

// TestAnalyze_MaliciousIP verifies the full pipeline output, persistence
// and forwarding.
func TestAnalyze_MaliciousIP(t *testing.T) {
	store := openStore(t)
	sink := &recordingSink{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	svc := newTestService(t, &fakeCollector{bundle: maliciousBundle()}, store,
		WithForwarder(sink), WithMetrics(metrics), WithClock(func() time.Time { return fixed }))

	res, err := svc.Analyze(context.Background(), "203.0.113.9")
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	if res.ThreatScore < 75 || res.RiskLevel != threat.RiskCritical {
		t.Errorf("expected CRITICAL >= 75, got %s %d", res.RiskLevel, res.ThreatScore)
	}
	if res.Country != "Netherlands" || res.AbuseConfidence != 90 {
		t.Errorf("unexpected report fields: %+v", res)
	}
	if res.Narrative == "" {
		t.Error("narrative should be set")
	}
	if len(res.RawData) != 2 {
		t.Errorf("raw data should carry both sources, got %d", len(res.RawData))
	}

	recent, err := store.GetRecent(context.Background(), 10)
	if err != nil {
		t.Fatalf("GetRecent failed: %v", err)
	}
	if len(recent) != 1 || recent[0].IPAddress != "203.0.113.9" || !recent[0].AnalyzedAt.Equal(fixed) {
		t.Errorf("unexpected stored reports: %+v", recent)
	}

	if len(sink.events) != 1 || sink.events[0].ThreatScore != res.ThreatScore {
		t.Errorf("expected one forwarded event, got %+v", sink.events)
	}
	if got := testutil.ToFloat64(metrics.AnalysesTotal.WithLabelValues("CRITICAL")); got != 1 {
		t.Errorf("expected 1 CRITICAL analysis recorded, got %v", got)
	}
}

// TestAnalyze_AllSourcesFailed verifies a fully failed bundle still yields
// a LOW baseline analysis.
func TestAnalyze_AllSourcesFailed(t *testing.T) {
	bundle := threat.Bundle{
		"abuseipdb":   {Err: "timeout"},
		"geolocation": {Err: "timeout"},
	}
	svc := newTestService(t, &fakeCollector{bundle: bundle}, openStore(t))

	res, err := svc.Analyze(context.Background(), "203.0.113.5")
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if res.ThreatScore != 0 || res.RiskLevel != threat.RiskLow {
		t.Errorf("expected LOW 0, got %s %d", res.RiskLevel, res.ThreatScore)
	}
	if res.Country != threat.Unknown || res.ASN != threat.Unknown {
		t.Errorf("expected Unknown geography, got %q %q", res.Country, res.ASN)
	}
}

// TestAnalyze_AllowlistOverride verifies allowlisted IPs score zero while
// keeping the rest of the analysis.
func TestAnalyze_AllowlistOverride(t *testing.T) {
	svc := newTestService(t, &fakeCollector{bundle: maliciousBundle()}, openStore(t),
		WithAllowlist([]string{"8.8.8.8", "not-an-ip"}))

	res, err := svc.Analyze(context.Background(), "8.8.8.8")
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if res.ThreatScore != 0 || res.RiskLevel != threat.RiskLow || !res.Allowlisted {
		t.Errorf("allowlisted IP should be LOW 0, got %s %d", res.RiskLevel, res.ThreatScore)
	}
	if len(res.ThreatCategories) == 0 {
		t.Error("categories should be preserved")
	}

	other, _ := svc.Analyze(context.Background(), "8.8.4.4")
	if other.ThreatScore == 0 {
		t.Error("non-allowlisted IP should keep its score")
	}
}

// TestAnalyze_PersistFailureAborts verifies store errors fail the analysis
// and nothing is forwarded.
func TestAnalyze_PersistFailureAborts(t *testing.T) {
	sink := &recordingSink{}
	svc := newTestService(t, &fakeCollector{bundle: maliciousBundle()}, failingStore{}, WithForwarder(sink))

	_, err := svc.Analyze(context.Background(), "203.0.113.9")
	if err == nil {
		t.Fatal("expected persistence error")
	}
	if errors.Is(err, ErrInvalidIP) {
		t.Error("persistence failure must not look like invalid input")
	}
	if len(sink.events) != 0 {
		t.Error("nothing should be forwarded after a failed save")
	}
}

// TestAnalyze_ForwardFailureIgnored verifies sink errors do not fail the
// analysis.
func TestAnalyze_ForwardFailureIgnored(t *testing.T) {
	sink := &recordingSink{err: errors.New("unreachable")}
	svc := newTestService(t, &fakeCollector{bundle: maliciousBundle()}, openStore(t), WithForwarder(sink))

	if _, err := svc.Analyze(context.Background(), "203.0.113.9"); err != nil {
		t.Errorf("forward failure should be ignored, got %v", err)
	}
}

// TestAnalyze_CollectorError verifies caller cancellation is surfaced.
func TestAnalyze_CollectorError(t *testing.T) {
	svc := newTestService(t, &fakeCollector{err: context.Canceled}, openStore(t))

	_, err := svc.Analyze(context.Background(), "203.0.113.9")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
