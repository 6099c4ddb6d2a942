package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cerberus"

// Metrics holds Prometheus metrics for Cerberus. All recording methods are
// safe to call on a nil *Metrics.
type Metrics struct {
	// Analysis metrics
	AnalysesTotal    *prometheus.CounterVec
	AnalysisDuration prometheus.Histogram

	// Source metrics
	SourceRequests  *prometheus.CounterVec
	SourceDuration  *prometheus.HistogramVec
	SourceCacheHits *prometheus.CounterVec

	// Store metrics
	ReportsSaved  prometheus.Counter
	ReportsPruned *prometheus.CounterVec

	// Forwarding metrics
	ForwardErrors *prometheus.CounterVec

	// System metrics
	GoroutineCount prometheus.Gauge
	MemoryUsage    prometheus.Gauge

	// API metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics registers the Cerberus metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		AnalysesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "analyses_total",
				Help:      "Completed IP analyses by risk level",
			},
			[]string{"risk_level"},
		),
		AnalysisDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "analysis_duration_seconds",
				Help:      "End-to-end analysis duration",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
		SourceRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "source_requests_total",
				Help:      "Threat intel source fetches by outcome",
			},
			[]string{"source", "status"},
		),
		SourceDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "source_request_duration_seconds",
				Help:      "Threat intel source fetch duration",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
			},
			[]string{"source"},
		),
		SourceCacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "source_cache_hits_total",
				Help:      "Source results served from cache",
			},
			[]string{"source"},
		),
		ReportsSaved: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reports_saved_total",
				Help:      "Reports persisted to the store",
			},
		),
		ReportsPruned: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reports_pruned_total",
				Help:      "Reports removed by retention",
			},
			[]string{"reason"},
		),
		ForwardErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forward_errors_total",
				Help:      "Failed deliveries of completed analyses",
			},
			[]string{"sink"},
		),
		GoroutineCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutine_count",
				Help:      "Current goroutine count",
			},
		),
		MemoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"method", "path"},
		),
	}
}

// ObserveAnalysis records one completed analysis.
func (m *Metrics) ObserveAnalysis(riskLevel string, d time.Duration) {
	if m == nil {
		return
	}
	m.AnalysesTotal.WithLabelValues(riskLevel).Inc()
	m.AnalysisDuration.Observe(d.Seconds())
}

// ObserveSource records one source fetch outcome.
func (m *Metrics) ObserveSource(source, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.SourceRequests.WithLabelValues(source, status).Inc()
	m.SourceDuration.WithLabelValues(source).Observe(d.Seconds())
}

// CacheHit records a source result served from cache.
func (m *Metrics) CacheHit(source string) {
	if m == nil {
		return
	}
	m.SourceCacheHits.WithLabelValues(source).Inc()
}

// ReportSaved records one persisted report.
func (m *Metrics) ReportSaved() {
	if m == nil {
		return
	}
	m.ReportsSaved.Inc()
}

// Pruned records rows removed by retention.
func (m *Metrics) Pruned(reason string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.ReportsPruned.WithLabelValues(reason).Add(float64(n))
}

// ForwardFailed records a failed delivery to a sink.
func (m *Metrics) ForwardFailed(sink string) {
	if m == nil {
		return
	}
	m.ForwardErrors.WithLabelValues(sink).Inc()
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(method, path, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
