// Package api exposes the Cerberus HTTP interface.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/lvonguyen/cerberus/internal/analysis"
	"github.com/lvonguyen/cerberus/internal/api/gateway"
	"github.com/lvonguyen/cerberus/internal/observability"
	"github.com/lvonguyen/cerberus/internal/repository"
)

// Analyzer runs an analysis for one IP.
type Analyzer interface {
	Analyze(ctx context.Context, ip string) (*analysis.Result, error)
}

// ReportStore serves the stored history.
type ReportStore interface {
	GetRecent(ctx context.Context, limit int) ([]repository.StoredReport, error)
	GetStats(ctx context.Context, windowHours int) (*repository.Stats, error)
	Ping(ctx context.Context) error
}

// Config holds HTTP layer settings.
type Config struct {
	Version        string
	CORSOrigins    []string
	RequestTimeout time.Duration
}

// Server is the chi router with all Cerberus routes mounted.
type Server struct {
	config   Config
	analyzer Analyzer
	store    ReportStore

	logger         *zap.Logger
	metrics        *observability.Metrics
	limiter        *gateway.RateLimiter
	metricsHandler http.Handler
	clock          func() time.Time

	router chi.Router
}

// Option customises a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger *zap.Logger) Option { return func(s *Server) { s.logger = logger } }

// WithMetrics records per-request metrics.
func WithMetrics(m *observability.Metrics) Option { return func(s *Server) { s.metrics = m } }

// WithRateLimiter limits the analysis endpoints.
func WithRateLimiter(rl *gateway.RateLimiter) Option { return func(s *Server) { s.limiter = rl } }

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option { return func(s *Server) { s.metricsHandler = h } }

// WithClock overrides the export timestamp source.
func WithClock(clock func() time.Time) Option { return func(s *Server) { s.clock = clock } }

// NewServer builds the router.
func NewServer(cfg Config, analyzer Analyzer, store ReportStore, opts ...Option) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	s := &Server{
		config:         cfg,
		analyzer:       analyzer,
		store:          store,
		logger:         zap.NewNop(),
		metricsHandler: http.NotFoundHandler(),
		clock:          time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.router = s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.config.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Content-Disposition", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if s.limiter != nil {
		r.Use(s.limiter.Middleware())
	}

	// Health endpoints
	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", s.metricsHandler)

	// API routes
	r.Get("/api/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/analyze", s.handleAnalyze)
		r.Post("/analyze/export", s.handleExport)

		r.Route("/reports", func(r chi.Router) {
			r.Get("/recent", s.handleRecent)
			r.Get("/stats", s.handleStats)
		})
	})

	return r
}
