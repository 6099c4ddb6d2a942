// Package main provides the entry point for the Cerberus server.
// Cerberus correlates IPv4 threat intelligence from several sources into a
// single scored, narrated report.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/cerberus/internal/analysis"
	"github.com/lvonguyen/cerberus/internal/api"
	"github.com/lvonguyen/cerberus/internal/api/gateway"
	"github.com/lvonguyen/cerberus/internal/collector"
	"github.com/lvonguyen/cerberus/internal/config"
	"github.com/lvonguyen/cerberus/internal/forward"
	"github.com/lvonguyen/cerberus/internal/narrative"
	"github.com/lvonguyen/cerberus/internal/normalizer"
	"github.com/lvonguyen/cerberus/internal/observability"
	"github.com/lvonguyen/cerberus/internal/profile"
	"github.com/lvonguyen/cerberus/internal/repository"
	"github.com/lvonguyen/cerberus/internal/scoring"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Cerberus %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "cerberus: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	tel, err := observability.New(observability.Config{
		ServiceName:    "cerberus",
		ServiceVersion: Version,
		Environment:    cfg.Telemetry.Environment,
		LogLevel:       cfg.Logging.Level,
		LogFormat:      cfg.Logging.Format,
		TracingEnabled: cfg.Telemetry.TracingEnabled,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	logger := tel.Logger()
	metrics := tel.Metrics()

	logger.Info("Starting Cerberus",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.String("config", configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tel.StartSystemMetricsCollector(ctx)

	// Storage
	store, err := repository.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN,
		repository.Retention{
			MaxAge:  cfg.Storage.RetentionMaxAge(),
			MaxRows: cfg.Storage.RetentionLimit,
		},
		repository.WithLogger(logger),
		repository.WithMetrics(metrics),
	)
	if err != nil {
		return fmt.Errorf("opening report store: %w", err)
	}
	defer store.Close()
	retention := store.Retention()
	logger.Info("Report store ready",
		zap.String("driver", cfg.Storage.Driver),
		zap.Duration("max_age", retention.MaxAge),
		zap.Int("max_rows", retention.MaxRows),
	)

	var sweeper *repository.Sweeper
	if cfg.Storage.SweepSchedule != "" {
		sweeper, err = repository.NewSweeper(store, cfg.Storage.SweepSchedule, logger)
		if err != nil {
			return err
		}
		sweeper.Start()
	}

	// Shared counters
	redisClient := connectRedis(ctx, cfg.Redis, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Profile and pipeline
	prof, err := profile.Lookup(cfg.Analysis.Profile, cfg.Analysis.HighRiskCountries)
	if err != nil {
		return err
	}
	sources, closeSources, err := buildSources(prof.Sources, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSources()

	var cache collector.Cache
	if redisClient != nil {
		cache = collector.NewRedisCache(redisClient, logger)
	} else {
		mem := collector.NewMemoryCache()
		go mem.RunCleanup(ctx, time.Minute)
		cache = mem
	}

	coll := collector.New(sources, collector.Config{
		Timeout:    cfg.Collector.Timeout,
		MaxRetries: cfg.Collector.MaxRetries,
		RetryDelay: cfg.Collector.RetryDelay,
		CacheTTL:   cfg.Collector.CacheTTL,
	},
		collector.WithCache(cache),
		collector.WithLogger(logger),
		collector.WithMetrics(metrics),
		collector.WithTracer(tel.Tracer()),
	)

	engine, err := scoring.NewEngine(prof.Rules, scoring.DefaultTiers())
	if err != nil {
		return fmt.Errorf("building scoring engine: %w", err)
	}
	norm := normalizer.New(prof.Mapping, cfg.Analysis.HighRiskCountries)

	narrator := narrative.New(narrative.Config{
		APIKey:      cfg.Narrative.APIKey(),
		BaseURL:     cfg.Narrative.BaseURL,
		Model:       cfg.Narrative.Model,
		Temperature: cfg.Narrative.Temperature,
		MaxTokens:   cfg.Narrative.MaxTokens,
	}, logger)

	forwarders, err := buildForwarders(cfg.Forwarding, metrics, logger)
	if err != nil {
		return err
	}

	svcOpts := []analysis.Option{
		analysis.WithAllowlist(cfg.Analysis.Allowlist),
		analysis.WithLogger(logger),
		analysis.WithMetrics(metrics),
		analysis.WithTracer(tel.Tracer()),
	}
	if forwarders.Len() > 0 {
		svcOpts = append(svcOpts, analysis.WithForwarder(forwarders))
	}
	svc := analysis.NewService(coll, norm, engine, narrator, store, svcOpts...)

	logger.Info("Analysis pipeline ready",
		zap.String("profile", prof.Name),
		zap.Int("rules", len(engine.Rules())),
		zap.Strings("sources", coll.Sources()),
		zap.Strings("forwarders", cfg.EnabledForwarders()),
		zap.Bool("llm_narrative", cfg.Narrative.APIKey() != ""),
	)

	// HTTP
	serverOpts := []api.Option{
		api.WithLogger(logger),
		api.WithMetrics(metrics),
	}
	if cfg.Telemetry.MetricsEnabled {
		serverOpts = append(serverOpts, api.WithMetricsHandler(tel.MetricsHandler()))
	}
	if cfg.RateLimit.Enabled {
		limiter := buildRateLimiter(cfg.RateLimit, redisClient, logger)
		if redisClient == nil {
			go sweepLocalLimits(ctx, limiter)
		}
		serverOpts = append(serverOpts, api.WithRateLimiter(limiter))
	}
	router := api.NewServer(api.Config{
		Version:        Version,
		CORSOrigins:    cfg.Server.CORSOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, svc, store, serverOpts...)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case sig := <-sigChan:
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			tel.RecordError(ctx, err, zap.String("addr", server.Addr))
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown error", zap.Error(err))
	}
	if sweeper != nil {
		sweeper.Stop(shutdownCtx)
	}
	if err := forwarders.Close(shutdownCtx); err != nil {
		logger.Warn("Forwarder shutdown error", zap.Error(err))
	}

	logger.Info("Server stopped")
	return tel.Shutdown(shutdownCtx)
}

// connectRedis returns nil when Redis is disabled or unreachable, in which
// case caching and rate limiting stay in process.
func connectRedis(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) *redis.Client {
	if !cfg.Enabled {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.RedisPassword(),
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("Redis unavailable, using in-process cache and limits",
			zap.String("addr", cfg.Addr), zap.Error(err))
		_ = client.Close()
		return nil
	}
	logger.Info("Connected to Redis", zap.String("addr", cfg.Addr))
	return client
}

// buildSources instantiates the named sources. The returned func releases
// any local databases.
func buildSources(names []string, cfg *config.Config, logger *zap.Logger) ([]collector.Source, func(), error) {
	var (
		sources []collector.Source
		closers []func() error
	)
	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}

	for _, name := range names {
		var src collector.Source
		switch name {
		case "abuseipdb":
			src = collector.NewAbuseIPDB(httpSource(cfg.Sources.AbuseIPDB, name, logger))
		case "otx":
			src = collector.NewOTX(httpSource(cfg.Sources.OTX, name, logger))
		case "virustotal":
			src = collector.NewVirusTotal(httpSource(cfg.Sources.VirusTotal, name, logger))
		case "misp":
			src = collector.NewMISP(httpSource(cfg.Sources.MISP.SourceConfig, name, logger), cfg.Sources.MISP.PublishedOnly)
		case "geolocation":
			geo := cfg.Sources.Geolocation
			if geo.GeoLite.Enabled {
				g, err := collector.OpenGeoLite(geo.GeoLite.CountryDB, geo.GeoLite.ASNDB)
				if err != nil {
					closeAll()
					return nil, nil, err
				}
				closers = append(closers, g.Close)
				src = g
			} else {
				src = collector.NewIPAPI(collector.SourceConfig{BaseURL: geo.BaseURL})
			}
		default:
			closeAll()
			return nil, nil, fmt.Errorf("profile references unknown source %q", name)
		}
		sources = append(sources, src)
	}
	return sources, closeAll, nil
}

func httpSource(sc config.SourceConfig, name string, logger *zap.Logger) collector.SourceConfig {
	key := sc.APIKey()
	if key == "" {
		logger.Warn("Source has no API key, lookups will fail", zap.String("source", name), zap.String("env", sc.APIKeyEnv))
	}
	return collector.SourceConfig{BaseURL: sc.BaseURL, APIKey: key}
}

func buildForwarders(cfg config.ForwardingConfig, metrics *observability.Metrics, logger *zap.Logger) (*forward.Multi, error) {
	var sinks []forward.Sink

	if cfg.HEC.Enabled {
		hc := forward.DefaultHECConfig()
		hc.URL = cfg.HEC.URL
		hc.Token = cfg.HEC.Token()
		setIf(&hc.Index, cfg.HEC.Index)
		setIf(&hc.SourceType, cfg.HEC.SourceType)
		setIf(&hc.Source, cfg.HEC.Source)
		if cfg.HEC.BatchSize > 0 {
			hc.BatchSize = cfg.HEC.BatchSize
		}
		if cfg.HEC.BatchTimeout > 0 {
			hc.BatchTimeout = cfg.HEC.BatchTimeout
		}
		if cfg.HEC.Timeout > 0 {
			hc.Timeout = cfg.HEC.Timeout
		}
		if cfg.HEC.RetryCount > 0 {
			hc.RetryCount = cfg.HEC.RetryCount
		}
		if host, err := os.Hostname(); err == nil {
			hc.Host = host
		}
		hec, err := forward.NewHECSink(hc, logger)
		if err != nil {
			return nil, fmt.Errorf("configuring HEC forwarding: %w", err)
		}
		sinks = append(sinks, hec)
	}

	if cfg.NATS.Enabled {
		ns, err := forward.NewNATSSink(forward.NATSConfig{URL: cfg.NATS.URL, Subject: cfg.NATS.Subject})
		if err != nil {
			for _, s := range sinks {
				_ = s.Close(context.Background())
			}
			return nil, fmt.Errorf("configuring NATS forwarding: %w", err)
		}
		sinks = append(sinks, ns)
	}

	return forward.NewMulti(metrics, sinks...), nil
}

func buildRateLimiter(cfg config.RateLimitConfig, client *redis.Client, logger *zap.Logger) *gateway.RateLimiter {
	endpoints := gateway.DefaultEndpointLimits()
	if cfg.AnalyzeRequestsPerMinute > 0 {
		for key, limit := range endpoints {
			limit.RequestsPerMinute = cfg.AnalyzeRequestsPerMinute
			endpoints[key] = limit
		}
	}
	return gateway.NewRateLimiter(client, gateway.RateLimitConfig{
		Enabled:                  true,
		DefaultRequestsPerMinute: cfg.DefaultRequestsPerMinute,
		Endpoints:                endpoints,
		IncludeHeaders:           cfg.IncludeHeaders,
	}, logger)
}

func sweepLocalLimits(ctx context.Context, limiter *gateway.RateLimiter) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Sweep()
		}
	}
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
