package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/lvonguyen/cerberus/internal/observability"
	"github.com/lvonguyen/cerberus/internal/threat"
)

// Config controls per-source fetch behaviour.
type Config struct {
	// Timeout bounds each attempt against one source.
	Timeout time.Duration
	// MaxRetries is the number of extra attempts after the first failure.
	MaxRetries int
	// RetryDelay is the fixed pause between attempts.
	RetryDelay time.Duration
	// CacheTTL is how long successful payloads are reused. Zero disables caching.
	CacheTTL time.Duration
}

// DefaultConfig returns an 8s attempt timeout with two retries 500ms apart.
func DefaultConfig() Config {
	return Config{
		Timeout:    8 * time.Second,
		MaxRetries: 2,
		RetryDelay: 500 * time.Millisecond,
		CacheTTL:   time.Hour,
	}
}

// Collector fans out to every source and waits for all of them.
type Collector struct {
	sources []Source
	config  Config
	cache   Cache
	group   singleflight.Group
	logger  *zap.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

// Option customises a Collector.
type Option func(*Collector)

// WithCache enables payload caching.
func WithCache(cache Cache) Option { return func(c *Collector) { c.cache = cache } }

// WithLogger sets the collector logger.
func WithLogger(logger *zap.Logger) Option { return func(c *Collector) { c.logger = logger } }

// WithMetrics records per-source outcomes.
func WithMetrics(m *observability.Metrics) Option { return func(c *Collector) { c.metrics = m } }

// WithTracer sets the tracer used for per-source spans.
func WithTracer(t trace.Tracer) Option { return func(c *Collector) { c.tracer = t } }

// New creates a collector over sources.
func New(sources []Source, config Config, opts ...Option) *Collector {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	c := &Collector{
		sources: sources,
		config:  config,
		logger:  zap.NewNop(),
		tracer:  otel.Tracer("cerberus/collector"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Sources returns the configured source names in order.
func (c *Collector) Sources() []string {
	names := make([]string, 0, len(c.sources))
	for _, s := range c.sources {
		names = append(names, s.Name())
	}
	return names
}

// Collect returns one result per source. Concurrent calls for the same IP
// share a single round of fetches, and that round keeps running even if
// the caller gives up; the caller then gets ctx.Err().
func (c *Collector) Collect(ctx context.Context, ip string) (threat.Bundle, error) {
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(ip, func() (any, error) {
		return c.collect(detached, ip), nil
	})

	select {
	case res := <-ch:
		shared := res.Val.(threat.Bundle)
		bundle := make(threat.Bundle, len(shared))
		for k, v := range shared {
			bundle[k] = v
		}
		return bundle, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Collector) collect(ctx context.Context, ip string) threat.Bundle {
	bundle := make(threat.Bundle, len(c.sources))
	var mu sync.Mutex

	// Tasks never return errors: every source must finish before Wait returns.
	var g errgroup.Group
	for _, src := range c.sources {
		g.Go(func() error {
			res := c.fetch(ctx, src, ip)
			mu.Lock()
			bundle[src.Name()] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return bundle
}

func (c *Collector) fetch(ctx context.Context, src Source, ip string) threat.SourceResult {
	name := src.Name()
	ctx, span := c.tracer.Start(ctx, "collector.fetch", trace.WithAttributes(
		attribute.String("source", name),
		attribute.String("ip", ip),
	))
	defer span.End()

	key := cacheKey(name, ip)
	if c.cache != nil && c.config.CacheTTL > 0 {
		if payload, ok := c.cache.Get(ctx, key); ok {
			c.metrics.CacheHit(name)
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return threat.SourceResult{Payload: payload}
		}
	}

	start := time.Now()
	attempts := 0
	op := func() (map[string]any, error) {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()

		payload, err := safeFetch(attemptCtx, src, ip)
		if err != nil && !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return payload, err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.config.RetryDelay), uint64(c.config.MaxRetries)),
		ctx,
	)
	payload, err := backoff.RetryWithData(op, policy)
	elapsed := time.Since(start)

	if err != nil {
		c.metrics.ObserveSource(name, "error", elapsed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("Source fetch failed",
			zap.String("source", name),
			zap.String("ip", ip),
			zap.Int("attempts", attempts),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return threat.ErrorResult(err)
	}

	if payload == nil {
		payload = map[string]any{}
	}
	c.metrics.ObserveSource(name, "ok", elapsed)
	c.logger.Debug("Source fetch succeeded",
		zap.String("source", name),
		zap.String("ip", ip),
		zap.Int("attempts", attempts),
		zap.Duration("elapsed", elapsed),
	)

	if c.cache != nil && c.config.CacheTTL > 0 {
		c.cache.Set(ctx, key, payload, c.config.CacheTTL)
	}
	return threat.SourceResult{Payload: payload}
}

// safeFetch turns a panicking source into an error.
func safeFetch(ctx context.Context, src Source, ip string) (payload map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			payload, err = nil, fmt.Errorf("%s panicked: %v", src.Name(), r)
		}
	}()
	return src.Fetch(ctx, ip)
}

// retryable reports whether another attempt could change the outcome.
func retryable(err error) bool {
	if errors.Is(err, ErrMissingAPIKey) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}
