// Package gateway provides API gateway functionality including rate limiting
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const window = time.Minute

// RateLimiter enforces per-client request budgets on API endpoints. Counters
// live in Redis when a client is configured and in process memory otherwise.
type RateLimiter struct {
	redis       *redis.Client
	logger      *zap.Logger
	config      RateLimitConfig
	localLimits sync.Map
	now         func() time.Time
}

// RateLimitConfig configures the rate limiter
type RateLimitConfig struct {
	Enabled                  bool                      `yaml:"enabled"`
	DefaultRequestsPerMinute int                       `yaml:"default_requests_per_minute"`
	Endpoints                map[string]EndpointLimits `yaml:"endpoints"`
	IncludeHeaders           bool                      `yaml:"include_headers"`
}

// EndpointLimits defines rate limits for specific endpoints
type EndpointLimits struct {
	Path              string `yaml:"path"`
	Method            string `yaml:"method"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	CostMultiplier    int    `yaml:"cost_multiplier"`
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
	Reason     string
}

var incrScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// NewRateLimiter creates a new rate limiter. redisClient may be nil.
func NewRateLimiter(redisClient *redis.Client, cfg RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if cfg.DefaultRequestsPerMinute <= 0 {
		cfg.DefaultRequestsPerMinute = 120
	}
	if cfg.Endpoints == nil {
		cfg.Endpoints = DefaultEndpointLimits()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RateLimiter{
		redis:  redisClient,
		logger: logger,
		config: cfg,
		now:    time.Now,
	}
}

// DefaultEndpointLimits returns the analysis endpoint budgets. Each analysis
// fans out to paid intelligence APIs, so these are far below the default.
func DefaultEndpointLimits() map[string]EndpointLimits {
	return map[string]EndpointLimits{
		"POST:/api/v1/analyze": {
			Path:              "/api/v1/analyze",
			Method:            http.MethodPost,
			RequestsPerMinute: 30,
			CostMultiplier:    1,
		},
		"POST:/api/v1/analyze/export": {
			Path:              "/api/v1/analyze/export",
			Method:            http.MethodPost,
			RequestsPerMinute: 30,
			CostMultiplier:    2,
		},
	}
}

// Limit returns the per-minute budget for an endpoint.
func (rl *RateLimiter) Limit(endpoint, method string) int {
	limit := rl.config.DefaultRequestsPerMinute
	ep, ok := rl.config.Endpoints[method+":"+endpoint]
	if !ok {
		return limit
	}
	if ep.RequestsPerMinute > 0 && ep.RequestsPerMinute < limit {
		limit = ep.RequestsPerMinute
	}
	if ep.CostMultiplier > 1 {
		limit /= ep.CostMultiplier
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// Check counts one request from clientID against the endpoint budget. Redis
// errors allow the request.
func (rl *RateLimiter) Check(ctx context.Context, clientID, endpoint, method string) (*RateLimitResult, error) {
	limit := rl.Limit(endpoint, method)
	key := fmt.Sprintf("cerberus:ratelimit:%s:%s:%s:minute", clientID, method, endpoint)
	now := rl.now()

	var (
		count int
		ttl   time.Duration
	)
	if rl.redis != nil {
		n, err := incrScript.Run(ctx, rl.redis, []string{key}, window.Milliseconds()).Int()
		if err != nil {
			rl.logger.Warn("Rate limit check failed, allowing request", zap.Error(err))
			return &RateLimitResult{Allowed: true, Limit: limit, Remaining: limit}, nil
		}
		count = n
		ttl, _ = rl.redis.PTTL(ctx, key).Result()
		if ttl < 0 {
			ttl = window
		}
	} else {
		count, ttl = rl.localIncr(key, now)
	}

	result := &RateLimitResult{
		Allowed:   count <= limit,
		Remaining: max(limit-count, 0),
		Limit:     limit,
		ResetAt:   now.Add(ttl),
	}
	if !result.Allowed {
		result.RetryAfter = ttl
		result.Reason = "Rate limit exceeded"
	}
	return result, nil
}

type localWindow struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

// localIncr is the in-process equivalent of incrScript.
func (rl *RateLimiter) localIncr(key string, now time.Time) (int, time.Duration) {
	v, _ := rl.localLimits.LoadOrStore(key, &localWindow{})
	w := v.(*localWindow)

	w.mu.Lock()
	defer w.mu.Unlock()
	if !now.Before(w.resetAt) {
		w.count = 0
		w.resetAt = now.Add(window)
	}
	w.count++
	return w.count, w.resetAt.Sub(now)
}

// Sweep drops expired local windows.
func (rl *RateLimiter) Sweep() {
	now := rl.now()
	rl.localLimits.Range(func(k, v any) bool {
		w := v.(*localWindow)
		w.mu.Lock()
		expired := !now.Before(w.resetAt)
		w.mu.Unlock()
		if expired {
			rl.localLimits.Delete(k)
		}
		return true
	})
}

// Middleware returns an HTTP middleware for rate limiting. Only endpoints
// listed in the configuration are limited.
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.config.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			if _, limited := rl.config.Endpoints[r.Method+":"+r.URL.Path]; !limited {
				next.ServeHTTP(w, r)
				return
			}

			result, err := rl.Check(r.Context(), getClientIP(r), r.URL.Path, r.Method)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			if rl.config.IncludeHeaders {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			}

			if !result.Allowed {
				retry := int(result.RetryAfter.Round(time.Second).Seconds())
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":"rate_limit_exceeded","message":"%s","retry_after":%d}`,
					result.Reason, retry)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// getClientIP returns the host part of RemoteAddr, which the RealIP
// middleware has already rewritten from proxy headers.
func getClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}
