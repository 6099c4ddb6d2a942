package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache stores successful source payloads keyed by source and IP.
type Cache interface {
	Get(ctx context.Context, key string) (map[string]any, bool)
	Set(ctx context.Context, key string, payload map[string]any, ttl time.Duration)
}

func cacheKey(source, ip string) string {
	return fmt.Sprintf("cerberus:source:%s:%s", source, strings.ToLower(ip))
}

// MemoryCache provides thread-safe in-process caching.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*memoryCacheEntry
}

type memoryCacheEntry struct {
	payload   map[string]any
	expiresAt time.Time
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]*memoryCacheEntry)}
}

// Get returns an unexpired payload.
func (c *MemoryCache) Get(_ context.Context, key string) (map[string]any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.entries[key]
	if !exists || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.payload, true
}

// Set stores payload for ttl.
func (c *MemoryCache) Set(_ context.Context, key string, payload map[string]any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &memoryCacheEntry{
		payload:   payload,
		expiresAt: time.Now().Add(ttl),
	}
}

// Len returns the number of stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// cleanup removes expired entries.
func (c *MemoryCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}

// RunCleanup evicts expired entries every interval until ctx is done.
func (c *MemoryCache) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

// RedisCache shares cached payloads between instances. Redis failures are
// treated as misses.
type RedisCache struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisCache wraps a connected client.
func NewRedisCache(client *redis.Client, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{client: client, logger: logger}
}

// Get returns a cached payload when present and decodable.
func (c *RedisCache) Get(ctx context.Context, key string) (map[string]any, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Debug("Source cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		c.logger.Debug("Discarding undecodable cache entry", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return payload, true
}

// Set stores payload as JSON with the given expiry.
func (c *RedisCache) Set(ctx context.Context, key string, payload map[string]any, ttl time.Duration) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.logger.Debug("Source cache write failed", zap.String("key", key), zap.Error(err))
	}
}
