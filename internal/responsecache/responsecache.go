// Package responsecache implements the gateway's exact-match response cache
// (C6): SHA-256 canonical request fingerprints (package cachekeys) keyed
// into the shared cache abstraction (package cache), superseding the
// teacher's standalone internal/server/cache.go JSON-keyed implementation.
package responsecache

import (
	"context"
	"encoding/json"
	"time"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/cache"
	"github.com/eugener/gandalf/internal/cachekeys"
)

// Config controls cacheability and key derivation, set per deployment; a
// per-route TTL is passed to Store separately.
type Config struct {
	Enabled         bool
	Components      cachekeys.CacheKeyComponents
	OnlyDeterministic bool // when true, only requests with temperature==0 or a seed are cacheable
	DefaultTTL      time.Duration
	MaxSizeBytes    int
}

// Metrics is the subset of telemetry.Metrics the cache reports hits/misses
// to; declared narrowly so tests can supply a no-op implementation.
type Metrics interface {
	CacheHit(kind string)
	CacheMiss(kind string)
}

// Cache is the C6 response cache: cacheability decision, fingerprinting, and
// storage, all backed by package cache so a Redis backend makes hits visible
// cluster-wide.
type Cache struct {
	cache   cache.Cache
	cfg     Config
	metrics Metrics
}

// New returns a Cache backed by c. metrics may be nil.
func New(c cache.Cache, cfg Config, metrics Metrics) *Cache {
	return &Cache{cache: c, cfg: cfg, metrics: metrics}
}

// Cacheable reports whether req is eligible for caching under this
// deployment's configuration: caching must be enabled, the request must be
// non-streaming, request N<=1, and -- when OnlyDeterministic is set -- the
// request must carry a seed or an explicit temperature of exactly 0.
func (c *Cache) Cacheable(req *gateway.ChatRequest) bool {
	if !c.cfg.Enabled {
		return false
	}
	if req.Stream || req.N > 1 {
		return false
	}
	if req.Seed != nil {
		return true
	}
	if !c.cfg.OnlyDeterministic {
		return true
	}
	return req.Temperature != nil && *req.Temperature == 0
}

// forceRefresh reports whether the request's metadata requests a bypass of
// the cache lookup while still populating the cache afterward -- mirrors
// OpenAI's cache-control style opt-out without adding a new wire field.
func forceRefresh(req *gateway.ChatRequest) bool {
	return req.CacheControl == "no-cache"
}

// Lookup returns the cached response for req under kind ("chat_completions",
// "embeddings", ...) scoped to model, or (nil, false) on a miss, a
// force-refresh request, or when caching is not applicable.
func (c *Cache) Lookup(ctx context.Context, kind, model string, req *gateway.ChatRequest) ([]byte, bool) {
	if !c.Cacheable(req) || forceRefresh(req) {
		return nil, false
	}
	key := cachekeys.ResponseCache(kind, cachekeys.Fingerprint(req, model, c.cfg.Components))
	data, ok, err := c.cache.GetBytes(ctx, key)
	if err != nil || !ok {
		c.reportMiss(kind)
		return nil, false
	}
	c.reportHit(kind)
	return data, true
}

// Store saves resp (already marshalled) under req's fingerprint. TTL comes
// from routeTTL when positive, falling back to the deployment default. Size
// cap is enforced before the cache write: oversized responses are still
// served to the client but never cached.
func (c *Cache) Store(ctx context.Context, kind, model string, req *gateway.ChatRequest, resp []byte, routeTTL time.Duration) {
	if !c.Cacheable(req) {
		return
	}
	if c.cfg.MaxSizeBytes > 0 && len(resp) > c.cfg.MaxSizeBytes {
		return
	}
	ttl := routeTTL
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	key := cachekeys.ResponseCache(kind, cachekeys.Fingerprint(req, model, c.cfg.Components))
	c.cache.SetBytes(ctx, key, resp, ttl) //nolint:errcheck
}

// Purge clears every cached entry. Intended for the admin cache-purge route.
func (c *Cache) Purge(ctx context.Context) error {
	return c.cache.Purge(ctx)
}

func (c *Cache) reportHit(kind string) {
	if c.metrics != nil {
		c.metrics.CacheHit(kind)
	}
}

func (c *Cache) reportMiss(kind string) {
	if c.metrics != nil {
		c.metrics.CacheMiss(kind)
	}
}

// DecodeResponse is a small helper so callers don't need to import
// encoding/json just to unmarshal bytes returned by Lookup into v.
func DecodeResponse(data []byte, v any) error { return json.Unmarshal(data, v) }
