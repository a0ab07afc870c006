package responsecache

import (
	"context"
	"testing"
	"time"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/cache"
	"github.com/eugener/gandalf/internal/cachekeys"
)

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	c, err := cache.NewMemory(1000, 10)
	if err != nil {
		t.Fatal(err)
	}
	return New(c, cfg, nil)
}

func ptrF(f float64) *float64 { return &f }

func TestCacheable_StreamingNeverCacheable(t *testing.T) {
	c := newTestCache(t, Config{Enabled: true})
	req := &gateway.ChatRequest{Stream: true}
	if c.Cacheable(req) {
		t.Fatal("streaming request must not be cacheable")
	}
}

func TestCacheable_OnlyDeterministicRule(t *testing.T) {
	c := newTestCache(t, Config{Enabled: true, OnlyDeterministic: true})

	if c.Cacheable(&gateway.ChatRequest{Temperature: ptrF(0.3)}) {
		t.Fatal("temperature 0.3 must not be cacheable under only_deterministic")
	}
	if !c.Cacheable(&gateway.ChatRequest{Temperature: ptrF(0)}) {
		t.Fatal("temperature 0 must be cacheable under only_deterministic")
	}
	seed := 42
	if !c.Cacheable(&gateway.ChatRequest{Seed: &seed}) {
		t.Fatal("a seeded request must be cacheable regardless of temperature")
	}
}

func TestLookupStore_RoundTrip(t *testing.T) {
	c := newTestCache(t, Config{Enabled: true, DefaultTTL: time.Minute})
	req := &gateway.ChatRequest{Model: "gpt-4", Seed: intPtr(1), Messages: []gateway.Message{{Role: "user", Content: []byte(`"hi"`)}}}

	if _, ok := c.Lookup(context.Background(), "chat_completions", "gpt-4", req); ok {
		t.Fatal("expected miss before store")
	}

	c.Store(context.Background(), "chat_completions", "gpt-4", req, []byte(`{"id":"1"}`), 0)

	data, ok := c.Lookup(context.Background(), "chat_completions", "gpt-4", req)
	if !ok {
		t.Fatal("expected hit after store")
	}
	if string(data) != `{"id":"1"}` {
		t.Fatalf("unexpected cached payload: %s", data)
	}
}

func TestLookup_ForceRefreshBypasses(t *testing.T) {
	c := newTestCache(t, Config{Enabled: true, DefaultTTL: time.Minute})
	req := &gateway.ChatRequest{Model: "gpt-4", Seed: intPtr(1)}
	c.Store(context.Background(), "chat_completions", "gpt-4", req, []byte(`{"id":"1"}`), 0)

	req.CacheControl = "no-cache"
	if _, ok := c.Lookup(context.Background(), "chat_completions", "gpt-4", req); ok {
		t.Fatal("expected force-refresh to bypass the cache lookup")
	}
}

func TestStore_SizeCapRejected(t *testing.T) {
	c := newTestCache(t, Config{Enabled: true, DefaultTTL: time.Minute, MaxSizeBytes: 4})
	req := &gateway.ChatRequest{Model: "gpt-4", Seed: intPtr(1)}
	c.Store(context.Background(), "chat_completions", "gpt-4", req, []byte(`{"id":"too big"}`), 0)

	if _, ok := c.Lookup(context.Background(), "chat_completions", "gpt-4", req); ok {
		t.Fatal("expected oversized response to not be cached")
	}
}

func TestFingerprintKeyDistinctPerComponent(t *testing.T) {
	req1 := &gateway.ChatRequest{Messages: []gateway.Message{{Role: "user", Content: []byte(`"a"`)}}}
	req2 := &gateway.ChatRequest{Messages: []gateway.Message{{Role: "user", Content: []byte(`"b"`)}}}
	if cachekeys.Fingerprint(req1, "m", cachekeys.CacheKeyComponents{}) == cachekeys.Fingerprint(req2, "m", cachekeys.CacheKeyComponents{}) {
		t.Fatal("expected distinct fingerprints for distinct message content")
	}
}

func intPtr(i int) *int { return &i }
