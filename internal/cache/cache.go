// Package cache implements the gateway's cache abstraction (C1): a single
// capability set -- byte K/V, counters, sets, sorted sets, and streams --
// backed by either an in-process memory store or Redis. The interface is
// the contract; callers never assume backend-specific semantics such as
// Redis keyspace notifications.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCASExhausted is returned by the memory backend when a compare-and-swap
// retry loop exceeds its bounded attempt cap. This prevents silent
// starvation under heavy contention rather than looping forever.
var ErrCASExhausted = errors.New("cache: compare-and-swap retries exhausted")

// BudgetResult is the outcome of CheckAndReserveBudget.
type BudgetResult struct {
	Allowed bool
	Current int64 // counter value after this call (unchanged if denied)
}

// RateLimitResult is the outcome of CheckAndIncrRateLimit.
type RateLimitResult struct {
	Allowed   bool
	Current   int64
	ResetSecs int64 // remaining TTL on the window, for Retry-After
}

// BudgetCheck is one entry in a CheckLimitsBatch call.
type BudgetCheck struct {
	Key   string
	Cost  int64
	Limit int64
	TTL   time.Duration
}

// RateLimitCheck is one entry in a CheckLimitsBatch call.
type RateLimitCheck struct {
	Key    string
	Limit  int64
	Window time.Duration
}

// BatchResult holds the results of a CheckLimitsBatch call, in input order.
type BatchResult struct {
	Budgets    []BudgetResult
	RateLimits []RateLimitResult
}

// StreamMessage is a single entry read from a stream.
type StreamMessage struct {
	ID     string
	Values map[string]string
}

// Cache is the full capability set the hot-path core depends on. Every
// check-and-mutate operation must be observably atomic across concurrent
// callers on the same key.
type Cache interface {
	// GetBytes retrieves a value, reporting whether it was present and unexpired.
	GetBytes(ctx context.Context, key string) ([]byte, bool, error)
	// SetBytes stores a value. ttl == 0 means no expiry.
	SetBytes(ctx context.Context, key string, val []byte, ttl time.Duration) error
	// SetNX atomically stores a value only if key is absent or expired,
	// reporting whether the value was installed.
	SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error)
	// Delete removes a key and any associated counter/set/zset/stream state.
	Delete(ctx context.Context, key string) error

	// IncrBy atomically adds delta to the counter at key, returning the new
	// value. ttl is applied only if the key currently has no expiry -- a
	// pre-existing TTL is never extended.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// CheckAndReserveBudget atomically admits a reservation of cost against
	// limit. ttl applies only on first creation of the counter.
	CheckAndReserveBudget(ctx context.Context, key string, cost, limit int64, ttl time.Duration) (BudgetResult, error)
	// CheckAndIncrRateLimit atomically admits one unit against limit within
	// window. ttl (the window length) applies only on first creation.
	CheckAndIncrRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (RateLimitResult, error)
	// CheckLimitsBatch executes a set of budget and rate-limit checks in a
	// single round-trip. Order across keys within the batch is unspecified;
	// each individual check remains atomic.
	CheckLimitsBatch(ctx context.Context, budgets []BudgetCheck, rateLimits []RateLimitCheck) (BatchResult, error)

	// Set operations.
	SetAdd(ctx context.Context, key string, members ...string) error
	SetRemove(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
	SetCardinality(ctx context.Context, key string) (int64, error)
	SetIsMember(ctx context.Context, key, member string) (bool, error)
	SetExpire(ctx context.Context, key string, ttl time.Duration) error

	// Sorted-set operations.
	ZSetAdd(ctx context.Context, key string, score float64, member string, ttl time.Duration) error
	ZSetRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZSetRemoveByScore(ctx context.Context, key string, min, max float64) error

	// Stream operations.
	StreamAdd(ctx context.Context, key string, values map[string]string) (string, error)
	StreamCreateGroup(ctx context.Context, key, group string) error
	StreamReadGroup(ctx context.Context, key, group, consumer string, count int64) ([]StreamMessage, error)
	StreamAck(ctx context.Context, key, group string, ids ...string) error
	StreamPendingCount(ctx context.Context, key, group string) (int64, error)
	StreamLen(ctx context.Context, key string) (int64, error)

	// Purge removes all data. Intended for tests and graceful local resets.
	Purge(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}
