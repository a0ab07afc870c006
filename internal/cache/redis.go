package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// luaIncrByPreserveTTL adds delta to key, setting ttlMs as the expiry only
// if the key has none (PERSIST semantics, i.e. PTTL returns -1). A key that
// does not yet exist is created with the TTL applied.
var luaIncrByPreserveTTL = redis.NewScript(`
local next = redis.call("INCRBY", KEYS[1], ARGV[1])
local ttl = redis.call("PTTL", KEYS[1])
if ttl == -1 and tonumber(ARGV[2]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return next
`)

// luaReserveBudget atomically admits cost against limit, applying ttlMs only
// on first creation of the counter.
var luaReserveBudget = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1])) or 0
local cost = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
if cur + cost > limit then
  return {0, cur}
end
local next = cur + cost
local existed = redis.call("EXISTS", KEYS[1])
redis.call("INCRBY", KEYS[1], cost)
if existed == 0 and ttl > 0 then
  redis.call("PEXPIRE", KEYS[1], ttl)
end
return {1, next}
`)

// luaIncrRateLimit atomically admits one unit against limit within a window,
// applying ttlMs (the window length) only when the counter has no expiry yet.
var luaIncrRateLimit = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1])) or 0
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local pttl = redis.call("PTTL", KEYS[1])
local noexpiry = pttl < 0
if noexpiry then
  pttl = ttl
end
if cur >= limit then
  return {0, cur, pttl}
end
local next = redis.call("INCRBY", KEYS[1], 1)
if noexpiry and ttl > 0 then
  redis.call("PEXPIRE", KEYS[1], ttl)
end
return {1, next, pttl}
`)

// luaSetNX stores val under key only if absent, with an optional TTL.
var luaSetNX = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("SET", KEYS[1], ARGV[1])
if tonumber(ARGV[2]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 1
`)

// Redis is the cluster-aware cache backend. All hot-path atomic operations
// are server-side Lua scripts so the invariants (TTL never extended,
// check-and-mutate observably atomic) hold regardless of network latency.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis wraps an existing go-redis client (standalone or cluster). prefix
// is prepended to every key, ahead of the gw: namespace already built by
// package cachekeys, to let multiple gateway deployments share one Redis
// instance safely.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) k(key string) string {
	if r.prefix == "" {
		return key
	}
	return r.prefix + ":" + key
}

func ttlMillis(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return ttl.Milliseconds()
}

func (r *Redis) GetBytes(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, r.k(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: redis get: %w", err)
	}
	return val, true, nil
}

func (r *Redis) SetBytes(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.k(key), val, ttl).Err(); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

func (r *Redis) SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	res, err := luaSetNX.Run(ctx, r.client, []string{r.k(key)}, val, ttlMillis(ttl)).Int64()
	if err != nil {
		return false, fmt.Errorf("cache: redis setnx: %w", err)
	}
	return res == 1, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.k(key)).Err(); err != nil {
		return fmt.Errorf("cache: redis delete: %w", err)
	}
	return nil
}

func (r *Redis) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	res, err := luaIncrByPreserveTTL.Run(ctx, r.client, []string{r.k(key)}, delta, ttlMillis(ttl)).Int64()
	if err != nil {
		return 0, fmt.Errorf("cache: redis incrby: %w", err)
	}
	return res, nil
}

func (r *Redis) CheckAndReserveBudget(ctx context.Context, key string, cost, limit int64, ttl time.Duration) (BudgetResult, error) {
	res, err := luaReserveBudget.Run(ctx, r.client, []string{r.k(key)}, cost, limit, ttlMillis(ttl)).Slice()
	if err != nil {
		return BudgetResult{}, fmt.Errorf("cache: redis reserve budget: %w", err)
	}
	return BudgetResult{Allowed: toInt64(res[0]) == 1, Current: toInt64(res[1])}, nil
}

func (r *Redis) CheckAndIncrRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (RateLimitResult, error) {
	res, err := luaIncrRateLimit.Run(ctx, r.client, []string{r.k(key)}, limit, ttlMillis(window)).Slice()
	if err != nil {
		return RateLimitResult{}, fmt.Errorf("cache: redis rate limit: %w", err)
	}
	resetMs := toInt64(res[2])
	resetSecs := resetMs / 1000
	if resetMs%1000 > 0 {
		resetSecs++
	}
	return RateLimitResult{Allowed: toInt64(res[0]) == 1, Current: toInt64(res[1]), ResetSecs: resetSecs}, nil
}

// CheckLimitsBatch pipelines every check into one round-trip. Redis executes
// pipelined commands (including EVALSHA'd scripts) sequentially server-side,
// so each check is still individually atomic; cross-key ordering within the
// pipeline is unspecified, matching the documented contract.
func (r *Redis) CheckLimitsBatch(ctx context.Context, budgets []BudgetCheck, rateLimits []RateLimitCheck) (BatchResult, error) {
	pipe := r.client.Pipeline()
	budgetCmds := make([]*redis.Cmd, len(budgets))
	for i, b := range budgets {
		budgetCmds[i] = luaReserveBudget.EvalSha(ctx, pipe, []string{r.k(b.Key)}, b.Cost, b.Limit, ttlMillis(b.TTL))
	}
	rateCmds := make([]*redis.Cmd, len(rateLimits))
	for i, rl := range rateLimits {
		rateCmds[i] = luaIncrRateLimit.EvalSha(ctx, pipe, []string{r.k(rl.Key)}, rl.Limit, ttlMillis(rl.Window))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		// EVALSHA against a script the server hasn't cached yet returns
		// NOSCRIPT; fall back to plain (non-pipelined) Eval calls once.
		if isNoScript(err) {
			return r.checkLimitsBatchFallback(ctx, budgets, rateLimits)
		}
		return BatchResult{}, fmt.Errorf("cache: redis batch pipeline: %w", err)
	}

	out := BatchResult{
		Budgets:    make([]BudgetResult, len(budgets)),
		RateLimits: make([]RateLimitResult, len(rateLimits)),
	}
	for i, cmd := range budgetCmds {
		res, err := cmd.Slice()
		if err != nil {
			return BatchResult{}, fmt.Errorf("cache: redis batch budget result: %w", err)
		}
		out.Budgets[i] = BudgetResult{Allowed: toInt64(res[0]) == 1, Current: toInt64(res[1])}
	}
	for i, cmd := range rateCmds {
		res, err := cmd.Slice()
		if err != nil {
			return BatchResult{}, fmt.Errorf("cache: redis batch rate limit result: %w", err)
		}
		resetMs := toInt64(res[2])
		resetSecs := resetMs / 1000
		if resetMs%1000 > 0 {
			resetSecs++
		}
		out.RateLimits[i] = RateLimitResult{Allowed: toInt64(res[0]) == 1, Current: toInt64(res[1]), ResetSecs: resetSecs}
	}
	return out, nil
}

func (r *Redis) checkLimitsBatchFallback(ctx context.Context, budgets []BudgetCheck, rateLimits []RateLimitCheck) (BatchResult, error) {
	out := BatchResult{
		Budgets:    make([]BudgetResult, len(budgets)),
		RateLimits: make([]RateLimitResult, len(rateLimits)),
	}
	for i, b := range budgets {
		res, err := r.CheckAndReserveBudget(ctx, b.Key, b.Cost, b.Limit, b.TTL)
		if err != nil {
			return BatchResult{}, err
		}
		out.Budgets[i] = res
	}
	for i, rl := range rateLimits {
		res, err := r.CheckAndIncrRateLimit(ctx, rl.Key, rl.Limit, rl.Window)
		if err != nil {
			return BatchResult{}, err
		}
		out.RateLimits[i] = res
	}
	return out, nil
}

func isNoScript(err error) bool {
	return err != nil && len(err.Error()) >= 8 && err.Error()[:8] == "NOSCRIPT"
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

// --- sets ---

func (r *Redis) SetAdd(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.client.SAdd(ctx, r.k(key), args...).Err()
}

func (r *Redis) SetRemove(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.client.SRem(ctx, r.k(key), args...).Err()
}

func (r *Redis) SetMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, r.k(key)).Result()
}

func (r *Redis) SetCardinality(ctx context.Context, key string) (int64, error) {
	return r.client.SCard(ctx, r.k(key)).Result()
}

func (r *Redis) SetIsMember(ctx context.Context, key, member string) (bool, error) {
	return r.client.SIsMember(ctx, r.k(key), member).Result()
}

func (r *Redis) SetExpire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, r.k(key), ttl).Err()
}

// --- sorted sets ---

func (r *Redis) ZSetAdd(ctx context.Context, key string, score float64, member string, ttl time.Duration) error {
	if err := r.client.ZAdd(ctx, r.k(key), redis.Z{Score: score, Member: member}).Err(); err != nil {
		return err
	}
	if ttl > 0 {
		return r.client.Expire(ctx, r.k(key), ttl).Err()
	}
	return nil
}

func (r *Redis) ZSetRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	return r.client.ZRangeByScore(ctx, r.k(key), &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", min),
		Max: fmt.Sprintf("%f", max),
	}).Result()
}

func (r *Redis) ZSetRemoveByScore(ctx context.Context, key string, min, max float64) error {
	return r.client.ZRemRangeByScore(ctx, r.k(key), fmt.Sprintf("%f", min), fmt.Sprintf("%f", max)).Err()
}

// --- streams ---

func (r *Redis) StreamAdd(ctx context.Context, key string, values map[string]string) (string, error) {
	fields := make(map[string]any, len(values))
	for k, v := range values {
		fields[k] = v
	}
	return r.client.XAdd(ctx, &redis.XAddArgs{Stream: r.k(key), Values: fields}).Result()
}

func (r *Redis) StreamCreateGroup(ctx context.Context, key, group string) error {
	err := r.client.XGroupCreateMkStream(ctx, r.k(key), group, "0").Err()
	if err != nil && isBusyGroup(err) {
		return nil
	}
	return err
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 8 && err.Error()[:8] == "BUSYGROU"
}

func (r *Redis) StreamReadGroup(ctx context.Context, key, group, consumer string, count int64) ([]StreamMessage, error) {
	res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{r.k(key), ">"},
		Count:    count,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []StreamMessage
	for _, stream := range res {
		for _, msg := range stream.Messages {
			values := make(map[string]string, len(msg.Values))
			for k, v := range msg.Values {
				if s, ok := v.(string); ok {
					values[k] = s
				}
			}
			out = append(out, StreamMessage{ID: msg.ID, Values: values})
		}
	}
	return out, nil
}

func (r *Redis) StreamAck(ctx context.Context, key, group string, ids ...string) error {
	return r.client.XAck(ctx, r.k(key), group, ids...).Err()
}

func (r *Redis) StreamPendingCount(ctx context.Context, key, group string) (int64, error) {
	res, err := r.client.XPending(ctx, r.k(key), group).Result()
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}

func (r *Redis) StreamLen(ctx context.Context, key string) (int64, error) {
	return r.client.XLen(ctx, r.k(key)).Result()
}

// --- lifecycle ---

func (r *Redis) Purge(ctx context.Context) error {
	return r.client.FlushDB(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
