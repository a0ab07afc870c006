// Package quota implements the gateway's quota engine (C5): spend-budget,
// request-rate, and token-rate admission checks batched into a single cache
// round-trip, with post-response reservation reconciliation. It supersedes
// the teacher's in-process internal/ratelimit package -- every limit here is
// enforced through the shared cache abstraction (package cache), so a
// multi-node deployment backed by Redis shares one rate-limit window instead
// of each node keeping its own lazy-refill bucket.
package quota

import (
	"context"
	"log/slog"
	"time"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/cache"
	"github.com/eugener/gandalf/internal/cachekeys"
)

// DefaultLimits supplies fallback RPM/TPM when an identity carries none of
// its own, mirroring the teacher's per-deployment config defaults.
type DefaultLimits struct {
	RPM int64
	TPM int64
}

// Engine evaluates and reconciles quota across every limit dimension for a
// single request.
type Engine struct {
	cache    cache.Cache
	defaults DefaultLimits
}

// NewEngine returns an Engine backed by c, applying defaults whenever an
// identity's own RPM/TPM limits are zero.
func NewEngine(c cache.Cache, defaults DefaultLimits) *Engine {
	return &Engine{cache: c, defaults: defaults}
}

// Decision is the outcome of a CheckRequest call. The Spend/TokenMin/TokenDay
// reservations are non-nil exactly when that dimension was checked, and must
// be passed to Adjust once the request's actual cost/tokens are known.
type Decision struct {
	Allowed    bool
	RejectedBy string // "budget", "request_rate", "token_rate", or "" if allowed
	RetryAfter time.Duration

	gateway.ReservationSet
}

// CheckRequest batches every configured limit for id into a single cache
// round-trip: request-rate (minute, hour), token-rate (minute, day), and
// budget spend. Token-rate checks reserve the estimated token count at
// admission; the budget check reserves nothing (cost 0) and only verifies
// that spend is still within the limit. Adjust applies the difference to the
// actual cost and token count once real usage is known. A nil
// identity or one with no KeyID (pre-authentication probes) is always
// admitted.
func (e *Engine) CheckRequest(ctx context.Context, id *gateway.Identity, estimatedTokens int64, now time.Time) (Decision, error) {
	if id == nil || id.KeyID == "" {
		return Decision{Allowed: true}, nil
	}

	rpm := id.RPMLimit
	if rpm == 0 {
		rpm = e.defaults.RPM
	}
	tpm := id.TPMLimit
	if tpm == 0 {
		tpm = e.defaults.TPM
	}

	var rateChecks []cache.RateLimitCheck
	var rateKinds []string
	if rpm > 0 {
		rateChecks = append(rateChecks, cache.RateLimitCheck{Key: cachekeys.RateLimit(id.KeyID, "minute"), Limit: rpm, Window: time.Minute})
		rateKinds = append(rateKinds, "rpm")
	}
	if id.RPHLimit > 0 {
		rateChecks = append(rateChecks, cache.RateLimitCheck{Key: cachekeys.RateLimit(id.KeyID, "hour"), Limit: id.RPHLimit, Window: time.Hour})
		rateKinds = append(rateKinds, "rph")
	}

	var budgetChecks []cache.BudgetCheck
	var budgetKinds []string
	if id.BudgetLimitCents > 0 {
		period := id.BudgetPeriod
		if period == "" {
			period = gateway.BudgetPeriodDaily
		}
		budgetChecks = append(budgetChecks, cache.BudgetCheck{
			Key:   cachekeys.Spend(id.KeyID, period, now),
			Cost:  0, // admission only verifies headroom; actual cost is applied by Adjust
			Limit: id.BudgetLimitCents,
			TTL:   cachekeys.SpendTTL(period, now),
		})
		budgetKinds = append(budgetKinds, "spend")
	}
	if tpm > 0 {
		budgetChecks = append(budgetChecks, cache.BudgetCheck{
			Key:   cachekeys.RateLimitTokens(id.KeyID, "minute"),
			Cost:  estimatedTokens,
			Limit: tpm,
			TTL:   time.Minute,
		})
		budgetKinds = append(budgetKinds, "token_min")
	}
	if id.TPDLimit > 0 {
		budgetChecks = append(budgetChecks, cache.BudgetCheck{
			Key:   cachekeys.RateLimitTokens(id.KeyID, "day"),
			Cost:  estimatedTokens,
			Limit: id.TPDLimit,
			TTL:   24 * time.Hour,
		})
		budgetKinds = append(budgetKinds, "token_day")
	}

	if len(rateChecks) == 0 && len(budgetChecks) == 0 {
		return Decision{Allowed: true}, nil
	}

	result, err := e.cache.CheckLimitsBatch(ctx, budgetChecks, rateChecks)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{Allowed: true}
	for i, kind := range budgetKinds {
		br := result.Budgets[i]
		res := &gateway.Reservation{CacheKey: budgetChecks[i].Key, ReservedAmount: budgetChecks[i].Cost, TTL: budgetChecks[i].TTL}
		switch kind {
		case "spend":
			d.Spend = res
		case "token_min":
			d.TokenMin = res
		case "token_day":
			d.TokenDay = res
		}
		if !br.Allowed && d.Allowed {
			d.Allowed = false
			if kind == "spend" {
				d.RejectedBy = "budget"
			} else {
				d.RejectedBy = "token_rate"
			}
		}
	}
	for i, kind := range rateKinds {
		rr := result.RateLimits[i]
		if !rr.Allowed && d.Allowed {
			d.Allowed = false
			d.RejectedBy = "request_rate"
			d.RetryAfter = time.Duration(rr.ResetSecs) * time.Second
		}
		_ = kind
	}

	return d, nil
}

// Adjust reconciles a set of reservations against the request's actual cost
// and token count, retrying a transient cache failure with bounded
// exponential backoff rather than silently leaving the window over- or
// under-reserved. Called by the usage worker (C8) once real usage is known,
// which may be long after the admission check that produced the reservation.
func (e *Engine) Adjust(ctx context.Context, rs gateway.ReservationSet, actualCostCents, actualTokens int64) {
	if rs.Spend != nil {
		e.adjustOne(ctx, *rs.Spend, actualCostCents)
	}
	if rs.TokenMin != nil {
		e.adjustOne(ctx, *rs.TokenMin, actualTokens)
	}
	if rs.TokenDay != nil {
		e.adjustOne(ctx, *rs.TokenDay, actualTokens)
	}
}

const (
	maxAdjustAttempts = 3
	adjustBaseBackoff = 10 * time.Millisecond
)

func (e *Engine) adjustOne(ctx context.Context, r gateway.Reservation, actual int64) {
	delta := actual - r.ReservedAmount
	if delta == 0 {
		return
	}
	backoff := adjustBaseBackoff
	for attempt := 0; attempt < maxAdjustAttempts; attempt++ {
		if _, err := e.cache.IncrBy(ctx, r.CacheKey, delta, r.TTL); err == nil {
			return
		}
		if attempt == maxAdjustAttempts-1 {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
	}
	slog.LogAttrs(ctx, slog.LevelWarn, "quota: reservation adjustment exhausted retries",
		slog.String("component", "quota"), slog.String("key", r.CacheKey), slog.Int64("delta", delta))
}

// ConcurrencyLimiter bounds the number of in-flight requests for a key.
// Unlike the other dimensions it has no "estimate then adjust" shape: it is
// acquired at admission and released unconditionally when the request ends.
type ConcurrencyLimiter struct {
	cache cache.Cache
}

// NewConcurrencyLimiter returns a ConcurrencyLimiter backed by c.
func NewConcurrencyLimiter(c cache.Cache) *ConcurrencyLimiter {
	return &ConcurrencyLimiter{cache: c}
}

// Acquire increments the in-flight counter for keyID and reports whether it
// remained at or under limit. Release must be called exactly once per
// successful Acquire, regardless of the request's outcome.
func (c *ConcurrencyLimiter) Acquire(ctx context.Context, keyID string, limit int64) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	current, err := c.cache.IncrBy(ctx, cachekeys.ConcurrentRequests(keyID), 1, time.Hour)
	if err != nil {
		return false, err
	}
	if current > limit {
		c.cache.IncrBy(ctx, cachekeys.ConcurrentRequests(keyID), -1, 0) //nolint:errcheck
		return false, nil
	}
	return true, nil
}

// Release decrements the in-flight counter for keyID.
func (c *ConcurrencyLimiter) Release(ctx context.Context, keyID string) {
	c.cache.IncrBy(ctx, cachekeys.ConcurrentRequests(keyID), -1, 0) //nolint:errcheck
}
