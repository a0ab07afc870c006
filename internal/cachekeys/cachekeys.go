// Package cachekeys builds the gateway's cache key namespace.
//
// Every key is lowercase, ':'-delimited, and prefixed "gw:". Keys scoped to
// a single API key use the Redis hash-tag form gw:...:{api_key_id}:... so
// that all per-key state lands on the same cluster slot, which is required
// for the atomic multi-key operations in package cache.
package cachekeys

import (
	"time"

	gateway "github.com/eugener/gandalf/internal"
)

// APIKey returns the lookup key for an API key by its hash.
func APIKey(hash string) string { return "gw:apikey:" + hash }

// APIKeyByID returns the lookup key for an API key by its id.
func APIKeyByID(id string) string { return "gw:apikey:id:" + id }

// APIKeyReverse maps an API key id back to its hash, for cache invalidation
// when only the id is known (e.g. after an admin revoke).
func APIKeyReverse(id string) string { return "gw:apikey:reverse:" + id }

// APIKeyLastUsed debounces last_used_at writes: presence means a write was
// already issued within the debounce window.
func APIKeyLastUsed(id string) string { return "gw:apikey:lastused:" + id }

// RateLimit returns the request-rate counter key for an API key and window
// ("minute" or "hour").
func RateLimit(apiKeyID, window string) string {
	return "gw:ratelimit:{" + apiKeyID + "}:" + window
}

// RateLimitIP returns the request-rate counter key for an unauthenticated
// caller, bucketed by source IP and window.
func RateLimitIP(ip, window string) string {
	return "gw:ratelimit:ip:" + ip + ":" + window
}

// RateLimitTokens returns the token-rate counter key for an API key and
// window ("minute" or "day").
func RateLimitTokens(apiKeyID, window string) string {
	return "gw:ratelimit:tokens:{" + apiKeyID + "}:" + window
}

// ConcurrentRequests returns the in-flight-request counter key for an API key.
func ConcurrentRequests(apiKeyID string) string {
	return "gw:concurrent:{" + apiKeyID + "}"
}

// Spend returns the budget-spend counter key for an API key, scoped by
// budget period and the current calendar date/month. Embedding the calendar
// suffix in the key (rather than a TTL-until-period-end) means a request
// whose reconciliation arrives after a long stream still lands on the same
// key for the remainder of the period.
func Spend(apiKeyID string, period gateway.BudgetPeriod, now time.Time) string {
	var suffix string
	switch period {
	case gateway.BudgetPeriodMonthly:
		suffix = now.UTC().Format("2006-01")
	default:
		suffix = now.UTC().Format("2006-01-02")
	}
	return "gw:spend:{" + apiKeyID + "}:" + string(period) + ":" + suffix
}

// SpendTTL returns the fixed TTL to apply when a spend counter is first
// created: one full period, since the calendar suffix already rolls the key
// over at the period boundary.
func SpendTTL(period gateway.BudgetPeriod, now time.Time) time.Duration {
	now = now.UTC()
	switch period {
	case gateway.BudgetPeriodMonthly:
		return now.AddDate(0, 1, 0).Sub(now)
	default:
		return 24 * time.Hour
	}
}

// OrgAccess returns the membership-check key for a user within an org.
func OrgAccess(userID, orgID string) string { return "gw:orgaccess:" + userID + ":" + orgID }

// DynamicProvider returns the lookup key for a dynamically-scoped provider
// config. scopeID encodes the owner identity (org slug, "org:project", etc.)
// to isolate tenants from each other.
func DynamicProvider(scope, scopeID, name string) string {
	return "gw:provider:" + scope + ":" + scopeID + ":" + name
}

// RBACPolicyVersion returns the org-wide policy version counter used for
// multi-node cache invalidation.
func RBACPolicyVersion(orgID string) string { return "gw:rbac:org:" + orgID + ":version" }

// EmergencyRateLimit returns the failed-attempt counter key for emergency
// access from a source IP.
func EmergencyRateLimit(ip string) string { return "gw:emergency:ratelimit:" + ip }

// EmergencyLockout returns the lockout key for a source IP. Presence blocks
// further emergency access attempts from that IP.
func EmergencyLockout(ip string) string { return "gw:emergency:lockout:" + ip }

// Session returns the lookup key for a cookie-based SSO session.
func Session(sessionID string) string { return "gw:session:" + sessionID }

// ResponseCache returns the exact-match cache key for a response fingerprint.
// kind selects the route family ("response", "responses", "completions",
// "embeddings") matching the OpenAI-compatible endpoint being cached.
func ResponseCache(kind, fingerprint string) string { return "gw:" + kind + ":" + fingerprint }
