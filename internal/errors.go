package gateway

import "errors"

// Sentinel errors for the gateway domain.
var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrRateLimited     = errors.New("rate limited")
	ErrQuotaExceeded   = errors.New("quota exceeded")
	ErrModelNotAllowed = errors.New("model not allowed")
	ErrProviderError   = errors.New("provider error")
	ErrBadRequest      = errors.New("bad request")
	ErrKeyExpired      = errors.New("api key expired")
	ErrKeyBlocked      = errors.New("api key blocked")

	// C3 identity resolution
	ErrNoCredentials    = errors.New("no credentials supplied")
	ErrSessionExpired   = errors.New("session expired")
	ErrSSORequired      = errors.New("sso authentication required for this organization")
	ErrIssuerMismatch   = errors.New("token issuer does not match organization's configured issuer")
	ErrUntrustedProxy   = errors.New("request did not originate from a trusted proxy")
	ErrEmergencyLocked  = errors.New("emergency access locked out for this source")
	ErrJITConflict      = errors.New("user already belongs to a different organization")

	// C4 policy engine
	ErrPolicyDenied = errors.New("policy denied")

	// C5 quota engine
	ErrBudgetExceeded    = errors.New("budget exceeded")
	ErrCacheUnavailable  = errors.New("cache required but unavailable")
	ErrConfigError       = errors.New("configuration error")

	// C7 guardrails
	ErrGuardrailsBlocked      = errors.New("blocked by guardrails")
	ErrGuardrailsProviderDown = errors.New("guardrails provider error")
)
