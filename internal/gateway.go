// Package gateway defines domain types and interfaces for the Gandalf LLM gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"time"
)

// --- Provider ---

// Provider is the interface that all LLM provider adapters must implement.
type Provider interface {
	// Name returns the provider identifier (e.g., "openai", "anthropic").
	Name() string
	// ChatCompletion sends a non-streaming chat completion request.
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	// ChatCompletionStream sends a streaming chat completion request.
	ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
	// Embeddings generates embeddings for input text.
	Embeddings(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
	// ListModels returns the list of available model IDs.
	ListModels(ctx context.Context) ([]string, error)
	// HealthCheck verifies connectivity to the provider.
	HealthCheck(ctx context.Context) error
}

// ChatRequest represents an OpenAI-compatible chat completion request.
type ChatRequest struct {
	Model            string          `json:"model"`
	Messages         []Message       `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	N                int             `json:"n,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	StreamOptions    *StreamOptions  `json:"stream_options,omitempty"`
	Stop             json.RawMessage `json:"stop,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	Seed             *int            `json:"seed,omitempty"`
	User             string          `json:"user,omitempty"`
	Tools            json.RawMessage `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat   json.RawMessage `json:"response_format,omitempty"`
	// CacheControl is a gateway extension field (not sent upstream): set to
	// "no-cache" to bypass the C6 response-cache lookup while still
	// populating the cache with the fresh response.
	CacheControl string `json:"cache_control,omitempty"`
}

// StreamOptions controls streaming behavior.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// ChatResponse represents an OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	Usage             *Usage   `json:"usage,omitempty"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk represents a single chunk in a streaming response.
type StreamChunk struct {
	Data  []byte // raw SSE data line, forwarded as-is when possible
	Usage *Usage // non-nil on final chunk
	Done  bool
	Err   error
}

// EmbeddingRequest represents an OpenAI-compatible embedding request.
type EmbeddingRequest struct {
	Model          string          `json:"model"`
	Input          json.RawMessage `json:"input"`
	EncodingFormat string          `json:"encoding_format,omitempty"`
	User           string          `json:"user,omitempty"`
}

// EmbeddingResponse represents an OpenAI-compatible embedding response.
type EmbeddingResponse struct {
	Object string          `json:"object"`
	Data   json.RawMessage `json:"data"`
	Model  string          `json:"model"`
	Usage  *Usage          `json:"usage,omitempty"`
}

// --- Multi-tenant identity ---

// Organization represents a top-level tenant.
type Organization struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	AllowedModels []string `json:"allowed_models,omitempty"` // nil = all models
	RPMLimit      *int64   `json:"rpm_limit,omitempty"`
	TPMLimit      *int64   `json:"tpm_limit,omitempty"`
	MaxBudget     *float64 `json:"max_budget,omitempty"` // USD
	CreatedAt     time.Time `json:"created_at"`
}

// Team is a subdivision within an organization.
type Team struct {
	ID            string   `json:"id"`
	OrgID         string   `json:"org_id"`
	Name          string   `json:"name"`
	AllowedModels []string `json:"allowed_models,omitempty"` // nil = inherit from org
	RPMLimit      *int64   `json:"rpm_limit,omitempty"`
	TPMLimit      *int64   `json:"tpm_limit,omitempty"`
	MaxBudget     *float64 `json:"max_budget,omitempty"`
}

// BudgetPeriod is the reset cadence for an API key's spend budget.
type BudgetPeriod string

const (
	BudgetPeriodDaily   BudgetPeriod = "daily"
	BudgetPeriodMonthly BudgetPeriod = "monthly"
)

// Scope is an opaque name marking an API key's allowed endpoint class.
type Scope string

const (
	ScopeChat       Scope = "chat"
	ScopeCompletion Scope = "completions"
	ScopeEmbeddings Scope = "embeddings"
	ScopeImages     Scope = "images"
	ScopeAudio      Scope = "audio"
	ScopeFiles      Scope = "files"
	ScopeModels     Scope = "models"
	ScopeAdmin      Scope = "admin"
)

// APIKey represents an API key for authentication.
type APIKey struct {
	ID                  string        `json:"id"`
	KeyHash             string        `json:"-"`                        // SHA-256 hex, never exposed
	KeyPrefix           string        `json:"key_prefix"`               // first 8 chars for display
	UserID              string        `json:"user_id,omitempty"`
	TeamID              string        `json:"team_id,omitempty"`
	OrgID               string        `json:"org_id"`
	Role                string        `json:"role"` // "admin", "member", "viewer", "service_account"; "" = member
	AllowedModels       []string      `json:"allowed_models,omitempty"` // nil = inherit from team
	RPMLimit            *int64        `json:"rpm_limit,omitempty"`
	RPHLimit            *int64        `json:"rph_limit,omitempty"`
	TPMLimit            *int64        `json:"tpm_limit,omitempty"`
	TPDLimit            *int64        `json:"tpd_limit,omitempty"`
	MaxBudget           *float64      `json:"max_budget,omitempty"` // legacy USD form, derived into BudgetLimitCents at load
	BudgetLimitCents    int64         `json:"budget_limit_cents,omitempty"`
	BudgetPeriod        BudgetPeriod  `json:"budget_period,omitempty"`
	IPAllowlist         []string      `json:"ip_allowlist,omitempty"` // CIDR list; empty = unrestricted
	Scopes              []Scope       `json:"scopes,omitempty"`       // empty = unrestricted
	ExpiresAt           *time.Time    `json:"expires_at,omitempty"`
	RevokedAt           *time.Time    `json:"revoked_at,omitempty"`
	Blocked             bool          `json:"blocked"`
	RotatedFromKeyID    string        `json:"rotated_from_key_id,omitempty"`
	RotationGraceUntil  *time.Time    `json:"rotation_grace_until,omitempty"`
	LastUsedAt          *time.Time    `json:"last_used_at,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
}

// Valid reports whether the key is currently usable: not revoked, not
// expired, and -- if rotated out -- still within its rotation grace window.
func (k *APIKey) Valid(now time.Time) bool {
	if k.Blocked || k.RevokedAt != nil {
		return false
	}
	if k.ExpiresAt != nil && now.After(*k.ExpiresAt) {
		return false
	}
	if k.RotatedFromKeyID != "" && k.RotationGraceUntil != nil && now.After(*k.RotationGraceUntil) {
		return false
	}
	return true
}

// HasScope reports whether the key is allowed to use the given scope.
// An empty Scopes list means the key is unrestricted.
func (k *APIKey) HasScope(s Scope) bool {
	if len(k.Scopes) == 0 {
		return true
	}
	for _, have := range k.Scopes {
		if have == s {
			return true
		}
	}
	return false
}

// IPAllowed reports whether ip satisfies the key's allowlist. An empty
// allowlist means the key is unrestricted. Malformed CIDRs are never matched.
func (k *APIKey) IPAllowed(ip string) bool {
	if len(k.IPAllowlist) == 0 {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, cidr := range k.IPAllowlist {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if network.Contains(parsed) {
			return true
		}
	}
	return false
}

// Identity is the authenticated caller context attached to request context.
// Populated by either JWT or API key auth.
type Identity struct {
	Subject    string     `json:"subject"`     // JWT sub or key prefix
	KeyID      string     `json:"key_id"`      // API key ID for per-key bucketing
	UserID     string     `json:"user_id"`
	TeamID     string     `json:"team_id"`
	OrgID      string     `json:"org_id"`
	Role       string     `json:"role"`        // "admin", "member", "viewer", "service_account"
	Perms      Permission `json:"-"`           // resolved bitmask
	AuthMethod string     `json:"auth_method"` // "bootstrap", "emergency", "jwt", "proxy", "session", or "apikey"
	RPMLimit   int64      `json:"-"`           // effective RPM limit (0 = unlimited)
	RPHLimit   int64      `json:"-"`           // effective RPH limit (0 = unlimited)
	TPMLimit   int64      `json:"-"`           // effective TPM limit (0 = unlimited)
	TPDLimit   int64      `json:"-"`           // effective TPD limit (0 = unlimited)
	MaxBudget  float64    `json:"-"`           // max spend USD (0 = unlimited), legacy form
	BudgetLimitCents int64        `json:"-"` // effective spend budget in cents (0 = unlimited)
	BudgetPeriod     BudgetPeriod `json:"-"`
	Scopes           []Scope      `json:"-"`

	// ExternalID/Email/Name/Roles/IdPGroups/ServiceAccountID are populated by
	// the non-API-key C3 resolvers (bootstrap, emergency, bearer JWT, proxy
	// headers, session cookie); they are left zero for plain API-key auth,
	// whose identity is fully described by the fields above.
	ExternalID       string   `json:"external_id,omitempty"`
	Email            string   `json:"email,omitempty"`
	Name             string   `json:"name,omitempty"`
	Roles            []string `json:"roles,omitempty"`
	IdPGroups        []string `json:"idp_groups,omitempty"`
	ServiceAccountID string   `json:"service_account_id,omitempty"`
}

// ToSubject projects an Identity into the policy engine's Subject view.
func (id *Identity) ToSubject() Subject {
	return Subject{
		ExternalID:       id.ExternalID,
		Email:            id.Email,
		UserID:           id.UserID,
		OrgID:            id.OrgID,
		TeamID:           id.TeamID,
		ServiceAccountID: id.ServiceAccountID,
		Roles:            id.Roles,
		IdPGroups:        id.IdPGroups,
	}
}

// --- RBAC ---

// Permission is a bitmask representing authorization capabilities.
type Permission uint32

const (
	PermUseModels       Permission = 1 << iota // call /v1/chat/completions, /v1/embeddings
	PermManageOwnKeys                          // create/delete own API keys
	PermViewOwnUsage                           // view own usage stats
	PermViewAllUsage                           // view org-wide usage
	PermManageAllKeys                          // manage any key in the org
	PermManageProviders                        // configure upstream providers
	PermManageRoutes                           // configure model routing
	PermManageOrgs                             // manage orgs and teams
)

// Can reports whether the identity has the given permission.
func (id *Identity) Can(p Permission) bool { return id.Perms&p == p }

// HasScope reports whether the identity's key is allowed to use the given
// scope. An empty Scopes list means the key is unrestricted.
func (id *Identity) HasScope(s Scope) bool {
	if len(id.Scopes) == 0 {
		return true
	}
	for _, have := range id.Scopes {
		if have == s {
			return true
		}
	}
	return false
}

// RolePermissions maps role names to their permission bitmasks.
var RolePermissions = map[string]Permission{
	"admin":           PermUseModels | PermManageOwnKeys | PermViewOwnUsage | PermViewAllUsage | PermManageAllKeys | PermManageProviders | PermManageRoutes | PermManageOrgs,
	"member":          PermUseModels | PermManageOwnKeys | PermViewOwnUsage,
	"viewer":          PermViewOwnUsage | PermViewAllUsage,
	"service_account": PermUseModels,
}

// --- Policy engine domain types (C4) ---

// Subject is the policy engine's view of the actor making a request: identity
// fields plus the resolved role set after role-mapping. One per request,
// immutable after identity resolution.
type Subject struct {
	ExternalID       string   `json:"external_id"`
	Email            string   `json:"email,omitempty"`
	UserID           string   `json:"user_id,omitempty"`
	OrgID            string   `json:"org_id,omitempty"`
	TeamID           string   `json:"team_id,omitempty"`
	ProjectID        string   `json:"project_id,omitempty"`
	ServiceAccountID string   `json:"service_account_id,omitempty"`
	Roles            []string `json:"roles,omitempty"`
	IdPGroups        []string `json:"idp_groups,omitempty"`
}

// HasRole reports whether subj holds the given role.
func (s *Subject) HasRole(role string) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// PolicyRequestInfo carries request-shape facts a CEL condition may inspect.
type PolicyRequestInfo struct {
	MaxTokens      int  `json:"max_tokens,omitempty"`
	MessagesCount  int  `json:"messages_count,omitempty"`
	HasTools       bool `json:"has_tools,omitempty"`
	HasFileSearch  bool `json:"has_file_search,omitempty"`
	Stream         bool `json:"stream,omitempty"`
}

// PolicyContext describes what is being attempted: resource, action, and the
// tenancy/request facts a policy condition may depend on.
type PolicyContext struct {
	Resource   string             `json:"resource"`
	Action     string             `json:"action"`
	ResourceID string             `json:"resource_id,omitempty"`
	OrgID      string             `json:"org_id,omitempty"`
	TeamID     string             `json:"team_id,omitempty"`
	ProjectID  string             `json:"project_id,omitempty"`
	Model      string             `json:"model,omitempty"`
	Request    *PolicyRequestInfo `json:"request,omitempty"`
	Time       time.Time          `json:"time"`
}

// PolicyEffect is the outcome of a matched policy.
type PolicyEffect string

const (
	EffectAllow PolicyEffect = "allow"
	EffectDeny  PolicyEffect = "deny"
)

// Policy is a single RBAC rule: pattern-matched resource/action/role plus an
// optional compiled CEL condition, evaluated in descending priority order.
type Policy struct {
	Name      string       `json:"name"`
	Priority  int          `json:"priority"`
	Effect    PolicyEffect `json:"effect"`
	Resources []string     `json:"resources"`
	Actions   []string     `json:"actions"`
	Roles     []string     `json:"roles,omitempty"`
	Condition string       `json:"condition,omitempty"` // CEL expression source
}

// OrgPolicy is a Policy persisted per-organization, carrying the org's
// monotonic policy-set version for cache invalidation.
type OrgPolicy struct {
	Policy
	OrgID   string `json:"org_id"`
	Version int64  `json:"version"`
}

// Decision is the result of a policy evaluation.
type Decision struct {
	Effect  PolicyEffect
	Matched string // name of the policy that matched; "" if default applied
}

// Allowed reports whether the decision permits the action.
func (d Decision) Allowed() bool { return d.Effect == EffectAllow }

// --- Quota engine domain types (C5) ---

// Reservation is a pre-authorized counter increment applied at admission,
// corrected to the real value at completion via adjust.
type Reservation struct {
	CacheKey       string        `json:"cache_key"`
	ReservedAmount int64         `json:"reserved_amount"`
	TTL            time.Duration `json:"ttl"`
}

// --- Guardrails domain types (C7) ---

// GuardrailsDirection identifies whether content is inbound (from the
// client, evaluated before the upstream call) or outbound (from the
// provider, evaluated on response/stream).
type GuardrailsDirection string

const (
	DirectionInput  GuardrailsDirection = "input"
	DirectionOutput GuardrailsDirection = "output"
)

// GuardrailsRequest is passed to a guardrails provider for evaluation.
type GuardrailsRequest struct {
	Content   string               `json:"content"`
	Direction GuardrailsDirection  `json:"direction"`
	Model     string               `json:"model,omitempty"`
	Metadata  map[string]string    `json:"metadata,omitempty"`
}

// ViolationSpan marks the byte range within Content that triggered a violation.
type ViolationSpan struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Violation describes a single guardrails finding.
type Violation struct {
	Category        string         `json:"category"`
	Severity        string         `json:"severity"`
	Confidence      float64        `json:"confidence"`
	Message         string         `json:"message,omitempty"`
	Span            *ViolationSpan `json:"span,omitempty"`
	ProviderDetails map[string]any `json:"provider_details,omitempty"`
}

// GuardrailsResponse is returned by a guardrails provider's Evaluate call.
type GuardrailsResponse struct {
	Passed           bool            `json:"passed"`
	Violations       []Violation     `json:"violations,omitempty"`
	LatencyMs        int64           `json:"latency_ms"`
	ProviderMetadata map[string]any  `json:"provider_metadata,omitempty"`
}

// GuardrailsActionKind is the resolved action taken after evaluating violations.
type GuardrailsActionKind string

const (
	ActionAllow  GuardrailsActionKind = "allow"
	ActionBlock  GuardrailsActionKind = "block"
	ActionRedact GuardrailsActionKind = "redact"
	ActionModify GuardrailsActionKind = "modify"
	ActionWarn   GuardrailsActionKind = "warn"
	ActionLog    GuardrailsActionKind = "log"
)

// GuardrailsAction is the resolved disposition for a piece of content.
type GuardrailsAction struct {
	Kind       GuardrailsActionKind
	Reason     string
	Violations []Violation
	Modified   string // populated when Kind == ActionRedact or ActionModify
}

// --- SSO session domain types (C3) ---

// MembershipSource records how an org/team membership was established, so
// JIT sync can distinguish memberships it owns from manually or SCIM-managed
// ones and only prune the former.
type MembershipSource string

const (
	MembershipSourceJIT    MembershipSource = "jit"
	MembershipSourceManual MembershipSource = "manual"
	MembershipSourceSCIM   MembershipSource = "scim"
)

// Session is the shared shape backing both OIDC and SAML cookie sessions.
// The cache holds sessions keyed by session id; the cookie carries only that id.
type Session struct {
	ID         string    `json:"id"`
	Protocol   string    `json:"protocol"` // "oidc" or "saml"
	ExternalID string    `json:"external_id"`
	Email      string    `json:"email"`
	Name       string    `json:"name,omitempty"`
	Roles      []string  `json:"roles,omitempty"`
	Groups     []string  `json:"groups,omitempty"`
	SSOOrgID   string    `json:"sso_org_id,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the session is no longer valid at time now.
func (s *Session) Expired(now time.Time) bool { return now.After(s.ExpiresAt) }

// --- Usage rollup domain types (C8) ---

// UsageFilter selects a window of usage records for rollup aggregation.
type UsageFilter struct {
	Since string // RFC3339 inclusive lower bound
	Until string // RFC3339 exclusive upper bound
	Limit int
}

// UsageRollup is a pre-aggregated usage bucket (e.g. hourly per org/key/model).
type UsageRollup struct {
	OrgID            string  `json:"org_id"`
	KeyID            string  `json:"key_id"`
	Model            string  `json:"model"`
	Period           string  `json:"period"` // "hourly"
	Bucket           string  `json:"bucket"` // RFC3339 bucket start
	RequestCount     int     `json:"request_count"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	CachedCount      int     `json:"cached_count"`
}

// --- Provider config (stored in DB) ---

// ProviderConfig represents a configured upstream LLM provider.
type ProviderConfig struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	BaseURL   string   `json:"base_url"`
	APIKeyEnc string   `json:"-"`           // deprecated: no longer persisted, kept for schema compat
	Models    []string `json:"models"`
	Priority  int      `json:"priority"`
	Weight    int      `json:"weight"`
	Enabled   bool     `json:"enabled"`
	MaxRPS    int      `json:"max_rps"`
	TimeoutMs int      `json:"timeout_ms"`
}

// Route maps a model alias to provider targets.
type Route struct {
	ID         string          `json:"id"`
	ModelAlias string          `json:"model_alias"`
	Targets    json.RawMessage `json:"targets"` // []RouteTarget as JSON
	Strategy   string          `json:"strategy"`
	CacheTTLs  int             `json:"cache_ttl_s"`
}

// RouteTarget is a single target within a route.
type RouteTarget struct {
	ProviderID string `json:"provider_id"`
	Model      string `json:"model"`
	Priority   int    `json:"priority"`
	Weight     int    `json:"weight"`
}

// UsageRecord represents a single API usage event.
type UsageRecord struct {
	ID               string    `json:"id"`
	KeyID            string    `json:"key_id"`
	UserID           string    `json:"user_id,omitempty"`
	TeamID           string    `json:"team_id,omitempty"`
	OrgID            string    `json:"org_id"`
	CallerJWTSub     string    `json:"caller_jwt_sub,omitempty"`
	CallerService    string    `json:"caller_service,omitempty"`
	Model            string    `json:"model"`
	ProviderID       string    `json:"provider_id"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	CostUSD          float64   `json:"cost_usd,omitempty"`
	Cached           bool      `json:"cached"`
	LatencyMs        int       `json:"latency_ms"`
	StatusCode       int       `json:"status_code"`
	RequestID        string    `json:"request_id"`
	CreatedAt        time.Time `json:"created_at"`

	// Reservations carries the C5 quota reservations admitted for this
	// request, consumed by the usage worker to reconcile estimated against
	// actual spend/tokens. Never persisted.
	Reservations ReservationSet `json:"-"`
}

// ReservationSet bundles the quota reservations associated with one request.
// Declared here (rather than imported from package quota) to avoid a
// dependency cycle: quota depends on this package for domain types.
type ReservationSet struct {
	Spend    *Reservation
	TokenMin *Reservation
	TokenDay *Reservation
}

// Empty reports whether no reservation was admitted for this request.
func (r ReservationSet) Empty() bool {
	return r.Spend == nil && r.TokenMin == nil && r.TokenDay == nil
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Identity field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Identity  *Identity
}

// metaFromContext returns the requestMeta stored in ctx, or nil.
func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if present,
// avoiding a new context.WithValue allocation. Falls back to creating new metadata
// if none exists (e.g., in tests).
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Native passthrough ---

// NativeProxy is an optional interface that providers can implement to support
// raw HTTP passthrough. The gateway authenticates and routes the request, then
// delegates the raw HTTP exchange to the provider. Checked via type assertion.
type NativeProxy interface {
	// ProxyRequest forwards a raw HTTP request to the provider's API.
	// path is the provider-relative path (e.g. "/messages").
	// The implementation handles auth headers, URL construction, and
	// response streaming (flush-on-read for SSE/NDJSON).
	ProxyRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, path string) error
}

// --- Shared constants and helpers ---

// APIKeyPrefix is the prefix for all Gandalf API keys.
const APIKeyPrefix = "gnd_"

// HashKey returns the hex-encoded SHA-256 hash of a raw API key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// --- Authenticator interface ---

// Authenticator validates request credentials and returns the caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}
