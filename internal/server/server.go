// Package server implements the HTTP transport layer for the Gandalf gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"go.opentelemetry.io/otel/trace"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/app"
	"github.com/eugener/gandalf/internal/guardrails"
	"github.com/eugener/gandalf/internal/policy"
	"github.com/eugener/gandalf/internal/provider"
	"github.com/eugener/gandalf/internal/quota"
	"github.com/eugener/gandalf/internal/responsecache"
	"github.com/eugener/gandalf/internal/storage"
	"github.com/eugener/gandalf/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// UsageRecorder records API usage asynchronously.
type UsageRecorder interface {
	Record(gateway.UsageRecord)
}

// TokenCounter estimates token counts for request messages.
type TokenCounter interface {
	EstimateRequest(model string, messages []gateway.Message) int
}

// Deps holds all dependencies for the HTTP server. Auth, Policy, Quota,
// ResponseCache, and Guardrails are the C3-C7 components that make up the
// admission pipeline run by handleChatCompletion/handleEmbeddings; each is
// optional (nil disables that stage), which keeps the server usable in
// tests that only care about routing.
type Deps struct {
	Auth           gateway.Authenticator // typically an *identity.Resolver (C3)
	Policy         *policy.Registry      // nil = static role bitmask only (C4)
	Proxy          *app.ProxyService
	Providers      *provider.Registry  // needed for NativeProxy type assertion
	Router         *app.RouterService  // needed for model -> provider routing
	Keys           *app.KeyManager
	Store          storage.Store       // nil = no admin CRUD (for tests)
	Metrics        *telemetry.Metrics  // nil = no Prometheus metrics
	MetricsHandler http.Handler        // nil = no /metrics endpoint
	Tracer         trace.Tracer        // nil = no distributed tracing
	ReadyCheck     ReadyChecker        // nil = always ready (for tests)
	Usage          UsageRecorder       // nil = no usage recording
	TokenCounter   TokenCounter        // nil = fixed estimate
	Quota          *quota.Engine       // nil = no quota enforcement (C5)
	ResponseCache  *responsecache.Cache // nil = no response caching (C6)
	Guardrails     *guardrails.Evaluator // nil = no content guardrails (C7)
	DefaultRPM     int64               // fallback RPM when per-key is 0
	DefaultTPM     int64               // fallback TPM when per-key is 0
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// Client-facing API (auth required) -- universal OpenAI-format. Quota
	// admission (C5) runs inside the handlers themselves, once the request
	// body is decoded and token counts can be estimated, rather than as a
	// separate middleware stage.
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/chat/completions", s.handleChatCompletion)
		r.Post("/v1/embeddings", s.handleEmbeddings)
		r.Get("/v1/models", s.handleListModels)
	})

	// Native API passthrough routes (per-provider auth normalization)
	s.mountNativeRoutes(r)

	// Admin API (auth + RBAC required)
	if deps.Store != nil {
		r.Route("/admin/v1", func(r chi.Router) {
			r.Use(s.authenticate)

			r.Group(func(r chi.Router) {
				r.Use(s.requirePerm(gateway.PermManageProviders))
				r.Get("/providers", s.handleListProviders)
				r.Post("/providers", s.handleCreateProvider)
				r.Get("/providers/{id}", s.handleGetProvider)
				r.Put("/providers/{id}", s.handleUpdateProvider)
				r.Delete("/providers/{id}", s.handleDeleteProvider)
				r.Post("/cache/purge", s.handleCachePurge)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requirePerm(gateway.PermManageAllKeys))
				r.Get("/keys", s.handleListKeys)
				r.Post("/keys", s.handleCreateKey)
				r.Get("/keys/{id}", s.handleGetKey)
				r.Put("/keys/{id}", s.handleUpdateKey)
				r.Delete("/keys/{id}", s.handleDeleteKey)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requirePerm(gateway.PermManageRoutes))
				r.Get("/routes", s.handleListRoutes)
				r.Post("/routes", s.handleCreateRoute)
				r.Get("/routes/{id}", s.handleGetRoute)
				r.Put("/routes/{id}", s.handleUpdateRoute)
				r.Delete("/routes/{id}", s.handleDeleteRoute)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requirePerm(gateway.PermViewAllUsage))
				r.Get("/usage", s.handleQueryUsage)
				r.Get("/usage/summary", s.handleUsageSummary)
			})
		})
	}

	return r
}

type server struct {
	deps Deps
}
