package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/guardrails"
)

// bodyPool reuses buffers for request body reads, avoiding per-request
// allocations from json.NewDecoder (which cannot be pooled/reset).
var bodyPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// maxRequestBody is the maximum allowed request body size (4 MB).
const maxRequestBody = 4 << 20

// streamGuardrailMode is the cadence output guardrails re-evaluate a
// streaming response. Every chunk, rather than a token-count buffer, so a
// blocked completion is caught as soon as possible instead of after an
// arbitrary number of tokens have already reached the client.
const streamGuardrailMode = guardrails.StreamPerChunk

// decodeRequestBody reads the request body via bodyPool, unmarshals JSON into
// v, and returns false (writing a 400) on error. Parse errors are logged
// server-side; clients receive a static message to avoid leaking internals.
//
// Uses concrete any parameter instead of generics: Go's generic shape
// dictionary adds +1 alloc/op from interface boxing on every call.
func decodeRequestBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	buf := bodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	if _, err := buf.ReadFrom(r.Body); err != nil {
		bodyPool.Put(buf)
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	if err := json.Unmarshal(buf.Bytes(), v); err != nil {
		bodyPool.Put(buf)
		slog.LogAttrs(r.Context(), slog.LevelWarn, "request decode error",
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	bodyPool.Put(buf)
	return true
}

// checkQuota runs the C5 admission check exactly once per request, after the
// body is decoded and token counts can be estimated. A single batched call
// covers request-rate, token-rate, and budget dimensions together; calling
// it a second time anywhere else in the request path would double-reserve
// the request-rate window for one logical request.
func (s *server) checkQuota(w http.ResponseWriter, r *http.Request, identity *gateway.Identity, estimated int64) (gateway.ReservationSet, bool) {
	if s.deps.Quota == nil {
		return gateway.ReservationSet{}, true
	}
	decision, err := s.deps.Quota.CheckRequest(r.Context(), identity, estimated, time.Now())
	if err != nil {
		slog.LogAttrs(r.Context(), slog.LevelError, "quota check failed",
			slog.String("component", "quota"), slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("quota check unavailable"))
		return gateway.ReservationSet{}, false
	}
	if !decision.Allowed {
		if s.deps.Metrics != nil {
			s.deps.Metrics.RateLimitRejects.WithLabelValues(decision.RejectedBy).Inc()
		}
		writeRateLimitError(w, decision.RetryAfter)
		return gateway.ReservationSet{}, false
	}
	return decision.ReservationSet, true
}

// evaluateGuardrails runs the configured policies for direction over content
// and, on a block verdict, writes a 422 response and returns false.
func (s *server) evaluateGuardrails(w http.ResponseWriter, r *http.Request, direction gateway.GuardrailsDirection, content, model string) bool {
	if s.deps.Guardrails == nil || content == "" {
		return true
	}
	action := s.deps.Guardrails.Evaluate(r.Context(), direction, content, model)
	if action.Kind != gateway.ActionBlock {
		return true
	}
	slog.LogAttrs(r.Context(), slog.LevelWarn, "guardrails blocked request",
		slog.String("component", "guardrails"), slog.String("direction", string(direction)), slog.String("reason", action.Reason))
	writeJSON(w, http.StatusUnprocessableEntity, errorResponse("content blocked by guardrails: "+action.Reason))
	return false
}

func (s *server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req gateway.ChatRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}

	identity := gateway.IdentityFromContext(r.Context())
	if identity != nil && !identity.IsModelAllowed(req.Model) {
		writeJSON(w, http.StatusForbidden, errorResponse("model not allowed"))
		return
	}
	if identity != nil && !identity.HasScope(gateway.ScopeChat) {
		writeJSON(w, http.StatusForbidden, errorResponse("key not scoped for chat completions"))
		return
	}

	estimated := int64(100)
	if s.deps.TokenCounter != nil {
		estimated = int64(s.deps.TokenCounter.EstimateRequest(req.Model, req.Messages))
	}

	reservations, ok := s.checkQuota(w, r, identity, estimated)
	if !ok {
		return
	}

	if !s.evaluateGuardrails(w, r, gateway.DirectionInput, extractRequestText(req.Messages), req.Model) {
		return
	}

	// Cache lookup (non-streaming only). Guard identity != nil to prevent
	// nil-pointer dereference when auth middleware is bypassed (e.g. tests).
	if !req.Stream && s.deps.ResponseCache != nil && identity != nil {
		if data, hit := s.deps.ResponseCache.Lookup(r.Context(), "chat_completions", req.Model, &req); hit {
			s.recordUsage(r, identity, req.Model, nil, 0, true, reservations)
			w.Header()["Content-Type"] = jsonCT
			w.WriteHeader(http.StatusOK)
			w.Write(data)
			return
		}
	}

	if req.Stream {
		s.handleChatCompletionStream(w, r, &req, identity, reservations)
		return
	}

	start := time.Now()
	resp, err := s.deps.Proxy.ChatCompletion(r.Context(), &req)
	elapsed := time.Since(start)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}

	if !s.evaluateGuardrails(w, r, gateway.DirectionOutput, extractResponseText(resp), req.Model) {
		s.recordUsageWithStatus(r, identity, req.Model, resp.Usage, elapsed, http.StatusUnprocessableEntity, reservations)
		return
	}

	if s.deps.ResponseCache != nil && identity != nil {
		if data, err := json.Marshal(resp); err == nil {
			s.deps.ResponseCache.Store(r.Context(), "chat_completions", req.Model, &req, data, s.cacheTTL(r.Context(), &req))
		}
	}

	s.recordUsage(r, identity, req.Model, resp.Usage, elapsed, false, reservations)
	writeJSON(w, http.StatusOK, resp)
}

// handleChatCompletionStream handles SSE streaming chat completion requests.
// Output guardrails run per-chunk via a guardrails.StreamFilter so a blocked
// completion is caught mid-stream rather than only after it fully lands.
func (s *server) handleChatCompletionStream(w http.ResponseWriter, r *http.Request, req *gateway.ChatRequest, identity *gateway.Identity, reservations gateway.ReservationSet) {
	start := time.Now()
	ch, err := s.deps.Proxy.ChatCompletionStream(r.Context(), req)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}

	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	var filter *guardrails.StreamFilter
	if s.deps.Guardrails != nil {
		filter = guardrails.NewStreamFilter(s.deps.Guardrails, req.Model, streamGuardrailMode, 0)
	}

	// Lazy ticker: avoid allocating time.NewTicker for fast-completing streams
	// (saves ~3 allocs/op on short responses and benchmarks).
	var keepAlive *time.Ticker
	defer func() {
		if keepAlive != nil {
			keepAlive.Stop()
		}
	}()

	var usage *gateway.Usage
	for {
		// Fast path: drain channel without ticker select when possible.
		if keepAlive == nil {
			select {
			case chunk, chOpen := <-ch:
				if usage, ok = s.processStreamChunk(w, flusher, r, chunk, chOpen, req, identity, usage, start, reservations, filter); !ok {
					return
				}
				// First data chunk sent; start keep-alive for long streams.
				keepAlive = time.NewTicker(15 * time.Second)
			case <-r.Context().Done():
				return
			}
			continue
		}

		select {
		case chunk, chOpen := <-ch:
			if usage, ok = s.processStreamChunk(w, flusher, r, chunk, chOpen, req, identity, usage, start, reservations, filter); !ok {
				return
			}
		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// processStreamChunk handles a single chunk from the stream channel.
// Returns updated usage and true to continue, or false if the stream ended.
// Extracted from inline select branches to DRY the fast-path and keep-alive
// loops without closures (which would add +1 alloc/op).
func (s *server) processStreamChunk(
	w http.ResponseWriter, flusher http.Flusher, r *http.Request,
	chunk gateway.StreamChunk, chOpen bool,
	req *gateway.ChatRequest, identity *gateway.Identity,
	usage *gateway.Usage, start time.Time,
	reservations gateway.ReservationSet, filter *guardrails.StreamFilter,
) (*gateway.Usage, bool) {
	if !chOpen {
		s.finishStreamOutput(w, flusher, r, req, identity, usage, start, reservations, filter)
		return usage, false
	}
	if chunk.Err != nil {
		slog.LogAttrs(r.Context(), slog.LevelError, "stream error",
			slog.String("error", chunk.Err.Error()),
		)
		writeSSEError(w, "upstream stream error")
		writeSSEDone(w)
		flusher.Flush()
		s.recordUsageWithStatus(r, identity, req.Model, usage, time.Since(start), http.StatusBadGateway, reservations)
		return usage, false
	}
	if chunk.Usage != nil {
		usage = chunk.Usage
	}
	if filter != nil {
		if delta := extractChunkDeltaText(chunk.Data); delta != "" {
			if action := filter.Feed(r.Context(), delta); action.Kind == gateway.ActionBlock {
				writeSSEError(w, "content blocked by guardrails: "+action.Reason)
				writeSSEDone(w)
				flusher.Flush()
				s.recordUsageWithStatus(r, identity, req.Model, usage, time.Since(start), http.StatusUnprocessableEntity, reservations)
				return usage, false
			}
		}
	}
	if chunk.Done {
		s.finishStreamOutput(w, flusher, r, req, identity, usage, start, reservations, filter)
		return usage, false
	}
	writeSSEData(w, chunk.Data)
	flusher.Flush()
	return usage, true
}

// finishStreamOutput runs the final output-guardrails pass (catching content
// a buffered/final-only filter never re-evaluated mid-stream), then closes
// the SSE stream and records usage.
func (s *server) finishStreamOutput(
	w http.ResponseWriter, flusher http.Flusher, r *http.Request,
	req *gateway.ChatRequest, identity *gateway.Identity,
	usage *gateway.Usage, start time.Time,
	reservations gateway.ReservationSet, filter *guardrails.StreamFilter,
) {
	if filter != nil {
		if action := filter.Finish(r.Context()); action.Kind == gateway.ActionBlock {
			writeSSEError(w, "content blocked by guardrails: "+action.Reason)
			writeSSEDone(w)
			flusher.Flush()
			s.recordUsageWithStatus(r, identity, req.Model, usage, time.Since(start), http.StatusUnprocessableEntity, reservations)
			return
		}
	}
	writeSSEDone(w)
	flusher.Flush()
	s.recordUsage(r, identity, req.Model, usage, time.Since(start), false, reservations)
}

// recordUsageWithStatus sends a usage record with a custom HTTP status code.
func (s *server) recordUsageWithStatus(r *http.Request, identity *gateway.Identity, model string, usage *gateway.Usage, elapsed time.Duration, status int, reservations gateway.ReservationSet) {
	if s.deps.Usage == nil {
		return
	}
	rec := gateway.UsageRecord{
		Model:        model,
		LatencyMs:    int(elapsed.Milliseconds()),
		StatusCode:   status,
		RequestID:    gateway.RequestIDFromContext(r.Context()),
		CreatedAt:    time.Now(),
		Reservations: reservations,
	}
	if identity != nil {
		rec.KeyID = identity.KeyID
		rec.UserID = identity.UserID
		rec.TeamID = identity.TeamID
		rec.OrgID = identity.OrgID
	}
	if usage != nil {
		rec.PromptTokens = usage.PromptTokens
		rec.CompletionTokens = usage.CompletionTokens
		rec.TotalTokens = usage.TotalTokens
		rec.CostUSD = estimateCost(model, usage)
		if s.deps.Metrics != nil {
			s.deps.Metrics.TokensProcessed.WithLabelValues(model, "prompt").Add(float64(usage.PromptTokens))
			s.deps.Metrics.TokensProcessed.WithLabelValues(model, "completion").Add(float64(usage.CompletionTokens))
		}
	}
	s.deps.Usage.Record(rec)
}

// recordUsage sends a usage record to the async recorder and updates token
// metrics. reservations rides along on the record so the usage worker (C8)
// can reconcile admission-time quota reservations against actual cost/tokens
// once they are known, without a second synchronous quota call on this path.
func (s *server) recordUsage(r *http.Request, identity *gateway.Identity, model string, usage *gateway.Usage, elapsed time.Duration, cached bool, reservations gateway.ReservationSet) {
	if s.deps.Usage == nil {
		return
	}
	rec := gateway.UsageRecord{
		Model:        model,
		LatencyMs:    int(elapsed.Milliseconds()),
		StatusCode:   http.StatusOK,
		RequestID:    gateway.RequestIDFromContext(r.Context()),
		CreatedAt:    time.Now(),
		Cached:       cached,
		Reservations: reservations,
	}
	if identity != nil {
		rec.KeyID = identity.KeyID
		rec.UserID = identity.UserID
		rec.TeamID = identity.TeamID
		rec.OrgID = identity.OrgID
	}
	if usage != nil {
		rec.PromptTokens = usage.PromptTokens
		rec.CompletionTokens = usage.CompletionTokens
		rec.TotalTokens = usage.TotalTokens
		rec.CostUSD = estimateCost(model, usage)
		// Wire TokensProcessed Prometheus counter so grafana dashboards
		// can track prompt vs completion token volume per model.
		if s.deps.Metrics != nil {
			s.deps.Metrics.TokensProcessed.WithLabelValues(model, "prompt").Add(float64(usage.PromptTokens))
			s.deps.Metrics.TokensProcessed.WithLabelValues(model, "completion").Add(float64(usage.CompletionTokens))
		}
	}
	s.deps.Usage.Record(rec)
}

// cacheTTL returns the cache TTL for a request. Checks route-level
// cache_ttl_s first (allows per-model TTL tuning), falls back to 5m default.
func (s *server) cacheTTL(ctx context.Context, req *gateway.ChatRequest) time.Duration {
	if s.deps.Router != nil {
		if ttl := s.deps.Router.CacheTTL(ctx, req.Model); ttl > 0 {
			return ttl
		}
	}
	return 5 * time.Minute
}

// estimateCost provides a rough USD cost estimate based on model and token counts.
// These are approximate and should be replaced with a proper pricing table.
func estimateCost(model string, usage *gateway.Usage) float64 {
	if usage == nil {
		return 0
	}
	// Default: $0.01 per 1K tokens (rough average).
	return float64(usage.TotalTokens) * 0.00001
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func errorResponse(msg string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = "invalid_request_error"
	return e
}

// writeUpstreamError logs the full error server-side and returns a sanitized
// message to the client. Both 4xx and 5xx responses use generic status text
// to avoid leaking upstream provider internals (URLs, org IDs, quota details).
func writeUpstreamError(w http.ResponseWriter, ctx context.Context, err error) {
	status := errorStatus(err)
	slog.LogAttrs(ctx, slog.LevelError, "upstream error",
		slog.Int("status", status),
		slog.String("error", err.Error()),
	)
	writeJSON(w, status, errorResponse(http.StatusText(status)))
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, gateway.ErrUnauthorized), errors.Is(err, gateway.ErrKeyExpired):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrForbidden), errors.Is(err, gateway.ErrModelNotAllowed), errors.Is(err, gateway.ErrKeyBlocked):
		return http.StatusForbidden
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(data)
}
