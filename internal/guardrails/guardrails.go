// Package guardrails implements the gateway's content guardrails evaluator
// (C7): a pipeline of providers run over inbound (client) and outbound
// (provider) content, each contributing Violations that are resolved into a
// single disposition via a fixed action priority.
package guardrails

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	gateway "github.com/eugener/gandalf/internal"
)

// Provider evaluates a single piece of content and reports any violations it
// finds. Implementations must be safe for concurrent use.
type Provider interface {
	Name() string
	Evaluate(ctx context.Context, req gateway.GuardrailsRequest) (gateway.GuardrailsResponse, error)
}

// ErrRetryable marks a provider error as transient (timeout, 5xx, connection
// reset): the evaluator retries it with backoff before falling back to
// OnError. Providers that wrap a non-retryable error (4xx, malformed
// response) should not use this sentinel.
var ErrRetryable = errors.New("guardrails: retryable provider error")

// PolicyConfig configures one guardrail check: which provider runs, what
// action each severity maps to, and the fail-open/fail-closed behavior when
// the provider itself errors out.
type PolicyConfig struct {
	Name      string
	Provider  Provider
	Direction gateway.GuardrailsDirection
	// SeverityActions maps a violation severity ("low", "medium", "high",
	// "critical") to the action it should drive. A severity absent from the
	// map defaults to ActionLog.
	SeverityActions map[string]gateway.GuardrailsActionKind
	FailOpen        bool // true: provider error is treated as "passed" rather than blocking
	MaxRetries      int
}

// Evaluator runs a set of guardrail policies over content and resolves the
// combined result into a single action.
type Evaluator struct {
	policies []PolicyConfig
}

// NewEvaluator returns an Evaluator running each of policies, in order, for
// every Evaluate call matching their configured direction.
func NewEvaluator(policies []PolicyConfig) *Evaluator {
	return &Evaluator{policies: policies}
}

// Evaluate runs every policy configured for direction against content and
// resolves their violations into a single GuardrailsAction using the fixed
// priority Block > Redact > Modify > Warn > Log.
func (e *Evaluator) Evaluate(ctx context.Context, direction gateway.GuardrailsDirection, content string, model string) gateway.GuardrailsAction {
	var all []gateway.Violation
	for _, p := range e.policies {
		if p.Direction != direction {
			continue
		}
		resp, err := runWithRetry(ctx, p)(content, model)
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "guardrails provider failed",
				slog.String("component", "guardrails"), slog.String("provider", p.Name), slog.String("error", err.Error()))
			if !p.FailOpen {
				return gateway.GuardrailsAction{Kind: gateway.ActionBlock, Reason: "guardrails provider unavailable: " + p.Name}
			}
			continue
		}
		for _, v := range resp.Violations {
			all = append(all, v)
		}
	}
	return resolveAction(all, e.severityLookup())
}

// severityLookup merges every policy's SeverityActions into one lookup,
// since resolveAction operates over the pooled violation list rather than
// per-policy.
func (e *Evaluator) severityLookup() map[string]gateway.GuardrailsActionKind {
	merged := make(map[string]gateway.GuardrailsActionKind)
	for _, p := range e.policies {
		for sev, action := range p.SeverityActions {
			if existing, ok := merged[sev]; !ok || actionPriority(action) > actionPriority(existing) {
				merged[sev] = action
			}
		}
	}
	return merged
}

// resolveAction implements the action-resolution algorithm: every violation
// maps to an action via its severity, and the highest-priority action across
// all violations wins (Block > Redact > Modify > Warn > Log). No violations
// resolves to ActionAllow.
func resolveAction(violations []gateway.Violation, severityActions map[string]gateway.GuardrailsActionKind) gateway.GuardrailsAction {
	if len(violations) == 0 {
		return gateway.GuardrailsAction{Kind: gateway.ActionAllow}
	}

	best := gateway.ActionLog
	for _, v := range violations {
		action, ok := severityActions[v.Severity]
		if !ok {
			action = gateway.ActionLog
		}
		if actionPriority(action) > actionPriority(best) {
			best = action
		}
	}
	return gateway.GuardrailsAction{Kind: best, Violations: violations, Reason: violationReason(violations)}
}

func violationReason(violations []gateway.Violation) string {
	if len(violations) == 0 {
		return ""
	}
	return violations[0].Category + ": " + violations[0].Message
}

// actionPriority orders GuardrailsActionKind by severity of response:
// Block > Redact > Modify > Warn > Log > Allow.
func actionPriority(a gateway.GuardrailsActionKind) int {
	switch a {
	case gateway.ActionBlock:
		return 5
	case gateway.ActionRedact:
		return 4
	case gateway.ActionModify:
		return 3
	case gateway.ActionWarn:
		return 2
	case gateway.ActionLog:
		return 1
	default:
		return 0
	}
}

// runWithRetry wraps a policy's provider call with bounded exponential
// backoff and jitter for errors wrapping ErrRetryable.
func runWithRetry(ctx context.Context, p PolicyConfig) func(content, model string) (gateway.GuardrailsResponse, error) {
	return func(content, model string) (gateway.GuardrailsResponse, error) {
		maxRetries := p.MaxRetries
		if maxRetries <= 0 {
			maxRetries = 2
		}
		req := gateway.GuardrailsRequest{Content: content, Direction: p.Direction, Model: model}

		backoff := 50 * time.Millisecond
		var lastErr error
		for attempt := 0; attempt <= maxRetries; attempt++ {
			start := time.Now()
			resp, err := p.Provider.Evaluate(ctx, req)
			resp.LatencyMs = time.Since(start).Milliseconds()
			if err == nil {
				return resp, nil
			}
			lastErr = err
			if !errors.Is(err, ErrRetryable) || attempt == maxRetries {
				break
			}
			jitter := time.Duration(rand.Int64N(int64(backoff)))
			select {
			case <-time.After(backoff + jitter):
			case <-ctx.Done():
				return gateway.GuardrailsResponse{}, ctx.Err()
			}
			backoff *= 2
		}
		return gateway.GuardrailsResponse{}, lastErr
	}
}
