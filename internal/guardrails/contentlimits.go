package guardrails

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	gateway "github.com/eugener/gandalf/internal"
)

// ContentLimitsProvider enforces simple structural caps (character/word
// count) independent of any semantic classification.
type ContentLimitsProvider struct {
	MaxChars int
	MaxWords int
}

func (p *ContentLimitsProvider) Name() string { return "content_limits" }

func (p *ContentLimitsProvider) Evaluate(_ context.Context, req gateway.GuardrailsRequest) (gateway.GuardrailsResponse, error) {
	var violations []gateway.Violation

	if p.MaxChars > 0 {
		if n := utf8.RuneCountInString(req.Content); n > p.MaxChars {
			violations = append(violations, gateway.Violation{
				Category: "content_limits.chars", Severity: "low", Confidence: 1.0,
				Message: fmt.Sprintf("content length %d exceeds limit %d", n, p.MaxChars),
			})
		}
	}

	if p.MaxWords > 0 {
		if n := len(strings.Fields(req.Content)); n > p.MaxWords {
			violations = append(violations, gateway.Violation{
				Category: "content_limits.words", Severity: "low", Confidence: 1.0,
				Message: fmt.Sprintf("word count %d exceeds limit %d", n, p.MaxWords),
			})
		}
	}

	return gateway.GuardrailsResponse{Passed: len(violations) == 0, Violations: violations}, nil
}
