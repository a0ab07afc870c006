package guardrails

import (
	"context"
	"fmt"
	"regexp"

	"golang.org/x/text/unicode/norm"

	gateway "github.com/eugener/gandalf/internal"
)

// BlocklistRule is one regex pattern matched against NFKC-normalized content.
type BlocklistRule struct {
	Category string
	Severity string
	Pattern  *regexp.Regexp
}

// NewBlocklistRule compiles pattern (case-insensitive) into a BlocklistRule.
func NewBlocklistRule(category, severity, pattern string) (BlocklistRule, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return BlocklistRule{}, fmt.Errorf("guardrails: compile blocklist pattern %q: %w", pattern, err)
	}
	return BlocklistRule{Category: category, Severity: severity, Pattern: re}, nil
}

// BlocklistProvider matches content against a static set of regex rules
// after NFKC normalization, defeating Unicode confusable/homoglyph tricks
// that would otherwise dodge a naive regex match.
type BlocklistProvider struct {
	rules []BlocklistRule
}

// NewBlocklistProvider returns a BlocklistProvider evaluating every rule.
func NewBlocklistProvider(rules []BlocklistRule) *BlocklistProvider {
	return &BlocklistProvider{rules: rules}
}

func (p *BlocklistProvider) Name() string { return "blocklist" }

func (p *BlocklistProvider) Evaluate(_ context.Context, req gateway.GuardrailsRequest) (gateway.GuardrailsResponse, error) {
	normalized := norm.NFKC.String(req.Content)

	var violations []gateway.Violation
	for _, rule := range p.rules {
		loc := rule.Pattern.FindStringIndex(normalized)
		if loc == nil {
			continue
		}
		violations = append(violations, gateway.Violation{
			Category:   rule.Category,
			Severity:   rule.Severity,
			Confidence: 1.0,
			Message:    "matched blocklist pattern",
			Span:       &gateway.ViolationSpan{Start: loc[0], End: loc[1]},
		})
	}
	return gateway.GuardrailsResponse{Passed: len(violations) == 0, Violations: violations}, nil
}
