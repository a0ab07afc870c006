package guardrails

import (
	"context"
	"regexp"
	"strings"

	gateway "github.com/eugener/gandalf/internal"
)

var (
	creditCardRe = regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`)
	ssnRe        = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	emailRe      = regexp.MustCompile(`\b[\w.+-]+@[\w-]+\.[a-zA-Z]{2,}\b`)
)

// PIIProvider detects payment-card numbers (validated with the Luhn
// checksum to cut false positives on ordinary digit runs), SSNs (validated
// against the legal area-number range), and email addresses.
type PIIProvider struct {
	DetectCreditCards bool
	DetectSSN         bool
	DetectEmail       bool
}

func (p *PIIProvider) Name() string { return "pii" }

func (p *PIIProvider) Evaluate(_ context.Context, req gateway.GuardrailsRequest) (gateway.GuardrailsResponse, error) {
	var violations []gateway.Violation

	if p.DetectCreditCards {
		for _, loc := range creditCardRe.FindAllStringIndex(req.Content, -1) {
			candidate := req.Content[loc[0]:loc[1]]
			if luhnValid(candidate) {
				violations = append(violations, gateway.Violation{
					Category: "pii.credit_card", Severity: "high", Confidence: 0.95,
					Message: "possible payment card number",
					Span:    &gateway.ViolationSpan{Start: loc[0], End: loc[1]},
				})
			}
		}
	}

	if p.DetectSSN {
		for _, loc := range ssnRe.FindAllStringIndex(req.Content, -1) {
			candidate := req.Content[loc[0]:loc[1]]
			if ssnAreaValid(candidate) {
				violations = append(violations, gateway.Violation{
					Category: "pii.ssn", Severity: "critical", Confidence: 0.9,
					Message: "possible US social security number",
					Span:    &gateway.ViolationSpan{Start: loc[0], End: loc[1]},
				})
			}
		}
	}

	if p.DetectEmail {
		for _, loc := range emailRe.FindAllStringIndex(req.Content, -1) {
			violations = append(violations, gateway.Violation{
				Category: "pii.email", Severity: "low", Confidence: 0.8,
				Message: "email address",
				Span:    &gateway.ViolationSpan{Start: loc[0], End: loc[1]},
			})
		}
	}

	return gateway.GuardrailsResponse{Passed: len(violations) == 0, Violations: violations}, nil
}

// luhnValid reports whether the digits in s (spaces/dashes ignored) pass the
// Luhn checksum used by all major card networks.
func luhnValid(s string) bool {
	digits := make([]int, 0, len(s))
	for _, r := range s {
		if r == ' ' || r == '-' {
			continue
		}
		if r < '0' || r > '9' {
			return false
		}
		digits = append(digits, int(r-'0'))
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// ssnAreaValid rejects area numbers the SSA never issues (000, 666, 900-999)
// to cut down on false positives from phone numbers and other 9-digit runs.
func ssnAreaValid(s string) bool {
	area := strings.SplitN(s, "-", 2)[0]
	if len(area) != 3 {
		return false
	}
	n := 0
	for _, r := range area {
		n = n*10 + int(r-'0')
	}
	if n == 0 || n == 666 || n >= 900 {
		return false
	}
	return true
}
