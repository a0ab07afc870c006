package guardrails

import (
	"context"
	"testing"

	gateway "github.com/eugener/gandalf/internal"
)

func TestPIIProvider_CreditCardLuhn(t *testing.T) {
	p := &PIIProvider{DetectCreditCards: true}

	// 4111111111111111 is a well-known Luhn-valid test card number.
	resp, err := p.Evaluate(context.Background(), gateway.GuardrailsRequest{Content: "card: 4111111111111111"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Passed {
		t.Fatal("expected a credit card violation")
	}

	resp, err = p.Evaluate(context.Background(), gateway.GuardrailsRequest{Content: "card: 1234567890123456"})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Passed {
		t.Fatal("expected Luhn-invalid digit run to not be flagged")
	}
}

func TestPIIProvider_SSNAreaValidation(t *testing.T) {
	p := &PIIProvider{DetectSSN: true}

	resp, err := p.Evaluate(context.Background(), gateway.GuardrailsRequest{Content: "ssn 123-45-6789"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Passed {
		t.Fatal("expected a valid-area SSN to be flagged")
	}

	resp, err = p.Evaluate(context.Background(), gateway.GuardrailsRequest{Content: "ssn 666-45-6789"})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Passed {
		t.Fatal("expected area 666 to be rejected as never-issued")
	}

	resp, err = p.Evaluate(context.Background(), gateway.GuardrailsRequest{Content: "ssn 901-45-6789"})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Passed {
		t.Fatal("expected area >= 900 to be rejected as never-issued")
	}
}

func TestPIIProvider_Email(t *testing.T) {
	p := &PIIProvider{DetectEmail: true}

	resp, err := p.Evaluate(context.Background(), gateway.GuardrailsRequest{Content: "contact me at jane.doe@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Passed || resp.Violations[0].Category != "pii.email" {
		t.Fatalf("expected an email violation, got %+v", resp.Violations)
	}
}

func TestPIIProvider_DisabledDetectorsSkip(t *testing.T) {
	p := &PIIProvider{}
	resp, err := p.Evaluate(context.Background(), gateway.GuardrailsRequest{Content: "4111111111111111 123-45-6789 a@b.com"})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Passed {
		t.Fatal("expected no violations when all detectors are disabled")
	}
}

func TestLuhnValid(t *testing.T) {
	cases := map[string]bool{
		"4111111111111111": true,
		"4111-1111-1111-1111": true,
		"1234567890123456": false,
		"not-a-card": false,
	}
	for in, want := range cases {
		if got := luhnValid(in); got != want {
			t.Errorf("luhnValid(%q) = %v, want %v", in, got, want)
		}
	}
}
