package guardrails

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/tidwall/gjson"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/cloudauth"
)

// BedrockGuardrailsProvider calls an AWS Bedrock Guardrails ApplyGuardrail
// endpoint, signing requests with SigV4 via the same transport the gateway
// uses for Bedrock-hosted model calls.
type BedrockGuardrailsProvider struct {
	endpointURL string
	guardrailID string
	version     string
	http        *http.Client
}

// NewBedrockGuardrailsProvider builds a provider against a regional Bedrock
// Runtime endpoint, e.g. "https://bedrock-runtime.us-east-1.amazonaws.com".
func NewBedrockGuardrailsProvider(baseURL, guardrailID, version, region string, creds aws.CredentialsProvider) *BedrockGuardrailsProvider {
	transport := cloudauth.NewAWSSigV4Transport(http.DefaultTransport, creds, region, "bedrock")
	return &BedrockGuardrailsProvider{
		endpointURL: baseURL,
		guardrailID: guardrailID,
		version:     version,
		http:        &http.Client{Transport: transport, Timeout: 5 * time.Second},
	}
}

func (p *BedrockGuardrailsProvider) Name() string { return "bedrock_guardrails" }

func (p *BedrockGuardrailsProvider) Evaluate(ctx context.Context, req gateway.GuardrailsRequest) (gateway.GuardrailsResponse, error) {
	source := "INPUT"
	if req.Direction == gateway.DirectionOutput {
		source = "OUTPUT"
	}

	payload := map[string]any{
		"source": source,
		"content": []map[string]any{
			{"text": map[string]string{"text": req.Content}},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return gateway.GuardrailsResponse{}, fmt.Errorf("guardrails: marshal bedrock request: %w", err)
	}

	url := fmt.Sprintf("%s/guardrail/%s/version/%s/apply", p.endpointURL, p.guardrailID, p.version)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return gateway.GuardrailsResponse{}, fmt.Errorf("guardrails: build bedrock request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return gateway.GuardrailsResponse{}, fmt.Errorf("%w: bedrock request: %v", ErrRetryable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return gateway.GuardrailsResponse{}, fmt.Errorf("%w: bedrock status %d", ErrRetryable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return gateway.GuardrailsResponse{}, fmt.Errorf("guardrails: bedrock status %d", resp.StatusCode)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return gateway.GuardrailsResponse{}, fmt.Errorf("guardrails: read bedrock response: %w", err)
	}
	root := gjson.ParseBytes(buf.Bytes())

	var violations []gateway.Violation
	action := root.Get("action").String()
	root.Get("assessments").ForEach(func(_, assessment gjson.Result) bool {
		assessment.Get("contentPolicy.filters").ForEach(func(_, f gjson.Result) bool {
			violations = append(violations, gateway.Violation{
				Category:   "bedrock." + f.Get("type").String(),
				Severity:   bedrockConfidenceToSeverity(f.Get("confidence").String()),
				Confidence: 1.0,
				Message:    "blocked by bedrock content filter: " + f.Get("type").String(),
			})
			return true
		})
		assessment.Get("topicPolicy.topics").ForEach(func(_, t gjson.Result) bool {
			if t.Get("action").String() != "BLOCKED" {
				return true
			}
			violations = append(violations, gateway.Violation{
				Category: "bedrock.topic", Severity: "high", Confidence: 1.0,
				Message: "blocked topic: " + t.Get("name").String(),
			})
			return true
		})
		return true
	})

	return gateway.GuardrailsResponse{Passed: action != "GUARDRAIL_INTERVENED" && len(violations) == 0, Violations: violations}, nil
}

func bedrockConfidenceToSeverity(confidence string) string {
	switch confidence {
	case "HIGH":
		return "critical"
	case "MEDIUM":
		return "high"
	default:
		return "medium"
	}
}
