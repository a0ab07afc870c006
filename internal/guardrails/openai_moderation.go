package guardrails

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/gandalf/internal"
)

const defaultModerationURL = "https://api.openai.com/v1/moderations"

// OpenAIModerationProvider calls the OpenAI moderations endpoint and maps
// each flagged category to a Violation, severity derived from the category
// score so a downstream PolicyConfig can route high-score hits to Block and
// low-score hits to Warn/Log.
type OpenAIModerationProvider struct {
	apiKey string
	url    string
	http   *http.Client
}

func NewOpenAIModerationProvider(apiKey, url string, httpClient *http.Client) *OpenAIModerationProvider {
	if url == "" {
		url = defaultModerationURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &OpenAIModerationProvider{apiKey: apiKey, url: url, http: httpClient}
}

func (p *OpenAIModerationProvider) Name() string { return "openai_moderation" }

func (p *OpenAIModerationProvider) Evaluate(ctx context.Context, req gateway.GuardrailsRequest) (gateway.GuardrailsResponse, error) {
	body, err := json.Marshal(map[string]string{"input": req.Content})
	if err != nil {
		return gateway.GuardrailsResponse{}, fmt.Errorf("guardrails: marshal moderation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return gateway.GuardrailsResponse{}, fmt.Errorf("guardrails: build moderation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return gateway.GuardrailsResponse{}, fmt.Errorf("%w: moderation request: %v", ErrRetryable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return gateway.GuardrailsResponse{}, fmt.Errorf("%w: moderation status %d", ErrRetryable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return gateway.GuardrailsResponse{}, fmt.Errorf("guardrails: moderation status %d", resp.StatusCode)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return gateway.GuardrailsResponse{}, fmt.Errorf("guardrails: read moderation response: %w", err)
	}
	root := gjson.ParseBytes(buf.Bytes())

	var violations []gateway.Violation
	result := root.Get("results.0")
	result.Get("categories").ForEach(func(key, flagged gjson.Result) bool {
		if !flagged.Bool() {
			return true
		}
		score := result.Get("category_scores." + key.String()).Float()
		violations = append(violations, gateway.Violation{
			Category:   "moderation." + key.String(),
			Severity:   severityFromScore(score),
			Confidence: score,
			Message:    "flagged by openai moderation: " + key.String(),
		})
		return true
	})

	return gateway.GuardrailsResponse{Passed: len(violations) == 0, Violations: violations}, nil
}

func severityFromScore(score float64) string {
	switch {
	case score >= 0.9:
		return "critical"
	case score >= 0.7:
		return "high"
	case score >= 0.4:
		return "medium"
	default:
		return "low"
	}
}
