package guardrails

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	gateway "github.com/eugener/gandalf/internal"
)

// HTTPProvider calls an arbitrary third-party guardrail webhook, posting the
// GuardrailsRequest as JSON and decoding a GuardrailsResponse back. It
// exists for guardrail vendors without a purpose-built provider.
type HTTPProvider struct {
	name    string
	url     string
	headers map[string]string
	http    *http.Client
}

func NewHTTPProvider(name, url string, headers map[string]string, httpClient *http.Client) *HTTPProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPProvider{name: name, url: url, headers: headers, http: httpClient}
}

func (p *HTTPProvider) Name() string { return p.name }

func (p *HTTPProvider) Evaluate(ctx context.Context, req gateway.GuardrailsRequest) (gateway.GuardrailsResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return gateway.GuardrailsResponse{}, fmt.Errorf("guardrails: marshal request for %s: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return gateway.GuardrailsResponse{}, fmt.Errorf("guardrails: build request for %s: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return gateway.GuardrailsResponse{}, fmt.Errorf("%w: %s request: %v", ErrRetryable, p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return gateway.GuardrailsResponse{}, fmt.Errorf("%w: %s status %d", ErrRetryable, p.name, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return gateway.GuardrailsResponse{}, fmt.Errorf("guardrails: %s status %d", p.name, resp.StatusCode)
	}

	var out gateway.GuardrailsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return gateway.GuardrailsResponse{}, fmt.Errorf("guardrails: decode %s response: %w", p.name, err)
	}
	return out, nil
}
