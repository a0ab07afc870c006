package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	gateway "github.com/eugener/gandalf/internal"
)

// TestExtractClientIPScenarioS5 encodes spec scenario S5 literally.
func TestExtractClientIPScenarioS5(t *testing.T) {
	trusted := []string{"10.0.0.0/8"}
	got := ExtractClientIP("1.1.1.1, 203.0.113.50, 10.0.0.50", trusted)
	if got != "203.0.113.50" {
		t.Fatalf("got %q, want 203.0.113.50", got)
	}
}

func TestProxyHeaderResolver_IgnoresUntrustedPeer(t *testing.T) {
	r := &ProxyHeaderResolver{TrustedProxies: []string{"10.0.0.0/8"}}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.1:1234"
	req.Header.Set("X-Identity-External-Id", "user-1")

	_, err := r.resolve(context.Background(), req)
	if err != gateway.ErrNoCredentials {
		t.Fatalf("expected ErrNoCredentials for untrusted peer, got %v", err)
	}
}

func TestProxyHeaderResolver_TrustedPeerAccepted(t *testing.T) {
	r := &ProxyHeaderResolver{TrustedProxies: []string{"10.0.0.0/8"}}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Identity-External-Id", "user-1")
	req.Header.Set("X-Forwarded-For", "1.1.1.1, 203.0.113.50, 10.0.0.50")

	id, err := r.resolve(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if id.ExternalID != "user-1" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}
