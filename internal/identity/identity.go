// Package identity implements the gateway's identity resolver (C3): six
// authentication mechanisms tried in a fixed priority order, stopping at
// first success. Every mechanism produces a *gateway.Identity; none persists
// state beyond the cache entries each mechanism owns (lockouts, sessions).
package identity

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	gateway "github.com/eugener/gandalf/internal"
)

// APIKeyResolver is satisfied by the existing auth.APIKeyAuth, kept as its
// own package since it is also used directly by admin-surface middleware.
type APIKeyResolver interface {
	Authenticate(ctx context.Context, r *http.Request) (*gateway.Identity, error)
}

// Resolver tries each configured mechanism in spec order and returns the
// first identity produced. A mechanism signals "not applicable" by
// returning gateway.ErrNoCredentials; any other error is fail-closed and
// stops the chain immediately (a misconfigured or broken mechanism must
// never silently fall through to a weaker one).
type Resolver struct {
	Bootstrap *BootstrapResolver
	Emergency *EmergencyResolver
	BearerJWT *BearerJWTResolver
	Proxy     *ProxyHeaderResolver
	Session   *SessionResolver
	APIKey    APIKeyResolver
}

type mechanism struct {
	name string
	run  func(context.Context, *http.Request) (*gateway.Identity, error)
}

// Resolve runs the chain in spec order, logging one audit record per
// mechanism actually attempted.
func (r *Resolver) Resolve(ctx context.Context, req *http.Request) (*gateway.Identity, error) {
	mechanisms := make([]mechanism, 0, 6)
	if r.Bootstrap != nil {
		mechanisms = append(mechanisms, mechanism{"bootstrap", r.Bootstrap.resolve})
	}
	if r.Emergency != nil {
		mechanisms = append(mechanisms, mechanism{"emergency", r.Emergency.resolve})
	}
	if r.BearerJWT != nil {
		mechanisms = append(mechanisms, mechanism{"bearer_jwt", r.BearerJWT.resolve})
	}
	if r.Proxy != nil {
		mechanisms = append(mechanisms, mechanism{"proxy_headers", r.Proxy.resolve})
	}
	if r.Session != nil {
		mechanisms = append(mechanisms, mechanism{"session_cookie", r.Session.resolve})
	}
	if r.APIKey != nil {
		mechanisms = append(mechanisms, mechanism{"api_key", r.APIKey.Authenticate})
	}

	for _, m := range mechanisms {
		id, err := m.run(ctx, req)
		switch {
		case err == nil:
			slog.LogAttrs(ctx, slog.LevelInfo, "identity resolved",
				slog.String("component", "audit"), slog.String("mechanism", m.name),
				slog.String("external_id", id.ExternalID), slog.String("key_id", id.KeyID))
			return id, nil
		case err == gateway.ErrNoCredentials:
			continue
		default:
			slog.LogAttrs(ctx, slog.LevelWarn, "identity mechanism failed",
				slog.String("component", "audit"), slog.String("mechanism", m.name),
				slog.String("error", err.Error()))
			return nil, err
		}
	}
	return nil, gateway.ErrUnauthorized
}

// Authenticate satisfies gateway.Authenticator, letting a Resolver stand in
// directly for server.Deps.Auth.
func (r *Resolver) Authenticate(ctx context.Context, req *http.Request) (*gateway.Identity, error) {
	return r.Resolve(ctx, req)
}

// clientIP returns the direct TCP peer address of req, stripped of port.
func clientIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

// cidrsContain reports whether ip falls within any of the given CIDR blocks.
func cidrsContain(cidrs []string, ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, c := range cidrs {
		_, network, err := net.ParseCIDR(c)
		if err != nil {
			continue
		}
		if network.Contains(parsed) {
			return true
		}
	}
	return false
}
