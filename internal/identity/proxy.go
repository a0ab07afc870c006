package identity

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	gateway "github.com/eugener/gandalf/internal"
)

// ProxyHeaderResolver trusts identity headers only when the direct
// connecting peer is within a configured proxy CIDR set, and recovers the
// real client IP from the forwarding header by a right-to-left scan.
type ProxyHeaderResolver struct {
	TrustedProxies []string
}

func (p *ProxyHeaderResolver) resolve(ctx context.Context, req *http.Request) (*gateway.Identity, error) {
	peer := clientIP(req)
	if len(p.TrustedProxies) == 0 || !cidrsContain(p.TrustedProxies, peer) {
		if req.Header.Get("X-Identity-External-Id") != "" {
			slog.LogAttrs(ctx, slog.LevelWarn, "identity headers from untrusted peer ignored",
				slog.String("component", "audit"), slog.String("peer", peer))
		}
		return nil, gateway.ErrNoCredentials
	}

	externalID := req.Header.Get("X-Identity-External-Id")
	if externalID == "" {
		return nil, gateway.ErrNoCredentials
	}

	realIP := ExtractClientIP(req.Header.Get("X-Forwarded-For"), p.TrustedProxies)
	slog.LogAttrs(ctx, slog.LevelInfo, "proxy identity accepted",
		slog.String("component", "audit"), slog.String("external_id", externalID),
		slog.String("client_ip", realIP))

	return &gateway.Identity{
		Subject:    externalID,
		ExternalID: externalID,
		Email:      req.Header.Get("X-Identity-Email"),
		OrgID:      req.Header.Get("X-Identity-Org-Id"),
		Role:       "member",
		AuthMethod: "proxy",
		Roles:      splitNonEmpty(req.Header.Get("X-Identity-Roles"), ","),
	}, nil
}

// ExtractClientIP implements spec scenario S5: scan the X-Forwarded-For
// chain right to left, skipping entries within trusted CIDRs, and return
// the first untrusted address. A leftmost-first parse would let a client
// spoof its own IP by prepending a fake entry.
func ExtractClientIP(xff string, trustedCIDRs []string) string {
	parts := strings.Split(xff, ",")
	for i := len(parts) - 1; i >= 0; i-- {
		ip := strings.TrimSpace(parts[i])
		if ip == "" {
			continue
		}
		if cidrsContain(trustedCIDRs, ip) {
			continue
		}
		return ip
	}
	return ""
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	raw := strings.Split(s, sep)
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r != "" {
			out = append(out, r)
		}
	}
	return out
}
