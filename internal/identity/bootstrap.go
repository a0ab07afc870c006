package identity

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	gateway "github.com/eugener/gandalf/internal"
)

// UserCounter reports whether any user/key has ever been provisioned. The
// bootstrap key is only honored while this reports zero, closing the
// mechanism permanently once real accounts exist.
type UserCounter interface {
	CountUsers(ctx context.Context) (int, error)
}

// BootstrapResolver grants the reserved _system_bootstrap role to a single
// configured static key, but only while the user table is empty -- it exists
// to let a freshly-deployed gateway create its first real admin account.
type BootstrapResolver struct {
	Key     string
	Counter UserCounter
}

func (b *BootstrapResolver) resolve(ctx context.Context, req *http.Request) (*gateway.Identity, error) {
	if b.Key == "" {
		return nil, gateway.ErrNoCredentials
	}
	raw := bearerOrHeader(req)
	if raw == "" {
		return nil, gateway.ErrNoCredentials
	}
	if subtle.ConstantTimeCompare([]byte(raw), []byte(b.Key)) != 1 {
		return nil, gateway.ErrNoCredentials
	}

	count, err := b.Counter.CountUsers(ctx)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, gateway.ErrNoCredentials
	}

	return &gateway.Identity{
		Subject:    "_system_bootstrap",
		Role:       "_system_bootstrap",
		Roles:      []string{"_system_bootstrap"},
		AuthMethod: "bootstrap",
	}, nil
}

// bearerOrHeader extracts credentials from either Authorization: Bearer or
// X-API-Key, as the bootstrap and emergency mechanisms both accept either.
func bearerOrHeader(req *http.Request) string {
	if auth := req.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return req.Header.Get("X-API-Key")
}
