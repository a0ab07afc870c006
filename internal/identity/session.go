package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/cache"
	"github.com/eugener/gandalf/internal/cachekeys"
)

// MembershipStore is the persistence boundary for org membership lookups and
// just-in-time provisioning triggered by session resolution. A single-org
// membership invariant is enforced by the implementation: provisioning a
// user already a member elsewhere must fail with gateway.ErrJITConflict.
type MembershipStore interface {
	Identity(ctx context.Context, orgID, externalID string) (*gateway.Identity, error)
	ProvisionJIT(ctx context.Context, orgID, externalID string, sess *gateway.Session) (*gateway.Identity, error)
	// SyncJITMemberships removes org/team memberships with source=jit that
	// are no longer present in currentGroups; memberships with source=manual
	// or source=scim are never touched.
	SyncJITMemberships(ctx context.Context, orgID, externalID string, currentGroups []string) error
}

// SessionResolver looks up a cookie-held session UUID in the shared cache
// and resolves it to an identity, optionally just-in-time provisioning an
// unknown external_id into the session's SSO org.
type SessionResolver struct {
	Cache           cache.Cache
	Store           MembershipStore
	CookieName      string
	JITEnabled      bool
	SyncMemberships bool
}

func (s *SessionResolver) resolve(ctx context.Context, req *http.Request) (*gateway.Identity, error) {
	cookie, err := req.Cookie(s.cookieName())
	if err != nil || cookie.Value == "" {
		return nil, gateway.ErrNoCredentials
	}

	raw, ok, err := s.Cache.GetBytes(ctx, cachekeys.Session(cookie.Value))
	if err != nil {
		return nil, gateway.ErrCacheUnavailable
	}
	if !ok {
		return nil, gateway.ErrNoCredentials
	}

	var sess gateway.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("identity: decoding session: %w", err)
	}
	if sess.Expired(time.Now()) {
		return nil, gateway.ErrSessionExpired
	}

	id, err := s.Store.Identity(ctx, sess.SSOOrgID, sess.ExternalID)
	if err == nil {
		if s.SyncMemberships {
			if err := s.Store.SyncJITMemberships(ctx, sess.SSOOrgID, sess.ExternalID, sess.Groups); err != nil {
				slog.LogAttrs(ctx, slog.LevelWarn, "jit membership sync failed",
					slog.String("component", "audit"), slog.String("external_id", sess.ExternalID),
					slog.String("error", err.Error()))
			}
		}
		id.AuthMethod = "session"
		return id, nil
	}
	if err != gateway.ErrNotFound || !s.JITEnabled {
		return nil, err
	}

	provisioned, err := s.Store.ProvisionJIT(ctx, sess.SSOOrgID, sess.ExternalID, &sess)
	if err != nil {
		return nil, err
	}
	provisioned.AuthMethod = "session"
	slog.LogAttrs(ctx, slog.LevelInfo, "jit provisioned user",
		slog.String("component", "audit"), slog.String("external_id", sess.ExternalID),
		slog.String("org_id", sess.SSOOrgID))
	return provisioned, nil
}

func (s *SessionResolver) cookieName() string {
	if s.CookieName == "" {
		return "gw_session"
	}
	return s.CookieName
}
