package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	gateway "github.com/eugener/gandalf/internal"
)

// OrgSSOConfig is one organization's bearer-JWT SSO configuration.
type OrgSSOConfig struct {
	OrgID           string
	Issuer          string
	Audience        string
	IdentityClaim   string // claim name holding the external id, e.g. "sub" or "email"
	EnforcementMode string // "required", "test", or "optional"
}

// SSOConfigStore looks up an org's SSO configuration by its org claim value.
type SSOConfigStore interface {
	SSOConfigForOrg(ctx context.Context, orgID string) (*OrgSSOConfig, error)
}

// BearerJWTResolver validates per-org SSO bearer tokens: the org claim
// (checked unverified) selects which org's issuer/JWKS to validate against,
// and the verified token's iss is cross-checked against that same org's
// configured issuer to prevent an org-claim swap attack.
type BearerJWTResolver struct {
	Store    SSOConfigStore
	OrgClaim string // default "org", falls back to "hadrian_org"

	mu        sync.Mutex
	verifiers map[string]*oidc.IDTokenVerifier // keyed by issuer+"|"+audience
}

func (b *BearerJWTResolver) resolve(ctx context.Context, req *http.Request) (*gateway.Identity, error) {
	auth := req.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return nil, gateway.ErrNoCredentials
	}
	raw := strings.TrimPrefix(auth, "Bearer ")
	if strings.Count(raw, ".") != 2 {
		return nil, gateway.ErrNoCredentials // not JWT-shaped; leave it to API-key auth
	}

	parsed, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{
		jose.RS256, jose.RS384, jose.RS512, jose.ES256, jose.ES384, jose.ES512, jose.PS256,
	})
	if err != nil {
		return nil, gateway.ErrNoCredentials
	}

	var unverified map[string]any
	if err := parsed.UnsafeClaimsWithoutVerification(&unverified); err != nil {
		return nil, gateway.ErrNoCredentials
	}

	orgID := stringClaim(unverified, b.orgClaimName())
	if orgID == "" {
		orgID = stringClaim(unverified, "hadrian_org")
	}
	if orgID == "" {
		return nil, gateway.ErrNoCredentials
	}

	ssoCfg, err := b.Store.SSOConfigForOrg(ctx, orgID)
	if err != nil {
		return nil, gateway.ErrNoCredentials
	}

	verifier, err := b.verifierFor(ctx, ssoCfg)
	if err != nil {
		return nil, fmt.Errorf("identity: building oidc verifier for org %s: %w", orgID, err)
	}

	idToken, err := verifier.Verify(ctx, raw)
	if err != nil {
		return nil, gateway.ErrUnauthorized
	}
	if idToken.Issuer != ssoCfg.Issuer {
		return nil, gateway.ErrIssuerMismatch
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("identity: decoding verified claims: %w", err)
	}
	externalID := stringClaim(claims, ssoCfg.IdentityClaim)
	if externalID == "" {
		return nil, gateway.ErrUnauthorized
	}

	return &gateway.Identity{
		Subject:    externalID,
		ExternalID: externalID,
		Email:      stringClaim(claims, "email"),
		OrgID:      orgID,
		Role:       "member",
		AuthMethod: "jwt",
	}, nil
}

func (b *BearerJWTResolver) orgClaimName() string {
	if b.OrgClaim == "" {
		return "org"
	}
	return b.OrgClaim
}

// verifierFor returns a cached per-(issuer,audience) verifier, performing
// OIDC discovery (and therefore a JWKS fetch) only on first use for that pair.
func (b *BearerJWTResolver) verifierFor(ctx context.Context, cfg *OrgSSOConfig) (*oidc.IDTokenVerifier, error) {
	key := cfg.Issuer + "|" + cfg.Audience

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.verifiers == nil {
		b.verifiers = make(map[string]*oidc.IDTokenVerifier)
	}
	if v, ok := b.verifiers[key]; ok {
		return v, nil
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, err
	}
	v := provider.Verifier(&oidc.Config{ClientID: cfg.Audience})
	b.verifiers[key] = v
	return v, nil
}

func stringClaim(claims map[string]any, name string) string {
	if name == "" {
		return ""
	}
	v, ok := claims[name]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		raw, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(raw)
	}
	return s
}
