package identity

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/cache"
	"github.com/eugener/gandalf/internal/cachekeys"
)

// EmergencyAccount is one entry in the statically-configured emergency
// account table, used for break-glass access when SSO/database auth is
// unavailable.
type EmergencyAccount struct {
	ID         string
	Key        string
	Email      string
	Roles      []string
	AllowedIPs []string // per-account CIDR restriction, in addition to the global one
}

// EmergencyResolver authenticates against a small static account table,
// enforcing a global then per-account CIDR allowlist and a fixed-window
// lockout after repeated failures from the same source IP.
type EmergencyResolver struct {
	Accounts     []EmergencyAccount
	GlobalCIDRs  []string
	MaxAttempts  int64
	Window       time.Duration
	LockoutTTL   time.Duration
	Cache        cache.Cache
}

func (e *EmergencyResolver) resolve(ctx context.Context, req *http.Request) (*gateway.Identity, error) {
	raw := bearerOrHeader(req)
	if raw == "" {
		return nil, gateway.ErrNoCredentials
	}

	ip := clientIP(req)
	locked, err := e.locked(ctx, ip)
	if err != nil {
		return nil, gateway.ErrCacheUnavailable
	}
	if locked {
		e.audit(ctx, ip, "", false, "locked out")
		return nil, gateway.ErrEmergencyLocked
	}

	if len(e.GlobalCIDRs) > 0 && !cidrsContain(e.GlobalCIDRs, ip) {
		return nil, gateway.ErrNoCredentials
	}

	account, ok := e.match(raw)
	if !ok {
		return nil, gateway.ErrNoCredentials
	}

	// Per-account restriction failure is fail-closed: do not fall through to
	// checking other accounts, which would let an attacker enumerate keys by
	// timing which account "almost" matched.
	if len(account.AllowedIPs) > 0 && !cidrsContain(account.AllowedIPs, ip) {
		e.recordFailure(ctx, ip)
		e.audit(ctx, ip, account.ID, false, "ip not allowed for account")
		return nil, gateway.ErrForbidden
	}

	e.audit(ctx, ip, account.ID, true, "")
	return &gateway.Identity{
		Subject:    account.ID,
		Email:      account.Email,
		Role:       "_emergency_admin",
		Roles:      append([]string{"_emergency_admin"}, account.Roles...),
		AuthMethod: "emergency",
	}, nil
}

// match finds the account whose Key constant-time-equals raw. Every
// candidate is compared (not short-circuited) so the overall cost does not
// leak which prefix of accounts was checked.
func (e *EmergencyResolver) match(raw string) (EmergencyAccount, bool) {
	var found EmergencyAccount
	var ok bool
	for _, a := range e.Accounts {
		if subtle.ConstantTimeCompare([]byte(raw), []byte(a.Key)) == 1 {
			found, ok = a, true
		}
	}
	if !ok {
		// still pay the comparison cost so failure timing resembles success
		// against the longest configured key.
		_ = subtle.ConstantTimeCompare([]byte(raw), []byte(raw))
	}
	return found, ok
}

func (e *EmergencyResolver) locked(ctx context.Context, ip string) (bool, error) {
	_, ok, err := e.Cache.GetBytes(ctx, cachekeys.EmergencyLockout(ip))
	return ok, err
}

func (e *EmergencyResolver) recordFailure(ctx context.Context, ip string) {
	res, err := e.Cache.CheckAndIncrRateLimit(ctx, cachekeys.EmergencyRateLimit(ip), e.MaxAttempts, e.Window)
	if err != nil {
		return
	}
	if !res.Allowed || res.Current >= e.MaxAttempts {
		_ = e.Cache.SetBytes(ctx, cachekeys.EmergencyLockout(ip), []byte("1"), e.LockoutTTL)
	}
}

func (e *EmergencyResolver) audit(ctx context.Context, ip, accountID string, success bool, reason string) {
	slog.LogAttrs(ctx, slog.LevelInfo, "emergency access attempt",
		slog.String("component", "audit"), slog.String("ip", ip),
		slog.String("account_id", accountID), slog.Bool("success", success),
		slog.String("reason", reason))
}
