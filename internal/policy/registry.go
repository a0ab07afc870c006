package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/cache"
	"github.com/eugener/gandalf/internal/cachekeys"
)

// OrgPolicyStore is the persistence boundary for per-org policies. It is
// implemented by the storage package; the registry only ever reads from it
// on cache miss or version mismatch.
type OrgPolicyStore interface {
	OrgPolicies(ctx context.Context, orgID string) ([]gateway.OrgPolicy, error)
}

// orgEntry is one node's compiled view of an org's policy set, tagged with
// the two timestamps the spec requires: when the cached version was last
// confirmed against the shared store, and when the entry was last used.
type orgEntry struct {
	mu sync.RWMutex

	engine           *Engine
	version          int64
	lastVersionCheck time.Time
	lastAccessed     time.Time
}

// Registry wraps a system-wide Engine with per-org overlays. System
// policies are evaluated first; only if none matches and the request
// carries an org_id are org policies consulted; the engine's configured
// default effect applies only after both tiers miss.
type Registry struct {
	system *Engine
	store  OrgPolicyStore
	c      cache.Cache
	ttl    time.Duration

	mu   sync.RWMutex
	orgs map[string]*orgEntry
}

// NewRegistry builds a registry around a system Engine. ttl bounds how long
// a node may serve a stale compiled org policy set before re-checking the
// shared version counter.
func NewRegistry(system *Engine, store OrgPolicyStore, c cache.Cache, ttl time.Duration) *Registry {
	return &Registry{
		system: system,
		store:  store,
		c:      c,
		ttl:    ttl,
		orgs:   make(map[string]*orgEntry),
	}
}

// Evaluate runs the system engine, then -- only on a system miss with an
// org_id present -- the org's overlay engine, falling back to the org
// engine's configured default (which is the system engine's default,
// since org policies share the same Config.DefaultEffect).
func (r *Registry) Evaluate(ctx context.Context, subject gateway.Subject, pctx gateway.PolicyContext) (gateway.Decision, error) {
	decision, err := r.system.Evaluate(subject, pctx)
	if err != nil {
		return gateway.Decision{}, err
	}
	if decision.Matched != "" || pctx.OrgID == "" {
		return decision, nil
	}

	orgEngine, err := r.orgEngine(ctx, pctx.OrgID)
	if err != nil {
		return gateway.Decision{}, err
	}
	if orgEngine == nil {
		return decision, nil
	}
	return orgEngine.Evaluate(subject, pctx)
}

// orgEngine returns the compiled engine for orgID, refreshing it from the
// store when either it has never been loaded or the cached version is
// stale and differs from the shared version counter.
func (r *Registry) orgEngine(ctx context.Context, orgID string) (*Engine, error) {
	r.mu.RLock()
	entry, ok := r.orgs[orgID]
	r.mu.RUnlock()

	now := time.Now()
	if ok {
		entry.mu.RLock()
		stale := now.Sub(entry.lastVersionCheck) > r.ttl
		engine := entry.engine
		version := entry.version
		entry.mu.RUnlock()

		if !stale {
			entry.mu.Lock()
			entry.lastAccessed = now
			entry.mu.Unlock()
			return engine, nil
		}

		remoteVersion, err := r.remoteVersion(ctx, orgID)
		if err != nil {
			return nil, err
		}
		if remoteVersion == version {
			entry.mu.Lock()
			entry.lastVersionCheck = now
			entry.lastAccessed = now
			entry.mu.Unlock()
			return engine, nil
		}
	}

	return r.reload(ctx, orgID, now)
}

// remoteVersion reads the org's version counter without mutating it, via a
// zero-delta incr_by -- the version lives in the same counter keyspace that
// BumpVersion increments, so a byte-value read would see the wrong entry
// kind.
func (r *Registry) remoteVersion(ctx context.Context, orgID string) (int64, error) {
	v, err := r.c.IncrBy(ctx, cachekeys.RBACPolicyVersion(orgID), 0, 0)
	if err != nil {
		return 0, fmt.Errorf("policy: reading org version: %w", err)
	}
	return v, nil
}

func (r *Registry) reload(ctx context.Context, orgID string, now time.Time) (*Engine, error) {
	policies, err := r.store.OrgPolicies(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("policy: loading org policies for %s: %w", orgID, err)
	}
	version, err := r.remoteVersion(ctx, orgID)
	if err != nil {
		return nil, err
	}

	var engine *Engine
	if len(policies) > 0 {
		plain := make([]gateway.Policy, len(policies))
		for i, p := range policies {
			plain[i] = p.Policy
		}
		engine, err = NewEngine(Config{
			RBACEnabled:   true,
			RoleMapping:   r.system.cfg.RoleMapping,
			Policies:      plain,
			DefaultEffect: r.system.cfg.DefaultEffect,
		})
		if err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	r.orgs[orgID] = &orgEntry{
		engine:           engine,
		version:          version,
		lastVersionCheck: now,
		lastAccessed:     now,
	}
	r.mu.Unlock()
	return engine, nil
}

// BumpVersion atomically increments an org's shared policy version. Callers
// mutating org policies must call this after the write commits so every
// node's next stale-check picks up the change.
func (r *Registry) BumpVersion(ctx context.Context, orgID string) error {
	_, err := r.c.IncrBy(ctx, cachekeys.RBACPolicyVersion(orgID), 1, 0)
	return err
}
