// Package policy implements the gateway's authorization engine (C4):
// deterministic (Subject, PolicyContext) -> Decision evaluation, with
// pattern-matched resource/action/role rules, optional CEL conditions, and a
// registry that overlays per-org policies on top of a system-wide policy set.
package policy

import (
	"sort"

	gateway "github.com/eugener/gandalf/internal"
)

// Config is the statically-loaded shape of an Engine: whether RBAC applies
// at all, the role-mapping table, the policy list, and the default effect
// applied when nothing matches. Admin and gateway surfaces use distinct
// Engines with different defaults (deny vs allow) -- see SPEC_FULL.md.
type Config struct {
	RBACEnabled   bool
	RoleMapping   map[string]string
	Policies      []gateway.Policy
	DefaultEffect gateway.PolicyEffect
}

// Engine evaluates policies for a single surface (e.g. the admin API or the
// gateway proxy API). It performs no I/O per call; CEL programs are compiled
// once and cached.
type Engine struct {
	cfg        Config
	conditions *conditionCache
	sorted     []gateway.Policy
}

// NewEngine sorts cfg's policies by descending priority (ties keep original
// list order, a stable sort) and prepares the CEL condition cache.
func NewEngine(cfg Config) (*Engine, error) {
	conditions, err := newConditionCache()
	if err != nil {
		return nil, err
	}
	sorted := make([]gateway.Policy, len(cfg.Policies))
	copy(sorted, cfg.Policies)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })
	return &Engine{cfg: cfg, conditions: conditions, sorted: sorted}, nil
}

// Evaluate runs the deterministic algorithm against this engine's own
// policy set only -- the Registry is what adds the org overlay and the
// final default-effect fallback across both system and org tiers.
func (e *Engine) Evaluate(subject gateway.Subject, ctx gateway.PolicyContext) (gateway.Decision, error) {
	if !e.cfg.RBACEnabled {
		return gateway.Decision{Effect: gateway.EffectAllow}, nil
	}

	mapped := e.mapRoles(subject.Roles)

	for _, p := range e.sorted {
		if !matchAny(p.Resources, ctx.Resource) {
			continue
		}
		if !matchAny(p.Actions, ctx.Action) {
			continue
		}
		if len(p.Roles) > 0 && !anyRoleMatches(p.Roles, mapped) {
			continue
		}
		if p.Condition != "" {
			ok, err := e.conditions.evaluate(p.Condition, subjectView{subject, mapped}, ctx)
			if err != nil {
				return gateway.Decision{}, err
			}
			if !ok {
				continue
			}
		}
		return gateway.Decision{Effect: p.Effect, Matched: p.Name}, nil
	}

	return gateway.Decision{Effect: e.cfg.DefaultEffect}, nil
}

func (e *Engine) mapRoles(roles []string) []string {
	if len(e.cfg.RoleMapping) == 0 {
		return roles
	}
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		if mapped, ok := e.cfg.RoleMapping[r]; ok {
			out = append(out, mapped)
		} else {
			out = append(out, r)
		}
	}
	return out
}

func anyRoleMatches(patterns, roles []string) bool {
	for _, role := range roles {
		if matchAny(patterns, role) {
			return true
		}
	}
	return false
}

// subjectView is the CEL-visible projection of a Subject: the original
// fields plus the role set after mapping, since conditions should see the
// resolved roles rather than raw identity-provider roles.
type subjectView struct {
	gateway.Subject
	MappedRoles []string `json:"mapped_roles"`
}
