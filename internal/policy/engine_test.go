package policy

import (
	"testing"

	gateway "github.com/eugener/gandalf/internal"
)

func TestEngine_RBACDisabledAllowsEverything(t *testing.T) {
	e, err := NewEngine(Config{RBACEnabled: false, DefaultEffect: gateway.EffectDeny})
	if err != nil {
		t.Fatal(err)
	}
	d, err := e.Evaluate(gateway.Subject{}, gateway.PolicyContext{Resource: "anything", Action: "anything"})
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed() {
		t.Fatal("expected allow when RBAC is globally disabled")
	}
}

func TestEngine_PriorityOrderAndRoleMapping(t *testing.T) {
	cfg := Config{
		RBACEnabled: true,
		RoleMapping: map[string]string{"deployer": "deploy_admin"},
		Policies: []gateway.Policy{
			{Name: "low-deny", Priority: 1, Effect: gateway.EffectDeny, Resources: []string{"*"}, Actions: []string{"*"}},
			{Name: "high-allow", Priority: 10, Effect: gateway.EffectAllow, Resources: []string{"deploy*"}, Actions: []string{"*"}, Roles: []string{"deploy_admin"}},
		},
		DefaultEffect: gateway.EffectDeny,
	}
	e, err := NewEngine(cfg)
	if err != nil {
		t.Fatal(err)
	}

	subject := gateway.Subject{Roles: []string{"deployer"}}
	d, err := e.Evaluate(subject, gateway.PolicyContext{Resource: "deploy:prod", Action: "write"})
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed() || d.Matched != "high-allow" {
		t.Fatalf("expected high-allow to win via role mapping, got %+v", d)
	}

	d2, err := e.Evaluate(gateway.Subject{Roles: []string{"viewer"}}, gateway.PolicyContext{Resource: "deploy:prod", Action: "write"})
	if err != nil {
		t.Fatal(err)
	}
	if d2.Allowed() || d2.Matched != "low-deny" {
		t.Fatalf("expected low-deny to win for unmapped role, got %+v", d2)
	}
}

func TestEngine_DefaultEffectWhenNoPolicyMatches(t *testing.T) {
	e, err := NewEngine(Config{RBACEnabled: true, DefaultEffect: gateway.EffectAllow})
	if err != nil {
		t.Fatal(err)
	}
	d, err := e.Evaluate(gateway.Subject{}, gateway.PolicyContext{Resource: "x", Action: "y"})
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed() || d.Matched != "" {
		t.Fatalf("expected unmatched default allow, got %+v", d)
	}
}

func TestEngine_CELCondition(t *testing.T) {
	cfg := Config{
		RBACEnabled: true,
		Policies: []gateway.Policy{
			{
				Name: "small-requests-only", Priority: 1, Effect: gateway.EffectAllow,
				Resources: []string{"chat"}, Actions: []string{"*"},
				Condition: `context.request.max_tokens <= 1000`,
			},
		},
		DefaultEffect: gateway.EffectDeny,
	}
	e, err := NewEngine(cfg)
	if err != nil {
		t.Fatal(err)
	}

	small := gateway.PolicyContext{Resource: "chat", Action: "create", Request: &gateway.PolicyRequestInfo{MaxTokens: 500}}
	d, err := e.Evaluate(gateway.Subject{}, small)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed() {
		t.Fatalf("expected allow for small request, got %+v", d)
	}

	large := gateway.PolicyContext{Resource: "chat", Action: "create", Request: &gateway.PolicyRequestInfo{MaxTokens: 5000}}
	d2, err := e.Evaluate(gateway.Subject{}, large)
	if err != nil {
		t.Fatal(err)
	}
	if d2.Allowed() {
		t.Fatalf("expected default deny for large request falling through the condition, got %+v", d2)
	}
}
