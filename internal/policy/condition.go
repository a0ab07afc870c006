package policy

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"
)

// conditionCache compiles policy CEL conditions once and reuses the compiled
// program across evaluations. Policies rarely change at runtime (only on
// registry reload), so a simple read-mostly map keyed by expression text is
// sufficient -- there is no need to key by policy identity.
type conditionCache struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

func newConditionCache() (*conditionCache, error) {
	env, err := cel.NewEnv(
		cel.Variable("subject", cel.DynType),
		cel.Variable("context", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: building CEL environment: %w", err)
	}
	return &conditionCache{env: env, programs: make(map[string]cel.Program)}, nil
}

func (c *conditionCache) compile(expr string) (cel.Program, error) {
	c.mu.RLock()
	prg, ok := c.programs[expr]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: compiling condition %q: %w", expr, issues.Err())
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("policy: building program for %q: %w", expr, err)
	}

	c.mu.Lock()
	c.programs[expr] = prg
	c.mu.Unlock()
	return prg, nil
}

// evaluate compiles (or reuses) expr and evaluates it with subject and
// context canonicalized to JSON-shaped maps, requiring a boolean true result.
func (c *conditionCache) evaluate(expr string, subject, policyCtx any) (bool, error) {
	prg, err := c.compile(expr)
	if err != nil {
		return false, err
	}

	subjectMap, err := toCanonicalMap(subject)
	if err != nil {
		return false, err
	}
	contextMap, err := toCanonicalMap(policyCtx)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]any{
		"subject": subjectMap,
		"context": contextMap,
	})
	if err != nil {
		return false, fmt.Errorf("policy: evaluating condition %q: %w", expr, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		if rv, ok := out.(ref.Val); ok {
			return false, fmt.Errorf("policy: condition %q did not evaluate to bool, got %v", expr, rv.Type())
		}
		return false, fmt.Errorf("policy: condition %q did not evaluate to bool", expr)
	}
	return b, nil
}

// toCanonicalMap round-trips v through JSON so CEL sees plain maps/slices/
// scalars rather than Go struct types it knows nothing about.
func toCanonicalMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("policy: canonicalizing value: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("policy: decanonicalizing value: %w", err)
	}
	return out, nil
}
