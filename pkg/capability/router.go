package capability

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/weftlabs/weft/core/pkg/contracts"
)

// Router is the static dispatch table from intent type to realm
// registration. All registrations happen at startup; after that the
// router is a pure lookup.
type Router struct {
	mu     sync.RWMutex
	byType map[string]*Registration

	env        *cel.Env
	constraint *semver.Constraints
}

type compiledRegistration struct {
	schema        *jsonschema.Schema
	preconditions map[string]cel.Program
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRealmConstraint restricts accepted realm versions, e.g. ">=1.0.0 <2.0.0".
func WithRealmConstraint(c *semver.Constraints) RouterOption {
	return func(r *Router) { r.constraint = c }
}

// NewRouter builds an empty router. The CEL environment exposes `params`
// and `context` to step preconditions.
func NewRouter(opts ...RouterOption) (*Router, error) {
	env, err := cel.NewEnv(
		cel.Variable("params", cel.DynType),
		cel.Variable("context", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("capability router: cel environment: %w", err)
	}
	r := &Router{
		byType: make(map[string]*Registration),
		env:    env,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Register installs a realm's registration for one intent type. A second
// registration for the same type is a fatal configuration error, never a
// silent override.
func (r *Router) Register(reg *Registration) error {
	if reg == nil {
		return contracts.Validationf("nil registration")
	}
	if reg.IntentType == "" || reg.RealmName == "" {
		return contracts.Validationf("registration requires intent_type and realm_name")
	}
	if len(reg.Steps) == 0 {
		return contracts.Validationf("registration for %s declares no steps", reg.IntentType)
	}

	v, err := semver.NewVersion(reg.RealmVersion)
	if err != nil {
		return contracts.Validationf("realm %s version %q is not semver: %v", reg.RealmName, reg.RealmVersion, err)
	}
	if r.constraint != nil && !r.constraint.Check(v) {
		return contracts.Validationf("realm %s version %s outside supported range %s", reg.RealmName, v, r.constraint)
	}

	compiled, err := r.compile(reg)
	if err != nil {
		return err
	}

	seen := map[string]bool{}
	for i := range reg.Steps {
		s := &reg.Steps[i]
		if s.StepID == "" {
			return contracts.Validationf("registration for %s has a step with no id", reg.IntentType)
		}
		if seen[s.StepID] {
			return contracts.Validationf("registration for %s repeats step id %s", reg.IntentType, s.StepID)
		}
		seen[s.StepID] = true
		if s.Handler == nil {
			return contracts.Validationf("step %s of %s has no handler", s.StepID, reg.IntentType)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byType[reg.IntentType]; exists {
		return fmt.Errorf("intent type %s: %w", reg.IntentType, contracts.ErrDuplicateCapability)
	}
	reg.compiled = compiled
	r.byType[reg.IntentType] = reg
	return nil
}

// Resolve looks up the registration for an intent type.
func (r *Router) Resolve(intentType string) (*Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byType[intentType]
	if !ok {
		return nil, fmt.Errorf("intent type %s: %w", intentType, contracts.ErrCapabilityNotFound)
	}
	return reg, nil
}

// IntentTypes lists all registered types, sorted.
func (r *Router) IntentTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ValidateParams checks intent parameters against the registration's
// JSON Schema, when one was declared.
func (r *Router) ValidateParams(reg *Registration, params map[string]any) error {
	if reg.compiled == nil || reg.compiled.schema == nil {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := reg.compiled.schema.Validate(normalizeForSchema(params)); err != nil {
		return fmt.Errorf("parameters for %s: %v: %w", reg.IntentType, err, contracts.ErrValidation)
	}
	return nil
}

// CheckPrecondition evaluates a step's CEL precondition. Steps without
// one always pass.
func (r *Router) CheckPrecondition(reg *Registration, stepID string, params, execCtx map[string]any) (bool, error) {
	if reg.compiled == nil {
		return true, nil
	}
	prg, ok := reg.compiled.preconditions[stepID]
	if !ok {
		return true, nil
	}
	if params == nil {
		params = map[string]any{}
	}
	if execCtx == nil {
		execCtx = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{
		"params":  params,
		"context": execCtx,
	})
	if err != nil {
		return false, fmt.Errorf("precondition for %s/%s: %w", reg.IntentType, stepID, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("precondition for %s/%s is not boolean", reg.IntentType, stepID)
	}
	return allowed, nil
}

func (r *Router) compile(reg *Registration) (*compiledRegistration, error) {
	out := &compiledRegistration{preconditions: make(map[string]cel.Program)}

	if reg.ParamsSchema != "" {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://weft.schemas.local/intents/%s.schema.json", reg.IntentType)
		if err := c.AddResource(url, strings.NewReader(reg.ParamsSchema)); err != nil {
			return nil, contracts.Validationf("schema for %s failed to load: %v", reg.IntentType, err)
		}
		schema, err := c.Compile(url)
		if err != nil {
			return nil, contracts.Validationf("schema for %s failed to compile: %v", reg.IntentType, err)
		}
		out.schema = schema
	}

	for i := range reg.Steps {
		s := &reg.Steps[i]
		if s.Precondition == "" {
			continue
		}
		ast, issues := r.env.Compile(s.Precondition)
		if issues != nil && issues.Err() != nil {
			return nil, contracts.Validationf("precondition for %s/%s: %v", reg.IntentType, s.StepID, issues.Err())
		}
		prg, err := r.env.Program(ast)
		if err != nil {
			return nil, contracts.Validationf("precondition for %s/%s: %v", reg.IntentType, s.StepID, err)
		}
		out.preconditions[s.StepID] = prg
	}

	return out, nil
}

// normalizeForSchema round-trips values through interface types the schema
// validator accepts, without re-marshaling the whole document.
func normalizeForSchema(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = normalizeForSchema(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = normalizeForSchema(vv)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return v
	}
}
