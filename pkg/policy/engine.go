package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/stratalabel/strata/pkg/engine"
	"github.com/stratalabel/strata/pkg/telemetry"
)

var _ engine.Guard = (*Engine)(nil)

// Engine evaluates Rego guard policies against normalized plans. It
// implements engine.Guard.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	order    []string
	logger   *telemetry.Logger
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine holding the built-in policies.
func NewEngine(logger *telemetry.Logger) (*Engine, error) {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.NewComponentLogger("policy"),
	}

	builtins := BuiltinPolicies()
	for i := range builtins {
		if err := e.AddPolicy(context.Background(), builtins[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}
	e.logger.WithField("count", len(builtins)).Debug("Built-in policies loaded")

	return e, nil
}

// AddPolicy compiles a policy and adds it, replacing any policy of the same name.
func (e *Engine) AddPolicy(ctx context.Context, policy Policy) error {
	cp, err := compile(ctx, &policy)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.policies[policy.Name]; !exists {
		e.order = append(e.order, policy.Name)
	}
	e.policies[policy.Name] = cp
	return nil
}

// LoadPolicies loads and compiles .rego and .json policies from files or
// directories. Nothing is added when any policy fails to compile.
func (e *Engine) LoadPolicies(ctx context.Context, paths ...string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	compiled := make([]*compiledPolicy, 0, len(policies))
	for i := range policies {
		cp, err := compile(ctx, &policies[i])
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled = append(compiled, cp)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cp := range compiled {
		if _, exists := e.policies[cp.policy.Name]; !exists {
			e.order = append(e.order, cp.policy.Name)
		}
		e.policies[cp.policy.Name] = cp
	}

	e.logger.WithField("count", len(policies)).Info("Policies loaded")
	return nil
}

// compile parses the module and prepares its deny query.
func compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	if policy.Name == "" {
		return nil, fmt.Errorf("policy name is required")
	}
	if policy.Severity == "" {
		policy.Severity = SeverityWarning
	}

	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{policy: policy, query: query, compiled: time.Now()}, nil
}

// Evaluate runs every enabled policy against plan.
func (e *Engine) Evaluate(ctx context.Context, plan *engine.Plan, opts engine.Options) (*Result, error) {
	start := time.Now()
	input := NewInput(plan, opts)

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true, EvaluatedPolicies: make([]string, 0, len(e.order))}
	for _, name := range e.order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.WithError(err).WithField("policy", name).Error("Policy evaluation failed")
			// A guard that cannot be evaluated denies the plan.
			violations = []Violation{{
				Policy:   name,
				Message:  fmt.Sprintf("evaluation failed: %v", err),
				Severity: SeverityError,
			}}
		}

		for _, v := range violations {
			if v.Severity.Blocking() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.Duration = time.Since(start)
	e.logger.WithFields(map[string]any{
		"violations": len(result.Violations),
		"warnings":   len(result.Warnings),
		"duration":   result.Duration.String(),
	}).Debug("Plan policy evaluation completed")

	return result, nil
}

// Check implements engine.Guard. Warnings are logged and blocking
// violations are returned as a policy validation error.
func (e *Engine) Check(ctx context.Context, plan *engine.Plan, opts engine.Options) error {
	result, err := e.Evaluate(ctx, plan, opts)
	if err != nil {
		return err
	}

	for _, w := range result.Warnings {
		e.logger.WithFields(map[string]any{
			"policy":    w.Policy,
			"partition": w.Partition,
		}).Warn(w.Message)
	}
	if result.Allowed {
		return nil
	}

	msgs := make([]string, len(result.Violations))
	for i, v := range result.Violations {
		msgs[i] = v.Policy + ": " + v.Message
	}
	return engine.NewValidationError("plan denied by policy: "+strings.Join(msgs, "; "), nil).
		WithCode(engine.ErrCodePolicy).
		WithDetail("violations", result.Violations)
}

// evaluatePolicy evaluates a single compiled policy.
func evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]any)
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, newViolation(cp.policy, d))
		}
	}
	return violations, nil
}

// newViolation creates a Violation from one deny element.
func newViolation(policy *Policy, result any) Violation {
	v := Violation{Policy: policy.Name, Severity: policy.Severity}

	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]any:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if part, ok := r["partition"].(string); ok {
			v.Partition = part
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies in load order.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.order))
	for _, name := range e.order {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.WithFields(map[string]any{"policy": name, "enabled": enabled}).Info("Policy toggled")
	return nil
}
