package config

import (
	"fmt"
	"time"

	"go.starlark.net/starlark"

	"github.com/stratalabel/strata/pkg/engine"
	"github.com/stratalabel/strata/pkg/stores"
)

// Limits applied to every derive call.
const (
	DefaultStarlarkTimeout  = time.Second
	DefaultStarlarkMaxSteps = 100_000
)

// StarlarkRule is a derived rule whose function is the derive(value) function
// of a Starlark script. derive returning None, or a blank string, means the
// source value is unmappable.
type StarlarkRule struct {
	name     string
	source   string
	target   string
	fn       *starlark.Function
	timeout  time.Duration
	maxSteps uint64
}

var _ engine.DerivedRule = (*StarlarkRule)(nil)

// NewStarlarkRule compiles script and resolves its derive function. The
// script's globals are frozen, so the rule is safe for concurrent use.
func NewStarlarkRule(name, source, target, script string) (*StarlarkRule, error) {
	thread := &starlark.Thread{Name: name, Print: func(*starlark.Thread, string) {}}
	thread.SetMaxExecutionSteps(DefaultStarlarkMaxSteps)

	globals, err := starlark.ExecFile(thread, name+".star", script, nil)
	if err != nil {
		return nil, fmt.Errorf("rule %s: starlark execution failed: %w", name, err)
	}
	globals.Freeze()

	v, ok := globals["derive"]
	if !ok {
		return nil, fmt.Errorf("rule %s: script must define derive(value)", name)
	}
	fn, ok := v.(*starlark.Function)
	if !ok {
		return nil, fmt.Errorf("rule %s: derive is a %s, not a function", name, v.Type())
	}
	if fn.NumParams() != 1 {
		return nil, fmt.Errorf("rule %s: derive must take exactly one parameter, got %d", name, fn.NumParams())
	}

	return &StarlarkRule{
		name:     name,
		source:   source,
		target:   target,
		fn:       fn,
		timeout:  DefaultStarlarkTimeout,
		maxSteps: DefaultStarlarkMaxSteps,
	}, nil
}

func (r *StarlarkRule) Name() string   { return r.name }
func (r *StarlarkRule) Source() string { return r.source }
func (r *StarlarkRule) Target() string { return r.target }

// Derive calls derive(value) on a fresh thread.
func (r *StarlarkRule) Derive(value any) (any, error) {
	in, err := toStarlarkValue(stores.NormalizeValue(value))
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.name, err)
	}

	thread := &starlark.Thread{Name: r.name, Print: func(*starlark.Thread, string) {}}
	thread.SetMaxExecutionSteps(r.maxSteps)
	timer := time.AfterFunc(r.timeout, func() {
		thread.Cancel(fmt.Sprintf("execution timeout after %v", r.timeout))
	})
	defer timer.Stop()

	out, err := starlark.Call(thread, r.fn, starlark.Tuple{in}, nil)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.name, err)
	}

	goVal, err := fromStarlarkValue(out)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.name, err)
	}
	if stores.IsUnset(goVal, true) {
		return nil, fmt.Errorf("rule %s: %s: %w", r.name, stores.ValueKey(value), engine.ErrUnmappable)
	}
	return goVal, nil
}

// toStarlarkValue converts a normalized Go scalar to a Starlark value.
func toStarlarkValue(v any) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark scalar to a normalized Go value.
func fromStarlarkValue(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return stores.NormalizeValue(float64(val)), nil
	case starlark.String:
		return string(val), nil
	default:
		return nil, fmt.Errorf("derive must return a scalar, got %s", v.Type())
	}
}
