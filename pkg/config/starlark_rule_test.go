package config

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratalabel/strata/pkg/engine"
)

func TestStarlarkRule_Derive(t *testing.T) {
	script := `
scores = {"P1-Critical": 5, "P2-High": 4}

def derive(v):
    if v in scores:
        return scores[v]
    if v == "flag":
        return True
    if type(v) == "int":
        return v * 2
    if v == "blank":
        return "  "
    return None
`
	rule, err := NewStarlarkRule("score", "priority", "score", script)
	require.NoError(t, err)

	tests := []struct {
		name       string
		input      any
		want       any
		unmappable bool
	}{
		{name: "table hit", input: "P1-Critical", want: int64(5)},
		{name: "bool result", input: "flag", want: true},
		{name: "int input", input: 21, want: int64(42)},
		{name: "none result", input: "P9", unmappable: true},
		{name: "blank result", input: "blank", unmappable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := rule.Derive(tt.input)
			if tt.unmappable {
				assert.ErrorIs(t, err, engine.ErrUnmappable, "value %v", got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStarlarkRule_Compile(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		wantMsg string
	}{
		{name: "syntax error", script: "def derive(v)\n  return v", wantMsg: "starlark execution failed"},
		{name: "no derive", script: "x = 1", wantMsg: "must define derive"},
		{name: "derive not a function", script: "derive = 3", wantMsg: "not a function"},
		{name: "wrong arity", script: "def derive(a, b):\n    return a", wantMsg: "exactly one parameter"},
		{name: "no builtins", script: "load('os', 'system')\ndef derive(v):\n    return v", wantMsg: "starlark execution failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStarlarkRule("r", "a", "b", tt.script)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestStarlarkRule_NonScalarResult(t *testing.T) {
	rule, err := NewStarlarkRule("r", "a", "b", "def derive(v):\n    return [v]")
	require.NoError(t, err)
	_, err = rule.Derive("x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scalar")
}

func TestStarlarkRule_StepLimit(t *testing.T) {
	script := `
def derive(v):
    n = 0
    for i in range(10000000):
        n += i
    return n
`
	rule, err := NewStarlarkRule("slow", "a", "b", script)
	require.NoError(t, err)

	start := time.Now()
	_, err = rule.Derive(1)
	require.Error(t, err, "the step limit stops derive")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestStarlarkRule_Concurrent(t *testing.T) {
	rule, err := NewStarlarkRule("upper", "a", "b", "def derive(v):\n    return v.upper()")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]any, 16)
	errs := make([]error, 16)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = rule.Derive("low")
		}()
	}
	wg.Wait()
	for i := range results {
		assert.NoError(t, errs[i])
		assert.Equal(t, "LOW", results[i])
	}
}
