package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratalabel/strata/pkg/stores"
)

func TestResolver(t *testing.T) {
	r := NewResolver([]string{"channel", "message_count"})

	tests := []struct {
		name  string
		attrs map[string]any
		want  string
	}{
		{"set", map[string]any{"channel": "Reddit", "message_count": 1}, `channel="Reddit"|message_count=1`},
		{"float integral", map[string]any{"channel": "Reddit", "message_count": 1.0}, `channel="Reddit"|message_count=1`},
		{"missing", map[string]any{"message_count": 2}, `channel=__unspecified__|message_count=2`},
		{"null", map[string]any{"channel": nil, "message_count": 2}, `channel=__unspecified__|message_count=2`},
		{"blank", map[string]any{"channel": " \t", "message_count": 2}, `channel=__unspecified__|message_count=2`},
		{"string number", map[string]any{"channel": "1", "message_count": "1"}, `channel="1"|message_count="1"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Resolve(tt.attrs).String())
		})
	}
}

func TestResolverKey(t *testing.T) {
	r := NewResolver([]string{"channel"})

	key, err := r.Key("Email")
	require.NoError(t, err)
	assert.Equal(t, r.Resolve(map[string]any{"channel": "Email"}), key)
	assert.Equal(t, key.Hash(), pkey([]string{"channel"}, "Email").Hash())

	_, err = r.Key("Email", 1)
	assert.Error(t, err)

	empty := NewResolver(nil).Resolve(map[string]any{"channel": "Email"})
	assert.Equal(t, "*", empty.String())
	assert.Empty(t, empty.Filter())
}

func TestPartitionKeyFilter(t *testing.T) {
	key := pkey([]string{"channel", "product"}, "Email", "")
	f := key.Filter()
	require.Len(t, f, 2)
	assert.Equal(t, stores.OpEq, f[0].Op)
	assert.Equal(t, stores.OpUnset, f[1].Op)

	assert.True(t, stores.Matches(map[string]any{"channel": "Email"}, f))
	assert.True(t, stores.Matches(map[string]any{"channel": "Email", "product": nil}, f))
	assert.False(t, stores.Matches(map[string]any{"channel": "Email", "product": "App"}, f))
	assert.False(t, stores.Matches(map[string]any{"channel": "Chat"}, f))
}

func TestResolverLiteralTokenKeepsOwnPartition(t *testing.T) {
	r := NewResolver([]string{"channel"})

	literal := r.Resolve(map[string]any{"channel": UnspecifiedToken})
	missing := r.Resolve(map[string]any{})
	assert.False(t, IsUnspecified(literal.Values[0]))
	assert.True(t, IsUnspecified(missing.Values[0]))
	assert.Equal(t, `channel="__unspecified__"`, literal.String())
	assert.Equal(t, `channel=__unspecified__`, missing.String())
	assert.NotEqual(t, literal.Hash(), missing.Hash())

	f := literal.Filter()
	require.Len(t, f, 1)
	assert.Equal(t, stores.OpEq, f[0].Op)
	assert.True(t, stores.Matches(map[string]any{"channel": UnspecifiedToken}, f))
	assert.False(t, stores.Matches(map[string]any{}, f))
	assert.True(t, stores.Matches(map[string]any{}, missing.Filter()))

	// The sentinel itself passes through Key unchanged.
	key, err := r.Key(Unspecified)
	require.NoError(t, err)
	assert.Equal(t, missing, key)
}

func TestUnspecifiedMarshalsAsToken(t *testing.T) {
	out, err := json.Marshal(pkey([]string{"channel"}, nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"fields":["channel"],"values":["__unspecified__"]}`, string(out))
}
