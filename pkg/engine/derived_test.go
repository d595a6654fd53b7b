package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratalabel/strata/pkg/stores"
)

func TestLookupRule(t *testing.T) {
	rule := NewLookupRule("count_band", "message_count", "band", map[any]any{1: "single", 2.0: "pair"})

	got, err := rule.Derive(1.0)
	require.NoError(t, err)
	assert.Equal(t, "single", got)

	got, err = rule.Derive(int64(2))
	require.NoError(t, err)
	assert.Equal(t, "pair", got)

	_, err = rule.Derive("1")
	assert.ErrorIs(t, err, ErrUnmappable)
}

func TestPropagatorLookup(t *testing.T) {
	p := NewPropagator(nil, nil, BuiltinRules()...)

	assert.True(t, p.IsDerived("overall_sentiment"))
	assert.True(t, p.IsDerived("action_pending_status"))
	assert.False(t, p.IsDerived("priority"))
	require.Len(t, p.RulesFor("priority"), 1)
	assert.Empty(t, p.RulesFor("stage"))
	_, ok := p.Rule("follow_up_mirror")
	assert.True(t, ok)
	_, ok = p.Rule("missing")
	assert.False(t, ok)

	var nilProp *Propagator
	assert.False(t, nilProp.IsDerived("x"))
	assert.Empty(t, nilProp.RulesFor("x"))
}

func TestPropagatorOnWrite(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, docs(0, 1, map[string]any{"overall_sentiment": 1}))
	coll := collection(t, s)
	p := NewPropagator(nil, nil, BuiltinRules()...)
	id := "t00000"

	require.NoError(t, coll.Set(ctx, id, "priority", "P1-Critical"))
	require.NoError(t, p.OnWrite(ctx, coll, id, "priority", "P1-Critical"))
	doc, err := s.Get(testCollection, id)
	require.NoError(t, err)
	assert.Equal(t, int64(5), doc.Fields["overall_sentiment"])

	require.NoError(t, coll.Set(ctx, id, "priority", "P4-Low"))
	require.NoError(t, p.OnWrite(ctx, coll, id, "priority", "P4-Low"))
	doc, err = s.Get(testCollection, id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.Fields["overall_sentiment"])

	require.NoError(t, coll.Set(ctx, id, "priority", "P0-Unknown"))
	require.NoError(t, p.OnWrite(ctx, coll, id, "priority", "P0-Unknown"))
	doc, err = s.Get(testCollection, id)
	require.NoError(t, err)
	assert.Nil(t, doc.Fields["overall_sentiment"])

	require.NoError(t, p.OnWrite(ctx, coll, id, "stage", "Receive"))
}

func TestPropagatorBackfill(t *testing.T) {
	ctx := context.Background()
	s := newStore(t,
		docs(0, 4, map[string]any{"priority": "P1-Critical"}),
		docs(4, 3, map[string]any{"priority": "P3-Medium", "overall_sentiment": 3}),
		docs(7, 2, map[string]any{"overall_sentiment": 4}),
		docs(9, 1, map[string]any{"priority": "P9"}),
		docs(10, 2, map[string]any{"follow_up_required": true}),
	)
	coll := collection(t, s)
	p := NewPropagator(nil, nil, BuiltinRules()...)
	sentiment, _ := p.Rule("priority_sentiment")
	mirror, _ := p.Rule("follow_up_mirror")

	before, err := p.Mismatches(ctx, coll, stores.Filter{}, sentiment)
	require.NoError(t, err)
	assert.Equal(t, int64(7), before.Count)
	assert.Equal(t, int64(1), before.Unmappable)

	res, err := p.Backfill(ctx, coll, stores.Filter{}, sentiment)
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Updated)
	assert.Equal(t, int64(2), res.Cleared)
	assert.Equal(t, int64(1), res.Unmappable)

	after, err := p.Mismatches(ctx, coll, stores.Filter{}, sentiment)
	require.NoError(t, err)
	assert.Equal(t, int64(1), after.Count)
	assert.Equal(t, after.Unmappable, after.Count)

	again, err := p.Backfill(ctx, coll, stores.Filter{}, sentiment)
	require.NoError(t, err)
	assert.Zero(t, again.Updated)

	res, err = p.Backfill(ctx, coll, stores.Filter{}, mirror)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Updated)
	assert.Equal(t, int64(2), countValue(t, coll, stores.Filter{}, "action_pending_status", true))

	m, err := p.Mismatches(ctx, coll, stores.Filter{}, mirror)
	require.NoError(t, err)
	assert.Zero(t, m.Count)
}
