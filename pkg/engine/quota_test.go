package engine

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decimals(values ...string) []decimal.Decimal {
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		out[i] = decimal.RequireFromString(v)
	}
	return out
}

func sum(values []int64) int64 {
	var n int64
	for _, v := range values {
		n += v
	}
	return n
}

func TestAllocate(t *testing.T) {
	stages := decimals("0.15", "0.17", "0.16", "0.18", "0.19", "0.15")

	tests := []struct {
		name       string
		population int64
		fractions  []decimal.Decimal
		allocation Allocation
		want       []int64
		remainder  int64
		unassigned int64
	}{
		{
			name:       "exact closed",
			population: 10000,
			fractions:  stages,
			allocation: AllocationClosed,
			want:       []int64{1500, 1700, 1600, 1800, 1900, 1500},
		},
		{
			name:       "closed remainder to largest fraction",
			population: 10003,
			fractions:  stages,
			allocation: AllocationClosed,
			want:       []int64{1500, 1700, 1600, 1800, 1903, 1500},
			remainder:  3,
		},
		{
			name:       "open remainder unassigned",
			population: 10003,
			fractions:  stages,
			allocation: AllocationOpen,
			want:       []int64{1500, 1700, 1600, 1800, 1900, 1500},
			remainder:  3,
			unassigned: 3,
		},
		{
			name:       "tie goes to first declared",
			population: 10,
			fractions:  decimals("0.25", "0.25", "0.25", "0.25"),
			allocation: AllocationClosed,
			want:       []int64{4, 2, 2, 2},
			remainder:  2,
		},
		{
			name:       "partial table closed",
			population: 7,
			fractions:  decimals("0.5"),
			allocation: AllocationClosed,
			want:       []int64{7},
			remainder:  4,
		},
		{
			name:       "excess trimmed from largest",
			population: 10,
			fractions:  decimals("0.6", "0.5"),
			allocation: AllocationOpen,
			want:       []int64{5, 5},
			remainder:  -1,
		},
		{
			name:       "empty population",
			population: 0,
			fractions:  stages,
			allocation: AllocationClosed,
			want:       []int64{0, 0, 0, 0, 0, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Allocate(tt.population, tt.fractions, tt.allocation)
			assert.Equal(t, tt.want, got.Targets)
			assert.Equal(t, tt.remainder, got.Remainder)
			assert.Equal(t, tt.unassigned, got.Unassigned)
			if tt.allocation == AllocationClosed && tt.remainder >= 0 {
				assert.Equal(t, tt.population, sum(got.Targets))
			}
		})
	}
}

func TestAllocateClosedSumsToPopulation(t *testing.T) {
	fractions := decimals("0.15", "0.17", "0.16", "0.18", "0.19", "0.15")
	for population := int64(0); population <= 500; population++ {
		got := Allocate(population, fractions, AllocationClosed)
		require.Equal(t, population, sum(got.Targets), "population %d", population)
		for i, target := range got.Targets {
			floor := decimal.NewFromInt(population).Mul(fractions[i]).Floor().IntPart()
			if i == 4 {
				require.GreaterOrEqual(t, target, floor)
				require.Less(t, target-floor, int64(len(fractions)))
				continue
			}
			require.Equal(t, floor, target)
		}
	}
}

func TestNormalizerValidate(t *testing.T) {
	fields := []string{"channel"}
	valid := func() *QuotaTable {
		return countsTable("stage", fields, countsPartition(pkey(fields, "Email"), kv{"Receive", 1}))
	}
	n := NewNormalizer(nil)
	require.NoError(t, n.Validate(valid()))

	tests := []struct {
		name   string
		mutate func(*QuotaTable)
	}{
		{"no collection", func(q *QuotaTable) { q.Collection = "" }},
		{"no label field", func(q *QuotaTable) { q.LabelField = "" }},
		{"reserved label field", func(q *QuotaTable) { q.LabelField = "_id" }},
		{"unknown kind", func(q *QuotaTable) { q.Kind = "weights" }},
		{"unknown allocation", func(q *QuotaTable) { q.Allocation = "half" }},
		{"negative tolerance", func(q *QuotaTable) { q.Tolerance = decimal.NewFromInt(-1) }},
		{"label is partition field", func(q *QuotaTable) {
			q.PartitionFields = []string{"stage"}
			q.Partitions[0].Key = pkey(q.PartitionFields, "x")
		}},
		{"no partitions", func(q *QuotaTable) { q.Partitions = nil }},
		{"key arity", func(q *QuotaTable) { q.Partitions[0].Key = pkey([]string{"channel", "product"}, "Email", "App") }},
		{"duplicate partition", func(q *QuotaTable) { q.Partitions = append(q.Partitions, q.Partitions[0]) }},
		{"no targets", func(q *QuotaTable) { q.Partitions[0].Targets = nil }},
		{"blank value", func(q *QuotaTable) { q.Partitions[0].Targets[0].Value = "  " }},
		{"duplicate value", func(q *QuotaTable) {
			q.Partitions[0].Targets = append(q.Partitions[0].Targets, CountTarget("Receive", 2))
		}},
		{"negative count", func(q *QuotaTable) { q.Partitions[0].Targets[0] = CountTarget("Receive", -1) }},
		{"fraction in counts table", func(q *QuotaTable) {
			q.Partitions[0].Targets[0] = FractionTarget("Receive", decimal.RequireFromString("0.5"))
		}},
		{"count in fractions table", func(q *QuotaTable) { q.Kind = KindFractions }},
		{"fractions above one", func(q *QuotaTable) {
			q.Kind = KindFractions
			q.Partitions[0].Targets = []Target{
				FractionTarget("a", decimal.RequireFromString("0.6")),
				FractionTarget("b", decimal.RequireFromString("0.5")),
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := valid()
			tt.mutate(table)
			err := n.Validate(table)
			require.Error(t, err)
			assert.True(t, IsValidation(err))
		})
	}

	t.Run("fractions within tolerance", func(t *testing.T) {
		table := valid()
		table.Kind = KindFractions
		table.Tolerance = decimal.RequireFromString("0.02")
		table.Partitions[0].Targets = []Target{
			FractionTarget("a", decimal.RequireFromString("0.51")),
			FractionTarget("b", decimal.RequireFromString("0.5")),
		}
		assert.NoError(t, n.Validate(table))
	})
}

func TestNormalize(t *testing.T) {
	fields := []string{"channel"}
	s := newStore(t,
		docs(0, 10, map[string]any{"channel": "Email"}),
		docs(10, 4, map[string]any{"channel": "Chat"}),
	)
	coll := collection(t, s)
	n := NewNormalizer(nil)

	t.Run("counts", func(t *testing.T) {
		table := countsTable("stage", fields,
			countsPartition(pkey(fields, "Email"), kv{"a", 3}, kv{"b", 2}),
			countsPartition(pkey(fields, "Chat"), kv{"a", 5}),
		)
		plan, err := n.Normalize(context.Background(), coll, table)
		require.NoError(t, err)
		require.Len(t, plan.Partitions, 2)
		assert.Equal(t, ModeFresh, plan.Mode)
		assert.Equal(t, Digest(table), plan.Digest)

		email := plan.Partitions[0]
		assert.Equal(t, int64(10), email.Population)
		assert.Equal(t, int64(5), email.Remainder)
		assert.Zero(t, email.Oversubscribed)

		chat := plan.Partitions[1]
		assert.Equal(t, int64(4), chat.Population)
		assert.Equal(t, int64(1), chat.Oversubscribed)
		assert.Equal(t, int64(5), chat.Cells[0].Requested)
		assert.Equal(t, int64(10), plan.TotalRequested())
	})

	t.Run("fractions", func(t *testing.T) {
		table := fractionsTable("stage", fields, AllocationClosed,
			fractionsPartition(pkey(fields, "Email"), map[any]string{"a": "0.5", "b": "0.25"}, "a", "b"),
		)
		plan, err := n.Normalize(context.Background(), coll, table)
		require.NoError(t, err)
		cells := plan.Partitions[0].Cells
		assert.Equal(t, int64(8), cells[0].Target)
		assert.Equal(t, int64(2), cells[1].Target)
		assert.Equal(t, int64(3), plan.Partitions[0].Remainder)
		assert.Zero(t, plan.Partitions[0].Unassigned)
	})

	t.Run("invalid table touches nothing", func(t *testing.T) {
		_, err := n.Normalize(context.Background(), coll, countsTable("stage", fields))
		assert.True(t, IsValidation(err))
	})
}

func TestDigestStable(t *testing.T) {
	a := exampleATable()
	b := exampleATable()
	assert.Equal(t, Digest(a), Digest(b))
	assert.Len(t, Digest(a), 16)

	b.Partitions[0].Targets[0] = CountTarget("Receive", 41)
	assert.NotEqual(t, Digest(a), Digest(b))
}
