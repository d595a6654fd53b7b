package engine

import (
	"context"
	"fmt"
	"maps"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/stratalabel/strata/pkg/stores"
)

const testCollection = "tickets"

func ptr[T any](v T) *T { return &v }

// docs returns n documents t<start>..t<start+n-1> sharing fields.
func docs(start, n int, fields map[string]any) []stores.Document {
	out := make([]stores.Document, n)
	for i := range out {
		out[i] = stores.Document{ID: fmt.Sprintf("t%05d", start+i), Fields: maps.Clone(fields)}
	}
	return out
}

func newStore(t *testing.T, batches ...[]stores.Document) *stores.MemoryStore {
	t.Helper()
	s := stores.NewMemoryStore()
	for _, b := range batches {
		require.NoError(t, s.Insert(context.Background(), testCollection, b))
	}
	return s
}

func collection(t *testing.T, s stores.DocumentStore) stores.Collection {
	t.Helper()
	c, err := s.Collection(testCollection)
	require.NoError(t, err)
	return c
}

func pkey(fields []string, values ...any) PartitionKey {
	k, err := NewResolver(fields).Key(values...)
	if err != nil {
		panic(err)
	}
	return k
}

type kv struct {
	value any
	n     int64
}

func countsPartition(key PartitionKey, targets ...kv) PartitionQuota {
	pq := PartitionQuota{Key: key}
	for _, t := range targets {
		pq.Targets = append(pq.Targets, CountTarget(t.value, t.n))
	}
	return pq
}

func fractionsPartition(key PartitionKey, targets map[any]string, order ...any) PartitionQuota {
	pq := PartitionQuota{Key: key}
	for _, v := range order {
		pq.Targets = append(pq.Targets, FractionTarget(v, decimal.RequireFromString(targets[v])))
	}
	return pq
}

func countsTable(label string, fields []string, parts ...PartitionQuota) *QuotaTable {
	return &QuotaTable{
		Name:            "test",
		Collection:      testCollection,
		LabelField:      label,
		PartitionFields: fields,
		Kind:            KindCounts,
		Allocation:      AllocationOpen,
		Partitions:      parts,
	}
}

func fractionsTable(label string, fields []string, allocation Allocation, parts ...PartitionQuota) *QuotaTable {
	t := countsTable(label, fields, parts...)
	t.Kind = KindFractions
	t.Allocation = allocation
	return t
}

// labels snapshots field for every document of the collection.
func labels(t *testing.T, s *stores.MemoryStore, field string) map[string]any {
	t.Helper()
	coll := collection(t, s)
	out := map[string]any{}
	for id, err := range coll.FindIDs(context.Background(), stores.Filter{}) {
		require.NoError(t, err)
		doc, err := s.Get(testCollection, id)
		require.NoError(t, err)
		out[id] = doc.Fields[field]
	}
	return out
}

func countValue(t *testing.T, coll stores.Collection, filter stores.Filter, field string, value any) int64 {
	t.Helper()
	n, err := coll.Count(context.Background(), filter.And(stores.Eq(field, value)))
	require.NoError(t, err)
	return n
}

func countUnset(t *testing.T, coll stores.Collection, filter stores.Filter, field string) int64 {
	t.Helper()
	n, err := coll.Count(context.Background(), filter.And(stores.Unset(field)))
	require.NoError(t, err)
	return n
}
