package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/zeebo/xxh3"

	"github.com/stratalabel/strata/pkg/stores"
	"github.com/stratalabel/strata/pkg/telemetry"
)

// Counter counts records matching a filter. stores.Collection satisfies it.
type Counter interface {
	Count(ctx context.Context, filter stores.Filter) (int64, error)
}

// Normalizer resolves quota tables to absolute per-cell targets.
type Normalizer struct {
	logger *telemetry.Logger
}

// NewNormalizer creates a normalizer logging through logger.
func NewNormalizer(logger *telemetry.Logger) *Normalizer {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Normalizer{logger: logger.NewComponentLogger("normalizer")}
}

var one = decimal.NewFromInt(1)

// Validate checks a table's structure without touching the store.
func (n *Normalizer) Validate(table *QuotaTable) error {
	if table == nil {
		return NewValidationError("quota table is nil", nil)
	}
	if table.Collection == "" {
		return NewValidationError("collection is required", nil)
	}
	if table.LabelField == "" {
		return NewValidationError("label field is required", nil)
	}
	if err := stores.ValidateField(table.LabelField); err != nil {
		return NewValidationError("invalid label field", err)
	}
	switch table.Kind {
	case KindCounts, KindFractions:
	default:
		return NewValidationError(fmt.Sprintf("unknown quota kind %q", table.Kind), nil)
	}
	switch table.Allocation {
	case AllocationOpen, AllocationClosed:
	default:
		return NewValidationError(fmt.Sprintf("unknown allocation %q", table.Allocation), nil)
	}
	if table.Tolerance.IsNegative() {
		return NewValidationError("tolerance must not be negative", nil)
	}
	for _, f := range table.PartitionFields {
		if err := stores.ValidateField(f); err != nil {
			return NewValidationError("invalid partition field", err)
		}
		if f == table.LabelField {
			return NewValidationError(fmt.Sprintf("label field %q is also a partition field", f), nil)
		}
	}
	if len(table.Partitions) == 0 {
		return NewValidationError("quota table has no partitions", nil)
	}

	seenKeys := make(map[string]bool, len(table.Partitions))
	for _, part := range table.Partitions {
		key := part.Key.String()
		if !slices.Equal(part.Key.Fields, table.PartitionFields) || len(part.Key.Values) != len(part.Key.Fields) {
			return NewValidationError(fmt.Sprintf("partition key does not match partition fields [%s]",
				strings.Join(table.PartitionFields, ", ")), nil).WithPartition(key)
		}
		if seenKeys[key] {
			return NewValidationError("duplicate partition key", nil).WithPartition(key)
		}
		seenKeys[key] = true

		if err := validateTargets(table, part); err != nil {
			return err.WithPartition(key)
		}
	}
	return nil
}

func validateTargets(table *QuotaTable, part PartitionQuota) *EngineError {
	if len(part.Targets) == 0 {
		return NewValidationError("partition has no targets", nil)
	}
	seen := make(map[string]bool, len(part.Targets))
	sum := decimal.Zero
	for _, t := range part.Targets {
		vk := stores.ValueKey(t.Value)
		if stores.IsUnset(t.Value, true) {
			return NewValidationError("label value must not be blank", nil)
		}
		if seen[vk] {
			return NewValidationError(fmt.Sprintf("duplicate label value %s", vk), nil)
		}
		seen[vk] = true

		switch table.Kind {
		case KindCounts:
			if t.Count == nil || t.Fraction != nil {
				return NewValidationError(fmt.Sprintf("value %s must have a count target in a counts table", vk), nil)
			}
			if *t.Count < 0 {
				return NewValidationError(fmt.Sprintf("negative target %d for value %s", *t.Count, vk), nil)
			}
		case KindFractions:
			if t.Fraction == nil || t.Count != nil {
				return NewValidationError(fmt.Sprintf("value %s must have a fraction target in a fractions table", vk), nil)
			}
			if t.Fraction.IsNegative() {
				return NewValidationError(fmt.Sprintf("negative fraction %s for value %s", t.Fraction, vk), nil)
			}
			sum = sum.Add(*t.Fraction)
		}
	}
	if table.Kind == KindFractions && sum.GreaterThan(one.Add(table.Tolerance)) {
		return NewValidationError(fmt.Sprintf("fractions sum to %s, above 1 + tolerance %s",
			sum, table.Tolerance), nil).WithDetail("sum", sum.String())
	}
	return nil
}

// Normalize validates the table and resolves every partition against its
// current population. Failures happen before any record is touched.
func (n *Normalizer) Normalize(ctx context.Context, counter Counter, table *QuotaTable) (*Plan, error) {
	if err := n.Validate(table); err != nil {
		return nil, err
	}

	plan := &Plan{Table: table, Mode: ModeFresh, Digest: Digest(table)}
	for _, part := range table.Partitions {
		key := part.Key.String()
		population, err := counter.Count(ctx, part.Key.Filter())
		if err != nil {
			return nil, NewConnectivityError("failed to count partition population", err).
				WithPartition(key).WithOperation("count")
		}

		pp := PartitionPlan{Key: part.Key, Population: population}
		switch table.Kind {
		case KindCounts:
			pp.Cells = make([]CellPlan, len(part.Targets))
			for i, t := range part.Targets {
				pp.Cells[i] = CellPlan{Value: t.Value, Target: *t.Count, Requested: *t.Count}
			}
			total := pp.TotalTarget()
			if total > population {
				pp.Oversubscribed = total - population
				n.logger.WithPartition(key).WithFields(map[string]any{
					"population": population,
					"requested":  total,
					"excess":     pp.Oversubscribed,
				}).Warn("quota oversubscribes partition")
			} else {
				pp.Remainder = population - total
				pp.Unassigned = pp.Remainder
			}
		case KindFractions:
			fractions := make([]decimal.Decimal, len(part.Targets))
			for i, t := range part.Targets {
				fractions[i] = *t.Fraction
			}
			alloc := Allocate(population, fractions, table.Allocation)
			pp.Remainder = alloc.Remainder
			pp.Unassigned = alloc.Unassigned
			pp.Cells = make([]CellPlan, len(part.Targets))
			for i, t := range part.Targets {
				pp.Cells[i] = CellPlan{
					Value:     t.Value,
					Fraction:  t.Fraction,
					Target:    alloc.Targets[i],
					Requested: alloc.Targets[i],
				}
			}
		}
		plan.Partitions = append(plan.Partitions, pp)
	}

	n.logger.WithFields(map[string]any{
		"partitions": len(plan.Partitions),
		"requested":  plan.TotalRequested(),
		"digest":     plan.Digest,
	}).Debug("quota table normalized")
	return plan, nil
}

// AllocationResult is the allocation of one fractions partition.
type AllocationResult struct {
	// Targets are the absolute targets in declaration order.
	Targets []int64

	// Remainder is population minus the sum of floored targets, before the
	// remainder policy is applied. Negative when fractions exceed 1.
	Remainder int64

	// Unassigned is what an open table leaves unlabeled.
	Unassigned int64
}

// Allocate converts fractions of population into absolute targets. Each target
// is floor(population * fraction). A closed allocation adds the remainder to the
// largest fraction (first declared wins ties); an open one leaves it unassigned.
// Sums above the population are trimmed from the largest buckets first.
func Allocate(population int64, fractions []decimal.Decimal, allocation Allocation) AllocationResult {
	res := AllocationResult{Targets: make([]int64, len(fractions))}
	if len(fractions) == 0 {
		res.Remainder = population
		res.Unassigned = population
		return res
	}

	pop := decimal.NewFromInt(population)
	var sum int64
	for i, f := range fractions {
		res.Targets[i] = pop.Mul(f).Floor().IntPart()
		sum += res.Targets[i]
	}
	res.Remainder = population - sum

	switch {
	case res.Remainder < 0:
		excess := -res.Remainder
		for _, i := range byFractionDesc(fractions) {
			cut := min(excess, res.Targets[i])
			res.Targets[i] -= cut
			excess -= cut
			if excess == 0 {
				break
			}
		}
	case res.Remainder > 0 && allocation == AllocationClosed:
		res.Targets[byFractionDesc(fractions)[0]] += res.Remainder
	case res.Remainder > 0:
		res.Unassigned = res.Remainder
	}
	return res
}

// byFractionDesc returns bucket indexes by descending fraction, stable on
// declaration order.
func byFractionDesc(fractions []decimal.Decimal) []int {
	idx := make([]int, len(fractions))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		return fractions[b].Cmp(fractions[a])
	})
	return idx
}

// Digest returns a stable content hash of a quota table.
func Digest(table *QuotaTable) string {
	body, err := json.Marshal(table)
	if err != nil {
		return ""
	}
	h := xxh3.Hash128(body).Bytes()
	return fmt.Sprintf("%x", h[:8])
}
