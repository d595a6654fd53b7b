package engine

import (
	"context"
	"fmt"

	"github.com/stratalabel/strata/pkg/stores"
)

// Verify recomputes the verification report of table against the current
// collection without writing. Deficits count as shortfall only where the
// partition has no unlabeled records left.
func (r *Runner) Verify(ctx context.Context, table *QuotaTable) (*Report, error) {
	plan, err := r.plan(ctx, table)
	if err != nil {
		return nil, err
	}
	coll, err := r.collection(table.Collection)
	if err != nil {
		return nil, err
	}
	return NewReporter(r.propagator, r.tel.Logger).Verify(ctx, coll, plan, nil)
}

// Reset clears the label field of table, and every field derived from it,
// under the run lock.
func (r *Runner) Reset(ctx context.Context, table *QuotaTable, opts Options) (*ResetResult, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	if err := r.validateTable(table); err != nil {
		return nil, err
	}
	ctx, unlock, err := r.lock(ctx, table.Collection, table.LabelField)
	if err != nil {
		return nil, err
	}
	defer unlock()

	plan, err := r.plan(ctx, table)
	if err != nil {
		return nil, err
	}
	if r.guard != nil {
		if err := r.guard.Check(ctx, plan, opts); err != nil {
			return nil, err
		}
	}
	coll, err := r.collection(table.Collection)
	if err != nil {
		return nil, err
	}
	return NewController(r.propagator, r.tel.Logger).Reset(ctx, coll, plan, opts.ResetScope)
}

// PropagateResult is the outcome of a backfill over one collection.
type PropagateResult struct {
	Collection string           `json:"collection"`
	Backfills  []BackfillResult `json:"backfills"`
	Mismatches []Mismatch       `json:"mismatches"`
}

// Propagate recomputes the named derived rules, or all rules when names is
// empty, over every record of collection and reports the mismatches left.
func (r *Runner) Propagate(ctx context.Context, collection string, names []string) (*PropagateResult, error) {
	rules, err := r.selectRules(names)
	if err != nil {
		return nil, err
	}
	coll, err := r.collection(collection)
	if err != nil {
		return nil, err
	}

	ctx, unlock, err := r.lock(ctx, collection, "_derived")
	if err != nil {
		return nil, err
	}
	defer unlock()

	res := &PropagateResult{Collection: collection}
	for _, rule := range rules {
		bf, err := r.propagator.Backfill(ctx, coll, stores.Filter{}, rule)
		if err != nil {
			return res, err
		}
		res.Backfills = append(res.Backfills, bf)

		mm, err := r.propagator.Mismatches(ctx, coll, stores.Filter{}, rule)
		if err != nil {
			return res, err
		}
		res.Mismatches = append(res.Mismatches, mm)
	}
	return res, nil
}

func (r *Runner) selectRules(names []string) ([]DerivedRule, error) {
	if len(names) == 0 {
		return r.propagator.Rules(), nil
	}
	rules := make([]DerivedRule, 0, len(names))
	for _, name := range names {
		rule, ok := r.propagator.Rule(name)
		if !ok {
			return nil, NewValidationError(fmt.Sprintf("unknown derived rule %q", name), nil)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
