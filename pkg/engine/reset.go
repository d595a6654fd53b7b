package engine

import (
	"context"

	"github.com/stratalabel/strata/pkg/stores"
	"github.com/stratalabel/strata/pkg/telemetry"
)

// ResetResult reports how many records a reset cleared per field.
type ResetResult struct {
	Scope   ResetScope       `json:"scope"`
	Cleared map[string]int64 `json:"cleared"`
}

// Controller clears stale labels before fresh runs and computes residual
// targets for continuation runs.
type Controller struct {
	propagator *Propagator
	logger     *telemetry.Logger
}

// NewController creates a controller. The targets of rules sourced from a
// label field are cleared together with it.
func NewController(propagator *Propagator, logger *telemetry.Logger) *Controller {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Controller{propagator: propagator, logger: logger.NewComponentLogger("controller")}
}

// Fields returns labelField followed by the targets derived from it.
func (c *Controller) Fields(labelField string) []string {
	fields := []string{labelField}
	for _, r := range c.propagator.RulesFor(labelField) {
		fields = append(fields, r.Target())
	}
	return fields
}

// Reset unsets the plan's label field and its derived targets, on the whole
// collection or only within the plan's partitions.
func (c *Controller) Reset(ctx context.Context, coll stores.Collection, plan *Plan, scope ResetScope) (*ResetResult, error) {
	res := &ResetResult{Scope: scope, Cleared: make(map[string]int64)}

	filters := []stores.Filter{{}}
	if scope != ResetGlobal {
		filters = filters[:0]
		for _, part := range plan.Partitions {
			filters = append(filters, part.Key.Filter())
		}
	}

	for _, field := range c.Fields(plan.Table.LabelField) {
		for _, f := range filters {
			n, err := coll.Unset(ctx, f, field)
			if err != nil {
				return res, NewConnectivityError("failed to reset field", err).WithOperation("reset").
					WithDetail("field", field)
			}
			res.Cleared[field] += n
		}
	}

	c.logger.WithFields(map[string]any{
		"scope":   scope,
		"cleared": res.Cleared,
	}).Info("labels reset")
	return res, nil
}

// Residuals turns plan into a continuation plan: each cell's Existing is the
// current count of its value in the partition. Cells at or above target are
// skipped; the rest request only Target-Existing.
func (c *Controller) Residuals(ctx context.Context, coll stores.Collection, plan *Plan) error {
	plan.Mode = ModeContinuation
	for i := range plan.Partitions {
		part := &plan.Partitions[i]
		current, err := countByValue(ctx, coll, part.Key.Filter(), plan.Table.LabelField)
		if err != nil {
			return NewConnectivityError("failed to aggregate current labels", err).
				WithPartition(part.Key.String()).WithOperation("aggregate")
		}

		for j := range part.Cells {
			cell := &part.Cells[j]
			cell.Existing = current[stores.ValueKey(cell.Value)]
			if cell.Existing >= cell.Target {
				cell.Skipped = true
				cell.Requested = 0
				continue
			}
			cell.Requested = cell.Target - cell.Existing
		}
	}
	return nil
}

// countByValue maps ValueKey(value) to its count; unset values are dropped.
func countByValue(ctx context.Context, coll stores.Collection, filter stores.Filter, field string) (map[string]int64, error) {
	groups, err := coll.AggregateGroupCount(ctx, filter, field)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(groups))
	for _, g := range groups {
		if g.Value == nil {
			continue
		}
		out[stores.ValueKey(g.Value)] = g.Count
	}
	return out, nil
}
