package engine

import (
	"context"
	"fmt"

	"github.com/stratalabel/strata/pkg/stores"
	"github.com/stratalabel/strata/pkg/telemetry"
)

// CellStatus classifies one verified cell.
type CellStatus string

const (
	// CellOK means actual equals target.
	CellOK CellStatus = "ok"

	// CellShortfall means the cell is short by exactly its documented shortfall.
	CellShortfall CellStatus = "shortfall"

	// CellDrift means the deviation is not explained by a shortfall.
	CellDrift CellStatus = "drift"
)

// ReportRow is the verification of one (partition, value) cell.
type ReportRow struct {
	Partition string     `json:"partition"`
	Value     any        `json:"value"`
	Target    int64      `json:"target"`
	Requested int64      `json:"requested"`
	Available int64      `json:"available"`
	Assigned  int64      `json:"assigned"`
	Shortfall int64      `json:"shortfall"`
	Actual    int64      `json:"actual"`
	Delta     int64      `json:"delta"`
	Skipped   bool       `json:"skipped"`
	Status    CellStatus `json:"status"`
}

// ReportTotals are the global sums of a report.
type ReportTotals struct {
	Target    int64 `json:"target"`
	Requested int64 `json:"requested"`
	Assigned  int64 `json:"assigned"`
	Shortfall int64 `json:"shortfall"`
	Actual    int64 `json:"actual"`
	Unlabeled int64 `json:"unlabeled"`
}

// Report is the post-run drift report.
type Report struct {
	Rows       []ReportRow      `json:"rows"`
	Unlabeled  map[string]int64 `json:"unlabeled"`
	Totals     ReportTotals     `json:"totals"`
	Mismatches []Mismatch       `json:"mismatches"`
	Outcome    RunState         `json:"outcome"`
}

// DriftCount returns the number of rows with status CellDrift.
func (r *Report) DriftCount() int {
	n := 0
	for _, row := range r.Rows {
		if row.Status == CellDrift {
			n++
		}
	}
	return n
}

// MismatchCount returns the total derived field mismatches.
func (r *Report) MismatchCount() int64 {
	var n int64
	for _, m := range r.Mismatches {
		n += m.Count
	}
	return n
}

// Err returns an inconsistency error when the report is Inconsistent.
func (r *Report) Err() error {
	if r.Outcome != StateInconsistent {
		return nil
	}
	if n := r.MismatchCount(); n > 0 {
		return NewInconsistencyError(fmt.Sprintf("%d derived field mismatches", n)).
			WithCode(ErrCodeDerived).WithDetail("mismatches", n)
	}
	return NewInconsistencyError(fmt.Sprintf("%d cells drifted from their quota", r.DriftCount())).
		WithDetail("cells", r.DriftCount())
}

// Reporter recounts labels after a run and compares them to the plan.
type Reporter struct {
	propagator *Propagator
	logger     *telemetry.Logger
}

// NewReporter creates a reporter. Rules of propagator sourced from the label
// field are verified with every report.
func NewReporter(propagator *Propagator, logger *telemetry.Logger) *Reporter {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Reporter{propagator: propagator, logger: logger.NewComponentLogger("reporter")}
}

// Verify aggregates actual counts per cell and classifies every delta. cells
// are the results of the run being verified; with no cells (standalone
// verification) a negative delta counts as a shortfall only when the partition
// has no unlabeled records left.
func (r *Reporter) Verify(ctx context.Context, coll stores.Collection, plan *Plan, cells []CellResult) (*Report, error) {
	field := plan.Table.LabelField
	report := &Report{Unlabeled: make(map[string]int64)}

	results := make(map[string]CellResult, len(cells))
	for _, c := range cells {
		results[c.Partition+"\x00"+stores.ValueKey(c.Value)] = c
	}

	for _, part := range plan.Partitions {
		key := part.Key.String()
		actual, err := countByValue(ctx, coll, part.Key.Filter(), field)
		if err != nil {
			return nil, NewConnectivityError("failed to aggregate labels", err).
				WithPartition(key).WithOperation("verify")
		}
		unlabeled, err := coll.Count(ctx, part.Key.Filter().And(stores.Unset(field)))
		if err != nil {
			return nil, NewConnectivityError("failed to count unlabeled records", err).
				WithPartition(key).WithOperation("verify")
		}
		report.Unlabeled[key] = unlabeled
		report.Totals.Unlabeled += unlabeled

		for _, cell := range part.Cells {
			row := ReportRow{
				Partition: key,
				Value:     cell.Value,
				Target:    cell.Target,
				Requested: cell.Requested,
				Skipped:   cell.Skipped,
				Actual:    actual[stores.ValueKey(cell.Value)],
			}
			row.Delta = row.Actual - row.Target

			res, ran := results[key+"\x00"+stores.ValueKey(cell.Value)]
			if ran {
				row.Available = res.Available
				row.Assigned = res.Assigned
				row.Shortfall = res.Shortfall
			}

			switch {
			case row.Delta == 0:
				row.Status = CellOK
			case row.Delta < 0 && ran && row.Shortfall > 0 && row.Delta == -row.Shortfall:
				row.Status = CellShortfall
			case row.Delta < 0 && len(cells) == 0 && unlabeled == 0:
				row.Status = CellShortfall
				row.Shortfall = -row.Delta
			default:
				row.Status = CellDrift
			}
			if row.Status == CellDrift {
				r.logger.WithPartition(key).WithFields(map[string]any{
					"value":  cell.Value,
					"target": row.Target,
					"actual": row.Actual,
					"delta":  row.Delta,
				}).Error("quota drift")
			}

			report.Totals.Target += row.Target
			report.Totals.Requested += row.Requested
			report.Totals.Assigned += row.Assigned
			report.Totals.Shortfall += row.Shortfall
			report.Totals.Actual += row.Actual
			report.Rows = append(report.Rows, row)
		}
	}

	for _, rule := range r.propagator.RulesFor(field) {
		m, err := r.propagator.Mismatches(ctx, coll, stores.Filter{}, rule)
		if err != nil {
			return nil, err
		}
		if m.Count > 0 {
			r.logger.WithFields(map[string]any{
				"rule":       m.Rule,
				"mismatches": m.Count,
				"unmappable": m.Unmappable,
			}).Error("derived field inconsistency")
		}
		report.Mismatches = append(report.Mismatches, m)
	}

	report.Outcome = classify(report)
	return report, nil
}

func classify(report *Report) RunState {
	if report.DriftCount() > 0 || report.MismatchCount() > 0 {
		return StateInconsistent
	}
	for _, row := range report.Rows {
		if row.Status == CellShortfall {
			return StatePartiallyCompleted
		}
	}
	return StateCompleted
}
