package engine

import (
	"context"
	"errors"

	"github.com/stratalabel/strata/pkg/stores"
	"github.com/stratalabel/strata/pkg/telemetry"
)

// Writer claims records for label values and triggers derived propagation.
type Writer struct {
	coll       stores.Collection
	labelField string
	propagator *Propagator
	logger     *telemetry.Logger
}

// NewWriter creates a writer for labelField of coll. propagator may be nil.
func NewWriter(coll stores.Collection, labelField string, propagator *Propagator, logger *telemetry.Logger) *Writer {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Writer{
		coll:       coll,
		labelField: labelField,
		propagator: propagator,
		logger:     logger.NewComponentLogger("writer"),
	}
}

// Claim sets the label field of id to value if it is unset. Claiming a record
// that already holds value is an idempotent success that writes nothing.
func (w *Writer) Claim(ctx context.Context, id string, value any) (stores.ClaimOutcome, error) {
	outcome, err := w.coll.Claim(ctx, id, w.labelField, value)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			// Deleted between sampling and writing: behaves like a lost race.
			return stores.ClaimConflict, nil
		}
		return "", NewConnectivityError("failed to claim record", err).WithOperation("claim")
	}
	if outcome == stores.ClaimApplied && w.propagator != nil {
		if err := w.propagator.OnWrite(ctx, w.coll, id, w.labelField, value); err != nil {
			return outcome, err
		}
	}
	return outcome, nil
}

// FillResult is the outcome of filling one cell.
type FillResult struct {
	// Assigned counts applied and unchanged claims.
	Assigned int64

	// Unchanged counts claims on records that already held the value.
	Unchanged int64

	// Conflicts counts claims lost to another value.
	Conflicts int64

	// ConflictShortfall is the number of conflicts the reserve could not replace.
	ConflictShortfall int64
}

// Fill claims the drawn ids of a cell. Every lost claim is replaced with the
// next id of the reserve until the pool is exhausted.
func (w *Writer) Fill(ctx context.Context, partition string, draw *ValueDraw, reserve *Pool) (FillResult, error) {
	var res FillResult

	claim := func(id string) (bool, error) {
		outcome, err := w.Claim(ctx, id, draw.Value)
		if err != nil {
			return false, err
		}
		switch outcome {
		case stores.ClaimApplied:
			res.Assigned++
			return true, nil
		case stores.ClaimUnchanged:
			res.Assigned++
			res.Unchanged++
			return true, nil
		default:
			res.Conflicts++
			return false, nil
		}
	}

	for _, id := range draw.Drawn {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		ok, err := claim(id)
		if err != nil {
			return res, err
		}
		for !ok {
			next, more := reserve.Next()
			if !more {
				res.ConflictShortfall++
				break
			}
			if ok, err = claim(next); err != nil {
				return res, err
			}
		}
	}

	if res.Conflicts > 0 {
		w.logger.WithPartition(partition).WithFields(map[string]any{
			"value":              draw.Value,
			"conflicts":          res.Conflicts,
			"conflict_shortfall": res.ConflictShortfall,
			"reserve_left":       reserve.Len(),
		}).Warn("claims lost to concurrent writers")
	}
	return res, nil
}
