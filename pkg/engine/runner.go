package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/stratalabel/strata/pkg/stores"
	"github.com/stratalabel/strata/pkg/telemetry"
)

// DefaultParallelism is the number of partitions processed concurrently.
const DefaultParallelism = 4

// Locker serializes runs per (collection, label field).
type Locker interface {
	Lock(ctx context.Context, key string) (Unlocker, error)
}

// Unlocker releases a lock taken by Locker.
type Unlocker interface {
	Unlock(ctx context.Context) error
}

// Lease is an Unlocker that can lose its hold before Unlock, as when an
// expiring lease fails to renew. Lost is closed once the hold is gone and Err
// says why. A run holding a lost lease is cancelled.
type Lease interface {
	Unlocker
	Lost() <-chan struct{}
	Err() error
}

// Guard vets a normalized plan before any record is touched. A non-nil error
// aborts the run.
type Guard interface {
	Check(ctx context.Context, plan *Plan, opts Options) error
}

// Options are the per-invocation settings of a run.
type Options struct {
	// Mode is fresh (reset then sample) or continuation (sample residuals).
	Mode Mode `json:"mode"`

	// Seed makes sampling reproducible. Nil picks a random seed, which is
	// recorded in the result.
	Seed *uint64 `json:"seed,omitempty"`

	// ResetScope selects what a fresh run clears.
	ResetScope ResetScope `json:"reset_scope"`

	// Parallelism bounds the partitions processed concurrently.
	Parallelism int `json:"parallelism"`

	// DryRun samples without claiming. Verification is skipped.
	DryRun bool `json:"dry_run"`

	// Confirmed acknowledges destructive options such as a global reset.
	Confirmed bool `json:"confirmed"`
}

func (o *Options) normalize() error {
	if o.Mode == "" {
		o.Mode = ModeFresh
	}
	if o.ResetScope == "" {
		o.ResetScope = ResetPartitions
	}
	if o.Parallelism <= 0 {
		o.Parallelism = DefaultParallelism
	}
	switch o.Mode {
	case ModeFresh, ModeContinuation:
	default:
		return NewValidationError(fmt.Sprintf("unknown mode %q", o.Mode), nil)
	}
	switch o.ResetScope {
	case ResetPartitions, ResetGlobal:
	default:
		return NewValidationError(fmt.Sprintf("unknown reset scope %q", o.ResetScope), nil)
	}
	return nil
}

// LockKey is the run lock key of a (collection, label field) pair.
func LockKey(collection, labelField string) string {
	return collection + "." + labelField
}

// Runner sequences the components of an assignment run.
type Runner struct {
	store      stores.DocumentStore
	propagator *Propagator
	history    stores.RunHistory
	locker     Locker
	guard      Guard
	tel        *telemetry.Telemetry
	logger     *telemetry.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithPropagator sets the derived rules applied on every write.
func WithPropagator(p *Propagator) RunnerOption {
	return func(r *Runner) { r.propagator = p }
}

// WithHistory persists runs, cells and events.
func WithHistory(h stores.RunHistory) RunnerOption {
	return func(r *Runner) { r.history = h }
}

// WithLocker serializes runs through an external lock.
func WithLocker(l Locker) RunnerOption {
	return func(r *Runner) { r.locker = l }
}

// WithGuard vets plans before sampling.
func WithGuard(g Guard) RunnerOption {
	return func(r *Runner) { r.guard = g }
}

// WithTelemetry sets the logger, tracer and metrics.
func WithTelemetry(t *telemetry.Telemetry) RunnerOption {
	return func(r *Runner) { r.tel = t }
}

// NewRunner creates a runner over store.
func NewRunner(store stores.DocumentStore, opts ...RunnerOption) *Runner {
	r := &Runner{store: store}
	for _, opt := range opts {
		opt(r)
	}
	if r.tel == nil {
		r.tel = telemetry.Nop()
	}
	if r.propagator == nil {
		r.propagator = NewPropagator(r.tel.Logger, r.tel.Metrics)
	}
	r.logger = r.tel.Logger.NewComponentLogger("runner")
	return r
}

// Propagator returns the runner's propagator.
func (r *Runner) Propagator() *Propagator {
	return r.propagator
}

func (r *Runner) collection(name string) (stores.Collection, error) {
	coll, err := r.store.Collection(name)
	if err != nil {
		return nil, NewConnectivityError("failed to open collection", err).WithOperation("collection")
	}
	return coll, nil
}

func (r *Runner) validateTable(table *QuotaTable) error {
	if table != nil && r.propagator.IsDerived(table.LabelField) {
		return NewValidationError(fmt.Sprintf("label field %q is derived and cannot be sampled", table.LabelField), nil)
	}
	return nil
}

// Plan normalizes table and, for continuation runs, computes residuals. The
// guard is consulted. Nothing is written.
func (r *Runner) Plan(ctx context.Context, table *QuotaTable, opts Options) (*Plan, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	if err := r.validateTable(table); err != nil {
		return nil, err
	}
	plan, err := r.plan(ctx, table)
	if err != nil {
		return nil, err
	}
	if r.guard != nil {
		if err := r.guard.Check(ctx, plan, opts); err != nil {
			return plan, err
		}
	}
	if opts.Mode == ModeContinuation {
		coll, err := r.collection(table.Collection)
		if err != nil {
			return nil, err
		}
		if err := NewController(r.propagator, r.tel.Logger).Residuals(ctx, coll, plan); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

func (r *Runner) plan(ctx context.Context, table *QuotaTable) (*Plan, error) {
	if err := NewNormalizer(r.tel.Logger).Validate(table); err != nil {
		return nil, err
	}
	coll, err := r.collection(table.Collection)
	if err != nil {
		return nil, err
	}
	return NewNormalizer(r.tel.Logger).Normalize(ctx, coll, table)
}

func (r *Runner) lock(ctx context.Context, collection, labelField string) (context.Context, func(), error) {
	if r.locker == nil {
		return ctx, func() {}, nil
	}
	key := LockKey(collection, labelField)
	unlocker, err := r.locker.Lock(ctx, key)
	if err != nil {
		return nil, nil, NewLockedError("run lock unavailable", err).WithDetail("key", key)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	if lease, ok := unlocker.(Lease); ok {
		go func() {
			select {
			case <-lease.Lost():
				r.logger.WithError(lease.Err()).WithField("key", key).Error("run lock lost")
				cancel(NewLockedError("run lock lost", lease.Err()).WithDetail("key", key))
			case <-ctx.Done():
			}
		}()
	}
	return ctx, func() {
		cancel(nil)
		// Release even when the run context was cancelled.
		releaseCtx, cancelRelease := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancelRelease()
		if err := unlocker.Unlock(releaseCtx); err != nil {
			r.logger.WithError(err).WithField("key", key).Warn("failed to release run lock")
		}
	}, nil
}

// run carries the state of one execution.
type run struct {
	*Runner
	// base carries the run span and lock; ctx is the current phase's child.
	base      context.Context
	ctx       context.Context
	phaseSpan trace.Span
	result    *RunResult
	sm        *stateMachine
	plan      *Plan
	opts      Options
	logger    *telemetry.Logger
	phase     *telemetry.Timer
}

// Run executes one assignment run. The returned result is non-nil whenever the
// run started; its State is terminal. A fatal error is also returned.
func (r *Runner) Run(ctx context.Context, table *QuotaTable, opts Options) (*RunResult, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	if table == nil {
		return nil, NewValidationError("quota table is nil", nil)
	}

	seed := rand.Uint64()
	if opts.Seed != nil {
		seed = *opts.Seed
	}

	result := &RunResult{
		RunID:      uuid.New().String(),
		Collection: table.Collection,
		LabelField: table.LabelField,
		Mode:       opts.Mode,
		Seed:       seed,
		DryRun:     opts.DryRun,
		State:      StatePlanned,
		StartedAt:  time.Now().UTC(),
	}

	ctx, span := r.tel.Tracer.StartRunSpan(ctx, result.RunID, table.Collection, table.LabelField)
	x := &run{
		Runner: r,
		base:   ctx,
		ctx:    ctx,
		result: result,
		opts:   opts,
		logger: r.logger.WithRunID(result.RunID).WithTarget(table.Collection, table.LabelField),
		phase:  telemetry.NewTimer(),
	}
	x.sm = newStateMachine(x.enter)

	r.tel.Metrics.RecordRunStarted(table.Collection, table.LabelField, string(opts.Mode))
	x.saveRun(table)
	x.event("info", "run.started", "", fmt.Sprintf("mode=%s seed=%d dry_run=%t", opts.Mode, seed, opts.DryRun))

	err := x.execute(table, seed)
	if err != nil {
		x.fail(err)
	}

	result.CompletedAt = time.Now().UTC()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	r.tel.Metrics.RecordRunCompleted(string(result.State), result.Duration)
	span.SetAttributes(telemetry.AttrOutcome.String(string(result.State)))
	telemetry.EndSpan(span, err)

	x.saveRun(table)
	x.event(levelFor(result.State), "run."+string(result.State), "", x.summary())

	requested, assigned, shortfall := result.Totals()
	x.logger.WithFields(map[string]any{
		"outcome":   result.State,
		"requested": requested,
		"assigned":  assigned,
		"shortfall": shortfall,
		"duration":  result.Duration.String(),
	}).Info("run finished")
	return result, err
}

func (x *run) execute(table *QuotaTable, seed uint64) (err error) {
	if err := x.validateTable(table); err != nil {
		return err
	}

	ctx, unlock, err := x.lock(x.ctx, table.Collection, table.LabelField)
	if err != nil {
		return err
	}
	defer unlock()
	x.base, x.ctx = ctx, ctx
	defer func() {
		// Surface a lost lease instead of the cancellation it caused.
		if cause := context.Cause(ctx); err != nil && IsLocked(cause) {
			err = cause
		}
	}()

	coll, err := x.collection(table.Collection)
	if err != nil {
		return err
	}

	// Normalizing
	if err := x.sm.advance(StateNormalizing); err != nil {
		return err
	}
	if err := x.normalize(coll, table); err != nil {
		return err
	}

	// Sampling
	if err := x.sm.advance(StateSampling); err != nil {
		return err
	}
	draws, err := x.sample(coll, seed)
	if err != nil {
		return err
	}

	if x.opts.DryRun {
		x.result.Cells = x.dryRunCells(draws)
		state := StateCompleted
		for _, c := range x.result.Cells {
			if c.Shortfall > 0 {
				state = StatePartiallyCompleted
			}
		}
		return x.sm.advance(state)
	}

	// Writing
	if err := x.sm.advance(StateWriting); err != nil {
		return err
	}
	if err := x.write(coll, draws); err != nil {
		return err
	}

	// Verifying
	if err := x.sm.advance(StateVerifying); err != nil {
		return err
	}
	report, err := NewReporter(x.propagator, x.tel.Logger).Verify(x.ctx, coll, x.plan, x.result.Cells)
	if err != nil {
		return err
	}
	x.result.Report = report
	if rerr := report.Err(); rerr != nil {
		x.event("error", "run.inconsistent", "", rerr.Error())
	}
	return x.sm.advance(report.Outcome)
}

func (x *run) normalize(coll stores.Collection, table *QuotaTable) error {
	plan, err := NewNormalizer(x.logger).Normalize(x.ctx, coll, table)
	if err != nil {
		return err
	}
	x.plan = plan
	x.saveRun(table)

	if x.guard != nil {
		if err := x.guard.Check(x.ctx, plan, x.opts); err != nil {
			return err
		}
	}

	controller := NewController(x.propagator, x.logger)
	switch {
	case x.opts.Mode == ModeContinuation:
		return controller.Residuals(x.ctx, coll, plan)
	case x.opts.DryRun:
		x.logger.Info("dry run: reset skipped, sampling from currently unlabeled records")
		return nil
	default:
		reset, err := controller.Reset(x.ctx, coll, plan, x.opts.ResetScope)
		x.result.Reset = reset
		return err
	}
}

func (x *run) sample(coll stores.Collection, seed uint64) ([]*PartitionDraw, error) {
	sampler := NewSampler(x.plan.Table.LabelField, seed, x.logger)
	draws := make([]*PartitionDraw, len(x.plan.Partitions))

	g, ctx := errgroup.WithContext(x.ctx)
	g.SetLimit(x.opts.Parallelism)
	for i := range x.plan.Partitions {
		part := &x.plan.Partitions[i]
		g.Go(func() error {
			pctx, span := x.tel.Tracer.StartPartitionSpan(ctx, "sampling", part.Key.String())
			draw, err := sampler.Sample(pctx, coll, part)
			telemetry.EndSpan(span, err)
			if err != nil {
				return err
			}
			draws[i] = draw
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return draws, nil
}

func (x *run) write(coll stores.Collection, draws []*PartitionDraw) error {
	writer := NewWriter(coll, x.plan.Table.LabelField, x.propagator, x.logger)
	cells := make([][]CellResult, len(x.plan.Partitions))

	g, ctx := errgroup.WithContext(x.ctx)
	g.SetLimit(x.opts.Parallelism)
	for i := range x.plan.Partitions {
		part := &x.plan.Partitions[i]
		draw := draws[i]
		g.Go(func() error {
			key := part.Key.String()
			pctx, span := x.tel.Tracer.StartPartitionSpan(ctx, "writing", key)
			out := make([]CellResult, len(part.Cells))
			// Values of a partition are written in quota order so that
			// conflict redraws consume the reserve deterministically.
			for j, cell := range part.Cells {
				vd := &draw.Values[j]
				res, err := writer.Fill(pctx, key, vd, draw.Reserve)
				if err != nil {
					telemetry.EndSpan(span, err)
					return err
				}
				cr := CellResult{
					Partition:         key,
					Value:             cell.Value,
					Target:            cell.Target,
					Requested:         cell.Requested,
					Available:         vd.Available(),
					Assigned:          res.Assigned,
					Shortfall:         cell.Requested - res.Assigned,
					Conflicts:         res.Conflicts,
					ConflictShortfall: res.ConflictShortfall,
					Existing:          cell.Existing,
					Skipped:           cell.Skipped,
				}
				out[j] = cr
				x.recordCell(cr)
			}
			telemetry.EndSpan(span, nil)
			cells[i] = out
			return nil
		})
	}
	err := g.Wait()
	for _, c := range cells {
		x.result.Cells = append(x.result.Cells, c...)
	}
	return err
}

func (x *run) dryRunCells(draws []*PartitionDraw) []CellResult {
	var out []CellResult
	for i, part := range x.plan.Partitions {
		key := part.Key.String()
		for j, cell := range part.Cells {
			vd := draws[i].Values[j]
			out = append(out, CellResult{
				Partition: key,
				Value:     cell.Value,
				Target:    cell.Target,
				Requested: cell.Requested,
				Available: vd.Available(),
				Assigned:  vd.Available(),
				Shortfall: vd.Shortfall,
				Existing:  cell.Existing,
				Skipped:   cell.Skipped,
			})
		}
	}
	return out
}

func (x *run) recordCell(c CellResult) {
	result := "filled"
	switch {
	case c.Skipped:
		result = "skipped"
	case c.Shortfall > 0:
		result = "shortfall"
		x.event("warn", "cell.shortfall", c.Partition, fmt.Sprintf("value=%s requested=%d assigned=%d deficit=%d",
			stores.ValueKey(c.Value), c.Requested, c.Assigned, c.Shortfall))
	}
	x.tel.Metrics.RecordCell(x.result.LabelField, result, c.Assigned, c.Shortfall, c.Conflicts)
}

func (x *run) enter(state RunState) {
	x.tel.Metrics.RecordPhase(string(x.result.State), x.phase.Duration())
	x.phase = telemetry.NewTimer()
	x.endPhase(nil)
	if !state.IsTerminal() {
		x.ctx, x.phaseSpan = x.tel.Tracer.StartPhaseSpan(x.base, string(state))
	}
	x.result.State = state
	x.logger.WithField("state", state).Debug("run state changed")
	if !state.IsTerminal() {
		x.event("info", "run.state", "", string(state))
	}
}

func (x *run) endPhase(err error) {
	if x.phaseSpan != nil {
		telemetry.EndSpan(x.phaseSpan, err)
		x.phaseSpan = nil
	}
}

func (x *run) fail(err error) {
	x.endPhase(err)
	x.result.Error = err.Error()
	x.tel.Metrics.RecordError(string(ClassOf(err)))
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		x.logger.WithError(err).Warn("run cancelled")
	} else {
		x.logger.WithError(err).Error("run failed")
	}
	if !x.result.State.IsTerminal() {
		_ = x.sm.advance(StateFailed)
	}
}

func (x *run) summary() string {
	requested, assigned, shortfall := x.result.Totals()
	msg := fmt.Sprintf("requested=%d assigned=%d shortfall=%d", requested, assigned, shortfall)
	if x.result.Error != "" {
		msg += " error=" + x.result.Error
	}
	return msg
}

func levelFor(state RunState) string {
	switch state {
	case StateCompleted:
		return "info"
	case StatePartiallyCompleted:
		return "warn"
	default:
		return "error"
	}
}

// historyCtx outlives cancellation of the run so that failures are recorded.
func (x *run) historyCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(x.ctx), 5*time.Second)
}

func (x *run) saveRun(table *QuotaTable) {
	if x.history == nil {
		return
	}
	requested, assigned, shortfall := x.result.Totals()
	rec := &stores.RunRecord{
		ID:         x.result.RunID,
		Collection: table.Collection,
		LabelField: table.LabelField,
		Mode:       string(x.result.Mode),
		State:      string(x.result.State),
		Seed:       x.result.Seed,
		Requested:  requested,
		Assigned:   assigned,
		Shortfall:  shortfall,
		StartedAt:  x.result.StartedAt,
	}
	if x.plan != nil {
		rec.QuotaDigest = x.plan.Digest
		if requested == 0 {
			rec.Requested = x.plan.TotalRequested()
		}
	}
	if x.result.State.IsTerminal() {
		rec.Outcome = string(x.result.State)
		completed := x.result.CompletedAt
		rec.CompletedAt = &completed
	}
	if x.result.Error != "" {
		msg := x.result.Error
		rec.Error = &msg
	}

	ctx, cancel := x.historyCtx()
	defer cancel()
	if err := x.history.SaveRun(ctx, rec, x.historyCells()); err != nil {
		x.logger.WithError(err).Warn("failed to save run history")
	}
}

func (x *run) historyCells() []stores.RunCell {
	rows := map[string]ReportRow{}
	if x.result.Report != nil {
		for _, row := range x.result.Report.Rows {
			rows[row.Partition+"\x00"+stores.ValueKey(row.Value)] = row
		}
	}
	cells := make([]stores.RunCell, 0, len(x.result.Cells))
	for _, c := range x.result.Cells {
		vk := stores.ValueKey(c.Value)
		cell := stores.RunCell{
			RunID:     x.result.RunID,
			Partition: c.Partition,
			Value:     vk,
			Requested: c.Requested,
			Available: c.Available,
			Assigned:  c.Assigned,
			Shortfall: c.Shortfall,
			Conflicts: c.Conflicts,
			Skipped:   c.Skipped,
		}
		if row, ok := rows[c.Partition+"\x00"+vk]; ok {
			cell.Actual = row.Actual
			cell.Delta = row.Delta
		}
		cells = append(cells, cell)
	}
	return cells
}

func (x *run) event(level, typ, partition, message string) {
	if x.history == nil {
		return
	}
	ctx, cancel := x.historyCtx()
	defer cancel()
	if err := x.history.AppendEvent(ctx, &stores.RunEvent{
		RunID:     x.result.RunID,
		Level:     level,
		Type:      typ,
		Partition: partition,
		Message:   message,
	}); err != nil {
		x.logger.WithError(err).Warn("failed to append run event")
	}
}
