package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/stratalabel/strata/pkg/stores"
	"github.com/stratalabel/strata/pkg/telemetry"
)

// ErrUnmappable is returned by DerivedRule.Derive when a source value has no
// derived value. The target is unset and the record counts as a mismatch.
var ErrUnmappable = errors.New("source value has no derived value")

// DerivedRule is a pure function from a source label value to a target field value.
type DerivedRule interface {
	Name() string
	Source() string
	Target() string
	Derive(value any) (any, error)
}

// LookupRule maps source values through a fixed table.
type LookupRule struct {
	name   string
	source string
	target string
	table  map[string]any
}

// NewLookupRule creates a lookup rule. Table keys are compared after
// normalization, so 1 and 1.0 are the same key.
func NewLookupRule(name, source, target string, table map[any]any) *LookupRule {
	r := &LookupRule{name: name, source: source, target: target, table: make(map[string]any, len(table))}
	for k, v := range table {
		r.table[stores.ValueKey(k)] = stores.NormalizeValue(v)
	}
	return r
}

func (r *LookupRule) Name() string   { return r.name }
func (r *LookupRule) Source() string { return r.source }
func (r *LookupRule) Target() string { return r.target }

// Derive looks value up in the table.
func (r *LookupRule) Derive(value any) (any, error) {
	v, ok := r.table[stores.ValueKey(value)]
	if !ok {
		return nil, fmt.Errorf("%s: %s: %w", r.name, stores.ValueKey(value), ErrUnmappable)
	}
	return v, nil
}

// MirrorRule copies the source value to the target unchanged.
type MirrorRule struct {
	name   string
	source string
	target string
}

// NewMirrorRule creates a mirror rule.
func NewMirrorRule(name, source, target string) *MirrorRule {
	return &MirrorRule{name: name, source: source, target: target}
}

func (r *MirrorRule) Name() string   { return r.name }
func (r *MirrorRule) Source() string { return r.source }
func (r *MirrorRule) Target() string { return r.target }

// Derive returns value unchanged.
func (r *MirrorRule) Derive(value any) (any, error) {
	return stores.NormalizeValue(value), nil
}

// BuiltinRules returns the derived rules of the ticket domain: priority drives
// overall_sentiment, follow_up_required drives action_pending_status.
func BuiltinRules() []DerivedRule {
	return []DerivedRule{
		NewLookupRule("priority_sentiment", "priority", "overall_sentiment", map[any]any{
			"P1-Critical": 5,
			"P2-High":     4,
			"P3-Medium":   3,
			"P4-Low":      2,
		}),
		NewMirrorRule("follow_up_mirror", "follow_up_required", "action_pending_status"),
	}
}

// BackfillResult summarizes a standalone propagation pass.
type BackfillResult struct {
	Rule string `json:"rule"`

	// Updated is the number of targets rewritten to f(source).
	Updated int64 `json:"updated"`

	// Cleared is the number of targets unset because the source is unset.
	Cleared int64 `json:"cleared"`

	// Unmappable is the number of records whose source value has no derived value.
	Unmappable int64 `json:"unmappable"`
}

// Mismatch is the verification count of one derived rule.
type Mismatch struct {
	Rule   string `json:"rule"`
	Source string `json:"source"`
	Target string `json:"target"`

	// Count is the number of records where target != f(source).
	Count int64 `json:"count"`

	// Unmappable is the part of Count whose source value has no derived value.
	Unmappable int64 `json:"unmappable"`
}

// Propagator keeps derived fields equal to a function of their source.
type Propagator struct {
	rules   []DerivedRule
	metrics *telemetry.Metrics
	logger  *telemetry.Logger
}

// NewPropagator creates a propagator over rules.
func NewPropagator(logger *telemetry.Logger, metrics *telemetry.Metrics, rules ...DerivedRule) *Propagator {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Propagator{
		rules:   rules,
		metrics: metrics,
		logger:  logger.NewComponentLogger("propagator"),
	}
}

// Rules returns the configured rules.
func (p *Propagator) Rules() []DerivedRule {
	if p == nil {
		return nil
	}
	return slices.Clone(p.rules)
}

// RulesFor returns the rules sourced from field.
func (p *Propagator) RulesFor(field string) []DerivedRule {
	if p == nil {
		return nil
	}
	var out []DerivedRule
	for _, r := range p.rules {
		if r.Source() == field {
			out = append(out, r)
		}
	}
	return out
}

// Rule returns the rule with the given name.
func (p *Propagator) Rule(name string) (DerivedRule, bool) {
	if p == nil {
		return nil, false
	}
	for _, r := range p.rules {
		if r.Name() == name {
			return r, true
		}
	}
	return nil, false
}

// IsDerived reports whether field is the target of a rule.
func (p *Propagator) IsDerived(field string) bool {
	if p == nil {
		return false
	}
	for _, r := range p.rules {
		if r.Target() == field {
			return true
		}
	}
	return false
}

// OnWrite updates every target derived from field after value was written to
// record id. The previous target value is overwritten.
func (p *Propagator) OnWrite(ctx context.Context, coll stores.Collection, id, field string, value any) error {
	for _, r := range p.RulesFor(field) {
		derived, err := r.Derive(value)
		switch {
		case errors.Is(err, ErrUnmappable):
			p.logger.WithFields(map[string]any{
				"rule":  r.Name(),
				"id":    id,
				"value": value,
			}).Warn("unmappable source value, target unset")
			derived = nil
		case err != nil:
			return NewInconsistencyError("derived rule failed").WithCode(ErrCodeDerived).
				WithOperation(r.Name()).WithDetail("error", err.Error())
		}
		if err := coll.Set(ctx, id, r.Target(), derived); err != nil {
			return NewConnectivityError("failed to write derived field", err).WithOperation(r.Name())
		}
		p.metrics.RecordPropagation(r.Name(), 1)
	}
	return nil
}

// Backfill recomputes rule's target on every record matching filter. For each
// distinct source value v the records with target != f(v) are rewritten;
// records with an unset source get their target unset.
func (p *Propagator) Backfill(ctx context.Context, coll stores.Collection, filter stores.Filter, rule DerivedRule) (BackfillResult, error) {
	res := BackfillResult{Rule: rule.Name()}
	groups, err := coll.AggregateGroupCount(ctx, filter, rule.Source())
	if err != nil {
		return res, NewConnectivityError("failed to aggregate source values", err).WithOperation(rule.Name())
	}

	for _, g := range groups {
		if g.Value == nil {
			n, err := coll.Unset(ctx, filter.And(stores.Unset(rule.Source())), rule.Target())
			if err != nil {
				return res, NewConnectivityError("failed to clear derived field", err).WithOperation(rule.Name())
			}
			res.Cleared += n
			continue
		}

		match := filter.And(stores.Eq(rule.Source(), g.Value))
		derived, err := rule.Derive(g.Value)
		if errors.Is(err, ErrUnmappable) {
			if _, err := coll.Unset(ctx, match, rule.Target()); err != nil {
				return res, NewConnectivityError("failed to clear derived field", err).WithOperation(rule.Name())
			}
			res.Unmappable += g.Count
			p.logger.WithFields(map[string]any{
				"rule":    rule.Name(),
				"value":   g.Value,
				"records": g.Count,
			}).Warn("unmappable source value")
			continue
		}
		if err != nil {
			return res, NewInconsistencyError("derived rule failed").WithCode(ErrCodeDerived).
				WithOperation(rule.Name()).WithDetail("error", err.Error())
		}

		n, err := coll.UpdateMany(ctx, match.And(stores.Ne(rule.Target(), derived)), rule.Target(), derived)
		if err != nil {
			return res, NewConnectivityError("failed to write derived field", err).WithOperation(rule.Name())
		}
		res.Updated += n
	}

	p.metrics.RecordPropagation(rule.Name(), res.Updated+res.Cleared)
	p.logger.WithFields(map[string]any{
		"rule":       rule.Name(),
		"updated":    res.Updated,
		"cleared":    res.Cleared,
		"unmappable": res.Unmappable,
	}).Info("backfill complete")
	return res, nil
}

// Mismatches counts every record matching filter whose target differs from
// f(source). Records with an unset source and a set target count, as do all
// records whose source value is unmappable.
func (p *Propagator) Mismatches(ctx context.Context, coll stores.Collection, filter stores.Filter, rule DerivedRule) (Mismatch, error) {
	m := Mismatch{Rule: rule.Name(), Source: rule.Source(), Target: rule.Target()}
	groups, err := coll.AggregateGroupCount(ctx, filter, rule.Source())
	if err != nil {
		return m, NewConnectivityError("failed to aggregate source values", err).WithOperation(rule.Name())
	}

	for _, g := range groups {
		var (
			n   int64
			err error
		)
		if g.Value == nil {
			n, err = coll.Count(ctx, filter.And(stores.Unset(rule.Source()), stores.Set(rule.Target())))
		} else {
			derived, derr := rule.Derive(g.Value)
			switch {
			case errors.Is(derr, ErrUnmappable):
				m.Unmappable += g.Count
				m.Count += g.Count
				continue
			case derr != nil:
				return m, NewInconsistencyError("derived rule failed").WithCode(ErrCodeDerived).
					WithOperation(rule.Name()).WithDetail("error", derr.Error())
			}
			n, err = coll.Count(ctx, filter.And(stores.Eq(rule.Source(), g.Value), stores.Ne(rule.Target(), derived)))
		}
		if err != nil {
			return m, NewConnectivityError("failed to count mismatches", err).WithOperation(rule.Name())
		}
		m.Count += n
	}

	p.metrics.SetDerivedMismatches(rule.Name(), m.Count)
	return m, nil
}
