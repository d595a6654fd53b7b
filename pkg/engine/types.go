package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stratalabel/strata/pkg/stores"
)

// QuotaKind declares whether a table's targets are absolute counts or fractions.
type QuotaKind string

const (
	// KindCounts tables give an absolute target per label value.
	KindCounts QuotaKind = "counts"

	// KindFractions tables give a fraction of the partition population per label value.
	KindFractions QuotaKind = "fractions"
)

// Allocation is the remainder policy of a fractions table.
type Allocation string

const (
	// AllocationOpen leaves rounding remainders unlabeled.
	AllocationOpen Allocation = "open"

	// AllocationClosed adds the remainder to the bucket with the largest
	// fraction so quotas cover the whole partition.
	AllocationClosed Allocation = "closed"
)

// Mode selects how a run treats labels already present in the collection.
type Mode string

const (
	// ModeFresh clears the label field before sampling (re-assignment run).
	ModeFresh Mode = "fresh"

	// ModeContinuation keeps existing labels and samples only residual targets.
	ModeContinuation Mode = "continuation"
)

// ResetScope selects which records a fresh run clears.
type ResetScope string

const (
	// ResetPartitions clears only records in the table's partitions.
	ResetPartitions ResetScope = "partitions"

	// ResetGlobal clears the label field on the whole collection.
	ResetGlobal ResetScope = "global"
)

// Target is one (label value, target) entry of a partition's quota. Exactly
// one of Count and Fraction is set, matching the table's kind.
type Target struct {
	Value    any              `json:"value"`
	Count    *int64           `json:"count,omitempty"`
	Fraction *decimal.Decimal `json:"fraction,omitempty"`
}

// CountTarget returns an absolute-count target.
func CountTarget(value any, count int64) Target {
	return Target{Value: stores.NormalizeValue(value), Count: &count}
}

// FractionTarget returns a fractional target.
func FractionTarget(value any, fraction decimal.Decimal) Target {
	return Target{Value: stores.NormalizeValue(value), Fraction: &fraction}
}

// PartitionQuota is the ordered quota of one partition.
type PartitionQuota struct {
	Key     PartitionKey `json:"key"`
	Targets []Target     `json:"targets"`
}

// QuotaTable maps partition keys to ordered label value targets.
type QuotaTable struct {
	// Name identifies the table in logs and run history.
	Name string `json:"name,omitempty"`

	// Collection is the document collection the table applies to.
	Collection string `json:"collection"`

	// LabelField is the field receiving the label values.
	LabelField string `json:"label_field"`

	// PartitionFields are the ordered stratifying fields. Empty means the
	// whole collection is one partition.
	PartitionFields []string `json:"partition_fields"`

	// Kind declares counts or fractions targets.
	Kind QuotaKind `json:"kind"`

	// Allocation is the remainder policy for fractions tables.
	Allocation Allocation `json:"allocation"`

	// Tolerance is how far fractions of one partition may sum above 1.
	Tolerance decimal.Decimal `json:"tolerance"`

	// Partitions are the table rows in declaration order.
	Partitions []PartitionQuota `json:"partitions"`
}

// CellPlan is the normalized target of one (partition, value) pair.
type CellPlan struct {
	// Value is the label value.
	Value any `json:"value"`

	// Target is the absolute count the partition should hold after the run.
	Target int64 `json:"target"`

	// Fraction is the declared fraction for fractions tables.
	Fraction *decimal.Decimal `json:"fraction,omitempty"`

	// Existing is the number of records already holding Value when planning a
	// continuation run.
	Existing int64 `json:"existing"`

	// Requested is the number of records to label in this run: Target for
	// fresh runs, the residual Target-Existing for continuation runs.
	Requested int64 `json:"requested"`

	// Skipped is set when a continuation run finds the cell already at or
	// above target.
	Skipped bool `json:"skipped"`
}

// PartitionPlan is the normalized quota of one partition.
type PartitionPlan struct {
	Key PartitionKey `json:"key"`

	// Population is the number of records in the partition.
	Population int64 `json:"population"`

	// Cells are the label values in quota order.
	Cells []CellPlan `json:"cells"`

	// Remainder is population minus the floored targets before allocation.
	Remainder int64 `json:"remainder"`

	// Unassigned is the number of records intentionally left unlabeled.
	Unassigned int64 `json:"unassigned"`

	// Oversubscribed is how far targets exceed the population.
	Oversubscribed int64 `json:"oversubscribed"`
}

// TotalTarget returns the sum of cell targets.
func (p *PartitionPlan) TotalTarget() int64 {
	var n int64
	for _, c := range p.Cells {
		n += c.Target
	}
	return n
}

// Plan is a quota table resolved to absolute per-cell counts.
type Plan struct {
	Table      *QuotaTable     `json:"table"`
	Mode       Mode            `json:"mode"`
	Partitions []PartitionPlan `json:"partitions"`

	// Digest identifies the table content, stored with each run.
	Digest string `json:"digest"`
}

// TotalRequested returns the number of records the plan asks to label.
func (p *Plan) TotalRequested() int64 {
	var n int64
	for _, part := range p.Partitions {
		for _, c := range part.Cells {
			n += c.Requested
		}
	}
	return n
}

// CellResult is the outcome of one (partition, value) cell.
type CellResult struct {
	Partition string `json:"partition"`
	Value     any    `json:"value"`

	// Target is the absolute count the cell should hold.
	Target int64 `json:"target"`

	// Requested is the number of labels this run tried to assign.
	Requested int64 `json:"requested"`

	// Available is how many eligible records the sampler could draw.
	Available int64 `json:"available"`

	// Assigned is how many records now carry the value because of this run.
	Assigned int64 `json:"assigned"`

	// Shortfall is Requested-Assigned.
	Shortfall int64 `json:"shortfall"`

	// Conflicts is how many claims were lost to concurrent writers.
	Conflicts int64 `json:"conflicts"`

	// ConflictShortfall is the part of Shortfall due to an exhausted reserve
	// after conflicts.
	ConflictShortfall int64 `json:"conflict_shortfall"`

	// Existing is how many records held the value before a continuation run.
	Existing int64 `json:"existing"`

	Skipped bool `json:"skipped"`
}

// RunResult is the structured result of an assignment run.
type RunResult struct {
	RunID       string        `json:"run_id"`
	Collection  string        `json:"collection"`
	LabelField  string        `json:"label_field"`
	Mode        Mode          `json:"mode"`
	Seed        uint64        `json:"seed"`
	DryRun      bool          `json:"dry_run"`
	State       RunState      `json:"state"`
	Cells       []CellResult  `json:"cells"`
	Report      *Report       `json:"report,omitempty"`
	Reset       *ResetResult  `json:"reset,omitempty"`
	Error       string        `json:"error,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

// Outcome returns the terminal state of the run.
func (r *RunResult) Outcome() RunState {
	return r.State
}

// Totals sums requested, assigned and shortfall across cells.
func (r *RunResult) Totals() (requested, assigned, shortfall int64) {
	for _, c := range r.Cells {
		requested += c.Requested
		assigned += c.Assigned
		shortfall += c.Shortfall
	}
	return requested, assigned, shortfall
}

func (c CellResult) String() string {
	return fmt.Sprintf("%s %s: requested=%d assigned=%d shortfall=%d",
		c.Partition, stores.ValueKey(c.Value), c.Requested, c.Assigned, c.Shortfall)
}
