package policy

import (
	"time"

	"github.com/stratalabel/strata/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but does not block the run.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the run.
	SeverityError Severity = "error"
)

// Blocking reports whether violations of s deny the plan.
func (s Severity) Blocking() bool {
	return s == SeverityError
}

// Policy represents a guard rule with its Rego code. The module must define
// a deny set under its package; each element is a message string or an
// object with message, severity and partition keys.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from. Empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Partition is the canonical partition key the violation relates to.
	Partition string `json:"partition,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Result represents the result of policy evaluation.
type Result struct {
	// Allowed indicates if the plan may run.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that don't block the run.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document policies see as input.
type Input struct {
	Table      TableInput       `json:"table"`
	Options    OptionsInput     `json:"options"`
	Partitions []PartitionInput `json:"partitions"`
}

// TableInput describes the quota table under evaluation.
type TableInput struct {
	Name            string   `json:"name"`
	Collection      string   `json:"collection"`
	LabelField      string   `json:"label_field"`
	PartitionFields []string `json:"partition_fields"`
	Kind            string   `json:"kind"`
	Allocation      string   `json:"allocation"`
	Digest          string   `json:"digest"`
}

// OptionsInput carries the run options.
type OptionsInput struct {
	Mode       string `json:"mode"`
	ResetScope string `json:"reset_scope"`
	DryRun     bool   `json:"dry_run"`
	Confirmed  bool   `json:"confirmed"`
}

// PartitionInput is one normalized partition.
type PartitionInput struct {
	Key            string      `json:"key"`
	Population     int64       `json:"population"`
	Target         int64       `json:"target"`
	Requested      int64       `json:"requested"`
	Unassigned     int64       `json:"unassigned"`
	Oversubscribed int64       `json:"oversubscribed"`
	Cells          []CellInput `json:"cells"`
}

// CellInput is one (partition, value) cell.
type CellInput struct {
	Value     any   `json:"value"`
	Target    int64 `json:"target"`
	Existing  int64 `json:"existing"`
	Requested int64 `json:"requested"`
}

// NewInput builds the policy input of a plan.
func NewInput(plan *engine.Plan, opts engine.Options) *Input {
	in := &Input{
		Options: OptionsInput{
			Mode:       string(opts.Mode),
			ResetScope: string(opts.ResetScope),
			DryRun:     opts.DryRun,
			Confirmed:  opts.Confirmed,
		},
		Partitions: []PartitionInput{},
	}
	if plan == nil {
		return in
	}
	in.Table.Digest = plan.Digest
	if t := plan.Table; t != nil {
		in.Table.Name = t.Name
		in.Table.Collection = t.Collection
		in.Table.LabelField = t.LabelField
		in.Table.PartitionFields = append([]string{}, t.PartitionFields...)
		in.Table.Kind = string(t.Kind)
		in.Table.Allocation = string(t.Allocation)
	}

	for _, part := range plan.Partitions {
		p := PartitionInput{
			Key:            part.Key.String(),
			Population:     part.Population,
			Target:         part.TotalTarget(),
			Unassigned:     part.Unassigned,
			Oversubscribed: part.Oversubscribed,
			Cells:          make([]CellInput, 0, len(part.Cells)),
		}
		for _, c := range part.Cells {
			p.Requested += c.Requested
			p.Cells = append(p.Cells, CellInput{
				Value:     c.Value,
				Target:    c.Target,
				Existing:  c.Existing,
				Requested: c.Requested,
			})
		}
		in.Partitions = append(in.Partitions, p)
	}
	return in
}
