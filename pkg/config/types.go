package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/stratalabel/strata/pkg/engine"
	"github.com/stratalabel/strata/pkg/telemetry"
)

// QuotaFile is the on-disk form of a quota table and its derived rules.
type QuotaFile struct {
	// Name identifies the table in logs and run history.
	Name string `yaml:"name" json:"name" validate:"required"`

	// Collection is the document collection the table applies to.
	Collection string `yaml:"collection" json:"collection" validate:"required"`

	// LabelField is the field receiving label values.
	LabelField string `yaml:"label_field" json:"label_field" validate:"required"`

	// PartitionFields are the ordered attributes defining partitions.
	PartitionFields []string `yaml:"partition_fields,omitempty" json:"partition_fields,omitempty" validate:"unique,dive,required"`

	// Kind is counts or fractions. Inferred from the targets when empty.
	Kind string `yaml:"kind,omitempty" json:"kind,omitempty" validate:"omitempty,oneof=counts fractions"`

	// Allocation is open or closed. Defaults to open.
	Allocation string `yaml:"allocation,omitempty" json:"allocation,omitempty" validate:"omitempty,oneof=open closed"`

	// Tolerance is how far fractions may sum above 1.
	Tolerance *Ratio `yaml:"tolerance,omitempty" json:"tolerance,omitempty"`

	Partitions []PartitionSpec `yaml:"partitions" json:"partitions" validate:"required,min=1,dive"`

	// BuiltinRules enables the ticket domain rules of engine.BuiltinRules.
	BuiltinRules bool `yaml:"builtin_rules,omitempty" json:"builtin_rules,omitempty"`

	Rules []RuleSpec `yaml:"rules,omitempty" json:"rules,omitempty" validate:"dive"`
}

// PartitionSpec is one partition of a quota file. Key maps every partition
// field to its value; null or "__unspecified__" selects records where the
// field is unset.
type PartitionSpec struct {
	Key     map[string]any `yaml:"key,omitempty" json:"key,omitempty"`
	Targets []TargetSpec   `yaml:"targets" json:"targets" validate:"required,min=1,dive"`
}

// TargetSpec is the target of one label value. Exactly one of Count and
// Fraction must be set, matching the table kind.
type TargetSpec struct {
	Value    any    `yaml:"value" json:"value"`
	Count    *int64 `yaml:"count,omitempty" json:"count,omitempty" validate:"omitempty,gte=0,excluded_with=Fraction"`
	Fraction *Ratio `yaml:"fraction,omitempty" json:"fraction,omitempty"`
}

// RuleSpec declares a derived field rule.
type RuleSpec struct {
	Name   string `yaml:"name" json:"name" validate:"required"`
	Type   string `yaml:"type" json:"type" validate:"required,oneof=lookup mirror starlark"`
	Source string `yaml:"source" json:"source" validate:"required"`
	Target string `yaml:"target" json:"target" validate:"required,nefield=Source"`

	// Table is the lookup table of a lookup rule.
	Table []LookupEntry `yaml:"table,omitempty" json:"table,omitempty" validate:"required_if=Type lookup"`

	// Script defines derive(value) for a starlark rule.
	Script string `yaml:"script,omitempty" json:"script,omitempty" validate:"required_if=Type starlark"`
}

// LookupEntry maps one source value to a target value.
type LookupEntry struct {
	From any `yaml:"from" json:"from"`
	To   any `yaml:"to" json:"to"`
}

// Ratio is a non-negative fraction written as 0.15 or "15%".
type Ratio struct {
	decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// ParseRatio parses a fraction or a percentage.
func ParseRatio(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if pct, ok := strings.CutSuffix(s, "%"); ok {
		d, err := decimal.NewFromString(strings.TrimSpace(pct))
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid percentage %q: %w", s, err)
		}
		return d.Div(hundred), nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid fraction %q: %w", s, err)
	}
	return d, nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (r *Ratio) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: fraction must be a number or a percentage", node.Line)
	}
	d, err := ParseRatio(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	r.Decimal = d
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (r Ratio) MarshalYAML() (any, error) {
	return r.String(), nil
}

// Quota is a loaded quota file.
type Quota struct {
	Source string
	File   *QuotaFile
	Table  *engine.QuotaTable
	Rules  []engine.DerivedRule
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	// File is the file where the error occurred.
	File string `json:"file,omitempty"`

	// Line is the line number where the error occurred.
	Line int `json:"line,omitempty"`

	// Column is the column number where the error occurred.
	Column int `json:"column,omitempty"`

	// Path is the field path where the error occurred.
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
	}
	switch {
	case loc != "" && e.Path != "":
		return fmt.Sprintf("%s: %s: %s", loc, e.Path, e.Message)
	case loc != "":
		return fmt.Sprintf("%s: %s", loc, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is returned when a file fails schema or struct validation.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.String()
	}
	return strings.Join(msgs, "; ")
}

// AppConfig is the application configuration read from strata.yaml.
type AppConfig struct {
	// Store is the document store DSN: memory://, sqlite://path or postgres://...
	Store string `yaml:"store" validate:"required"`

	// History is the SQLite file holding run history. Empty reuses a sqlite
	// store, or disables history for other stores.
	History string `yaml:"history,omitempty"`

	Lock LockConfig `yaml:"lock"`

	// PolicyDir holds additional Rego guard policies.
	PolicyDir string `yaml:"policy_dir,omitempty"`

	Defaults DefaultsConfig `yaml:"defaults"`

	Telemetry *telemetry.Config `yaml:"telemetry"`
}

// LockConfig selects the run lock backend.
type LockConfig struct {
	// URL is "", "memory", "sqlite" or a nats:// server URL.
	URL string `yaml:"url,omitempty" validate:"omitempty,startswith=nats://|oneof=memory sqlite"`

	// Bucket is the JetStream key-value bucket of the NATS lock.
	Bucket string `yaml:"bucket,omitempty"`

	// TTL bounds how long a crashed run keeps its lock.
	TTL time.Duration `yaml:"ttl,omitempty" validate:"gte=0"`
}

// DefaultsConfig are the run options applied when flags are not given.
type DefaultsConfig struct {
	Mode        string `yaml:"mode,omitempty" validate:"omitempty,oneof=fresh continuation"`
	ResetScope  string `yaml:"reset_scope,omitempty" validate:"omitempty,oneof=partitions global"`
	Parallelism int    `yaml:"parallelism,omitempty" validate:"gte=0"`
}
