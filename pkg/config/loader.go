package config

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/stratalabel/strata/pkg/engine"
	"github.com/stratalabel/strata/pkg/stores"
)

// Loader reads quota files. YAML files (.yaml, .yml) and CUE files (.cue)
// are checked against the #QuotaFile schema, then against struct tags, then
// converted into an engine.QuotaTable and its derived rules.
type Loader struct {
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewLoader creates a new quota file loader.
func NewLoader() *Loader {
	return &Loader{
		schemas:   NewSchemaRegistry(),
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Schemas returns the loader's schema registry.
func (l *Loader) Schemas() *SchemaRegistry {
	return l.schemas
}

// LoadQuota reads and converts the quota file at path.
func (l *Loader) LoadQuota(path string) (*Quota, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read quota file: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".cue") {
		return l.ParseQuotaCUE(content, path)
	}
	return l.ParseQuota(content, path)
}

// ParseQuota parses YAML quota file content. source names the content in
// errors.
func (l *Loader) ParseQuota(content []byte, source string) (*Quota, error) {
	var raw any
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return nil, invalid(source, fmt.Errorf("failed to parse YAML: %w", err))
	}
	if raw == nil {
		return nil, invalid(source, fmt.Errorf("quota file is empty"))
	}
	if err := l.schemas.Validate(QuotaSchema, source, raw); err != nil {
		return nil, invalid(source, err)
	}

	var file QuotaFile
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, invalid(source, fmt.Errorf("failed to decode quota file: %w", err))
	}
	return l.build(&file, source)
}

// ParseQuotaCUE parses CUE quota file content.
func (l *Loader) ParseQuotaCUE(content []byte, source string) (*Quota, error) {
	data, err := l.schemas.ValidateCUE(QuotaSchema, source, content)
	if err != nil {
		return nil, invalid(source, err)
	}
	// Round-trip through YAML so both formats share one decoder.
	out, err := yaml.Marshal(data)
	if err != nil {
		return nil, invalid(source, fmt.Errorf("failed to convert CUE value: %w", err))
	}
	var file QuotaFile
	if err := yaml.Unmarshal(out, &file); err != nil {
		return nil, invalid(source, fmt.Errorf("failed to decode quota file: %w", err))
	}
	return l.build(&file, source)
}

func (l *Loader) build(file *QuotaFile, source string) (*Quota, error) {
	if err := l.validator.Struct(file); err != nil {
		return nil, invalid(source, structErrors(err, source))
	}

	table, err := file.Table()
	if err != nil {
		return nil, invalid(source, err)
	}
	rules, err := file.DerivedRules()
	if err != nil {
		return nil, invalid(source, err)
	}
	if err := engine.NewNormalizer(nil).Validate(table); err != nil {
		return nil, err
	}

	return &Quota{Source: source, File: file, Table: table, Rules: rules}, nil
}

func invalid(source string, err error) error {
	return engine.NewValidationError("invalid quota file "+source, err)
}

func structErrors(err error, source string) error {
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return err
	}
	out := make(ValidationErrors, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, ValidationError{
			File:    source,
			Path:    fe.Namespace(),
			Message: fmt.Sprintf("failed on %q validation", fe.Tag()),
		})
	}
	return out
}

// Table converts the file into an engine.QuotaTable.
func (f *QuotaFile) Table() (*engine.QuotaTable, error) {
	table := &engine.QuotaTable{
		Name:            f.Name,
		Collection:      f.Collection,
		LabelField:      f.LabelField,
		PartitionFields: append([]string(nil), f.PartitionFields...),
		Kind:            engine.QuotaKind(f.Kind),
		Allocation:      engine.Allocation(f.Allocation),
		Tolerance:       decimal.Zero,
	}
	if table.Kind == "" {
		table.Kind = f.inferKind()
	}
	if table.Allocation == "" {
		table.Allocation = engine.AllocationOpen
	}
	if f.Tolerance != nil {
		table.Tolerance = f.Tolerance.Decimal
	}

	resolver := engine.NewResolver(f.PartitionFields)
	for i, spec := range f.Partitions {
		key, err := partitionKey(resolver, f.PartitionFields, spec.Key)
		if err != nil {
			return nil, fmt.Errorf("partitions[%d]: %w", i, err)
		}
		part := engine.PartitionQuota{Key: key}
		for _, t := range spec.Targets {
			target := engine.Target{Value: stores.NormalizeValue(t.Value)}
			if t.Count != nil {
				c := *t.Count
				target.Count = &c
			}
			if t.Fraction != nil {
				d := t.Fraction.Decimal
				target.Fraction = &d
			}
			part.Targets = append(part.Targets, target)
		}
		table.Partitions = append(table.Partitions, part)
	}
	return table, nil
}

func (f *QuotaFile) inferKind() engine.QuotaKind {
	for _, p := range f.Partitions {
		for _, t := range p.Targets {
			if t.Fraction != nil {
				return engine.KindFractions
			}
		}
	}
	return engine.KindCounts
}

func partitionKey(resolver *engine.Resolver, fields []string, key map[string]any) (engine.PartitionKey, error) {
	var extra []string
	for k := range key {
		if !contains(fields, k) {
			extra = append(extra, k)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return engine.PartitionKey{}, fmt.Errorf("key fields %s are not partition fields", strings.Join(extra, ", "))
	}

	values := make([]any, len(fields))
	for i, field := range fields {
		v, ok := key[field]
		if !ok {
			return engine.PartitionKey{}, fmt.Errorf("key is missing partition field %s", field)
		}
		if v == engine.UnspecifiedToken {
			v = engine.Unspecified
		}
		values[i] = v
	}
	return resolver.Key(values...)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// DerivedRules builds the file's derived rules, built-in rules first.
func (f *QuotaFile) DerivedRules() ([]engine.DerivedRule, error) {
	var rules []engine.DerivedRule
	if f.BuiltinRules {
		rules = append(rules, engine.BuiltinRules()...)
	}

	seen := map[string]bool{}
	for _, r := range rules {
		seen[r.Name()] = true
	}
	for _, spec := range f.Rules {
		if seen[spec.Name] {
			return nil, fmt.Errorf("duplicate rule %s", spec.Name)
		}
		seen[spec.Name] = true

		rule, err := spec.Build()
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	targets := map[string]string{}
	for _, r := range rules {
		if other, ok := targets[r.Target()]; ok {
			return nil, fmt.Errorf("rules %s and %s derive the same field %s", other, r.Name(), r.Target())
		}
		targets[r.Target()] = r.Name()
		if r.Target() == f.LabelField {
			return nil, fmt.Errorf("rule %s derives the label field %s", r.Name(), f.LabelField)
		}
	}
	return rules, nil
}

// Build creates the rule.
func (r RuleSpec) Build() (engine.DerivedRule, error) {
	switch r.Type {
	case "lookup":
		table := make(map[any]any, len(r.Table))
		for _, e := range r.Table {
			table[e.From] = e.To
		}
		return engine.NewLookupRule(r.Name, r.Source, r.Target, table), nil
	case "mirror":
		return engine.NewMirrorRule(r.Name, r.Source, r.Target), nil
	case "starlark":
		return NewStarlarkRule(r.Name, r.Source, r.Target, r.Script)
	default:
		return nil, fmt.Errorf("rule %s: unknown type %q", r.Name, r.Type)
	}
}
