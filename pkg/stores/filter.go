package stores

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Op is a predicate operator.
type Op string

const (
	// OpEq matches documents whose field equals Value.
	OpEq Op = "eq"

	// OpNe matches documents whose field is unset or differs from Value.
	OpNe Op = "ne"

	// OpUnset matches documents whose field is missing, null, empty or whitespace-only.
	OpUnset Op = "unset"

	// OpSet is the negation of OpUnset.
	OpSet Op = "set"
)

// Predicate is a single condition on one document field.
type Predicate struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value,omitempty"`
}

// Filter is a conjunction of predicates. An empty filter matches every document.
type Filter []Predicate

// Eq returns an equality predicate.
func Eq(field string, value any) Predicate {
	return Predicate{Field: field, Op: OpEq, Value: NormalizeValue(value)}
}

// Ne returns an inequality predicate (unset fields match).
func Ne(field string, value any) Predicate {
	return Predicate{Field: field, Op: OpNe, Value: NormalizeValue(value)}
}

// Unset returns a predicate matching unset fields.
func Unset(field string) Predicate {
	return Predicate{Field: field, Op: OpUnset}
}

// Set returns a predicate matching set fields.
func Set(field string) Predicate {
	return Predicate{Field: field, Op: OpSet}
}

// And returns a new filter with the given predicates appended.
// The receiver is never modified.
func (f Filter) And(preds ...Predicate) Filter {
	out := make(Filter, 0, len(f)+len(preds))
	out = append(out, f...)
	return append(out, preds...)
}

// String renders the filter for logs.
func (f Filter) String() string {
	if len(f) == 0 {
		return "{}"
	}
	parts := make([]string, len(f))
	for i, p := range f {
		switch p.Op {
		case OpUnset, OpSet:
			parts[i] = fmt.Sprintf("%s:%s", p.Field, p.Op)
		default:
			parts[i] = fmt.Sprintf("%s %s %s", p.Field, p.Op, ValueKey(p.Value))
		}
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Validate checks that every predicate names a usable field and a known operator.
func (f Filter) Validate() error {
	for _, p := range f {
		if err := ValidateField(p.Field); err != nil {
			return err
		}
		switch p.Op {
		case OpEq, OpNe, OpUnset, OpSet:
		default:
			return fmt.Errorf("invalid filter operator: %q", p.Op)
		}
	}
	return nil
}

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateField rejects field names that cannot be used as a document path.
// The id field is reserved.
func ValidateField(field string) error {
	if !fieldPattern.MatchString(field) {
		return fmt.Errorf("invalid field name: %q", field)
	}
	if field == IDField {
		return fmt.Errorf("field %q is reserved", field)
	}
	return nil
}

// IDField is the reserved name of the document identifier.
const IDField = "_id"

// NormalizeValue maps a decoded value onto the small set of types the stores
// compare on: string, int64, float64, bool or nil. Integral floats become int64
// so that 1 and 1.0 resolve to the same partition.
func NormalizeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return val
	case bool:
		return val
	case int:
		return int64(val)
	case int8:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case int64:
		return val
	case uint:
		return int64(val)
	case uint8:
		return int64(val)
	case uint16:
		return int64(val)
	case uint32:
		return int64(val)
	case uint64:
		if val > math.MaxInt64 {
			return float64(val)
		}
		return int64(val)
	case float32:
		return normalizeFloat(float64(val))
	case float64:
		return normalizeFloat(val)
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return normalizeFloat(f)
		}
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

func normalizeFloat(f float64) any {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}

// IsUnset is the validity predicate for label fields: a field is unset when it is
// missing, null, an empty string or a whitespace-only string.
func IsUnset(v any, present bool) bool {
	if !present || v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

// ValuesEqual compares two values after normalization.
func ValuesEqual(a, b any) bool {
	a, b = NormalizeValue(a), NormalizeValue(b)
	switch av := a.(type) {
	case int64:
		switch bv := b.(type) {
		case int64:
			return av == bv
		case float64:
			return float64(av) == bv
		}
		return false
	case float64:
		switch bv := b.(type) {
		case int64:
			return av == float64(bv)
		case float64:
			return av == bv
		}
		return false
	}
	return a == b
}

// ValueKey returns a canonical string for a value. Strings are quoted so that the
// string "1" and the number 1 never collide.
func ValueKey(v any) string {
	switch val := NormalizeValue(v).(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(val)
	case bool:
		return strconv.FormatBool(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}

// Matches evaluates a filter against a document's fields.
func Matches(fields map[string]any, f Filter) bool {
	for _, p := range f {
		v, present := fields[p.Field]
		unset := IsUnset(v, present)
		switch p.Op {
		case OpUnset:
			if !unset {
				return false
			}
		case OpSet:
			if unset {
				return false
			}
		case OpEq:
			if !present || !ValuesEqual(v, p.Value) {
				return false
			}
		case OpNe:
			if present && ValuesEqual(v, p.Value) {
				return false
			}
		default:
			return false
		}
	}
	return true
}
