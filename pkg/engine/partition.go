package engine

import (
	"fmt"
	"strings"

	"github.com/zeebo/xxh3"

	"github.com/stratalabel/strata/pkg/stores"
)

// UnspecifiedToken is how Unspecified renders in a partition key.
const UnspecifiedToken = "__unspecified__"

type unspecified struct{}

func (unspecified) String() string { return UnspecifiedToken }

func (unspecified) MarshalText() ([]byte, error) { return []byte(UnspecifiedToken), nil }

// Unspecified is the partition value of records whose partition attribute is
// missing, null or blank. No decoded attribute can equal it, so a record
// holding the string "__unspecified__" keeps a partition of its own.
var Unspecified any = unspecified{}

// IsUnspecified reports whether v is the Unspecified sentinel.
func IsUnspecified(v any) bool {
	_, ok := v.(unspecified)
	return ok
}

// PartitionKey is an ordered tuple of (field, value) pairs.
type PartitionKey struct {
	Fields []string `json:"fields"`
	Values []any    `json:"values"`
}

// String returns the canonical form field=value|field=value. Values are
// rendered with stores.ValueKey so strings and numbers never collide, and
// Unspecified renders as the bare UnspecifiedToken. A key with no fields
// renders as "*".
func (k PartitionKey) String() string {
	if len(k.Fields) == 0 {
		return "*"
	}
	parts := make([]string, len(k.Fields))
	for i, f := range k.Fields {
		parts[i] = f + "=" + renderPartitionValue(k.Values[i])
	}
	return strings.Join(parts, "|")
}

func renderPartitionValue(v any) string {
	if IsUnspecified(v) {
		return UnspecifiedToken
	}
	return stores.ValueKey(v)
}

// Hash returns the xxh3 hash of the canonical form.
func (k PartitionKey) Hash() uint64 {
	return xxh3.HashString(k.String())
}

// Filter returns the store filter selecting the partition's records. The
// sentinel value selects records where the field is unset.
func (k PartitionKey) Filter() stores.Filter {
	f := make(stores.Filter, 0, len(k.Fields))
	for i, field := range k.Fields {
		if IsUnspecified(k.Values[i]) {
			f = append(f, stores.Unset(field))
			continue
		}
		f = append(f, stores.Eq(field, k.Values[i]))
	}
	return f
}

// Resolver maps partition attributes to partition keys.
type Resolver struct {
	fields []string
}

// NewResolver creates a resolver over the ordered partition fields.
func NewResolver(fields []string) *Resolver {
	return &Resolver{fields: append([]string(nil), fields...)}
}

// Fields returns the partition fields.
func (r *Resolver) Fields() []string {
	return append([]string(nil), r.fields...)
}

// Resolve maps a record's attributes to its partition key. Missing or blank
// attributes resolve to Unspecified.
func (r *Resolver) Resolve(attrs map[string]any) PartitionKey {
	values := make([]any, len(r.fields))
	for i, f := range r.fields {
		v, ok := attrs[f]
		values[i] = resolveValue(v, ok)
	}
	return PartitionKey{Fields: r.Fields(), Values: values}
}

// Key builds a partition key from ordered values, in the same form Resolve
// produces.
func (r *Resolver) Key(values ...any) (PartitionKey, error) {
	if len(values) != len(r.fields) {
		return PartitionKey{}, fmt.Errorf("partition key has %d values, want %d (%s)",
			len(values), len(r.fields), strings.Join(r.fields, ", "))
	}
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = resolveValue(v, true)
	}
	return PartitionKey{Fields: r.Fields(), Values: out}, nil
}

// Filter returns the store filter for key.
func (r *Resolver) Filter(key PartitionKey) stores.Filter {
	return key.Filter()
}

func resolveValue(v any, present bool) any {
	if IsUnspecified(v) || stores.IsUnset(v, present) {
		return Unspecified
	}
	return stores.NormalizeValue(v)
}
