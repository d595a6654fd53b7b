package config

import (
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// SchemaRegistry manages the CUE schemas files are checked against.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry holding the built-in #QuotaFile schema.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema(QuotaSchema, builtinQuotaSchema, "#QuotaFile"); err != nil {
		panic(err)
	}
	return sr
}

// QuotaSchema is the registry name of the quota file schema.
const QuotaSchema = "quota"

// RegisterSchema compiles source and registers the definition def under name.
func (sr *SchemaRegistry) RegisterSchema(name, source, def string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	schema := val.LookupPath(cue.ParsePath(def))
	if !schema.Exists() {
		return fmt.Errorf("schema %s has no definition %s", name, def)
	}

	sr.schemas[name] = schema
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Validate checks decoded data against a named schema.
func (sr *SchemaRegistry) Validate(schemaName, file string, data any) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	// cue.Context is not safe for concurrent use.
	sr.mu.Lock()
	defer sr.mu.Unlock()

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	return check(schema.Unify(dataVal), file)
}

// ValidateCUE compiles CUE source, unifies it with a named schema and returns
// the decoded value.
func (sr *SchemaRegistry) ValidateCUE(schemaName, file string, source []byte) (any, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return nil, fmt.Errorf("schema %s not found", schemaName)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileBytes(source, cue.Filename(file))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err, file)
	}

	unified := schema.Unify(val)
	if err := check(unified, file); err != nil {
		return nil, err
	}

	var data any
	if err := unified.Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", file, err)
	}
	return data, nil
}

func check(val cue.Value, file string) error {
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err, file)
	}
	return nil
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func convertCUEErrors(err error, file string) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		ve := ValidationError{File: file, Message: errors.Details(e, nil)}
		if pos := errors.Positions(e); len(pos) > 0 && pos[0].Line() > 0 && pos[0].Filename() == file {
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		if path := fieldPath(e.Path()); path != "" {
			ve.Path = path
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{File: file, Message: err.Error()})
	}
	return out
}

// fieldPath drops the definition selectors that prefix paths in unified values,
// so "#QuotaFile.label_field" reports as "label_field".
func fieldPath(selectors []string) string {
	for len(selectors) > 0 && strings.HasPrefix(selectors[0], "#") {
		selectors = selectors[1:]
	}
	return strings.Join(selectors, ".")
}

const builtinQuotaSchema = `
// Non-negative fraction, or a percentage such as "15%".
#Ratio: (number & >=0) | (string & =~"^\\s*[0-9]+(\\.[0-9]+)?\\s*%\\s*$")

#Scalar: string | number | bool

#Target: {
	value:     #Scalar
	count?:    int & >=0
	fraction?: #Ratio
}

#Partition: {
	key?: {[string]: #Scalar | null}
	targets: [#Target, ...#Target]
}

#Rule: {
	name:    string & !=""
	type:    "lookup" | "mirror" | "starlark"
	source:  string & !=""
	target:  string & !=""
	table?:  [...{from: #Scalar, to: #Scalar}]
	script?: string

	if type == "lookup" {
		table: [_, ...]
	}
	if type == "starlark" {
		script: string & !=""
	}
}

#QuotaFile: {
	name:        string & !=""
	collection:  string & !=""
	label_field: string & !="" & !="_id"
	partition_fields?: [...(string & !="" & !="_id")]
	kind?:          "counts" | "fractions"
	allocation?:    "open" | "closed"
	tolerance?:     #Ratio
	builtin_rules?: bool
	partitions: [#Partition, ...#Partition]
	rules?: [...#Rule]
}
`
