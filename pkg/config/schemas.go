package config

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema("config", builtinConfigSchema); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema registers a CUE schema with the given name. The schema must
// define #Schema.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath("#Schema"))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define #Schema", name)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema and returns one
// ValidationError per CUE error.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName string, data interface{}) []ValidationError {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return []ValidationError{{Message: fmt.Sprintf("schema %s not found", schemaName)}}
	}

	// cue.Context is not safe for concurrent use.
	sr.mu.Lock()
	defer sr.mu.Unlock()

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return []ValidationError{{Message: fmt.Sprintf("failed to encode data: %v", err)}}
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err)
	}
	return nil
}

func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		out = append(out, ValidationError{
			Field:   strings.Join(e.Path(), "."),
			Message: fmt.Sprintf(format, args...),
		})
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}

// builtinConfigSchema constrains values the struct tags cannot express.
// Durations are encoded as nanoseconds.
const builtinConfigSchema = `
#Duration: int & >=0

#Cluster: {
	initiator_group_pattern: string & !=""
	performance_policy?:     string
	datastore_cluster?:      string
}

#Schema: {
	array: {
		endpoint:             =~"^https?://"
		username:             string & !=""
		password_env:         =~"^[A-Z_][A-Z0-9_]*$"
		insecure_skip_verify: bool
		timeout:              #Duration
		retries:              int & >=0 & <=10
	}
	vcenter: {
		endpoint:     string & !=""
		username:     string & !=""
		password_env: =~"^[A-Z_][A-Z0-9_]*$"
		insecure:     bool
	}
	clusters: [string]: #Cluster
	defaults: {
		snapshot_max_age:           #Duration
		low_space_percent:          number & >=0 & <=100
		empty_large_min:            string
		expected_path_policy:       =~"^(VMW_PSP_[A-Z]+)?$"
		array_vendor:               string
		visibility_attempts:        int & >=0
		visibility_interval:        #Duration
		capacity_tolerance_percent: number & >=0 & <=100
		capacity_tolerance_floor:   string
	}
	naming: {
		datastore: string
		clone:     string
	}
	logging: {
		level:       "trace" | "debug" | "info" | "warn" | "error"
		format:      "console" | "json"
		output:      string & !=""
		time_format: "" | "rfc3339" | "unix" | "unixms" | "unixmicro"
	}
	metrics: {
		enabled:        bool
		textfile_path:  string
		listen_address: string
		namespace:      =~"^[a-zA-Z_][a-zA-Z0-9_]*$"
	}
	tracing: {
		enabled:       bool
		exporter:      "stdout" | "otlp" | "none"
		endpoint:      string
		sampling_rate: number & >=0 & <=1
		insecure:      bool
	}
	journal: {
		enabled: bool
		path:    string
	}
	policy: {
		paths:           [...string] | null
		disabled:        [...string] | null
		max_name_length: int & >=0
		max_size:        string
	}
}
`
