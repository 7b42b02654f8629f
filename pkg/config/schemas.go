package config

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SettingsSchema is the name of the built-in settings schema.
const SettingsSchema = "settings"

// SchemaRegistry manages CUE schemas for validation. A schema named
// "settings" is the definition #Settings of its source.
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

	if err := sr.RegisterSchema(SettingsSchema, builtinSettingsSchema); err != nil {
		panic(err)
	}

	return sr
}

// Context returns the CUE context schemas are compiled in. Values unified
// with a schema must come from the same context.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// RegisterSchema compiles schema and registers its definition for name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	if name == "" {
		return fmt.Errorf("schema name is required")
	}

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(definitionName(name)))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, definitionName(name))
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = def
	return nil
}

func definitionName(name string) string {
	return "#" + strings.ToUpper(name[:1]) + name[1:]
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify returns val constrained by the named schema.
func (sr *SchemaRegistry) Unify(name string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}
	return schema.Unify(val), nil
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified, err := sr.Unify(schemaName, dataVal)
	if err != nil {
		return err
	}
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err)
	}

	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinSettingsSchema = `
#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Port: int & >0 & <65536

#Settings: {
	data_dir?:                  string
	database?:                  string
	env?:                       string & =~"^[a-zA-Z0-9]+$"
	user_id?:                   string
	crypto_key_ttl?:            #Duration
	repair_on_decrypt_failure?: bool

	aws?: {
		region?:                 string & =~"^[a-z]{2}(-[a-z]+)+-[0-9]+$"
		ami?:                    "" | =~"^ami-[0-9a-f]+$"
		instance_type?:          string & =~"^[a-z0-9]+\\.[a-z0-9]+$"
		server_tag?:             string
		ingress_cidr?:           string
		waiter_timeout?:         #Duration
		allowed_regions?:        [...string]
		allowed_instance_types?: [...string]
	}

	ssh?: {
		user?:            string
		port?:            #Port
		connect_timeout?: #Duration
		command_timeout?: #Duration
	}

	key_manager?: {
		binary?: string
	}

	key_vault?: {
		image?:    string
		version?:  string
		port?:     #Port
		networks?: [...string]
	}

	api?: {
		base_url?:    string & =~"^https?://"
		retries?:     int & >=0 & <=10
		retry_delay?: #Duration
		timeout?:     #Duration
	}

	policy?: {
		enabled?: bool
		dir?:     string
		watch?:   bool
	}

	telemetry?: {...}
}
`
