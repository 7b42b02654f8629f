package config

import (
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
)

// CUEParser evaluates CUE settings files against the settings schema.
type CUEParser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser(schemas *SchemaRegistry) *CUEParser {
	if schemas == nil {
		schemas = NewSchemaRegistry()
	}
	return &CUEParser{
		ctx:            schemas.Context(),
		schemaRegistry: schemas,
	}
}

// Parse evaluates sources, each a file or a directory holding one CUE
// package, unifies them and returns the concrete settings as JSON.
func (cp *CUEParser) Parse(sources []string) ([]byte, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var (
		value cue.Value
		errs  ValidationErrors
	)
	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var val cue.Value
		var loadErrs ValidationErrors
		if info.IsDir() {
			val, loadErrs = cp.loadDirectory(source)
		} else {
			val, loadErrs = cp.loadFile(source)
		}
		errs = append(errs, loadErrs...)
		if !val.Exists() {
			continue
		}
		if value.Exists() {
			value = value.Unify(val)
		} else {
			value = val
		}
	}
	if len(errs) > 0 {
		return nil, errs
	}

	return cp.export(value)
}

// ParseInline evaluates inline CUE content.
func (cp *CUEParser) ParseInline(content string) ([]byte, error) {
	val := cp.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}
	return cp.export(val)
}

// export checks val against the settings schema and renders it as JSON.
func (cp *CUEParser) export(val cue.Value) ([]byte, error) {
	unified, err := cp.schemaRegistry.Unify(SettingsSchema, val)
	if err != nil {
		return nil, err
	}
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(err)
	}

	data, err := unified.MarshalJSON()
	if err != nil {
		return nil, convertCUEErrors(err)
	}
	return data, nil
}

// loadDirectory loads a directory as a CUE package.
func (cp *CUEParser) loadDirectory(dir string) (cue.Value, ValidationErrors) {
	instances := load.Instances([]string{dir}, nil)
	if len(instances) == 0 {
		return cue.Value{}, ValidationErrors{{File: dir, Message: "no CUE files found"}}
	}

	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, convertCUEErrors(inst.Err)
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// loadFile loads a single CUE file.
func (cp *CUEParser) loadFile(path string) (cue.Value, ValidationErrors) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, ValidationErrors{{File: path, Message: fmt.Sprintf("failed to read file: %v", err)}}
	}

	val := cp.ctx.CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// convertCUEErrors flattens a CUE error into positioned validation errors.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors

	for _, e := range errors.Errors(err) {
		ve := ValidationError{Message: errors.Details(e, nil)}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		if path := e.Path(); len(path) > 0 {
			ve.Path = strings.Join(path, ".")
		}
		out = append(out, ve)
	}

	if len(out) == 0 {
		out = ValidationErrors{{Message: err.Error()}}
	}
	return out
}
