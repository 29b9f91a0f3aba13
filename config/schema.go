package config

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaSet holds compiled CUE schemas keyed by widget kind.
//
// Schemas constrain resolved widget options, so validation runs after
// substitution: a schema can require concrete values that only exist once
// parameter references have been replaced.
type SchemaSet struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
}

// CompileSchemas compiles the configured CUE sources. Compilation errors
// fail construction; an empty configuration yields a set that accepts
// everything.
func CompileSchemas(cfgs []SchemaConfig) (*SchemaSet, error) {
	set := &SchemaSet{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value, len(cfgs)),
	}
	for _, cfg := range cfgs {
		if cfg.Kind == "" {
			return nil, fmt.Errorf("schema kind must not be empty")
		}
		value := set.ctx.CompileString(cfg.CUE)
		if err := value.Err(); err != nil {
			return nil, fmt.Errorf("compile schema for kind %q: %w", cfg.Kind, err)
		}
		set.schemas[cfg.Kind] = value
	}
	return set, nil
}

// Validate checks resolved widget options against the schema registered for
// the widget kind. Kinds without a schema pass unconditionally.
func (s *SchemaSet) Validate(kind string, options interface{}) error {
	if s == nil || kind == "" {
		return nil
	}
	schema, ok := s.schemas[kind]
	if !ok {
		return nil
	}
	data := s.ctx.Encode(options)
	if err := data.Err(); err != nil {
		return fmt.Errorf("encode options for kind %q: %w", kind, err)
	}
	unified := schema.Unify(data)
	if err := unified.Validate(cue.Final()); err != nil {
		return fmt.Errorf("options for kind %q: %w", kind, err)
	}
	return nil
}

// Kinds lists the widget kinds with a registered schema.
func (s *SchemaSet) Kinds() []string {
	if s == nil {
		return nil
	}
	kinds := make([]string, 0, len(s.schemas))
	for kind := range s.schemas {
		kinds = append(kinds, kind)
	}
	return kinds
}
