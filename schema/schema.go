// Package schema wraps JSON Schema compilation and validation.
//
// Task specs carry input/output schemas as raw JSON Schema documents;
// this package compiles them once at registration time and validates
// decoded JSON values against them.
package schema

import (
	"bytes"
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/fieldflow/fieldflow/errors"
)

// Schema is a compiled JSON Schema ready for validation.
type Schema struct {
	compiled *jsonschema.Schema
}

// Compile compiles a raw JSON Schema document. Returns a configuration
// error if the document is not a valid schema; task specs carrying a
// broken schema must fail at startup, never at message time.
func Compile(raw json.RawMessage) (*Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(errors.ErrConfiguration, err.Error())
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, errors.Wrap(errors.ErrConfiguration, err.Error())
	}

	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, errors.Wrap(errors.ErrConfiguration, err.Error())
	}

	return &Schema{compiled: compiled}, nil
}

// MustCompile is Compile that panics on error. For schemas declared in
// code, where a broken schema is a programming error.
func MustCompile(raw json.RawMessage) *Schema {
	s, err := Compile(raw)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks a decoded JSON value (as produced by json.Unmarshal
// into any) against the schema. Returns a validation error listing the
// first failure.
func (s *Schema) Validate(value any) error {
	if err := s.compiled.Validate(value); err != nil {
		return errors.Wrap(errors.ErrValidation, err.Error())
	}
	return nil
}

// ValidateRaw decodes raw JSON and validates it. A decode failure is a
// validation error too: the payload cannot possibly conform.
func (s *Schema) ValidateRaw(raw json.RawMessage) error {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return errors.Wrap(errors.ErrValidation, err.Error())
	}
	return s.Validate(value)
}
