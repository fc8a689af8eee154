package util

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-json-experiment/json"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidationError represents parameter validation errors with detailed information.
type ValidationError struct {
	Field   string `json:"field"`   // Field that failed validation
	Value   any    `json:"value"`   // Value that was provided
	Message string `json:"message"` // Human-readable error message
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidateParameters validates parameters against a JSON schema. The schema
// is compiled once per distinct document and cached.
func ValidateParameters(params map[string]any, schema map[string]any) error {
	if params == nil {
		params = map[string]any{}
	}

	return ValidateValue(params, schema)
}

// ValidateValue validates an arbitrary decoded JSON value against schema.
// Values are normalized through a JSON round trip first so Go numeric types
// and structs validate like their wire form.
func ValidateValue(value any, schema map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	compiled, err := CompileSchema(schema)
	if err != nil {
		return err
	}

	doc, err := normalize(value)
	if err != nil {
		return &ValidationError{Field: "$", Value: value, Message: err.Error()}
	}

	if err := compiled.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return leafError(verr, value)
		}

		return &ValidationError{Field: "$", Value: value, Message: err.Error()}
	}

	return nil
}

var schemaCache sync.Map // canonical JSON -> *jsonschema.Schema

// CompileSchema compiles a draft 2020-12 JSON schema given as a decoded map.
func CompileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema, json.Deterministic(true))
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}

	key := string(raw)
	if cached, ok := schemaCache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}

	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	schemaCache.Store(key, compiled)

	return compiled, nil
}

func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}

	return doc, nil
}

// leafError reduces a validation error tree to its first, most specific cause.
func leafError(verr *jsonschema.ValidationError, value any) *ValidationError {
	leaf := verr
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}

	field := strings.ReplaceAll(strings.Trim(leaf.InstanceLocation, "/"), "/", ".")

	if missing, ok := strings.CutPrefix(leaf.Message, "missing properties: "); ok {
		name := strings.Trim(strings.SplitN(missing, ",", 2)[0], " '")
		if field == "" {
			field = name
		} else {
			field = field + "." + name
		}

		return &ValidationError{Field: field, Message: "required field is missing"}
	}

	if field == "" {
		field = "$"
	}

	return &ValidationError{Field: field, Value: value, Message: leaf.Message}
}
