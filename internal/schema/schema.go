// Package schema compiles and evaluates JSON Schemas for generative
// output validation and tool input contracts.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidationError reports output that failed schema validation, with
// the individual violations flattened for the response body.
type ValidationError struct {
	Violations []string
	Err        error
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 0 {
		return "schema validation failed"
	}
	return "schema validation failed: " + strings.Join(e.Violations, "; ")
}

func (e *ValidationError) Unwrap() error { return e.Err }

// CompileError reports a schema that could not be compiled or that no
// value can ever satisfy.
type CompileError struct {
	Reason string
	Err    error
}

func (e *CompileError) Error() string {
	return "invalid output schema: " + e.Reason
}

func (e *CompileError) Unwrap() error { return e.Err }

// Schema is a compiled, reusable JSON Schema.
type Schema struct {
	compiled *jsonschema.Schema
	raw      json.RawMessage
}

// Compile parses and compiles raw. It also rejects schemas that are
// internally contradictory, so the caller can fail before spending a
// model call on output that can never validate.
func Compile(raw json.RawMessage) (*Schema, error) {
	if len(raw) == 0 {
		return nil, &CompileError{Reason: "empty schema"}
	}
	if err := checkSatisfiable(raw); err != nil {
		return nil, err
	}
	compiled, err := jsonschema.CompileString("schema.json", string(raw))
	if err != nil {
		return nil, &CompileError{Reason: err.Error(), Err: err}
	}
	return &Schema{compiled: compiled, raw: raw}, nil
}

// Raw returns the source schema document.
func (s *Schema) Raw() json.RawMessage { return s.raw }

// Validate checks data (a JSON document) against the schema.
func (s *Schema) Validate(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var value interface{}
	if err := decoder.Decode(&value); err != nil {
		return &ValidationError{
			Violations: []string{fmt.Sprintf("output is not valid JSON: %v", err)},
			Err:        err,
		}
	}
	return s.ValidateValue(value)
}

// ValidateValue checks an already-decoded value against the schema.
func (s *Schema) ValidateValue(value interface{}) error {
	if err := s.compiled.Validate(normalizeNumbers(value)); err != nil {
		return &ValidationError{
			Violations: flattenViolations(err),
			Err:        err,
		}
	}
	return nil
}

// normalizeNumbers converts json.Number values to float64, which the
// validator expects for numeric keywords.
func normalizeNumbers(value interface{}) interface{} {
	switch v := value.(type) {
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	case map[string]interface{}:
		for k, elem := range v {
			v[k] = normalizeNumbers(elem)
		}
		return v
	case []interface{}:
		for i, elem := range v {
			v[i] = normalizeNumbers(elem)
		}
		return v
	default:
		return value
	}
}

func flattenViolations(err error) []string {
	validationErr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	var out []string
	var walk func(*jsonschema.ValidationError)
	walk = func(ve *jsonschema.ValidationError) {
		if len(ve.Causes) == 0 {
			loc := ve.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, fmt.Sprintf("%s: %s", loc, ve.Message))
			return
		}
		for _, cause := range ve.Causes {
			walk(cause)
		}
	}
	walk(validationErr)
	return out
}

// checkSatisfiable walks the schema document looking for constraint
// pairs that no value can satisfy. The check is shallow; it catches the
// contradictions worth failing fast on.
func checkSatisfiable(raw json.RawMessage) error {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &CompileError{Reason: "schema is not valid JSON", Err: err}
	}
	return walkSatisfiable(doc, "")
}

func walkSatisfiable(node interface{}, path string) error {
	obj, ok := node.(map[string]interface{})
	if !ok {
		return nil
	}

	if min, max, ok := numberPair(obj, "minimum", "maximum"); ok && min > max {
		return contradiction(path, fmt.Sprintf("minimum (%v) exceeds maximum (%v)", min, max))
	}
	if min, max, ok := numberPair(obj, "exclusiveMinimum", "exclusiveMaximum"); ok && min >= max {
		return contradiction(path, fmt.Sprintf("exclusiveMinimum (%v) is not below exclusiveMaximum (%v)", min, max))
	}
	if min, max, ok := numberPair(obj, "minLength", "maxLength"); ok && min > max {
		return contradiction(path, fmt.Sprintf("minLength (%v) exceeds maxLength (%v)", min, max))
	}
	if min, max, ok := numberPair(obj, "minItems", "maxItems"); ok && min > max {
		return contradiction(path, fmt.Sprintf("minItems (%v) exceeds maxItems (%v)", min, max))
	}
	if min, max, ok := numberPair(obj, "minProperties", "maxProperties"); ok && min > max {
		return contradiction(path, fmt.Sprintf("minProperties (%v) exceeds maxProperties (%v)", min, max))
	}
	if enum, ok := obj["enum"].([]interface{}); ok && len(enum) == 0 {
		return contradiction(path, "enum is empty")
	}

	for key, child := range obj {
		childPath := path + "/" + key
		switch v := child.(type) {
		case map[string]interface{}:
			if err := walkSatisfiable(v, childPath); err != nil {
				return err
			}
		case []interface{}:
			for i, elem := range v {
				if err := walkSatisfiable(elem, fmt.Sprintf("%s/%d", childPath, i)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func numberPair(obj map[string]interface{}, lowKey, highKey string) (float64, float64, bool) {
	low, okLow := obj[lowKey].(float64)
	high, okHigh := obj[highKey].(float64)
	return low, high, okLow && okHigh
}

func contradiction(path, detail string) error {
	if path == "" {
		path = "/"
	}
	return &CompileError{Reason: fmt.Sprintf("unsatisfiable constraint at %s: %s", path, detail)}
}
