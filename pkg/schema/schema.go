// Package schema validates cycle input payloads before any law is
// applied. Structural validation uses JSON Schema; nesting depth is
// checked separately since draft 2020-12 cannot express a depth cap.
package schema

import (
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var ErrInvalidInput = errors.New("invalid input")

const inputSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"minProperties": 1,
	"properties": {
		"request": {"type": "string", "minLength": 1},
		"expected": {},
		"payload": {}
	},
	"additionalProperties": true
}`

// Validator checks cycle inputs against the input schema and a maximum
// nesting depth.
type Validator struct {
	schema   *jsonschema.Schema
	maxDepth int
}

// NewValidator compiles the input schema. maxDepth bounds how deeply
// maps and arrays may nest; a non-positive value disables the check.
func NewValidator(maxDepth int) (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := "https://lawcycle.schemas.local/input.schema.json"
	if err := c.AddResource(schemaURL, strings.NewReader(inputSchema)); err != nil {
		return nil, fmt.Errorf("load input schema: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile input schema: %w", err)
	}
	return &Validator{schema: compiled, maxDepth: maxDepth}, nil
}

// Validate checks one input payload. Errors wrap ErrInvalidInput so
// callers can classify them as caller errors.
func (v *Validator) Validate(input map[string]any) error {
	if len(input) == 0 {
		return fmt.Errorf("%w: input must be a non-empty object", ErrInvalidInput)
	}
	if err := v.schema.Validate(toJSONValue(input)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if v.maxDepth > 0 {
		if d := depth(input); d > v.maxDepth {
			return fmt.Errorf("%w: nesting depth %d exceeds maximum %d", ErrInvalidInput, d, v.maxDepth)
		}
	}
	return nil
}

// depth measures nesting: a flat object has depth 1.
func depth(v any) int {
	switch val := v.(type) {
	case map[string]any:
		max := 0
		for _, child := range val {
			if d := depth(child); d > max {
				max = d
			}
		}
		return max + 1
	case []any:
		max := 0
		for _, child := range val {
			if d := depth(child); d > max {
				max = d
			}
		}
		return max + 1
	default:
		return 0
	}
}

// toJSONValue normalizes Go values into the shapes the schema library
// expects (notably numeric types into float64).
func toJSONValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = toJSONValue(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = toJSONValue(child)
		}
		return out
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return val
	}
}
