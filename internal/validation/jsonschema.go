package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/pagerun/pkg/schema"
)

// graphSchemaJSON is the JSON Schema for WorkflowGraph validation.
// Embedded as a constant to avoid filesystem dependencies.
const graphSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://pagerun.dev/schemas/graph.json",
  "type": "object",
  "required": ["nodes", "edges"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string" },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "type": {
          "type": "string",
          "enum": ["start", "navigate", "click", "fill", "evaluate", "screenshot", "frame", "download", "set_variable", "extract", "assert", "switch", "loop"]
        },
        "label": { "type": "string" },
        "config": {},
        "output_var": { "type": "string" },
        "bypass": { "type": "boolean" },
        "breakpoint": { "type": "boolean" },
        "fail_silently": { "type": "boolean" },
        "wait_after_operation": { "type": "boolean" },
        "retry": { "$ref": "#/$defs/retry" },
        "wait": { "$ref": "#/$defs/wait" }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "source": {
          "type": "string",
          "minLength": 1
        },
        "source_handle": { "type": "string" },
        "target": {
          "type": "string",
          "minLength": 1
        },
        "target_handle": { "type": "string" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["enabled"],
      "properties": {
        "enabled": { "type": "boolean" },
        "strategy": {
          "type": "string",
          "enum": ["count", "until_condition"]
        },
        "count": {
          "type": "integer",
          "minimum": 0
        },
        "until_condition": { "type": "string" },
        "delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "delay_strategy": {
          "type": "string",
          "enum": ["fixed", "exponential"]
        },
        "max_delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "fail_silently": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "wait": {
      "type": "object",
      "properties": {
        "selector": { "type": "string" },
        "selector_type": {
          "type": "string",
          "enum": ["css", "xpath"]
        },
        "selector_timeout": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "url": { "type": "string" },
        "url_timeout": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "condition": { "type": "string" },
        "condition_timeout": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "strategy": {
          "type": "string",
          "enum": ["sequential", "parallel"]
        },
        "timing": {
          "type": "string",
          "enum": ["before", "after", "both"]
        },
        "fail_silently": { "type": "boolean" },
        "default_timeout": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates workflow graphs against the embedded JSON
// Schema (Draft 2020-12). It is safe for concurrent use.
type JSONSchemaValidator struct {
	graphSchema *jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the graph schema
// pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(graphSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal graph schema: %w", err)
	}
	if err := c.AddResource("https://pagerun.dev/schemas/graph.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add graph schema resource: %w", err)
	}

	compiled, err := c.Compile("https://pagerun.dev/schemas/graph.json")
	if err != nil {
		return nil, fmt.Errorf("compile graph schema: %w", err)
	}

	return &JSONSchemaValidator{graphSchema: compiled}, nil
}

// ValidateGraph validates a WorkflowGraph against the graph JSON Schema.
func (v *JSONSchemaValidator) ValidateGraph(graph *schema.WorkflowGraph) error {
	if graph == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow graph is nil")
	}

	doc, err := toJSONValue(graph)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow graph").WithCause(err)
	}

	if err := v.graphSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError with
// per-violation messages.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
