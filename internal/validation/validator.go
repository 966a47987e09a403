// Package validation checks workflow graphs before execution with a
// three-stage pipeline: structural (JSON Schema), semantic (node and edge
// wiring), and flow (cycles, reachability).
package validation

import "github.com/rendis/pagerun/pkg/schema"

// GraphValidator orchestrates the validation pipeline.
type GraphValidator struct {
	jsonSchema *JSONSchemaValidator
}

// NewGraphValidator creates a GraphValidator with the structural schema
// pre-compiled.
func NewGraphValidator() (*GraphValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &GraphValidator{jsonSchema: jsv}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and flow stages are skipped.
func (gv *GraphValidator) Validate(graph *schema.WorkflowGraph) *schema.ValidationResult {
	if graph == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow graph is nil")
		return r
	}

	// Stage 1: Structural (JSON Schema).
	result := validateStructural(gv.jsonSchema, graph)
	if !result.Valid() {
		return result
	}

	// Stage 2: Semantic.
	result.Merge(validateSemantic(graph))

	// Stage 3: Flow (skip if semantic errors, the graph may be incoherent).
	if result.Valid() {
		result.Merge(validateFlow(graph))
	}

	return result
}

// ValidateGraph runs the pipeline and folds the result into an error.
func (gv *GraphValidator) ValidateGraph(graph *schema.WorkflowGraph) error {
	return gv.Validate(graph).ToError()
}

// validateStructural wraps JSONSchemaValidator.ValidateGraph, converting its
// error output into a ValidationResult.
func validateStructural(v *JSONSchemaValidator, graph *schema.WorkflowGraph) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateGraph(graph)
	if err == nil {
		return result
	}

	flowErr, ok := err.(*schema.FlowError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if flowErr.Details != nil {
		if violations, ok := flowErr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, flowErr.Message)
	return result
}
