// Package expressions provides the interpolation and expression-evaluation
// layer of the execution core: `${...}` template resolution over the run's
// variable store, CEL for switch routing, expr for retry conditions and
// assertions, and gojq for data extraction.
package expressions

import "context"

// Engine evaluates an expression against a data environment.
type Engine interface {
	// Name returns the engine identifier (e.g. "cel", "expr", "jq").
	Name() string
	// Evaluate compiles (with caching) and runs the expression.
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
