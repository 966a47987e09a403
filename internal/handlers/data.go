package handlers

import (
	"context"
	"encoding/json"

	"github.com/rendis/pagerun/internal/engine"
	"github.com/rendis/pagerun/internal/expressions"
	"github.com/rendis/pagerun/pkg/schema"
)

// --- set_variable ---

type SetVariableConfig struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

type SetVariableHandler struct{}

func (h *SetVariableHandler) Name() schema.NodeType { return schema.NodeTypeSetVariable }

func (h *SetVariableHandler) Validate(config json.RawMessage) error {
	var cfg SetVariableConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return schema.NewError(schema.ErrCodeInvalidConfiguration, "set_variable: invalid config").WithCause(err)
	}
	if cfg.Name == "" {
		return schema.NewError(schema.ErrCodeInvalidConfiguration, "set_variable: name is required")
	}
	return nil
}

func (h *SetVariableHandler) Run(ctx context.Context, node *schema.NodeDefinition, ec *engine.ExecutionContext) (any, error) {
	var cfg SetVariableConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return nil, schema.NewError(schema.ErrCodeInvalidConfiguration, "set_variable: invalid config").WithCause(err)
	}

	var value any
	if len(cfg.Value) > 0 {
		if err := json.Unmarshal(cfg.Value, &value); err != nil {
			return nil, schema.NewError(schema.ErrCodeInvalidConfiguration, "set_variable: invalid value").WithCause(err)
		}
	}
	// String values go through the interpolator; other types pass untouched.
	if s, ok := value.(string); ok {
		value = expressions.Interpolate(s, ec)
	}

	ec.SetData(cfg.Name, value)
	return value, nil
}

// --- extract ---

type ExtractConfig struct {
	Source string `json:"source"` // context variable holding the input
	Query  string `json:"query"`  // jq expression
}

// ExtractHandler runs a jq query over a context variable.
type ExtractHandler struct {
	jq *expressions.GoJQEngine
}

func (h *ExtractHandler) Name() schema.NodeType { return schema.NodeTypeExtract }

func (h *ExtractHandler) Validate(config json.RawMessage) error {
	var cfg ExtractConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return schema.NewError(schema.ErrCodeInvalidConfiguration, "extract: invalid config").WithCause(err)
	}
	if cfg.Source == "" {
		return schema.NewError(schema.ErrCodeInvalidConfiguration, "extract: source is required")
	}
	if cfg.Query == "" {
		return schema.NewError(schema.ErrCodeInvalidConfiguration, "extract: query is required")
	}
	return nil
}

func (h *ExtractHandler) Run(ctx context.Context, node *schema.NodeDefinition, ec *engine.ExecutionContext) (any, error) {
	var cfg ExtractConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return nil, schema.NewError(schema.ErrCodeInvalidConfiguration, "extract: invalid config").WithCause(err)
	}

	source, ok := ec.Lookup(cfg.Source)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeActionFailure,
			"extract: source variable %q is not set", cfg.Source)
	}

	// Object sources are queried directly; scalars and arrays are exposed
	// under .input.
	input, ok := source.(map[string]any)
	if !ok {
		input = map[string]any{"input": source}
	}
	return h.jq.Evaluate(ctx, cfg.Query, input)
}

// --- assert ---

type AssertConfig struct {
	Expression string `json:"expression"`
	Message    string `json:"message,omitempty"`
}

// AssertHandler evaluates an expr predicate over the variable store and
// fails the node when it is false.
type AssertHandler struct {
	expr *expressions.ExprEngine
}

func (h *AssertHandler) Name() schema.NodeType { return schema.NodeTypeAssert }

func (h *AssertHandler) Validate(config json.RawMessage) error {
	var cfg AssertConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return schema.NewError(schema.ErrCodeInvalidConfiguration, "assert: invalid config").WithCause(err)
	}
	if cfg.Expression == "" {
		return schema.NewError(schema.ErrCodeInvalidConfiguration, "assert: expression is required")
	}
	return nil
}

func (h *AssertHandler) Run(ctx context.Context, node *schema.NodeDefinition, ec *engine.ExecutionContext) (any, error) {
	var cfg AssertConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return nil, schema.NewError(schema.ErrCodeInvalidConfiguration, "assert: invalid config").WithCause(err)
	}

	ok, err := h.expr.EvaluateBool(ctx, cfg.Expression, ec.Vars())
	if err != nil {
		return nil, err
	}
	if !ok {
		msg := cfg.Message
		if msg == "" {
			msg = "assertion failed: " + cfg.Expression
		}
		return nil, schema.NewError(schema.ErrCodeActionFailure, msg).
			WithDetails(map[string]any{"expression": cfg.Expression})
	}
	return true, nil
}
