// Package handlers implements the per-node-type action handlers and the
// dispatch envelope that wraps each action with validation, wait conditions,
// and the retry policy.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/rendis/pagerun/internal/engine"
	"github.com/rendis/pagerun/internal/expressions"
	"github.com/rendis/pagerun/pkg/schema"
)

// Handler executes one node type's action.
type Handler interface {
	// Name returns the node type this handler serves.
	Name() schema.NodeType
	// Validate checks the node's config block before any side effect.
	Validate(config json.RawMessage) error
	// Run performs the action and returns its result value, if any.
	Run(ctx context.Context, node *schema.NodeDefinition, ec *engine.ExecutionContext) (any, error)
}

// Dispatcher routes nodes to handlers inside the standard execution
// envelope: validate, wait-before, action, wait-after — the whole envelope
// wrapped by the node's retry policy.
type Dispatcher struct {
	registry *Registry
	wait     *engine.WaitHelper
	expr     *expressions.ExprEngine
	log      *slog.Logger
}

func NewDispatcher(registry *Registry, wait *engine.WaitHelper, expr *expressions.ExprEngine, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{registry: registry, wait: wait, expr: expr, log: log}
}

// Execute runs one node to an Outcome. Node-level FailSilently converts a
// failed outcome into a silent one unless the error kind always halts.
func (d *Dispatcher) Execute(ctx context.Context, node *schema.NodeDefinition, ec *engine.ExecutionContext) engine.Outcome {
	h, ok := d.registry.Get(node.Type)
	if !ok {
		return engine.Failed(schema.NewErrorf(schema.ErrCodeUnknownActionType,
			"no handler registered for node type %q", node.Type).WithNode(node.ID))
	}

	if err := h.Validate(node.Config); err != nil {
		return engine.Failed(asConfigError(err).WithNode(node.ID))
	}

	before, after := waitPhases(node)

	op := func(ctx context.Context) (any, error) {
		if before {
			if err := d.wait.Evaluate(ctx, node.Wait, ec.ActivePage()); err != nil {
				return nil, err
			}
		}
		val, err := h.Run(ctx, node, ec)
		if err != nil {
			return nil, err
		}
		if after {
			if err := d.wait.Evaluate(ctx, node.Wait, ec.ActivePage()); err != nil {
				return nil, err
			}
		}
		// Written per attempt so until-conditions can observe the latest
		// result.
		if node.OutputVar != "" {
			ec.SetData(node.OutputVar, val)
		}
		return val, nil
	}

	var cond engine.ConditionFunc
	if node.Retry != nil && node.Retry.Strategy == schema.RetryStrategyUntilCondition {
		expression := node.Retry.UntilCondition
		cond = func(ctx context.Context) (bool, error) {
			return d.expr.EvaluateBool(ctx, expression, ec.Vars())
		}
	}

	outcome := engine.ExecuteWithRetry(ctx, node.Retry, op, cond)

	if outcome.Kind == engine.OutcomeFailed && node.FailSilently && !outcome.Err.IsHaltOnly() {
		outcome = engine.SilentFailure(outcome.Err)
	}
	return outcome
}

// waitPhases resolves when the node's wait spec applies. The explicit Timing
// field wins; otherwise the legacy WaitAfterOperation flag flips the default
// before-phase to after.
func waitPhases(node *schema.NodeDefinition) (before, after bool) {
	if node.Wait == nil {
		return false, false
	}
	switch node.Wait.Timing {
	case schema.WaitTimingAfter:
		return false, true
	case schema.WaitTimingBoth:
		return true, true
	case schema.WaitTimingBefore:
		return true, false
	}
	if node.WaitAfterOperation {
		return false, true
	}
	return true, false
}

// asConfigError coerces validation failures to INVALID_CONFIGURATION.
func asConfigError(err error) *schema.FlowError {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe
	}
	return schema.NewError(schema.ErrCodeInvalidConfiguration, err.Error()).WithCause(err)
}
