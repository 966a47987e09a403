package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rendis/pagerun/internal/driver"
	"github.com/rendis/pagerun/internal/expressions"
	"github.com/rendis/pagerun/internal/logging"
	"github.com/rendis/pagerun/pkg/schema"
)

// NodeDispatcher executes a single node's envelope (validate, waits, action,
// retry). Implemented by the handlers package.
type NodeDispatcher interface {
	Execute(ctx context.Context, node *schema.NodeDefinition, ec *ExecutionContext) Outcome
}

// errStopped is the internal sentinel for a stop honored at a node boundary.
var errStopped = errors.New("execution stopped")

// Executor walks a workflow graph node by node with an explicit program
// counter. It owns the run lifecycle (running, paused, completed, errored,
// stopped); stop and pause requests take effect only at node boundaries.
type Executor struct {
	graph      *schema.WorkflowGraph
	ec         *ExecutionContext
	dispatcher NodeDispatcher
	cel        *expressions.CELEngine
	log        *slog.Logger

	nodes map[string]*schema.NodeDefinition
	edges map[string][]schema.EdgeDefinition

	mu            sync.Mutex
	status        schema.ExecStatus
	current       string
	execErr       *schema.FlowError
	diags         driver.Diagnostics
	stopRequested bool
	stopCh        chan struct{}
	resumeCh      chan struct{}
	released      map[string]bool
}

// NewExecutor creates an Executor for one run. The graph must not be mutated
// while the run is in flight.
func NewExecutor(graph *schema.WorkflowGraph, ec *ExecutionContext, dispatcher NodeDispatcher, cel *expressions.CELEngine, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		graph:      graph,
		ec:         ec,
		dispatcher: dispatcher,
		cel:        cel,
		log:        log,
		status:     schema.ExecRunning,
		stopCh:     make(chan struct{}),
		released:   make(map[string]bool),
	}
}

// Status returns the current state and program counter.
func (x *Executor) Status() (schema.ExecStatus, string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.status, x.current
}

// Err returns the halting error after an errored run, nil otherwise.
func (x *Executor) Err() *schema.FlowError {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.execErr
}

// Diagnostics returns the failure context captured when the run errored.
func (x *Executor) Diagnostics() driver.Diagnostics {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.diags
}

// Stop requests termination. Pending work stops at the next node boundary;
// a paused run stops immediately. Stopping a terminal run is a no-op.
func (x *Executor) Stop() {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.status.IsTerminal() || x.stopRequested {
		return
	}
	x.stopRequested = true
	close(x.stopCh)
}

// Resume releases a run paused at a breakpoint.
func (x *Executor) Resume() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.status != schema.ExecPaused {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot resume from %s", x.status)
	}
	if x.resumeCh != nil {
		close(x.resumeCh)
		x.resumeCh = nil
	}
	return nil
}

// Run executes the graph to a terminal state and returns it. Start-time
// validation failures (no single start node, dangling edges) error the run
// before any node executes.
func (x *Executor) Run(ctx context.Context) (schema.ExecStatus, *schema.FlowError) {
	startID, err := x.index()
	if err != nil {
		return x.finishErrored(ctx, err)
	}

	runErr := x.runFrom(ctx, startID)
	switch {
	case runErr == nil:
		x.transition(schema.ExecCompleted)
		return schema.ExecCompleted, nil
	case errors.Is(runErr, errStopped):
		x.transition(schema.ExecStopped)
		return schema.ExecStopped, nil
	default:
		return x.finishErrored(ctx, asFlowError(runErr))
	}
}

func (x *Executor) finishErrored(ctx context.Context, err *schema.FlowError) (schema.ExecStatus, *schema.FlowError) {
	diags := x.collectDiagnostics(ctx, err)
	x.mu.Lock()
	x.execErr = err
	x.diags = diags
	x.mu.Unlock()
	x.transition(schema.ExecErrored)
	x.log.ErrorContext(ctx, "run errored",
		"node_id", err.NodeID, "code", err.Code, "error", err.Message)
	return schema.ExecErrored, err
}

// collectDiagnostics gathers best-effort failure context from the active page.
func (x *Executor) collectDiagnostics(ctx context.Context, err *schema.FlowError) driver.Diagnostics {
	var selector string
	if err.Details != nil {
		if s, ok := err.Details["selector"].(string); ok {
			selector = s
		}
	}
	return driver.Collect(ctx, x.ec.ActivePage(), selector)
}

// index builds node/edge lookups and validates the graph's shape. Returns
// the start node ID.
func (x *Executor) index() (string, *schema.FlowError) {
	x.nodes = make(map[string]*schema.NodeDefinition, len(x.graph.Nodes))
	x.edges = make(map[string][]schema.EdgeDefinition, len(x.graph.Edges))

	var startID string
	for i := range x.graph.Nodes {
		node := &x.graph.Nodes[i]
		if _, dup := x.nodes[node.ID]; dup {
			return "", schema.NewErrorf(schema.ErrCodeInvalidConfiguration,
				"duplicate node id %q", node.ID)
		}
		x.nodes[node.ID] = node
		if node.Type == schema.NodeTypeStart {
			if startID != "" {
				return "", schema.NewError(schema.ErrCodeInvalidConfiguration,
					"workflow has more than one start node")
			}
			startID = node.ID
		}
	}
	if startID == "" {
		return "", schema.NewError(schema.ErrCodeInvalidConfiguration,
			"workflow has no start node")
	}

	for _, e := range x.graph.Edges {
		if _, ok := x.nodes[e.Source]; !ok {
			return "", schema.NewErrorf(schema.ErrCodeInvalidConfiguration,
				"edge references unknown source node %q", e.Source)
		}
		if _, ok := x.nodes[e.Target]; !ok {
			return "", schema.NewErrorf(schema.ErrCodeInvalidConfiguration,
				"edge references unknown target node %q", e.Target)
		}
		x.edges[e.Source] = append(x.edges[e.Source], e)
	}
	return startID, nil
}

// runFrom executes nodes starting at nodeID until the path ends. Loop bodies
// reuse it recursively.
func (x *Executor) runFrom(ctx context.Context, nodeID string) error {
	current := nodeID
	for current != "" {
		if x.stopped(ctx) {
			return errStopped
		}

		node := x.nodes[current]
		x.setCurrent(current)

		if node.Breakpoint && !x.released[node.ID] {
			if err := x.pauseAt(ctx, node.ID); err != nil {
				return err
			}
		}

		next, err := x.step(logging.WithNodeID(ctx, current), node)
		if err != nil {
			return err
		}
		current = next
	}
	return nil
}

// step executes one node and resolves the next program counter value.
func (x *Executor) step(ctx context.Context, node *schema.NodeDefinition) (string, error) {
	if node.Bypass {
		x.log.DebugContext(ctx, "node bypassed", "node_id", node.ID)
		return x.driverTarget(node.ID), nil
	}

	switch node.Type {
	case schema.NodeTypeStart:
		return x.driverTarget(node.ID), nil
	case schema.NodeTypeSwitch:
		return x.stepSwitch(ctx, node)
	case schema.NodeTypeLoop:
		if err := x.stepLoop(ctx, node); err != nil {
			return "", err
		}
		return x.driverTarget(node.ID), nil
	}

	outcome := x.dispatcher.Execute(ctx, node, x.ec)
	switch outcome.Kind {
	case OutcomeOK:
		return x.driverTarget(node.ID), nil
	case OutcomeSilentFailure:
		ferr := outcome.Err
		if ferr.NodeID == "" {
			ferr = ferr.WithNode(node.ID)
		}
		x.ec.RecordFailure(node.ID, ferr)
		x.log.WarnContext(ctx, "node failed silently",
			"node_id", node.ID, "code", ferr.Code, "error", ferr.Message)
		return x.driverTarget(node.ID), nil
	default:
		ferr := outcome.Err
		if ferr.NodeID == "" {
			ferr = ferr.WithNode(node.ID)
		}
		return "", ferr
	}
}

// stepSwitch evaluates the branch expression and routes along the edge whose
// source handle equals the result, falling back to the default handle.
func (x *Executor) stepSwitch(ctx context.Context, node *schema.NodeDefinition) (string, error) {
	var cfg schema.SwitchConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil || cfg.Expression == "" {
		return "", schema.NewError(schema.ErrCodeInvalidConfiguration,
			"switch node requires an expression").WithNode(node.ID).WithCause(err)
	}

	out, err := x.cel.Evaluate(ctx, cfg.Expression, map[string]any{
		"vars": x.ec.Vars(),
		"loop": x.loopScope(),
	})
	if err != nil {
		return "", asFlowError(err).WithNode(node.ID)
	}

	branch := fmt.Sprintf("%v", out)
	var fallback string
	for _, e := range x.edges[node.ID] {
		if e.SourceHandle == branch {
			return e.Target, nil
		}
		if e.SourceHandle == schema.HandleDefault {
			fallback = e.Target
		}
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", schema.NewErrorf(schema.ErrCodeInvalidConfiguration,
		"switch branch %q has no matching edge and no default", branch).
		WithNode(node.ID).
		WithDetails(map[string]any{"branch": branch})
}

// stepLoop runs the body subgraph once per element of the configured array
// variable, in array order.
func (x *Executor) stepLoop(ctx context.Context, node *schema.NodeDefinition) error {
	var cfg schema.LoopConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil || cfg.ArrayVar == "" {
		return schema.NewError(schema.ErrCodeInvalidConfiguration,
			"loop node requires array_var").WithNode(node.ID).WithCause(err)
	}

	itemVar := cfg.ItemVar
	if itemVar == "" {
		itemVar = "loop.item"
	}
	indexVar := cfg.IndexVar
	if indexVar == "" {
		indexVar = "loop.index"
	}

	raw, ok := x.ec.Lookup(cfg.ArrayVar)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeInvalidConfiguration,
			"loop array variable %q is not set", cfg.ArrayVar).WithNode(node.ID)
	}
	arr, ok := raw.([]any)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeInvalidConfiguration,
			"loop array variable %q is not an array (got %T)", cfg.ArrayVar, raw).
			WithNode(node.ID)
	}

	var bodyEntry string
	for _, e := range x.edges[node.ID] {
		if e.SourceHandle == schema.HandleBody {
			bodyEntry = e.Target
			break
		}
	}
	if bodyEntry == "" {
		return schema.NewError(schema.ErrCodeInvalidConfiguration,
			"loop node has no body edge").WithNode(node.ID)
	}

	defer func() {
		x.ec.DeleteData(itemVar)
		x.ec.DeleteData(indexVar)
	}()

	for i, item := range arr {
		x.ec.SetData(itemVar, item)
		x.ec.SetData(indexVar, i)
		if err := x.runFrom(ctx, bodyEntry); err != nil {
			return err
		}
	}
	return nil
}

// loopScope builds the CEL loop activation from the well-known loop keys.
func (x *Executor) loopScope() map[string]any {
	scope := map[string]any{}
	if item, ok := x.ec.GetData("loop.item"); ok {
		scope["item"] = item
	}
	if idx, ok := x.ec.GetData("loop.index"); ok {
		scope["index"] = idx
	}
	return scope
}

// driverTarget resolves the single plain control-flow edge out of a node.
// Empty means the path ends here.
func (x *Executor) driverTarget(nodeID string) string {
	for _, e := range x.edges[nodeID] {
		if e.SourceHandle == "" || e.SourceHandle == schema.HandleDriver {
			return e.Target
		}
	}
	return ""
}

func (x *Executor) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.stopRequested
}

func (x *Executor) setCurrent(nodeID string) {
	x.mu.Lock()
	x.current = nodeID
	x.mu.Unlock()
}

// pauseAt blocks at a breakpoint until Resume or Stop.
func (x *Executor) pauseAt(ctx context.Context, nodeID string) error {
	x.mu.Lock()
	if x.stopRequested {
		x.mu.Unlock()
		return errStopped
	}
	if err := x.transitionLocked(schema.ExecPaused); err != nil {
		x.mu.Unlock()
		return err
	}
	resume := make(chan struct{})
	x.resumeCh = resume
	x.mu.Unlock()

	x.log.InfoContext(ctx, "paused at breakpoint", "node_id", nodeID)

	select {
	case <-resume:
		x.transition(schema.ExecRunning)
		x.mu.Lock()
		x.released[nodeID] = true
		x.mu.Unlock()
		return nil
	case <-x.stopCh:
		return errStopped
	case <-ctx.Done():
		return errStopped
	}
}

func (x *Executor) transition(to schema.ExecStatus) {
	x.mu.Lock()
	defer x.mu.Unlock()
	_ = x.transitionLocked(to)
}

func (x *Executor) transitionLocked(to schema.ExecStatus) *schema.FlowError {
	if !isValidExecTransition(x.status, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", x.status, to)
	}
	x.status = to
	return nil
}
