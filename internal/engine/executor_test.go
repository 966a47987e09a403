package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pagerun/internal/expressions"
	"github.com/rendis/pagerun/pkg/schema"
)

// scriptedDispatcher returns per-node outcomes and records execution order.
type scriptedDispatcher struct {
	mu       sync.Mutex
	outcomes map[string]Outcome // default OK(nil)
	executed []string
	block    map[string]chan struct{} // nodes that block until released
}

func newScriptedDispatcher() *scriptedDispatcher {
	return &scriptedDispatcher{
		outcomes: map[string]Outcome{},
		block:    map[string]chan struct{}{},
	}
}

func (d *scriptedDispatcher) Execute(ctx context.Context, node *schema.NodeDefinition, ec *ExecutionContext) Outcome {
	d.mu.Lock()
	d.executed = append(d.executed, node.ID)
	ch := d.block[node.ID]
	out, ok := d.outcomes[node.ID]
	d.mu.Unlock()

	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
		}
	}
	if !ok {
		return OK(nil)
	}
	return out
}

func (d *scriptedDispatcher) executionOrder() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.executed...)
}

func mustCEL(t *testing.T) *expressions.CELEngine {
	t.Helper()
	eng, err := expressions.NewCELEngine()
	require.NoError(t, err)
	return eng
}

func linearGraph(nodeIDs ...string) *schema.WorkflowGraph {
	g := &schema.WorkflowGraph{ID: "wf"}
	g.Nodes = append(g.Nodes, schema.NodeDefinition{ID: "start", Type: schema.NodeTypeStart})
	prev := "start"
	for _, id := range nodeIDs {
		g.Nodes = append(g.Nodes, schema.NodeDefinition{ID: id, Type: schema.NodeTypeClick})
		g.Edges = append(g.Edges, schema.EdgeDefinition{Source: prev, Target: id})
		prev = id
	}
	return g
}

func TestExecutor_LinearRunCompletes(t *testing.T) {
	graph := linearGraph("a", "b", "c")
	disp := newScriptedDispatcher()
	ec := NewExecutionContext("r1", nil, nil)
	x := NewExecutor(graph, ec, disp, mustCEL(t), nil)

	status, err := x.Run(context.Background())
	require.Nil(t, err)
	assert.Equal(t, schema.ExecCompleted, status)
	assert.Equal(t, []string{"a", "b", "c"}, disp.executionOrder())
}

func TestExecutor_NoStartNodeErrors(t *testing.T) {
	graph := &schema.WorkflowGraph{
		Nodes: []schema.NodeDefinition{{ID: "a", Type: schema.NodeTypeClick}},
	}
	x := NewExecutor(graph, NewExecutionContext("r1", nil, nil), newScriptedDispatcher(), mustCEL(t), nil)

	status, err := x.Run(context.Background())
	assert.Equal(t, schema.ExecErrored, status)
	require.NotNil(t, err)
	assert.Equal(t, schema.ErrCodeInvalidConfiguration, err.Code)
}

func TestExecutor_DanglingEdgeErrorsBeforeRun(t *testing.T) {
	graph := linearGraph("a")
	graph.Edges = append(graph.Edges, schema.EdgeDefinition{Source: "a", Target: "ghost"})
	disp := newScriptedDispatcher()
	x := NewExecutor(graph, NewExecutionContext("r1", nil, nil), disp, mustCEL(t), nil)

	status, err := x.Run(context.Background())
	assert.Equal(t, schema.ExecErrored, status)
	require.NotNil(t, err)
	assert.Empty(t, disp.executionOrder(), "no node may execute on a malformed graph")
}

func TestExecutor_BypassSkipsExecution(t *testing.T) {
	graph := linearGraph("a", "b")
	graph.Nodes[1].Bypass = true // "a"
	disp := newScriptedDispatcher()
	x := NewExecutor(graph, NewExecutionContext("r1", nil, nil), disp, mustCEL(t), nil)

	status, err := x.Run(context.Background())
	require.Nil(t, err)
	assert.Equal(t, schema.ExecCompleted, status)
	assert.Equal(t, []string{"b"}, disp.executionOrder())
}

func TestExecutor_FailedNodeErrorsRun(t *testing.T) {
	graph := linearGraph("a", "b")
	disp := newScriptedDispatcher()
	disp.outcomes["a"] = Failed(schema.NewError(schema.ErrCodeActionFailure, "no such element"))
	x := NewExecutor(graph, NewExecutionContext("r1", nil, nil), disp, mustCEL(t), nil)

	status, err := x.Run(context.Background())
	assert.Equal(t, schema.ExecErrored, status)
	require.NotNil(t, err)
	assert.Equal(t, "a", err.NodeID)
	assert.Equal(t, []string{"a"}, disp.executionOrder(), "b must not run")
}

func TestExecutor_SilentFailureRecordsAndAdvances(t *testing.T) {
	graph := linearGraph("a", "b")
	disp := newScriptedDispatcher()
	disp.outcomes["a"] = SilentFailure(schema.NewError(schema.ErrCodeRetryExhausted, "gave up"))
	ec := NewExecutionContext("r1", nil, nil)
	x := NewExecutor(graph, ec, disp, mustCEL(t), nil)

	status, err := x.Run(context.Background())
	require.Nil(t, err)
	assert.Equal(t, schema.ExecCompleted, status)
	assert.Equal(t, []string{"a", "b"}, disp.executionOrder())

	failures := ec.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, schema.ErrCodeRetryExhausted, failures["a"].Code)
}

func TestExecutor_SwitchRoutesOnBranch(t *testing.T) {
	cfg, _ := json.Marshal(schema.SwitchConfig{Expression: `vars.tier`})
	graph := &schema.WorkflowGraph{
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeStart},
			{ID: "sw", Type: schema.NodeTypeSwitch, Config: cfg},
			{ID: "gold", Type: schema.NodeTypeClick},
			{ID: "other", Type: schema.NodeTypeClick},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "start", Target: "sw"},
			{Source: "sw", SourceHandle: "gold", Target: "gold"},
			{Source: "sw", SourceHandle: schema.HandleDefault, Target: "other"},
		},
	}
	disp := newScriptedDispatcher()
	ec := NewExecutionContext("r1", nil, map[string]any{"tier": "gold"})
	x := NewExecutor(graph, ec, disp, mustCEL(t), nil)

	status, err := x.Run(context.Background())
	require.Nil(t, err)
	assert.Equal(t, schema.ExecCompleted, status)
	assert.Equal(t, []string{"gold"}, disp.executionOrder())
}

func TestExecutor_SwitchFallsBackToDefault(t *testing.T) {
	cfg, _ := json.Marshal(schema.SwitchConfig{Expression: `vars.tier`})
	graph := &schema.WorkflowGraph{
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeStart},
			{ID: "sw", Type: schema.NodeTypeSwitch, Config: cfg},
			{ID: "gold", Type: schema.NodeTypeClick},
			{ID: "other", Type: schema.NodeTypeClick},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "start", Target: "sw"},
			{Source: "sw", SourceHandle: "gold", Target: "gold"},
			{Source: "sw", SourceHandle: schema.HandleDefault, Target: "other"},
		},
	}
	disp := newScriptedDispatcher()
	ec := NewExecutionContext("r1", nil, map[string]any{"tier": "bronze"})
	x := NewExecutor(graph, ec, disp, mustCEL(t), nil)

	status, err := x.Run(context.Background())
	require.Nil(t, err)
	assert.Equal(t, schema.ExecCompleted, status)
	assert.Equal(t, []string{"other"}, disp.executionOrder())
}

func TestExecutor_SwitchWithoutMatchOrDefaultErrors(t *testing.T) {
	cfg, _ := json.Marshal(schema.SwitchConfig{Expression: `"nomatch"`})
	graph := &schema.WorkflowGraph{
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeStart},
			{ID: "sw", Type: schema.NodeTypeSwitch, Config: cfg},
			{ID: "a", Type: schema.NodeTypeClick},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "start", Target: "sw"},
			{Source: "sw", SourceHandle: "a", Target: "a"},
		},
	}
	x := NewExecutor(graph, NewExecutionContext("r1", nil, nil), newScriptedDispatcher(), mustCEL(t), nil)

	status, err := x.Run(context.Background())
	assert.Equal(t, schema.ExecErrored, status)
	require.NotNil(t, err)
	assert.Equal(t, schema.ErrCodeInvalidConfiguration, err.Code)
}

func TestExecutor_LoopRunsBodyPerElement(t *testing.T) {
	cfg, _ := json.Marshal(schema.LoopConfig{ArrayVar: "items"})
	graph := &schema.WorkflowGraph{
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeStart},
			{ID: "loop", Type: schema.NodeTypeLoop, Config: cfg},
			{ID: "body", Type: schema.NodeTypeClick},
			{ID: "after", Type: schema.NodeTypeClick},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "start", Target: "loop"},
			{Source: "loop", SourceHandle: schema.HandleBody, Target: "body"},
			{Source: "loop", SourceHandle: schema.HandleDriver, Target: "after"},
		},
	}
	disp := newScriptedDispatcher()
	ec := NewExecutionContext("r1", nil, map[string]any{"items": []any{"x", "y", "z"}})
	x := NewExecutor(graph, ec, disp, mustCEL(t), nil)

	status, err := x.Run(context.Background())
	require.Nil(t, err)
	assert.Equal(t, schema.ExecCompleted, status)
	assert.Equal(t, []string{"body", "body", "body", "after"}, disp.executionOrder())

	// Loop variables must be cleared afterwards.
	_, ok := ec.GetData("loop.item")
	assert.False(t, ok)
	_, ok = ec.GetData("loop.index")
	assert.False(t, ok)
}

func TestExecutor_LoopSetsIterationVariables(t *testing.T) {
	cfg, _ := json.Marshal(schema.LoopConfig{ArrayVar: "items"})
	graph := &schema.WorkflowGraph{
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeStart},
			{ID: "loop", Type: schema.NodeTypeLoop, Config: cfg},
			{ID: "body", Type: schema.NodeTypeClick},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "start", Target: "loop"},
			{Source: "loop", SourceHandle: schema.HandleBody, Target: "body"},
		},
	}

	type iteration struct {
		item any
		idx  any
	}
	var seen []iteration
	disp := newScriptedDispatcher()
	ec := NewExecutionContext("r1", nil, map[string]any{"items": []any{"a", "b"}})

	// Capture loop variables at body execution time via a recording outcome.
	recorder := &recordingDispatcher{inner: disp, onExecute: func(node *schema.NodeDefinition) {
		item, _ := ec.GetData("loop.item")
		idx, _ := ec.GetData("loop.index")
		seen = append(seen, iteration{item, idx})
	}}
	x := NewExecutor(graph, ec, recorder, mustCEL(t), nil)

	status, err := x.Run(context.Background())
	require.Nil(t, err)
	assert.Equal(t, schema.ExecCompleted, status)
	require.Len(t, seen, 2)
	assert.Equal(t, iteration{"a", 0}, seen[0])
	assert.Equal(t, iteration{"b", 1}, seen[1])
}

type recordingDispatcher struct {
	inner     NodeDispatcher
	onExecute func(node *schema.NodeDefinition)
}

func (d *recordingDispatcher) Execute(ctx context.Context, node *schema.NodeDefinition, ec *ExecutionContext) Outcome {
	d.onExecute(node)
	return d.inner.Execute(ctx, node, ec)
}

func TestExecutor_LoopMissingArrayErrors(t *testing.T) {
	cfg, _ := json.Marshal(schema.LoopConfig{ArrayVar: "absent"})
	graph := &schema.WorkflowGraph{
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeStart},
			{ID: "loop", Type: schema.NodeTypeLoop, Config: cfg},
			{ID: "body", Type: schema.NodeTypeClick},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "start", Target: "loop"},
			{Source: "loop", SourceHandle: schema.HandleBody, Target: "body"},
		},
	}
	x := NewExecutor(graph, NewExecutionContext("r1", nil, nil), newScriptedDispatcher(), mustCEL(t), nil)

	status, err := x.Run(context.Background())
	assert.Equal(t, schema.ExecErrored, status)
	require.NotNil(t, err)
	assert.Equal(t, schema.ErrCodeInvalidConfiguration, err.Code)
}

func TestExecutor_BreakpointPausesAndResumes(t *testing.T) {
	graph := linearGraph("a", "b")
	graph.Nodes[2].Breakpoint = true // "b"
	disp := newScriptedDispatcher()
	x := NewExecutor(graph, NewExecutionContext("r1", nil, nil), disp, mustCEL(t), nil)

	done := make(chan schema.ExecStatus, 1)
	go func() {
		status, _ := x.Run(context.Background())
		done <- status
	}()

	require.Eventually(t, func() bool {
		status, current := x.Status()
		return status == schema.ExecPaused && current == "b"
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"a"}, disp.executionOrder(), "b must not run while paused")

	require.NoError(t, x.Resume())
	assert.Equal(t, schema.ExecCompleted, <-done)
	assert.Equal(t, []string{"a", "b"}, disp.executionOrder())
}

func TestExecutor_ResumeWhenNotPaused(t *testing.T) {
	graph := linearGraph("a")
	x := NewExecutor(graph, NewExecutionContext("r1", nil, nil), newScriptedDispatcher(), mustCEL(t), nil)
	err := x.Resume()
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidTransition, err.(*schema.FlowError).Code)
}

func TestExecutor_StopWhilePaused(t *testing.T) {
	graph := linearGraph("a")
	graph.Nodes[1].Breakpoint = true
	x := NewExecutor(graph, NewExecutionContext("r1", nil, nil), newScriptedDispatcher(), mustCEL(t), nil)

	done := make(chan schema.ExecStatus, 1)
	go func() {
		status, _ := x.Run(context.Background())
		done <- status
	}()

	require.Eventually(t, func() bool {
		status, _ := x.Status()
		return status == schema.ExecPaused
	}, time.Second, 5*time.Millisecond)

	x.Stop()
	assert.Equal(t, schema.ExecStopped, <-done)
}

func TestExecutor_StopHonoredAtNodeBoundary(t *testing.T) {
	graph := linearGraph("a", "b")
	disp := newScriptedDispatcher()
	release := make(chan struct{})
	disp.block["a"] = release
	x := NewExecutor(graph, NewExecutionContext("r1", nil, nil), disp, mustCEL(t), nil)

	done := make(chan schema.ExecStatus, 1)
	go func() {
		status, _ := x.Run(context.Background())
		done <- status
	}()

	require.Eventually(t, func() bool {
		return len(disp.executionOrder()) == 1
	}, time.Second, 5*time.Millisecond)

	x.Stop()
	close(release) // let the in-flight node finish

	assert.Equal(t, schema.ExecStopped, <-done)
	assert.Equal(t, []string{"a"}, disp.executionOrder(), "b must not start after stop")
}

func TestExecutor_StopAfterTerminalIsNoop(t *testing.T) {
	graph := linearGraph("a")
	x := NewExecutor(graph, NewExecutionContext("r1", nil, nil), newScriptedDispatcher(), mustCEL(t), nil)

	status, err := x.Run(context.Background())
	require.Nil(t, err)
	require.Equal(t, schema.ExecCompleted, status)

	x.Stop()
	got, _ := x.Status()
	assert.Equal(t, schema.ExecCompleted, got, "terminal state must be monotonic")
}
