package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pagerun/internal/driver/drivertest"
	"github.com/rendis/pagerun/internal/engine"
	"github.com/rendis/pagerun/internal/expressions"
	"github.com/rendis/pagerun/pkg/schema"
)

func testDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	jq := expressions.NewGoJQEngine()
	ex := expressions.NewExprEngine()
	registry := NewDefaultRegistry(jq, ex, nil)
	return NewDispatcher(registry, engine.NewWaitHelper(nil), ex, nil)
}

func TestDispatcher_UnknownType(t *testing.T) {
	d := testDispatcher(t)
	ec := engine.NewExecutionContext("r1", drivertest.NewFakeDriver(), nil)
	node := &schema.NodeDefinition{ID: "n1", Type: schema.NodeType("teleport")}

	out := d.Execute(context.Background(), node, ec)
	assert.Equal(t, engine.OutcomeFailed, out.Kind)
	assert.Equal(t, schema.ErrCodeUnknownActionType, out.Err.Code)
}

func TestDispatcher_ValidateRejectsBeforeAction(t *testing.T) {
	d := testDispatcher(t)
	drv := drivertest.NewFakeDriver()
	ec := engine.NewExecutionContext("r1", drv, nil)
	node := &schema.NodeDefinition{
		ID: "n1", Type: schema.NodeTypeNavigate,
		Config: json.RawMessage(`{}`),
	}

	out := d.Execute(context.Background(), node, ec)
	assert.Equal(t, engine.OutcomeFailed, out.Kind)
	assert.Equal(t, schema.ErrCodeInvalidConfiguration, out.Err.Code)
	assert.Empty(t, drv.Opened(), "no page may open for an invalid node")
}

func TestDispatcher_WaitBeforeThenAction(t *testing.T) {
	d := testDispatcher(t)
	ec := engine.NewExecutionContext("r1", drivertest.NewFakeDriver(), nil)
	_, err := ec.EnsurePage(context.Background())
	require.NoError(t, err)

	cfg, _ := json.Marshal(ClickConfig{Selector: "#buy"})
	node := &schema.NodeDefinition{
		ID: "n1", Type: schema.NodeTypeClick, Config: cfg,
		Wait: &schema.WaitSpec{Selector: "#buy"},
	}

	out := d.Execute(context.Background(), node, ec)
	require.Equal(t, engine.OutcomeOK, out.Kind)

	calls := ec.Page().(*drivertest.FakePage).CallLog()
	require.Len(t, calls, 2)
	assert.Equal(t, "waitSelector(#buy)", calls[0])
	assert.Equal(t, "click(#buy)", calls[1])
}

func TestDispatcher_WaitAfterOperation(t *testing.T) {
	d := testDispatcher(t)
	ec := engine.NewExecutionContext("r1", drivertest.NewFakeDriver(), nil)
	_, err := ec.EnsurePage(context.Background())
	require.NoError(t, err)

	cfg, _ := json.Marshal(ClickConfig{Selector: "#buy"})
	node := &schema.NodeDefinition{
		ID: "n1", Type: schema.NodeTypeClick, Config: cfg,
		WaitAfterOperation: true,
		Wait:               &schema.WaitSpec{Selector: "#done"},
	}

	out := d.Execute(context.Background(), node, ec)
	require.Equal(t, engine.OutcomeOK, out.Kind)

	calls := ec.Page().(*drivertest.FakePage).CallLog()
	require.Len(t, calls, 2)
	assert.Equal(t, "click(#buy)", calls[0])
	assert.Equal(t, "waitSelector(#done)", calls[1])
}

func TestDispatcher_WaitTimingBoth(t *testing.T) {
	d := testDispatcher(t)
	ec := engine.NewExecutionContext("r1", drivertest.NewFakeDriver(), nil)
	_, err := ec.EnsurePage(context.Background())
	require.NoError(t, err)

	cfg, _ := json.Marshal(ClickConfig{Selector: "#buy"})
	node := &schema.NodeDefinition{
		ID: "n1", Type: schema.NodeTypeClick, Config: cfg,
		Wait: &schema.WaitSpec{Selector: "#ready", Timing: schema.WaitTimingBoth},
	}

	out := d.Execute(context.Background(), node, ec)
	require.Equal(t, engine.OutcomeOK, out.Kind)

	calls := ec.Page().(*drivertest.FakePage).CallLog()
	require.Len(t, calls, 3)
	assert.Equal(t, "waitSelector(#ready)", calls[0])
	assert.Equal(t, "click(#buy)", calls[1])
	assert.Equal(t, "waitSelector(#ready)", calls[2])
}

func TestDispatcher_OutputVarReceivesResult(t *testing.T) {
	d := testDispatcher(t)
	ec := engine.NewExecutionContext("r1", drivertest.NewFakeDriver(), nil)
	page, err := ec.EnsurePage(context.Background())
	require.NoError(t, err)
	page.(*drivertest.FakePage).EvalResults["1+1"] = float64(2)

	cfg, _ := json.Marshal(EvaluateConfig{Script: "1+1"})
	node := &schema.NodeDefinition{
		ID: "n1", Type: schema.NodeTypeEvaluate, Config: cfg, OutputVar: "sum",
	}

	out := d.Execute(context.Background(), node, ec)
	require.Equal(t, engine.OutcomeOK, out.Kind)

	v, ok := ec.GetData("sum")
	require.True(t, ok)
	assert.Equal(t, float64(2), v)
}

func TestDispatcher_RetryWholeEnvelope(t *testing.T) {
	// The wait runs once per attempt, proving retry wraps the envelope
	// rather than just the action.
	d := testDispatcher(t)
	ec := engine.NewExecutionContext("r1", drivertest.NewFakeDriver(), nil)
	_, err := ec.EnsurePage(context.Background())
	require.NoError(t, err)
	fake := ec.Page().(*drivertest.FakePage)
	fake.ClickErr = errors.New("detached element")

	cfg, _ := json.Marshal(ClickConfig{Selector: "#flaky"})
	node := &schema.NodeDefinition{
		ID: "n1", Type: schema.NodeTypeClick, Config: cfg,
		Wait:  &schema.WaitSpec{Selector: "#flaky"},
		Retry: &schema.RetryPolicy{Enabled: true, Count: 2},
	}

	out := d.Execute(context.Background(), node, ec)
	assert.Equal(t, engine.OutcomeFailed, out.Kind)
	assert.Equal(t, schema.ErrCodeRetryExhausted, out.Err.Code)

	waits, clicks := 0, 0
	for _, c := range fake.CallLog() {
		switch c {
		case "waitSelector(#flaky)":
			waits++
		case "click(#flaky)":
			clicks++
		}
	}
	assert.Equal(t, 3, clicks)
	assert.Equal(t, 3, waits)
}

func TestDispatcher_NodeFailSilently(t *testing.T) {
	d := testDispatcher(t)
	ec := engine.NewExecutionContext("r1", drivertest.NewFakeDriver(), nil)
	_, err := ec.EnsurePage(context.Background())
	require.NoError(t, err)
	ec.Page().(*drivertest.FakePage).ClickErr = errors.New("nope")

	cfg, _ := json.Marshal(ClickConfig{Selector: "#x"})
	node := &schema.NodeDefinition{
		ID: "n1", Type: schema.NodeTypeClick, Config: cfg, FailSilently: true,
	}

	out := d.Execute(context.Background(), node, ec)
	assert.Equal(t, engine.OutcomeSilentFailure, out.Kind)
	require.NotNil(t, out.Err)
	assert.Equal(t, schema.ErrCodeActionFailure, out.Err.Code)
}

func TestDispatcher_FailSilentlyDoesNotCoverConfigErrors(t *testing.T) {
	d := testDispatcher(t)
	ec := engine.NewExecutionContext("r1", drivertest.NewFakeDriver(), nil)

	node := &schema.NodeDefinition{
		ID: "n1", Type: schema.NodeTypeClick,
		Config: json.RawMessage(`{}`), FailSilently: true,
	}

	out := d.Execute(context.Background(), node, ec)
	assert.Equal(t, engine.OutcomeFailed, out.Kind, "config errors always halt")
}

func TestDispatcher_RetryUntilCondition(t *testing.T) {
	d := testDispatcher(t)
	ec := engine.NewExecutionContext("r1", drivertest.NewFakeDriver(), nil)
	page, err := ec.EnsurePage(context.Background())
	require.NoError(t, err)
	fake := page.(*drivertest.FakePage)
	fake.EvalResults["poll()"] = "pending"

	cfg, _ := json.Marshal(EvaluateConfig{Script: "poll()"})
	node := &schema.NodeDefinition{
		ID: "n1", Type: schema.NodeTypeEvaluate, Config: cfg, OutputVar: "state",
		Retry: &schema.RetryPolicy{
			Enabled:        true,
			Strategy:       schema.RetryStrategyUntilCondition,
			UntilCondition: `state == "ready"`,
		},
	}

	// The condition reads "state", which each attempt writes, so the loop
	// ends as soon as an evaluation returns "ready".
	ec.SetData("state", "pending")
	fake.EvalResults["poll()"] = "ready"

	out := d.Execute(context.Background(), node, ec)
	require.Equal(t, engine.OutcomeOK, out.Kind)

	v, _ := ec.GetData("state")
	assert.Equal(t, "ready", v)
}
