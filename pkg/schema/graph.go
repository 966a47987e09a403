package schema

import "encoding/json"

// WorkflowGraph is the JSON-serializable node/edge representation of a
// workflow. It is produced by the canvas builder and is immutable for the
// duration of a run.
type WorkflowGraph struct {
	ID    string           `json:"id,omitempty"`
	Name  string           `json:"name,omitempty"`
	Nodes []NodeDefinition `json:"nodes"`
	Edges []EdgeDefinition `json:"edges"`
}

// NodeDefinition describes a single configured step in a workflow graph.
type NodeDefinition struct {
	ID                 string          `json:"id"`
	Type               NodeType        `json:"type"`
	Label              string          `json:"label,omitempty"`
	Config             json.RawMessage `json:"config,omitempty"`      // type-specific parameters
	OutputVar          string          `json:"output_var,omitempty"`  // context variable receiving the result
	Bypass             bool            `json:"bypass,omitempty"`      // skip execution, advance as if successful
	Breakpoint         bool            `json:"breakpoint,omitempty"`  // pause before executing this node
	FailSilently       bool            `json:"fail_silently,omitempty"`
	WaitAfterOperation bool            `json:"wait_after_operation,omitempty"` // run the wait spec after the action instead of before
	Retry              *RetryPolicy    `json:"retry,omitempty"`
	Wait               *WaitSpec       `json:"wait,omitempty"`
}

// EdgeDefinition is a directed connection between two nodes' named handles.
// The "driver" handle carries plain control flow; switch nodes route on
// branch-value handles with a "default" fallback; loop nodes expose a
// "body" handle for their subgraph entry.
type EdgeDefinition struct {
	Source       string `json:"source"`
	SourceHandle string `json:"source_handle,omitempty"`
	Target       string `json:"target"`
	TargetHandle string `json:"target_handle,omitempty"`
}

// Well-known edge handles.
const (
	HandleDriver  = "driver"
	HandleDefault = "default"
	HandleBody    = "body"
)

// NodeType enumerates the closed set of node kinds.
type NodeType string

const (
	NodeTypeStart       NodeType = "start"
	NodeTypeNavigate    NodeType = "navigate"
	NodeTypeClick       NodeType = "click"
	NodeTypeFill        NodeType = "fill"
	NodeTypeEvaluate    NodeType = "evaluate"
	NodeTypeScreenshot  NodeType = "screenshot"
	NodeTypeFrame       NodeType = "frame"
	NodeTypeDownload    NodeType = "download"
	NodeTypeSetVariable NodeType = "set_variable"
	NodeTypeExtract     NodeType = "extract"
	NodeTypeAssert      NodeType = "assert"
	NodeTypeSwitch      NodeType = "switch"
	NodeTypeLoop        NodeType = "loop"
)

// NodeTypes lists every known node type. Used for exhaustive dispatch-table
// and validation checks.
var NodeTypes = []NodeType{
	NodeTypeStart, NodeTypeNavigate, NodeTypeClick, NodeTypeFill,
	NodeTypeEvaluate, NodeTypeScreenshot, NodeTypeFrame, NodeTypeDownload,
	NodeTypeSetVariable, NodeTypeExtract, NodeTypeAssert,
	NodeTypeSwitch, NodeTypeLoop,
}

// IsFlowControl reports whether a node type is interpreted by the executor
// itself rather than dispatched to a node handler.
func (t NodeType) IsFlowControl() bool {
	return t == NodeTypeSwitch || t == NodeTypeLoop
}

// RetryPolicy configures retry behavior for a node.
type RetryPolicy struct {
	Enabled        bool   `json:"enabled"`
	Strategy       string `json:"strategy,omitempty"`        // count | until_condition (default: count)
	Count          int    `json:"count,omitempty"`           // additional attempts after the first
	UntilCondition string `json:"until_condition,omitempty"` // expr predicate over context variables
	Delay          string `json:"delay,omitempty"`           // inter-attempt delay (e.g. "500ms")
	DelayStrategy  string `json:"delay_strategy,omitempty"`  // fixed | exponential (default: fixed)
	MaxDelay       string `json:"max_delay,omitempty"`       // exponential cap
	FailSilently   bool   `json:"fail_silently,omitempty"`
}

// Retry strategies and delay strategies.
const (
	RetryStrategyCount          = "count"
	RetryStrategyUntilCondition = "until_condition"

	DelayStrategyFixed       = "fixed"
	DelayStrategyExponential = "exponential"
)

// WaitSpec configures pre/post execution wait conditions for a node.
// Zero, one, or several conditions may be set simultaneously.
type WaitSpec struct {
	Selector         string `json:"selector,omitempty"`
	SelectorType     string `json:"selector_type,omitempty"` // css | xpath (default: css)
	SelectorTimeout  string `json:"selector_timeout,omitempty"`
	URL              string `json:"url,omitempty"` // literal or /regex/ pattern
	URLTimeout       string `json:"url_timeout,omitempty"`
	Condition        string `json:"condition,omitempty"` // page-side boolean predicate
	ConditionTimeout string `json:"condition_timeout,omitempty"`
	Strategy         string `json:"strategy,omitempty"` // sequential | parallel (default: sequential)
	Timing           string `json:"timing,omitempty"`   // before | after | both (default: before)
	FailSilently     bool   `json:"fail_silently,omitempty"`
	DefaultTimeout   string `json:"default_timeout,omitempty"` // fallback for unset per-condition timeouts
}

// Wait strategies and timings.
const (
	WaitStrategySequential = "sequential"
	WaitStrategyParallel   = "parallel"

	WaitTimingBefore = "before"
	WaitTimingAfter  = "after"
	WaitTimingBoth   = "both"
)

// SwitchConfig is the config block for switch nodes. The expression is a CEL
// program evaluated against the context variable store; its result is matched
// against outgoing edge source handles.
type SwitchConfig struct {
	Expression string `json:"expression"`
}

// LoopConfig is the config block for loop nodes. The body subgraph runs once
// per element of the named array variable, in strict array order.
type LoopConfig struct {
	ArrayVar string `json:"array_var"`
	ItemVar  string `json:"item_var,omitempty"`  // defaults to "loop.item"
	IndexVar string `json:"index_var,omitempty"` // defaults to "loop.index"
}
