package validation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/pagerun/pkg/schema"
)

// validateSemantic performs semantic analysis on the workflow graph.
// Checks: single start node, duplicate node IDs, edge endpoints, switch and
// loop wiring, retry policy coherence, wait timing values.
func validateSemantic(graph *schema.WorkflowGraph) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodeIDs := make(map[string]bool, len(graph.Nodes))
	starts := 0
	for i := range graph.Nodes {
		node := &graph.Nodes[i]
		path := fmt.Sprintf("nodes[%d]", i)
		if nodeIDs[node.ID] {
			result.AddError(path+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate node id %q", node.ID))
		}
		nodeIDs[node.ID] = true
		if node.Type == schema.NodeTypeStart {
			starts++
		}
	}
	if starts == 0 {
		result.AddError("nodes", schema.ErrCodeValidation, "workflow has no start node")
	} else if starts > 1 {
		result.AddError("nodes", schema.ErrCodeValidation,
			fmt.Sprintf("workflow has %d start nodes, expected exactly one", starts))
	}

	outgoing := make(map[string][]schema.EdgeDefinition, len(graph.Edges))
	for i, e := range graph.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		if !nodeIDs[e.Source] {
			result.AddError(path+".source", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent node %q", e.Source))
		}
		if !nodeIDs[e.Target] {
			result.AddError(path+".target", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent node %q", e.Target))
		}
		outgoing[e.Source] = append(outgoing[e.Source], e)
	}

	for i := range graph.Nodes {
		node := &graph.Nodes[i]
		path := fmt.Sprintf("nodes[%d]", i)
		switch node.Type {
		case schema.NodeTypeSwitch:
			validateSwitchNode(node, path, outgoing[node.ID], result)
		case schema.NodeTypeLoop:
			validateLoopNode(node, path, outgoing[node.ID], result)
		}
		validateRetryPolicy(node, path, result)
		validateWaitSpec(node, path, result)
	}

	return result
}

// validateSwitchNode checks the branch expression and edge wiring.
func validateSwitchNode(node *schema.NodeDefinition, path string, edges []schema.EdgeDefinition, result *schema.ValidationResult) {
	var cfg schema.SwitchConfig
	if len(node.Config) == 0 || json.Unmarshal(node.Config, &cfg) != nil || cfg.Expression == "" {
		result.AddError(path+".config.expression", schema.ErrCodeValidation,
			"switch node requires an expression")
	}

	hasDefault := false
	branches := 0
	for _, e := range edges {
		if e.SourceHandle == schema.HandleDefault {
			hasDefault = true
		}
		if e.SourceHandle != "" && e.SourceHandle != schema.HandleDriver {
			branches++
		}
	}
	if branches == 0 {
		result.AddError(path, schema.ErrCodeValidation,
			"switch node has no branch edges")
	} else if !hasDefault {
		result.AddWarning(path, schema.ErrCodeValidation,
			"switch node has no default edge; unmatched branch values halt the run")
	}
}

// validateLoopNode checks the array variable config and the body edge.
func validateLoopNode(node *schema.NodeDefinition, path string, edges []schema.EdgeDefinition, result *schema.ValidationResult) {
	var cfg schema.LoopConfig
	if len(node.Config) == 0 || json.Unmarshal(node.Config, &cfg) != nil || cfg.ArrayVar == "" {
		result.AddError(path+".config.array_var", schema.ErrCodeValidation,
			"loop node requires array_var")
	}

	hasBody := false
	for _, e := range edges {
		if e.SourceHandle == schema.HandleBody {
			hasBody = true
			break
		}
	}
	if !hasBody {
		result.AddError(path, schema.ErrCodeValidation, "loop node has no body edge")
	}
}

// validateRetryPolicy checks strategy coherence and flags excessive counts.
func validateRetryPolicy(node *schema.NodeDefinition, path string, result *schema.ValidationResult) {
	rp := node.Retry
	if rp == nil || !rp.Enabled {
		return
	}

	strategy := rp.Strategy
	if strategy == "" {
		strategy = schema.RetryStrategyCount
	}
	switch strategy {
	case schema.RetryStrategyCount:
		if rp.Count > 10 {
			result.AddWarning(path+".retry.count", schema.ErrCodeValidation,
				fmt.Sprintf("high retry count (%d) may cause excessive delays", rp.Count))
		}
	case schema.RetryStrategyUntilCondition:
		if rp.UntilCondition == "" {
			result.AddError(path+".retry.until_condition", schema.ErrCodeValidation,
				"until_condition strategy requires an until_condition expression")
		}
	}

	if rp.DelayStrategy == schema.DelayStrategyExponential && rp.Delay == "" {
		result.AddWarning(path+".retry.delay", schema.ErrCodeValidation,
			"exponential delay strategy without a base delay has no effect")
	}
	if rp.MaxDelay != "" && rp.Delay != "" {
		maxD, err1 := time.ParseDuration(rp.MaxDelay)
		base, err2 := time.ParseDuration(rp.Delay)
		if err1 == nil && err2 == nil && maxD < base {
			result.AddWarning(path+".retry.max_delay", schema.ErrCodeValidation,
				fmt.Sprintf("max_delay (%s) is below the base delay (%s)", rp.MaxDelay, rp.Delay))
		}
	}
}

// validateWaitSpec flags wait blocks with no conditions and conflicting
// timing settings.
func validateWaitSpec(node *schema.NodeDefinition, path string, result *schema.ValidationResult) {
	w := node.Wait
	if w == nil {
		return
	}

	if w.Selector == "" && w.URL == "" && w.Condition == "" {
		result.AddWarning(path+".wait", schema.ErrCodeValidation,
			"wait block has no conditions and is a no-op")
	}

	if w.Timing != "" && node.WaitAfterOperation {
		result.AddWarning(path+".wait.timing", schema.ErrCodeValidation,
			"wait.timing overrides wait_after_operation; the flag is ignored")
	}
}
