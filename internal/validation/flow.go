package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/pagerun/pkg/schema"
)

// validateFlow performs graph analysis: cycle detection (Kahn's algorithm)
// and unreachable-node detection (BFS from the start node). The program
// counter only ever moves forward along edges, so any cycle would walk
// forever.
func validateFlow(graph *schema.WorkflowGraph) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodeIDs := make(map[string]bool, len(graph.Nodes))
	var startID string
	for _, n := range graph.Nodes {
		nodeIDs[n.ID] = true
		if n.Type == schema.NodeTypeStart {
			startID = n.ID
		}
	}

	// succ[id] = targets reachable in one hop from id, deduplicated.
	succ := make(map[string][]string, len(graph.Nodes))
	inDegree := make(map[string]int, len(graph.Nodes))
	for id := range nodeIDs {
		inDegree[id] = 0
	}
	seen := make(map[[2]string]bool, len(graph.Edges))
	for _, e := range graph.Edges {
		if !nodeIDs[e.Source] || !nodeIDs[e.Target] {
			continue // invalid refs already caught by semantic
		}
		key := [2]string{e.Source, e.Target}
		if seen[key] {
			continue
		}
		seen[key] = true
		succ[e.Source] = append(succ[e.Source], e.Target)
		inDegree[e.Target]++
	}

	// Kahn's algorithm for cycle detection.
	queue := make([]string, 0, len(graph.Nodes))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range succ[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(nodeIDs) {
		result.AddError("edges", schema.ErrCodeValidation, "workflow contains a cycle")
		return result // cycle makes reachability analysis meaningless
	}

	// Reachability: BFS from the start node.
	if startID == "" {
		return result // missing start already caught by semantic
	}
	reachable := map[string]bool{startID: true}
	bfsQueue := []string{startID}
	for len(bfsQueue) > 0 {
		node := bfsQueue[0]
		bfsQueue = bfsQueue[1:]
		for _, next := range succ[node] {
			if !reachable[next] {
				reachable[next] = true
				bfsQueue = append(bfsQueue, next)
			}
		}
	}

	for _, n := range graph.Nodes {
		if !reachable[n.ID] {
			result.AddWarning(fmt.Sprintf("nodes[%s]", n.ID),
				schema.ErrCodeValidation,
				fmt.Sprintf("node %q is unreachable from the start node", n.ID))
		}
	}

	return result
}
