package engine

import "github.com/rendis/pagerun/pkg/schema"

// ValidExecTransitions defines the allowed executor state transitions.
// Terminal states have no outgoing transitions, which makes terminality
// monotonic by construction.
var ValidExecTransitions = map[schema.ExecStatus][]schema.ExecStatus{
	schema.ExecRunning:   {schema.ExecPaused, schema.ExecCompleted, schema.ExecErrored, schema.ExecStopped},
	schema.ExecPaused:    {schema.ExecRunning, schema.ExecErrored, schema.ExecStopped},
	schema.ExecCompleted: {},
	schema.ExecErrored:   {},
	schema.ExecStopped:   {},
}

func isValidExecTransition(from, to schema.ExecStatus) bool {
	allowed, ok := ValidExecTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}
