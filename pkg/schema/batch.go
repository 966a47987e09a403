package schema

import "time"

// ExecStatus is the lifecycle state of a single workflow execution.
type ExecStatus string

const (
	ExecRunning   ExecStatus = "running"
	ExecPaused    ExecStatus = "paused"
	ExecCompleted ExecStatus = "completed"
	ExecErrored   ExecStatus = "errored"
	ExecStopped   ExecStatus = "stopped"
)

// IsTerminal reports whether the execution state admits no further transitions.
func (s ExecStatus) IsTerminal() bool {
	switch s {
	case ExecCompleted, ExecErrored, ExecStopped:
		return true
	}
	return false
}

// RunStatus is the scheduler-level state of one workflow inside a batch.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunError     RunStatus = "error"
	RunStopped   RunStatus = "stopped"
)

// IsTerminal reports whether the run state admits no further transitions.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunError, RunStopped:
		return true
	}
	return false
}

// BatchStatus is the aggregate state of a batch.
type BatchStatus string

const (
	BatchQueued    BatchStatus = "queued"
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchError     BatchStatus = "error"
	BatchStopped   BatchStatus = "stopped"
)

// IsTerminal reports whether the batch state admits no further transitions.
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchCompleted, BatchError, BatchStopped:
		return true
	}
	return false
}

// BatchSpec is a batch submission request.
type BatchSpec struct {
	Name        string         `json:"name,omitempty"`
	Workflows   []BatchEntry   `json:"workflows"`
	WorkerCount int            `json:"worker_count,omitempty"` // per-batch concurrency bound (default 1)
	Priority    int            `json:"priority,omitempty"`     // higher dispatches first
	OutputPath  string         `json:"output_path,omitempty"`  // base path for screenshots/downloads
	Overrides   map[string]any `json:"overrides,omitempty"`    // initial context variables for every run
}

// BatchEntry names one workflow to execute within a batch.
type BatchEntry struct {
	Path  string         `json:"path,omitempty"` // source file, informational
	Graph *WorkflowGraph `json:"graph"`
	Vars  map[string]any `json:"vars,omitempty"` // per-workflow initial variables, layered over Overrides
}

// BatchCounts aggregates per-state workflow counts for a batch snapshot.
// The fields always sum to the batch's total workflow count.
type BatchCounts struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Stopped   int `json:"stopped"`
}

// Total returns the sum of all counts.
func (c BatchCounts) Total() int {
	return c.Queued + c.Running + c.Completed + c.Failed + c.Stopped
}

// WorkflowRunState is the point-in-time state of one workflow run in a
// batch snapshot.
type WorkflowRunState struct {
	RunID      string     `json:"run_id"`
	Name       string     `json:"name,omitempty"`
	Path       string     `json:"path,omitempty"`
	Status     RunStatus  `json:"status"`
	Error      string     `json:"error,omitempty"`
	ErrorNode  string     `json:"error_node,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// BatchSnapshot is a point-in-time view of a batch returned by status queries.
type BatchSnapshot struct {
	BatchID     string             `json:"batch_id"`
	Name        string             `json:"name,omitempty"`
	Status      BatchStatus        `json:"status"`
	Priority    int                `json:"priority"`
	WorkerCount int                `json:"worker_count"`
	Counts      BatchCounts        `json:"counts"`
	Workflows   []WorkflowRunState `json:"workflows"`
	SubmittedAt time.Time          `json:"submitted_at"`
	FinishedAt  *time.Time         `json:"finished_at,omitempty"`
}

// WorkflowFileInfo describes one discovered workflow file. Discovery is
// metadata-only; file contents are not parsed.
type WorkflowFileInfo struct {
	Path    string    `json:"path"`
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}
