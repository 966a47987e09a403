package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/pagerun/pkg/schema"
)

// BatchHistoryRecord is the immutable snapshot persisted when a batch
// reaches a terminal state.
type BatchHistoryRecord struct {
	BatchID     string              `json:"batch_id"`
	Name        string              `json:"name,omitempty"`
	Status      schema.BatchStatus  `json:"status"`
	Priority    int                 `json:"priority"`
	WorkerCount int                 `json:"worker_count"`
	Counts      schema.BatchCounts  `json:"counts"`
	SubmittedAt time.Time           `json:"submitted_at"`
	FinishedAt  time.Time           `json:"finished_at"`
	Workflows   []*WorkflowRunRecord `json:"workflows,omitempty"`
}

// WorkflowRunRecord is one workflow's outcome within a batch.
type WorkflowRunRecord struct {
	RunID      string           `json:"run_id"`
	BatchID    string           `json:"batch_id"`
	Name       string           `json:"name,omitempty"`
	Path       string           `json:"path,omitempty"`
	Status     schema.RunStatus `json:"status"`
	Error      string           `json:"error,omitempty"`
	ErrorNode  string           `json:"error_node,omitempty"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
}

// HistoryFilter selects a page of batch history.
type HistoryFilter struct {
	Status schema.BatchStatus // empty matches all
	Limit  int                // 0 means no limit
	Offset int
}

// ScheduledBatch is a cron-driven recurring batch definition.
type ScheduledBatch struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	CronExpr  string          `json:"cron_expr"`
	Spec      json.RawMessage `json:"spec"` // serialized schema.BatchSpec
	Enabled   bool            `json:"enabled"`
	LastRunAt *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt *time.Time      `json:"next_run_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ScheduledBatchUpdate is a partial update; nil fields are left unchanged.
type ScheduledBatchUpdate struct {
	CronExpr  *string
	Enabled   *bool
	LastRunAt *time.Time
	NextRunAt *time.Time
}
