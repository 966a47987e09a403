// Package store persists batch history and scheduled-batch definitions in an
// embedded libSQL database.
package store

import (
	"context"

	"github.com/rendis/pagerun/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Batch history (append-only terminal snapshots)
	AppendBatchHistory(ctx context.Context, rec *BatchHistoryRecord) error
	GetBatchHistory(ctx context.Context, batchID string) (*BatchHistoryRecord, error)
	ListBatchHistory(ctx context.Context, filter HistoryFilter) ([]*BatchHistoryRecord, error)
	CountBatchHistory(ctx context.Context, status schema.BatchStatus) (int, error)
	ClearBatchHistory(ctx context.Context) error
	// PruneBatchHistory keeps the most recent keep batches and deletes the
	// rest, returning how many were removed.
	PruneBatchHistory(ctx context.Context, keep int) (int, error)

	// Scheduled batches
	CreateScheduledBatch(ctx context.Context, sb *ScheduledBatch) error
	GetScheduledBatch(ctx context.Context, id string) (*ScheduledBatch, error)
	ListScheduledBatches(ctx context.Context, enabledOnly bool) ([]*ScheduledBatch, error)
	UpdateScheduledBatch(ctx context.Context, id string, update ScheduledBatchUpdate) error
	DeleteScheduledBatch(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
