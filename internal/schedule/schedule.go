// Package schedule runs cron-driven recurring batches persisted in the store.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/pagerun/internal/store"
	"github.com/rendis/pagerun/pkg/schema"
)

// BatchSubmitter is the interface the cron runner uses to launch batches.
// Satisfied by the batch scheduler (avoids import cycle).
type BatchSubmitter interface {
	ExecuteBatch(ctx context.Context, spec *schema.BatchSpec) (string, error)
}

// CronRunner polls the store for due scheduled batches and submits them.
type CronRunner struct {
	store     store.Store
	submitter BatchSubmitter
	parser    cron.Parser
	logger    *slog.Logger
	cancel    context.CancelFunc
	done      chan struct{}
	mu        sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // scheduled-batch IDs currently submitting (dedup)
}

// NewCronRunner creates a CronRunner using standard 5-field cron expressions.
func NewCronRunner(s store.Store, submitter BatchSubmitter, logger *slog.Logger) *CronRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &CronRunner{
		store:     s,
		submitter: submitter,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:    logger,
		inflight:  make(map[string]struct{}),
	}
}

// Start launches the background polling loop with a 60s ticker.
func (c *CronRunner) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return fmt.Errorf("cron runner already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.loop(runCtx)
	c.logger.Info("cron runner started")
	return nil
}

func (c *CronRunner) loop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	c.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick submits every enabled scheduled batch that is due.
func (c *CronRunner) tick(ctx context.Context) {
	scheduled, err := c.store.ListScheduledBatches(ctx, true)
	if err != nil {
		c.logger.Error("failed to list scheduled batches", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, sb := range scheduled {
		if sb.NextRunAt == nil || !sb.NextRunAt.After(now) {
			if !c.tryAcquire(sb.ID) {
				continue // already submitting (dedup)
			}
			if err := c.runScheduled(ctx, sb, now); err != nil {
				c.logger.Error("failed to run scheduled batch",
					slog.String("schedule_id", sb.ID),
					slog.String("error", err.Error()),
				)
			}
			c.release(sb.ID)
		}
	}
}

// runScheduled submits one due batch and advances its timestamps.
func (c *CronRunner) runScheduled(ctx context.Context, sb *store.ScheduledBatch, now time.Time) error {
	c.logger.Info("running scheduled batch",
		slog.String("schedule_id", sb.ID),
		slog.String("name", sb.Name),
	)

	var spec schema.BatchSpec
	if err := json.Unmarshal(sb.Spec, &spec); err != nil {
		// The stored spec is unusable; advance timestamps so a bad row does
		// not re-fire every tick.
		c.logger.Error("scheduled batch has invalid spec",
			slog.String("schedule_id", sb.ID),
			slog.String("error", err.Error()),
		)
		return c.advance(ctx, sb, now)
	}
	if spec.Name == "" {
		spec.Name = sb.Name
	}

	batchID, err := c.submitter.ExecuteBatch(ctx, &spec)
	if err != nil {
		c.logger.Error("scheduled batch submission failed",
			slog.String("schedule_id", sb.ID),
			slog.String("error", err.Error()),
		)
	} else {
		c.logger.Info("scheduled batch submitted",
			slog.String("schedule_id", sb.ID),
			slog.String("batch_id", batchID),
		)
	}

	return c.advance(ctx, sb, now)
}

func (c *CronRunner) advance(ctx context.Context, sb *store.ScheduledBatch, now time.Time) error {
	nextRun, err := c.NextRun(sb.CronExpr, now)
	if err != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", sb.ID, err)
	}

	return c.store.UpdateScheduledBatch(ctx, sb.ID, store.ScheduledBatchUpdate{
		LastRunAt: &now,
		NextRunAt: &nextRun,
	})
}

// tryAcquire returns true and marks the schedule in-flight if it is not
// already submitting.
func (c *CronRunner) tryAcquire(id string) bool {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	if _, ok := c.inflight[id]; ok {
		return false
	}
	c.inflight[id] = struct{}{}
	return true
}

func (c *CronRunner) release(id string) {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	delete(c.inflight, id)
}

// NextRun computes the next fire time for a cron expression.
func (c *CronRunner) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := c.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the runner.
func (c *CronRunner) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel == nil {
		return nil
	}

	c.cancel()
	<-c.done
	c.cancel = nil
	c.done = nil

	c.logger.Info("cron runner stopped")
	return nil
}

// RecoverMissed submits enabled schedules whose next_run_at is in the past,
// once each. Intended for startup after downtime.
func (c *CronRunner) RecoverMissed(ctx context.Context) error {
	scheduled, err := c.store.ListScheduledBatches(ctx, true)
	if err != nil {
		return fmt.Errorf("list missed schedules: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, sb := range scheduled {
		if sb.NextRunAt != nil && sb.NextRunAt.Before(now) {
			if !c.tryAcquire(sb.ID) {
				continue
			}
			if err := c.runScheduled(ctx, sb, now); err != nil {
				c.logger.Error("failed to recover missed schedule",
					slog.String("schedule_id", sb.ID),
					slog.String("error", err.Error()),
				)
				c.release(sb.ID)
				continue
			}
			c.release(sb.ID)
			recovered++
		}
	}

	if recovered > 0 {
		c.logger.Info("recovered missed schedules", slog.Int("count", recovered))
	}
	return nil
}
