package batch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/pagerun/internal/driver"
	"github.com/rendis/pagerun/internal/engine"
	"github.com/rendis/pagerun/internal/expressions"
	"github.com/rendis/pagerun/internal/logging"
	"github.com/rendis/pagerun/internal/store"
	"github.com/rendis/pagerun/pkg/schema"
)

// DefaultMaxWorkers bounds concurrent workflow runs across all batches when
// no explicit limit is configured.
const DefaultMaxWorkers = 10

// batchState is the scheduler's live view of one submitted batch. All fields
// are guarded by the scheduler mutex.
type batchState struct {
	id          string
	name        string
	spec        *schema.BatchSpec
	priority    int
	workerCount int
	runs        []*runState
	status      schema.BatchStatus
	running     int // runs currently executing
	stopped     bool
	submittedAt time.Time
	finishedAt  *time.Time
}

// runState is the scheduler's live view of one workflow run within a batch.
type runState struct {
	runID      string
	entry      schema.BatchEntry
	status     schema.RunStatus
	executor   *engine.Executor
	err        string
	errNode    string
	startedAt  *time.Time
	finishedAt *time.Time
}

// Scheduler accepts batches of workflows, dispatches their runs through a
// bounded worker pool in priority order, and persists a history record when
// each batch reaches a terminal state.
type Scheduler struct {
	drv        driver.Driver
	hist       store.Store
	dispatcher engine.NodeDispatcher
	cel        *expressions.CELEngine
	log        *slog.Logger
	pool       *WorkerPool

	mu      sync.Mutex
	batches map[string]*batchState
	queue   *runQueue
	closed  bool

	notify chan struct{}
	done   chan struct{}
	loopWG sync.WaitGroup
}

// SchedulerOptions configures a Scheduler. The store is optional; with a nil
// store terminal batches are simply not persisted.
type SchedulerOptions struct {
	Driver     driver.Driver
	Store      store.Store
	Dispatcher engine.NodeDispatcher
	CEL        *expressions.CELEngine
	Logger     *slog.Logger
	MaxWorkers int
}

// NewScheduler creates a Scheduler and starts its dispatch loop.
func NewScheduler(opts SchedulerOptions) *Scheduler {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultMaxWorkers
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Scheduler{
		drv:        opts.Driver,
		hist:       opts.Store,
		dispatcher: opts.Dispatcher,
		cel:        opts.CEL,
		log:        opts.Logger,
		pool:       NewWorkerPool(opts.MaxWorkers),
		batches:    make(map[string]*batchState),
		queue:      newRunQueue(),
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	s.loopWG.Add(1)
	go s.dispatchLoop()
	return s
}

// ExecuteBatch validates and enqueues a batch, returning its ID. Runs start
// as workers become available; the call itself never blocks on execution.
func (s *Scheduler) ExecuteBatch(ctx context.Context, spec *schema.BatchSpec) (string, error) {
	if spec == nil || len(spec.Workflows) == 0 {
		return "", schema.NewError(schema.ErrCodeValidation, "batch has no workflows")
	}
	for i, entry := range spec.Workflows {
		if entry.Graph == nil {
			return "", schema.NewErrorf(schema.ErrCodeValidation,
				"batch workflow %d has no graph", i)
		}
	}

	workerCount := spec.WorkerCount
	if workerCount <= 0 {
		workerCount = 1
	}

	b := &batchState{
		id:          uuid.New().String(),
		name:        spec.Name,
		spec:        spec,
		priority:    spec.Priority,
		workerCount: workerCount,
		status:      schema.BatchQueued,
		submittedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", schema.NewError(schema.ErrCodeConflict, "scheduler is shut down")
	}
	for _, entry := range spec.Workflows {
		r := &runState{
			runID:  uuid.New().String(),
			entry:  entry,
			status: schema.RunQueued,
		}
		b.runs = append(b.runs, r)
		s.queue.Push(b, r)
	}
	s.batches[b.id] = b
	s.mu.Unlock()

	s.log.InfoContext(ctx, "batch submitted",
		"batch_id", b.id, "name", b.name,
		"workflows", len(b.runs), "priority", b.priority, "workers", workerCount)
	s.wake()
	return b.id, nil
}

// BatchStatus returns a point-in-time snapshot of a batch. Batches no longer
// live in memory are served from persisted history.
func (s *Scheduler) BatchStatus(ctx context.Context, batchID string) (*schema.BatchSnapshot, error) {
	s.mu.Lock()
	b, ok := s.batches[batchID]
	if ok {
		snap := s.snapshotLocked(b)
		s.mu.Unlock()
		return snap, nil
	}
	s.mu.Unlock()

	if s.hist == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "batch %q not found", batchID)
	}
	rec, err := s.hist.GetBatchHistory(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return historySnapshot(rec), nil
}

// ListBatches returns snapshots of all batches the scheduler still tracks,
// newest first.
func (s *Scheduler) ListBatches() []*schema.BatchSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snaps := make([]*schema.BatchSnapshot, 0, len(s.batches))
	for _, b := range s.batches {
		snaps = append(snaps, s.snapshotLocked(b))
	}
	for i := 0; i < len(snaps); i++ {
		for j := i + 1; j < len(snaps); j++ {
			if snaps[j].SubmittedAt.After(snaps[i].SubmittedAt) {
				snaps[i], snaps[j] = snaps[j], snaps[i]
			}
		}
	}
	return snaps
}

// StopBatch cancels a batch: queued runs are marked stopped immediately and
// running executors stop at their next node boundary. Stop is monotonic; a
// terminal batch is left untouched.
func (s *Scheduler) StopBatch(ctx context.Context, batchID string) error {
	s.mu.Lock()
	b, ok := s.batches[batchID]
	if !ok {
		s.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "batch %q not found", batchID)
	}
	executors := s.stopBatchLocked(b)
	rec := s.finalizeLocked(b)
	s.mu.Unlock()

	for _, x := range executors {
		x.Stop()
	}
	s.persist(ctx, rec)
	s.log.InfoContext(ctx, "batch stop requested", "batch_id", batchID)
	return nil
}

// StopAll cancels every non-terminal batch.
func (s *Scheduler) StopAll(ctx context.Context) {
	s.mu.Lock()
	var executors []*engine.Executor
	var recs []*store.BatchHistoryRecord
	for _, b := range s.batches {
		executors = append(executors, s.stopBatchLocked(b)...)
		if rec := s.finalizeLocked(b); rec != nil {
			recs = append(recs, rec)
		}
	}
	s.mu.Unlock()

	for _, x := range executors {
		x.Stop()
	}
	for _, rec := range recs {
		s.persist(ctx, rec)
	}
	s.log.InfoContext(ctx, "all batches stop requested")
}

// stopBatchLocked marks the batch stopped, drains its queued runs, and
// returns the executors of runs still in flight.
func (s *Scheduler) stopBatchLocked(b *batchState) []*engine.Executor {
	if b.stopped || b.status.IsTerminal() {
		return nil
	}
	b.stopped = true

	now := time.Now().UTC()
	for _, t := range s.queue.RemoveBatch(b) {
		t.run.status = schema.RunStopped
		t.run.finishedAt = &now
	}

	var executors []*engine.Executor
	for _, r := range b.runs {
		if r.status == schema.RunRunning && r.executor != nil {
			executors = append(executors, r.executor)
		}
	}
	return executors
}

// Close stops all batches, shuts down the dispatch loop and the pool, and
// waits for in-flight runs to finish.
func (s *Scheduler) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.StopAll(ctx)
	close(s.done)
	s.loopWG.Wait()
	s.pool.Shutdown()
}

// PoolMetrics exposes the underlying worker pool metrics.
func (s *Scheduler) PoolMetrics() PoolMetrics {
	return s.pool.Metrics()
}

func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// dispatchLoop moves eligible queued runs into the worker pool. A run is
// eligible when its batch is not stopped and has a free per-batch worker
// slot; the pool itself enforces the global concurrency bound by blocking
// Submit.
func (s *Scheduler) dispatchLoop() {
	defer s.loopWG.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for {
			s.mu.Lock()
			task := s.queue.TakeEligible(func(t *runTask) bool {
				return !t.batch.stopped && t.batch.running < t.batch.workerCount
			})
			if task == nil {
				s.mu.Unlock()
				break
			}
			now := time.Now().UTC()
			task.run.status = schema.RunRunning
			task.run.startedAt = &now
			task.batch.running++
			if task.batch.status == schema.BatchQueued {
				task.batch.status = schema.BatchRunning
			}
			s.mu.Unlock()

			ctx := context.Background()
			b, r := task.batch, task.run
			if err := s.pool.Submit(ctx, func(ctx context.Context) error {
				return s.executeRun(ctx, b, r)
			}); err != nil {
				s.mu.Lock()
				r.status = schema.RunStopped
				ts := time.Now().UTC()
				r.finishedAt = &ts
				b.running--
				rec := s.finalizeLocked(b)
				s.mu.Unlock()
				s.persist(ctx, rec)
				return
			}
		}
	}
}

// executeRun runs one workflow to a terminal state and records the outcome.
func (s *Scheduler) executeRun(ctx context.Context, b *batchState, r *runState) error {
	ctx = logging.WithRunID(logging.WithBatchID(ctx, b.id), r.runID)

	vars := make(map[string]any, len(b.spec.Overrides)+len(r.entry.Vars))
	for k, v := range b.spec.Overrides {
		vars[k] = v
	}
	for k, v := range r.entry.Vars {
		vars[k] = v
	}

	ec := engine.NewExecutionContext(r.runID, s.drv, vars)
	ec.OutputPath = b.spec.OutputPath
	exec := engine.NewExecutor(r.entry.Graph, ec, s.dispatcher, s.cel, s.log)

	s.mu.Lock()
	if b.stopped {
		// Stopped between dispatch and start.
		now := time.Now().UTC()
		r.status = schema.RunStopped
		r.finishedAt = &now
		b.running--
		rec := s.finalizeLocked(b)
		s.mu.Unlock()
		s.persist(ctx, rec)
		return nil
	}
	r.executor = exec
	s.mu.Unlock()

	s.log.InfoContext(ctx, "workflow run started", "batch_id", b.id, "run_id", r.runID)
	status, runErr := exec.Run(ctx)
	ec.Release(ctx)

	s.mu.Lock()
	now := time.Now().UTC()
	r.finishedAt = &now
	r.executor = nil
	switch status {
	case schema.ExecCompleted:
		r.status = schema.RunCompleted
	case schema.ExecStopped:
		r.status = schema.RunStopped
	default:
		r.status = schema.RunError
		if runErr != nil {
			r.err = runErr.Message
			r.errNode = runErr.NodeID
		}
	}
	b.running--
	rec := s.finalizeLocked(b)
	s.mu.Unlock()

	s.log.InfoContext(ctx, "workflow run finished",
		"batch_id", b.id, "run_id", r.runID, "status", string(r.status))
	s.persist(ctx, rec)
	s.wake()

	if r.status == schema.RunError && runErr != nil {
		return runErr
	}
	return nil
}

// finalizeLocked transitions the batch to a terminal state once every run is
// terminal, and returns the history record to persist (nil otherwise).
func (s *Scheduler) finalizeLocked(b *batchState) *store.BatchHistoryRecord {
	if b == nil || b.status.IsTerminal() {
		return nil
	}
	for _, r := range b.runs {
		if !r.status.IsTerminal() {
			return nil
		}
	}

	now := time.Now().UTC()
	b.finishedAt = &now
	if b.stopped {
		b.status = schema.BatchStopped
	} else {
		b.status = schema.BatchCompleted
	}
	return s.historyRecordLocked(b)
}

// persist writes a terminal batch record to the history store, if configured.
func (s *Scheduler) persist(ctx context.Context, rec *store.BatchHistoryRecord) {
	if rec == nil || s.hist == nil {
		return
	}
	if err := s.hist.AppendBatchHistory(ctx, rec); err != nil {
		s.log.ErrorContext(ctx, "persist batch history failed",
			"batch_id", rec.BatchID, "error", err)
	}
}

func (s *Scheduler) snapshotLocked(b *batchState) *schema.BatchSnapshot {
	snap := &schema.BatchSnapshot{
		BatchID:     b.id,
		Name:        b.name,
		Status:      b.status,
		Priority:    b.priority,
		WorkerCount: b.workerCount,
		SubmittedAt: b.submittedAt,
		FinishedAt:  b.finishedAt,
	}
	for _, r := range b.runs {
		snap.Workflows = append(snap.Workflows, schema.WorkflowRunState{
			RunID:      r.runID,
			Name:       r.entry.Graph.Name,
			Path:       r.entry.Path,
			Status:     r.status,
			Error:      r.err,
			ErrorNode:  r.errNode,
			StartedAt:  r.startedAt,
			FinishedAt: r.finishedAt,
		})
		switch r.status {
		case schema.RunQueued:
			snap.Counts.Queued++
		case schema.RunRunning:
			snap.Counts.Running++
		case schema.RunCompleted:
			snap.Counts.Completed++
		case schema.RunError:
			snap.Counts.Failed++
		case schema.RunStopped:
			snap.Counts.Stopped++
		}
	}
	return snap
}

func (s *Scheduler) historyRecordLocked(b *batchState) *store.BatchHistoryRecord {
	snap := s.snapshotLocked(b)
	rec := &store.BatchHistoryRecord{
		BatchID:     b.id,
		Name:        b.name,
		Status:      b.status,
		Priority:    b.priority,
		WorkerCount: b.workerCount,
		Counts:      snap.Counts,
		SubmittedAt: b.submittedAt,
		FinishedAt:  *b.finishedAt,
	}
	for _, r := range b.runs {
		rec.Workflows = append(rec.Workflows, &store.WorkflowRunRecord{
			RunID:      r.runID,
			BatchID:    b.id,
			Name:       r.entry.Graph.Name,
			Path:       r.entry.Path,
			Status:     r.status,
			Error:      r.err,
			ErrorNode:  r.errNode,
			StartedAt:  r.startedAt,
			FinishedAt: r.finishedAt,
		})
	}
	return rec
}

// historySnapshot converts a persisted record into the snapshot shape.
func historySnapshot(rec *store.BatchHistoryRecord) *schema.BatchSnapshot {
	finished := rec.FinishedAt
	snap := &schema.BatchSnapshot{
		BatchID:     rec.BatchID,
		Name:        rec.Name,
		Status:      rec.Status,
		Priority:    rec.Priority,
		WorkerCount: rec.WorkerCount,
		Counts:      rec.Counts,
		SubmittedAt: rec.SubmittedAt,
		FinishedAt:  &finished,
	}
	for _, wf := range rec.Workflows {
		snap.Workflows = append(snap.Workflows, schema.WorkflowRunState{
			RunID:      wf.RunID,
			Name:       wf.Name,
			Path:       wf.Path,
			Status:     wf.Status,
			Error:      wf.Error,
			ErrorNode:  wf.ErrorNode,
			StartedAt:  wf.StartedAt,
			FinishedAt: wf.FinishedAt,
		})
	}
	return snap
}
