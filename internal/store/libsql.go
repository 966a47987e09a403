package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/pagerun/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Batch history ---

func (s *LibSQLStore) AppendBatchHistory(ctx context.Context, rec *BatchHistoryRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append history: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO batch_history (batch_id, name, status, priority, worker_count, queued, running, completed, failed, stopped, submitted_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.BatchID, nullStr(rec.Name), string(rec.Status), rec.Priority, rec.WorkerCount,
		rec.Counts.Queued, rec.Counts.Running, rec.Counts.Completed, rec.Counts.Failed, rec.Counts.Stopped,
		timeOrNow(rec.SubmittedAt), timeOrNow(rec.FinishedAt),
	)
	if err != nil {
		_ = tx.Rollback()
		return schema.NewError(schema.ErrCodeStore, "append batch history").WithCause(err)
	}

	for _, wf := range rec.Workflows {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO batch_workflows (run_id, batch_id, name, path, status, error, error_node, started_at, finished_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			wf.RunID, rec.BatchID, nullStr(wf.Name), nullStr(wf.Path), string(wf.Status),
			nullStr(wf.Error), nullStr(wf.ErrorNode), nullTime(wf.StartedAt), nullTime(wf.FinishedAt),
		)
		if err != nil {
			_ = tx.Rollback()
			return schema.NewError(schema.ErrCodeStore, "append workflow record").WithCause(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return schema.NewError(schema.ErrCodeStore, "commit batch history").WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) GetBatchHistory(ctx context.Context, batchID string) (*BatchHistoryRecord, error) {
	rec := &BatchHistoryRecord{}
	var name sql.NullString
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT batch_id, name, status, priority, worker_count, queued, running, completed, failed, stopped, submitted_at, finished_at
		 FROM batch_history WHERE batch_id = ?`, batchID,
	).Scan(&rec.BatchID, &name, &status, &rec.Priority, &rec.WorkerCount,
		&rec.Counts.Queued, &rec.Counts.Running, &rec.Counts.Completed, &rec.Counts.Failed, &rec.Counts.Stopped,
		&rec.SubmittedAt, &rec.FinishedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("batch", batchID)
	}
	if err != nil {
		return nil, err
	}
	rec.Name = name.String
	rec.Status = schema.BatchStatus(status)

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, batch_id, name, path, status, error, error_node, started_at, finished_at
		 FROM batch_workflows WHERE batch_id = ? ORDER BY run_id`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		wf, err := scanWorkflowRecord(rows)
		if err != nil {
			return nil, err
		}
		rec.Workflows = append(rec.Workflows, wf)
	}
	return rec, rows.Err()
}

func (s *LibSQLStore) ListBatchHistory(ctx context.Context, filter HistoryFilter) ([]*BatchHistoryRecord, error) {
	query := `SELECT batch_id, name, status, priority, worker_count, queued, running, completed, failed, stopped, submitted_at, finished_at
		 FROM batch_history`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY submitted_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*BatchHistoryRecord
	for rows.Next() {
		rec := &BatchHistoryRecord{}
		var name sql.NullString
		var status string
		if err := rows.Scan(&rec.BatchID, &name, &status, &rec.Priority, &rec.WorkerCount,
			&rec.Counts.Queued, &rec.Counts.Running, &rec.Counts.Completed, &rec.Counts.Failed, &rec.Counts.Stopped,
			&rec.SubmittedAt, &rec.FinishedAt); err != nil {
			return nil, err
		}
		rec.Name = name.String
		rec.Status = schema.BatchStatus(status)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *LibSQLStore) CountBatchHistory(ctx context.Context, status schema.BatchStatus) (int, error) {
	query := `SELECT COUNT(*) FROM batch_history`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	var n int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

func (s *LibSQLStore) ClearBatchHistory(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM batch_workflows`); err != nil {
		return schema.NewError(schema.ErrCodeStore, "clear workflow records").WithCause(err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM batch_history`); err != nil {
		return schema.NewError(schema.ErrCodeStore, "clear batch history").WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) PruneBatchHistory(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM batch_history WHERE batch_id NOT IN (
			SELECT batch_id FROM batch_history ORDER BY submitted_at DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, schema.NewError(schema.ErrCodeStore, "prune batch history").WithCause(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	// Orphaned workflow rows are removed by ON DELETE CASCADE; this covers
	// databases created before foreign_keys was enforced.
	_, _ = s.db.ExecContext(ctx,
		`DELETE FROM batch_workflows WHERE batch_id NOT IN (SELECT batch_id FROM batch_history)`)
	return int(n), nil
}

// --- Scheduled batches ---

func (s *LibSQLStore) CreateScheduledBatch(ctx context.Context, sb *ScheduledBatch) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_batches (id, name, cron_expr, spec, enabled, last_run_at, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sb.ID, sb.Name, sb.CronExpr, string(sb.Spec), boolToInt(sb.Enabled),
		nullTime(sb.LastRunAt), nullTime(sb.NextRunAt), timeOrNow(sb.CreatedAt),
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "create scheduled batch").WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) GetScheduledBatch(ctx context.Context, id string) (*ScheduledBatch, error) {
	sb := &ScheduledBatch{}
	var spec string
	var enabled int
	var lastRun, nextRun sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, cron_expr, spec, enabled, last_run_at, next_run_at, created_at
		 FROM scheduled_batches WHERE id = ?`, id,
	).Scan(&sb.ID, &sb.Name, &sb.CronExpr, &spec, &enabled, &lastRun, &nextRun, &sb.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled batch", id)
	}
	if err != nil {
		return nil, err
	}
	sb.Spec = []byte(spec)
	sb.Enabled = enabled != 0
	if lastRun.Valid {
		sb.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		sb.NextRunAt = &nextRun.Time
	}
	return sb, nil
}

func (s *LibSQLStore) ListScheduledBatches(ctx context.Context, enabledOnly bool) ([]*ScheduledBatch, error) {
	query := `SELECT id, name, cron_expr, spec, enabled, last_run_at, next_run_at, created_at FROM scheduled_batches`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ScheduledBatch
	for rows.Next() {
		sb := &ScheduledBatch{}
		var spec string
		var enabled int
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&sb.ID, &sb.Name, &sb.CronExpr, &spec, &enabled, &lastRun, &nextRun, &sb.CreatedAt); err != nil {
			return nil, err
		}
		sb.Spec = []byte(spec)
		sb.Enabled = enabled != 0
		if lastRun.Valid {
			sb.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			sb.NextRunAt = &nextRun.Time
		}
		out = append(out, sb)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) UpdateScheduledBatch(ctx context.Context, id string, update ScheduledBatchUpdate) error {
	var sets []string
	var args []any
	if update.CronExpr != nil {
		sets = append(sets, "cron_expr = ?")
		args = append(args, *update.CronExpr)
	}
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_batches SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "update scheduled batch").WithCause(err)
	}
	return checkRowsAffected(res, "scheduled batch", id)
}

func (s *LibSQLStore) DeleteScheduledBatch(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_batches WHERE id = ?`, id)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "delete scheduled batch").WithCause(err)
	}
	return checkRowsAffected(res, "scheduled batch", id)
}

// --- Helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflowRecord(row rowScanner) (*WorkflowRunRecord, error) {
	wf := &WorkflowRunRecord{}
	var name, path, errMsg, errNode sql.NullString
	var status string
	var started, finished sql.NullTime
	if err := row.Scan(&wf.RunID, &wf.BatchID, &name, &path, &status, &errMsg, &errNode, &started, &finished); err != nil {
		return nil, err
	}
	wf.Name = name.String
	wf.Path = path.String
	wf.Status = schema.RunStatus(status)
	wf.Error = errMsg.String
	wf.ErrorNode = errNode.String
	if started.Valid {
		wf.StartedAt = &started.Time
	}
	if finished.Valid {
		wf.FinishedAt = &finished.Time
	}
	return wf, nil
}

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
