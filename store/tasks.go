package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tradingagents/analysisd/task"
)

// terminalGuard excludes rows already in a terminal state. Every terminal
// transition goes through it, so a task becomes terminal exactly once and
// a recorded cancellation is never overwritten by a late completion.
const terminalGuard = "status NOT IN ('completed', 'failed', 'cancelled')"

// CreateTask inserts a new task document.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	params, err := json.Marshal(t.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, user_id, symbol, batch_id, status, progress,
			current_step, message, params, estimated_seconds, created_at, started_at, ended_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Symbol, t.BatchID, string(t.Status), t.Progress,
		t.CurrentStep, t.Message, string(params), t.EstimatedSeconds,
		encodeTime(t.CreatedAt), encodeTimePtr(t.StartedAt), encodeTimePtr(t.EndedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask loads a task document by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, taskQuery+" WHERE task_id = ?", taskID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// Filter selects task documents for listing.
type Filter struct {
	UserID string
	Status task.Status
	Limit  int
	Offset int
}

// ListTasks returns task documents matching the filter, newest first.
func (s *Store) ListTasks(ctx context.Context, f Filter) ([]*task.Task, error) {
	var conds []string
	var args []any
	if f.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}

	query := taskQuery
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// SetRunning transitions the task to running and records the worker claim.
// Returns false when the task is already terminal.
func (s *Store) SetRunning(ctx context.Context, taskID, workerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, worker_id = ?,
			started_at = COALESCE(started_at, ?)
		WHERE task_id = ? AND `+terminalGuard,
		string(task.StatusRunning), workerID, encodeTime(s.clock()), taskID)
	if err != nil {
		return false, fmt.Errorf("set running: %w", err)
	}
	return applied(res)
}

// UpdateProgress records an intermediate progress write. Progress is
// monotonic: a lower value leaves the stored one in place. Only running
// tasks accept progress.
func (s *Store) UpdateProgress(ctx context.Context, taskID string, progress int, currentStep, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			progress = MAX(progress, ?),
			current_step = ?,
			message = ?
		WHERE task_id = ? AND status = ?`,
		progress, currentStep, message, taskID, string(task.StatusRunning))
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// SetCompleted records the terminal success state with the result payload.
// Returns false when the task was already terminal (e.g. cancelled while
// the pipeline was still running), in which case the result is discarded.
func (s *Store) SetCompleted(ctx context.Context, taskID string, result map[string]any) (bool, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("marshal result: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, progress = 100, result = ?, error = NULL, ended_at = ?
		WHERE task_id = ? AND `+terminalGuard,
		string(task.StatusCompleted), string(payload), encodeTime(s.clock()), taskID)
	if err != nil {
		return false, fmt.Errorf("set completed: %w", err)
	}
	return applied(res)
}

// SetFailed records the terminal failure state. Progress is left as-is for
// diagnostics. Returns false when the task was already terminal.
func (s *Store) SetFailed(ctx context.Context, taskID, errMsg string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, error = ?, result = NULL, ended_at = ?
		WHERE task_id = ? AND `+terminalGuard,
		string(task.StatusFailed), errMsg, encodeTime(s.clock()), taskID)
	if err != nil {
		return false, fmt.Errorf("set failed: %w", err)
	}
	return applied(res)
}

// SetCancelled records the terminal cancelled state. Once recorded, later
// completion or failure writes are rejected by the terminal guard.
func (s *Store) SetCancelled(ctx context.Context, taskID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, ended_at = ?, message = 'task cancelled'
		WHERE task_id = ? AND `+terminalGuard,
		string(task.StatusCancelled), encodeTime(s.clock()), taskID)
	if err != nil {
		return false, fmt.Errorf("set cancelled: %w", err)
	}
	return applied(res)
}

// ReclaimZombies force-fails tasks stuck non-terminal past the ceiling and
// returns how many were reclaimed. This is the slow, store-based backstop
// behind the cache-based visibility timeout.
func (s *Store) ReclaimZombies(ctx context.Context, maxRunning time.Duration, reason string) (int, error) {
	cutoff := encodeTime(s.clock().Add(-maxRunning))
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, error = ?, ended_at = ?,
			message = 'task timed out and was marked failed'
		WHERE status IN (?, ?) AND COALESCE(started_at, created_at) < ?`,
		string(task.StatusFailed), reason, encodeTime(s.clock()),
		string(task.StatusPending), string(task.StatusRunning), cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim zombies: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DeleteOlderThan removes terminal task documents past the retention
// window and returns how many were deleted.
func (s *Store) DeleteOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := encodeTime(s.clock().Add(-age))
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks
		WHERE created_at < ? AND status IN ('completed', 'failed', 'cancelled')`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old tasks: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func applied(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const taskQuery = `
	SELECT task_id, user_id, symbol, COALESCE(batch_id, ''), status, progress,
		current_step, message, params, result, error, estimated_seconds,
		created_at, started_at, ended_at
	FROM tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var (
		t         task.Task
		status    string
		params    string
		result    sql.NullString
		errMsg    sql.NullString
		createdAt string
		startedAt sql.NullString
		endedAt   sql.NullString
	)
	err := row.Scan(&t.ID, &t.UserID, &t.Symbol, &t.BatchID, &status, &t.Progress,
		&t.CurrentStep, &t.Message, &params, &result, &errMsg, &t.EstimatedSeconds,
		&createdAt, &startedAt, &endedAt)
	if err != nil {
		return nil, err
	}

	t.Status, err = task.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &t.Params); err != nil {
		return nil, fmt.Errorf("unmarshal params: %w", err)
	}
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &t.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if errMsg.Valid {
		t.Error = errMsg.String
	}
	if t.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}
	if t.StartedAt, err = decodeTimePtr(startedAt); err != nil {
		return nil, fmt.Errorf("decode started_at: %w", err)
	}
	if t.EndedAt, err = decodeTimePtr(endedAt); err != nil {
		return nil, fmt.Errorf("decode ended_at: %w", err)
	}
	return &t, nil
}
