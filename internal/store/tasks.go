package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"agentflow/internal/domain"
)

const taskColumns = "id,user_id,handler_name,payload,next_run_at,interval_ms,cron_expr,status,created_at,updated_at"

// CreateTask inserts a pending task. A zero interval makes the task one-shot;
// a positive interval makes it recur after each successful run.
func (s *Store) CreateTask(ctx context.Context, userID, handlerName string, payload json.RawMessage, nextRunAt time.Time, interval time.Duration) (string, error) {
	return s.insertTask(ctx, userID, handlerName, payload, nextRunAt, interval, "")
}

// CreateCronTask inserts a recurring task driven by a standard cron
// expression instead of a fixed interval.
func (s *Store) CreateCronTask(ctx context.Context, userID, handlerName string, payload json.RawMessage, nextRunAt time.Time, cronExpr string) (string, error) {
	if _, err := cron.ParseStandard(cronExpr); err != nil {
		return "", &ValidationError{Field: "cron_expr", Reason: err.Error()}
	}
	return s.insertTask(ctx, userID, handlerName, payload, nextRunAt, 0, cronExpr)
}

func (s *Store) insertTask(ctx context.Context, userID, handlerName string, payload json.RawMessage, nextRunAt time.Time, interval time.Duration, cronExpr string) (string, error) {
	if handlerName == "" {
		return "", &ValidationError{Field: "handler_name", Reason: "must not be empty"}
	}
	if nextRunAt.IsZero() {
		return "", &ValidationError{Field: "next_run_at", Reason: "must be a valid timestamp"}
	}
	db, err := s.handle()
	if err != nil {
		return "", err
	}
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	id := "tsk_" + uuid.NewString()
	now := time.Now().UnixMilli()
	_, err = db.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES (?,?,?,?,?,?,?, 'pending', ?,?)
`, id, userID, handlerName, []byte(payload), nextRunAt.UnixMilli(), interval.Milliseconds(), cronExpr, now, now)
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return id, nil
}

// FindDueTasks returns up to limit pending tasks whose next_run_at has
// passed, earliest due first. The ordering bounds staleness for the
// oldest-due work; it is not a dispatch-order guarantee once claims race.
func (s *Store) FindDueTasks(ctx context.Context, limit int) ([]domain.Task, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
SELECT `+taskColumns+` FROM tasks
WHERE status='pending' AND next_run_at <= ?
ORDER BY next_run_at ASC
LIMIT ?`, time.Now().UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Claim transitions a task from pending to running iff it is still pending,
// as a single conditional update. When concurrent workers race on the same
// id at most one call returns true; the rest lose the race and return false.
func (s *Store) Claim(ctx context.Context, id string) (bool, error) {
	db, err := s.handle()
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx, `
UPDATE tasks SET status='running', updated_at=?
WHERE id=? AND status='pending'`, time.Now().UnixMilli(), id)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkCompleted moves a running task to its terminal state. Calling it on a
// task that is already terminal is a no-op; an unknown id is ErrNotFound.
func (s *Store) MarkCompleted(ctx context.Context, id string, failed bool) error {
	status := domain.StatusCompleted
	if failed {
		status = domain.StatusFailed
	}
	return s.transition(ctx, id, status, 0)
}

// UpdateNextRun puts a running task back to pending with a new due time.
func (s *Store) UpdateNextRun(ctx context.Context, id string, newRunTime time.Time) error {
	return s.transition(ctx, id, domain.StatusPending, newRunTime.UnixMilli())
}

func (s *Store) transition(ctx context.Context, id string, status domain.Status, nextRunAt int64) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	var res sql.Result
	now := time.Now().UnixMilli()
	if status == domain.StatusPending {
		res, err = db.ExecContext(ctx, `
UPDATE tasks SET status='pending', next_run_at=?, updated_at=?
WHERE id=? AND status='running'`, nextRunAt, now, id)
	} else {
		res, err = db.ExecContext(ctx, `
UPDATE tasks SET status=?, updated_at=?
WHERE id=? AND status='running'`, string(status), now, id)
	}
	if err != nil {
		return fmt.Errorf("transition task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing task from a task already in a terminal
		// state, which is a legal no-op.
		if _, err := s.GetTask(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// RescheduleIfRecurring applies the completion policy after a successful run:
// non-recurring tasks become completed, recurring ones cycle back to pending.
// Recurrence anchors to completion time (now + interval, or the cron
// expression's next fire after now), so run duration shifts later runs.
func (s *Store) RescheduleIfRecurring(ctx context.Context, task domain.Task) error {
	switch {
	case task.CronExpr != "":
		sched, err := cron.ParseStandard(task.CronExpr)
		if err != nil {
			return fmt.Errorf("parse cron expr: %w", err)
		}
		return s.UpdateNextRun(ctx, task.ID, sched.Next(time.Now()))
	case task.Interval > 0:
		return s.UpdateNextRun(ctx, task.ID, time.Now().Add(task.Interval))
	default:
		return s.MarkCompleted(ctx, task.ID, false)
	}
}

func (s *Store) GetTask(ctx context.Context, id string) (domain.Task, error) {
	db, err := s.handle()
	if err != nil {
		return domain.Task{}, err
	}
	row := db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

func (s *Store) ListRecentTasks(ctx context.Context, limit int) ([]domain.Task, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// RequeueStale returns running tasks whose claimant has gone quiet (no state
// change for olderThan) back to pending, so a crashed worker's claims are
// re-dispatched rather than stuck.
func (s *Store) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := db.ExecContext(ctx, `
UPDATE tasks SET status='pending', updated_at=?
WHERE status='running' AND updated_at <= ?`, time.Now().UnixMilli(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeue stale: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteAllTasks clears the task table. Administrative/test use only.
func (s *Store) DeleteAllTasks(ctx context.Context) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, "DELETE FROM tasks")
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t          domain.Task
		payload    []byte
		nextRunAt  int64
		intervalMs int64
		status     string
		createdAt  int64
		updatedAt  int64
	)
	err := row.Scan(&t.ID, &t.UserID, &t.HandlerName, &payload, &nextRunAt, &intervalMs, &t.CronExpr, &status, &createdAt, &updatedAt)
	if err != nil {
		return domain.Task{}, err
	}
	t.Payload = json.RawMessage(payload)
	t.NextRunAt = time.UnixMilli(nextRunAt)
	t.Interval = time.Duration(intervalMs) * time.Millisecond
	t.Status = domain.Status(status)
	t.CreatedAt = time.UnixMilli(createdAt)
	t.UpdatedAt = time.UnixMilli(updatedAt)
	return t, nil
}
