package store

import (
	"context"
	"database/sql"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/hrygo/clawgate/internal/strutil"
)

// Task status values.
const (
	TaskActive = "active"
	TaskPaused = "paused"
)

// maxTaskResultLen bounds last_result.
const maxTaskResultLen = 10000

// Task is one scheduled prompt.
type Task struct {
	ID         string
	ChatID     int64
	Prompt     string
	Schedule   string
	NextRun    int64
	LastRun    int64 // zero when never run
	LastResult string
	Status     string
	CreatedAt  int64
}

// CreateTask inserts an active task and returns its opaque id.
func (s *Store) CreateTask(ctx context.Context, chatID int64, prompt, schedule string, nextRun int64) (*Task, error) {
	task := &Task{
		ID:        shortuuid.New(),
		ChatID:    chatID,
		Prompt:    prompt,
		Schedule:  schedule,
		NextRun:   nextRun,
		Status:    TaskActive,
		CreatedAt: now(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (id, chat_id, prompt, schedule, next_run, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.ChatID, task.Prompt, task.Schedule, task.NextRun, task.Status, task.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create task")
	}
	return task, nil
}

// GetTask fetches one task scoped to the chat, or nil.
func (s *Store) GetTask(ctx context.Context, chatID int64, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, chat_id, prompt, schedule, next_run, COALESCE(last_run, 0), COALESCE(last_result, ''), status, created_at
		FROM scheduled_tasks WHERE id = ? AND chat_id = ?`, id, chatID)
	return scanTask(row)
}

// ListTasks lists the chat's tasks in creation order.
func (s *Store) ListTasks(ctx context.Context, chatID int64) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, prompt, schedule, next_run, COALESCE(last_run, 0), COALESCE(last_result, ''), status, created_at
		FROM scheduled_tasks WHERE chat_id = ? ORDER BY created_at, id`, chatID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tasks")
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t := &Task{}
		if err := rows.Scan(&t.ID, &t.ChatID, &t.Prompt, &t.Schedule, &t.NextRun, &t.LastRun, &t.LastResult, &t.Status, &t.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan task")
		}
		out = append(out, t)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate tasks")
}

// DueTasks returns every active task whose next_run has passed,
// soonest first. Paused tasks are never returned.
func (s *Store) DueTasks(ctx context.Context, nowTs int64) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, prompt, schedule, next_run, COALESCE(last_run, 0), COALESCE(last_result, ''), status, created_at
		FROM scheduled_tasks WHERE status = ? AND next_run <= ? ORDER BY next_run`, TaskActive, nowTs)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query due tasks")
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t := &Task{}
		if err := rows.Scan(&t.ID, &t.ChatID, &t.Prompt, &t.Schedule, &t.NextRun, &t.LastRun, &t.LastResult, &t.Status, &t.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan due task")
		}
		out = append(out, t)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate due tasks")
}

// RecordTaskRun writes the post-run state: last_run, bounded
// last_result, and the already-computed next_run.
func (s *Store) RecordTaskRun(ctx context.Context, id string, ranAt int64, result string, nextRun int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET last_run = ?, last_result = ?, next_run = ? WHERE id = ?`,
		ranAt, strutil.Clip(result, maxTaskResultLen), nextRun, id)
	return errors.Wrap(err, "failed to record task run")
}

// SetTaskStatus transitions the task; the resume transition also
// rewrites next_run.
func (s *Store) SetTaskStatus(ctx context.Context, chatID int64, id, status string, nextRun int64) (bool, error) {
	var res sql.Result
	var err error
	if status == TaskActive && nextRun > 0 {
		res, err = s.db.ExecContext(ctx,
			"UPDATE scheduled_tasks SET status = ?, next_run = ? WHERE id = ? AND chat_id = ?",
			status, nextRun, id, chatID)
	} else {
		res, err = s.db.ExecContext(ctx,
			"UPDATE scheduled_tasks SET status = ? WHERE id = ? AND chat_id = ?",
			status, id, chatID)
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to set task status")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteTask removes the task scoped to the chat.
func (s *Store) DeleteTask(ctx context.Context, chatID int64, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM scheduled_tasks WHERE id = ? AND chat_id = ?", id, chatID)
	if err != nil {
		return false, errors.Wrap(err, "failed to delete task")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func scanTask(row *sql.Row) (*Task, error) {
	t := &Task{}
	err := row.Scan(&t.ID, &t.ChatID, &t.Prompt, &t.Schedule, &t.NextRun, &t.LastRun, &t.LastResult, &t.Status, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan task")
	}
	return t, nil
}
