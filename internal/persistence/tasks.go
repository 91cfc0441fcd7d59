package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aristath/autoqueue/internal/task"
)

// SaveTask saves or updates a task and its dependencies.
// Uses ON CONFLICT to make saves idempotent. Dependencies may name tasks the
// store has not seen yet; the queue reports those as missing, not the store.
func (s *SQLiteStore) SaveTask(ctx context.Context, t *task.Task) error {
	body, err := encodeTask(t)
	if err != nil {
		return err
	}

	// Begin transaction with serializable isolation (BEGIN IMMEDIATE)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, title, status, priority, seq, failure_reason, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			status = excluded.status,
			priority = excluded.priority,
			seq = excluded.seq,
			failure_reason = excluded.failure_reason,
			body = excluded.body,
			updated_at = CURRENT_TIMESTAMP
	`, t.ID, t.Title, string(t.Status), int(t.Priority), int64(t.Seq), t.FailureReason, body)
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, t.ID)
	if err != nil {
		return fmt.Errorf("failed to delete old dependencies: %w", err)
	}

	for i, d := range t.Dependencies {
		d = d.Normalized()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_id, type, strength, position)
			VALUES (?, ?, ?, ?, ?)
		`, t.ID, d.TaskID, string(d.Type), string(d.Strength), i)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", t.ID, d.TaskID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID, including its dependencies.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM tasks WHERE id = ?`, taskID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %q: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	t, err := decodeTask(body)
	if err != nil {
		return nil, err
	}
	if t.Dependencies, err = s.dependencies(ctx, taskID); err != nil {
		return nil, err
	}
	return t, nil
}

// UpdateTaskStatus records a state change without rewriting the whole task.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, taskID string, status task.Status, reason string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var body string
	err = tx.QueryRowContext(ctx, `SELECT body FROM tasks WHERE id = ?`, taskID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %q: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to query task: %w", err)
	}

	// The body carries the status too, so both are rewritten together.
	t, err := decodeTask(body)
	if err != nil {
		return err
	}
	t.Status = status
	if status == task.StatusFailed || status == task.StatusBlocked || status == task.StatusCancelled {
		t.FailureReason = reason
	}
	updated, err := encodeTask(t)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, failure_reason = ?, body = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, string(status), t.FailureReason, updated, taskID)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListTasks returns all tasks with their dependencies in admission order.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, body FROM tasks ORDER BY seq, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		t, err := decodeTask(body)
		if err != nil {
			return nil, err
		}
		if t.Dependencies, err = s.dependencies(ctx, id); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// DeleteTask removes a task and its outgoing dependency rows.
func (s *SQLiteStore) DeleteTask(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %q: %w", taskID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) dependencies(ctx context.Context, taskID string) ([]task.Dependency, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_id, type, strength
		FROM task_dependencies
		WHERE task_id = ?
		ORDER BY position
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var deps []task.Dependency
	for rows.Next() {
		var d task.Dependency
		var typ, strength string
		if err := rows.Scan(&d.TaskID, &typ, &strength); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		d.Type, d.Strength = task.DependencyType(typ), task.Strength(strength)
		deps = append(deps, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return deps, nil
}

// encodeTask stores everything but the dependencies, which live in their own
// table.
func encodeTask(t *task.Task) (string, error) {
	c := t.Clone()
	c.Dependencies = nil
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode task %s: %w", t.ID, err)
	}
	return string(b), nil
}

func decodeTask(body string) (*task.Task, error) {
	var t task.Task
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}
	return &t, nil
}
