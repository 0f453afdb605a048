package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type TaskRepo struct {
	db *sql.DB
}

// TaskFilter narrows List. Zero values mean "no constraint".
type TaskFilter struct {
	Status     TaskStatus
	Owner      string
	NotBlocked bool
}

func (r *TaskRepo) Create(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	now := nowMs()
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	if t.UpdatedAt == 0 {
		t.UpdatedAt = now
	}

	blockedBy, err := marshalJSON(t.BlockedBy)
	if err != nil {
		return err
	}
	blocks, err := marshalJSON(t.Blocks)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(t.Metadata)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO tasks (id, subject, description, active_form, status,
			owner, blocked_by, blocks, metadata, time_budget_ms,
			verify_command, failure_context, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Subject, t.Description, t.ActiveForm, t.Status, t.Owner,
		blockedBy, blocks, metadata, t.TimeBudgetMs, t.VerifyCommand,
		t.FailureContext, t.RetryCount, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (r *TaskRepo) Get(ctx context.Context, id string) (*Task, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, subject, description, active_form, status, owner,
			blocked_by, blocks, metadata, time_budget_ms, verify_command,
			failure_context, retry_count, created_at, updated_at
		FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// Update persists every mutable field. The blockedBy/blocks symmetry is the
// task manager's responsibility; the repository stores what it is given.
func (r *TaskRepo) Update(ctx context.Context, t *Task) error {
	t.UpdatedAt = nowMs()

	blockedBy, err := marshalJSON(t.BlockedBy)
	if err != nil {
		return err
	}
	blocks, err := marshalJSON(t.Blocks)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(t.Metadata)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE tasks SET subject = ?, description = ?, active_form = ?,
			status = ?, owner = ?, blocked_by = ?, blocks = ?, metadata = ?,
			time_budget_ms = ?, verify_command = ?, failure_context = ?,
			retry_count = ?, updated_at = ?
		WHERE id = ?`,
		t.Subject, t.Description, t.ActiveForm, t.Status, t.Owner, blockedBy,
		blocks, metadata, t.TimeBudgetMs, t.VerifyCommand, t.FailureContext,
		t.RetryCount, t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("update task: no task with id %s", t.ID)
	}
	return nil
}

func (r *TaskRepo) List(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	query := `
		SELECT id, subject, description, active_form, status, owner,
			blocked_by, blocks, metadata, time_budget_ms, verify_command,
			failure_context, retry_count, created_at, updated_at
		FROM tasks WHERE status != 'deleted'`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.Owner != "" {
		query += ` AND owner = ?`
		args = append(args, filter.Owner)
	}
	if filter.NotBlocked {
		query += ` AND (blocked_by = '' OR blocked_by = '[]' OR blocked_by = 'null')`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// SoftDelete marks the task deleted; the row is kept.
func (r *TaskRepo) SoftDelete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'deleted', updated_at = ? WHERE id = ?`,
		nowMs(), id)
	if err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AddDependency records that task depends on blocker, updating both sides.
func (r *TaskRepo) AddDependency(ctx context.Context, taskID, blockerID string) error {
	task, err := r.Get(ctx, taskID)
	if err != nil {
		return err
	}
	blocker, err := r.Get(ctx, blockerID)
	if err != nil {
		return err
	}
	if task == nil || blocker == nil {
		return fmt.Errorf("add dependency: task %s or %s not found", taskID, blockerID)
	}
	task.BlockedBy = appendUnique(task.BlockedBy, blockerID)
	blocker.Blocks = appendUnique(blocker.Blocks, taskID)
	if err := r.Update(ctx, task); err != nil {
		return err
	}
	return r.Update(ctx, blocker)
}

// RemoveDependency drops the blocker relationship from both sides.
func (r *TaskRepo) RemoveDependency(ctx context.Context, taskID, blockerID string) error {
	task, err := r.Get(ctx, taskID)
	if err != nil {
		return err
	}
	blocker, err := r.Get(ctx, blockerID)
	if err != nil {
		return err
	}
	if task == nil || blocker == nil {
		return fmt.Errorf("remove dependency: task %s or %s not found", taskID, blockerID)
	}
	task.BlockedBy = removeString(task.BlockedBy, blockerID)
	blocker.Blocks = removeString(blocker.Blocks, taskID)
	if err := r.Update(ctx, task); err != nil {
		return err
	}
	return r.Update(ctx, blocker)
}

func (r *TaskRepo) ClearOwner(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE tasks SET owner = '', updated_at = ? WHERE id = ?`, nowMs(), id)
	if err != nil {
		return fmt.Errorf("clear owner: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("clear owner: no task with id %s", id)
	}
	return nil
}

// GetBlocked returns non-deleted tasks with a non-empty blockedBy set.
func (r *TaskRepo) GetBlocked(ctx context.Context) ([]*Task, error) {
	tasks, err := r.List(ctx, TaskFilter{})
	if err != nil {
		return nil, err
	}
	var blocked []*Task
	for _, t := range tasks {
		if len(t.BlockedBy) > 0 {
			blocked = append(blocked, t)
		}
	}
	return blocked, nil
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var blockedBy, blocks, metadata string
	err := row.Scan(&t.ID, &t.Subject, &t.Description, &t.ActiveForm,
		&t.Status, &t.Owner, &blockedBy, &blocks, &metadata, &t.TimeBudgetMs,
		&t.VerifyCommand, &t.FailureContext, &t.RetryCount, &t.CreatedAt,
		&t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if t.BlockedBy, err = unmarshalStrings(blockedBy); err != nil {
		return nil, err
	}
	if t.Blocks, err = unmarshalStrings(blocks); err != nil {
		return nil, err
	}
	if t.Metadata, err = unmarshalMap(metadata); err != nil {
		return nil, err
	}
	return &t, nil
}

func appendUnique(list []string, item string) []string {
	for _, v := range list {
		if v == item {
			return list
		}
	}
	return append(list, item)
}

func removeString(list []string, item string) []string {
	out := list[:0]
	for _, v := range list {
		if v != item {
			out = append(out, v)
		}
	}
	return out
}
