package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type SubagentRepo struct {
	db *sql.DB
}

// SubagentFilter narrows List. Zero values mean "no constraint".
type SubagentFilter struct {
	Status   SubagentStatus
	ParentID string
}

func (r *SubagentRepo) Create(ctx context.Context, rec *SubagentRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = SubagentRunning
	}
	if rec.SpawnedAt == 0 {
		rec.SpawnedAt = nowMs()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO subagents (id, agent_name, parent_id, task, pid, status,
			spawned_at, completed_at, timeout_ms, result, tokens_used,
			tool_uses, session_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.AgentName, rec.ParentID, rec.Task, rec.Pid, rec.Status,
		rec.SpawnedAt, rec.CompletedAt, rec.TimeoutMs, rec.Result,
		rec.TokensUsed, rec.ToolUses, rec.SessionID)
	if err != nil {
		return fmt.Errorf("create subagent: %w", err)
	}
	return nil
}

func (r *SubagentRepo) Get(ctx context.Context, id string) (*SubagentRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, agent_name, parent_id, task, pid, status, spawned_at,
			completed_at, timeout_ms, result, tokens_used, tool_uses, session_id
		FROM subagents WHERE id = ?`, id)
	return scanSubagent(row)
}

func (r *SubagentRepo) Update(ctx context.Context, rec *SubagentRecord) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE subagents SET status = ?, completed_at = ?, result = ?,
			tokens_used = ?, tool_uses = ?, pid = ?, session_id = ?
		WHERE id = ?`,
		rec.Status, rec.CompletedAt, rec.Result, rec.TokensUsed, rec.ToolUses,
		rec.Pid, rec.SessionID, rec.ID)
	if err != nil {
		return fmt.Errorf("update subagent: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("update subagent: no record with id %s", rec.ID)
	}
	return nil
}

func (r *SubagentRepo) List(ctx context.Context, filter SubagentFilter) ([]*SubagentRecord, error) {
	query := `
		SELECT id, agent_name, parent_id, task, pid, status, spawned_at,
			completed_at, timeout_ms, result, tokens_used, tool_uses, session_id
		FROM subagents WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.ParentID != "" {
		query += ` AND parent_id = ?`
		args = append(args, filter.ParentID)
	}
	query += ` ORDER BY spawned_at ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list subagents: %w", err)
	}
	defer rows.Close()

	var records []*SubagentRecord
	for rows.Next() {
		rec, err := scanSubagent(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *SubagentRepo) GetRunning(ctx context.Context) ([]*SubagentRecord, error) {
	return r.List(ctx, SubagentFilter{Status: SubagentRunning})
}

// MarkOrphaned transitions running records spawned before the cutoff to
// orphaned and returns how many were affected.
func (r *SubagentRepo) MarkOrphaned(ctx context.Context, olderThanMs int64) (int, error) {
	cutoff := nowMs() - olderThanMs
	res, err := r.db.ExecContext(ctx, `
		UPDATE subagents SET status = 'orphaned', completed_at = ?
		WHERE status = 'running' AND spawned_at < ?`, nowMs(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("mark orphaned: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanSubagent(row rowScanner) (*SubagentRecord, error) {
	var rec SubagentRecord
	err := row.Scan(&rec.ID, &rec.AgentName, &rec.ParentID, &rec.Task,
		&rec.Pid, &rec.Status, &rec.SpawnedAt, &rec.CompletedAt,
		&rec.TimeoutMs, &rec.Result, &rec.TokensUsed, &rec.ToolUses,
		&rec.SessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan subagent: %w", err)
	}
	return &rec, nil
}
