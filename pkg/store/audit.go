package store

import (
	"context"
	"database/sql"
	"fmt"
)

// AuditRepo is an append-only log of privileged actions.
type AuditRepo struct {
	db *sql.DB
}

// AuditQuery narrows Query. Zero values mean "no constraint".
type AuditQuery struct {
	Action  string
	UserID  string
	AgentID string
	FromMs  int64
	ToMs    int64
	Limit   int
}

func (r *AuditRepo) Append(ctx context.Context, e *AuditEntry) error {
	if e.Timestamp == 0 {
		e.Timestamp = nowMs()
	}
	if e.Result == "" {
		e.Result = AuditSuccess
	}
	details, err := marshalJSON(e.Details)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_log (timestamp, action, target_id, user_id,
			agent_id, result, details)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp, e.Action, e.TargetID, e.UserID, e.AgentID,
		string(e.Result), details)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// Query returns entries newest first; the default limit is 100.
func (r *AuditRepo) Query(ctx context.Context, q AuditQuery) ([]*AuditEntry, error) {
	query := `
		SELECT id, timestamp, action, target_id, user_id, agent_id, result, details
		FROM audit_log WHERE 1=1`
	var args []any
	if q.Action != "" {
		query += ` AND action = ?`
		args = append(args, q.Action)
	}
	if q.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, q.UserID)
	}
	if q.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, q.AgentID)
	}
	if q.FromMs > 0 {
		query += ` AND timestamp >= ?`
		args = append(args, q.FromMs)
	}
	if q.ToMs > 0 {
		query += ` AND timestamp <= ?`
		args = append(args, q.ToMs)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanAudit(rows *sql.Rows) (*AuditEntry, error) {
	var e AuditEntry
	var result, details string
	if err := rows.Scan(&e.ID, &e.Timestamp, &e.Action, &e.TargetID,
		&e.UserID, &e.AgentID, &result, &details); err != nil {
		return nil, fmt.Errorf("scan audit entry: %w", err)
	}
	e.Result = AuditResult(result)
	var err error
	if e.Details, err = unmarshalMap(details); err != nil {
		return nil, err
	}
	return &e, nil
}
