package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type ApprovalRepo struct {
	db *sql.DB
}

func (r *ApprovalRepo) Create(ctx context.Context, a *ApprovalRequest) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAtMs == 0 {
		a.CreatedAtMs = nowMs()
	}
	contextJSON, err := marshalJSON(a.Context)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO approvals (id, command, context, created_at_ms,
			expires_at_ms, decision, decided_at_ms, decided_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Command, contextJSON, a.CreatedAtMs, a.ExpiresAtMs,
		string(a.Decision), a.DecidedAtMs, a.DecidedBy)
	if err != nil {
		return fmt.Errorf("create approval: %w", err)
	}
	return nil
}

func (r *ApprovalRepo) Get(ctx context.Context, id string) (*ApprovalRequest, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, command, context, created_at_ms, expires_at_ms, decision,
			decided_at_ms, decided_by
		FROM approvals WHERE id = ?`, id)
	return scanApproval(row)
}

// Update persists a decision. A decision, once written, is frozen.
func (r *ApprovalRepo) Update(ctx context.Context, a *ApprovalRequest) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE approvals SET decision = ?, decided_at_ms = ?, decided_by = ?
		WHERE id = ? AND decision = ''`,
		string(a.Decision), a.DecidedAtMs, a.DecidedBy, a.ID)
	if err != nil {
		return fmt.Errorf("update approval: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		existing, getErr := r.Get(ctx, a.ID)
		if getErr == nil && existing != nil && existing.Decision != "" {
			return fmt.Errorf("update approval: decision for %s already recorded", a.ID)
		}
		return fmt.Errorf("update approval: no approval with id %s", a.ID)
	}
	return nil
}

func (r *ApprovalRepo) GetPending(ctx context.Context) ([]*ApprovalRequest, error) {
	return r.query(ctx, `WHERE decision = ''`)
}

// GetExpired returns pending requests whose expiry is in the past.
func (r *ApprovalRepo) GetExpired(ctx context.Context) ([]*ApprovalRequest, error) {
	return r.query(ctx, `WHERE decision = '' AND expires_at_ms < ?`, nowMs())
}

func (r *ApprovalRepo) query(ctx context.Context, where string, args ...any) ([]*ApprovalRequest, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, command, context, created_at_ms, expires_at_ms, decision,
			decided_at_ms, decided_by
		FROM approvals `+where+` ORDER BY created_at_ms ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer rows.Close()

	var approvals []*ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

func scanApproval(row rowScanner) (*ApprovalRequest, error) {
	var a ApprovalRequest
	var contextJSON, decision string
	err := row.Scan(&a.ID, &a.Command, &contextJSON, &a.CreatedAtMs,
		&a.ExpiresAtMs, &decision, &a.DecidedAtMs, &a.DecidedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan approval: %w", err)
	}
	a.Decision = Decision(decision)
	if a.Context, err = unmarshalMap(contextJSON); err != nil {
		return nil, err
	}
	return &a, nil
}
