package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type SessionRepo struct {
	db *sql.DB
}

func (r *SessionRepo) Create(ctx context.Context, s *Session) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt == 0 {
		s.CreatedAt = nowMs()
	}
	if s.LastActivity < s.CreatedAt {
		s.LastActivity = s.CreatedAt
	}
	if s.QueueMode == "" {
		s.QueueMode = QueueModeQueue
	}
	flags, err := marshalJSON(s.Flags)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, created_at, last_activity, compaction_count,
			total_tokens_used, queue_mode, active_channel_id, current_task_id,
			thinking_level, flags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.CreatedAt, s.LastActivity, s.CompactionCount,
		s.TotalTokensUsed, s.QueueMode, s.ActiveChannelID, s.CurrentTaskID,
		s.ThinkingLevel, flags)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (r *SessionRepo) Get(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, created_at, last_activity, compaction_count,
			total_tokens_used, queue_mode, active_channel_id, current_task_id,
			thinking_level, flags
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (r *SessionRepo) Update(ctx context.Context, s *Session) error {
	flags, err := marshalJSON(s.Flags)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET last_activity = ?, compaction_count = ?,
			total_tokens_used = ?, queue_mode = ?, active_channel_id = ?,
			current_task_id = ?, thinking_level = ?, flags = ?
		WHERE id = ?`,
		s.LastActivity, s.CompactionCount, s.TotalTokensUsed, s.QueueMode,
		s.ActiveChannelID, s.CurrentTaskID, s.ThinkingLevel, flags, s.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("update session: no session with id %s", s.ID)
	}
	return nil
}

// List returns sessions ordered by last activity, most recent first.
func (r *SessionRepo) List(ctx context.Context, limit, offset int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, created_at, last_activity, compaction_count,
			total_tokens_used, queue_mode, active_channel_id, current_task_id,
			thinking_level, flags
		FROM sessions ORDER BY last_activity DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Delete removes a session; its messages cascade. Returns whether a row
// was removed.
func (r *SessionRepo) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetActive returns the most recently active session, or nil when the
// table is empty.
func (r *SessionRepo) GetActive(ctx context.Context) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, created_at, last_activity, compaction_count,
			total_tokens_used, queue_mode, active_channel_id, current_task_id,
			thinking_level, flags
		FROM sessions ORDER BY last_activity DESC LIMIT 1`)
	return scanSession(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var flags string
	err := row.Scan(&s.ID, &s.CreatedAt, &s.LastActivity, &s.CompactionCount,
		&s.TotalTokensUsed, &s.QueueMode, &s.ActiveChannelID, &s.CurrentTaskID,
		&s.ThinkingLevel, &flags)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	m, err := unmarshalMap(flags)
	if err != nil {
		return nil, err
	}
	if m != nil {
		s.Flags = make(map[string]string, len(m))
		for k, v := range m {
			if str, ok := v.(string); ok {
				s.Flags[k] = str
			}
		}
	}
	return &s, nil
}
