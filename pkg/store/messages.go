package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type MessageRepo struct {
	db *sql.DB
}

func (r *MessageRepo) Create(ctx context.Context, m *Message) error {
	if m.UUID == "" {
		m.UUID = uuid.NewString()
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = nowMs()
	}
	blocks := ""
	if len(m.Blocks) > 0 {
		data, err := json.Marshal(m.Blocks)
		if err != nil {
			return fmt.Errorf("marshal blocks: %w", err)
		}
		blocks = string(data)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (uuid, session_id, parent_uuid, role, content,
			blocks, created_at, token_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.UUID, m.SessionID, m.ParentUUID, m.Role, m.Content, blocks,
		m.CreatedAt, m.TokenCount)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

func (r *MessageRepo) Get(ctx context.Context, id string) (*Message, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT uuid, session_id, parent_uuid, role, content, blocks,
			created_at, token_count
		FROM messages WHERE uuid = ?`, id)
	return scanMessage(row)
}

// ListBySession returns messages in creation order. afterUUID, when
// non-empty, acts as an exclusive cursor.
func (r *MessageRepo) ListBySession(ctx context.Context, sessionID, afterUUID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 1000
	}

	afterCreated := int64(-1)
	if afterUUID != "" {
		cursor, err := r.Get(ctx, afterUUID)
		if err != nil {
			return nil, err
		}
		if cursor == nil {
			return nil, fmt.Errorf("cursor message %s not found", afterUUID)
		}
		afterCreated = cursor.CreatedAt
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT uuid, session_id, parent_uuid, role, content, blocks,
			created_at, token_count
		FROM messages
		WHERE session_id = ? AND created_at > ?
		ORDER BY created_at ASC, uuid ASC LIMIT ?`,
		sessionID, afterCreated, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (r *MessageRepo) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE uuid = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete message: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteSession removes every message of a session and returns the count.
func (r *MessageRepo) DeleteSession(ctx context.Context, sessionID string) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete session messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ValidateChain walks the parent links of a session's messages and reports
// the first duplicate or cycle it finds.
func (r *MessageRepo) ValidateChain(ctx context.Context, sessionID string) (*ChainReport, error) {
	messages, err := r.ListBySession(ctx, sessionID, "", 0)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(messages))
	byUUID := make(map[string]*Message, len(messages))
	for _, m := range messages {
		if seen[m.UUID] {
			return &ChainReport{Valid: false, BrokenAt: m.UUID}, nil
		}
		seen[m.UUID] = true
		byUUID[m.UUID] = m
	}

	for _, m := range messages {
		visited := map[string]bool{m.UUID: true}
		cur := m
		for cur.ParentUUID != "" {
			next, ok := byUUID[cur.ParentUUID]
			if !ok {
				break // parent outside the page is not a chain violation
			}
			if visited[next.UUID] {
				return &ChainReport{Valid: false, BrokenAt: m.UUID}, nil
			}
			visited[next.UUID] = true
			cur = next
		}
	}
	return &ChainReport{Valid: true}, nil
}

// GetTokenCount sums the non-null token counts of a session.
func (r *MessageRepo) GetTokenCount(ctx context.Context, sessionID string) (int, error) {
	var total int
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(token_count), 0) FROM messages
		WHERE session_id = ? AND token_count IS NOT NULL`, sessionID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum token counts: %w", err)
	}
	return total, nil
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var blocks string
	err := row.Scan(&m.UUID, &m.SessionID, &m.ParentUUID, &m.Role, &m.Content,
		&blocks, &m.CreatedAt, &m.TokenCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	if blocks != "" {
		if err := json.Unmarshal([]byte(blocks), &m.Blocks); err != nil {
			return nil, fmt.Errorf("unmarshal blocks: %w", err)
		}
	}
	return &m, nil
}
