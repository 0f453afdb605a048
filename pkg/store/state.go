package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// StateRepo is a simple key/value table for runtime flags and cursors.
type StateRepo struct {
	db *sql.DB
}

type StateEntry struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	UpdatedAt int64  `json:"updated_at"`
}

func (r *StateRepo) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get state: %w", err)
	}
	return value, true, nil
}

// Set upserts the key and refreshes updated_at.
func (r *StateRepo) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value,
			updated_at = excluded.updated_at`,
		key, value, nowMs())
	if err != nil {
		return fmt.Errorf("set state: %w", err)
	}
	return nil
}

func (r *StateRepo) Delete(ctx context.Context, key string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM state WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("delete state: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// List returns entries whose keys start with prefix, in key order.
func (r *StateRepo) List(ctx context.Context, prefix string) ([]StateEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT key, value, updated_at FROM state
		WHERE key LIKE ? || '%' ORDER BY key ASC`, prefix)
	if err != nil {
		return nil, fmt.Errorf("list state: %w", err)
	}
	defer rows.Close()

	var entries []StateEntry
	for rows.Next() {
		var e StateEntry
		if err := rows.Scan(&e.Key, &e.Value, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
