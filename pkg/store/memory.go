package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
)

// MemoryRepo stores recall records with an optional parallel vector row per
// entry. Search is a linear scan over the vector table ordered by Euclidean
// distance; it returns nothing when no vectors exist.
type MemoryRepo struct {
	db *sql.DB
}

// SearchHit pairs an entry with its distance from the query vector.
type SearchHit struct {
	Entry    *MemoryEntry
	Distance float64
}

func (r *MemoryRepo) Store(ctx context.Context, e *MemoryEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = nowMs()
	}
	metadata, err := marshalJSON(e.Metadata)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO memory (id, content, metadata, created_at)
		VALUES (?, ?, ?, ?)`,
		e.ID, e.Content, metadata, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("store memory: %w", err)
	}
	return nil
}

// StoreWithEmbedding writes the entry and its vector row atomically.
func (r *MemoryRepo) StoreWithEmbedding(ctx context.Context, e *MemoryEntry, vector []float64) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = nowMs()
	}
	metadata, err := marshalJSON(e.Metadata)
	if err != nil {
		return err
	}
	vectorJSON, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("marshal vector: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin embedding tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memory (id, content, metadata, created_at)
		VALUES (?, ?, ?, ?)`,
		e.ID, e.Content, metadata, e.CreatedAt); err != nil {
		tx.Rollback()
		return fmt.Errorf("store memory: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memory_vectors (id, vector) VALUES (?, ?)`,
		e.ID, string(vectorJSON)); err != nil {
		tx.Rollback()
		return fmt.Errorf("store vector: %w", err)
	}
	return tx.Commit()
}

func (r *MemoryRepo) Get(ctx context.Context, id string) (*MemoryEntry, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, content, metadata, created_at FROM memory WHERE id = ?`, id)
	return scanMemory(row)
}

// Search returns up to limit entries ordered by vector distance from the
// query. Entries without a vector row are not candidates.
func (r *MemoryRepo) Search(ctx context.Context, query []float64, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT m.id, m.content, m.metadata, m.created_at, v.vector
		FROM memory m JOIN memory_vectors v ON v.id = m.id`)
	if err != nil {
		return nil, fmt.Errorf("search memory: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var e MemoryEntry
		var metadata, vectorJSON string
		if err := rows.Scan(&e.ID, &e.Content, &metadata, &e.CreatedAt, &vectorJSON); err != nil {
			return nil, fmt.Errorf("scan memory hit: %w", err)
		}
		if e.Metadata, err = unmarshalMap(metadata); err != nil {
			return nil, err
		}
		var vector []float64
		if err := json.Unmarshal([]byte(vectorJSON), &vector); err != nil {
			return nil, fmt.Errorf("unmarshal vector: %w", err)
		}
		hits = append(hits, SearchHit{Entry: &e, Distance: euclidean(query, vector)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (r *MemoryRepo) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM memory WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete memory: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Compact removes entries older than the cutoff and returns the count.
func (r *MemoryRepo) Compact(ctx context.Context, olderThanMs int64) (int, error) {
	cutoff := nowMs() - olderThanMs
	res, err := r.db.ExecContext(ctx, `DELETE FROM memory WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("compact memory: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanMemory(row rowScanner) (*MemoryEntry, error) {
	var e MemoryEntry
	var metadata string
	err := row.Scan(&e.ID, &e.Content, &metadata, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan memory: %w", err)
	}
	if e.Metadata, err = unmarshalMap(metadata); err != nil {
		return nil, err
	}
	return &e, nil
}

func euclidean(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	// Dimension mismatch counts the surplus as distance.
	for i := n; i < len(a); i++ {
		sum += a[i] * a[i]
	}
	for i := n; i < len(b); i++ {
		sum += b[i] * b[i]
	}
	return math.Sqrt(sum)
}
