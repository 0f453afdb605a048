package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/orchidbot/orchid/pkg/logger"
)

// Store is a facade over the typed repositories. All repositories share one
// SQLite handle opened in WAL mode with NORMAL synchronous and foreign keys
// on; writes are durable and crash-safe.
type Store struct {
	db *sql.DB

	Sessions  *SessionRepo
	Messages  *MessageRepo
	Tasks     *TaskRepo
	Subagents *SubagentRepo
	Approvals *ApprovalRepo
	Schedules *ScheduleRepo
	State     *StateRepo
	Memory    *MemoryRepo
	Audit     *AuditRepo
}

// Open opens (or creates) the database at path and applies pending
// migrations. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single writer avoids SQLITE_BUSY under concurrent repository use.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	s.Sessions = &SessionRepo{db: db}
	s.Messages = &MessageRepo{db: db}
	s.Tasks = &TaskRepo{db: db}
	s.Subagents = &SubagentRepo{db: db}
	s.Approvals = &ApprovalRepo{db: db}
	s.Schedules = &ScheduleRepo{db: db}
	s.State = &StateRepo{db: db}
	s.Memory = &MemoryRepo{db: db}
	s.Audit = &AuditRepo{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	logger.InfoCF("store", "Database ready", map[string]any{"path": path})
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CheckIntegrity runs SQLite's integrity check and returns the first
// reported problem, or nil when the database is sound.
func (s *Store) CheckIntegrity(ctx context.Context) error {
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// marshalJSON serializes v for a text column; nil-ish values become the
// empty string so absent maps round-trip as absent.
func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal column: %w", err)
	}
	return string(data), nil
}

func unmarshalMap(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("unmarshal column: %w", err)
	}
	return m, nil
}

func unmarshalStrings(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var ss []string
	if err := json.Unmarshal([]byte(raw), &ss); err != nil {
		return nil, fmt.Errorf("unmarshal column: %w", err)
	}
	return ss, nil
}
