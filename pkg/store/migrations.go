package store

import (
	"fmt"

	"github.com/orchidbot/orchid/pkg/logger"
)

type migration struct {
	version    int
	statements []string
}

// Migrations are monotonic; schema_version records the highest applied
// version. New schema changes append a new entry, never edit an old one.
var migrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS schema_version (
				version INTEGER PRIMARY KEY
			)`,
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				created_at INTEGER NOT NULL,
				last_activity INTEGER NOT NULL,
				compaction_count INTEGER NOT NULL DEFAULT 0,
				total_tokens_used INTEGER NOT NULL DEFAULT 0,
				queue_mode TEXT NOT NULL DEFAULT 'queue',
				active_channel_id TEXT NOT NULL DEFAULT '',
				current_task_id TEXT NOT NULL DEFAULT '',
				thinking_level TEXT NOT NULL DEFAULT '',
				flags TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				uuid TEXT PRIMARY KEY,
				session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				parent_uuid TEXT NOT NULL DEFAULT '',
				role TEXT NOT NULL,
				content TEXT NOT NULL DEFAULT '',
				blocks TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL,
				token_count INTEGER
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				subject TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				active_form TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'pending',
				owner TEXT NOT NULL DEFAULT '',
				blocked_by TEXT NOT NULL DEFAULT '',
				blocks TEXT NOT NULL DEFAULT '',
				metadata TEXT NOT NULL DEFAULT '',
				time_budget_ms INTEGER NOT NULL DEFAULT 0,
				verify_command TEXT NOT NULL DEFAULT '',
				failure_context TEXT NOT NULL DEFAULT '',
				retry_count INTEGER NOT NULL DEFAULT 0,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
			`CREATE TABLE IF NOT EXISTS subagents (
				id TEXT PRIMARY KEY,
				agent_name TEXT NOT NULL,
				parent_id TEXT NOT NULL DEFAULT '',
				task TEXT NOT NULL DEFAULT '',
				pid INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'running',
				spawned_at INTEGER NOT NULL,
				completed_at INTEGER,
				timeout_ms INTEGER NOT NULL DEFAULT 0,
				result TEXT NOT NULL DEFAULT '',
				tokens_used INTEGER,
				tool_uses INTEGER,
				session_id TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_subagents_status ON subagents(status)`,
			`CREATE TABLE IF NOT EXISTS approvals (
				id TEXT PRIMARY KEY,
				command TEXT NOT NULL,
				context TEXT NOT NULL DEFAULT '',
				created_at_ms INTEGER NOT NULL,
				expires_at_ms INTEGER NOT NULL,
				decision TEXT NOT NULL DEFAULT '',
				decided_at_ms INTEGER,
				decided_by TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE TABLE IF NOT EXISTS schedules (
				id TEXT PRIMARY KEY,
				kind TEXT NOT NULL,
				expression TEXT NOT NULL,
				timezone TEXT NOT NULL DEFAULT '',
				template TEXT NOT NULL DEFAULT '',
				next_run_ms INTEGER NOT NULL DEFAULT 0,
				last_run_ms INTEGER,
				enabled INTEGER NOT NULL DEFAULT 1
			)`,
			`CREATE TABLE IF NOT EXISTS state (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL DEFAULT '',
				updated_at INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS memory (
				id TEXT PRIMARY KEY,
				content TEXT NOT NULL,
				metadata TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS memory_vectors (
				id TEXT PRIMARY KEY REFERENCES memory(id) ON DELETE CASCADE,
				vector TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS audit_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp INTEGER NOT NULL,
				action TEXT NOT NULL,
				target_id TEXT NOT NULL DEFAULT '',
				user_id TEXT NOT NULL DEFAULT '',
				agent_id TEXT NOT NULL DEFAULT '',
				result TEXT NOT NULL DEFAULT 'success',
				details TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_audit_time ON audit_log(timestamp)`,
		},
	},
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		for _, stmt := range m.statements {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d: %w", m.version, err)
			}
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
		logger.InfoCF("store", "Applied migration", map[string]any{"version": m.version})
	}
	return nil
}
