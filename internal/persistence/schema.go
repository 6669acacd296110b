package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		priority INTEGER NOT NULL,
		status TEXT NOT NULL,
		result TEXT,
		error TEXT,
		stall_count INTEGER NOT NULL DEFAULT 0,
		submitted_at TEXT,
		started_at TEXT,
		ended_at TEXT,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

	CREATE TABLE IF NOT EXISTS operations (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		parent_id TEXT,
		status TEXT NOT NULL,
		percentage REAL NOT NULL DEFAULT 0,
		total_steps INTEGER NOT NULL DEFAULT 0,
		current_step INTEGER NOT NULL DEFAULT 0,
		reason TEXT,
		created_at TEXT,
		ended_at TEXT,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_operations_type ON operations(type);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
