package persistence

import (
	"context"
	"fmt"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		makespan REAL NOT NULL,
		parallelism INTEGER NOT NULL,
		critical_path TEXT,
		total INTEGER NOT NULL,
		completed INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		in_progress INTEGER NOT NULL,
		pending INTEGER NOT NULL,
		narrative TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS run_tasks (
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		output TEXT,
		error TEXT,
		position INTEGER NOT NULL,
		PRIMARY KEY (run_id, task_id),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS run_schedule (
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		start_offset REAL NOT NULL,
		end_offset REAL NOT NULL,
		duration REAL NOT NULL,
		critical INTEGER NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (run_id, task_id),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS run_batches (
		run_id TEXT NOT NULL,
		batch_index INTEGER NOT NULL,
		position INTEGER NOT NULL,
		task_id TEXT NOT NULL,
		PRIMARY KEY (run_id, batch_index, position),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS run_dead_letters (
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		error TEXT,
		target TEXT,
		PRIMARY KEY (run_id, task_id),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_run_tasks_run_id ON run_tasks(run_id);
	CREATE INDEX IF NOT EXISTS idx_run_batches_run_id ON run_batches(run_id);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}
