package queuestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// initSchema creates the base tables (idempotently, via CREATE TABLE IF NOT
// EXISTS) and then applies any columns added by later revisions of this
// package, using a try-then-ignore-duplicate-column pattern so re-running
// startup against an already-migrated database is always a silent no-op.
func (s *Store) initSchema(ctx context.Context) error {
	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			repo_path TEXT NOT NULL DEFAULT '',
			branch TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			last_error TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL DEFAULT '',
			notify_chat TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			session_id TEXT NOT NULL DEFAULT '',
			retry_after TEXT NOT NULL DEFAULT '',
			dispatched_at DATETIME
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_retry_after ON tasks(retry_after);`,
		`CREATE TABLE IF NOT EXISTS run_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id INTEGER NOT NULL,
			phase TEXT NOT NULL,
			repo_path TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			finished_at DATETIME,
			duration_s REAL,
			bytes_out INTEGER NOT NULL DEFAULT 0,
			error_msg TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_run_history_started_at ON run_history(started_at);`,
		`CREATE INDEX IF NOT EXISTS idx_run_history_status ON run_history(status);`,
		`CREATE TABLE IF NOT EXISTS registered_groups (
			jid TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			folder TEXT NOT NULL DEFAULT '',
			trigger TEXT NOT NULL DEFAULT '',
			requires_trigger INTEGER NOT NULL DEFAULT 1
		);`,
		`CREATE TABLE IF NOT EXISTS kv_store (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			actor TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			task_id INTEGER,
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_task_id ON audit_log(task_id);`,
	}
	for _, stmt := range tableStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return s.applyBackfills(ctx)
}

// applyBackfills adds columns introduced after the initial schema. Each
// statement is tried and a "duplicate column name" error is swallowed, so
// calling this against a database that already has the column is a no-op.
func (s *Store) applyBackfills(ctx context.Context) error {
	alters := []struct {
		stmt string
		desc string
	}{
		{`ALTER TABLE tasks ADD COLUMN priority INTEGER NOT NULL DEFAULT 0;`, "tasks.priority"},
		{`ALTER TABLE tasks ADD COLUMN error_fingerprint TEXT NOT NULL DEFAULT '';`, "tasks.error_fingerprint"},
		{`ALTER TABLE tasks ADD COLUMN poison_count INTEGER NOT NULL DEFAULT 0;`, "tasks.poison_count"},
	}
	for _, a := range alters {
		if _, err := s.db.ExecContext(ctx, a.stmt); err != nil && !isDuplicateColumn(err) {
			return fmt.Errorf("add %s: %w", a.desc, err)
		}
	}
	return nil
}

func isDuplicateColumn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column name")
}

// scanTask scans a single tasks row in the column order emitted by every
// SELECT in this package.
func scanTask(row interface{ Scan(...any) error }) (Task, error) {
	var t Task
	var dispatchedAt sql.NullString
	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.RepoPath, &t.Branch, &t.Status,
		&t.Attempt, &t.MaxAttempts, &t.LastError, &t.CreatedBy, &t.NotifyChat,
		&t.CreatedAt, &t.SessionID, &t.RetryAfter, &dispatchedAt,
		&t.PriorityBoost, &t.ErrorFingerprint, &t.PoisonCount,
	)
	t.DispatchedAt = dispatchedAt
	return t, err
}

const taskColumns = `id, title, description, repo_path, branch, status, attempt, max_attempts, last_error, created_by, notify_chat, created_at, session_id, retry_after, dispatched_at, priority, error_fingerprint, poison_count`
