package queuestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"
)

// CreateTask inserts a task row with creation-time defaults and returns its
// new id. status is the mode's initial active phase.
func (s *Store) CreateTask(ctx context.Context, title, description, repoPath, createdBy, notifyChat, status string, maxAttempts int) (int64, error) {
	if maxAttempts <= 0 {
		// Open question (spec §9): max_attempts <= 0 at creation is clamped
		// to 1 rather than treated as invalid, so a task is always retryable
		// at least once before dead-lettering.
		maxAttempts = 1
	}
	var res sql.Result
	err := retryOnBusy(ctx, busyMaxRetries, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx, `
			INSERT INTO tasks (title, description, repo_path, status, attempt, max_attempts, created_by, notify_chat, created_at, session_id, retry_after)
			VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, '', '');`,
			title, description, repoPath, status, maxAttempts, createdBy, notifyChat, nowStamp(s.now()),
		)
		return execErr
	})
	if err != nil {
		return 0, fmt.Errorf("create task: %w", err)
	}
	return res.LastInsertId()
}

// GetTask fetches a task by id. Returns ErrTaskNotFound if absent.
func (s *Store) GetTask(ctx context.Context, id int64) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrTaskNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// eligibleCandidates fetches every non-dead-letter row with a retry_after
// that is either empty or already due, for the caller to further narrow by
// mode-specific active-status membership.
func (s *Store) eligibleCandidates(ctx context.Context) ([]Task, error) {
	now := nowStamp(s.now())
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status != ?
		AND (retry_after = '' OR retry_after <= ?);`,
		StatusDeadLetter, now,
	)
	if err != nil {
		return nil, fmt.Errorf("query eligible tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if s.isActive(t.Status) {
			out = append(out, t)
		}
	}
	return out, rows.Err()
}

// GetActiveTasks returns tasks whose status is mode-active and whose
// retry_after gate is satisfied, ordered by phase priority (lower first)
// then id ascending. Dead-letter tasks are always excluded.
func (s *Store) GetActiveTasks(ctx context.Context, limit int) ([]Task, error) {
	tasks, err := s.eligibleCandidates(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		pi := s.priorityOf(tasks[i].Status) - tasks[i].PriorityBoost
		pj := s.priorityOf(tasks[j].Status) - tasks[j].PriorityBoost
		if pi != pj {
			return pi < pj
		}
		return tasks[i].ID < tasks[j].ID
	})
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

// GetNextTask is the single-row variant of GetActiveTasks.
func (s *Store) GetNextTask(ctx context.Context) (*Task, error) {
	tasks, err := s.GetActiveTasks(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return &tasks[0], nil
}

// GetActiveTaskCount counts rows matching the same predicate as
// GetActiveTasks (spec §9 open question: this must match exactly, including
// the retry_after gate).
func (s *Store) GetActiveTaskCount(ctx context.Context) (int, error) {
	tasks, err := s.eligibleCandidates(ctx)
	if err != nil {
		return 0, err
	}
	return len(tasks), nil
}

// execSingleField runs a single-row UPDATE through retryOnBusy: the common
// path for every task field mutation below, so a writer collision against
// another process sharing this db file is retried rather than surfaced.
func (s *Store) execSingleField(ctx context.Context, query string, args ...any) error {
	var n int64
	err := retryOnBusy(ctx, busyMaxRetries, func() error {
		res, execErr := s.db.ExecContext(ctx, query, args...)
		if execErr != nil {
			return execErr
		}
		n, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return fmt.Errorf("queuestore: %w", err)
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// UpdateTaskStatus writes status verbatim; no validation of the string.
// Idempotent: writing the current status still reports success (the WHERE
// clause matches id regardless of the prior value).
func (s *Store) UpdateTaskStatus(ctx context.Context, id int64, status string) error {
	return s.execSingleField(ctx, `UPDATE tasks SET status = ? WHERE id = ?;`, status, id)
}

func (s *Store) UpdateTaskBranch(ctx context.Context, id int64, branch string) error {
	return s.execSingleField(ctx, `UPDATE tasks SET branch = ? WHERE id = ?;`, branch, id)
}

func (s *Store) UpdateTaskError(ctx context.Context, id int64, errText string) error {
	return s.execSingleField(ctx, `UPDATE tasks SET last_error = ? WHERE id = ?;`, errText, id)
}

func (s *Store) SetTaskSessionID(ctx context.Context, id int64, sessionID string) error {
	return s.execSingleField(ctx, `UPDATE tasks SET session_id = ? WHERE id = ?;`, sessionID, id)
}

// IncrementTaskAttempt sets attempt := attempt + 1 atomically.
func (s *Store) IncrementTaskAttempt(ctx context.Context, id int64) error {
	return s.execSingleField(ctx, `UPDATE tasks SET attempt = attempt + 1 WHERE id = ?;`, id)
}

// SetTaskRetryAfter writes retry_after := now + delaySeconds as a
// lexicographically comparable UTC timestamp.
func (s *Store) SetTaskRetryAfter(ctx context.Context, id int64, delaySeconds int64) error {
	retryAfter := nowStamp(s.now().Add(time.Duration(delaySeconds) * time.Second))
	return s.execSingleField(ctx, `UPDATE tasks SET retry_after = ? WHERE id = ?;`, retryAfter, id)
}

// MarkDispatched sets the runtime dispatched_at flag.
func (s *Store) MarkDispatched(ctx context.Context, id int64) error {
	return s.execSingleField(ctx, `UPDATE tasks SET dispatched_at = ? WHERE id = ?;`, nowStamp(s.now()), id)
}

// ClearDispatched clears the runtime dispatched_at flag. It must not touch
// retry_after.
func (s *Store) ClearDispatched(ctx context.Context, id int64) error {
	return s.execSingleField(ctx, `UPDATE tasks SET dispatched_at = NULL WHERE id = ?;`, id)
}

// IsDispatched reports whether the dispatched_at flag is set.
func (s *Store) IsDispatched(ctx context.Context, id int64) (bool, error) {
	var dispatchedAt sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT dispatched_at FROM tasks WHERE id = ?;`, id).Scan(&dispatchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrTaskNotFound
	}
	if err != nil {
		return false, fmt.Errorf("is dispatched: %w", err)
	}
	return dispatchedAt.Valid, nil
}

// ClearAllDispatched clears the flag on every row at startup. It must not
// touch retry_after.
func (s *Store) ClearAllDispatched(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET dispatched_at = NULL WHERE dispatched_at IS NOT NULL;`)
	if err != nil {
		return fmt.Errorf("clear all dispatched: %w", err)
	}
	return nil
}

// RequeueDeadLetter atomically resets a dead-letter task back to its initial
// active status. No-op when status != dead_letter at the time of the call
// (enforced by the WHERE clause, not a prior read).
func (s *Store) RequeueDeadLetter(ctx context.Context, id int64, initialStatus string) error {
	err := retryOnBusy(ctx, busyMaxRetries, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, attempt = 0, branch = '', session_id = '', last_error = '', retry_after = '', dispatched_at = NULL,
			    priority = 0, error_fingerprint = '', poison_count = 0
			WHERE id = ? AND status = ?;`,
			initialStatus, id, StatusDeadLetter,
		)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("requeue dead letter: %w", err)
	}
	return nil
}

// RequeueExpiredLeases clears dispatched_at on any row whose lease (the
// dispatched_at timestamp itself) is older than ttlSeconds. A worker that
// died without clearing dispatched_at no longer wedges the in-flight set
// forever: the in-flight set is re-derived from dispatched_at at startup,
// and this sweep also runs periodically while the process is up, not only
// at startup. Returns the ids whose lease was reclaimed.
func (s *Store) RequeueExpiredLeases(ctx context.Context, ttlSeconds int64) ([]int64, error) {
	cutoff := nowStamp(s.now().Add(-time.Duration(ttlSeconds) * time.Second))

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM tasks WHERE dispatched_at IS NOT NULL AND dispatched_at < ?;`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("find expired leases: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expired lease id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE tasks SET dispatched_at = NULL WHERE dispatched_at IS NOT NULL AND dispatched_at < ?;`, cutoff); err != nil {
		return nil, fmt.Errorf("clear expired leases: %w", err)
	}
	return ids, nil
}

// ActiveDispatchedIDs returns every task id currently holding the
// dispatched_at flag, used to re-derive the in-flight set at startup.
func (s *Store) ActiveDispatchedIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM tasks WHERE dispatched_at IS NOT NULL;`)
	if err != nil {
		return nil, fmt.Errorf("active dispatched ids: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan dispatched id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AgeEligiblePriorities bumps priority_boost for tasks that have been
// eligible (active status, retry_after due) since before cutoff age, up to
// maxBoost, preventing starvation of long-waiting work. Returns the number
// of rows bumped.
func (s *Store) AgeEligiblePriorities(ctx context.Context, ageThreshold time.Duration, maxBoost int) (int64, error) {
	tasks, err := s.eligibleCandidates(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := nowStamp(s.now().Add(-ageThreshold))
	var bumped int64
	for _, t := range tasks {
		if t.CreatedAt >= cutoff || t.PriorityBoost >= maxBoost {
			continue
		}
		if err := s.execSingleField(ctx, `UPDATE tasks SET priority = MIN(priority + 1, ?) WHERE id = ?;`, maxBoost, t.ID); err != nil {
			return bumped, fmt.Errorf("age priority for task %d: %w", t.ID, err)
		}
		bumped++
	}
	return bumped, nil
}

// RecordFailureFingerprint stores errText's fingerprint against a task,
// bumping poison_count when it matches the previously recorded fingerprint
// and resetting it to 1 otherwise. Returns the new poison_count.
func (s *Store) RecordFailureFingerprint(ctx context.Context, id int64, fingerprint string) (int, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return 0, err
	}
	poisonCount := 1
	if task.ErrorFingerprint != "" && task.ErrorFingerprint == fingerprint {
		poisonCount = task.PoisonCount + 1
	}
	if err := s.execSingleField(ctx, `UPDATE tasks SET error_fingerprint = ?, poison_count = ? WHERE id = ?;`, fingerprint, poisonCount, id); err != nil {
		return 0, fmt.Errorf("record failure fingerprint: %w", err)
	}
	return poisonCount, nil
}

// GetDeadLetterTasks returns only status == dead_letter rows.
func (s *Store) GetDeadLetterTasks(ctx context.Context, limit int) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = ? ORDER BY id ASC`
	args := []any{StatusDeadLetter}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("get dead letter tasks: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetStats computes the aggregate counts. failed includes both "failed" and
// "dead_letter"; active counts only mode-active statuses (same gate as
// GetActiveTasks, minus the retry_after cutoff, since stats report the whole
// active set, not just currently-eligible work).
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status;`)
	if err != nil {
		return Stats{}, fmt.Errorf("get stats: %w", err)
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("scan stats row: %w", err)
		}
		st.Total += count
		switch status {
		case StatusMerged:
			st.Merged += count
		case StatusFailed, StatusDeadLetter:
			st.Failed += count
		case StatusDone:
			// terminal, not active, not failed.
		default:
			if s.isActive(status) {
				st.Active += count
			}
		}
	}
	return st, rows.Err()
}

// UpsertRegisteredGroup implements the registerGroup contract: N calls with
// the same jid yield exactly one row whose fields match the last call.
func (s *Store) UpsertRegisteredGroup(ctx context.Context, g RegisteredGroup) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO registered_groups (jid, name, folder, trigger, requires_trigger)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET name = excluded.name, folder = excluded.folder, trigger = excluded.trigger, requires_trigger = excluded.requires_trigger;`,
		g.JID, g.Name, g.Folder, g.Trigger, boolToInt(g.RequiresTrigger),
	)
	if err != nil {
		return fmt.Errorf("upsert registered group: %w", err)
	}
	return nil
}

// GetRegisteredGroup looks up a chat group binding by jid. Returns
// ErrNotFound when no group is registered under that jid.
func (s *Store) GetRegisteredGroup(ctx context.Context, jid string) (RegisteredGroup, error) {
	var g RegisteredGroup
	var requiresTrigger int
	err := s.db.QueryRowContext(ctx, `SELECT jid, name, folder, trigger, requires_trigger FROM registered_groups WHERE jid = ?;`, jid).
		Scan(&g.JID, &g.Name, &g.Folder, &g.Trigger, &requiresTrigger)
	if err == sql.ErrNoRows {
		return RegisteredGroup{}, ErrNotFound
	}
	if err != nil {
		return RegisteredGroup{}, fmt.Errorf("get registered group: %w", err)
	}
	g.RequiresTrigger = requiresTrigger != 0
	return g, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
