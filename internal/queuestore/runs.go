package queuestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// LogRunStart inserts a "running" run-history row and returns its id.
func (s *Store) LogRunStart(ctx context.Context, taskID int64, phase, repoPath string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO run_history (task_id, phase, repo_path, status, started_at, bytes_out, error_msg)
		VALUES (?, ?, ?, 'running', ?, 0, '');`,
		taskID, phase, repoPath, nowStamp(s.now()),
	)
	if err != nil {
		return 0, fmt.Errorf("log run start: %w", err)
	}
	return res.LastInsertId()
}

// LogRunFinish updates status/bytes/finished_at/duration. An unknown run id
// is a silent no-op, per contract.
func (s *Store) LogRunFinish(ctx context.Context, runID int64, status string, bytesOut int64, errorMsg string) error {
	var startedAt string
	err := s.db.QueryRowContext(ctx, `SELECT started_at FROM run_history WHERE id = ?;`, runID).Scan(&startedAt)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("log run finish: %w", err)
	}
	started, parseErr := time.Parse("2006-01-02T15:04:05.000000000Z", startedAt)
	finished := s.now()
	var duration float64
	if parseErr == nil {
		duration = finished.UTC().Sub(started).Seconds()
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE run_history SET status = ?, bytes_out = ?, error_msg = ?, finished_at = ?, duration_s = ?
		WHERE id = ?;`,
		status, bytesOut, errorMsg, nowStamp(finished), duration, runID,
	)
	if err != nil {
		return fmt.Errorf("log run finish: %w", err)
	}
	return nil
}

func scanRun(row interface{ Scan(...any) error }) (RunHistoryEntry, error) {
	var r RunHistoryEntry
	err := row.Scan(&r.ID, &r.TaskID, &r.Phase, &r.RepoPath, &r.Status, &r.StartedAt, &r.FinishedAt, &r.DurationS, &r.BytesOut, &r.ErrorMsg)
	return r, err
}

const runColumns = `id, task_id, phase, repo_path, status, started_at, finished_at, duration_s, bytes_out, error_msg`

// GetRecentRuns is ordered by started_at DESC, id DESC (newest insertion wins
// tie-break on identical started_at). An optional exact-string status
// filter; an unrecognized filter yields an empty slice rather than an error.
func (s *Store) GetRecentRuns(ctx context.Context, limit int, status string) ([]RunHistoryEntry, error) {
	query := `SELECT ` + runColumns + ` FROM run_history`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY started_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("get recent runs: %w", err)
	}
	defer rows.Close()
	var out []RunHistoryEntry
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetTaskRuns returns every run-history row for one task, oldest first.
func (s *Store) GetTaskRuns(ctx context.Context, taskID int64) ([]RunHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM run_history WHERE task_id = ? ORDER BY id ASC;`, taskID)
	if err != nil {
		return nil, fmt.Errorf("get task runs: %w", err)
	}
	defer rows.Close()
	var out []RunHistoryEntry
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// IncidentBundle is a bounded, self-contained postmortem export for one
// task: its current row plus its complete run history.
type IncidentBundle struct {
	Task       Task              `json:"task"`
	Runs       []RunHistoryEntry `json:"runs"`
	ExportedAt string            `json:"exported_at"`
}

// ExportIncident bundles a task's current state and full run history into a
// single JSON-serializable artifact for offline postmortems.
func (s *Store) ExportIncident(ctx context.Context, taskID int64) (*IncidentBundle, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("export incident: %w", err)
	}
	runs, err := s.GetTaskRuns(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("export incident: %w", err)
	}
	return &IncidentBundle{
		Task:       task,
		Runs:       runs,
		ExportedAt: nowStamp(s.now()),
	}, nil
}

// GetRunStats aggregates over run_history. avg_duration_s is computed only
// over rows with a finished status (excludes "running").
func (s *Store) GetRunStats(ctx context.Context) (RunStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*), COALESCE(SUM(bytes_out),0), COALESCE(SUM(duration_s),0) FROM run_history GROUP BY status;`)
	if err != nil {
		return RunStats{}, fmt.Errorf("get run stats: %w", err)
	}
	defer rows.Close()

	var st RunStats
	var finishedCount int
	var finishedDurationSum float64
	for rows.Next() {
		var status string
		var count int
		var bytesOut int64
		var durationSum float64
		if err := rows.Scan(&status, &count, &bytesOut, &durationSum); err != nil {
			return RunStats{}, fmt.Errorf("scan run stats row: %w", err)
		}
		st.Total += count
		st.TotalBytesOut += bytesOut
		switch status {
		case "running":
			st.Running += count
		case "done":
			st.Done += count
			finishedCount += count
			finishedDurationSum += durationSum
		case "failed", "error":
			st.Failed += count
			finishedCount += count
			finishedDurationSum += durationSum
		default:
			finishedCount += count
			finishedDurationSum += durationSum
		}
	}
	if finishedCount > 0 {
		st.AvgDurationS = finishedDurationSum / float64(finishedCount)
	}
	return st, rows.Err()
}
