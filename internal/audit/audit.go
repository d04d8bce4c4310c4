// Package audit records operator actions against the task queue: dead-letter
// escalation, manual requeue, and cancellation. Entries are append-only,
// written to a JSONL file for tailing and to the audit_log table for
// querying, mirroring the dual-sink shape the teacher uses for its policy
// decision log.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/pipelined/internal/shared"
)

// Action names recorded by this package.
const (
	ActionEscalate = "escalate" // task moved to dead_letter after exhausting attempts
	ActionRequeue  = "requeue"  // operator moved a dead_letter task back to its initial status
	ActionCancel   = "cancel"   // operator cancelled a task
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Actor     string `json:"actor"`
	Action    string `json:"action"`
	TaskID    int64  `json:"task_id"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu            sync.Mutex
	file          *os.File
	db            *sql.DB
	escalateCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database audit_log table writes go to.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// EscalateCount returns the total number of dead-letter escalations since
// startup.
func EscalateCount() int64 {
	return escalateCount.Load()
}

// Record appends one audit entry. actor is the operator or "system" for
// automatic escalations; detail is a short free-text note (e.g. the error
// that triggered escalation).
func Record(actor, action string, taskID int64, detail string) {
	if action == ActionEscalate {
		escalateCount.Add(1)
	}

	detail = shared.Redact(detail)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Actor:     actor,
			Action:    action,
			TaskID:    taskID,
			Detail:    detail,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (actor, action, task_id, detail)
			VALUES (?, ?, ?, ?);
		`, actor, action, taskID, detail)
	}
}
