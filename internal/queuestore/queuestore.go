// Package queuestore is the durable store for the pipeline's task queue: task
// records, status transitions, retry-after gating, dead-letter listing, and
// the run-history log. A single *sql.DB, one writer at a time.
package queuestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrTaskNotFound is returned by single-field task writes when the target id
// does not exist. requeueDeadLetter and logRunFinish are exempt: an unknown
// id there is a silent no-op (WHERE clause match), per contract.
var ErrTaskNotFound = errors.New("queuestore: task not found")

// ErrNotFound is returned by lookups of non-task durable records (e.g.
// registered chat groups) that have no match.
var ErrNotFound = errors.New("queuestore: not found")

// TaskStatus is stored verbatim; the store never validates the string. The
// mode registry is the source of truth for which strings are active vs.
// terminal.
type TaskStatus = string

// Terminal statuses, fixed regardless of mode.
const (
	StatusDone       TaskStatus = "done"
	StatusMerged     TaskStatus = "merged"
	StatusFailed     TaskStatus = "failed"
	StatusDeadLetter TaskStatus = "dead_letter"
)

// Task is the durable, primary entity. Fields documented as "immutable after
// creation" are only ever written once, by createTask.
type Task struct {
	ID            int64
	Title         string
	Description   string
	RepoPath      string
	CreatedBy     string
	NotifyChat    string
	CreatedAt     string
	Status        TaskStatus
	Branch        string
	SessionID     string
	Attempt       int
	MaxAttempts   int
	LastError     string
	RetryAfter    string // "" when immediately eligible
	DispatchedAt  sql.NullString

	// PriorityBoost lowers effective dispatch priority (sorted ascending, so
	// a boost is subtracted from the status's base priority); bumped by
	// AgeEligiblePriorities to prevent starvation of long-waiting tasks.
	PriorityBoost int
	// ErrorFingerprint and PoisonCount implement poison-pill detection: N
	// consecutive failures hashing to the same fingerprint escalate to
	// dead-letter before max_attempts is reached.
	ErrorFingerprint string
	PoisonCount      int
}

// RunHistoryEntry is a write-once-then-updated-once row: logRunStart inserts
// it, logRunFinish fills in the rest.
type RunHistoryEntry struct {
	ID         int64
	TaskID     int64
	Phase      string
	RepoPath   string
	Status     string // running, done, failed, error
	StartedAt  string
	FinishedAt sql.NullString
	DurationS  sql.NullFloat64
	BytesOut   int64
	ErrorMsg   string
}

// Stats is the aggregate view returned by getStats.
type Stats struct {
	Total  int
	Active int
	Merged int
	Failed int // includes both "failed" and "dead_letter"
}

// RunStats is the aggregate view returned by getRunStats.
type RunStats struct {
	Total         int
	Done          int
	Failed        int
	Running       int
	AvgDurationS  float64 // over finished rows only
	TotalBytesOut int64
}

// RegisteredGroup binds a chat group/jid to a repo folder and a trigger word.
type RegisteredGroup struct {
	JID              string
	Name             string
	Folder           string
	Trigger          string
	RequiresTrigger  bool
}

// ActivePredicate tells the store which statuses currently count as "active"
// (the mode registry derives this at startup from every configured mode's
// phase list) so getActiveTasks/getActiveTaskCount can apply the same
// status+retry_after gate everywhere.
type ActivePredicate func(status string) bool

// PriorityOf maps a status to its dispatch priority (lower first); unknown
// statuses get a default so ordering never breaks on an unrecognized string.
type PriorityOf func(status string) int

// Store is the queue store. Single-writer discipline is enforced the same
// way as a SQLite-backed durable store: one open connection, WAL journal,
// busy-retry around writer contention.
type Store struct {
	db          *sql.DB
	isActive    ActivePredicate
	priorityOf  PriorityOf
	now         func() time.Time
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithActivePredicate installs the mode registry's derived active-status set.
func WithActivePredicate(p ActivePredicate) Option {
	return func(s *Store) { s.isActive = p }
}

// WithPriorityOf installs the mode registry's derived priority comparator.
func WithPriorityOf(p PriorityOf) Option {
	return func(s *Store) { s.priorityOf = p }
}

// WithClock overrides the wall clock, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if absent) the SQLite-backed store at path and runs
// schema migrations. path may be ":memory:" for tests.
func Open(path string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", path)
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared&_busy_timeout=5000&_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{
		db:         db,
		isActive:   func(string) bool { return false },
		priorityOf: func(string) int { return 1 << 30 },
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}

	if err := s.configurePragmas(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for callers (tests, migrations
// tooling) that need direct SQL access beyond this package's operations.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) configurePragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

// busyMaxRetries bounds retryOnBusy's attempts around every write path in
// tasks.go (CreateTask, execSingleField, RequeueDeadLetter).
const busyMaxRetries = 5

// retryOnBusy retries f a bounded number of times on SQLITE_BUSY/LOCKED,
// backing off with jitter between attempts. Most statements never hit this
// path since MaxOpenConns(1) already serializes writers within the process;
// it exists for contention against other processes sharing the same file.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) {
			return err
		}
		delay := time.Duration(10+rand.Intn(40)) * time.Millisecond * time.Duration(attempt+1)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func nowStamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}
