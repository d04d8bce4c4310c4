// Package retry implements the backoff schedule, test-failure
// classification, and the retry/dead-letter decision routine. The shape
// (a small pure backoff function plus a structured decision) is grounded on
// the teacher's retryDelay/HandleTaskFailure pair, but the formula itself is
// a deterministic doubling-with-ceiling — no jitter, unlike the teacher's
// retryDelay, because the spec requires exact, reproducible boundary values.
package retry

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/basket/pipelined/internal/audit"
	"github.com/basket/pipelined/internal/otel"
	"github.com/basket/pipelined/internal/queuestore"
)

// poisonThreshold consecutive identical-fingerprint failures escalate a task
// to dead-letter regardless of how many attempts remain.
const poisonThreshold = 3

// errorFingerprint normalizes errText (lowercased, trimmed, capped) and
// hashes it so repeated failures from the same root cause compare equal
// even when the original message has a timestamp or ids appended.
func errorFingerprint(errText string) string {
	normalized := strings.ToLower(strings.TrimSpace(errText))
	if len(normalized) > 512 {
		normalized = normalized[:512]
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(normalized))
	return strconv.FormatUint(h.Sum64(), 16)
}

// Backoff returns the retry delay in seconds for the given attempt number.
// Doubling with a ceiling: attempt < 6 -> 60*2^attempt; attempt >= 6 -> 3600.
// The result is always a positive multiple of 60 and <= 3600.
func Backoff(attempt int) int64 {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 6 {
		return 3600
	}
	return int64(60) << uint(attempt)
}

// Classification is the outcome of classifyTestFailure.
type Classification string

const (
	ClassTestFile Classification = "test_file"
	ClassCode     Classification = "code"
)

// ClassifyTestFailure inspects stderr and stdout independently (no
// cross-stream matching) and returns test_file if either stream alone
// matches one of the authored-test-failure patterns, otherwise code.
func ClassifyTestFailure(stderr, stdout string) Classification {
	if streamLooksLikeTestFileFailure(stderr) || streamLooksLikeTestFileFailure(stdout) {
		return ClassTestFile
	}
	return ClassCode
}

func streamLooksLikeTestFileFailure(s string) bool {
	lower := strings.ToLower(s)
	hasError := strings.Contains(lower, "error:")
	if strings.Contains(lower, "_test") && hasError {
		return true
	}
	if strings.Contains(lower, "/tests/") && hasError {
		return true
	}
	if strings.Contains(s, "Segmentation fault") {
		return true
	}
	if strings.Contains(lower, "panicked") && strings.Contains(lower, "_test") {
		return true
	}
	return false
}

// Notifier is the minimal chat-notification surface the retry routine needs
// on dead-letter escalation; satisfied by the concrete Chat adapter.
type Notifier interface {
	Notify(ctx context.Context, target, message string) error
}

// Logger is the minimal structured-logging surface the retry routine needs.
type Logger interface {
	DeadLettered(taskID int64, attempt int, lastError string)
}

// HandleFailure is the routine called on any non-success, non-qa_fix
// failure. It mutates the task's error/attempt/status/retry_after fields
// and, on dead-letter escalation, emits a log event and a best-effort chat
// notification. metrics may be nil, disabling instrument recording.
func HandleFailure(ctx context.Context, store *queuestore.Store, notifier Notifier, logger Logger, metrics *otel.Metrics, task queuestore.Task, errText, retryStatus string) error {
	if err := store.UpdateTaskError(ctx, task.ID, errText); err != nil {
		return fmt.Errorf("update task error: %w", err)
	}
	if err := store.IncrementTaskAttempt(ctx, task.ID); err != nil {
		return fmt.Errorf("increment attempt: %w", err)
	}
	fresh, err := store.GetTask(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("re-fetch task: %w", err)
	}

	poisonCount, err := store.RecordFailureFingerprint(ctx, task.ID, errorFingerprint(errText))
	if err != nil {
		return fmt.Errorf("record failure fingerprint: %w", err)
	}

	// Poison-pill escalation is additive: it can only dead-letter a task
	// sooner than max_attempts would, never later.
	if fresh.Attempt >= fresh.MaxAttempts || poisonCount >= poisonThreshold {
		if err := store.UpdateTaskStatus(ctx, task.ID, queuestore.StatusDeadLetter); err != nil {
			return fmt.Errorf("mark dead letter: %w", err)
		}
		// retry_after is intentionally left as-is (spec §9 open question):
		// dead-letter tasks are excluded from every active query, so a
		// stale retry_after is never read again.
		if logger != nil {
			logger.DeadLettered(fresh.ID, fresh.Attempt, errText)
		}
		audit.Record("system", audit.ActionEscalate, fresh.ID, errText)
		if notifier != nil && fresh.NotifyChat != "" {
			_ = notifier.Notify(ctx, fresh.NotifyChat, fmt.Sprintf("task #%d dead-lettered after %d attempts: %s", fresh.ID, fresh.Attempt, errText))
		}
		return nil
	}

	if err := store.SetTaskRetryAfter(ctx, task.ID, Backoff(fresh.Attempt)); err != nil {
		return fmt.Errorf("set retry after: %w", err)
	}
	if err := store.UpdateTaskStatus(ctx, task.ID, retryStatus); err != nil {
		return fmt.Errorf("mark retry: %w", err)
	}
	return nil
}
