// Package collab holds the concrete, swappable adapters the Phase Executor
// drives: an agent runner (Docker sandbox), a VCS adapter (git + sandboxed
// test runner), and a chat adapter (Telegram). Each implements one of the
// core's three external-collaborator interfaces.
package collab

import (
	"context"
	"errors"
	"strings"
)

// ErrorKind classifies an AgentRunner failure the executor needs to branch
// on, distinct from the error's text.
type ErrorKind string

const (
	ErrSpawnFailed     ErrorKind = "spawn_failed"
	ErrKilledByTimeout ErrorKind = "killed_by_timeout"
	ErrIOError         ErrorKind = "io_error"
)

// AgentError wraps an underlying error with its ErrorKind.
type AgentError struct {
	Kind ErrorKind
	Err  error
}

func (e *AgentError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *AgentError) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind from err, defaulting to io_error for any
// error not already classified.
func KindOf(err error) ErrorKind {
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ErrIOError
}

// AgentConfig is everything the Phase Executor hands to one agent
// invocation.
type AgentConfig struct {
	SystemPrompt string
	AllowedTools []string
	Prompt       string
	Sandbox      bool
	SessionID    string // empty for a fresh session
	RepoPath     string
	TimeoutS     int
	OnLine       func(line string) // called for each line of combined output, in order
}

// AgentResult is the successful outcome of one agent invocation.
type AgentResult struct {
	Output       string
	NewSessionID string
}

// AgentRunner drives one agent turn to completion, streaming its output
// line-by-line to cfg.OnLine as it is produced.
type AgentRunner interface {
	Run(ctx context.Context, cfg AgentConfig) (AgentResult, error)
}

// CommitResult reports the outcome of a VCS.Commit call.
type CommitResult struct {
	OK        bool
	NoChanges bool
}

// TestResult reports the outcome of a VCS.RunTests call.
type TestResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// VCS is the version-control and test-execution surface the Phase Executor
// uses. Implementations own their own sandboxing strategy.
type VCS interface {
	CreateWorktree(ctx context.Context, repoPath string, taskID int64) (branch string, err error)
	Commit(ctx context.Context, repoPath, branch, message string) (CommitResult, error)
	RunTests(ctx context.Context, repoPath, testCmd string, onLine func(string)) (TestResult, error)
	Rebase(ctx context.Context, repoPath, branch, base string) error
	OpenPR(ctx context.Context, repoPath, branch, title string) error
}

// Chat is the best-effort outbound notification surface. Errors are for the
// caller's own logging; nothing downstream consumes a return value.
type Chat interface {
	Notify(ctx context.Context, target, message string) error
}

// sanitizeReplacements is the exact six-character set spec.md's
// title_sanitized helper replaces, each independently, with a single space.
var sanitizeReplacements = map[rune]bool{
	'"': true, '\\': true, '$': true, '`': true, '\n': true, '\r': true,
}

// SanitizeTitle strips the six dangerous characters (each independently
// replaced by one space, so a CRLF becomes two spaces) then truncates to
// maxLen bytes without splitting a UTF-8 continuation byte.
func SanitizeTitle(title string, maxLen int) string {
	var b strings.Builder
	b.Grow(len(title))
	for _, r := range title {
		if sanitizeReplacements[r] {
			b.WriteByte(' ')
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if len(out) <= maxLen {
		return out
	}
	cut := maxLen
	for cut > 0 && isUTF8Continuation(out[cut]) {
		cut--
	}
	return out[:cut]
}

func isUTF8Continuation(b byte) bool {
	return b&0xC0 == 0x80
}
