package phase_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/basket/pipelined/internal/collab"
	"github.com/basket/pipelined/internal/mode"
	"github.com/basket/pipelined/internal/phase"
	"github.com/basket/pipelined/internal/queuestore"
	"github.com/basket/pipelined/internal/stream"
)

func testMode() mode.Mode {
	return mode.Mode{
		Name:          "swe-test",
		UsesWorktrees: true,
		UsesSandbox:   true,
		UsesVCS:       true,
		InitialStatus: "backlog",
		Phases: []mode.Phase{
			{Name: "backlog", Role: mode.RoleSetup, Priority: 2, Next: "impl"},
			{
				Name:               "impl",
				Role:               mode.RoleAgent,
				SystemPrompt:       "you are an engineer",
				Instruction:        "implement the task",
				ErrorInstruction:   "previous attempt failed: {ERROR}",
				IncludeTaskContext: true,
				RunsTests:          true,
				Commits:            true,
				CommitMessage:      "feat: implement",
				Priority:           0,
				HasQAFixRouting:    true,
				Next:               "done",
			},
		},
	}
}

func openTestStore(t *testing.T, activePredicate queuestore.ActivePredicate, priorityOf queuestore.PriorityOf) *queuestore.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := queuestore.Open(filepath.Join(dir, "pipeline.db"),
		queuestore.WithActivePredicate(activePredicate),
		queuestore.WithPriorityOf(priorityOf),
	)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRegistry(t *testing.T) *mode.Registry {
	t.Helper()
	r, err := mode.NewRegistry([]mode.Mode{testMode()})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return r
}

// fakeRunner returns a scripted result/error per call, in order.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []collab.AgentConfig
	results []collab.AgentResult
	errs    []error
}

func (f *fakeRunner) Run(ctx context.Context, cfg collab.AgentConfig) (collab.AgentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.calls)
	f.calls = append(f.calls, cfg)
	if cfg.OnLine != nil {
		for _, line := range []string{"working...", "BEGIN", "implemented the feature", "END"} {
			cfg.OnLine(line)
		}
	}
	var res collab.AgentResult
	if i < len(f.results) {
		res = f.results[i]
	}
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return res, err
}

// fakeVCS records every call it receives and returns scripted outcomes.
type fakeVCS struct {
	mu            sync.Mutex
	worktreeErr   error
	commitResult  collab.CommitResult
	commitErr     error
	testResult    collab.TestResult
	testErr       error
	rebaseErr     error
	worktreeCalls int
	commitCalls   int
	testCalls     int
}

func (f *fakeVCS) CreateWorktree(ctx context.Context, repoPath string, taskID int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.worktreeCalls++
	if f.worktreeErr != nil {
		return "", f.worktreeErr
	}
	return "task-branch", nil
}

func (f *fakeVCS) Commit(ctx context.Context, repoPath, branch, message string) (collab.CommitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commitCalls++
	return f.commitResult, f.commitErr
}

func (f *fakeVCS) RunTests(ctx context.Context, repoPath, testCmd string, onLine func(string)) (collab.TestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.testCalls++
	if onLine != nil {
		onLine("test output line")
	}
	return f.testResult, f.testErr
}

func (f *fakeVCS) Rebase(ctx context.Context, repoPath, branch, base string) error {
	return f.rebaseErr
}

func (f *fakeVCS) OpenPR(ctx context.Context, repoPath, branch, title string) error {
	return collab.ErrOpenPRUnsupported
}

// fakeChat records every notification sent.
type fakeChat struct {
	mu      sync.Mutex
	targets []string
	bodies  []string
}

func (f *fakeChat) Notify(ctx context.Context, target, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, target)
	f.bodies = append(f.bodies, message)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunAdvancesThroughSetupAndAgentPhasesToDone(t *testing.T) {
	store := openTestStore(t, func(s string) bool { return s == "backlog" || s == "impl" }, func(s string) int { return 0 })
	registry := testRegistry(t)

	taskID, err := store.CreateTask(context.Background(), "fix bug", "desc", "/repo", "user", "chat:1", "backlog", 3)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	task, err := store.GetTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}

	runner := &fakeRunner{results: []collab.AgentResult{{Output: "implemented", NewSessionID: "sess-1"}}}
	vcs := &fakeVCS{commitResult: collab.CommitResult{OK: true}, testResult: collab.TestResult{ExitCode: 0}}
	chat := &fakeChat{}

	ex := phase.New(phase.Config{
		Store: store, Registry: registry, Runner: runner, VCS: vcs, Chat: chat,
		FanOut: stream.NewFanOut(), Logger: testLogger(),
		AgentTimeoutS: 60, TestCmd: "go test ./...",
		BeginMarker: "BEGIN", EndMarker: "END",
	})

	ex.Run(context.Background(), task)

	got, err := store.GetTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("get task after run: %v", err)
	}
	if got.Status != "done" {
		t.Fatalf("expected status done, got %q", got.Status)
	}
	if got.Branch != "task-branch" {
		t.Fatalf("expected branch set from worktree creation, got %q", got.Branch)
	}
	if got.SessionID != "sess-1" {
		t.Fatalf("expected session id persisted, got %q", got.SessionID)
	}
	if vcs.worktreeCalls != 1 {
		t.Fatalf("expected exactly 1 worktree creation, got %d", vcs.worktreeCalls)
	}
	if vcs.commitCalls != 1 || vcs.testCalls != 1 {
		t.Fatalf("expected 1 commit and 1 test run, got commits=%d tests=%d", vcs.commitCalls, vcs.testCalls)
	}
	if len(chat.bodies) != 1 || chat.targets[0] != "chat:1" {
		t.Fatalf("expected 1 chat notification to chat:1, got %+v", chat.targets)
	}
}

func TestRunRoutesTestFileFailureToQAFixWithoutIncrementingAttempt(t *testing.T) {
	store := openTestStore(t, func(s string) bool { return true }, func(s string) int { return 0 })
	registry := testRegistry(t)

	taskID, _ := store.CreateTask(context.Background(), "t", "d", "/repo", "user", "", "impl", 3)
	_ = store.UpdateTaskBranch(context.Background(), taskID, "existing-branch")
	task, _ := store.GetTask(context.Background(), taskID)

	runner := &fakeRunner{results: []collab.AgentResult{{Output: "done"}}}
	vcs := &fakeVCS{
		commitResult: collab.CommitResult{OK: true},
		testResult:   collab.TestResult{ExitCode: 1, Stderr: "widget_test.go:10: error: assertion failed"},
	}
	ex := phase.New(phase.Config{
		Store: store, Registry: registry, Runner: runner, VCS: vcs, Chat: &fakeChat{},
		FanOut: stream.NewFanOut(), Logger: testLogger(), AgentTimeoutS: 60, TestCmd: "go test ./...",
	})

	ex.Run(context.Background(), task)

	got, err := store.GetTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != "qa_fix" {
		t.Fatalf("expected status qa_fix, got %q", got.Status)
	}
	if got.Attempt != 0 {
		t.Fatalf("expected attempt not incremented on qa_fix routing, got %d", got.Attempt)
	}
	if got.LastError == "" {
		t.Fatal("expected last_error populated with test output")
	}
}

func TestRunHandlesGenericFailureViaRetry(t *testing.T) {
	store := openTestStore(t, func(s string) bool { return true }, func(s string) int { return 0 })
	registry := testRegistry(t)

	taskID, _ := store.CreateTask(context.Background(), "t", "d", "/repo", "user", "", "impl", 3)
	_ = store.UpdateTaskBranch(context.Background(), taskID, "b")
	task, _ := store.GetTask(context.Background(), taskID)

	runner := &fakeRunner{errs: []error{&collab.AgentError{Kind: collab.ErrIOError, Err: errors.New("boom")}}}
	vcs := &fakeVCS{}
	ex := phase.New(phase.Config{
		Store: store, Registry: registry, Runner: runner, VCS: vcs, Chat: &fakeChat{},
		FanOut: stream.NewFanOut(), Logger: testLogger(), AgentTimeoutS: 60, TestCmd: "go test ./...",
	})

	ex.Run(context.Background(), task)

	got, err := store.GetTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != "retry" {
		t.Fatalf("expected status retry, got %q", got.Status)
	}
	if got.Attempt != 1 {
		t.Fatalf("expected attempt incremented, got %d", got.Attempt)
	}
	if got.RetryAfter == "" {
		t.Fatal("expected retry_after set")
	}
}

func TestRunTimeoutSetsAgentTimeoutError(t *testing.T) {
	store := openTestStore(t, func(s string) bool { return true }, func(s string) int { return 0 })
	registry := testRegistry(t)

	taskID, _ := store.CreateTask(context.Background(), "t", "d", "/repo", "user", "", "impl", 3)
	_ = store.UpdateTaskBranch(context.Background(), taskID, "b")
	task, _ := store.GetTask(context.Background(), taskID)

	runner := &fakeRunner{errs: []error{&collab.AgentError{Kind: collab.ErrKilledByTimeout, Err: context.DeadlineExceeded}}}
	ex := phase.New(phase.Config{
		Store: store, Registry: registry, Runner: runner, VCS: &fakeVCS{}, Chat: &fakeChat{},
		FanOut: stream.NewFanOut(), Logger: testLogger(), AgentTimeoutS: 42, TestCmd: "go test ./...",
	})

	ex.Run(context.Background(), task)

	got, err := store.GetTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.LastError != "agent timeout after 42 s" {
		t.Fatalf("unexpected last_error: %q", got.LastError)
	}
}

func TestRunDeadLettersAfterMaxAttempts(t *testing.T) {
	store := openTestStore(t, func(s string) bool { return true }, func(s string) int { return 0 })
	registry := testRegistry(t)

	taskID, _ := store.CreateTask(context.Background(), "t", "d", "/repo", "user", "notify:1", "impl", 1)
	_ = store.UpdateTaskBranch(context.Background(), taskID, "b")
	task, _ := store.GetTask(context.Background(), taskID)

	runner := &fakeRunner{errs: []error{&collab.AgentError{Kind: collab.ErrIOError, Err: errors.New("boom")}}}
	chat := &fakeChat{}
	ex := phase.New(phase.Config{
		Store: store, Registry: registry, Runner: runner, VCS: &fakeVCS{}, Chat: chat,
		FanOut: stream.NewFanOut(), Logger: testLogger(), AgentTimeoutS: 60, TestCmd: "go test ./...",
	})

	ex.Run(context.Background(), task)

	got, err := store.GetTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != queuestore.StatusDeadLetter {
		t.Fatalf("expected dead_letter, got %q", got.Status)
	}
	if len(chat.bodies) != 1 {
		t.Fatalf("expected 1 dead-letter notification, got %d", len(chat.bodies))
	}
}
