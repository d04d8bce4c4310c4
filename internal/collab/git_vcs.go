package collab

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/google/uuid"
)

// ErrOpenPRUnsupported is returned by GitVCS.OpenPR: opening a real pull
// request against a forge is out of scope for this repo.
var ErrOpenPRUnsupported = errors.New("collab: OpenPR is a stub, no forge client configured")

// GitVCS shells out to git for worktree/commit/rebase operations and runs
// the configured test command through an optional Sandbox. OpenPR is a
// stub hook: the real forge client is out of scope (spec.md §1).
type GitVCS struct {
	Sandbox *DockerSandbox // nil means run tests directly on the host
}

// CreateWorktree allocates a task-scoped branch and worktree under
// repoPath/.worktrees.
func (g *GitVCS) CreateWorktree(ctx context.Context, repoPath string, taskID int64) (string, error) {
	branch := fmt.Sprintf("task-%d-%s", taskID, uuid.NewString()[:8])
	worktreeDir := fmt.Sprintf("%s/.worktrees/%s", repoPath, branch)
	cmd := exec.CommandContext(ctx, "git", "-C", repoPath, "worktree", "add", "-b", branch, worktreeDir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("create worktree: %w: %s", err, out)
	}
	return branch, nil
}

// Commit stages and commits every change in repoPath on branch. NoChanges
// is true when git reports nothing to commit.
func (g *GitVCS) Commit(ctx context.Context, repoPath, branch, message string) (CommitResult, error) {
	if out, err := exec.CommandContext(ctx, "git", "-C", repoPath, "add", "-A").CombinedOutput(); err != nil {
		return CommitResult{}, fmt.Errorf("git add: %w: %s", err, out)
	}
	cmd := exec.CommandContext(ctx, "git", "-C", repoPath, "commit", "-m", message)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if strings.Contains(string(out), "nothing to commit") {
			return CommitResult{OK: false, NoChanges: true}, nil
		}
		return CommitResult{}, fmt.Errorf("git commit: %w: %s", err, out)
	}
	return CommitResult{OK: true}, nil
}

// RunTests executes testCmd, streaming combined output line-by-line through
// onLine, inside the sandbox if configured, otherwise directly on the host.
func (g *GitVCS) RunTests(ctx context.Context, repoPath, testCmd string, onLine func(string)) (TestResult, error) {
	if g.Sandbox != nil {
		stdout, stderr, exitCode, err := g.Sandbox.RunStreaming(ctx, testCmd, repoPath, onLine)
		return TestResult{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}, err
	}
	return g.runTestsOnHost(ctx, repoPath, testCmd, onLine)
}

func (g *GitVCS) runTestsOnHost(ctx context.Context, repoPath, testCmd string, onLine func(string)) (TestResult, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", testCmd)
	cmd.Dir = repoPath
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return TestResult{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return TestResult{}, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return TestResult{}, fmt.Errorf("start tests: %w", err)
	}

	var stdoutBuf, stderrBuf builderSink
	done := make(chan struct{}, 2)
	go streamLines(stdoutPipe, onLine, &stdoutBuf, done)
	go streamLines(stderrPipe, onLine, &stderrBuf, done)
	<-done
	<-done

	waitErr := cmd.Wait()
	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return TestResult{}, fmt.Errorf("wait tests: %w", waitErr)
		}
	}
	return TestResult{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String(), ExitCode: exitCode}, nil
}

// Rebase rebases branch onto base, reporting any conflict output as an
// error.
func (g *GitVCS) Rebase(ctx context.Context, repoPath, branch, base string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", repoPath, "rebase", base, branch)
	if out, err := cmd.CombinedOutput(); err != nil {
		_ = exec.CommandContext(ctx, "git", "-C", repoPath, "rebase", "--abort").Run()
		return fmt.Errorf("rebase %s onto %s: %w: %s", branch, base, err, out)
	}
	return nil
}

// OpenPR sanitizes the title and returns ErrOpenPRUnsupported. The real
// forge client (GitHub/GitLab API) is a stub hook, out of scope here.
func (g *GitVCS) OpenPR(ctx context.Context, repoPath, branch, title string) error {
	_ = SanitizeTitle(title, 100)
	return ErrOpenPRUnsupported
}
