package collab

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available in PATH")
	}
}

func gitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v: %s", args, err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out))
}

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	gitCmd(t, dir, "init", "-b", "main")
	gitCmd(t, dir, "config", "user.email", "test@example.com")
	gitCmd(t, dir, "config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("write README: %v", err)
	}
	gitCmd(t, dir, "add", ".")
	gitCmd(t, dir, "commit", "-m", "initial")
	return dir
}

func TestGitVCSCreateWorktree(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	repo := initTestRepo(t)
	vcs := &GitVCS{}

	branch, err := vcs.CreateWorktree(ctx, repo, 42)
	if err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	if !strings.HasPrefix(branch, "task-42-") {
		t.Fatalf("expected branch prefixed task-42-, got %q", branch)
	}
	worktreeDir := filepath.Join(repo, ".worktrees", branch)
	if _, err := os.Stat(filepath.Join(worktreeDir, "README.md")); err != nil {
		t.Fatalf("expected worktree checkout to contain README.md: %v", err)
	}
}

func TestGitVCSCommitOK(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	repo := initTestRepo(t)
	vcs := &GitVCS{}

	branch, err := vcs.CreateWorktree(ctx, repo, 1)
	if err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	worktreeDir := filepath.Join(repo, ".worktrees", branch)
	if err := os.WriteFile(filepath.Join(worktreeDir, "new.txt"), []byte("content"), 0o644); err != nil {
		t.Fatalf("write new.txt: %v", err)
	}

	result, err := vcs.Commit(ctx, worktreeDir, branch, "add new.txt")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !result.OK || result.NoChanges {
		t.Fatalf("expected a clean commit, got %+v", result)
	}
}

func TestGitVCSCommitNoChanges(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	repo := initTestRepo(t)
	vcs := &GitVCS{}

	branch, err := vcs.CreateWorktree(ctx, repo, 2)
	if err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	worktreeDir := filepath.Join(repo, ".worktrees", branch)

	result, err := vcs.Commit(ctx, worktreeDir, branch, "nothing to see")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if result.OK || !result.NoChanges {
		t.Fatalf("expected NoChanges, got %+v", result)
	}
}

func TestGitVCSRunTestsOnHost(t *testing.T) {
	ctx := context.Background()
	repo := t.TempDir()
	vcs := &GitVCS{}

	var lines []string
	result, err := vcs.RunTests(ctx, repo, "echo line-one; echo line-two 1>&2; exit 0", func(line string) {
		lines = append(lines, line)
	})
	if err != nil {
		t.Fatalf("RunTests: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d", result.ExitCode)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 streamed lines, got %d: %v", len(lines), lines)
	}
}

func TestGitVCSRunTestsOnHostNonZeroExit(t *testing.T) {
	ctx := context.Background()
	repo := t.TempDir()
	vcs := &GitVCS{}

	result, err := vcs.RunTests(ctx, repo, "exit 7", nil)
	if err != nil {
		t.Fatalf("RunTests: %v", err)
	}
	if result.ExitCode != 7 {
		t.Fatalf("expected exit 7, got %d", result.ExitCode)
	}
}

func TestGitVCSRebaseConflictAborts(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	repo := initTestRepo(t)
	vcs := &GitVCS{}

	branch, err := vcs.CreateWorktree(ctx, repo, 3)
	if err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	worktreeDir := filepath.Join(repo, ".worktrees", branch)

	if err := os.WriteFile(filepath.Join(worktreeDir, "README.md"), []byte("branch change\n"), 0o644); err != nil {
		t.Fatalf("write README in worktree: %v", err)
	}
	if _, err := vcs.Commit(ctx, worktreeDir, branch, "branch change"); err != nil {
		t.Fatalf("Commit in worktree: %v", err)
	}

	if err := os.WriteFile(filepath.Join(repo, "README.md"), []byte("main change\n"), 0o644); err != nil {
		t.Fatalf("write README on main: %v", err)
	}
	gitCmd(t, repo, "add", ".")
	gitCmd(t, repo, "commit", "-m", "main change")

	if err := vcs.Rebase(ctx, worktreeDir, branch, "main"); err == nil {
		t.Fatalf("expected conflicting rebase to fail")
	}
	status := gitCmd(t, worktreeDir, "status", "--porcelain=v1")
	if strings.Contains(status, "UU ") {
		t.Fatalf("expected rebase --abort to clear conflict markers, got status: %q", status)
	}
}

func TestGitVCSOpenPRIsStub(t *testing.T) {
	ctx := context.Background()
	vcs := &GitVCS{}
	err := vcs.OpenPR(ctx, "", "", `feature: "quotes" and \backslash` + "\n")
	if err != ErrOpenPRUnsupported {
		t.Fatalf("expected ErrOpenPRUnsupported, got %v", err)
	}
}
