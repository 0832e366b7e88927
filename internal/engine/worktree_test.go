package engine

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found on PATH")
	}
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init", "-b", "main")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("write README: %v", err)
	}
	run("add", "README.md")
	run("commit", "-m", "initial commit")
	return dir
}

func TestWorktreeLifecycleMergesOnSuccess(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	ctx := context.Background()

	mainline, err := currentBranch(ctx, repo)
	if err != nil {
		t.Fatalf("currentBranch: %v", err)
	}

	wtPath := filepath.Join(repo, ".cortexos", "worktrees", "task-1")
	wt, err := NewWorktree(ctx, repo, wtPath, "cortexos/task-1")
	if err != nil {
		t.Fatalf("NewWorktree: %v", err)
	}

	if err := os.WriteFile(filepath.Join(wtPath, "output.txt"), []byte("done\n"), 0o644); err != nil {
		t.Fatalf("write output.txt: %v", err)
	}
	commit := exec.Command("git", "add", "output.txt")
	commit.Dir = wtPath
	if out, err := commit.CombinedOutput(); err != nil {
		t.Fatalf("git add: %v: %s", err, out)
	}
	commitCmd := exec.Command("git", "commit", "-m", "add output")
	commitCmd.Dir = wtPath
	commitCmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	if out, err := commitCmd.CombinedOutput(); err != nil {
		t.Fatalf("git commit: %v: %s", err, out)
	}

	if err := wt.Merge(ctx, mainline); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	if _, err := os.Stat(filepath.Join(repo, "output.txt")); err != nil {
		t.Fatalf("expected output.txt to exist in the mainline checkout after merge: %v", err)
	}
	if _, err := os.Stat(wtPath); !os.IsNotExist(err) {
		t.Fatalf("expected worktree directory to be removed after merge")
	}
}

func TestWorktreeRemoveDiscardsWithoutMerging(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	ctx := context.Background()

	wtPath := filepath.Join(repo, ".cortexos", "worktrees", "task-2")
	wt, err := NewWorktree(ctx, repo, wtPath, "cortexos/task-2")
	if err != nil {
		t.Fatalf("NewWorktree: %v", err)
	}
	if err := os.WriteFile(filepath.Join(wtPath, "scratch.txt"), []byte("x\n"), 0o644); err != nil {
		t.Fatalf("write scratch.txt: %v", err)
	}

	if err := wt.Remove(ctx); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if _, err := os.Stat(wtPath); !os.IsNotExist(err) {
		t.Fatalf("expected worktree directory to be removed")
	}
	if _, err := os.Stat(filepath.Join(repo, "scratch.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected discarded worktree's file to never appear on mainline")
	}
}

func TestMergeRefusesWhenRepoHasMovedOffMainline(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	ctx := context.Background()

	wtPath := filepath.Join(repo, ".cortexos", "worktrees", "task-3")
	wt, err := NewWorktree(ctx, repo, wtPath, "cortexos/task-3")
	if err != nil {
		t.Fatalf("NewWorktree: %v", err)
	}

	if err := wt.Merge(ctx, "not-the-real-branch"); err == nil {
		t.Fatalf("expected Merge to refuse merging when repo is not on the expected mainline branch")
	}
}

func TestSanitizeBranchNameStripsUnsafeCharacters(t *testing.T) {
	got := sanitizeBranchName("handoff:agent-7:developer")
	if got != "handoff-agent-7-developer" {
		t.Fatalf("unexpected sanitized name: %q", got)
	}
}
