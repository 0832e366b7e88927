package engine

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Worktree is the optional, off-by-default isolation feature from
// spec.md §5: each agent gets a disposable worktree rooted at a
// throwaway branch, merged into the mainline branch serially on
// completion. It shells out to porcelain `git worktree` commands rather
// than linking a Git library, grounded on the donor's general preference
// for wrapping external processes behind a narrow Go interface
// (internal/daemon does the same for OS service managers) — no pack
// repo carries a go-git dependency on its required path, and only
// worktree porcelain is needed here, not history rewriting.
type Worktree struct {
	repoDir string
	path    string
	branch  string
}

// NewWorktree creates a worktree at path on a new branch named branch,
// rooted in the repository at repoDir.
func NewWorktree(ctx context.Context, repoDir, path, branch string) (*Worktree, error) {
	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", branch, path)
	cmd.Dir = repoDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("engine: git worktree add: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return &Worktree{repoDir: repoDir, path: path, branch: branch}, nil
}

// Path returns the worktree's checkout directory, suitable as a task's
// working directory.
func (w *Worktree) Path() string { return w.path }

// Merge merges this worktree's commits into the mainline branch with
// `git merge --no-edit` (a fast-forward when mainline has not moved,
// otherwise a merge commit) and removes the worktree. mainline is the
// branch repoDir is expected to be checked out on; Merge refuses to run
// if repoDir has moved off it, since the caller (finishTaskWorktree,
// holding Engine.worktreeMergeMu) is responsible for serializing
// merges one at a time across concurrent tasks ("on completion its
// diffs are merged into the mainline branch serially", spec.md §5) and
// a concurrent checkout would invalidate that guarantee silently.
func (w *Worktree) Merge(ctx context.Context, mainline string) error {
	if mainline != "" {
		cur, err := currentBranch(ctx, w.repoDir)
		if err != nil {
			return err
		}
		if cur != mainline {
			return fmt.Errorf("engine: refusing to merge %s: repo is on %q, expected mainline %q", w.branch, cur, mainline)
		}
	}

	cmd := exec.CommandContext(ctx, "git", "merge", "--no-edit", w.branch)
	cmd.Dir = w.repoDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("engine: git merge %s: %w: %s", w.branch, err, strings.TrimSpace(string(out)))
	}
	return w.Remove(ctx)
}

// currentBranch reports the branch repoDir's working tree is checked
// out on.
func currentBranch(ctx context.Context, repoDir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = repoDir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("engine: git rev-parse --abbrev-ref HEAD: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// sanitizeBranchName strips characters git-unsafe or taskID-unsafe
// (":" shows up in handoff-synthesized task IDs, see agent_factory.go)
// from a task ID so it can serve as both a branch name suffix and a
// worktree directory name.
func sanitizeBranchName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, s)
}

// Remove discards the worktree and its branch without merging, for a
// failed or cancelled task.
func (w *Worktree) Remove(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", w.path)
	cmd.Dir = w.repoDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("engine: git worktree remove: %w: %s", err, strings.TrimSpace(string(out)))
	}
	cmd = exec.CommandContext(ctx, "git", "branch", "-D", w.branch)
	cmd.Dir = w.repoDir
	_ = cmd.Run()
	return nil
}
