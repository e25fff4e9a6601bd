// Package git wraps the git CLI for worktree, branch and merge-probe
// operations.
package git

import "context"

// WorktreeInfo holds one entry of `git worktree list --porcelain`.
type WorktreeInfo struct {
	Path   string
	Branch string
	HEAD   string
}

// Executor defines the git operations the worktree manager depends on.
// The abstraction exists so tests can substitute a fake.
type Executor interface {
	// CreateWorktree creates a worktree at path on a new branch started
	// from baseBranch (current HEAD when empty). Returns
	// ErrWorktreeTimeout if the context deadline is exceeded.
	CreateWorktree(ctx context.Context, path, newBranch, baseBranch string) error
	RemoveWorktree(path string) error
	PruneWorktrees() error
	ListWorktrees() ([]WorktreeInfo, error)

	BranchExists(name string) bool
	DeleteBranch(name string) error
	ValidateBranchName(name string) error
	CurrentBranch() (string, error)
	MainBranch() (string, error)

	IsGitRepo() bool
	RepoRoot() (string, error)
	HasUncommittedChanges() (bool, error)

	// SimulateMerge attempts to merge branch into the current branch
	// without committing, reporting whether the merge would be clean.
	// The working tree is restored either way.
	SimulateMerge(branch string) (clean bool, err error)
	AbortMerge() error
	// ConflictingFiles lists paths with merge conflicts after a failed
	// merge attempt.
	ConflictingFiles() ([]string, error)
}
