package git

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

var (
	// ErrBranchAlreadyCheckedOut indicates the branch is checked out in
	// another worktree.
	ErrBranchAlreadyCheckedOut = errors.New("branch already checked out in another worktree")

	// ErrPathAlreadyExists indicates the worktree path already exists.
	ErrPathAlreadyExists = errors.New("worktree path already exists")

	// ErrWorktreeLocked indicates the worktree is locked.
	ErrWorktreeLocked = errors.New("worktree is locked")

	// ErrNotGitRepo indicates the directory is not a git repository.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrWorktreeTimeout indicates worktree creation exceeded its deadline.
	ErrWorktreeTimeout = errors.New("worktree creation timed out")

	// ErrInvalidBranchName indicates the name failed check-ref-format.
	ErrInvalidBranchName = errors.New("invalid branch name")
)

// Compile-time check that CLIExecutor implements Executor.
var _ Executor = (*CLIExecutor)(nil)

// CLIExecutor implements Executor by shelling out to git.
type CLIExecutor struct {
	workDir string
}

// NewCLIExecutor creates a CLIExecutor rooted at workDir.
func NewCLIExecutor(workDir string) *CLIExecutor {
	return &CLIExecutor{workDir: workDir}
}

func (e *CLIExecutor) runGit(args ...string) error {
	_, err := e.runGitOutput(args...)
	return err
}

func (e *CLIExecutor) runGitOutput(args ...string) (string, error) {
	return e.runGitOutputContext(context.Background(), args...)
}

func (e *CLIExecutor) runGitOutputContext(ctx context.Context, args ...string) (string, error) {
	//nolint:gosec // G204: args come from controlled sources
	cmd := exec.CommandContext(ctx, "git", args...)
	if e.workDir != "" {
		cmd.Dir = e.workDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: git %s", ErrWorktreeTimeout, strings.Join(args, " "))
		}
		stderrStr := strings.TrimSpace(stderr.String())
		if stderrStr != "" {
			return "", parseGitError(stderrStr, err)
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// parseGitError converts git stderr messages to sentinel errors.
func parseGitError(stderr string, originalErr error) error {
	lower := strings.ToLower(stderr)

	if strings.Contains(lower, "is already checked out") ||
		strings.Contains(lower, "already checked out at") {
		return fmt.Errorf("%w: %s", ErrBranchAlreadyCheckedOut, stderr)
	}
	if strings.Contains(lower, "already exists") {
		return fmt.Errorf("%w: %s", ErrPathAlreadyExists, stderr)
	}
	if strings.Contains(lower, "is locked") {
		return fmt.Errorf("%w: %s", ErrWorktreeLocked, stderr)
	}
	if strings.Contains(lower, "not a git repository") {
		return fmt.Errorf("%w: %s", ErrNotGitRepo, stderr)
	}
	return fmt.Errorf("git error: %s: %w", stderr, originalErr)
}

// CreateWorktree creates a worktree at path on a new branch.
func (e *CLIExecutor) CreateWorktree(ctx context.Context, path, newBranch, baseBranch string) error {
	args := []string{"worktree", "add", "-b", newBranch, path}
	if baseBranch != "" {
		args = append(args, baseBranch)
	}
	_, err := e.runGitOutputContext(ctx, args...)
	return err
}

// RemoveWorktree removes the worktree, retrying with --force when the
// plain remove is refused (dirty tree).
func (e *CLIExecutor) RemoveWorktree(path string) error {
	if err := e.runGit("worktree", "remove", path); err != nil {
		return e.runGit("worktree", "remove", "--force", path)
	}
	return nil
}

// PruneWorktrees removes stale worktree references.
func (e *CLIExecutor) PruneWorktrees() error {
	return e.runGit("worktree", "prune")
}

// ListWorktrees returns every worktree registered with the repository.
func (e *CLIExecutor) ListWorktrees() ([]WorktreeInfo, error) {
	output, err := e.runGitOutput("worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(output), nil
}

// parseWorktreeList parses porcelain output:
//
//	worktree /path/to/worktree
//	HEAD <sha>
//	branch refs/heads/branch-name
//	<blank line>
func parseWorktreeList(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo
	var current WorktreeInfo

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if current.Path != "" {
				worktrees = append(worktrees, current)
			}
			current = WorktreeInfo{}
			continue
		}

		parts := strings.SplitN(line, " ", 2)
		if len(parts) < 2 {
			continue
		}
		switch parts[0] {
		case "worktree":
			current.Path = parts[1]
		case "HEAD":
			current.HEAD = parts[1]
		case "branch":
			current.Branch = strings.TrimPrefix(parts[1], "refs/heads/")
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees
}

// BranchExists checks whether a local branch with the given name exists.
func (e *CLIExecutor) BranchExists(name string) bool {
	return e.runGit("show-ref", "--verify", "--quiet", "refs/heads/"+name) == nil
}

// DeleteBranch force-deletes the local branch.
func (e *CLIExecutor) DeleteBranch(name string) error {
	return e.runGit("branch", "-D", name)
}

// ValidateBranchName validates the name with git check-ref-format.
func (e *CLIExecutor) ValidateBranchName(name string) error {
	if err := e.runGit("check-ref-format", "--branch", name); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidBranchName, name)
	}
	return nil
}

// CurrentBranch returns the checked-out branch name.
func (e *CLIExecutor) CurrentBranch() (string, error) {
	output, err := e.runGitOutput("branch", "--show-current")
	if err == nil && output != "" {
		return output, nil
	}
	output, err = e.runGitOutput("symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to get current branch: %w", err)
	}
	return output, nil
}

// MainBranch detects the default branch name.
// Order: config, remote HEAD, main/master existence, fallback "main".
func (e *CLIExecutor) MainBranch() (string, error) {
	if branch, err := e.runGitOutput("config", "init.defaultBranch"); err == nil && branch != "" {
		return branch, nil
	}
	if ref, err := e.runGitOutput("symbolic-ref", "refs/remotes/origin/HEAD"); err == nil {
		parts := strings.Split(ref, "/")
		if len(parts) > 0 {
			return parts[len(parts)-1], nil
		}
	}
	if e.BranchExists("main") {
		return "main", nil
	}
	if e.BranchExists("master") {
		return "master", nil
	}
	return "main", nil
}

// IsGitRepo checks whether workDir is inside a git repository.
func (e *CLIExecutor) IsGitRepo() bool {
	return e.runGit("rev-parse", "--git-dir") == nil
}

// RepoRoot returns the repository's top-level directory.
func (e *CLIExecutor) RepoRoot() (string, error) {
	return e.runGitOutput("rev-parse", "--show-toplevel")
}

// HasUncommittedChanges reports whether the working tree is dirty.
func (e *CLIExecutor) HasUncommittedChanges() (bool, error) {
	output, err := e.runGitOutput("status", "--porcelain")
	if err != nil {
		return false, err
	}
	return output != "", nil
}

// SimulateMerge runs a no-commit merge of branch and restores the tree.
func (e *CLIExecutor) SimulateMerge(branch string) (bool, error) {
	err := e.runGit("merge", "--no-commit", "--no-ff", branch)
	if err != nil {
		// Conflict or failure: leave conflict markers for inspection by
		// ConflictingFiles; the caller aborts when done.
		return false, nil
	}
	if abortErr := e.AbortMerge(); abortErr != nil {
		// A fast-forward-able merge may leave nothing to abort.
		_ = e.runGit("reset", "--hard", "HEAD")
	}
	return true, nil
}

// AbortMerge aborts an in-progress merge.
func (e *CLIExecutor) AbortMerge() error {
	return e.runGit("merge", "--abort")
}

// ConflictingFiles lists unmerged paths.
func (e *CLIExecutor) ConflictingFiles() ([]string, error) {
	output, err := e.runGitOutput("diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if output == "" {
		return nil, nil
	}
	return strings.Split(output, "\n"), nil
}
