// Package worktree provisions one isolated git worktree per ready task and
// announces it on the bus.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/substratehq/substrate/internal/bus"
	"github.com/substratehq/substrate/internal/errdefs"
	"github.com/substratehq/substrate/internal/git"
	"github.com/substratehq/substrate/internal/log"
	"github.com/substratehq/substrate/internal/store"
)

const (
	// DirName is the worktree container directory under the project root.
	DirName = ".substrate-worktrees"

	// branchPrefix namespaces the per-task branches.
	branchPrefix = "substrate/task-"

	// createTimeout bounds a single worktree creation.
	createTimeout = 30 * time.Second
)

// Entry describes one existing task worktree.
type Entry struct {
	TaskID    string
	Path      string
	Branch    string
	CreatedAt time.Time
}

// Manager creates, lists and removes per-task worktrees. It subscribes to
// task:ready and emits worktree:created once the worktree exists; the pool
// only ever spawns into announced worktrees.
type Manager struct {
	projectRoot string
	baseBranch  string
	exec        git.Executor
	tasks       *store.TaskRepo
	sessions    *store.SessionRepo
	eventBus    *bus.Bus
}

// NewManager creates a Manager. baseBranch may be empty; the session row's
// recorded base branch, then the repository's detected main branch, is
// used. sessions may be nil when no per-session base lookup is wanted.
func NewManager(projectRoot, baseBranch string, exec git.Executor, tasks *store.TaskRepo, sessions *store.SessionRepo, eventBus *bus.Bus) *Manager {
	return &Manager{
		projectRoot: projectRoot,
		baseBranch:  baseBranch,
		exec:        exec,
		tasks:       tasks,
		sessions:    sessions,
		eventBus:    eventBus,
	}
}

// Start registers the task:ready subscription.
func (m *Manager) Start() {
	m.eventBus.Subscribe(bus.TaskReady, "worktree-manager", func(payload any) {
		p, ok := payload.(bus.TaskReadyPayload)
		if !ok {
			return
		}
		if err := m.provision(p); err != nil {
			log.ErrorErr(log.CatGit, "Worktree provisioning failed", err,
				"taskID", p.TaskID, "sessionID", p.SessionID)
			m.eventBus.Emit(bus.TaskFailed, bus.TaskFailedPayload{
				SessionID: p.SessionID,
				TaskID:    p.TaskID,
				Error:     bus.TaskError{Message: err.Error(), Code: "worktree"},
			})
		}
	})
}

// Stop removes the task:ready subscription.
func (m *Manager) Stop() {
	m.eventBus.Unsubscribe(bus.TaskReady, "worktree-manager")
}

// PathFor returns the worktree path for a task id.
func (m *Manager) PathFor(taskID string) string {
	return filepath.Join(m.projectRoot, DirName, taskID)
}

// BranchFor returns the branch name for a task id.
func BranchFor(taskID string) string {
	return branchPrefix + taskID
}

func (m *Manager) provision(p bus.TaskReadyPayload) error {
	// Stale registrations from a previous crash would make creation fail
	// with path-exists.
	if err := m.exec.PruneWorktrees(); err != nil {
		log.Warn(log.CatGit, "Worktree prune failed", "error", err.Error())
	}

	path := m.PathFor(p.TaskID)
	branch := BranchFor(p.TaskID)

	base, err := m.resolveBase(p.SessionID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), createTimeout)
	defer cancel()

	log.Debug(log.CatGit, "Creating worktree",
		"taskID", p.TaskID, "path", path, "branch", branch, "base", base)
	if err := m.exec.CreateWorktree(ctx, path, branch, base); err != nil {
		return fmt.Errorf("creating worktree for task %s: %w", p.TaskID, err)
	}

	if err := m.tasks.SetWorktree(p.SessionID, p.TaskID, path, branch); err != nil {
		// Roll back so a retry can provision cleanly.
		_ = m.exec.RemoveWorktree(path)
		_ = m.exec.DeleteBranch(branch)
		return err
	}

	m.eventBus.Emit(bus.WorktreeCreated, bus.WorktreeCreatedPayload{
		SessionID:    p.SessionID,
		TaskID:       p.TaskID,
		WorktreePath: path,
		BranchName:   branch,
	})
	return nil
}

// resolveBase picks the branch new worktrees fork from: the session row's
// recorded base branch, then the manager default, then the repository's
// detected main branch.
func (m *Manager) resolveBase(sessionID string) (string, error) {
	if m.sessions != nil {
		sess, err := m.sessions.Get(sessionID)
		if err == nil && sess.BaseBranch != "" {
			return sess.BaseBranch, nil
		}
	}
	if m.baseBranch != "" {
		return m.baseBranch, nil
	}
	detected, err := m.exec.MainBranch()
	if err != nil {
		return "", fmt.Errorf("detecting base branch: %w", err)
	}
	return detected, nil
}

// List returns the existing task worktrees with stat-based creation times,
// ordered by task id.
func (m *Manager) List() ([]Entry, error) {
	worktrees, err := m.exec.ListWorktrees()
	if err != nil {
		return nil, err
	}

	container := filepath.Join(m.projectRoot, DirName)
	var entries []Entry
	for _, wt := range worktrees {
		if filepath.Dir(wt.Path) != container {
			continue
		}
		entry := Entry{
			TaskID: filepath.Base(wt.Path),
			Path:   wt.Path,
			Branch: wt.Branch,
		}
		if info, err := os.Stat(wt.Path); err == nil {
			entry.CreatedAt = info.ModTime()
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].TaskID < entries[j].TaskID })
	return entries, nil
}

// Orphans returns worktrees whose task id is not in activeTaskIDs.
func (m *Manager) Orphans(activeTaskIDs map[string]bool) ([]Entry, error) {
	entries, err := m.List()
	if err != nil {
		return nil, err
	}
	var orphans []Entry
	for _, entry := range entries {
		if !activeTaskIDs[entry.TaskID] {
			orphans = append(orphans, entry)
		}
	}
	return orphans, nil
}

// Remove deletes the task's worktree, optionally deleting its branch too.
func (m *Manager) Remove(taskID string, deleteBranch bool) error {
	path := m.PathFor(taskID)
	if _, err := os.Stat(path); err != nil {
		return errdefs.NotFound("worktree for task %s does not exist", taskID)
	}
	if err := m.exec.RemoveWorktree(path); err != nil {
		return fmt.Errorf("removing worktree for task %s: %w", taskID, err)
	}
	if deleteBranch {
		branch := BranchFor(taskID)
		if m.exec.BranchExists(branch) {
			if err := m.exec.DeleteBranch(branch); err != nil {
				return fmt.Errorf("deleting branch %s: %w", branch, err)
			}
		}
	}
	return nil
}
