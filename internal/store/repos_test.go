package store

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func seedSession(t *testing.T, s *Store, id string) *Session {
	t.Helper()
	sess := &Session{ID: id, Status: SessionActive, GraphPath: "graph.yaml", DefaultAgent: "claude-code"}
	require.NoError(t, s.Sessions().Create(sess))
	return sess
}

func seedTask(t *testing.T, s *Store, sessionID, id string) *Task {
	t.Helper()
	task := &Task{ID: id, SessionID: sessionID, Prompt: "do " + id, Status: TaskPending, MaxRetries: 2}
	require.NoError(t, s.Tasks().Create(task))
	return task
}

func TestSessionRepo_CreateGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	budget := 10.5
	sess := &Session{ID: "s1", Name: "auth refactor", Status: SessionActive,
		GraphPath: "g.yaml", BaseBranch: "develop",
		DefaultAgent: "gemini-cli", BudgetUSD: &budget}
	require.NoError(t, s.Sessions().Create(sess))

	got, err := s.Sessions().Get("s1")
	require.NoError(t, err)
	require.Equal(t, "auth refactor", got.Name)
	require.Equal(t, SessionActive, got.Status)
	require.Equal(t, "g.yaml", got.GraphPath)
	require.Equal(t, "develop", got.BaseBranch)
	require.Equal(t, "gemini-cli", got.DefaultAgent)
	require.NotNil(t, got.BudgetUSD)
	require.Equal(t, 10.5, *got.BudgetUSD)
	require.Nil(t, got.CompletedAt)
	require.False(t, got.CreatedAt.IsZero())
}

func TestSessionRepo_GetMissingReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Sessions().Get("nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSessionRepo_DuplicateIDRejected(t *testing.T) {
	s := openTestStore(t)
	seedSession(t, s, "s1")
	err := s.Sessions().Create(&Session{ID: "s1", Status: SessionActive, GraphPath: "g"})
	require.Error(t, err)
}

func TestSessionRepo_StatusTransitions(t *testing.T) {
	s := openTestStore(t)
	seedSession(t, s, "s1")

	require.NoError(t, s.Sessions().UpdateStatus("s1", SessionPaused))
	require.NoError(t, s.Sessions().UpdateStatus("s1", SessionActive))
	require.NoError(t, s.Sessions().UpdateStatus("s1", SessionCompleted))

	// Completed is terminal.
	err := s.Sessions().UpdateStatus("s1", SessionActive)
	require.ErrorContains(t, err, "invalid transition")

	got, err := s.Sessions().Get("s1")
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
}

func TestSessionRepo_PausedCannotComplete(t *testing.T) {
	s := openTestStore(t)
	seedSession(t, s, "s1")
	require.NoError(t, s.Sessions().UpdateStatus("s1", SessionPaused))
	err := s.Sessions().UpdateStatus("s1", SessionCompleted)
	require.ErrorContains(t, err, "invalid transition")
}

func TestSessionRepo_FirstInterrupted(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Sessions().FirstInterrupted()
	require.ErrorIs(t, err, ErrNotFound)

	old := seedSession(t, s, "older")
	old.CreatedAt = time.Now().Add(-time.Hour)
	_, err = s.Connection().Exec(`UPDATE sessions SET created_at = ?, status = 'interrupted' WHERE id = 'older'`,
		encodeTime(old.CreatedAt))
	require.NoError(t, err)
	seedSession(t, s, "newer")
	require.NoError(t, s.Sessions().UpdateStatus("newer", SessionInterrupted))

	got, err := s.Sessions().FirstInterrupted()
	require.NoError(t, err)
	require.Equal(t, "older", got.ID)
}

func TestSessionRepo_AddCost(t *testing.T) {
	s := openTestStore(t)
	seedSession(t, s, "s1")
	require.NoError(t, s.Sessions().AddCost("s1", 0.25))
	require.NoError(t, s.Sessions().AddCost("s1", 0.5))

	got, err := s.Sessions().Get("s1")
	require.NoError(t, err)
	require.InDelta(t, 0.75, got.TotalCostUSD, 1e-9)

	require.ErrorIs(t, s.Sessions().AddCost("missing", 1), ErrNotFound)
}

func TestSessionRepo_AddPlanningCost(t *testing.T) {
	s := openTestStore(t)
	seedSession(t, s, "s1")
	require.NoError(t, s.Sessions().AddPlanningCost("s1", 0.10))
	require.NoError(t, s.Sessions().AddPlanningCost("s1", 0.05))

	got, err := s.Sessions().Get("s1")
	require.NoError(t, err)
	require.InDelta(t, 0.15, got.PlanningCostUSD, 1e-9)
	// Planning spend stays out of the execution total.
	require.Zero(t, got.TotalCostUSD)

	require.ErrorIs(t, s.Sessions().AddPlanningCost("missing", 1), ErrNotFound)
}

func TestTaskRepo_Lifecycle(t *testing.T) {
	s := openTestStore(t)
	seedSession(t, s, "s1")
	seedTask(t, s, "s1", "a")

	require.NoError(t, s.Tasks().UpdateStatus("s1", "a", TaskReady))
	require.NoError(t, s.Tasks().MarkRunning("s1", "a", "worker-1"))
	running, err := s.Tasks().Get("s1", "a")
	require.NoError(t, err)
	require.Equal(t, "worker-1", *running.WorkerID)
	require.NoError(t, s.Tasks().MarkCompleted("s1", "a", "done", 0, 120, 40, 0.002))

	got, err := s.Tasks().Get("s1", "a")
	require.NoError(t, err)
	require.Equal(t, TaskCompleted, got.Status)
	require.Nil(t, got.WorkerID)
	require.Equal(t, "done", *got.Output)
	require.Equal(t, 0, *got.ExitCode)
	require.Equal(t, 120, *got.TokensInput)
	require.Equal(t, 40, *got.TokensOutput)
	require.InDelta(t, 0.002, got.CostUSD, 1e-9)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)
}

func TestTaskRepo_InvalidTransitionRejected(t *testing.T) {
	s := openTestStore(t)
	seedSession(t, s, "s1")
	seedTask(t, s, "s1", "a")

	// pending -> running skips ready.
	err := s.Tasks().MarkRunning("s1", "a", "worker-1")
	require.ErrorContains(t, err, "invalid transition")

	// pending -> completed is never legal.
	err = s.Tasks().UpdateStatus("s1", "a", TaskCompleted)
	require.ErrorContains(t, err, "invalid transition")
}

func TestTaskRepo_FailAndRetryReset(t *testing.T) {
	s := openTestStore(t)
	seedSession(t, s, "s1")
	seedTask(t, s, "s1", "a")

	require.NoError(t, s.Tasks().UpdateStatus("s1", "a", TaskReady))
	require.NoError(t, s.Tasks().MarkRunning("s1", "a", "worker-2"))
	code := 1
	require.NoError(t, s.Tasks().MarkFailed("s1", "a", "agent exited nonzero", &code))

	got, err := s.Tasks().Get("s1", "a")
	require.NoError(t, err)
	require.Equal(t, TaskFailed, got.Status)
	require.Nil(t, got.WorkerID)
	require.Equal(t, "agent exited nonzero", *got.Error)
	require.Equal(t, 1, *got.ExitCode)

	require.NoError(t, s.Tasks().ResetForRetry("s1", "a"))
	got, err = s.Tasks().Get("s1", "a")
	require.NoError(t, err)
	require.Equal(t, TaskPending, got.Status)
	require.Equal(t, 1, got.Retries)
	require.Nil(t, got.Error)
	require.Nil(t, got.ExitCode)
	require.Nil(t, got.StartedAt)
}

func TestTaskRepo_SetWorktreeAndBudgetExceeded(t *testing.T) {
	s := openTestStore(t)
	seedSession(t, s, "s1")
	seedTask(t, s, "s1", "a")

	require.NoError(t, s.Tasks().SetWorktree("s1", "a", "/tmp/wt/a", "substrate/task-a"))
	require.NoError(t, s.Tasks().SetBudgetExceeded("s1", "a"))

	got, err := s.Tasks().Get("s1", "a")
	require.NoError(t, err)
	require.Equal(t, "/tmp/wt/a", *got.WorktreePath)
	require.Equal(t, "substrate/task-a", *got.BranchName)
	require.Equal(t, TaskFailed, got.Status)
	require.True(t, got.BudgetExceeded)
	require.Equal(t, "Session budget exceeded", *got.Error)
}

func TestTaskRepo_CountByStatus(t *testing.T) {
	s := openTestStore(t)
	seedSession(t, s, "s1")
	seedTask(t, s, "s1", "a")
	seedTask(t, s, "s1", "b")
	seedTask(t, s, "s1", "c")
	require.NoError(t, s.Tasks().UpdateStatus("s1", "c", TaskReady))

	counts, err := s.Tasks().CountByStatus("s1")
	require.NoError(t, err)
	require.Equal(t, 2, counts[TaskPending])
	require.Equal(t, 1, counts[TaskReady])
}

func TestDependencyRepo_EdgesAndTraversal(t *testing.T) {
	s := openTestStore(t)
	seedSession(t, s, "s1")
	seedTask(t, s, "s1", "a")
	seedTask(t, s, "s1", "b")
	seedTask(t, s, "s1", "c")

	require.NoError(t, s.Dependencies().Create(&Dependency{SessionID: "s1", TaskID: "b", DependsOn: "a"}))
	require.NoError(t, s.Dependencies().Create(&Dependency{SessionID: "s1", TaskID: "c", DependsOn: "a"}))
	require.NoError(t, s.Dependencies().Create(&Dependency{SessionID: "s1", TaskID: "c", DependsOn: "b"}))

	preds, err := s.Dependencies().Predecessors("s1", "c")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, preds)

	succs, err := s.Dependencies().Successors("s1", "a")
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, succs)
}

func TestSignalRepo_FIFOAndMarkProcessed(t *testing.T) {
	s := openTestStore(t)
	seedSession(t, s, "s1")

	require.NoError(t, s.Signals().Enqueue("s1", SignalPause))
	require.NoError(t, s.Signals().Enqueue("s1", SignalResume))
	require.NoError(t, s.Signals().Enqueue("s1", SignalCancel))

	pending, err := s.Signals().Pending("s1")
	require.NoError(t, err)
	require.Len(t, pending, 3)
	require.Equal(t, SignalPause, pending[0].Signal)
	require.Equal(t, SignalResume, pending[1].Signal)
	require.Equal(t, SignalCancel, pending[2].Signal)

	require.NoError(t, s.Signals().MarkProcessed(pending[0].ID))
	pending, err = s.Signals().Pending("s1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, SignalResume, pending[0].Signal)
}

func TestSignalRepo_HasPending(t *testing.T) {
	s := openTestStore(t)
	seedSession(t, s, "s1")

	ok, err := s.Signals().HasPending("s1", SignalPause)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Signals().Enqueue("s1", SignalPause))
	ok, err = s.Signals().HasPending("s1", SignalPause)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCostRepo_EntriesAndTotal(t *testing.T) {
	s := openTestStore(t)
	seedSession(t, s, "s1")

	require.NoError(t, s.Costs().Create(&CostEntry{
		SessionID: "s1", TaskID: "a", Agent: "claude-code", Provider: "anthropic",
		Model: "claude-sonnet", BillingMode: "api",
		TokensInput: 100, TokensOutput: 50, CostUSD: 0.01,
	}))
	require.NoError(t, s.Costs().Create(&CostEntry{
		SessionID: "s1", TaskID: "b", Agent: "codex", Provider: "openai",
		BillingMode: "api", TokensInput: 200, TokensOutput: 80,
		CostUSD: 0.02, Estimated: true,
	}))

	entries, err := s.Costs().ListBySession("s1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.False(t, entries[0].Estimated)
	require.True(t, entries[1].Estimated)

	total, err := s.Costs().SessionTotal("s1")
	require.NoError(t, err)
	require.InDelta(t, 0.03, total, 1e-9)
}

func TestLogRepo_AppendAndList(t *testing.T) {
	s := openTestStore(t)
	seedSession(t, s, "s1")

	require.NoError(t, s.Logs().Append("s1", "", "session:started", "graph g.yaml"))

	taskID := "a"
	old, now := "running", "completed"
	agent, cost := "claude-code", 0.02
	require.NoError(t, s.Logs().AppendEntry(&LogEntry{
		SessionID: "s1", TaskID: &taskID, Event: "task:completed",
		OldStatus: &old, NewStatus: &now, Agent: &agent, CostUSD: &cost,
	}))

	entries, err := s.Logs().ListBySession("s1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Nil(t, entries[0].TaskID)
	require.Equal(t, "graph g.yaml", entries[0].Data)
	require.Nil(t, entries[0].OldStatus)

	require.Equal(t, "a", *entries[1].TaskID)
	require.Equal(t, "task:completed", entries[1].Event)
	require.Equal(t, "running", *entries[1].OldStatus)
	require.Equal(t, "completed", *entries[1].NewStatus)
	require.Equal(t, "claude-code", *entries[1].Agent)
	require.InDelta(t, 0.02, *entries[1].CostUSD, 1e-9)
}

func TestStore_CascadeDelete(t *testing.T) {
	s := openTestStore(t)
	seedSession(t, s, "s1")
	seedTask(t, s, "s1", "a")
	require.NoError(t, s.Dependencies().Create(&Dependency{SessionID: "s1", TaskID: "a", DependsOn: "a0"}))
	require.NoError(t, s.Signals().Enqueue("s1", SignalPause))
	require.NoError(t, s.Costs().Create(&CostEntry{SessionID: "s1", TaskID: "a", Agent: "codex", BillingMode: "api"}))

	require.NoError(t, s.Sessions().Delete("s1"))

	var n int
	require.NoError(t, s.Connection().QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&n))
	require.Equal(t, 0, n)
	require.NoError(t, s.Connection().QueryRow(`SELECT COUNT(*) FROM session_signals`).Scan(&n))
	require.Equal(t, 0, n)
	require.NoError(t, s.Connection().QueryRow(`SELECT COUNT(*) FROM cost_entries`).Scan(&n))
	require.Equal(t, 0, n)
}

func TestStore_WithTxRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	seedSession(t, s, "s1")

	err := s.WithTx(func(tx *sql.Tx) error {
		if err := s.Tasks().CreateTx(tx, &Task{ID: "a", SessionID: "s1", Prompt: "p", Status: TaskPending}); err != nil {
			return err
		}
		// Duplicate insert forces the whole transaction back.
		return s.Tasks().CreateTx(tx, &Task{ID: "a", SessionID: "s1", Prompt: "p", Status: TaskPending})
	})
	require.Error(t, err)

	_, err = s.Tasks().Get("s1", "a")
	require.ErrorIs(t, err, ErrNotFound)
}
