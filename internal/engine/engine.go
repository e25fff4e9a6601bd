// Package engine owns the task graph's persistent state: session creation,
// the ready-set computation, and every task-row transition driven by worker
// outcomes.
package engine

import (
	"database/sql"
	"strings"

	"github.com/substratehq/substrate/internal/bus"
	"github.com/substratehq/substrate/internal/errdefs"
	"github.com/substratehq/substrate/internal/graph"
	"github.com/substratehq/substrate/internal/log"
	"github.com/substratehq/substrate/internal/store"
)

// CostEstimator predicts a task's cost in USD before dispatch, used for
// budget gating. It may return 0 when no pricing is known for the agent.
type CostEstimator func(agentID, prompt string) float64

// Engine mediates task state. It is the sole writer that moves tasks out
// of running; the pool only emits events.
type Engine struct {
	store    *store.Store
	eventBus *bus.Bus
	estimate CostEstimator
}

// New creates an Engine. estimate may be nil to disable budget gating by
// estimation (a zero estimate still enforces an already-exceeded budget).
func New(s *store.Store, eventBus *bus.Bus, estimate CostEstimator) *Engine {
	if estimate == nil {
		estimate = func(string, string) float64 { return 0 }
	}
	return &Engine{store: s, eventBus: eventBus, estimate: estimate}
}

// Start registers the completion subscriptions.
func (e *Engine) Start() {
	e.eventBus.Subscribe(bus.TaskComplete, "engine", func(payload any) {
		p, ok := payload.(bus.TaskCompletePayload)
		if !ok {
			return
		}
		if err := e.handleComplete(p); err != nil {
			log.ErrorErr(log.CatEngine, "Completion handling failed", err, "taskID", p.TaskID)
		}
	})
	e.eventBus.Subscribe(bus.TaskFailed, "engine", func(payload any) {
		p, ok := payload.(bus.TaskFailedPayload)
		if !ok {
			return
		}
		if err := e.handleFailed(p); err != nil {
			log.ErrorErr(log.CatEngine, "Failure handling failed", err, "taskID", p.TaskID)
		}
	})
}

// Stop removes the completion subscriptions.
func (e *Engine) Stop() {
	e.eventBus.Unsubscribe(bus.TaskComplete, "engine")
	e.eventBus.Unsubscribe(bus.TaskFailed, "engine")
}

// CreateSession atomically inserts the session, its tasks and its edges.
// An existing session with the same id is refused without partial writes.
func (e *Engine) CreateSession(sessionID, graphPath, baseBranch, defaultAgent string, g *graph.Graph) (*store.Session, error) {
	sess := &store.Session{
		ID:           sessionID,
		Name:         g.Session.Name,
		Status:       store.SessionActive,
		GraphPath:    graphPath,
		BaseBranch:   baseBranch,
		DefaultAgent: defaultAgent,
		BudgetUSD:    g.Session.BudgetUSD,
	}

	err := e.store.WithTx(func(tx *sql.Tx) error {
		if err := e.store.Sessions().CreateTx(tx, sess); err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint") {
				return errdefs.StateConflict("session %s already exists", sessionID)
			}
			return err
		}
		for _, id := range g.TaskIDs() {
			def := g.Tasks[id]
			task := &store.Task{
				ID:         id,
				SessionID:  sessionID,
				Name:       def.Name,
				Prompt:     def.Prompt,
				Agent:      def.Agent,
				Status:     store.TaskPending,
				MaxRetries: g.MaxRetriesFor(id),
			}
			if err := e.store.Tasks().CreateTx(tx, task); err != nil {
				return err
			}
		}
		for _, id := range g.TaskIDs() {
			for _, dep := range g.Tasks[id].DependsOn {
				edge := &store.Dependency{SessionID: sessionID, TaskID: id, DependsOn: dep}
				if err := e.store.Dependencies().CreateTx(tx, edge); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info(log.CatEngine, "Session created",
		"sessionID", sessionID, "tasks", len(g.Tasks), "graph", graphPath)
	_ = e.store.Logs().Append(sessionID, "", "session:created", graphPath)
	return sess, nil
}

// ReadySet returns the ids of pending tasks whose predecessors are all
// completed or cancelled, ordered by id.
func (e *Engine) ReadySet(sessionID string) ([]string, error) {
	tasks, err := e.store.Tasks().ListBySession(sessionID)
	if err != nil {
		return nil, err
	}
	status := make(map[string]store.TaskStatus, len(tasks))
	for _, t := range tasks {
		status[t.ID] = t.Status
	}

	deps, err := e.store.Dependencies().ListBySession(sessionID)
	if err != nil {
		return nil, err
	}
	blocked := make(map[string]bool)
	for _, d := range deps {
		switch status[d.DependsOn] {
		case store.TaskCompleted, store.TaskCancelled:
		default:
			blocked[d.TaskID] = true
		}
	}

	var ready []string
	for _, t := range tasks {
		if t.Status == store.TaskPending && !blocked[t.ID] {
			ready = append(ready, t.ID)
		}
	}
	return ready, nil
}

// PromoteReady moves every eligible pending task to ready and emits
// task:ready for each, applying budget gating first. Returns the promoted
// ids.
func (e *Engine) PromoteReady(sessionID string) ([]string, error) {
	sess, err := e.store.Sessions().Get(sessionID)
	if err != nil {
		return nil, err
	}
	// Paused, interrupted and terminal sessions dispatch nothing; resume
	// re-promotes.
	if sess.Status != store.SessionActive {
		return nil, nil
	}
	ready, err := e.ReadySet(sessionID)
	if err != nil {
		return nil, err
	}

	var promoted []string
	for _, id := range ready {
		task, err := e.store.Tasks().Get(sessionID, id)
		if err != nil {
			return promoted, err
		}
		agent := task.Agent
		if agent == "" {
			agent = sess.DefaultAgent
		}

		if exceeded, err := e.budgetExceeded(sess, agent, task.Prompt); err != nil {
			return promoted, err
		} else if exceeded {
			log.Warn(log.CatEngine, "Budget gate rejected task",
				"taskID", id, "sessionID", sessionID)
			if err := e.store.Tasks().SetBudgetExceeded(sessionID, id); err != nil {
				return promoted, err
			}
			entry := auditEntry(sessionID, id, "task:budget_exceeded", task.Status, task.Status)
			entry.Agent = &agent
			_ = e.store.Logs().AppendEntry(entry)
			continue
		}

		if err := e.store.Tasks().UpdateStatus(sessionID, id, store.TaskReady); err != nil {
			return promoted, err
		}
		promoted = append(promoted, id)
		log.Debug(log.CatEngine, "Task ready", "taskID", id, "agent", agent)
		e.eventBus.Emit(bus.TaskReady, bus.TaskReadyPayload{
			SessionID: sessionID,
			TaskID:    id,
			AgentID:   agent,
		})
	}
	return promoted, nil
}

// auditEntry builds a task-level audit row for a status transition.
func auditEntry(sessionID, taskID, event string, from, to store.TaskStatus) *store.LogEntry {
	old, now := string(from), string(to)
	return &store.LogEntry{
		SessionID: sessionID,
		TaskID:    &taskID,
		Event:     event,
		OldStatus: &old,
		NewStatus: &now,
	}
}

// budgetExceeded reports whether dispatching the task would push the
// session past its budget cap.
func (e *Engine) budgetExceeded(sess *store.Session, agent, prompt string) (bool, error) {
	if sess.BudgetUSD == nil {
		return false, nil
	}
	// Re-read the running total; completions may have landed since the
	// session row was loaded.
	current, err := e.store.Sessions().Get(sess.ID)
	if err != nil {
		return false, err
	}
	return current.TotalCostUSD+e.estimate(agent, prompt) > *sess.BudgetUSD, nil
}

// MarkTaskRunning transitions the task to running with its worker id. The
// pool must call this before emitting worker:spawned.
func (e *Engine) MarkTaskRunning(sessionID, taskID, workerID string) error {
	if err := e.store.Tasks().MarkRunning(sessionID, taskID, workerID); err != nil {
		return err
	}
	entry := auditEntry(sessionID, taskID, "task:running", store.TaskReady, store.TaskRunning)
	entry.Data = workerID
	_ = e.store.Logs().AppendEntry(entry)
	return nil
}

func (e *Engine) handleComplete(p bus.TaskCompletePayload) error {
	var tokensIn, tokensOut int
	if p.Result.TokensUsed != nil {
		tokensIn = p.Result.TokensUsed.Input
		tokensOut = p.Result.TokensUsed.Output
	}
	err := e.store.Tasks().MarkCompleted(p.SessionID, p.TaskID,
		p.Result.Output, p.Result.ExitCode, tokensIn, tokensOut, p.Result.CostUSD)
	if err != nil {
		return err
	}
	entry := auditEntry(p.SessionID, p.TaskID, "task:completed", store.TaskRunning, store.TaskCompleted)
	cost := p.Result.CostUSD
	entry.CostUSD = &cost
	_ = e.store.Logs().AppendEntry(entry)

	if _, err := e.PromoteReady(p.SessionID); err != nil {
		return err
	}
	return e.maybeCompleteSession(p.SessionID)
}

func (e *Engine) handleFailed(p bus.TaskFailedPayload) error {
	task, err := e.store.Tasks().Get(p.SessionID, p.TaskID)
	if err != nil {
		return err
	}
	// Worktree provisioning failures arrive while the task is still ready;
	// worker failures arrive from running. A task already terminal, for
	// example cancelled while its worker was being torn down, stays put.
	if task.Status.Terminal() {
		return nil
	}
	if err := e.store.Tasks().MarkFailed(p.SessionID, p.TaskID, log.Redact(p.Error.Message), nil); err != nil {
		return err
	}
	entry := auditEntry(p.SessionID, p.TaskID, "task:failed", task.Status, store.TaskFailed)
	entry.Data = log.Redact(p.Error.Message)
	_ = e.store.Logs().AppendEntry(entry)
	return e.maybeCompleteSession(p.SessionID)
}

// maybeCompleteSession marks the session completed once every task has
// ended in completed or cancelled. A session whose graph is empty completes
// immediately. Failed tasks keep the session active as a resting state, so
// retry can still reset them; completing it would make the failure
// permanent.
func (e *Engine) maybeCompleteSession(sessionID string) error {
	counts, err := e.store.Tasks().CountByStatus(sessionID)
	if err != nil {
		return err
	}
	for status, n := range counts {
		if n > 0 && !status.Terminal() {
			return nil
		}
	}
	if counts[store.TaskFailed] > 0 {
		return nil
	}
	sess, err := e.store.Sessions().Get(sessionID)
	if err != nil {
		return err
	}
	if sess.Status != store.SessionActive {
		return nil
	}
	if err := e.store.Sessions().UpdateStatus(sessionID, store.SessionCompleted); err != nil {
		return err
	}
	log.Info(log.CatEngine, "Session completed", "sessionID", sessionID)
	old, now := string(store.SessionActive), string(store.SessionCompleted)
	_ = e.store.Logs().AppendEntry(&store.LogEntry{
		SessionID: sessionID,
		Event:     "session:completed",
		OldStatus: &old,
		NewStatus: &now,
	})
	return nil
}

// Quiescent reports whether every task in the session is terminal.
func (e *Engine) Quiescent(sessionID string) (bool, error) {
	counts, err := e.store.Tasks().CountByStatus(sessionID)
	if err != nil {
		return false, err
	}
	for status, n := range counts {
		if n > 0 && !status.Terminal() {
			return false, nil
		}
	}
	return true, nil
}

// CompleteIfQuiescent is the startup-time completion check: a freshly
// created session with an empty graph has no completion events to trigger
// maybeCompleteSession.
func (e *Engine) CompleteIfQuiescent(sessionID string) (bool, error) {
	done, err := e.Quiescent(sessionID)
	if err != nil || !done {
		return false, err
	}
	if err := e.maybeCompleteSession(sessionID); err != nil {
		return false, err
	}
	return true, nil
}
