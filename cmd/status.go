package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/substratehq/substrate/internal/errdefs"
	"github.com/substratehq/substrate/internal/graph"
	"github.com/substratehq/substrate/internal/store"
)

const watchInterval = time.Second

var (
	statusWatch     bool
	statusShowGraph bool
)

var statusCmd = &cobra.Command{
	Use:   "status [sessionId]",
	Short: "Show session status, optionally streaming changes",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if len(args) == 0 {
			if statusWatch {
				return errdefs.Validation("--watch requires a session id")
			}
			return printSessionList(cmd, st)
		}

		sessionID := args[0]
		if statusWatch {
			return watchSession(cmd, st, sessionID)
		}
		return printSessionDetail(cmd, st, sessionID)
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusWatch, "watch", false,
		"stream task and session changes as NDJSON until the session ends")
	statusCmd.Flags().BoolVar(&statusShowGraph, "show-graph", false,
		"render the task DAG with per-task status")
	rootCmd.AddCommand(statusCmd)
}

type sessionSummary struct {
	ID              string              `json:"id"`
	Name            string              `json:"name,omitempty"`
	Status          store.SessionStatus `json:"status"`
	GraphPath       string              `json:"graph_path"`
	BaseBranch      string              `json:"base_branch,omitempty"`
	TotalCostUSD    float64             `json:"total_cost_usd"`
	PlanningCostUSD float64             `json:"planning_cost_usd,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
}

func newSessionSummary(s *store.Session) sessionSummary {
	return sessionSummary{
		ID: s.ID, Name: s.Name, Status: s.Status, GraphPath: s.GraphPath,
		BaseBranch: s.BaseBranch, TotalCostUSD: s.TotalCostUSD,
		PlanningCostUSD: s.PlanningCostUSD, CreatedAt: s.CreatedAt,
	}
}

func printSessionList(cmd *cobra.Command, st *store.Store) error {
	sessions, err := st.Sessions().List()
	if err != nil {
		return err
	}

	if jsonMode() {
		summaries := make([]sessionSummary, 0, len(sessions))
		for _, s := range sessions {
			summaries = append(summaries, newSessionSummary(s))
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"sessions": summaries})
	}

	w := cmd.OutOrStdout()
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions")
		return nil
	}
	for _, s := range sessions {
		fmt.Fprintf(w, "%-12s %-12s $%.4f  %s\n",
			s.ID, s.Status, s.TotalCostUSD, s.GraphPath)
	}
	return nil
}

type taskSummary struct {
	ID       string           `json:"id"`
	Name     string           `json:"name"`
	Status   store.TaskStatus `json:"status"`
	Agent    string           `json:"agent,omitempty"`
	Retries  int              `json:"retries"`
	CostUSD  float64          `json:"cost_usd"`
	Worktree string           `json:"worktree,omitempty"`
	Error    string           `json:"error,omitempty"`
}

func printSessionDetail(cmd *cobra.Command, st *store.Store, sessionID string) error {
	sess, err := st.Sessions().Get(sessionID)
	if err != nil {
		return commandErr(err)
	}
	tasks, err := st.Tasks().ListBySession(sessionID)
	if err != nil {
		return err
	}

	if jsonMode() {
		summaries := make([]taskSummary, 0, len(tasks))
		for _, t := range tasks {
			summaries = append(summaries, newTaskSummary(t))
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"session": newSessionSummary(sess),
			"tasks":   summaries,
		})
	}

	w := cmd.OutOrStdout()
	label := sess.ID
	if sess.Name != "" {
		label = fmt.Sprintf("%s (%s)", sess.ID, sess.Name)
	}
	fmt.Fprintf(w, "Session %s: %s  cost $%.4f\n", label, sess.Status, sess.TotalCostUSD)
	if sess.PlanningCostUSD > 0 {
		fmt.Fprintf(w, "Planning cost: $%.4f\n", sess.PlanningCostUSD)
	}
	if sess.BudgetUSD != nil {
		fmt.Fprintf(w, "Budget: $%.2f\n", *sess.BudgetUSD)
	}
	for _, t := range tasks {
		fmt.Fprintf(w, "  %-16s %-10s %s", t.ID, t.Status, t.Name)
		if t.Error != nil {
			fmt.Fprintf(w, "  error: %s", *t.Error)
		}
		fmt.Fprintln(w)
	}

	if statusShowGraph && len(tasks) > 0 {
		rendered, err := renderStoredGraph(st, sessionID, tasks)
		if err != nil {
			return err
		}
		fmt.Fprint(w, rendered)
	}
	return nil
}

func newTaskSummary(t *store.Task) taskSummary {
	s := taskSummary{
		ID: t.ID, Name: t.Name, Status: t.Status, Agent: t.Agent,
		Retries: t.Retries, CostUSD: t.CostUSD,
	}
	if t.WorktreePath != nil {
		s.Worktree = *t.WorktreePath
	}
	if t.Error != nil {
		s.Error = *t.Error
	}
	return s
}

func renderStoredGraph(st *store.Store, sessionID string, tasks []*store.Task) (string, error) {
	deps, err := st.Dependencies().ListBySession(sessionID)
	if err != nil {
		return "", err
	}
	edges := make(map[string][]string)
	for _, d := range deps {
		edges[d.TaskID] = append(edges[d.TaskID], d.DependsOn)
	}

	ids := make([]string, 0, len(tasks))
	status := make(map[string]store.TaskStatus, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
		status[t.ID] = t.Status
	}
	return graph.RenderASCII(ids, edges, func(id string) string {
		return "[" + string(status[id]) + "]"
	}), nil
}

// watchEvent is one NDJSON line of a watch stream.
type watchEvent struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// watchSession polls the store and emits one NDJSON line per observed
// transition. The stream ends when the session reaches a terminal status.
func watchSession(cmd *cobra.Command, st *store.Store, sessionID string) error {
	sess, err := st.Sessions().Get(sessionID)
	if err != nil {
		return commandErr(err)
	}

	emit := func(event string, data any) error {
		return printJSON(cmd.OutOrStdout(), watchEvent{
			Event: event, Timestamp: time.Now(), Data: data,
		})
	}

	lastSession := sess.Status
	lastTask := make(map[string]store.TaskStatus)
	tasks, err := st.Tasks().ListBySession(sessionID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		lastTask[t.ID] = t.Status
	}
	if err := emit("session:status", map[string]any{
		"session_id": sessionID, "status": sess.Status,
	}); err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return nil
	}

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-cmd.Context().Done():
			return nil
		case <-ticker.C:
		}

		tasks, err := st.Tasks().ListBySession(sessionID)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if lastTask[t.ID] == t.Status {
				continue
			}
			lastTask[t.ID] = t.Status
			if err := emit(taskEventName(t.Status), map[string]any{
				"session_id": sessionID,
				"task_id":    t.ID,
				"status":     t.Status,
				"cost_usd":   t.CostUSD,
			}); err != nil {
				return err
			}
		}

		sess, err := st.Sessions().Get(sessionID)
		if err != nil {
			return commandErr(err)
		}
		if sess.Status != lastSession {
			lastSession = sess.Status
			if err := emit("session:status", map[string]any{
				"session_id": sessionID, "status": sess.Status,
			}); err != nil {
				return err
			}
		}
		if sess.Status.Terminal() {
			return nil
		}
	}
}

// taskEventName maps a task status transition to its stream event name,
// matching the bus vocabulary where an equivalent event exists.
func taskEventName(status store.TaskStatus) string {
	switch status {
	case store.TaskReady:
		return "task:ready"
	case store.TaskRunning:
		return "task:started"
	case store.TaskCompleted:
		return "task:complete"
	case store.TaskFailed:
		return "task:failed"
	default:
		return "task:status"
	}
}
