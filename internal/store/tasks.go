package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const taskColumns = `id, session_id, name, prompt, agent, status,
	worker_id, worktree_path, branch_name, output, error, exit_code,
	tokens_input, tokens_output, cost_usd, retries, max_retries,
	budget_exceeded, started_at, finished_at, created_at, updated_at`

// TaskRepo persists task rows.
type TaskRepo struct {
	conn *sql.DB
}

func scanTask(scanner interface{ Scan(...any) error }) (*Task, error) {
	var (
		t          Task
		status     string
		startedAt  *string
		finishedAt *string
		createdAt  string
		updatedAt  string
	)
	err := scanner.Scan(&t.ID, &t.SessionID, &t.Name, &t.Prompt, &t.Agent, &status,
		&t.WorkerID, &t.WorktreePath, &t.BranchName, &t.Output, &t.Error, &t.ExitCode,
		&t.TokensInput, &t.TokensOutput, &t.CostUSD, &t.Retries, &t.MaxRetries,
		&t.BudgetExceeded, &startedAt, &finishedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	if t.StartedAt, err = decodeTimePtr(startedAt); err != nil {
		return nil, fmt.Errorf("decoding started_at: %w", err)
	}
	if t.FinishedAt, err = decodeTimePtr(finishedAt); err != nil {
		return nil, fmt.Errorf("decoding finished_at: %w", err)
	}
	if t.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, fmt.Errorf("decoding created_at: %w", err)
	}
	if t.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, fmt.Errorf("decoding updated_at: %w", err)
	}
	return &t, nil
}

// Create inserts a new task row.
func (r *TaskRepo) Create(t *Task) error {
	return r.CreateTx(r.conn, t)
}

// CreateTx inserts a new task row using the given querier.
func (r *TaskRepo) CreateTx(q querier, t *Task) error {
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	_, err := q.Exec(`INSERT INTO tasks
		(id, session_id, name, prompt, agent, status, max_retries, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.Name, t.Prompt, t.Agent, string(t.Status),
		t.MaxRetries, encodeTime(t.CreatedAt), encodeTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting task %s: %w", t.ID, err)
	}
	return nil
}

// Get returns the task with the given id in the session, or ErrNotFound.
func (r *TaskRepo) Get(sessionID, id string) (*Task, error) {
	return r.GetTx(r.conn, sessionID, id)
}

// GetTx is Get using the given querier.
func (r *TaskRepo) GetTx(q querier, sessionID, id string) (*Task, error) {
	row := q.QueryRow(`SELECT `+taskColumns+` FROM tasks
		WHERE session_id = ? AND id = ?`, sessionID, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// ListBySession returns all tasks in the session ordered by id.
func (r *TaskRepo) ListBySession(sessionID string) ([]*Task, error) {
	return r.ListBySessionTx(r.conn, sessionID)
}

// ListBySessionTx is ListBySession using the given querier.
func (r *TaskRepo) ListBySessionTx(q querier, sessionID string) ([]*Task, error) {
	rows, err := q.Query(`SELECT `+taskColumns+` FROM tasks
		WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ListByStatus returns the session's tasks in the given status, ordered by id.
func (r *TaskRepo) ListByStatus(sessionID string, status TaskStatus) ([]*Task, error) {
	rows, err := r.conn.Query(`SELECT `+taskColumns+` FROM tasks
		WHERE session_id = ? AND status = ? ORDER BY id ASC`, sessionID, string(status))
	if err != nil {
		return nil, fmt.Errorf("listing tasks by status: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateStatus moves the task to the target status, enforcing the
// transition table.
func (r *TaskRepo) UpdateStatus(sessionID, id string, target TaskStatus) error {
	return r.UpdateStatusTx(r.conn, sessionID, id, target)
}

// UpdateStatusTx is UpdateStatus using the given querier.
func (r *TaskRepo) UpdateStatusTx(q querier, sessionID, id string, target TaskStatus) error {
	t, err := r.GetTx(q, sessionID, id)
	if err != nil {
		return err
	}
	if !t.Status.CanTransitionTo(target) {
		return fmt.Errorf("task %s: invalid transition %s -> %s", id, t.Status, target)
	}
	_, err = q.Exec(`UPDATE tasks SET status = ?, updated_at = ? WHERE session_id = ? AND id = ?`,
		string(target), encodeTime(time.Now()), sessionID, id)
	if err != nil {
		return fmt.Errorf("updating task %s status: %w", id, err)
	}
	return nil
}

// MarkRunning transitions the task to running, recording its worker and
// stamping started_at.
func (r *TaskRepo) MarkRunning(sessionID, id, workerID string) error {
	t, err := r.Get(sessionID, id)
	if err != nil {
		return err
	}
	if !t.Status.CanTransitionTo(TaskRunning) {
		return fmt.Errorf("task %s: invalid transition %s -> %s", id, t.Status, TaskRunning)
	}
	now := encodeTime(time.Now())
	_, err = r.conn.Exec(`UPDATE tasks SET status = 'running', worker_id = ?, started_at = ?, updated_at = ?
		WHERE session_id = ? AND id = ?`, workerID, now, now, sessionID, id)
	if err != nil {
		return fmt.Errorf("marking task %s running: %w", id, err)
	}
	return nil
}

// MarkCompleted records a successful run's outcome and transitions to
// completed.
func (r *TaskRepo) MarkCompleted(sessionID, id, output string, exitCode, tokensIn, tokensOut int, costUSD float64) error {
	t, err := r.Get(sessionID, id)
	if err != nil {
		return err
	}
	if !t.Status.CanTransitionTo(TaskCompleted) {
		return fmt.Errorf("task %s: invalid transition %s -> %s", id, t.Status, TaskCompleted)
	}
	now := encodeTime(time.Now())
	_, err = r.conn.Exec(`UPDATE tasks SET status = 'completed', worker_id = NULL, output = ?, exit_code = ?,
		tokens_input = ?, tokens_output = ?, cost_usd = cost_usd + ?,
		finished_at = ?, updated_at = ? WHERE session_id = ? AND id = ?`,
		output, exitCode, tokensIn, tokensOut, costUSD, now, now, sessionID, id)
	if err != nil {
		return fmt.Errorf("marking task %s completed: %w", id, err)
	}
	return nil
}

// MarkFailed records the failure message and transitions to failed.
func (r *TaskRepo) MarkFailed(sessionID, id, errMsg string, exitCode *int) error {
	t, err := r.Get(sessionID, id)
	if err != nil {
		return err
	}
	if !t.Status.CanTransitionTo(TaskFailed) {
		return fmt.Errorf("task %s: invalid transition %s -> %s", id, t.Status, TaskFailed)
	}
	now := encodeTime(time.Now())
	_, err = r.conn.Exec(`UPDATE tasks SET status = 'failed', worker_id = NULL, error = ?, exit_code = ?,
		finished_at = ?, updated_at = ? WHERE session_id = ? AND id = ?`,
		errMsg, exitCode, now, now, sessionID, id)
	if err != nil {
		return fmt.Errorf("marking task %s failed: %w", id, err)
	}
	return nil
}

// ResetForRetry moves a failed task back to pending, increments its retry
// count and clears the previous run's outcome.
func (r *TaskRepo) ResetForRetry(sessionID, id string) error {
	return r.ResetForRetryTx(r.conn, sessionID, id)
}

// ResetForRetryTx is ResetForRetry using the given querier.
func (r *TaskRepo) ResetForRetryTx(q querier, sessionID, id string) error {
	t, err := r.GetTx(q, sessionID, id)
	if err != nil {
		return err
	}
	if !t.Status.CanTransitionTo(TaskPending) {
		return fmt.Errorf("task %s: invalid transition %s -> %s", id, t.Status, TaskPending)
	}
	_, err = q.Exec(`UPDATE tasks SET status = 'pending', retries = retries + 1,
		worker_id = NULL, output = NULL, error = NULL, exit_code = NULL,
		started_at = NULL, finished_at = NULL, updated_at = ?
		WHERE session_id = ? AND id = ?`, encodeTime(time.Now()), sessionID, id)
	if err != nil {
		return fmt.Errorf("resetting task %s for retry: %w", id, err)
	}
	return nil
}

// ResetCrashed returns a task found in running state at startup to pending
// for another attempt. This is a recovery path: the running worker no
// longer exists, so the normal transition table does not apply.
func (r *TaskRepo) ResetCrashed(sessionID, id string) error {
	_, err := r.conn.Exec(`UPDATE tasks SET status = 'pending', retries = retries + 1,
		worker_id = NULL, started_at = NULL, updated_at = ?
		WHERE session_id = ? AND id = ? AND status = 'running'`,
		encodeTime(time.Now()), sessionID, id)
	if err != nil {
		return fmt.Errorf("resetting crashed task %s: %w", id, err)
	}
	return nil
}

// FailCrashed marks a crashed task that has exhausted its retries.
func (r *TaskRepo) FailCrashed(sessionID, id, errMsg string) error {
	now := encodeTime(time.Now())
	_, err := r.conn.Exec(`UPDATE tasks SET status = 'failed', worker_id = NULL, error = ?,
		finished_at = ?, updated_at = ?
		WHERE session_id = ? AND id = ? AND status = 'running'`,
		errMsg, now, now, sessionID, id)
	if err != nil {
		return fmt.Errorf("failing crashed task %s: %w", id, err)
	}
	return nil
}

// SetWorktree records the task's worktree path and branch name.
func (r *TaskRepo) SetWorktree(sessionID, id, path, branch string) error {
	_, err := r.conn.Exec(`UPDATE tasks SET worktree_path = ?, branch_name = ?, updated_at = ?
		WHERE session_id = ? AND id = ?`, path, branch, encodeTime(time.Now()), sessionID, id)
	if err != nil {
		return fmt.Errorf("setting task %s worktree: %w", id, err)
	}
	return nil
}

// SetBudgetExceeded flags the task as failed because the session budget was
// already exhausted before dispatch.
func (r *TaskRepo) SetBudgetExceeded(sessionID, id string) error {
	now := encodeTime(time.Now())
	_, err := r.conn.Exec(`UPDATE tasks SET status = 'failed', budget_exceeded = 1,
		error = 'Session budget exceeded', finished_at = ?, updated_at = ?
		WHERE session_id = ? AND id = ?`, now, now, sessionID, id)
	if err != nil {
		return fmt.Errorf("flagging task %s budget exceeded: %w", id, err)
	}
	return nil
}

// CountByStatus returns a status -> count map for the session's tasks.
func (r *TaskRepo) CountByStatus(sessionID string) (map[TaskStatus]int, error) {
	rows, err := r.conn.Query(`SELECT status, COUNT(*) FROM tasks
		WHERE session_id = ? GROUP BY status`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("counting tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[TaskStatus(status)] = n
	}
	return counts, rows.Err()
}
