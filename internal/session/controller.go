// Package session implements the durable control protocol: pause, resume,
// cancel and retry write both the status change and a signal row in one
// transaction, so a separately running orchestrator picks the change up by
// polling the signals table.
package session

import (
	"database/sql"

	"github.com/substratehq/substrate/internal/bus"
	"github.com/substratehq/substrate/internal/errdefs"
	"github.com/substratehq/substrate/internal/log"
	"github.com/substratehq/substrate/internal/store"
)

// Terminator stops live workers. The pool implements it.
type Terminator interface {
	TerminateAll(reason string)
}

// PauseReport summarizes a pause.
type PauseReport struct {
	SessionID string `json:"sessionId"`
	Completed int    `json:"completed"`
	Pending   int    `json:"pending"`
	Running   int    `json:"running"`
}

// ResumeReport summarizes a resume.
type ResumeReport struct {
	SessionID string `json:"sessionId"`
	Pending   int    `json:"pending"`
}

// CancelReport summarizes a cancel.
type CancelReport struct {
	SessionID      string `json:"sessionId"`
	TasksCancelled int    `json:"tasksCancelled"`
}

// RetryReport summarizes a retry.
type RetryReport struct {
	SessionID string   `json:"sessionId"`
	Reset     []string `json:"reset"`
	Skipped   []string `json:"skipped"`
	DryRun    bool     `json:"dryRun"`
}

// Controller owns session-status mutation and signal insertion.
type Controller struct {
	store *store.Store
}

// NewController creates a Controller.
func NewController(s *store.Store) *Controller {
	return &Controller{store: s}
}

func (c *Controller) audit(sessionID, event string, from, to store.SessionStatus) {
	old, now := string(from), string(to)
	_ = c.store.Logs().AppendEntry(&store.LogEntry{
		SessionID: sessionID,
		Event:     event,
		OldStatus: &old,
		NewStatus: &now,
	})
}

// Pause moves an active session to paused and enqueues a pause signal in
// the same transaction. Running workers are not preempted; the orchestrator
// simply stops dispatching when it consumes the signal.
func (c *Controller) Pause(sessionID string) (*PauseReport, error) {
	err := c.store.WithTx(func(tx *sql.Tx) error {
		sess, err := c.store.Sessions().GetTx(tx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status != store.SessionActive {
			return errdefs.StateConflict("session %s is %s, not active", sessionID, sess.Status)
		}
		if err := c.store.Sessions().UpdateStatusTx(tx, sessionID, store.SessionPaused); err != nil {
			return err
		}
		return c.store.Signals().EnqueueTx(tx, sessionID, store.SignalPause)
	})
	if err != nil {
		return nil, err
	}

	counts, err := c.store.Tasks().CountByStatus(sessionID)
	if err != nil {
		return nil, err
	}
	log.Info(log.CatSession, "Session paused", "sessionID", sessionID)
	c.audit(sessionID, "session:paused", store.SessionActive, store.SessionPaused)
	return &PauseReport{
		SessionID: sessionID,
		Completed: counts[store.TaskCompleted],
		Pending:   counts[store.TaskPending] + counts[store.TaskReady],
		Running:   counts[store.TaskRunning],
	}, nil
}

// Resume moves a paused session back to active and enqueues a resume
// signal.
func (c *Controller) Resume(sessionID string) (*ResumeReport, error) {
	err := c.store.WithTx(func(tx *sql.Tx) error {
		sess, err := c.store.Sessions().GetTx(tx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status != store.SessionPaused {
			return errdefs.StateConflict("session %s is %s, not paused", sessionID, sess.Status)
		}
		if err := c.store.Sessions().UpdateStatusTx(tx, sessionID, store.SessionActive); err != nil {
			return err
		}
		return c.store.Signals().EnqueueTx(tx, sessionID, store.SignalResume)
	})
	if err != nil {
		return nil, err
	}

	counts, err := c.store.Tasks().CountByStatus(sessionID)
	if err != nil {
		return nil, err
	}
	log.Info(log.CatSession, "Session resumed", "sessionID", sessionID)
	c.audit(sessionID, "session:resumed", store.SessionPaused, store.SessionActive)
	return &ResumeReport{
		SessionID: sessionID,
		Pending:   counts[store.TaskPending] + counts[store.TaskReady],
	}, nil
}

// Cancel moves any non-terminal session to cancelled and marks its
// pending, ready and running tasks cancelled, all in one transaction.
// Completed and failed tasks are untouched.
func (c *Controller) Cancel(sessionID string) (*CancelReport, error) {
	report := &CancelReport{SessionID: sessionID}
	var prev store.SessionStatus
	err := c.store.WithTx(func(tx *sql.Tx) error {
		sess, err := c.store.Sessions().GetTx(tx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status.Terminal() {
			return errdefs.StateConflict("session %s is already %s", sessionID, sess.Status)
		}
		prev = sess.Status
		if err := c.store.Sessions().UpdateStatusTx(tx, sessionID, store.SessionCancelled); err != nil {
			return err
		}
		tasks, err := c.store.Tasks().ListBySessionTx(tx, sessionID)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			switch task.Status {
			case store.TaskPending, store.TaskReady, store.TaskRunning:
				if err := c.store.Tasks().UpdateStatusTx(tx, sessionID, task.ID, store.TaskCancelled); err != nil {
					return err
				}
				report.TasksCancelled++
			}
		}
		return c.store.Signals().EnqueueTx(tx, sessionID, store.SignalCancel)
	})
	if err != nil {
		return nil, err
	}
	log.Info(log.CatSession, "Session cancelled",
		"sessionID", sessionID, "tasksCancelled", report.TasksCancelled)
	c.audit(sessionID, "session:cancelled", prev, store.SessionCancelled)
	return report, nil
}

// Retry resets failed tasks with retry budget left back to pending and
// enqueues a resume signal. With onlyTask set, just that task is retried
// and its predecessors must all be completed. With dryRun set, nothing is
// mutated and the report shows what a real run would do.
func (c *Controller) Retry(sessionID, onlyTask string, dryRun bool) (*RetryReport, error) {
	report := &RetryReport{SessionID: sessionID, Reset: []string{}, Skipped: []string{}, DryRun: dryRun}

	sess, err := c.store.Sessions().Get(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, errdefs.StateConflict("session %s is %s", sessionID, sess.Status)
	}

	var candidates []*store.Task
	if onlyTask != "" {
		task, err := c.store.Tasks().Get(sessionID, onlyTask)
		if err != nil {
			return nil, err
		}
		if task.Status != store.TaskFailed {
			return nil, errdefs.StateConflict("task %s is %s, not failed", onlyTask, task.Status)
		}
		if err := c.requireCompletedPredecessors(sessionID, onlyTask); err != nil {
			return nil, err
		}
		candidates = []*store.Task{task}
	} else {
		candidates, err = c.store.Tasks().ListByStatus(sessionID, store.TaskFailed)
		if err != nil {
			return nil, err
		}
	}

	for _, task := range candidates {
		if task.Retries >= task.MaxRetries {
			report.Skipped = append(report.Skipped, task.ID)
			continue
		}
		report.Reset = append(report.Reset, task.ID)
	}

	if dryRun || len(report.Reset) == 0 {
		return report, nil
	}

	err = c.store.WithTx(func(tx *sql.Tx) error {
		for _, id := range report.Reset {
			if err := c.store.Tasks().ResetForRetryTx(tx, sessionID, id); err != nil {
				return err
			}
		}
		return c.store.Signals().EnqueueTx(tx, sessionID, store.SignalResume)
	})
	if err != nil {
		return nil, err
	}
	log.Info(log.CatSession, "Tasks reset for retry",
		"sessionID", sessionID, "reset", len(report.Reset), "skipped", len(report.Skipped))
	for _, id := range report.Reset {
		old, now := string(store.TaskFailed), string(store.TaskPending)
		taskID := id
		_ = c.store.Logs().AppendEntry(&store.LogEntry{
			SessionID: sessionID,
			TaskID:    &taskID,
			Event:     "task:retried",
			OldStatus: &old,
			NewStatus: &now,
		})
	}
	return report, nil
}

func (c *Controller) requireCompletedPredecessors(sessionID, taskID string) error {
	preds, err := c.store.Dependencies().Predecessors(sessionID, taskID)
	if err != nil {
		return err
	}
	for _, pred := range preds {
		task, err := c.store.Tasks().Get(sessionID, pred)
		if err != nil {
			return err
		}
		if task.Status != store.TaskCompleted {
			return errdefs.StateConflict(
				"task %s cannot be retried: predecessor %s is %s", taskID, pred, task.Status)
		}
	}
	return nil
}

// Poller consumes durable signals inside the running orchestrator: each
// unprocessed signal is republished on the bus, acted on, and stamped
// processed.
type Poller struct {
	store      *store.Store
	eventBus   *bus.Bus
	terminator Terminator
}

// NewPoller creates a Poller. terminator may be nil when no pool runs in
// this process.
func NewPoller(s *store.Store, eventBus *bus.Bus, terminator Terminator) *Poller {
	return &Poller{store: s, eventBus: eventBus, terminator: terminator}
}

// Poll drains the session's unprocessed signals in FIFO order and returns
// the signals it consumed.
func (p *Poller) Poll(sessionID string) ([]store.Signal, error) {
	pending, err := p.store.Signals().Pending(sessionID)
	if err != nil {
		return nil, err
	}
	var consumed []store.Signal
	for _, sig := range pending {
		payload := bus.SessionSignalPayload{SessionID: sessionID}
		switch sig.Signal {
		case store.SignalPause:
			p.eventBus.Emit(bus.SessionPause, payload)
		case store.SignalResume:
			p.eventBus.Emit(bus.SessionResume, payload)
		case store.SignalCancel:
			if p.terminator != nil {
				p.terminator.TerminateAll("cancel")
			}
			p.eventBus.Emit(bus.SessionCancel, payload)
		}
		if err := p.store.Signals().MarkProcessed(sig.ID); err != nil {
			return consumed, err
		}
		consumed = append(consumed, sig.Signal)
		log.Debug(log.CatSession, "Signal consumed",
			"sessionID", sessionID, "signal", sig.Signal)
	}
	return consumed, nil
}
