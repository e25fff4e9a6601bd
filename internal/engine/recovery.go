package engine

import (
	"errors"
	"fmt"

	"github.com/substratehq/substrate/internal/errdefs"
	"github.com/substratehq/substrate/internal/log"
	"github.com/substratehq/substrate/internal/store"
)

// crashRetryError is recorded on a crashed task whose retry budget is spent.
const crashRetryError = "Process crashed and max retries exceeded"

// RecoverySummary reports what startup recovery did.
type RecoverySummary struct {
	Recovered  int      `json:"recovered"`
	Failed     int      `json:"failed"`
	Actions    []string `json:"actions"`
	NewlyReady []string `json:"newlyReady"`
}

// Recover scans for sessions left behind by a crashed process and repairs
// their task state. Sessions found active are marked interrupted; their
// running tasks either return to pending with a retry consumed or fail
// permanently when the retry budget is spent. Paused and already-interrupted
// sessions keep their status but get the same task repair, so every
// non-terminal session comes out of recovery with no task left running.
func (e *Engine) Recover() (*RecoverySummary, error) {
	summary := &RecoverySummary{Actions: []string{}, NewlyReady: []string{}}

	var candidates []*store.Session
	for _, status := range []store.SessionStatus{store.SessionActive, store.SessionPaused, store.SessionInterrupted} {
		sessions, err := e.store.Sessions().ListByStatus(status)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, sessions...)
	}
	if len(candidates) == 0 {
		return summary, nil
	}

	for _, sess := range candidates {
		if sess.Status == store.SessionActive {
			if err := e.store.Sessions().UpdateStatus(sess.ID, store.SessionInterrupted); err != nil {
				return nil, err
			}
			summary.Actions = append(summary.Actions,
				fmt.Sprintf("session %s: active -> interrupted", sess.ID))
			_ = e.store.Logs().Append(sess.ID, "", "session:interrupted", "recovered at startup")
		}

		running, err := e.store.Tasks().ListByStatus(sess.ID, store.TaskRunning)
		if err != nil {
			return nil, err
		}
		for _, task := range running {
			if task.Retries < task.MaxRetries {
				if err := e.store.Tasks().ResetCrashed(sess.ID, task.ID); err != nil {
					return nil, err
				}
				summary.Recovered++
				summary.Actions = append(summary.Actions,
					fmt.Sprintf("task %s: running -> pending (retry %d/%d)",
						task.ID, task.Retries+1, task.MaxRetries))
				_ = e.store.Logs().AppendEntry(
					auditEntry(sess.ID, task.ID, "task:recovered", store.TaskRunning, store.TaskPending))
			} else {
				if err := e.store.Tasks().FailCrashed(sess.ID, task.ID, crashRetryError); err != nil {
					return nil, err
				}
				summary.Failed++
				summary.Actions = append(summary.Actions,
					fmt.Sprintf("task %s: running -> failed (retries exhausted)", task.ID))
				entry := auditEntry(sess.ID, task.ID, "task:failed", store.TaskRunning, store.TaskFailed)
				entry.Data = crashRetryError
				_ = e.store.Logs().AppendEntry(entry)
			}
		}

		ready, err := e.ReadySet(sess.ID)
		if err != nil {
			return nil, err
		}
		summary.NewlyReady = append(summary.NewlyReady, ready...)
	}

	log.Info(log.CatRecover, "Startup recovery finished",
		"sessions", len(candidates),
		"recovered", summary.Recovered,
		"failed", summary.Failed,
		"newlyReady", len(summary.NewlyReady))
	return summary, nil
}

// FirstInterrupted returns the oldest interrupted session, or nil when
// there is none to offer for resume.
func (e *Engine) FirstInterrupted() (*store.Session, error) {
	sess, err := e.store.Sessions().FirstInterrupted()
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return sess, err
}

// ResumeInterrupted reactivates an interrupted session so the scheduler
// can pick its tasks back up.
func (e *Engine) ResumeInterrupted(sessionID string) error {
	sess, err := e.store.Sessions().Get(sessionID)
	if err != nil {
		return err
	}
	if sess.Status != store.SessionInterrupted {
		return errdefs.StateConflict("session %s is %s, not interrupted", sessionID, sess.Status)
	}
	if err := e.store.Sessions().UpdateStatus(sessionID, store.SessionActive); err != nil {
		return err
	}
	log.Info(log.CatRecover, "Interrupted session resumed", "sessionID", sessionID)
	_ = e.store.Logs().Append(sessionID, "", "session:resumed", "after interruption")
	return nil
}

// ArchiveSession abandons an interrupted session the operator declined to
// resume. Its tasks keep whatever state recovery left them in.
func (e *Engine) ArchiveSession(sessionID string) error {
	sess, err := e.store.Sessions().Get(sessionID)
	if err != nil {
		return err
	}
	if sess.Status != store.SessionInterrupted {
		return errdefs.StateConflict("session %s is %s, not interrupted", sessionID, sess.Status)
	}
	if err := e.store.Sessions().UpdateStatus(sessionID, store.SessionAbandoned); err != nil {
		return err
	}
	log.Info(log.CatRecover, "Session abandoned", "sessionID", sessionID)
	_ = e.store.Logs().Append(sessionID, "", "session:abandoned", "")
	return nil
}
