package store

import (
	"database/sql"
	"fmt"
	"time"
)

// LogRepo persists the per-session audit trail of orchestration events.
type LogRepo struct {
	conn *sql.DB
}

// AppendEntry records one audit entry with full status-transition detail.
// Only SessionID and Event are required.
func (r *LogRepo) AppendEntry(e *LogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := r.conn.Exec(`INSERT INTO log_entries
		(session_id, task_id, event, old_status, new_status, agent, cost_usd, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.TaskID, e.Event, e.OldStatus, e.NewStatus, e.Agent,
		e.CostUSD, e.Data, encodeTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("appending log entry %s: %w", e.Event, err)
	}
	return nil
}

// Append records one audit entry with just an event name and free-form
// payload. taskID may be empty for session-level events.
func (r *LogRepo) Append(sessionID, taskID, event, data string) error {
	var task *string
	if taskID != "" {
		task = &taskID
	}
	return r.AppendEntry(&LogEntry{
		SessionID: sessionID,
		TaskID:    task,
		Event:     event,
		Data:      data,
	})
}

// ListBySession returns the session's audit entries in insertion order.
func (r *LogRepo) ListBySession(sessionID string) ([]*LogEntry, error) {
	rows, err := r.conn.Query(`SELECT id, session_id, task_id, event,
		old_status, new_status, agent, cost_usd, data, created_at
		FROM log_entries WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing log entries: %w", err)
	}
	defer rows.Close()

	var entries []*LogEntry
	for rows.Next() {
		var (
			e         LogEntry
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.TaskID, &e.Event,
			&e.OldStatus, &e.NewStatus, &e.Agent, &e.CostUSD, &e.Data, &createdAt); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = decodeTime(createdAt); err != nil {
			return nil, fmt.Errorf("decoding created_at: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
