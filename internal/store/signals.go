package store

import (
	"database/sql"
	"fmt"
	"time"
)

// SignalRepo persists durable session control signals. Signals are the only
// write path control commands use; the orchestrator polls and applies them
// FIFO, so a signal survives any crash between enqueue and effect.
type SignalRepo struct {
	conn *sql.DB
}

// Enqueue records a new unprocessed signal for the session.
func (r *SignalRepo) Enqueue(sessionID string, sig Signal) error {
	return r.EnqueueTx(r.conn, sessionID, sig)
}

// EnqueueTx is Enqueue using the given querier.
func (r *SignalRepo) EnqueueTx(q querier, sessionID string, sig Signal) error {
	_, err := q.Exec(`INSERT INTO session_signals (session_id, signal, created_at)
		VALUES (?, ?, ?)`, sessionID, string(sig), encodeTime(time.Now()))
	if err != nil {
		return fmt.Errorf("enqueuing %s signal for session %s: %w", sig, sessionID, err)
	}
	return nil
}

// Pending returns the session's unprocessed signals in enqueue order.
func (r *SignalRepo) Pending(sessionID string) ([]*SessionSignal, error) {
	rows, err := r.conn.Query(`SELECT id, session_id, signal, created_at, processed_at
		FROM session_signals
		WHERE session_id = ? AND processed_at IS NULL
		ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing pending signals: %w", err)
	}
	defer rows.Close()

	var signals []*SessionSignal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		signals = append(signals, s)
	}
	return signals, rows.Err()
}

// HasPending reports whether the session has an unprocessed signal of the
// given kind, letting control commands stay idempotent.
func (r *SignalRepo) HasPending(sessionID string, sig Signal) (bool, error) {
	var n int
	err := r.conn.QueryRow(`SELECT COUNT(*) FROM session_signals
		WHERE session_id = ? AND signal = ? AND processed_at IS NULL`,
		sessionID, string(sig)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking pending %s signal: %w", sig, err)
	}
	return n > 0, nil
}

// MarkProcessed stamps the signal's processed_at.
func (r *SignalRepo) MarkProcessed(id int64) error {
	_, err := r.conn.Exec(`UPDATE session_signals SET processed_at = ? WHERE id = ?`,
		encodeTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("marking signal %d processed: %w", id, err)
	}
	return nil
}

func scanSignal(scanner interface{ Scan(...any) error }) (*SessionSignal, error) {
	var (
		s           SessionSignal
		sig         string
		createdAt   string
		processedAt *string
	)
	if err := scanner.Scan(&s.ID, &s.SessionID, &sig, &createdAt, &processedAt); err != nil {
		return nil, err
	}
	s.Signal = Signal(sig)
	var err error
	if s.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, fmt.Errorf("decoding created_at: %w", err)
	}
	if s.ProcessedAt, err = decodeTimePtr(processedAt); err != nil {
		return nil, fmt.Errorf("decoding processed_at: %w", err)
	}
	return &s, nil
}
