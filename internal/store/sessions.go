package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a row lookup matches nothing.
var ErrNotFound = errors.New("not found")

// timeFormat is the canonical timestamp encoding for all tables.
const timeFormat = time.RFC3339Nano

// querier is satisfied by both *sql.DB and *sql.Tx so repository methods
// can run standalone or inside WithTx.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

func encodeTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		// Older rows may carry second precision.
		t, err = time.Parse(time.RFC3339, s)
	}
	return t, err
}

func decodeTimePtr(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := decodeTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

const sessionColumns = `id, name, status, graph_path, base_branch, default_agent,
	budget_usd, total_cost_usd, planning_cost_usd, created_at, updated_at, completed_at`

// SessionRepo persists session rows.
type SessionRepo struct {
	conn *sql.DB
}

func scanSession(scanner interface{ Scan(...any) error }) (*Session, error) {
	var (
		s           Session
		status      string
		createdAt   string
		updatedAt   string
		completedAt *string
	)
	err := scanner.Scan(&s.ID, &s.Name, &status, &s.GraphPath, &s.BaseBranch,
		&s.DefaultAgent, &s.BudgetUSD, &s.TotalCostUSD, &s.PlanningCostUSD,
		&createdAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	s.Status = SessionStatus(status)
	if s.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, fmt.Errorf("decoding created_at: %w", err)
	}
	if s.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, fmt.Errorf("decoding updated_at: %w", err)
	}
	if s.CompletedAt, err = decodeTimePtr(completedAt); err != nil {
		return nil, fmt.Errorf("decoding completed_at: %w", err)
	}
	return &s, nil
}

// Create inserts a new session.
func (r *SessionRepo) Create(s *Session) error {
	return r.CreateTx(r.conn, s)
}

// CreateTx inserts a new session using the given querier.
func (r *SessionRepo) CreateTx(q querier, s *Session) error {
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	_, err := q.Exec(`INSERT INTO sessions
		(id, name, status, graph_path, base_branch, default_agent, budget_usd,
		 total_cost_usd, planning_cost_usd, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Name, string(s.Status), s.GraphPath, s.BaseBranch, s.DefaultAgent,
		s.BudgetUSD, s.TotalCostUSD, s.PlanningCostUSD,
		encodeTime(s.CreatedAt), encodeTime(s.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting session %s: %w", s.ID, err)
	}
	return nil
}

// Get returns the session with the given id, or ErrNotFound.
func (r *SessionRepo) Get(id string) (*Session, error) {
	return r.GetTx(r.conn, id)
}

// GetTx returns the session with the given id using the given querier.
func (r *SessionRepo) GetTx(q querier, id string) (*Session, error) {
	row := q.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return s, err
}

// List returns all sessions, newest first.
func (r *SessionRepo) List() ([]*Session, error) {
	rows, err := r.conn.Query(`SELECT ` + sessionColumns + ` FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// ListByStatus returns sessions in the given status, newest first.
func (r *SessionRepo) ListByStatus(status SessionStatus) ([]*Session, error) {
	rows, err := r.conn.Query(`SELECT `+sessionColumns+` FROM sessions
		WHERE status = ? ORDER BY created_at DESC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("listing sessions by status: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// FirstInterrupted returns the oldest interrupted session, or ErrNotFound.
func (r *SessionRepo) FirstInterrupted() (*Session, error) {
	row := r.conn.QueryRow(`SELECT ` + sessionColumns + ` FROM sessions
		WHERE status = 'interrupted' ORDER BY created_at ASC LIMIT 1`)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// UpdateStatus moves the session to the target status, enforcing the
// transition table. Completed and cancelled sessions also get completed_at.
func (r *SessionRepo) UpdateStatus(id string, target SessionStatus) error {
	return r.UpdateStatusTx(r.conn, id, target)
}

// UpdateStatusTx is UpdateStatus using the given querier.
func (r *SessionRepo) UpdateStatusTx(q querier, id string, target SessionStatus) error {
	s, err := r.GetTx(q, id)
	if err != nil {
		return err
	}
	if !s.Status.CanTransitionTo(target) {
		return fmt.Errorf("session %s: invalid transition %s -> %s", id, s.Status, target)
	}

	now := encodeTime(time.Now())
	if target == SessionCompleted || target == SessionCancelled || target == SessionAbandoned {
		_, err = q.Exec(`UPDATE sessions SET status = ?, updated_at = ?, completed_at = ? WHERE id = ?`,
			string(target), now, now, id)
	} else {
		_, err = q.Exec(`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
			string(target), now, id)
	}
	if err != nil {
		return fmt.Errorf("updating session %s status: %w", id, err)
	}
	return nil
}

// AddCost increments the session's running cost total.
func (r *SessionRepo) AddCost(id string, usd float64) error {
	res, err := r.conn.Exec(`UPDATE sessions
		SET total_cost_usd = total_cost_usd + ?, updated_at = ? WHERE id = ?`,
		usd, encodeTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("adding cost to session %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// AddPlanningCost increments the session's planning-phase cost. Planning
// spend is tracked separately from task execution cost and does not count
// against the execution budget.
func (r *SessionRepo) AddPlanningCost(id string, usd float64) error {
	res, err := r.conn.Exec(`UPDATE sessions
		SET planning_cost_usd = planning_cost_usd + ?, updated_at = ? WHERE id = ?`,
		usd, encodeTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("adding planning cost to session %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// Delete removes the session and, via foreign keys, its tasks, edges,
// signals and cost entries.
func (r *SessionRepo) Delete(id string) error {
	res, err := r.conn.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}
