package store

import (
	"database/sql"
	"fmt"
)

// DependencyRepo persists the task graph's edges.
type DependencyRepo struct {
	conn *sql.DB
}

// Create inserts one edge.
func (r *DependencyRepo) Create(d *Dependency) error {
	return r.CreateTx(r.conn, d)
}

// CreateTx inserts one edge using the given querier.
func (r *DependencyRepo) CreateTx(q querier, d *Dependency) error {
	_, err := q.Exec(`INSERT INTO task_dependencies (session_id, task_id, depends_on)
		VALUES (?, ?, ?)`, d.SessionID, d.TaskID, d.DependsOn)
	if err != nil {
		return fmt.Errorf("inserting dependency %s -> %s: %w", d.TaskID, d.DependsOn, err)
	}
	return nil
}

// ListBySession returns every edge in the session.
func (r *DependencyRepo) ListBySession(sessionID string) ([]*Dependency, error) {
	return r.ListBySessionTx(r.conn, sessionID)
}

// ListBySessionTx is ListBySession using the given querier.
func (r *DependencyRepo) ListBySessionTx(q querier, sessionID string) ([]*Dependency, error) {
	rows, err := q.Query(`SELECT session_id, task_id, depends_on FROM task_dependencies
		WHERE session_id = ? ORDER BY task_id, depends_on`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing dependencies: %w", err)
	}
	defer rows.Close()

	var deps []*Dependency
	for rows.Next() {
		var d Dependency
		if err := rows.Scan(&d.SessionID, &d.TaskID, &d.DependsOn); err != nil {
			return nil, err
		}
		deps = append(deps, &d)
	}
	return deps, rows.Err()
}

// Predecessors returns the ids the task depends on, ordered.
func (r *DependencyRepo) Predecessors(sessionID, taskID string) ([]string, error) {
	rows, err := r.conn.Query(`SELECT depends_on FROM task_dependencies
		WHERE session_id = ? AND task_id = ? ORDER BY depends_on`, sessionID, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing predecessors of %s: %w", taskID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Successors returns the ids of tasks that depend on the given task, ordered.
func (r *DependencyRepo) Successors(sessionID, taskID string) ([]string, error) {
	rows, err := r.conn.Query(`SELECT task_id FROM task_dependencies
		WHERE session_id = ? AND depends_on = ? ORDER BY task_id`, sessionID, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing successors of %s: %w", taskID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
