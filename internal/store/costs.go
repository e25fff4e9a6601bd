package store

import (
	"database/sql"
	"fmt"
	"time"
)

// CostRepo persists per-task cost entries.
type CostRepo struct {
	conn *sql.DB
}

// Create inserts one cost entry.
func (r *CostRepo) Create(c *CostEntry) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := r.conn.Exec(`INSERT INTO cost_entries
		(session_id, task_id, agent, provider, model, billing_mode,
		 tokens_input, tokens_output, cost_usd, savings_usd, estimated, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.SessionID, c.TaskID, c.Agent, c.Provider, c.Model, c.BillingMode,
		c.TokensInput, c.TokensOutput, c.CostUSD, c.SavingsUSD, c.Estimated, encodeTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting cost entry for task %s: %w", c.TaskID, err)
	}
	return nil
}

// ListBySession returns the session's cost entries in insertion order.
func (r *CostRepo) ListBySession(sessionID string) ([]*CostEntry, error) {
	rows, err := r.conn.Query(`SELECT id, session_id, task_id, agent, provider, model,
		billing_mode, tokens_input, tokens_output, cost_usd, savings_usd, estimated, created_at
		FROM cost_entries WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing cost entries: %w", err)
	}
	defer rows.Close()

	var entries []*CostEntry
	for rows.Next() {
		var (
			c         CostEntry
			createdAt string
		)
		if err := rows.Scan(&c.ID, &c.SessionID, &c.TaskID, &c.Agent, &c.Provider,
			&c.Model, &c.BillingMode, &c.TokensInput, &c.TokensOutput,
			&c.CostUSD, &c.SavingsUSD, &c.Estimated, &createdAt); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = decodeTime(createdAt); err != nil {
			return nil, fmt.Errorf("decoding created_at: %w", err)
		}
		entries = append(entries, &c)
	}
	return entries, rows.Err()
}

// SessionTotal sums the session's recorded cost.
func (r *CostRepo) SessionTotal(sessionID string) (float64, error) {
	var total float64
	err := r.conn.QueryRow(`SELECT COALESCE(SUM(cost_usd), 0) FROM cost_entries
		WHERE session_id = ?`, sessionID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing session cost: %w", err)
	}
	return total, nil
}
