package store

import (
	"database/sql"
	"fmt"

	"github.com/substratehq/substrate/internal/log"
)

// migration is one versioned schema step. Steps run in ascending version
// order inside a transaction unless managesOwnTransaction is set, which a
// step needs when it must toggle foreign_keys (a no-op inside a tx).
type migration struct {
	version               int
	name                  string
	managesOwnTransaction bool
	fn                    func(execer) error
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

var migrations = []migration{
	{version: 1, name: "initial_schema", fn: migrateInitialSchema},
	{version: 2, name: "tasks_budget_exceeded", managesOwnTransaction: true, fn: migrateTasksBudgetExceeded},
	{version: 3, name: "indexes", fn: migrateIndexes},
	{version: 4, name: "session_metadata_log_audit", fn: migrateSessionMetadataLogAudit},
}

func runMigrations(conn *sql.DB) error {
	if _, err := conn.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	var current int
	if err := conn.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		log.Info(log.CatDB, "Applying migration", "version", m.version, "name", m.name)
		if err := applyMigration(conn, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

func applyMigration(conn *sql.DB, m migration) error {
	record := `INSERT INTO schema_migrations (version, name) VALUES (?, ?)`

	if m.managesOwnTransaction {
		if err := m.fn(conn); err != nil {
			return err
		}
		_, err := conn.Exec(record, m.version, m.name)
		return err
	}

	tx, err := conn.Begin()
	if err != nil {
		return err
	}
	if err := m.fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.Exec(record, m.version, m.name); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func migrateInitialSchema(e execer) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'active',
			graph_path TEXT NOT NULL,
			default_agent TEXT NOT NULL DEFAULT '',
			budget_usd REAL,
			total_cost_usd REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			completed_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT NOT NULL,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			name TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL,
			agent TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			worker_id TEXT,
			worktree_path TEXT,
			branch_name TEXT,
			output TEXT,
			error TEXT,
			exit_code INTEGER,
			tokens_input INTEGER,
			tokens_output INTEGER,
			cost_usd REAL NOT NULL DEFAULT 0,
			retries INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 2,
			started_at TEXT,
			finished_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (session_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS task_dependencies (
			session_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			depends_on TEXT NOT NULL,
			PRIMARY KEY (session_id, task_id, depends_on),
			FOREIGN KEY (session_id, task_id) REFERENCES tasks(session_id, id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS session_signals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			signal TEXT NOT NULL,
			created_at TEXT NOT NULL,
			processed_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS cost_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			task_id TEXT NOT NULL,
			agent TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			billing_mode TEXT NOT NULL DEFAULT 'api',
			tokens_input INTEGER NOT NULL DEFAULT 0,
			tokens_output INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			savings_usd REAL NOT NULL DEFAULT 0,
			estimated INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS log_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			task_id TEXT,
			event TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := e.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// migrateTasksBudgetExceeded recreates tasks to add the budget_exceeded
// column with its CHECK. SQLite cannot add a CHECK via ALTER TABLE, so the
// table is rebuilt with foreign_keys off for the copy.
func migrateTasksBudgetExceeded(e execer) error {
	stmts := []string{
		`PRAGMA foreign_keys=OFF`,
		`CREATE TABLE tasks_new (
			id TEXT NOT NULL,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			name TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL,
			agent TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			worker_id TEXT,
			worktree_path TEXT,
			branch_name TEXT,
			output TEXT,
			error TEXT,
			exit_code INTEGER,
			tokens_input INTEGER,
			tokens_output INTEGER,
			cost_usd REAL NOT NULL DEFAULT 0,
			retries INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 2,
			budget_exceeded INTEGER NOT NULL DEFAULT 0 CHECK (budget_exceeded IN (0, 1)),
			started_at TEXT,
			finished_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (session_id, id)
		)`,
		`INSERT INTO tasks_new (id, session_id, name, prompt, agent, status,
			worker_id, worktree_path, branch_name, output, error, exit_code,
			tokens_input, tokens_output, cost_usd, retries, max_retries,
			started_at, finished_at, created_at, updated_at)
		 SELECT id, session_id, name, prompt, agent, status,
			worker_id, worktree_path, branch_name, output, error, exit_code,
			tokens_input, tokens_output, cost_usd, retries, max_retries,
			started_at, finished_at, created_at, updated_at FROM tasks`,
		`DROP TABLE tasks`,
		`ALTER TABLE tasks_new RENAME TO tasks`,
		`PRAGMA foreign_keys=ON`,
	}
	for _, stmt := range stmts {
		if _, err := e.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// migrateSessionMetadataLogAudit adds session naming and planning-cost
// columns plus the structured audit columns on log_entries.
func migrateSessionMetadataLogAudit(e execer) error {
	stmts := []string{
		`ALTER TABLE sessions ADD COLUMN name TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE sessions ADD COLUMN base_branch TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE sessions ADD COLUMN planning_cost_usd REAL NOT NULL DEFAULT 0`,
		`ALTER TABLE log_entries ADD COLUMN old_status TEXT`,
		`ALTER TABLE log_entries ADD COLUMN new_status TEXT`,
		`ALTER TABLE log_entries ADD COLUMN agent TEXT`,
		`ALTER TABLE log_entries ADD COLUMN cost_usd REAL`,
		`ALTER TABLE log_entries RENAME COLUMN detail TO data`,
	}
	for _, stmt := range stmts {
		if _, err := e.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func migrateIndexes(e execer) error {
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_session_status ON tasks(session_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_deps_depends_on ON task_dependencies(session_id, depends_on)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_pending ON session_signals(session_id, processed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_costs_session ON cost_entries(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_session ON log_entries(session_id)`,
	}
	for _, stmt := range stmts {
		if _, err := e.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
