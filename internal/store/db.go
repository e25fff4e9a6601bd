// Package store provides the embedded SQLite state store for Substrate.
// A single database file holds sessions, tasks, dependency edges, durable
// control signals, cost entries and the audit log.
package store

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/substratehq/substrate/internal/log"
)

// DefaultRelPath is the store location relative to the project root.
const DefaultRelPath = ".substrate/state.db"

// Store wraps the SQLite connection and exposes the per-table repositories.
type Store struct {
	conn *sql.DB
	path string

	sessions *SessionRepo
	tasks    *TaskRepo
	deps     *DependencyRepo
	signals  *SignalRepo
	costs    *CostRepo
	logs     *LogRepo
}

// Open opens (creating if necessary) the store at path, applies connection
// pragmas, backs up an existing file, and runs pending migrations.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	// Back up an existing database before migrations touch it.
	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+".bak"); err != nil {
			return nil, fmt.Errorf("backing up database: %w", err)
		}
	}

	log.Debug(log.CatDB, "Opening database", "path", path)
	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{conn: conn, path: path}
	if err := s.init(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// OpenMemory opens an in-memory store, used by tests.
func OpenMemory() (*Store, error) {
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory database: %w", err)
	}
	s := &Store{conn: conn, path: ":memory:"}
	if err := s.init(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	// The driver serializes writes; a single connection avoids table-lock
	// churn between the engine and the session controller.
	s.conn.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := s.conn.Exec(pragma); err != nil {
			return fmt.Errorf("applying %s: %w", pragma, err)
		}
	}

	if err := runMigrations(s.conn); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.sessions = &SessionRepo{conn: s.conn}
	s.tasks = &TaskRepo{conn: s.conn}
	s.deps = &DependencyRepo{conn: s.conn}
	s.signals = &SignalRepo{conn: s.conn}
	s.costs = &CostRepo{conn: s.conn}
	s.logs = &LogRepo{conn: s.conn}
	return nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Connection returns the underlying *sql.DB for advanced queries.
func (s *Store) Connection() *sql.DB {
	return s.conn
}

// Sessions returns the session repository.
func (s *Store) Sessions() *SessionRepo { return s.sessions }

// Tasks returns the task repository.
func (s *Store) Tasks() *TaskRepo { return s.tasks }

// Dependencies returns the dependency-edge repository.
func (s *Store) Dependencies() *DependencyRepo { return s.deps }

// Signals returns the session-signal repository.
func (s *Store) Signals() *SignalRepo { return s.signals }

// Costs returns the cost-entry repository.
func (s *Store) Costs() *CostRepo { return s.costs }

// Logs returns the audit-log repository.
func (s *Store) Logs() *LogRepo { return s.logs }

// WithTx runs fn inside a transaction, committing on nil and rolling back
// on error. Repositories accept the *sql.Tx through their Tx variants.
func (s *Store) WithTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) // #nosec G304 -- src is the store path we just validated
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
