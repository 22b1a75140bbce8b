// Package persistence is the external storage collaborator: it persists
// tasks, dependency edges, file impacts, runs, and agent outcomes. The
// scheduler core never calls it on its hot path; callers snapshot and
// restore around runs.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aleistner/swell/internal/graph"
	"github.com/aleistner/swell/internal/orchestrator"
	_ "modernc.org/sqlite"
)

// Store defines the persistence interface.
type Store interface {
	// Task operations
	SaveTask(ctx context.Context, task *graph.Task) error
	GetTask(ctx context.Context, taskID string) (*graph.Task, error)
	ListTasks(ctx context.Context, listID string) ([]*graph.Task, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status graph.Status) error

	// Graph snapshot
	LoadGraph(ctx context.Context, listID string) (*graph.Store, error)

	// Run and agent records
	SaveRun(ctx context.Context, run orchestrator.ExecutionRun) error
	UpdateRunStatus(ctx context.Context, runID string, status orchestrator.RunStatus) error
	SaveAgent(ctx context.Context, agent orchestrator.AgentInstance) error

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed store at the given path, creating
// parent directories as needed. Enables WAL mode and a busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return initStore(ctx, db)
}

// NewMemoryStore creates an in-memory store for testing, with a shared
// cache so multiple connections see the same database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	return initStore(ctx, db)
}

func initStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	// modernc.org/sqlite needs foreign keys enabled via PRAGMA.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// One connection for primary queries, one for subqueries.
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
