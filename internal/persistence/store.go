// Package persistence provides the SQLite-backed history store for terminal
// task and operation records.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// TaskRecord is the durable form of a finished task.
type TaskRecord struct {
	ID         string
	Priority   int
	Status     string
	Result     string
	Error      string
	StallCount int

	SubmittedAt time.Time
	StartedAt   time.Time
	EndedAt     time.Time
}

// OperationRecord is the durable form of a finished tracked operation.
type OperationRecord struct {
	ID          string
	Type        string
	ParentID    string
	Status      string
	Percentage  float64
	TotalSteps  int
	CurrentStep int
	Reason      string

	CreatedAt time.Time
	EndedAt   time.Time
}

// Store defines the persistence interface for task and operation history.
type Store interface {
	SaveTask(ctx context.Context, rec TaskRecord) error
	GetTask(ctx context.Context, id string) (TaskRecord, error)
	ListTasks(ctx context.Context) ([]TaskRecord, error)

	SaveOperation(ctx context.Context, rec OperationRecord) error
	ListOperations(ctx context.Context) ([]OperationRecord, error)

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode and a busy timeout.
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

	return newStore(ctx, db)
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Uses a shared cache so multiple connections see the same database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}

	return newStore(ctx, db)
}

func newStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	// A single writer avoids SQLITE_BUSY under concurrent record saves.
	db.SetMaxOpenConns(1)

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

// Timestamps are stored as RFC 3339 text; the zero time maps to an empty
// string so unset fields round-trip.

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
