package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aristath/conductor/internal/orchestrator"
)

// RunSummary is a row in the run history listing.
type RunSummary struct {
	ID          string
	Status      orchestrator.RunStatus
	Makespan    float64
	Parallelism int
	Progress    orchestrator.ProgressCounters
	CreatedAt   time.Time
}

// Store is the run-history persistence interface.
type Store interface {
	SaveRun(ctx context.Context, runID string, report *orchestrator.Report) error
	GetRun(ctx context.Context, runID string) (*orchestrator.Report, error)
	ListRuns(ctx context.Context) ([]RunSummary, error)
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and
// a busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// Note: modernc.org/sqlite doesn't support _foreign_keys in the
	// connection string
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return initStore(ctx, db)
}

// NewMemoryStore creates an in-memory SQLite store for testing.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	// Shared cache lets multiple connections see the same in-memory DB
	connStr := "file::memory:?mode=memory&cache=shared"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}

	return initStore(ctx, db)
}

func initStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	// Foreign keys require a PRAGMA with modernc.org/sqlite
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// One connection for primary queries, one for subqueries
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
