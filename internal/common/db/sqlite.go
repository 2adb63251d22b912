package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteConfig holds the configuration for the SQLite database.
type SQLiteConfig struct {
	// Path is the database file path, or ":memory:" for an in-memory database
	Path string

	// BusyTimeout is how long a write waits on a locked database
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// DefaultSQLiteConfig returns the default SQLite configuration.
func DefaultSQLiteConfig() *SQLiteConfig {
	return &SQLiteConfig{
		BusyTimeout: 5 * time.Second,
	}
}

// SQLite implements the Database interface using the CGO-free modernc driver.
// It is the default store for single-node installs. The pool is pinned to a
// single connection so writes serialize instead of surfacing SQLITE_BUSY, and
// so ":memory:" databases keep their contents across calls.
type SQLite struct {
	db     *sql.DB
	config *SQLiteConfig
}

// NewSQLite opens (creating if necessary) the SQLite database at path.
func NewSQLite(path string) (*SQLite, error) {
	config := DefaultSQLiteConfig()
	config.Path = path
	return NewSQLiteWithConfig(config)
}

// NewSQLiteWithConfig opens a SQLite database with a custom configuration.
func NewSQLiteWithConfig(config *SQLiteConfig) (*SQLite, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.Path == "" {
		return nil, fmt.Errorf("path cannot be empty")
	}
	if config.BusyTimeout == 0 {
		config.BusyTimeout = 5 * time.Second
	}

	if config.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxIdleTime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", config.BusyTimeout.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLite{db: db, config: config}, nil
}

// Query executes a query that returns rows.
func (s *SQLite) Query(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return &sqlRows{rows: rows}, nil
}

// QueryRow executes a query that returns at most one row.
func (s *SQLite) QueryRow(ctx context.Context, query string, args ...interface{}) Row {
	return &sqlRow{row: s.db.QueryRowContext(ctx, query, args...)}
}

// Exec executes a query that doesn't return rows.
func (s *SQLite) Exec(ctx context.Context, query string, args ...interface{}) (Result, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("exec failed: %w", err)
	}
	return &sqlResult{result: result}, nil
}

// Transaction executes a function within a database transaction.
func (s *SQLite) Transaction(ctx context.Context, fn func(tx Transaction) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction failed: %w", err)
	}

	wrapped := &sqlTransaction{tx: tx}
	if err := fn(wrapped); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

// Ping verifies the database file is still reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}

// Stats returns connection pool statistics.
func (s *SQLite) Stats() Stats {
	return ConvertSQLStats(s.db.Stats())
}

// Close closes the database.
func (s *SQLite) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying *sql.DB.
func (s *SQLite) GetDB() interface{} {
	return s.db
}
