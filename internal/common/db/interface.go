package db

import (
	"context"
	"database/sql"
	"time"
)

// Database abstracts the relational store behind the repositories. Both the
// SQLite and MySQL drivers implement it; repositories stay dialect-free by
// sticking to "?" placeholders and the shared schema in schema.go.
type Database interface {
	// Query executes a query that returns rows
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)

	// QueryRow executes a query that returns at most one row
	QueryRow(ctx context.Context, query string, args ...interface{}) Row

	// Exec executes a query that doesn't return rows
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)

	// Transaction executes fn inside a transaction, committing on nil error
	// and rolling back otherwise
	Transaction(ctx context.Context, fn func(tx Transaction) error) error

	// Ping verifies the connection is still alive
	Ping(ctx context.Context) error

	// Stats returns connection pool statistics
	Stats() Stats

	// Close closes the database and releases pooled connections
	Close() error

	// GetDB exposes the underlying *sql.DB for migrations and tests
	GetDB() interface{}
}

// Transaction is the query surface available inside Database.Transaction.
type Transaction interface {
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) Row
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)
}

// Rows is the result of a query, iterated with Next/Scan.
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
}

// Row is the result of calling QueryRow.
type Row interface {
	Scan(dest ...interface{}) error
}

// Result summarizes an executed statement.
type Result interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}

// Stats mirrors the sql.DBStats fields reported by the system stats endpoint.
type Stats struct {
	MaxOpenConnections int           `json:"max_open_connections"`
	OpenConnections    int           `json:"open_connections"`
	InUse              int           `json:"in_use"`
	Idle               int           `json:"idle"`
	WaitCount          int64         `json:"wait_count"`
	WaitDuration       time.Duration `json:"wait_duration"`
}

// ConvertSQLStats converts sql.DBStats into the wire-friendly Stats.
func ConvertSQLStats(s sql.DBStats) Stats {
	return Stats{
		MaxOpenConnections: s.MaxOpenConnections,
		OpenConnections:    s.OpenConnections,
		InUse:              s.InUse,
		Idle:               s.Idle,
		WaitCount:          s.WaitCount,
		WaitDuration:       s.WaitDuration,
	}
}
