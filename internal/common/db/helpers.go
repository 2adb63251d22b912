package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	sqlite "modernc.org/sqlite"
)

// Querier abstracts database operations for both database and transaction.
type Querier interface {
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) Row
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)
}

// IsNoRows checks if the error is sql.ErrNoRows.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// SQLite extended result codes for constraint violations.
const (
	sqliteConstraintPrimaryKey = 1555
	sqliteConstraintUnique     = 2067
)

// UniqueViolation reports whether err is a duplicate key error from either
// driver, returning the violated key or column name when it can be parsed.
func UniqueViolation(err error) (string, bool) {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 1062 {
		return extractMySQLKeyName(myErr.Message), true
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		if code := liteErr.Code(); code == sqliteConstraintUnique || code == sqliteConstraintPrimaryKey {
			return extractSQLiteColumnName(liteErr.Error()), true
		}
	}

	return "", false
}

// extractMySQLKeyName parses the key name from a MySQL 1062 message, e.g.
// `Duplicate entry 'alice' for key 'users.username'`.
func extractMySQLKeyName(message string) string {
	if message == "" {
		return ""
	}
	const marker = "for key "
	idx := strings.LastIndex(message, marker)
	if idx == -1 {
		return ""
	}
	key := strings.TrimSpace(message[idx+len(marker):])
	return strings.Trim(key, " `\"'")
}

// extractSQLiteColumnName parses the column from a SQLite constraint message,
// e.g. `constraint failed: UNIQUE constraint failed: users.username (2067)`.
func extractSQLiteColumnName(message string) string {
	const marker = "constraint failed: "
	idx := strings.LastIndex(message, marker)
	if idx == -1 {
		return ""
	}
	name := strings.TrimSpace(message[idx+len(marker):])
	if open := strings.LastIndex(name, " ("); open != -1 {
		name = name[:open]
	}
	return name
}
