package db

import (
	"context"
	"testing"
	"time"
)

func newTestDB(t *testing.T) Database {
	t.Helper()
	database, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := Migrate(context.Background(), database); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return database
}

func TestMigrateIsIdempotent(t *testing.T) {
	database := newTestDB(t)
	if err := Migrate(context.Background(), database); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestUniqueViolationSQLite(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	now := time.Now().UTC().Format(time.RFC3339)
	insert := `INSERT INTO users (id, username, password_hash, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := database.Exec(ctx, insert, "u1", "alice", "x", now, now); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	_, err := database.Exec(ctx, insert, "u2", "alice", "x", now, now)
	if err == nil {
		t.Fatal("expected duplicate username to fail")
	}
	name, ok := UniqueViolation(err)
	if !ok {
		t.Fatalf("UniqueViolation(%v) = false, want true", err)
	}
	if name != "users.username" {
		t.Errorf("violated key = %q, want users.username", name)
	}
}

func TestTransactionRollback(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)

	wantErr := context.Canceled
	err := database.Transaction(ctx, func(tx Transaction) error {
		if _, err := tx.Exec(ctx, `INSERT INTO users (id, username, password_hash, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			"u1", "bob", "x", now, now); err != nil {
			return err
		}
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("Transaction error = %v, want %v", err, wantErr)
	}

	var count int
	if err := database.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("rows after rollback = %d, want 0", count)
	}
}

func TestTransactionCommit(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)

	err := database.Transaction(ctx, func(tx Transaction) error {
		_, err := tx.Exec(ctx, `INSERT INTO users (id, username, password_hash, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			"u1", "carol", "x", now, now)
		return err
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}

	var username string
	if err := database.QueryRow(ctx, `SELECT username FROM users WHERE id = ?`, "u1").Scan(&username); err != nil {
		t.Fatalf("select: %v", err)
	}
	if username != "carol" {
		t.Errorf("username = %q, want carol", username)
	}
}

func TestGetQuerierPrefersTransaction(t *testing.T) {
	database := newTestDB(t)
	if got := GetQuerier(database, nil); got != database {
		t.Error("GetQuerier(db, nil) should return the database")
	}
	tx := &sqlTransaction{}
	if got := GetQuerier(database, tx); got != tx {
		t.Error("GetQuerier(db, tx) should return the transaction")
	}
}

func TestExtractMySQLKeyName(t *testing.T) {
	cases := []struct {
		message string
		want    string
	}{
		{"Duplicate entry 'alice' for key 'users.username'", "users.username"},
		{"Duplicate entry '1-cf' for key `adapter_configs.user_id`", "adapter_configs.user_id"},
		{"no marker here", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := extractMySQLKeyName(tc.message); got != tc.want {
			t.Errorf("extractMySQLKeyName(%q) = %q, want %q", tc.message, got, tc.want)
		}
	}
}

func TestExtractSQLiteColumnName(t *testing.T) {
	cases := []struct {
		message string
		want    string
	}{
		{"constraint failed: UNIQUE constraint failed: users.username (2067)", "users.username"},
		{"constraint failed: UNIQUE constraint failed: adapter_configs.user_id, adapter_configs.domain (2067)", "adapter_configs.user_id, adapter_configs.domain"},
		{"some other error", ""},
	}
	for _, tc := range cases {
		if got := extractSQLiteColumnName(tc.message); got != tc.want {
			t.Errorf("extractSQLiteColumnName(%q) = %q, want %q", tc.message, got, tc.want)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "oracle"}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: DriverSQLite}); err == nil {
		t.Fatal("expected error for sqlite without path")
	}
}
