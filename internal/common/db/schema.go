package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	sqlite "modernc.org/sqlite"
)

// The DDL below sticks to the portable subset both drivers accept: VARCHAR
// keys instead of TEXT (MySQL cannot index unbounded TEXT), fixed-width UTC
// time strings (so string order is time order), and JSON payloads in TEXT
// columns. Non-unique indexes are created separately because MySQL has no
// CREATE INDEX IF NOT EXISTS.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id            VARCHAR(64)  PRIMARY KEY,
		username      VARCHAR(64)  NOT NULL UNIQUE,
		email         VARCHAR(255),
		password_hash VARCHAR(128) NOT NULL,
		role          VARCHAR(16)  NOT NULL DEFAULT 'user',
		status        VARCHAR(16)  NOT NULL DEFAULT 'active',
		invite_code   VARCHAR(32),
		created_at    VARCHAR(40)  NOT NULL,
		updated_at    VARCHAR(40)  NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS invite_codes (
		code       VARCHAR(32) PRIMARY KEY,
		created_by VARCHAR(64),
		used_by    VARCHAR(64),
		used_at    VARCHAR(40),
		created_at VARCHAR(40) NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS adapter_configs (
		id         VARCHAR(64) PRIMARY KEY,
		user_id    VARCHAR(64) NOT NULL,
		domain     VARCHAR(32) NOT NULL,
		config     TEXT        NOT NULL,
		enabled    INTEGER     NOT NULL DEFAULT 1,
		updated_at VARCHAR(40) NOT NULL,
		UNIQUE (user_id, domain)
	)`,

	`CREATE TABLE IF NOT EXISTS provider_configs (
		id         VARCHAR(64)  PRIMARY KEY,
		user_id    VARCHAR(64)  NOT NULL,
		provider   VARCHAR(32)  NOT NULL,
		api_key    TEXT,
		base_url   VARCHAR(255),
		model      VARCHAR(128),
		enabled    INTEGER      NOT NULL DEFAULT 1,
		updated_at VARCHAR(40)  NOT NULL,
		UNIQUE (user_id, provider)
	)`,

	`CREATE TABLE IF NOT EXISTS module_settings (
		user_id    VARCHAR(64) NOT NULL,
		module     VARCHAR(16) NOT NULL,
		provider   VARCHAR(32) NOT NULL,
		updated_at VARCHAR(40) NOT NULL,
		PRIMARY KEY (user_id, module)
	)`,

	`CREATE TABLE IF NOT EXISTS tasks (
		id            VARCHAR(64) PRIMARY KEY,
		user_id       VARCHAR(64) NOT NULL,
		status        VARCHAR(24) NOT NULL,
		target_domain VARCHAR(32) NOT NULL,
		stages        VARCHAR(16) NOT NULL,
		options       TEXT,
		error         TEXT,
		created_at    VARCHAR(40) NOT NULL,
		started_at    VARCHAR(40),
		finished_at   VARCHAR(40)
	)`,

	`CREATE TABLE IF NOT EXISTS problems (
		id            VARCHAR(64) PRIMARY KEY,
		task_id       VARCHAR(64) NOT NULL,
		user_id       VARCHAR(64) NOT NULL,
		raw_ref       TEXT        NOT NULL,
		source_domain VARCHAR(32) NOT NULL,
		problem_id    VARCHAR(64) NOT NULL,
		display_id    VARCHAR(64) NOT NULL,
		title         TEXT,
		status        VARCHAR(24) NOT NULL,
		stage         VARCHAR(16),
		owner_worker  VARCHAR(64),
		real_id       VARCHAR(64),
		uploaded_url  TEXT,
		error_kind    VARCHAR(32),
		error         TEXT,
		attempts      TEXT,
		created_at    VARCHAR(40) NOT NULL,
		updated_at    VARCHAR(40) NOT NULL,
		finished_at   VARCHAR(40)
	)`,

	`CREATE TABLE IF NOT EXISTS system_configs (
		config_key   VARCHAR(64) PRIMARY KEY,
		config_value TEXT        NOT NULL,
		updated_at   VARCHAR(40) NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS activity_log (
		id         VARCHAR(64) PRIMARY KEY,
		user_id    VARCHAR(64),
		action     VARCHAR(64) NOT NULL,
		detail     TEXT,
		created_at VARCHAR(40) NOT NULL
	)`,
}

var indexStatements = []string{
	`CREATE INDEX idx_tasks_user_created ON tasks (user_id, created_at)`,
	`CREATE INDEX idx_tasks_status ON tasks (status)`,
	`CREATE INDEX idx_problems_task ON problems (task_id)`,
	`CREATE INDEX idx_problems_user ON problems (user_id)`,
	`CREATE INDEX idx_activity_user_created ON activity_log (user_id, created_at)`,
}

// Migrate creates all tables and indexes that do not exist yet. It is safe
// to call on every startup.
func Migrate(ctx context.Context, database Database) error {
	for _, stmt := range schemaStatements {
		if _, err := database.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	for _, stmt := range indexStatements {
		if _, err := database.Exec(ctx, stmt); err != nil && !isDuplicateIndex(err) {
			return fmt.Errorf("apply index: %w", err)
		}
	}
	return nil
}

// isDuplicateIndex recognizes the "index already exists" errors from either
// driver so Migrate stays idempotent.
func isDuplicateIndex(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 1061 {
		return true
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) && strings.Contains(liteErr.Error(), "already exists") {
		return true
	}
	return false
}
