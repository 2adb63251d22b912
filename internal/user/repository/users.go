// Package repository persists accounts, invite codes, per-user judge and
// LLM credentials, and the activity log. Credential payloads are encrypted
// before they touch a row; timestamps are fixed-width UTC strings, matching
// the task store.
package repository

import (
	"context"
	"database/sql"
	"time"

	"ojforge/internal/common/db"
	"ojforge/internal/model"
	"ojforge/pkg/errors"
)

// UserRepository stores account rows.
type UserRepository interface {
	Create(ctx context.Context, u *model.User) error
	GetByID(ctx context.Context, id string) (*model.User, error)
	GetByUsername(ctx context.Context, username string) (*model.User, error)
	// Count returns total and active account numbers for the stats
	// endpoint.
	Count(ctx context.Context) (total, active int64, err error)
}

type sqlUserRepository struct {
	db db.Database
}

// NewUserRepository builds the SQL-backed user repository.
func NewUserRepository(database db.Database) UserRepository {
	return &sqlUserRepository{db: database}
}

const userColumns = "id, username, email, password_hash, role, status, invite_code, created_at, updated_at"

func (r *sqlUserRepository) Create(ctx context.Context, u *model.User) error {
	if u == nil {
		return errors.Newf(errors.InvalidParams, "user is nil")
	}
	_, err := r.db.Exec(ctx,
		"INSERT INTO users ("+userColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		u.ID, u.Username, u.Email, u.PasswordHash, u.Role, u.Status, u.InviteCode,
		fmtTime(u.CreatedAt), fmtTime(u.UpdatedAt))
	if err != nil {
		if _, dup := db.UniqueViolation(err); dup {
			return errors.Newf(errors.UsernameAlreadyExists, "username %q is taken", u.Username)
		}
		return errors.Wrapf(err, errors.DatabaseError, "insert user %s", u.Username)
	}
	return nil
}

func (r *sqlUserRepository) GetByID(ctx context.Context, id string) (*model.User, error) {
	row := r.db.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id)
	u, err := scanUser(row)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, errors.Newf(errors.UserNotFound, "user %s not found", id)
		}
		return nil, errors.Wrapf(err, errors.DatabaseError, "load user %s", id)
	}
	return u, nil
}

func (r *sqlUserRepository) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	row := r.db.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE username = ?", username)
	u, err := scanUser(row)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, errors.Newf(errors.UserNotFound, "user %q not found", username)
		}
		return nil, errors.Wrapf(err, errors.DatabaseError, "load user %q", username)
	}
	return u, nil
}

func (r *sqlUserRepository) Count(ctx context.Context) (int64, int64, error) {
	row := r.db.QueryRow(ctx,
		"SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) FROM users",
		model.UserStatusActive)
	var total, active int64
	if err := row.Scan(&total, &active); err != nil {
		return 0, 0, errors.Wrapf(err, errors.DatabaseError, "count users")
	}
	return total, active, nil
}

func scanUser(row db.Row) (*model.User, error) {
	var u model.User
	var email, invite sql.NullString
	var created, updated string
	err := row.Scan(&u.ID, &u.Username, &email, &u.PasswordHash, &u.Role, &u.Status,
		&invite, &created, &updated)
	if err != nil {
		return nil, err
	}
	u.Email = email.String
	u.InviteCode = invite.String
	u.CreatedAt = parseTime(created)
	u.UpdatedAt = parseTime(updated)
	return &u, nil
}

// Times are stored as UTC strings in the same fixed-width layout the task
// store uses, so string comparisons in SQL agree with chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
