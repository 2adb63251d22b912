package repository

import (
	"context"
	"database/sql"

	"ojforge/internal/common/db"
	"ojforge/internal/model"
	"ojforge/pkg/errors"
)

// ActivityRepository appends and queries the audit log.
type ActivityRepository interface {
	Insert(ctx context.Context, entry *model.ActivityEntry) error
	// Recent returns the newest entries, optionally restricted to one
	// user. limit is capped at 500.
	Recent(ctx context.Context, userID string, limit int) ([]*model.ActivityEntry, error)
}

type sqlActivityRepository struct {
	db db.Database
}

// NewActivityRepository builds the SQL-backed activity log.
func NewActivityRepository(database db.Database) ActivityRepository {
	return &sqlActivityRepository{db: database}
}

const activityColumns = "id, user_id, action, detail, created_at"

func (r *sqlActivityRepository) Insert(ctx context.Context, entry *model.ActivityEntry) error {
	if entry == nil || entry.Action == "" {
		return errors.Newf(errors.InvalidParams, "activity entry is empty")
	}
	_, err := r.db.Exec(ctx,
		"INSERT INTO activity_log ("+activityColumns+") VALUES (?, ?, ?, ?, ?)",
		entry.ID, entry.UserID, entry.Action, entry.Detail, fmtTime(entry.CreatedAt))
	if err != nil {
		return errors.Wrapf(err, errors.DatabaseError, "insert activity entry")
	}
	return nil
}

func (r *sqlActivityRepository) Recent(ctx context.Context, userID string, limit int) ([]*model.ActivityEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	query := "SELECT " + activityColumns + " FROM activity_log"
	args := []interface{}{}
	if userID != "" {
		query += " WHERE user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, errors.DatabaseError, "query activity log")
	}
	defer rows.Close()
	var out []*model.ActivityEntry
	for rows.Next() {
		var e model.ActivityEntry
		var uid, detail sql.NullString
		var created string
		if err := rows.Scan(&e.ID, &uid, &e.Action, &detail, &created); err != nil {
			return nil, errors.Wrapf(err, errors.DatabaseError, "scan activity entry")
		}
		e.UserID = uid.String
		e.Detail = detail.String
		e.CreatedAt = parseTime(created)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, errors.DatabaseError, "iterate activity log")
	}
	return out, nil
}
