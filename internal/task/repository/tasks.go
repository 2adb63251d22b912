// Package repository persists tasks and problems. Both repositories are
// dialect-free over db.Database; timestamps are stored as fixed-width UTC
// strings and the attempts/options payloads as JSON text.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"ojforge/internal/common/db"
	"ojforge/internal/model"
	"ojforge/pkg/errors"
	"ojforge/pkg/repository"
)

// TaskFilter narrows List queries. Zero fields match everything.
type TaskFilter struct {
	UserID string
	Status model.TaskStatus
}

// TaskRepository stores task rows.
type TaskRepository interface {
	// CreateWithProblems inserts the task and its problem rows in one
	// transaction.
	CreateWithProblems(ctx context.Context, t *model.Task, problems []*model.Problem) error
	Get(ctx context.Context, id string) (*model.Task, error)
	// GetWithProblems loads the task and populates Problems.
	GetWithProblems(ctx context.Context, id string) (*model.Task, error)
	List(ctx context.Context, f TaskFilter, opts repository.ListOptions) ([]*model.Task, int64, error)
	// SetRunning marks the task running, stamping started_at once.
	SetRunning(ctx context.Context, id string, at time.Time) error
	// Finish writes a terminal status.
	Finish(ctx context.Context, id string, status model.TaskStatus, errMsg string, at time.Time) error
	// Reopen puts a finished task back into running for a retry.
	Reopen(ctx context.Context, id string) error
	// Delete removes the task and its problem rows in one transaction.
	Delete(ctx context.Context, id string) error
	// CountByStatus aggregates task counts for the stats endpoint.
	CountByStatus(ctx context.Context) (map[model.TaskStatus]int64, error)
}

type sqlTaskRepository struct {
	db db.Database
}

// NewTaskRepository builds the SQL-backed task repository.
func NewTaskRepository(database db.Database) TaskRepository {
	return &sqlTaskRepository{db: database}
}

const taskColumns = "id, user_id, status, target_domain, stages, options, error, created_at, started_at, finished_at"

func (r *sqlTaskRepository) CreateWithProblems(ctx context.Context, t *model.Task, problems []*model.Problem) error {
	if t == nil {
		return errors.Newf(errors.InvalidParams, "task is nil")
	}
	opts, err := json.Marshal(t.Options)
	if err != nil {
		return errors.Wrapf(err, errors.DatabaseError, "marshal task options")
	}
	err = r.db.Transaction(ctx, func(tx db.Transaction) error {
		_, err := tx.Exec(ctx,
			"INSERT INTO tasks ("+taskColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			t.ID, t.UserID, string(t.Status), t.TargetDomain, t.Stages.Letters(),
			string(opts), t.Error, fmtTime(t.CreatedAt), fmtTimePtr(t.StartedAt), fmtTimePtr(t.FinishedAt))
		if err != nil {
			return err
		}
		for _, p := range problems {
			if err := insertProblem(ctx, tx, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, errors.TaskCreateFailed, "persist task %s", t.ID)
	}
	return nil
}

func (r *sqlTaskRepository) Get(ctx context.Context, id string) (*model.Task, error) {
	row := r.db.QueryRow(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, errors.Newf(errors.TaskNotFound, "task %s not found", id)
		}
		return nil, errors.Wrapf(err, errors.DatabaseError, "load task %s", id)
	}
	return t, nil
}

func (r *sqlTaskRepository) GetWithProblems(ctx context.Context, id string) (*model.Task, error) {
	t, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx,
		"SELECT "+problemColumns+" FROM problems WHERE task_id = ? ORDER BY created_at, id", id)
	if err != nil {
		return nil, errors.Wrapf(err, errors.DatabaseError, "load problems of task %s", id)
	}
	defer rows.Close()
	for rows.Next() {
		p, err := scanProblem(rows)
		if err != nil {
			return nil, errors.Wrapf(err, errors.DatabaseError, "scan problem row")
		}
		t.Problems = append(t.Problems, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, errors.DatabaseError, "iterate problems of task %s", id)
	}
	return t, nil
}

func (r *sqlTaskRepository) List(ctx context.Context, f TaskFilter, opts repository.ListOptions) ([]*model.Task, int64, error) {
	if err := opts.Validate(); err != nil {
		return nil, 0, errors.Wrap(err, errors.InvalidParams)
	}
	where, args := taskFilterClause(f)

	var total int64
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM tasks"+where, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrapf(err, errors.DatabaseError, "count tasks")
	}

	order := " ORDER BY created_at"
	if opts.OrderDesc || opts.OrderBy == "" {
		order = " ORDER BY created_at DESC"
	}
	query := "SELECT " + taskColumns + " FROM tasks" + where + order + " LIMIT ? OFFSET ?"
	rows, err := r.db.Query(ctx, query, append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, 0, errors.Wrapf(err, errors.DatabaseError, "list tasks")
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, errors.Wrapf(err, errors.DatabaseError, "scan task row")
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.Wrapf(err, errors.DatabaseError, "iterate tasks")
	}
	return out, total, nil
}

func taskFilterClause(f TaskFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if f.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *sqlTaskRepository) SetRunning(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		"UPDATE tasks SET status = ?, started_at = COALESCE(started_at, ?) WHERE id = ?",
		string(model.TaskStatusRunning), fmtTime(at), id)
	if err != nil {
		return errors.Wrapf(err, errors.DatabaseError, "mark task %s running", id)
	}
	return nil
}

func (r *sqlTaskRepository) Finish(ctx context.Context, id string, status model.TaskStatus, errMsg string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		"UPDATE tasks SET status = ?, error = ?, finished_at = ? WHERE id = ?",
		string(status), errMsg, fmtTime(at), id)
	if err != nil {
		return errors.Wrapf(err, errors.DatabaseError, "finish task %s", id)
	}
	return nil
}

func (r *sqlTaskRepository) Reopen(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx,
		"UPDATE tasks SET status = ?, error = '', finished_at = NULL WHERE id = ?",
		string(model.TaskStatusRunning), id)
	if err != nil {
		return errors.Wrapf(err, errors.DatabaseError, "reopen task %s", id)
	}
	return nil
}

func (r *sqlTaskRepository) Delete(ctx context.Context, id string) error {
	err := r.db.Transaction(ctx, func(tx db.Transaction) error {
		if _, err := tx.Exec(ctx, "DELETE FROM problems WHERE task_id = ?", id); err != nil {
			return err
		}
		res, err := tx.Exec(ctx, "DELETE FROM tasks WHERE id = ?", id)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return repository.ErrNotFound
		}
		return nil
	})
	if repository.IsNotFoundError(err) {
		return errors.Newf(errors.TaskNotFound, "task %s not found", id)
	}
	if err != nil {
		return errors.Wrapf(err, errors.TaskDeleteFailed, "delete task %s", id)
	}
	return nil
}

func (r *sqlTaskRepository) CountByStatus(ctx context.Context) (map[model.TaskStatus]int64, error) {
	rows, err := r.db.Query(ctx, "SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return nil, errors.Wrapf(err, errors.DatabaseError, "count tasks by status")
	}
	defer rows.Close()
	out := make(map[model.TaskStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrapf(err, errors.DatabaseError, "scan task count")
		}
		out[model.TaskStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, errors.DatabaseError, "iterate task counts")
	}
	return out, nil
}

// scanner covers both db.Row and db.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(s scanner) (*model.Task, error) {
	var (
		t        model.Task
		status   string
		stages   string
		optsJSON sql.NullString
		errMsg   sql.NullString
		created  string
		started  sql.NullString
		finished sql.NullString
	)
	if err := s.Scan(&t.ID, &t.UserID, &status, &t.TargetDomain, &stages,
		&optsJSON, &errMsg, &created, &started, &finished); err != nil {
		return nil, err
	}
	t.Status = model.TaskStatus(status)
	t.Stages = model.StageSetFromLetters(stages)
	if optsJSON.Valid && optsJSON.String != "" {
		if err := json.Unmarshal([]byte(optsJSON.String), &t.Options); err != nil {
			return nil, err
		}
	}
	t.Error = errMsg.String
	t.CreatedAt = parseTime(created)
	t.StartedAt = parseTimePtr(started)
	t.FinishedAt = parseTimePtr(finished)
	return &t, nil
}

// Timestamp helpers. Times are stored as UTC strings in a fixed-width
// layout (fraction never trimmed) so lexicographic ORDER BY and range
// comparisons agree with chronological order on both SQLite and MySQL.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func fmtTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	if t.IsZero() {
		return nil
	}
	return &t
}
