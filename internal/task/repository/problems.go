package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"ojforge/internal/common/db"
	"ojforge/internal/model"
	"ojforge/pkg/errors"
)

// ProblemRepository stores problem rows. Claim/Save/Release implement the
// owner_worker CAS the pipeline runner builds on: a row is writable only
// by the worker that claimed it.
type ProblemRepository interface {
	Claim(ctx context.Context, problemID, worker string) (bool, error)
	Save(ctx context.Context, p *model.Problem, worker string) error
	Release(ctx context.Context, problemID, worker string) error

	Get(ctx context.Context, id string) (*model.Problem, error)
	ListByTask(ctx context.Context, taskID string) ([]*model.Problem, error)
	// Update writes a row without the owner guard; the task service uses
	// it for retry resets and cancellations of unowned rows.
	Update(ctx context.Context, p *model.Problem) error
	// ListUnfinished returns non-terminal rows, the startup recovery set.
	ListUnfinished(ctx context.Context) ([]*model.Problem, error)
	// ReleaseAllOwners clears every owner_worker claim; called once at
	// startup before recovery re-queues interrupted rows.
	ReleaseAllOwners(ctx context.Context) error
	// ListStaleRunning returns rows stuck in a running stage whose last
	// update is older than cutoff.
	ListStaleRunning(ctx context.Context, cutoff time.Time) ([]*model.Problem, error)
	// CountByStatus aggregates problem counts for the stats endpoint.
	CountByStatus(ctx context.Context) (map[model.ProblemStatus]int64, error)
}

type sqlProblemRepository struct {
	db db.Database
}

// NewProblemRepository builds the SQL-backed problem repository.
func NewProblemRepository(database db.Database) ProblemRepository {
	return &sqlProblemRepository{db: database}
}

const problemColumns = "id, task_id, user_id, raw_ref, source_domain, problem_id, display_id, " +
	"title, status, stage, owner_worker, real_id, uploaded_url, error_kind, error, attempts, " +
	"created_at, updated_at, finished_at"

func insertProblem(ctx context.Context, q db.Querier, p *model.Problem) error {
	attempts, err := marshalAttempts(p.Attempts)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx,
		"INSERT INTO problems ("+problemColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		p.ID, p.TaskID, p.UserID, p.RawRef, p.SourceDomain, p.ProblemID, p.DisplayID,
		p.Title, string(p.Status), string(p.Stage), p.OwnerWorker, p.RealID, p.UploadedURL,
		p.ErrorKind, p.Error, attempts,
		fmtTime(p.CreatedAt), fmtTime(p.UpdatedAt), fmtTimePtr(p.FinishedAt))
	return err
}

func (r *sqlProblemRepository) Claim(ctx context.Context, problemID, worker string) (bool, error) {
	res, err := r.db.Exec(ctx,
		"UPDATE problems SET owner_worker = ?, updated_at = ? WHERE id = ? AND (owner_worker = '' OR owner_worker IS NULL OR owner_worker = ?)",
		worker, fmtTime(time.Now()), problemID, worker)
	if err != nil {
		return false, errors.Wrapf(err, errors.DatabaseError, "claim problem %s", problemID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, errors.DatabaseError, "claim problem %s", problemID)
	}
	return affected > 0, nil
}

func (r *sqlProblemRepository) Save(ctx context.Context, p *model.Problem, worker string) error {
	attempts, err := marshalAttempts(p.Attempts)
	if err != nil {
		return err
	}
	res, err := r.db.Exec(ctx,
		`UPDATE problems SET title = ?, status = ?, stage = ?, real_id = ?, uploaded_url = ?,
			error_kind = ?, error = ?, attempts = ?, updated_at = ?, finished_at = ?
		 WHERE id = ? AND owner_worker = ?`,
		p.Title, string(p.Status), string(p.Stage), p.RealID, p.UploadedURL,
		p.ErrorKind, p.Error, attempts, fmtTime(p.UpdatedAt), fmtTimePtr(p.FinishedAt),
		p.ID, worker)
	if err != nil {
		return errors.Wrapf(err, errors.DatabaseError, "save problem %s", p.ID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, errors.DatabaseError, "save problem %s", p.ID)
	}
	if affected == 0 {
		return errors.Newf(errors.DatabaseError, "problem %s is no longer owned by %s", p.ID, worker)
	}
	return nil
}

func (r *sqlProblemRepository) Release(ctx context.Context, problemID, worker string) error {
	_, err := r.db.Exec(ctx,
		"UPDATE problems SET owner_worker = '' WHERE id = ? AND owner_worker = ?",
		problemID, worker)
	if err != nil {
		return errors.Wrapf(err, errors.DatabaseError, "release problem %s", problemID)
	}
	return nil
}

func (r *sqlProblemRepository) Get(ctx context.Context, id string) (*model.Problem, error) {
	row := r.db.QueryRow(ctx, "SELECT "+problemColumns+" FROM problems WHERE id = ?", id)
	p, err := scanProblem(row)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, errors.Newf(errors.ProblemNotFound, "problem %s not found", id)
		}
		return nil, errors.Wrapf(err, errors.DatabaseError, "load problem %s", id)
	}
	return p, nil
}

func (r *sqlProblemRepository) ListByTask(ctx context.Context, taskID string) ([]*model.Problem, error) {
	return r.list(ctx, "SELECT "+problemColumns+" FROM problems WHERE task_id = ? ORDER BY created_at, id", taskID)
}

func (r *sqlProblemRepository) Update(ctx context.Context, p *model.Problem) error {
	attempts, err := marshalAttempts(p.Attempts)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx,
		`UPDATE problems SET title = ?, status = ?, stage = ?, owner_worker = ?, real_id = ?,
			uploaded_url = ?, error_kind = ?, error = ?, attempts = ?, updated_at = ?, finished_at = ?
		 WHERE id = ?`,
		p.Title, string(p.Status), string(p.Stage), p.OwnerWorker, p.RealID,
		p.UploadedURL, p.ErrorKind, p.Error, attempts, fmtTime(p.UpdatedAt), fmtTimePtr(p.FinishedAt),
		p.ID)
	if err != nil {
		return errors.Wrapf(err, errors.DatabaseError, "update problem %s", p.ID)
	}
	return nil
}

var nonTerminalStatuses = []interface{}{
	string(model.ProblemStatusPending),
	string(model.ProblemStatusFetching),
	string(model.ProblemStatusGenerating),
	string(model.ProblemStatusUploading),
	string(model.ProblemStatusSolving),
}

const nonTerminalPlaceholders = "(?, ?, ?, ?, ?)"

func (r *sqlProblemRepository) ListUnfinished(ctx context.Context) ([]*model.Problem, error) {
	return r.list(ctx,
		"SELECT "+problemColumns+" FROM problems WHERE status IN "+nonTerminalPlaceholders+" ORDER BY created_at, id",
		nonTerminalStatuses...)
}

func (r *sqlProblemRepository) ReleaseAllOwners(ctx context.Context) error {
	_, err := r.db.Exec(ctx, "UPDATE problems SET owner_worker = '' WHERE owner_worker != ''")
	if err != nil {
		return errors.Wrapf(err, errors.DatabaseError, "release problem owners")
	}
	return nil
}

func (r *sqlProblemRepository) ListStaleRunning(ctx context.Context, cutoff time.Time) ([]*model.Problem, error) {
	args := append([]interface{}{}, nonTerminalStatuses[1:]...) // pending rows are queued, not stale
	args = append(args, fmtTime(cutoff))
	return r.list(ctx,
		"SELECT "+problemColumns+" FROM problems WHERE status IN (?, ?, ?, ?) AND updated_at < ?",
		args...)
}

func (r *sqlProblemRepository) CountByStatus(ctx context.Context) (map[model.ProblemStatus]int64, error) {
	rows, err := r.db.Query(ctx, "SELECT status, COUNT(*) FROM problems GROUP BY status")
	if err != nil {
		return nil, errors.Wrapf(err, errors.DatabaseError, "count problems by status")
	}
	defer rows.Close()
	out := make(map[model.ProblemStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrapf(err, errors.DatabaseError, "scan problem count")
		}
		out[model.ProblemStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, errors.DatabaseError, "iterate problem counts")
	}
	return out, nil
}

func (r *sqlProblemRepository) list(ctx context.Context, query string, args ...interface{}) ([]*model.Problem, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, errors.DatabaseError, "list problems")
	}
	defer rows.Close()
	var out []*model.Problem
	for rows.Next() {
		p, err := scanProblem(rows)
		if err != nil {
			return nil, errors.Wrapf(err, errors.DatabaseError, "scan problem row")
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, errors.DatabaseError, "iterate problems")
	}
	return out, nil
}

func scanProblem(s scanner) (*model.Problem, error) {
	var (
		p        model.Problem
		title    sql.NullString
		status   string
		stage    sql.NullString
		owner    sql.NullString
		realID   sql.NullString
		url      sql.NullString
		errKind  sql.NullString
		errMsg   sql.NullString
		attempts sql.NullString
		created  string
		updated  string
		finished sql.NullString
	)
	if err := s.Scan(&p.ID, &p.TaskID, &p.UserID, &p.RawRef, &p.SourceDomain, &p.ProblemID,
		&p.DisplayID, &title, &status, &stage, &owner, &realID, &url, &errKind, &errMsg,
		&attempts, &created, &updated, &finished); err != nil {
		return nil, err
	}
	p.Title = title.String
	p.Status = model.ProblemStatus(status)
	p.Stage = model.Stage(stage.String)
	p.OwnerWorker = owner.String
	p.RealID = realID.String
	p.UploadedURL = url.String
	p.ErrorKind = errKind.String
	p.Error = errMsg.String
	if attempts.Valid && attempts.String != "" {
		if err := json.Unmarshal([]byte(attempts.String), &p.Attempts); err != nil {
			return nil, err
		}
	}
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	p.FinishedAt = parseTimePtr(finished)
	return &p, nil
}

func marshalAttempts(attempts map[model.Stage]int) (string, error) {
	if len(attempts) == 0 {
		return "", nil
	}
	data, err := json.Marshal(attempts)
	if err != nil {
		return "", errors.Wrapf(err, errors.DatabaseError, "marshal attempts")
	}
	return string(data), nil
}
