package repository

import (
	"context"
	"database/sql"
	"time"

	"ojforge/internal/common/db"
	"ojforge/internal/model"
	"ojforge/pkg/errors"
)

// InviteRepository stores single-use registration codes.
type InviteRepository interface {
	Create(ctx context.Context, code *model.InviteCode) error
	Get(ctx context.Context, code string) (*model.InviteCode, error)
	// Consume marks the code as used by one registration. A code can be
	// consumed exactly once; concurrent registrations race on the guarded
	// update and the loser gets InviteCodeUsed.
	Consume(ctx context.Context, code, usedBy string, at time.Time) error
	List(ctx context.Context) ([]*model.InviteCode, error)
	// Delete removes an unused code. Used codes are kept as audit trail.
	Delete(ctx context.Context, code string) error
}

type sqlInviteRepository struct {
	db db.Database
}

// NewInviteRepository builds the SQL-backed invite code repository.
func NewInviteRepository(database db.Database) InviteRepository {
	return &sqlInviteRepository{db: database}
}

const inviteColumns = "code, created_by, used_by, used_at, created_at"

func (r *sqlInviteRepository) Create(ctx context.Context, code *model.InviteCode) error {
	if code == nil || code.Code == "" {
		return errors.Newf(errors.InvalidParams, "invite code is empty")
	}
	_, err := r.db.Exec(ctx,
		"INSERT INTO invite_codes ("+inviteColumns+") VALUES (?, ?, ?, ?, ?)",
		code.Code, code.CreatedBy, code.UsedBy, fmtTimeNull(code.UsedAt), fmtTime(code.CreatedAt))
	if err != nil {
		if _, dup := db.UniqueViolation(err); dup {
			return errors.Newf(errors.RecordAlreadyExists, "invite code %q already exists", code.Code)
		}
		return errors.Wrapf(err, errors.DatabaseError, "insert invite code")
	}
	return nil
}

func (r *sqlInviteRepository) Get(ctx context.Context, code string) (*model.InviteCode, error) {
	row := r.db.QueryRow(ctx, "SELECT "+inviteColumns+" FROM invite_codes WHERE code = ?", code)
	c, err := scanInvite(row)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, errors.New(errors.InviteCodeInvalid)
		}
		return nil, errors.Wrapf(err, errors.DatabaseError, "load invite code")
	}
	return c, nil
}

func (r *sqlInviteRepository) Consume(ctx context.Context, code, usedBy string, at time.Time) error {
	res, err := r.db.Exec(ctx,
		"UPDATE invite_codes SET used_by = ?, used_at = ? WHERE code = ? AND (used_by IS NULL OR used_by = '')",
		usedBy, fmtTime(at), code)
	if err != nil {
		return errors.Wrapf(err, errors.DatabaseError, "consume invite code")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, errors.DatabaseError, "consume invite code")
	}
	if affected == 0 {
		if _, err := r.Get(ctx, code); err != nil {
			return err
		}
		return errors.New(errors.InviteCodeUsed)
	}
	return nil
}

func (r *sqlInviteRepository) List(ctx context.Context) ([]*model.InviteCode, error) {
	rows, err := r.db.Query(ctx, "SELECT "+inviteColumns+" FROM invite_codes ORDER BY created_at DESC")
	if err != nil {
		return nil, errors.Wrapf(err, errors.DatabaseError, "list invite codes")
	}
	defer rows.Close()
	var out []*model.InviteCode
	for rows.Next() {
		c, err := scanInvite(rows)
		if err != nil {
			return nil, errors.Wrapf(err, errors.DatabaseError, "scan invite code")
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, errors.DatabaseError, "iterate invite codes")
	}
	return out, nil
}

func (r *sqlInviteRepository) Delete(ctx context.Context, code string) error {
	res, err := r.db.Exec(ctx,
		"DELETE FROM invite_codes WHERE code = ? AND (used_by IS NULL OR used_by = '')", code)
	if err != nil {
		return errors.Wrapf(err, errors.DatabaseError, "delete invite code")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, errors.DatabaseError, "delete invite code")
	}
	if affected == 0 {
		c, err := r.Get(ctx, code)
		if err != nil {
			return err
		}
		if c.Used() {
			return errors.New(errors.InviteCodeUsed)
		}
		return errors.New(errors.InviteCodeInvalid)
	}
	return nil
}

func scanInvite(row db.Row) (*model.InviteCode, error) {
	var c model.InviteCode
	var createdBy, usedBy, usedAt sql.NullString
	var created string
	if err := row.Scan(&c.Code, &createdBy, &usedBy, &usedAt, &created); err != nil {
		return nil, err
	}
	c.CreatedBy = createdBy.String
	c.UsedBy = usedBy.String
	if usedAt.Valid && usedAt.String != "" {
		t := parseTime(usedAt.String)
		if !t.IsZero() {
			c.UsedAt = &t
		}
	}
	c.CreatedAt = parseTime(created)
	return &c, nil
}

func fmtTimeNull(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}
