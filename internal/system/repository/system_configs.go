// Package repository persists instance-wide settings in the system_configs
// key-value table: the credential encryption key and the concurrency gate
// table. Values are strings; structured values are stored as JSON.
package repository

import (
	"context"
	"encoding/json"
	"time"

	"ojforge/internal/common/db"
	"ojforge/internal/gate"
	"ojforge/pkg/errors"
)

// Well-known system_configs keys.
const (
	keySecretKey   = "secret_key"
	keyConcurrency = "concurrency"
)

// SystemConfigRepository reads and writes system_configs rows. It doubles
// as the secret key store for cipher bootstrap.
type SystemConfigRepository interface {
	// Get returns the value for key, "" when the key is unset.
	Get(ctx context.Context, key string) (string, error)
	// Set upserts one key.
	Set(ctx context.Context, key, value string) error

	// GetSecretKey and SaveSecretKey implement secret.KeyStore.
	GetSecretKey(ctx context.Context) (string, error)
	SaveSecretKey(ctx context.Context, encoded string) error

	// LoadGateConfig returns the persisted gate table; ok is false when
	// none has been saved yet.
	LoadGateConfig(ctx context.Context) (cfg gate.Config, ok bool, err error)
	SaveGateConfig(ctx context.Context, cfg gate.Config) error
}

type sqlSystemConfigRepository struct {
	db db.Database
}

func NewSystemConfigRepository(database db.Database) SystemConfigRepository {
	return &sqlSystemConfigRepository{db: database}
}

func (r *sqlSystemConfigRepository) Get(ctx context.Context, key string) (string, error) {
	row := r.db.QueryRow(ctx,
		"SELECT config_value FROM system_configs WHERE config_key = ?", key)
	var value string
	if err := row.Scan(&value); err != nil {
		if db.IsNoRows(err) {
			return "", nil
		}
		return "", errors.Wrapf(err, errors.DatabaseError, "read system config %s", key)
	}
	return value, nil
}

func (r *sqlSystemConfigRepository) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return errors.Newf(errors.InvalidParams, "system config key is empty")
	}
	now := fmtTime(time.Now())
	err := r.db.Transaction(ctx, func(tx db.Transaction) error {
		res, err := tx.Exec(ctx,
			"UPDATE system_configs SET config_value = ?, updated_at = ? WHERE config_key = ?",
			value, now, key)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected > 0 {
			return nil
		}
		_, err = tx.Exec(ctx,
			"INSERT INTO system_configs (config_key, config_value, updated_at) VALUES (?, ?, ?)",
			key, value, now)
		return err
	})
	if err != nil {
		return errors.Wrapf(err, errors.DatabaseError, "write system config %s", key)
	}
	return nil
}

func (r *sqlSystemConfigRepository) GetSecretKey(ctx context.Context) (string, error) {
	return r.Get(ctx, keySecretKey)
}

func (r *sqlSystemConfigRepository) SaveSecretKey(ctx context.Context, encoded string) error {
	return r.Set(ctx, keySecretKey, encoded)
}

func (r *sqlSystemConfigRepository) LoadGateConfig(ctx context.Context) (gate.Config, bool, error) {
	raw, err := r.Get(ctx, keyConcurrency)
	if err != nil {
		return gate.Config{}, false, err
	}
	if raw == "" {
		return gate.Config{}, false, nil
	}
	var cfg gate.Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return gate.Config{}, false, errors.Wrapf(err, errors.DatabaseError, "decode persisted gate config")
	}
	cfg.Normalize()
	return cfg, true, nil
}

func (r *sqlSystemConfigRepository) SaveGateConfig(ctx context.Context, cfg gate.Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return errors.Wrapf(err, errors.DatabaseError, "encode gate config")
	}
	return r.Set(ctx, keyConcurrency, string(raw))
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
