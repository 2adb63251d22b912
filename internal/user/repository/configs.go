package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"ojforge/internal/common/db"
	"ojforge/internal/model"
	"ojforge/internal/secret"
	"ojforge/pkg/errors"
)

// ConfigRepository stores judge-adapter credential bags, LLM provider
// credentials and per-user module bindings. Adapter bags and provider API
// keys are encrypted before insert and decrypted on read; the encryption
// boundary of the whole system is this type.
type ConfigRepository interface {
	// SaveAdapterConfig upserts cfg keyed by (user, domain).
	SaveAdapterConfig(ctx context.Context, cfg *model.AdapterConfig) error
	// GetAdapterConfig returns the decrypted bag, AdapterConfigMissing
	// when the user never saved one.
	GetAdapterConfig(ctx context.Context, userID, domain string) (*model.AdapterConfig, error)
	ListAdapterConfigs(ctx context.Context, userID string) ([]*model.AdapterConfig, error)

	// SaveProviderConfig upserts cfg keyed by (user, provider).
	SaveProviderConfig(ctx context.Context, cfg *model.ProviderConfig) error
	// GetProviderConfig returns the decrypted record, RecordNotFound on
	// miss.
	GetProviderConfig(ctx context.Context, ownerID, provider string) (*model.ProviderConfig, error)
	ListProviderConfigs(ctx context.Context, ownerID string) ([]*model.ProviderConfig, error)

	SetModuleProvider(ctx context.Context, s *model.ModuleSetting) error
	// GetModuleProvider returns "" when the user has no binding for the
	// module.
	GetModuleProvider(ctx context.Context, userID, module string) (string, error)
	ListModuleSettings(ctx context.Context, userID string) ([]*model.ModuleSetting, error)
}

type sqlConfigRepository struct {
	db     db.Database
	cipher *secret.Cipher
}

// NewConfigRepository builds the SQL-backed config store. cipher must be
// non-nil; rows written by older deployments without encryption still read
// back through the cipher's plaintext passthrough.
func NewConfigRepository(database db.Database, cipher *secret.Cipher) ConfigRepository {
	return &sqlConfigRepository{db: database, cipher: cipher}
}

func (r *sqlConfigRepository) SaveAdapterConfig(ctx context.Context, cfg *model.AdapterConfig) error {
	if cfg == nil || cfg.UserID == "" || cfg.Domain == "" {
		return errors.Newf(errors.InvalidParams, "adapter config is incomplete")
	}
	blob, err := json.Marshal(cfg.Config)
	if err != nil {
		return errors.Wrapf(err, errors.DatabaseError, "marshal adapter config")
	}
	enc, err := r.cipher.EncryptString(string(blob))
	if err != nil {
		return errors.Wrapf(err, errors.EncryptionFailed, "encrypt adapter config")
	}
	err = r.db.Transaction(ctx, func(tx db.Transaction) error {
		res, err := tx.Exec(ctx,
			"UPDATE adapter_configs SET config = ?, enabled = ?, updated_at = ? WHERE user_id = ? AND domain = ?",
			enc, cfg.Enabled, fmtTime(cfg.UpdatedAt), cfg.UserID, cfg.Domain)
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
			"INSERT INTO adapter_configs (id, user_id, domain, config, enabled, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
			cfg.ID, cfg.UserID, cfg.Domain, enc, cfg.Enabled, fmtTime(cfg.UpdatedAt))
		return err
	})
	if err != nil {
		return errors.Wrapf(err, errors.DatabaseError, "save adapter config %s/%s", cfg.UserID, cfg.Domain)
	}
	return nil
}

func (r *sqlConfigRepository) GetAdapterConfig(ctx context.Context, userID, domain string) (*model.AdapterConfig, error) {
	row := r.db.QueryRow(ctx,
		"SELECT id, user_id, domain, config, enabled, updated_at FROM adapter_configs WHERE user_id = ? AND domain = ?",
		userID, domain)
	cfg, err := r.scanAdapterConfig(row)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, errors.Newf(errors.AdapterConfigMissing, "no %s config for this user", domain)
		}
		return nil, err
	}
	return cfg, nil
}

func (r *sqlConfigRepository) ListAdapterConfigs(ctx context.Context, userID string) ([]*model.AdapterConfig, error) {
	rows, err := r.db.Query(ctx,
		"SELECT id, user_id, domain, config, enabled, updated_at FROM adapter_configs WHERE user_id = ? ORDER BY domain",
		userID)
	if err != nil {
		return nil, errors.Wrapf(err, errors.DatabaseError, "list adapter configs")
	}
	defer rows.Close()
	var out []*model.AdapterConfig
	for rows.Next() {
		cfg, err := r.scanAdapterConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, errors.DatabaseError, "iterate adapter configs")
	}
	return out, nil
}

func (r *sqlConfigRepository) scanAdapterConfig(row db.Row) (*model.AdapterConfig, error) {
	var cfg model.AdapterConfig
	var blob, updated string
	if err := row.Scan(&cfg.ID, &cfg.UserID, &cfg.Domain, &blob, &cfg.Enabled, &updated); err != nil {
		return nil, err
	}
	plain, err := r.cipher.DecryptString(blob)
	if err != nil {
		return nil, errors.Wrapf(err, errors.DecryptionFailed, "decrypt %s config", cfg.Domain)
	}
	cfg.Config = map[string]string{}
	if plain != "" {
		if err := json.Unmarshal([]byte(plain), &cfg.Config); err != nil {
			return nil, errors.Wrapf(err, errors.DatabaseError, "unmarshal %s config", cfg.Domain)
		}
	}
	cfg.UpdatedAt = parseTime(updated)
	return &cfg, nil
}

func (r *sqlConfigRepository) SaveProviderConfig(ctx context.Context, cfg *model.ProviderConfig) error {
	if cfg == nil || cfg.UserID == "" || cfg.Provider == "" {
		return errors.Newf(errors.InvalidParams, "provider config is incomplete")
	}
	key := cfg.APIKey
	if key != "" {
		enc, err := r.cipher.EncryptString(key)
		if err != nil {
			return errors.Wrapf(err, errors.EncryptionFailed, "encrypt provider key")
		}
		key = enc
	}
	err := r.db.Transaction(ctx, func(tx db.Transaction) error {
		res, err := tx.Exec(ctx,
			"UPDATE provider_configs SET api_key = ?, base_url = ?, model = ?, enabled = ?, updated_at = ? WHERE user_id = ? AND provider = ?",
			key, cfg.BaseURL, cfg.Model, cfg.Enabled, fmtTime(cfg.UpdatedAt), cfg.UserID, cfg.Provider)
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
			"INSERT INTO provider_configs (id, user_id, provider, api_key, base_url, model, enabled, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			cfg.ID, cfg.UserID, cfg.Provider, key, cfg.BaseURL, cfg.Model, cfg.Enabled, fmtTime(cfg.UpdatedAt))
		return err
	})
	if err != nil {
		return errors.Wrapf(err, errors.DatabaseError, "save provider config %s/%s", cfg.UserID, cfg.Provider)
	}
	return nil
}

func (r *sqlConfigRepository) GetProviderConfig(ctx context.Context, ownerID, provider string) (*model.ProviderConfig, error) {
	row := r.db.QueryRow(ctx,
		"SELECT id, user_id, provider, api_key, base_url, model, enabled, updated_at FROM provider_configs WHERE user_id = ? AND provider = ?",
		ownerID, provider)
	cfg, err := r.scanProviderConfig(row)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, errors.Newf(errors.RecordNotFound, "no %s credentials stored", provider)
		}
		return nil, err
	}
	return cfg, nil
}

func (r *sqlConfigRepository) ListProviderConfigs(ctx context.Context, ownerID string) ([]*model.ProviderConfig, error) {
	rows, err := r.db.Query(ctx,
		"SELECT id, user_id, provider, api_key, base_url, model, enabled, updated_at FROM provider_configs WHERE user_id = ? ORDER BY provider",
		ownerID)
	if err != nil {
		return nil, errors.Wrapf(err, errors.DatabaseError, "list provider configs")
	}
	defer rows.Close()
	var out []*model.ProviderConfig
	for rows.Next() {
		cfg, err := r.scanProviderConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, errors.DatabaseError, "iterate provider configs")
	}
	return out, nil
}

func (r *sqlConfigRepository) scanProviderConfig(row db.Row) (*model.ProviderConfig, error) {
	var cfg model.ProviderConfig
	var key, baseURL, modelName sql.NullString
	var updated string
	if err := row.Scan(&cfg.ID, &cfg.UserID, &cfg.Provider, &key, &baseURL, &modelName,
		&cfg.Enabled, &updated); err != nil {
		return nil, err
	}
	if key.String != "" {
		plain, err := r.cipher.DecryptString(key.String)
		if err != nil {
			return nil, errors.Wrapf(err, errors.DecryptionFailed, "decrypt %s key", cfg.Provider)
		}
		cfg.APIKey = plain
	}
	cfg.BaseURL = baseURL.String
	cfg.Model = modelName.String
	cfg.UpdatedAt = parseTime(updated)
	return &cfg, nil
}

func (r *sqlConfigRepository) SetModuleProvider(ctx context.Context, s *model.ModuleSetting) error {
	if s == nil || s.UserID == "" || s.Module == "" {
		return errors.Newf(errors.InvalidParams, "module setting is incomplete")
	}
	err := r.db.Transaction(ctx, func(tx db.Transaction) error {
		res, err := tx.Exec(ctx,
			"UPDATE module_settings SET provider = ?, updated_at = ? WHERE user_id = ? AND module = ?",
			s.Provider, fmtTime(s.UpdatedAt), s.UserID, s.Module)
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
			"INSERT INTO module_settings (user_id, module, provider, updated_at) VALUES (?, ?, ?, ?)",
			s.UserID, s.Module, s.Provider, fmtTime(s.UpdatedAt))
		return err
	})
	if err != nil {
		return errors.Wrapf(err, errors.DatabaseError, "save module setting %s/%s", s.UserID, s.Module)
	}
	return nil
}

func (r *sqlConfigRepository) GetModuleProvider(ctx context.Context, userID, module string) (string, error) {
	row := r.db.QueryRow(ctx,
		"SELECT provider FROM module_settings WHERE user_id = ? AND module = ?", userID, module)
	var provider string
	if err := row.Scan(&provider); err != nil {
		if db.IsNoRows(err) {
			return "", nil
		}
		return "", errors.Wrapf(err, errors.DatabaseError, "load module setting")
	}
	return provider, nil
}

func (r *sqlConfigRepository) ListModuleSettings(ctx context.Context, userID string) ([]*model.ModuleSetting, error) {
	rows, err := r.db.Query(ctx,
		"SELECT user_id, module, provider, updated_at FROM module_settings WHERE user_id = ? ORDER BY module",
		userID)
	if err != nil {
		return nil, errors.Wrapf(err, errors.DatabaseError, "list module settings")
	}
	defer rows.Close()
	var out []*model.ModuleSetting
	for rows.Next() {
		var s model.ModuleSetting
		var updated string
		if err := rows.Scan(&s.UserID, &s.Module, &s.Provider, &updated); err != nil {
			return nil, errors.Wrapf(err, errors.DatabaseError, "scan module setting")
		}
		s.UpdatedAt = parseTime(updated)
		out = append(out, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, errors.DatabaseError, "iterate module settings")
	}
	return out, nil
}
