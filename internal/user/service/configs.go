package service

import (
	"context"
	"time"

	"ojforge/internal/adapter"
	"ojforge/internal/llm"
	"ojforge/internal/model"
	"ojforge/internal/user/repository"
	"ojforge/pkg/errors"

	"github.com/google/uuid"
)

// systemOwner keys the instance-wide provider credential rows. Judge
// adapter bags are per user; LLM credentials are shared and admin managed,
// mirroring the split between personal judge cookies and a common API bill.
const systemOwner = "system"

// ConfigService serves judge-adapter credential bags and LLM provider
// settings. It backs both the config endpoints and the pipeline's
// credential lookups, which re-read persistence on every call.
type ConfigService struct {
	configs  repository.ConfigRepository
	adapters *adapter.Registry
	activity *Recorder
}

// NewConfigService wires the config service. activity may be nil.
func NewConfigService(configs repository.ConfigRepository, adapters *adapter.Registry, activity *Recorder) *ConfigService {
	return &ConfigService{configs: configs, adapters: adapters, activity: activity}
}

var knownModules = map[string]bool{
	model.ModuleGeneration: true,
	model.ModuleSolution:   true,
	model.ModuleOCR:        true,
	model.ModuleSummary:    true,
}

// ResolveProvider implements llm.Source. An explicit module binding wins;
// otherwise the first enabled stored provider serving the module is used.
func (s *ConfigService) ResolveProvider(ctx context.Context, userID, module string) (*model.ProviderConfig, error) {
	if !knownModules[module] {
		return nil, errors.Newf(errors.InvalidParams, "unknown endpoint module %q", module)
	}
	bound, err := s.configs.GetModuleProvider(ctx, userID, module)
	if err != nil {
		return nil, err
	}
	if bound != "" {
		spec, err := llm.LookupSpec(bound)
		if err != nil {
			return nil, err
		}
		if !spec.Serves(module) {
			return nil, errors.Newf(errors.LLMNotConfigured, "provider %q does not serve %s", spec.ID, module)
		}
		cfg, err := s.ProviderConfig(ctx, userID, spec.ID)
		if err != nil {
			return nil, err
		}
		if !cfg.Enabled {
			return nil, errors.Newf(errors.LLMNotConfigured, "provider %q is disabled", spec.ID)
		}
		return cfg, nil
	}

	for _, spec := range llm.SpecsForModule(module) {
		cfg, err := s.configs.GetProviderConfig(ctx, systemOwner, spec.ID)
		if err != nil {
			if errors.Is(err, errors.RecordNotFound) {
				continue
			}
			return nil, err
		}
		if cfg.Enabled {
			return cfg, nil
		}
	}
	return nil, errors.Newf(errors.LLMNotConfigured, "no provider configured for %s", module)
}

// ProviderConfig implements llm.Source. Credentials are instance-wide;
// userID identifies the caller but does not scope the lookup. A provider
// without a stored row falls back to its spec defaults, which is enough
// for keyless providers.
func (s *ConfigService) ProviderConfig(ctx context.Context, userID, providerID string) (*model.ProviderConfig, error) {
	spec, err := llm.LookupSpec(providerID)
	if err != nil {
		return nil, err
	}
	cfg, err := s.configs.GetProviderConfig(ctx, systemOwner, spec.ID)
	if err != nil {
		if errors.Is(err, errors.RecordNotFound) {
			return &model.ProviderConfig{UserID: systemOwner, Provider: spec.ID, Enabled: true}, nil
		}
		return nil, err
	}
	return cfg, nil
}

// AdapterConfig implements adapter.CredentialSource. A missing or disabled
// bag reads as empty: adapters that can work anonymously then do, and the
// rest fail with their own auth errors.
func (s *ConfigService) AdapterConfig(ctx context.Context, userID, adapterName string) (map[string]string, error) {
	cfg, err := s.configs.GetAdapterConfig(ctx, userID, adapterName)
	if err != nil {
		if errors.Is(err, errors.AdapterConfigMissing) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	if !cfg.Enabled {
		return map[string]string{}, nil
	}
	return cfg.Config, nil
}

// AdapterStatus is one row of the adapter catalog: the static handle plus
// the calling user's config state. Credential values never appear; only
// which schema fields are set.
type AdapterStatus struct {
	Name         string                `json:"name"`
	DisplayName  string                `json:"display_name"`
	Version      string                `json:"version"`
	Capabilities []adapter.Capability  `json:"capabilities"`
	ConfigSchema []adapter.ConfigField `json:"config_schema"`
	Configured   bool                  `json:"configured"`
	Enabled      bool                  `json:"enabled"`
	FieldsSet    []string              `json:"fields_set,omitempty"`
}

// AdapterStatuses lists registered adapters with the user's config state.
func (s *ConfigService) AdapterStatuses(ctx context.Context, userID string) ([]AdapterStatus, error) {
	saved, err := s.configs.ListAdapterConfigs(ctx, userID)
	if err != nil {
		return nil, err
	}
	byDomain := make(map[string]*model.AdapterConfig, len(saved))
	for _, cfg := range saved {
		byDomain[cfg.Domain] = cfg
	}

	all := s.adapters.All()
	out := make([]AdapterStatus, 0, len(all))
	for _, a := range all {
		st := AdapterStatus{
			Name:         a.Name(),
			DisplayName:  a.DisplayName(),
			Version:      a.Version(),
			Capabilities: a.Capabilities(),
			ConfigSchema: a.ConfigSchema(),
		}
		if cfg, ok := byDomain[a.Name()]; ok {
			st.Configured = true
			st.Enabled = cfg.Enabled
			for _, f := range a.ConfigSchema() {
				if cfg.Config[f.Name] != "" {
					st.FieldsSet = append(st.FieldsSet, f.Name)
				}
			}
		}
		out = append(out, st)
	}
	return out, nil
}

// SaveAdapterConfig validates fields against the adapter's schema and
// upserts the user's bag. Empty password-kind values keep their stored
// value, so a masked form can be resubmitted as-is; empty values of other
// kinds clear the field.
func (s *ConfigService) SaveAdapterConfig(ctx context.Context, userID, domain string, fields map[string]string, enabled bool) (*model.AdapterConfig, error) {
	a, err := s.adapters.Get(domain)
	if err != nil {
		return nil, err
	}
	schema := a.ConfigSchema()
	allowed := make(map[string]adapter.ConfigField, len(schema))
	for _, f := range schema {
		allowed[f.Name] = f
	}
	for name := range fields {
		if _, ok := allowed[name]; !ok {
			return nil, errors.Newf(errors.AdapterConfigInvalid, "unknown field %q for adapter %s", name, domain)
		}
	}

	merged := map[string]string{}
	id := uuid.NewString()
	if existing, err := s.configs.GetAdapterConfig(ctx, userID, domain); err == nil {
		id = existing.ID
		for k, v := range existing.Config {
			merged[k] = v
		}
	} else if !errors.Is(err, errors.AdapterConfigMissing) {
		return nil, err
	}
	for name, value := range fields {
		if value == "" {
			if allowed[name].Kind != adapter.FieldPassword {
				delete(merged, name)
			}
			continue
		}
		merged[name] = value
	}
	for _, f := range schema {
		if f.Required && merged[f.Name] == "" {
			return nil, errors.Newf(errors.AdapterConfigInvalid, "missing required field %q", f.Name)
		}
	}

	cfg := &model.AdapterConfig{
		ID:        id,
		UserID:    userID,
		Domain:    domain,
		Config:    merged,
		Enabled:   enabled,
		UpdatedAt: time.Now(),
	}
	if err := s.configs.SaveAdapterConfig(ctx, cfg); err != nil {
		return nil, err
	}
	s.activity.Log(ctx, userID, "config.adapter", "domain "+domain)
	return cfg, nil
}

// ProviderStatus is one row of the provider catalog: the spec plus the
// stored credential state, key masked down to a boolean.
type ProviderStatus struct {
	llm.Spec
	Configured bool   `json:"configured"`
	Enabled    bool   `json:"enabled"`
	KeySet     bool   `json:"key_set"`
	BaseURL    string `json:"base_url,omitempty"`
	Model      string `json:"model,omitempty"`
}

// ProviderStatuses lists shipped providers with their stored settings and
// the user's module bindings.
func (s *ConfigService) ProviderStatuses(ctx context.Context, userID string) ([]ProviderStatus, []*model.ModuleSetting, error) {
	out := make([]ProviderStatus, 0, len(llm.Specs()))
	for _, spec := range llm.Specs() {
		st := ProviderStatus{Spec: spec, BaseURL: spec.DefaultBaseURL, Model: spec.DefaultModel}
		cfg, err := s.configs.GetProviderConfig(ctx, systemOwner, spec.ID)
		if err == nil {
			st.Configured = true
			st.Enabled = cfg.Enabled
			st.KeySet = cfg.APIKey != ""
			if cfg.BaseURL != "" {
				st.BaseURL = cfg.BaseURL
			}
			if cfg.Model != "" {
				st.Model = cfg.Model
			}
		} else if !errors.Is(err, errors.RecordNotFound) {
			return nil, nil, err
		}
		out = append(out, st)
	}
	bindings, err := s.configs.ListModuleSettings(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	return out, bindings, nil
}

// ProviderInput carries a provider credential update. An empty APIKey
// keeps the stored key.
type ProviderInput struct {
	APIKey  string
	BaseURL string
	Model   string
	Enabled bool
}

// SaveProvider upserts the instance-wide credentials for one provider.
func (s *ConfigService) SaveProvider(ctx context.Context, actorID, providerID string, in ProviderInput) (*model.ProviderConfig, error) {
	spec, err := llm.LookupSpec(providerID)
	if err != nil {
		return nil, err
	}

	key := in.APIKey
	id := uuid.NewString()
	if existing, err := s.configs.GetProviderConfig(ctx, systemOwner, spec.ID); err == nil {
		id = existing.ID
		if key == "" {
			key = existing.APIKey
		}
	} else if !errors.Is(err, errors.RecordNotFound) {
		return nil, err
	}

	cfg := &model.ProviderConfig{
		ID:        id,
		UserID:    systemOwner,
		Provider:  spec.ID,
		APIKey:    key,
		BaseURL:   in.BaseURL,
		Model:     in.Model,
		Enabled:   in.Enabled,
		UpdatedAt: time.Now(),
	}
	if err := s.configs.SaveProviderConfig(ctx, cfg); err != nil {
		return nil, err
	}
	s.activity.Log(ctx, actorID, "config.provider", "provider "+spec.ID)
	return cfg, nil
}

// BindModule points one of the user's endpoint modules at a provider.
func (s *ConfigService) BindModule(ctx context.Context, userID, module, providerID string) error {
	if !knownModules[module] {
		return errors.Newf(errors.InvalidParams, "unknown endpoint module %q", module)
	}
	spec, err := llm.LookupSpec(providerID)
	if err != nil {
		return err
	}
	if !spec.Serves(module) {
		return errors.Newf(errors.InvalidParams, "provider %q does not serve %s", spec.ID, module)
	}
	if !spec.UserSelectable {
		return errors.Newf(errors.InvalidParams, "provider %q is not user selectable", spec.ID)
	}
	setting := &model.ModuleSetting{
		UserID:    userID,
		Module:    module,
		Provider:  spec.ID,
		UpdatedAt: time.Now(),
	}
	if err := s.configs.SetModuleProvider(ctx, setting); err != nil {
		return err
	}
	s.activity.Log(ctx, userID, "config.module", module+" -> "+spec.ID)
	return nil
}
