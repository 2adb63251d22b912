package model

import "time"

// LLM endpoint modules a user can bind a provider to.
const (
	ModuleGeneration = "generation"
	ModuleSolution   = "solution"
	ModuleOCR        = "ocr"
	ModuleSummary    = "summary"
)

// AdapterConfig is a per-user credential bag for one judge adapter.
// Config holds the decrypted fields; at rest the bag is a single
// encrypted blob.
type AdapterConfig struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Domain    string            `json:"domain"`
	Config    map[string]string `json:"config"`
	Enabled   bool              `json:"enabled"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// ProviderConfig is a per-user credential record for one LLM provider.
// APIKey is decrypted in memory, encrypted at rest.
type ProviderConfig struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Provider  string    `json:"provider"`
	APIKey    string    `json:"-"`
	BaseURL   string    `json:"base_url,omitempty"`
	Model     string    `json:"model,omitempty"`
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ModuleSetting binds one LLM endpoint module to a provider for a user.
type ModuleSetting struct {
	UserID    string    `json:"user_id"`
	Module    string    `json:"module"`
	Provider  string    `json:"provider"`
	UpdatedAt time.Time `json:"updated_at"`
}
