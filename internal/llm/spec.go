// Package llm resolves typed endpoints (generation, solution, ocr,
// summary) to concrete provider clients and runs completions through
// them. Provider credentials are per user; the wire protocol and
// defaults for each provider come from a built-in spec table.
package llm

import (
	"ojforge/internal/model"
	"ojforge/pkg/errors"
)

// Wire protocols a provider can speak.
const (
	WireOpenAI = "openai"
	WireOllama = "ollama"
)

// Spec describes one shipped provider: how to reach it and which
// endpoint modules it may serve.
type Spec struct {
	ID             string   `json:"id"`
	DisplayName    string   `json:"display_name"`
	Wire           string   `json:"-"`
	DefaultBaseURL string   `json:"default_base_url"`
	DefaultModel   string   `json:"default_model"`
	Modules        []string `json:"modules"`
	UserSelectable bool     `json:"user_selectable"`
	RequiresKey    bool     `json:"requires_key"`
}

// Serves reports whether the provider may back the given endpoint module.
func (s Spec) Serves(module string) bool {
	for _, m := range s.Modules {
		if m == module {
			return true
		}
	}
	return false
}

// specs is the shipped provider table. Order is the display order.
var specs = []Spec{
	{
		ID:             "deepseek",
		DisplayName:    "DeepSeek",
		Wire:           WireOpenAI,
		DefaultBaseURL: "https://api.deepseek.com",
		DefaultModel:   "deepseek-chat",
		Modules:        []string{model.ModuleGeneration, model.ModuleSolution, model.ModuleSummary},
		UserSelectable: true,
		RequiresKey:    true,
	},
	{
		ID:             "openai_compatible",
		DisplayName:    "OpenAI Compatible",
		Wire:           WireOpenAI,
		DefaultBaseURL: "",
		DefaultModel:   "",
		Modules:        []string{model.ModuleGeneration, model.ModuleSolution, model.ModuleSummary},
		UserSelectable: true,
		RequiresKey:    true,
	},
	{
		ID:             "ollama",
		DisplayName:    "Ollama",
		Wire:           WireOllama,
		DefaultBaseURL: "http://localhost:11434",
		DefaultModel:   "qwen2.5-coder:14b",
		Modules:        []string{model.ModuleGeneration, model.ModuleSolution},
		UserSelectable: true,
		RequiresKey:    false,
	},
	{
		ID:             "siliconflow",
		DisplayName:    "SiliconFlow OCR",
		Wire:           WireOpenAI,
		DefaultBaseURL: "https://api.siliconflow.cn/v1",
		DefaultModel:   "Qwen/Qwen2.5-VL-72B-Instruct",
		Modules:        []string{model.ModuleOCR},
		UserSelectable: false,
		RequiresKey:    true,
	},
}

// Specs returns the shipped provider table in display order.
func Specs() []Spec {
	out := make([]Spec, len(specs))
	copy(out, specs)
	return out
}

// LookupSpec finds a shipped provider by id.
func LookupSpec(id string) (Spec, error) {
	for _, s := range specs {
		if s.ID == id {
			return s, nil
		}
	}
	return Spec{}, errors.Newf(errors.LLMProviderNotFound, "unknown provider %q", id)
}

// SpecsForModule lists the providers that may serve an endpoint module.
func SpecsForModule(module string) []Spec {
	var out []Spec
	for _, s := range specs {
		if s.Serves(module) {
			out = append(out, s)
		}
	}
	return out
}
