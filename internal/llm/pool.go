package llm

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"ojforge/internal/gate"
	"ojforge/internal/model"
	"ojforge/pkg/errors"
	"ojforge/pkg/utils/logger"
)

// DefaultTimeout caps a single provider round trip.
const DefaultTimeout = 5 * time.Minute

// Source resolves per-user provider bindings and credentials. Backed by
// the user service; decryption of stored keys happens behind it.
type Source interface {
	// ResolveProvider returns the provider bound to an endpoint module
	// for a user.
	ResolveProvider(ctx context.Context, userID, module string) (*model.ProviderConfig, error)
	// ProviderConfig returns a user's stored credentials for one
	// provider, regardless of module bindings.
	ProviderConfig(ctx context.Context, userID, providerID string) (*model.ProviderConfig, error)
}

// Gatekeeper bounds concurrent provider traffic. *gate.Manager
// satisfies it; nil means ungated.
type Gatekeeper interface {
	AcquireLLM(ctx context.Context, provider string) (gate.Releaser, error)
}

// Pool turns endpoint modules into provider calls. Clients are built
// per call from the caller's stored credentials, so a credential update
// takes effect on the next call. Nothing is resolved at construction
// time; a missing OCR key only surfaces when OCR is invoked.
type Pool struct {
	source  Source
	gates   Gatekeeper
	timeout time.Duration

	httpOnce sync.Once
	httpC    *http.Client
}

// PoolConfig tunes the pool.
type PoolConfig struct {
	// Timeout is the per-request ceiling. Zero means DefaultTimeout.
	Timeout time.Duration
}

func NewPool(source Source, gates Gatekeeper, cfg PoolConfig) *Pool {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Pool{source: source, gates: gates, timeout: cfg.Timeout}
}

// httpClient is shared across providers. No client-level timeout; the
// per-call context carries the deadline.
func (p *Pool) httpClient() *http.Client {
	p.httpOnce.Do(func() {
		p.httpC = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				DialContext:         (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
				ForceAttemptHTTP2:   true,
				MaxIdleConns:        32,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	})
	return p.httpC
}

// Generate runs a completion through the user's generation provider.
func (p *Pool) Generate(ctx context.Context, userID string, req Request) (*Completion, error) {
	return p.Call(ctx, userID, model.ModuleGeneration, req)
}

// Solve runs a completion through the user's solution provider.
func (p *Pool) Solve(ctx context.Context, userID string, req Request) (*Completion, error) {
	return p.Call(ctx, userID, model.ModuleSolution, req)
}

// OCR runs an image transcription through the OCR provider.
func (p *Pool) OCR(ctx context.Context, userID string, req Request) (*Completion, error) {
	return p.Call(ctx, userID, model.ModuleOCR, req)
}

// Summarize runs a completion through the user's summary provider.
func (p *Pool) Summarize(ctx context.Context, userID string, req Request) (*Completion, error) {
	return p.Call(ctx, userID, model.ModuleSummary, req)
}

// Call resolves the provider bound to module for userID and runs one
// completion under the llm gates. A req.Provider pin bypasses the
// module binding but still has to serve the module and be enabled.
func (p *Pool) Call(ctx context.Context, userID, module string, req Request) (*Completion, error) {
	var cfg *model.ProviderConfig
	var err error
	if req.Provider != "" {
		cfg, err = p.source.ProviderConfig(ctx, userID, req.Provider)
		if err == nil && !cfg.Enabled {
			err = errors.Newf(errors.LLMNotConfigured, "provider %q is disabled", req.Provider)
		}
	} else {
		cfg, err = p.source.ResolveProvider(ctx, userID, module)
	}
	if err != nil {
		return nil, err
	}
	spec, err := LookupSpec(cfg.Provider)
	if err != nil {
		return nil, err
	}
	if !spec.Serves(module) {
		return nil, errors.Newf(errors.LLMNotConfigured, "provider %q does not serve %s", spec.ID, module)
	}
	client, modelName, err := p.clientFor(spec, cfg)
	if err != nil {
		return nil, err
	}

	if p.gates != nil {
		release, err := p.gates.AcquireLLM(ctx, spec.ID)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	comp, err := client.Complete(callCtx, req)
	if err != nil {
		logger.Warn(ctx, "llm call failed",
			zap.String("provider", spec.ID),
			zap.String("module", module),
			zap.String("model", modelName),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return nil, err
	}
	logger.Debug(ctx, "llm call completed",
		zap.String("provider", spec.ID),
		zap.String("module", module),
		zap.String("model", comp.Model),
		zap.Int("tokens_in", comp.TokensIn),
		zap.Int("tokens_out", comp.TokensOut),
		zap.Duration("latency", comp.Latency))
	return comp, nil
}

// clientFor builds a wire client from a spec and the user's overrides.
func (p *Pool) clientFor(spec Spec, cfg *model.ProviderConfig) (Client, string, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = spec.DefaultBaseURL
	}
	if baseURL == "" {
		return nil, "", errors.Newf(errors.LLMNotConfigured, "provider %q has no base URL", spec.ID)
	}
	modelName := cfg.Model
	if modelName == "" {
		modelName = spec.DefaultModel
	}
	if modelName == "" {
		return nil, "", errors.Newf(errors.LLMNotConfigured, "provider %q has no model", spec.ID)
	}
	if spec.RequiresKey && cfg.APIKey == "" {
		return nil, "", errors.Newf(errors.LLMNotConfigured, "provider %q has no API key", spec.ID)
	}

	switch spec.Wire {
	case WireOpenAI:
		return newOpenAIClient(baseURL, cfg.APIKey, modelName, p.httpClient()), modelName, nil
	case WireOllama:
		c, err := newOllamaClient(baseURL, modelName, p.httpClient())
		if err != nil {
			return nil, "", err
		}
		return c, modelName, nil
	default:
		return nil, "", errors.Newf(errors.InternalServerError, "provider %q has unknown wire %q", spec.ID, spec.Wire)
	}
}

// TestResult reports a provider test.
type TestResult struct {
	Provider  string `json:"provider"`
	Mode      string `json:"mode"`
	Model     string `json:"model"`
	BaseURL   string `json:"base_url"`
	LatencyMS int64  `json:"latency_ms,omitempty"`
	Reply     string `json:"reply,omitempty"`
}

// Test checks a user's provider configuration. With full=false it only
// validates shape: known provider, base URL, model, key when required.
// With full=true it additionally sends one minimal prompt.
func (p *Pool) Test(ctx context.Context, userID, providerID string, full bool) (*TestResult, error) {
	spec, err := LookupSpec(providerID)
	if err != nil {
		return nil, err
	}
	cfg, err := p.source.ProviderConfig(ctx, userID, providerID)
	if err != nil {
		return nil, err
	}
	client, modelName, err := p.clientFor(spec, cfg)
	if err != nil {
		return nil, err
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = spec.DefaultBaseURL
	}
	result := &TestResult{Provider: spec.ID, Mode: "shape", Model: modelName, BaseURL: baseURL}
	if !full {
		return result, nil
	}

	if p.gates != nil {
		release, err := p.gates.AcquireLLM(ctx, spec.ID)
		if err != nil {
			return nil, err
		}
		defer release()
	}
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	comp, err := client.Complete(callCtx, Request{
		Prompt:    "Reply with the single word: pong",
		MaxTokens: 8,
	})
	if err != nil {
		return nil, err
	}
	reply := strings.TrimSpace(comp.Text)
	if len(reply) > 80 {
		reply = reply[:80]
	}
	result.Mode = "live"
	result.LatencyMS = comp.Latency.Milliseconds()
	result.Reply = reply
	return result, nil
}
