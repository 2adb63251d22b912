package judges

import (
	"context"
	"strings"

	"ojforge/internal/adapter"
	"ojforge/internal/model"
	"ojforge/internal/probid"
)

const aicodersAPI = "https://api-tcoj.aicoders.cn"

// AICoders fetches statements from aicoders.cn, another HOJ deployment.
// Fetch only; the account-bound operations live on the judges we upload to.
type AICoders struct {
	hoj *hojClient
}

var _ adapter.Fetcher = (*AICoders)(nil)

func NewAICoders(hoj *hojClient) *AICoders { return &AICoders{hoj: hoj} }

func (a *AICoders) Name() string        { return probid.DomainAICoders }
func (a *AICoders) DisplayName() string { return "AICoders" }
func (a *AICoders) Version() string     { return "1.0.0" }

func (a *AICoders) Capabilities() []adapter.Capability {
	return []adapter.Capability{adapter.CapFetchProblem}
}

func (a *AICoders) ConfigSchema() []adapter.ConfigField { return nil }

func (a *AICoders) SupportsURL(raw string) bool {
	return strings.Contains(strings.ToLower(raw), "aicoders.cn")
}

func (a *AICoders) FetchProblem(ctx context.Context, pid string) (*model.Statement, error) {
	return a.hoj.fetchProblem(ctx, aicodersAPI, pid)
}
