// Package pipeline runs one problem through the four-stage automation
// pipeline: fetch statement, generate test data, upload to the target
// judge, solve and verify. The runner owns the per-problem state machine
// and retry policy; the workspace on disk is the idempotency oracle, so
// a stage whose artifacts already exist is skipped without touching any
// adapter or model.
package pipeline

import (
	"context"
	"net/http"
	"time"

	"ojforge/internal/adapter"
	"ojforge/internal/event"
	"ojforge/internal/gate"
	"ojforge/internal/llm"
	"ojforge/internal/model"
	"ojforge/internal/pipeline/exec"
	"ojforge/internal/workspace"
)

// Completer is the slice of the model pool the stage executors use.
// *llm.Pool satisfies it.
type Completer interface {
	Generate(ctx context.Context, userID string, req llm.Request) (*llm.Completion, error)
	Solve(ctx context.Context, userID string, req llm.Request) (*llm.Completion, error)
	OCR(ctx context.Context, userID string, req llm.Request) (*llm.Completion, error)
}

// Gates is the slice of the gate manager the runner takes permits from.
// *gate.Manager satisfies it. The model pool holds its own llm gates.
type Gates interface {
	AcquireAdmission(ctx context.Context, userID string) (gate.Releaser, error)
	AcquireStage(ctx context.Context, stage model.Stage) (gate.Releaser, error)
	AcquireCompile(ctx context.Context) (gate.Releaser, error)
}

// ProblemStore persists problem rows. Implemented by the task
// repository; every write is guarded by the owner_worker column so two
// workers never race on the same row.
type ProblemStore interface {
	// Claim takes ownership of an unowned, non-terminal row. Returns
	// false without error when another worker holds it.
	Claim(ctx context.Context, problemID, worker string) (bool, error)
	// Save persists the row as long as worker still owns it.
	Save(ctx context.Context, p *model.Problem, worker string) error
	// Release clears the owner, leaving the rest of the row intact.
	Release(ctx context.Context, problemID, worker string) error
}

// Deps bundles the shared collaborators behind a runner.
type Deps struct {
	Store      ProblemStore
	Workspaces *workspace.Store
	Adapters   *adapter.Registry
	LLM        Completer
	Gates      Gates
	Exec       *exec.Runner
	Bus        *event.Bus
	// HTTP fetches statement images for OCR. Nil gets a default client.
	HTTP *http.Client
}

// Config carries the runner's tunables. Zero fields take defaults.
type Config struct {
	// Worker identifies this process in owner_worker claims.
	Worker string

	// TaskTimeout is the wall-clock ceiling for one problem run.
	TaskTimeout time.Duration

	// MaxAttempts bounds automatic retries per stage for transient
	// failures.
	MaxAttempts int

	// RetryBase is the first backoff step; later steps double it.
	RetryBase time.Duration

	// CaseCount and MinCases are the generation target and acceptance
	// floor when the task does not override them.
	CaseCount int
	MinCases  int

	// Temperature is the initial sampling temperature.
	Temperature float64

	// SolveLanguage is the reference solution language when the task
	// does not pick one.
	SolveLanguage string

	// PollInterval and PollTimeout bound judge-status polling.
	PollInterval time.Duration
	PollTimeout  time.Duration

	// TargetBaseURL composes the uploaded problem URL when the target
	// adapter does not return one, as {base}/d/{domain}/p/{real_id}.
	TargetBaseURL string
}

func (c *Config) normalize() {
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 600 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.CaseCount <= 0 {
		c.CaseCount = 10
	}
	if c.MinCases <= 0 {
		c.MinCases = 5
	}
	if c.Temperature <= 0 {
		c.Temperature = 0.7
	}
	if c.SolveLanguage == "" {
		c.SolveLanguage = workspace.LangCpp
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 120 * time.Second
	}
}

// ProblemCtx is the mutable bundle one problem run threads through the
// stage executors.
type ProblemCtx struct {
	Task    *model.Task
	Problem *model.Problem
	WS      *workspace.Workspace

	// Temperature is the live sampling temperature; generation and
	// solve walk it down on quality failures.
	Temperature float64
}

func (pc *ProblemCtx) userID() string { return pc.Problem.UserID }

// target returns the upload/solve adapter name.
func (pc *ProblemCtx) target() string { return pc.Task.TargetDomain }

// provider returns the task's pinned LLM provider, if any. Generation
// and solve calls carry it; OCR always follows the module binding.
func (pc *ProblemCtx) provider() string { return pc.Task.Options.Provider }
