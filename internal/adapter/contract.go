package adapter

import (
	"context"

	"ojforge/internal/model"
	"ojforge/internal/workspace"
)

// UploadResult is what upload_data returns. RealID may be empty when
// the target judge did not reveal the created id; callers fall back to
// search_by_title.
type UploadResult struct {
	RealID string            `json:"real_id,omitempty"`
	URL    string            `json:"url,omitempty"`
	Meta   map[string]string `json:"meta,omitempty"`
}

// Verdict is the normalized judge outcome.
type Verdict string

const (
	VerdictPending      Verdict = "pending"
	VerdictAccepted     Verdict = "accepted"
	VerdictWrongAnswer  Verdict = "wrong_answer"
	VerdictRuntimeError Verdict = "runtime_error"
	VerdictTimeLimit    Verdict = "time_limit"
	VerdictMemoryLimit  Verdict = "memory_limit"
	VerdictCompileError Verdict = "compile_error"
)

// Terminal reports whether the judge has finished with this submission.
func (v Verdict) Terminal() bool {
	return v != VerdictPending
}

// JudgeResult is one judge_status answer. Score is -1 when the judge
// reports no partial scoring.
type JudgeResult struct {
	Verdict Verdict `json:"verdict"`
	Score   int     `json:"score"`
	Logs    string  `json:"logs,omitempty"`
}

// Fetcher pulls a problem statement from a source judge.
type Fetcher interface {
	FetchProblem(ctx context.Context, pid string) (*model.Statement, error)
}

// Uploader pushes generated test data (and the statement) to a target
// judge, creating or updating the remote problem.
type Uploader interface {
	UploadData(ctx context.Context, ws *workspace.Workspace) (*UploadResult, error)
}

// TitleSearcher finds an existing remote problem by exact title.
// Returns "" without error when nothing matches.
type TitleSearcher interface {
	SearchByTitle(ctx context.Context, title string) (string, error)
}

// Submitter sends a solution and polls its verdict.
type Submitter interface {
	SubmitSolution(ctx context.Context, realID, code, lang string) (string, error)
	JudgeStatus(ctx context.Context, handle string) (*JudgeResult, error)
}

// TrainingLister expands a training (problem list) reference into raw
// problem ids.
type TrainingLister interface {
	ListTrainingIDs(ctx context.Context, ref string) ([]string, error)
}

// SolutionProvider returns an official or community solution for a
// problem, "" when none is available.
type SolutionProvider interface {
	ProvideSolution(ctx context.Context, pid string) (string, error)
}
