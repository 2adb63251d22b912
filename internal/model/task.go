package model

import (
	"strings"
	"time"
)

// TaskStatus is the aggregate status of a batch task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the task reached a final state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Stage identifies one pipeline stage. The short slugs double as workspace
// log names (logs/<stage>.log) and retry targets.
type Stage string

const (
	StageFetch    Stage = "fetch"
	StageGenerate Stage = "gen"
	StageUpload   Stage = "upload"
	StageSolve    Stage = "solve"
)

// AllStages lists stages in pipeline order.
var AllStages = []Stage{StageFetch, StageGenerate, StageUpload, StageSolve}

// Valid reports whether the stage is one of the four pipeline stages.
func (s Stage) Valid() bool {
	switch s {
	case StageFetch, StageGenerate, StageUpload, StageSolve:
		return true
	}
	return false
}

// StageSet records which pipeline stages a task enables.
type StageSet struct {
	Fetch    bool `json:"fetch"`
	Generate bool `json:"gen"`
	Upload   bool `json:"upload"`
	Solve    bool `json:"solve"`
}

// DefaultStageSet enables the full pipeline.
func DefaultStageSet() StageSet {
	return StageSet{Fetch: true, Generate: true, Upload: true, Solve: true}
}

// Has reports whether the given stage is enabled.
func (s StageSet) Has(stage Stage) bool {
	switch stage {
	case StageFetch:
		return s.Fetch
	case StageGenerate:
		return s.Generate
	case StageUpload:
		return s.Upload
	case StageSolve:
		return s.Solve
	}
	return false
}

// Enabled returns the enabled stages in pipeline order.
func (s StageSet) Enabled() []Stage {
	out := make([]Stage, 0, 4)
	for _, stage := range AllStages {
		if s.Has(stage) {
			out = append(out, stage)
		}
	}
	return out
}

// Empty reports whether no stage is enabled.
func (s StageSet) Empty() bool {
	return !s.Fetch && !s.Generate && !s.Upload && !s.Solve
}

// Letters encodes the set compactly for storage, e.g. "FGUS".
func (s StageSet) Letters() string {
	var b strings.Builder
	if s.Fetch {
		b.WriteByte('F')
	}
	if s.Generate {
		b.WriteByte('G')
	}
	if s.Upload {
		b.WriteByte('U')
	}
	if s.Solve {
		b.WriteByte('S')
	}
	return b.String()
}

// StageSetFromLetters decodes the storage form produced by Letters.
func StageSetFromLetters(letters string) StageSet {
	var s StageSet
	for _, r := range letters {
		switch r {
		case 'F', 'f':
			s.Fetch = true
		case 'G', 'g':
			s.Generate = true
		case 'U', 'u':
			s.Upload = true
		case 'S', 's':
			s.Solve = true
		}
	}
	return s
}

// TaskOptions carries per-task knobs that apply to every problem in the
// batch. Zero values fall back to server defaults at execution time.
type TaskOptions struct {
	// SourceAdapter overrides problem-ref detection when set
	SourceAdapter string `json:"source_adapter,omitempty"`

	// CaseCount is the number of test cases to generate
	CaseCount int `json:"case_count,omitempty"`

	// MinCases is the acceptance floor for partial generation
	MinCases int `json:"min_cases,omitempty"`

	// Temperature is the initial LLM sampling temperature
	Temperature float64 `json:"temperature,omitempty"`

	// Provider pins generation and solving to one LLM provider instead of
	// the caller's module bindings
	Provider string `json:"provider,omitempty"`

	// SolveLanguage selects the reference solution language (cpp, python)
	SolveLanguage string `json:"solve_language,omitempty"`

	// ExpandTraining expands training-list refs into their member problems
	ExpandTraining bool `json:"expand_training,omitempty"`
}

// Task is one submitted batch. Problems is populated on detail reads.
type Task struct {
	ID           string      `json:"id"`
	UserID       string      `json:"user_id"`
	Status       TaskStatus  `json:"status"`
	TargetDomain string      `json:"target_domain"`
	Stages       StageSet    `json:"stages"`
	Options      TaskOptions `json:"options"`
	Error        string      `json:"error,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty"`

	Problems []*Problem `json:"problems,omitempty"`
}
