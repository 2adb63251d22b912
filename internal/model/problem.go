package model

import "time"

// ProblemStatus is the per-problem state machine position.
type ProblemStatus string

const (
	ProblemStatusPending    ProblemStatus = "pending"
	ProblemStatusFetching   ProblemStatus = "fetching"
	ProblemStatusGenerating ProblemStatus = "generating"
	ProblemStatusUploading  ProblemStatus = "uploading"
	ProblemStatusSolving    ProblemStatus = "solving"
	ProblemStatusCompleted  ProblemStatus = "completed"
	ProblemStatusFailedF    ProblemStatus = "failed_fetch"
	ProblemStatusFailedG    ProblemStatus = "failed_gen"
	ProblemStatusFailedU    ProblemStatus = "failed_upload"
	ProblemStatusFailedS    ProblemStatus = "failed_solve"
	ProblemStatusCancelled  ProblemStatus = "cancelled"
)

// IsTerminal reports whether the problem reached a final state.
func (s ProblemStatus) IsTerminal() bool {
	switch s {
	case ProblemStatusCompleted, ProblemStatusCancelled,
		ProblemStatusFailedF, ProblemStatusFailedG,
		ProblemStatusFailedU, ProblemStatusFailedS:
		return true
	}
	return false
}

// IsFailed reports whether the problem failed at some stage.
func (s ProblemStatus) IsFailed() bool {
	switch s {
	case ProblemStatusFailedF, ProblemStatusFailedG,
		ProblemStatusFailedU, ProblemStatusFailedS:
		return true
	}
	return false
}

// FailedStage returns the stage a failed_* status points at, "" otherwise.
func (s ProblemStatus) FailedStage() Stage {
	switch s {
	case ProblemStatusFailedF:
		return StageFetch
	case ProblemStatusFailedG:
		return StageGenerate
	case ProblemStatusFailedU:
		return StageUpload
	case ProblemStatusFailedS:
		return StageSolve
	}
	return ""
}

// FailedStatusFor maps a stage to its failure status.
func FailedStatusFor(stage Stage) ProblemStatus {
	switch stage {
	case StageFetch:
		return ProblemStatusFailedF
	case StageGenerate:
		return ProblemStatusFailedG
	case StageUpload:
		return ProblemStatusFailedU
	case StageSolve:
		return ProblemStatusFailedS
	}
	return ProblemStatusFailedF
}

// RunningStatusFor maps a stage to its in-progress status.
func RunningStatusFor(stage Stage) ProblemStatus {
	switch stage {
	case StageFetch:
		return ProblemStatusFetching
	case StageGenerate:
		return ProblemStatusGenerating
	case StageUpload:
		return ProblemStatusUploading
	case StageSolve:
		return ProblemStatusSolving
	}
	return ProblemStatusPending
}

// Problem is one unit of pipeline work inside a task.
type Problem struct {
	ID           string        `json:"id"`
	TaskID       string        `json:"task_id"`
	UserID       string        `json:"user_id"`
	RawRef       string        `json:"raw_ref"`
	SourceDomain string        `json:"source_domain"`
	ProblemID    string        `json:"problem_id"`
	DisplayID    string        `json:"display_id"`
	Title        string        `json:"title,omitempty"`
	Status       ProblemStatus `json:"status"`
	Stage        Stage         `json:"stage,omitempty"`
	OwnerWorker  string        `json:"-"`
	RealID       string        `json:"real_id,omitempty"`
	UploadedURL  string        `json:"uploaded_url,omitempty"`
	ErrorKind    string        `json:"error_kind,omitempty"`
	Error        string        `json:"error,omitempty"`
	Attempts     map[Stage]int `json:"attempts,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
}

// AttemptCount returns the recorded attempts for a stage.
func (p *Problem) AttemptCount(stage Stage) int {
	if p.Attempts == nil {
		return 0
	}
	return p.Attempts[stage]
}

// RecordAttempt increments the attempt counter for a stage.
func (p *Problem) RecordAttempt(stage Stage) {
	if p.Attempts == nil {
		p.Attempts = make(map[Stage]int, 4)
	}
	p.Attempts[stage]++
}

// ResetAttemptsFrom clears counters for the given stage and every stage
// after it, the bookkeeping half of a user-requested retry.
func (p *Problem) ResetAttemptsFrom(stage Stage) {
	if p.Attempts == nil {
		return
	}
	clearing := false
	for _, s := range AllStages {
		if s == stage {
			clearing = true
		}
		if clearing {
			delete(p.Attempts, s)
		}
	}
}
