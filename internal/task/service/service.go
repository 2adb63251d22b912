// Package service owns the task lifecycle: it validates and admits new
// batches, fans problems out to pipeline runners, folds per-problem
// outcomes back into the task status, and handles retry, cancel,
// recovery and the stale-row sweep.
package service

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ojforge/internal/adapter"
	"ojforge/internal/event"
	"ojforge/internal/gate"
	"ojforge/internal/llm"
	"ojforge/internal/model"
	"ojforge/internal/probid"
	"ojforge/internal/task/repository"
	"ojforge/internal/workspace"
	"ojforge/pkg/errors"
	pkgrepo "ojforge/pkg/repository"
	"ojforge/pkg/utils/logger"
)

// ProblemRunner executes one problem to a terminal state, or to a drain
// point during shutdown. *pipeline.Runner satisfies it.
type ProblemRunner interface {
	Run(ctx context.Context, t *model.Task, p *model.Problem, admitted func())
	Worker() string
}

// ActivityLogger records audit entries. The user module provides the
// implementation; a nil logger disables auditing.
type ActivityLogger interface {
	Log(ctx context.Context, userID, action, detail string)
}

// Actor identifies the caller for ownership checks.
type Actor struct {
	UserID string
	Admin  bool
}

func (a Actor) owns(t *model.Task) bool {
	return a.Admin || (a.UserID != "" && a.UserID == t.UserID)
}

// Config carries the service tunables. Zero fields take defaults.
type Config struct {
	// MaxBatch caps the number of problems in one create call.
	MaxBatch int

	// StaleAfter is how long a running problem may go without an update
	// before the cleanup sweep fails it.
	StaleAfter time.Duration

	// CleanupInterval is the sweep period.
	CleanupInterval time.Duration
}

func (c *Config) normalize() {
	if c.MaxBatch <= 0 {
		c.MaxBatch = 50
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 5 * time.Minute
	}
}

// Deps bundles the collaborators behind the task service.
type Deps struct {
	Tasks      repository.TaskRepository
	Problems   repository.ProblemRepository
	Runner     ProblemRunner
	Gates      *gate.Manager
	Workspaces *workspace.Store
	Adapters   *adapter.Registry
	Bus        *event.Bus

	// Activity, when set, receives audit entries.
	Activity ActivityLogger

	// Archiver, when set, uploads completed workspaces to object storage.
	Archiver *workspace.Archiver
}

// TaskService orchestrates batch tasks end to end.
type TaskService struct {
	cfg  Config
	deps Deps

	mu       sync.Mutex
	baseCtx  context.Context
	handles  map[string]*taskHandle
	tracked  map[string]struct{}
	draining bool

	// aggMu serializes aggregate recomputation so a task finishes
	// exactly once per run.
	aggMu sync.Mutex

	wg sync.WaitGroup
}

// NewTaskService creates the task service. Call Start before serving.
func NewTaskService(cfg Config, deps Deps) *TaskService {
	cfg.normalize()
	return &TaskService{
		cfg:     cfg,
		deps:    deps,
		handles: make(map[string]*taskHandle),
		tracked: make(map[string]struct{}),
	}
}

// CreateInput is one batch submission.
type CreateInput struct {
	UserID  string
	Target  string
	Refs    []string
	Stages  model.StageSet
	Options model.TaskOptions
}

// CreateTask validates, persists and starts a batch. The returned task
// carries its problem rows in submission order.
func (s *TaskService) CreateTask(ctx context.Context, in CreateInput) (*model.Task, error) {
	if in.UserID == "" {
		return nil, errors.Newf(errors.InvalidParams, "user id is required")
	}
	if len(in.Refs) == 0 {
		return nil, errors.Newf(errors.EmptyBatch, "no problem references given")
	}
	if in.Stages.Empty() {
		return nil, errors.Newf(errors.NoStagesEnabled, "at least one stage must be enabled")
	}
	if in.Options.Provider != "" {
		if _, err := llm.LookupSpec(in.Options.Provider); err != nil {
			return nil, err
		}
	}
	if s.isDraining() {
		return nil, errors.Newf(errors.ServiceUnavailable, "service is shutting down")
	}

	refs, err := s.resolveRefs(ctx, in)
	if err != nil {
		return nil, err
	}
	if len(refs) > s.cfg.MaxBatch {
		return nil, errors.Newf(errors.InvalidParams,
			"batch of %d exceeds the limit of %d problems", len(refs), s.cfg.MaxBatch)
	}
	if err := s.checkAdapters(in, refs); err != nil {
		return nil, err
	}

	now := time.Now()
	t := &model.Task{
		ID:           uuid.NewString(),
		UserID:       in.UserID,
		Status:       model.TaskStatusPending,
		TargetDomain: in.Target,
		Stages:       in.Stages,
		Options:      in.Options,
		CreatedAt:    now,
	}
	problems := make([]*model.Problem, 0, len(refs))
	for i, ref := range refs {
		// Stagger created_at so listings preserve submission order.
		at := now.Add(time.Duration(i) * time.Microsecond)
		problems = append(problems, &model.Problem{
			ID:           uuid.NewString(),
			TaskID:       t.ID,
			UserID:       in.UserID,
			RawRef:       ref.Raw,
			SourceDomain: ref.Domain,
			ProblemID:    ref.ID,
			DisplayID:    ref.Display(),
			Status:       model.ProblemStatusPending,
			CreatedAt:    at,
			UpdatedAt:    at,
		})
	}

	slots, err := s.admitBatch(len(problems))
	if err != nil {
		return nil, err
	}
	if err := s.deps.Tasks.CreateWithProblems(ctx, t, problems); err != nil {
		releaseAll(slots)
		return nil, err
	}
	t.Problems = problems

	s.logActivity(ctx, in.UserID, "task.create",
		fmt.Sprintf("task %s: %d problems, stages %s", t.ID, len(problems), in.Stages.Letters()))
	s.publish(model.ProgressEvent{
		Kind:   model.EventTaskCreated,
		TaskID: t.ID,
		Status: string(t.Status),
		Payload: map[string]interface{}{
			"problem_count": len(problems),
			"target":        in.Target,
		},
	})
	s.dispatch(t, problems, slots)
	return t, nil
}

// resolveRefs normalizes the submitted references, expands training
// lists when asked, and drops duplicates while preserving order.
func (s *TaskService) resolveRefs(ctx context.Context, in CreateInput) ([]probid.Ref, error) {
	refs := make([]probid.Ref, 0, len(in.Refs))
	for _, raw := range in.Refs {
		ref, err := probid.Normalize(raw, in.Options.SourceAdapter)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	if in.Options.ExpandTraining {
		expanded, err := s.expandTraining(ctx, in.UserID, refs)
		if err != nil {
			return nil, err
		}
		refs = expanded
	}

	seen := make(map[string]struct{}, len(refs))
	out := refs[:0]
	for _, ref := range refs {
		key := ref.Domain + "/" + ref.ID
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, ref)
	}
	return out, nil
}

func (s *TaskService) expandTraining(ctx context.Context, userID string, refs []probid.Ref) ([]probid.Ref, error) {
	ctx = adapter.WithUserID(ctx, userID)
	var out []probid.Ref
	for _, ref := range refs {
		lister, err := s.deps.Adapters.TrainingLister(ref.Domain)
		if err != nil {
			return nil, err
		}
		ids, err := lister.ListTrainingIDs(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		for _, raw := range ids {
			member, err := probid.Normalize(raw, ref.Domain)
			if err != nil {
				return nil, err
			}
			out = append(out, member)
		}
	}
	return out, nil
}

// checkAdapters rejects a batch whose enabled stages cannot be served.
func (s *TaskService) checkAdapters(in CreateInput, refs []probid.Ref) error {
	if in.Stages.Fetch {
		checked := make(map[string]struct{}, 2)
		for _, ref := range refs {
			if _, done := checked[ref.Domain]; done {
				continue
			}
			checked[ref.Domain] = struct{}{}
			if _, err := s.deps.Adapters.Fetcher(ref.Domain); err != nil {
				return err
			}
		}
	}
	if in.Stages.Upload || in.Stages.Solve {
		if in.Target == "" {
			return errors.Newf(errors.InvalidParams,
				"target domain is required when upload or solve is enabled")
		}
	}
	if in.Stages.Upload {
		if _, err := s.deps.Adapters.Uploader(in.Target); err != nil {
			return err
		}
	}
	if in.Stages.Solve {
		if _, err := s.deps.Adapters.Submitter(in.Target); err != nil {
			return err
		}
	}
	return nil
}

// admitBatch claims one intake queue slot per problem, all or nothing.
func (s *TaskService) admitBatch(n int) ([]gate.Releaser, error) {
	slots := make([]gate.Releaser, 0, n)
	for i := 0; i < n; i++ {
		slot, err := s.deps.Gates.EnterQueue()
		if err != nil {
			releaseAll(slots)
			return nil, errors.Wrapf(err, errors.QueueFull,
				"only %d of %d queue slots free", i, n)
		}
		slots = append(slots, slot)
	}
	return slots, nil
}

func releaseAll(slots []gate.Releaser) {
	for _, slot := range slots {
		slot()
	}
}

// GetTask loads a task with its problems.
func (s *TaskService) GetTask(ctx context.Context, actor Actor, id string) (*model.Task, error) {
	t, err := s.deps.Tasks.GetWithProblems(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.owns(t) {
		return nil, errors.New(errors.TaskAccessDenied)
	}
	return t, nil
}

// ListTasks pages through tasks. Non-admin callers only see their own.
func (s *TaskService) ListTasks(ctx context.Context, actor Actor, f repository.TaskFilter, opts pkgrepo.ListOptions) ([]*model.Task, int64, error) {
	if !actor.Admin {
		f.UserID = actor.UserID
	}
	return s.deps.Tasks.List(ctx, f, opts)
}

// DeleteTask removes a finished task, its problem rows and their
// workspaces.
func (s *TaskService) DeleteTask(ctx context.Context, actor Actor, id string) error {
	t, err := s.deps.Tasks.GetWithProblems(ctx, id)
	if err != nil {
		return err
	}
	if !actor.owns(t) {
		return errors.New(errors.TaskAccessDenied)
	}
	if !t.Status.IsTerminal() {
		return errors.Newf(errors.TaskStillRunning, "cancel task %s before deleting it", id)
	}
	if err := s.deps.Tasks.Delete(ctx, id); err != nil {
		return err
	}
	for _, p := range t.Problems {
		ws, err := s.deps.Workspaces.Open(p.UserID, p.DisplayID)
		if err != nil {
			continue
		}
		if err := ws.Remove(); err != nil {
			logger.Warn(ctx, "workspace remove failed",
				zap.String("problem_id", p.ID), zap.Error(err))
		}
	}
	s.logActivity(ctx, actor.UserID, "task.delete", fmt.Sprintf("task %s", id))
	return nil
}

// ProblemLogs is the stage-log bundle for one problem.
type ProblemLogs struct {
	ProblemID string              `json:"problem_id"`
	DisplayID string              `json:"display_id"`
	Status    model.ProblemStatus `json:"status"`
	Stages    map[string]string   `json:"stages"`
}

// TaskLogs collects the per-stage workspace logs of every problem.
func (s *TaskService) TaskLogs(ctx context.Context, actor Actor, id string) ([]ProblemLogs, error) {
	t, err := s.deps.Tasks.GetWithProblems(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.owns(t) {
		return nil, errors.New(errors.TaskAccessDenied)
	}
	out := make([]ProblemLogs, 0, len(t.Problems))
	for _, p := range t.Problems {
		entry := ProblemLogs{
			ProblemID: p.ID,
			DisplayID: p.DisplayID,
			Status:    p.Status,
			Stages:    map[string]string{},
		}
		if ws, err := s.deps.Workspaces.Open(p.UserID, p.DisplayID); err == nil {
			if logs, err := ws.Logs(); err == nil {
				entry.Stages = logs
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

// DownloadWorkspaces streams a zip of every problem workspace in the
// task, each under a directory named by its problem id.
func (s *TaskService) DownloadWorkspaces(ctx context.Context, actor Actor, id string, dst io.Writer) error {
	t, err := s.deps.Tasks.GetWithProblems(ctx, id)
	if err != nil {
		return err
	}
	if !actor.owns(t) {
		return errors.New(errors.TaskAccessDenied)
	}
	wss := make([]*workspace.Workspace, 0, len(t.Problems))
	seen := make(map[string]struct{}, len(t.Problems))
	for _, p := range t.Problems {
		key := p.UserID + "/" + p.DisplayID
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		ws, err := s.deps.Workspaces.Open(p.UserID, p.DisplayID)
		if err != nil {
			return err
		}
		wss = append(wss, ws)
	}
	return workspace.SnapshotZipAll(dst, wss)
}

func (s *TaskService) isDraining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

func (s *TaskService) logActivity(ctx context.Context, userID, action, detail string) {
	if s.deps.Activity != nil {
		s.deps.Activity.Log(ctx, userID, action, detail)
	}
}

func (s *TaskService) publish(ev model.ProgressEvent) {
	if s.deps.Bus == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	s.deps.Bus.Publish(ev)
}
