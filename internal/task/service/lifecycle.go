package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ojforge/internal/gate"
	"ojforge/internal/model"
	"ojforge/internal/task/repository"
	"ojforge/pkg/errors"
	pkgrepo "ojforge/pkg/repository"
	"ojforge/pkg/utils/logger"
)

// taskHandle is the cancellation scope for one dispatch round of a task.
// User cancellation passes a coded cause so runners distinguish it from
// a process drain.
type taskHandle struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// Start wires the service to its base context, re-queues work interrupted
// by a previous crash, and begins the stale-row sweep. Cancelling the base
// context drains in-flight runs without writing terminal states.
func (s *TaskService) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
	if err := s.recoverInterrupted(ctx); err != nil {
		return err
	}
	go s.cleanupLoop(ctx)
	return nil
}

// Shutdown waits for in-flight problem runs to reach a save point. The
// base context should already be cancelled by the caller.
func (s *TaskService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Newf(errors.Timeout, "drain incomplete, problem runs still in flight")
	}
}

// dispatch fans problems out to runner goroutines. slots, when non-nil,
// carries one intake-queue releaser per problem, in order; recovery
// dispatches without queue accounting.
func (s *TaskService) dispatch(t *model.Task, problems []*model.Problem, slots []gate.Releaser) {
	s.mu.Lock()
	if s.draining || s.baseCtx == nil {
		s.mu.Unlock()
		releaseAll(slots)
		return
	}
	h := s.handles[t.ID]
	if h == nil {
		ctx, cancel := context.WithCancelCause(s.baseCtx)
		h = &taskHandle{ctx: ctx, cancel: cancel}
		s.handles[t.ID] = h
	}
	for _, p := range problems {
		s.tracked[p.ID] = struct{}{}
	}
	s.mu.Unlock()

	bg := context.WithoutCancel(h.ctx)
	if err := s.deps.Tasks.SetRunning(bg, t.ID, time.Now()); err != nil {
		logger.Error(bg, "task start mark failed", zap.String("task_id", t.ID), zap.Error(err))
	}
	t.Status = model.TaskStatusRunning
	s.publish(model.ProgressEvent{
		Kind:   model.EventTaskStarted,
		TaskID: t.ID,
		Status: string(model.TaskStatusRunning),
	})

	for i, p := range problems {
		var slot gate.Releaser
		if slots != nil {
			slot = slots[i]
		}
		s.wg.Add(1)
		go s.runProblem(h, t, p, slot)
	}
}

func (s *TaskService) runProblem(h *taskHandle, t *model.Task, p *model.Problem, slot gate.Releaser) {
	defer s.wg.Done()
	if slot != nil {
		defer slot()
	}
	defer func() {
		s.mu.Lock()
		delete(s.tracked, p.ID)
		s.mu.Unlock()
	}()

	s.deps.Runner.Run(h.ctx, t, p, slot)

	bg := context.WithoutCancel(h.ctx)
	if p.Status == model.ProblemStatusCompleted {
		s.archiveWorkspace(bg, p)
	}
	if !p.Status.IsTerminal() {
		// Drained for shutdown (or the claim failed); recovery picks
		// the row up on the next boot.
		return
	}
	s.recomputeAggregate(bg, t.ID)
}

// archiveWorkspace pushes the finished workspace to object storage when
// an archiver is configured. Failures only log; the local tree stays.
func (s *TaskService) archiveWorkspace(ctx context.Context, p *model.Problem) {
	if s.deps.Archiver == nil {
		return
	}
	ws, err := s.deps.Workspaces.Open(p.UserID, p.DisplayID)
	if err != nil {
		return
	}
	if err := s.deps.Archiver.Archive(ctx, ws); err != nil {
		logger.Warn(ctx, "workspace archive failed",
			zap.String("problem_id", p.ID), zap.Error(err))
	}
}

// recomputeAggregate folds problem outcomes into the task status once
// every row is terminal. Serialized so a task finishes exactly once.
func (s *TaskService) recomputeAggregate(ctx context.Context, taskID string) {
	s.aggMu.Lock()
	defer s.aggMu.Unlock()

	t, err := s.deps.Tasks.Get(ctx, taskID)
	if err != nil {
		logger.Error(ctx, "aggregate: task load failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	if t.Status.IsTerminal() {
		return
	}
	rows, err := s.deps.Problems.ListByTask(ctx, taskID)
	if err != nil {
		logger.Error(ctx, "aggregate: problem list failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}

	var completed, failed, cancelled int
	for _, p := range rows {
		switch {
		case p.Status == model.ProblemStatusCompleted:
			completed++
		case p.Status == model.ProblemStatusCancelled:
			cancelled++
		case p.Status.IsFailed():
			failed++
		default:
			return // still in flight
		}
	}

	status := model.TaskStatusCompleted
	var msg string
	switch {
	case failed == 0 && cancelled == 0:
	case completed == 0 && cancelled > 0:
		status = model.TaskStatusCancelled
		msg = "cancelled by user"
	default:
		status = model.TaskStatusFailed
		msg = fmt.Sprintf("%d of %d problems failed", failed, len(rows))
		if cancelled > 0 {
			msg = fmt.Sprintf("%s, %d cancelled", msg, cancelled)
		}
	}

	if err := s.deps.Tasks.Finish(ctx, taskID, status, msg, time.Now()); err != nil {
		logger.Error(ctx, "aggregate: task finish failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}

	s.mu.Lock()
	if h := s.handles[taskID]; h != nil {
		h.cancel(nil)
		delete(s.handles, taskID)
	}
	s.mu.Unlock()

	kind := model.EventTaskCompleted
	payload := map[string]interface{}{
		"completed": completed,
		"failed":    failed,
		"cancelled": cancelled,
	}
	if status != model.TaskStatusCompleted {
		kind = model.EventTaskFailed
		payload["reason"] = msg
	}
	s.publish(model.ProgressEvent{Kind: kind, TaskID: taskID, Status: string(status), Payload: payload})
	logger.Info(ctx, "task finished",
		zap.String("task_id", taskID),
		zap.String("status", string(status)),
		zap.Int("completed", completed),
		zap.Int("failed", failed),
		zap.Int("cancelled", cancelled))
}

// RetryTask re-queues the failed problems of a finished task. stage names
// the pipeline stage whose outputs are discarded before the re-run, or
// "all" for a clean redo. Artifacts of other stages stay cached, so an
// upload receipt survives a fetch or gen retry.
func (s *TaskService) RetryTask(ctx context.Context, actor Actor, id, stageName string) (*model.Task, error) {
	if stageName == "" {
		stageName = "all"
	}
	all := false
	var scope model.Stage
	switch stageName {
	case "all":
		all = true
	case string(model.StageFetch), string(model.StageGenerate),
		string(model.StageUpload), string(model.StageSolve):
		scope = model.Stage(stageName)
	default:
		return nil, errors.Newf(errors.InvalidStageName, "unknown stage %q", stageName)
	}

	t, err := s.deps.Tasks.GetWithProblems(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.owns(t) {
		return nil, errors.New(errors.TaskAccessDenied)
	}
	if !t.Status.IsTerminal() {
		return nil, errors.Newf(errors.TaskStillRunning, "task %s is still running", id)
	}

	var eligible []*model.Problem
	for _, p := range t.Problems {
		if p.Status.IsTerminal() && p.Status != model.ProblemStatusCompleted {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		return nil, errors.Newf(errors.TaskNotRetryable, "task %s has no failed problems", id)
	}
	if s.isDraining() {
		return nil, errors.Newf(errors.ServiceUnavailable, "service is shutting down")
	}

	slots, err := s.admitBatch(len(eligible))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for _, p := range eligible {
		if err := s.resetProblem(p, scope, all, now); err != nil {
			releaseAll(slots)
			return nil, err
		}
		if err := s.deps.Problems.Update(ctx, p); err != nil {
			releaseAll(slots)
			return nil, err
		}
	}
	if err := s.deps.Tasks.Reopen(ctx, id); err != nil {
		releaseAll(slots)
		return nil, err
	}
	t.Status = model.TaskStatusRunning
	t.Error = ""
	t.FinishedAt = nil

	s.logActivity(ctx, actor.UserID, "task.retry",
		fmt.Sprintf("task %s, stage %s, %d problems", id, stageName, len(eligible)))
	s.dispatch(t, eligible, slots)
	return t, nil
}

// resetProblem clears the retried stage's outputs and the row's failure
// markers. The reference solution under sol/ is never cleared; a solve
// retry re-submits it.
func (s *TaskService) resetProblem(p *model.Problem, scope model.Stage, all bool, now time.Time) error {
	ws, err := s.deps.Workspaces.Open(p.UserID, p.DisplayID)
	if err != nil {
		return err
	}
	if all || scope == model.StageFetch {
		if err := ws.ClearStatement(); err != nil {
			return err
		}
	}
	if all || scope == model.StageGenerate {
		if err := ws.ClearGeneratedData(); err != nil {
			return err
		}
	}
	if all || scope == model.StageUpload {
		if err := ws.ClearReceipt(); err != nil {
			return err
		}
		p.RealID = ""
		p.UploadedURL = ""
	}
	if all || scope == model.StageSolve {
		if err := ws.ClearSolveRecord(); err != nil {
			return err
		}
	}

	from := scope
	if all {
		from = model.StageFetch
	}
	p.ResetAttemptsFrom(from)
	p.Status = model.ProblemStatusPending
	p.Stage = ""
	p.OwnerWorker = ""
	p.ErrorKind = ""
	p.Error = ""
	p.UpdatedAt = now
	p.FinishedAt = nil
	return nil
}

// CancelTask stops a running task. In-flight problems stop at their next
// suspension point; queued rows are cancelled directly.
func (s *TaskService) CancelTask(ctx context.Context, actor Actor, id string) error {
	t, err := s.deps.Tasks.GetWithProblems(ctx, id)
	if err != nil {
		return err
	}
	if !actor.owns(t) {
		return errors.New(errors.TaskAccessDenied)
	}
	if t.Status.IsTerminal() {
		return errors.Newf(errors.InvalidParams, "task %s already finished", id)
	}

	s.mu.Lock()
	h := s.handles[id]
	var orphans []*model.Problem
	for _, p := range t.Problems {
		if p.Status.IsTerminal() {
			continue
		}
		if _, live := s.tracked[p.ID]; !live {
			orphans = append(orphans, p)
		}
	}
	s.mu.Unlock()

	if h != nil {
		h.cancel(errors.CancelledError())
	}
	now := time.Now()
	for _, p := range orphans {
		p.Status = model.ProblemStatusCancelled
		p.Stage = ""
		p.OwnerWorker = ""
		p.ErrorKind = string(errors.KindCancelled)
		p.Error = "cancelled by user"
		p.UpdatedAt = now
		p.FinishedAt = &now
		if err := s.deps.Problems.Update(ctx, p); err != nil {
			logger.Error(ctx, "cancel: problem update failed",
				zap.String("problem_id", p.ID), zap.Error(err))
		}
	}
	if len(orphans) > 0 {
		// Idempotent: no-ops while tracked rows are still in flight.
		s.recomputeAggregate(context.WithoutCancel(ctx), id)
	}
	s.logActivity(ctx, actor.UserID, "task.cancel", fmt.Sprintf("task %s", id))
	return nil
}

// recoverInterrupted re-queues non-terminal problem rows left behind by a
// crash and finalizes running tasks whose rows all reached terminal
// states before the process died.
func (s *TaskService) recoverInterrupted(ctx context.Context) error {
	if err := s.deps.Problems.ReleaseAllOwners(ctx); err != nil {
		return err
	}
	rows, err := s.deps.Problems.ListUnfinished(ctx)
	if err != nil {
		return err
	}
	byTask := make(map[string][]*model.Problem)
	for _, p := range rows {
		byTask[p.TaskID] = append(byTask[p.TaskID], p)
	}
	for taskID, problems := range byTask {
		t, err := s.deps.Tasks.Get(ctx, taskID)
		if err != nil {
			logger.Error(ctx, "recovery: task load failed", zap.String("task_id", taskID), zap.Error(err))
			continue
		}
		logger.Info(ctx, "recovery: re-queueing interrupted problems",
			zap.String("task_id", taskID), zap.Int("problems", len(problems)))
		s.dispatch(t, problems, nil)
	}
	s.finalizeStranded(ctx, byTask)
	return nil
}

// finalizeStranded finishes running tasks that have no in-flight rows
// left, e.g. when the crash happened between the last problem save and
// the task finish write.
func (s *TaskService) finalizeStranded(ctx context.Context, active map[string][]*model.Problem) {
	var ids []string
	opts := pkgrepo.ListOptions{Limit: 100}
	for {
		page, total, err := s.deps.Tasks.List(ctx, repository.TaskFilter{Status: model.TaskStatusRunning}, opts)
		if err != nil {
			logger.Error(ctx, "recovery: running task list failed", zap.Error(err))
			return
		}
		for _, t := range page {
			ids = append(ids, t.ID)
		}
		opts.Offset += len(page)
		if len(page) == 0 || int64(opts.Offset) >= total {
			break
		}
	}
	for _, id := range ids {
		if _, busy := active[id]; busy {
			continue
		}
		s.recomputeAggregate(ctx, id)
	}
}

func (s *TaskService) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepStale(context.WithoutCancel(ctx))
		}
	}
}

// sweepStale fails running rows that stopped making progress, e.g. rows
// held by a worker that died without releasing them.
func (s *TaskService) sweepStale(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.StaleAfter)
	rows, err := s.deps.Problems.ListStaleRunning(ctx, cutoff)
	if err != nil {
		logger.Error(ctx, "stale sweep failed", zap.Error(err))
		return
	}
	for _, p := range rows {
		s.mu.Lock()
		_, live := s.tracked[p.ID]
		s.mu.Unlock()
		if live {
			continue
		}
		stage := p.Stage
		if !stage.Valid() {
			stage = model.StageFetch
		}
		now := time.Now()
		p.Status = model.FailedStatusFor(stage)
		p.Stage = stage
		p.ErrorKind = string(errors.KindTimeout)
		p.Error = fmt.Sprintf("no progress since %s", p.UpdatedAt.Format(time.RFC3339))
		p.OwnerWorker = ""
		p.UpdatedAt = now
		p.FinishedAt = &now
		if err := s.deps.Problems.Update(ctx, p); err != nil {
			logger.Error(ctx, "stale sweep: problem update failed",
				zap.String("problem_id", p.ID), zap.Error(err))
			continue
		}
		logger.Warn(ctx, "stale problem failed by sweep",
			zap.String("problem_id", p.ID), zap.String("stage", string(stage)))
		s.recomputeAggregate(ctx, p.TaskID)
	}
}
