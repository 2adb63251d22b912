package pipeline

import (
	"context"
	stderrors "errors"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ojforge/internal/adapter"
	"ojforge/internal/model"
	"ojforge/pkg/errors"
	"ojforge/pkg/utils/contextkey"
	"ojforge/pkg/utils/logger"
)

// Runner drives problems through their enabled stages. One Runner serves
// the whole process; each problem run is a goroutine owned by the task
// service.
type Runner struct {
	cfg   Config
	deps  Deps
	locks wsLocks
}

// NewRunner builds a runner, filling zero config fields with defaults.
func NewRunner(cfg Config, deps Deps) *Runner {
	cfg.normalize()
	if cfg.Worker == "" {
		cfg.Worker = uuid.NewString()[:8]
	}
	if deps.HTTP == nil {
		deps.HTTP = &http.Client{Timeout: 30 * time.Second}
	}
	return &Runner{
		cfg:   cfg,
		deps:  deps,
		locks: wsLocks{held: make(map[string]chan struct{})},
	}
}

// Worker returns the owner id used in problem claims.
func (r *Runner) Worker() string { return r.cfg.Worker }

// Run executes one problem to a terminal state, or to a drain point when
// the process is shutting down. admitted, when non-nil, fires once the
// admission permits are held; the task service uses it to free the
// intake queue slot. Runs that land on the same workspace serialize.
func (r *Runner) Run(ctx context.Context, t *model.Task, p *model.Problem, admitted func()) {
	ctx = adapter.WithUserID(ctx, p.UserID)
	ctx = context.WithValue(ctx, contextkey.TaskID, t.ID)
	ctx = context.WithValue(ctx, contextkey.ProblemID, p.ID)

	claimed, err := r.deps.Store.Claim(ctx, p.ID, r.cfg.Worker)
	if err != nil || !claimed {
		if err != nil {
			logger.Error(ctx, "problem claim failed", zap.Error(err))
		}
		if admitted != nil {
			admitted()
		}
		return
	}
	p.OwnerWorker = r.cfg.Worker
	defer func() {
		_ = r.deps.Store.Release(context.WithoutCancel(ctx), p.ID, r.cfg.Worker)
	}()

	ws, err := r.deps.Workspaces.Open(p.UserID, p.DisplayID)
	if err != nil {
		if admitted != nil {
			admitted()
		}
		stage := firstEnabled(t)
		r.failProblem(ctx, &ProblemCtx{Task: t, Problem: p}, stage, err)
		return
	}
	pc := &ProblemCtx{Task: t, Problem: p, WS: ws, Temperature: r.temperature(t)}

	admission, err := r.deps.Gates.AcquireAdmission(ctx, p.UserID)
	if admitted != nil {
		admitted()
	}
	if err != nil {
		r.finishInterrupted(ctx, pc, firstEnabled(t))
		return
	}
	defer admission()

	unlock, err := r.locks.acquire(ctx, p.UserID+"/"+p.DisplayID)
	if err != nil {
		r.finishInterrupted(ctx, pc, firstEnabled(t))
		return
	}
	defer unlock()

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.TaskTimeout)
	defer cancel()
	r.runStages(runCtx, pc)
}

func firstEnabled(t *model.Task) model.Stage {
	enabled := t.Stages.Enabled()
	if len(enabled) == 0 {
		return model.StageFetch
	}
	return enabled[0]
}

// runStages walks the enabled stages in pipeline order, skipping any
// whose artifacts already exist on disk.
func (r *Runner) runStages(ctx context.Context, pc *ProblemCtx) {
	enabled := pc.Task.Stages.Enabled()
	for i, stage := range enabled {
		pct := i * 100 / len(enabled)
		if r.satisfied(pc, stage) {
			_ = pc.WS.AppendLog(stage, "stage satisfied by existing artifacts, skipped")
			r.publish(model.EventTaskProgress, pc, stage, "skipped", pct,
				map[string]interface{}{"skipped": true})
			continue
		}

		pc.Problem.Status = model.RunningStatusFor(stage)
		pc.Problem.Stage = stage
		if err := r.save(ctx, pc); err != nil {
			// Lost ownership or the store is down; recovery picks the
			// row up later.
			logger.Error(ctx, "problem save failed, abandoning run", zap.Error(err))
			return
		}
		r.publish(model.EventTaskProgress, pc, stage, string(pc.Problem.Status), pct, nil)

		if err := r.runStage(ctx, pc, stage); err != nil {
			if ctx.Err() != nil {
				r.finishInterrupted(ctx, pc, stage)
				return
			}
			r.failProblem(ctx, pc, stage, err)
			return
		}
	}
	r.completeProblem(ctx, pc)
}

// runStage executes one stage with the automatic retry budget for
// transient failures. The stage gate is taken per attempt so a permit is
// never held across a backoff sleep.
func (r *Runner) runStage(ctx context.Context, pc *ProblemCtx, stage model.Stage) error {
	ctx = context.WithValue(ctx, contextkey.Stage, string(stage))
	var last error
	for {
		pc.Problem.RecordAttempt(stage)
		attempt := pc.Problem.AttemptCount(stage)

		release, err := r.deps.Gates.AcquireStage(ctx, stage)
		if err != nil {
			return err
		}
		err = r.execute(ctx, pc, stage)
		release()

		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		last = err
		if !errors.IsRetryable(err) {
			return err
		}
		if attempt >= r.cfg.MaxAttempts {
			return errors.StageExhaustedError(string(stage), last)
		}

		wait := r.backoff(attempt)
		_ = pc.WS.AppendLog(stage, "attempt %d failed (%s), retrying in %s: %v",
			attempt, errors.KindOf(err), wait.Round(time.Millisecond), err)
		logger.Warn(ctx, "stage attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
		if err := sleepCtx(ctx, wait); err != nil {
			return last
		}
	}
}

func (r *Runner) execute(ctx context.Context, pc *ProblemCtx, stage model.Stage) error {
	switch stage {
	case model.StageFetch:
		return r.runFetch(ctx, pc)
	case model.StageGenerate:
		return r.runGenerate(ctx, pc)
	case model.StageUpload:
		return r.runUpload(ctx, pc)
	case model.StageSolve:
		return r.runSolve(ctx, pc)
	}
	return errors.Newf(errors.InvalidStageName, "unknown stage %q", stage)
}

// satisfied reports whether a stage's outputs already exist, making the
// stage skippable. The upload probe also surfaces the receipt's real id
// onto the problem row so a skipped upload still reports where the
// problem lives.
func (r *Runner) satisfied(pc *ProblemCtx, stage model.Stage) bool {
	switch stage {
	case model.StageFetch:
		return pc.WS.HasStatement()
	case model.StageGenerate:
		return pc.WS.HasGeneratedData()
	case model.StageUpload:
		rec, err := pc.WS.Receipt(pc.target())
		if err != nil || rec == nil {
			return false
		}
		if pc.Problem.RealID == "" {
			pc.Problem.RealID = rec.RealID
			pc.Problem.UploadedURL = rec.URL
		}
		return true
	case model.StageSolve:
		rec, err := pc.WS.SolveRecordFor(pc.target())
		return err == nil && rec != nil && rec.Verdict == string(adapter.VerdictAccepted)
	}
	return false
}

// backoff doubles the base per attempt (1s, 2s, 4s, ...) with +-25%
// jitter.
func (r *Runner) backoff(attempt int) time.Duration {
	d := r.cfg.RetryBase << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(d)/2+1)) - d/4
	return d + jitter
}

func (r *Runner) completeProblem(ctx context.Context, pc *ProblemCtx) {
	now := time.Now()
	pc.Problem.Status = model.ProblemStatusCompleted
	pc.Problem.ErrorKind = ""
	pc.Problem.Error = ""
	pc.Problem.FinishedAt = &now
	if err := r.save(context.WithoutCancel(ctx), pc); err != nil {
		logger.Error(ctx, "problem completion save failed", zap.Error(err))
	}
	payload := map[string]interface{}{}
	if pc.Problem.RealID != "" {
		payload["real_id"] = pc.Problem.RealID
	}
	if pc.Problem.UploadedURL != "" {
		payload["url"] = pc.Problem.UploadedURL
	}
	logger.Info(ctx, "problem completed", zap.String("real_id", pc.Problem.RealID))
	r.publish(model.EventProblemCompleted, pc, "", string(model.ProblemStatusCompleted), 100, payload)
}

func (r *Runner) failProblem(ctx context.Context, pc *ProblemCtx, stage model.Stage, err error) {
	ctx = context.WithValue(ctx, contextkey.Stage, string(stage))
	kind := errors.KindOf(err)
	now := time.Now()
	pc.Problem.Status = model.FailedStatusFor(stage)
	pc.Problem.Stage = stage
	pc.Problem.ErrorKind = string(kind)
	pc.Problem.Error = err.Error()
	pc.Problem.FinishedAt = &now
	if pc.WS != nil {
		_ = pc.WS.AppendLog(stage, "stage failed (%s): %v", kind, err)
	}
	if err2 := r.save(context.WithoutCancel(ctx), pc); err2 != nil {
		logger.Error(ctx, "problem failure save failed", zap.Error(err2))
	}
	logger.Warn(ctx, "problem failed",
		zap.String("kind", string(kind)),
		zap.Error(err))
	r.publish(model.EventProblemCompleted, pc, stage, string(pc.Problem.Status), 0,
		map[string]interface{}{"error_kind": string(kind), "error": err.Error()})
}

// finishInterrupted resolves a context fault. User cancellation and the
// per-problem timeout reach terminal states; a process drain leaves the
// row in-flight for startup recovery.
func (r *Runner) finishInterrupted(ctx context.Context, pc *ProblemCtx, stage model.Stage) {
	bg := context.WithValue(context.WithoutCancel(ctx), contextkey.Stage, string(stage))
	cause := context.Cause(ctx)
	switch {
	case errors.GetCode(cause) == errors.Cancelled:
		now := time.Now()
		pc.Problem.Status = model.ProblemStatusCancelled
		pc.Problem.Stage = stage
		pc.Problem.ErrorKind = string(errors.KindCancelled)
		pc.Problem.Error = "cancelled by user"
		pc.Problem.FinishedAt = &now
		if err := r.save(bg, pc); err != nil {
			logger.Error(bg, "problem cancel save failed", zap.Error(err))
		}
		r.publish(model.EventProblemCompleted, pc, stage, string(model.ProblemStatusCancelled), 0, nil)
	case stderrors.Is(cause, context.DeadlineExceeded):
		r.failProblem(bg, pc, stage,
			errors.Newf(errors.Timeout, "problem run exceeded %s", r.cfg.TaskTimeout))
	default:
		logger.Info(bg, "problem run drained for shutdown")
	}
}

func (r *Runner) save(ctx context.Context, pc *ProblemCtx) error {
	pc.Problem.UpdatedAt = time.Now()
	return r.deps.Store.Save(ctx, pc.Problem, r.cfg.Worker)
}

func (r *Runner) publish(kind string, pc *ProblemCtx, stage model.Stage, status string, progress int, payload map[string]interface{}) {
	if r.deps.Bus == nil {
		return
	}
	r.deps.Bus.Publish(model.ProgressEvent{
		Kind:      kind,
		TaskID:    pc.Task.ID,
		ProblemID: pc.Problem.ID,
		Stage:     stage,
		Status:    status,
		Progress:  progress,
		Payload:   payload,
		Timestamp: time.Now(),
	})
}

// Per-task option fallbacks.

func (r *Runner) temperature(t *model.Task) float64 {
	if t.Options.Temperature > 0 {
		return t.Options.Temperature
	}
	return r.cfg.Temperature
}

func (r *Runner) caseCount(t *model.Task) int {
	if t.Options.CaseCount > 0 {
		return t.Options.CaseCount
	}
	return r.cfg.CaseCount
}

func (r *Runner) minCases(t *model.Task) int {
	n := r.caseCount(t)
	floor := r.cfg.MinCases
	if t.Options.MinCases > 0 {
		floor = t.Options.MinCases
	}
	if floor > n {
		floor = n
	}
	return floor
}

func (r *Runner) solveLanguage(t *model.Task) string {
	if t.Options.SolveLanguage != "" {
		return t.Options.SolveLanguage
	}
	return r.cfg.SolveLanguage
}

// wsLocks serializes runs that share a workspace directory. Two tasks
// referencing the same problem may hold rows for it concurrently; only
// one may touch the artifact tree at a time.
type wsLocks struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func (l *wsLocks) acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	ch, ok := l.held[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.held[key] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
