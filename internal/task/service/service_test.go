package service

import (
	"archive/zip"
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"ojforge/internal/adapter"
	"ojforge/internal/common/db"
	"ojforge/internal/event"
	"ojforge/internal/gate"
	"ojforge/internal/model"
	"ojforge/internal/task/repository"
	"ojforge/internal/workspace"
	"ojforge/pkg/errors"
	pkgrepo "ojforge/pkg/repository"
)

// fakeAdapter satisfies the registry contract for whatever capability
// set a test declares.
type fakeAdapter struct {
	name       string
	caps       []adapter.Capability
	trainingFn func(ctx context.Context, ref string) ([]string, error)
}

func (a *fakeAdapter) Name() string                        { return a.name }
func (a *fakeAdapter) DisplayName() string                 { return a.name }
func (a *fakeAdapter) Version() string                     { return "test" }
func (a *fakeAdapter) Capabilities() []adapter.Capability  { return a.caps }
func (a *fakeAdapter) ConfigSchema() []adapter.ConfigField { return nil }
func (a *fakeAdapter) SupportsURL(string) bool             { return false }

func (a *fakeAdapter) FetchProblem(_ context.Context, pid string) (*model.Statement, error) {
	return &model.Statement{Title: "Problem " + pid}, nil
}

func (a *fakeAdapter) UploadData(context.Context, *workspace.Workspace) (*adapter.UploadResult, error) {
	return &adapter.UploadResult{RealID: "R1"}, nil
}

func (a *fakeAdapter) SubmitSolution(context.Context, string, string, string) (string, error) {
	return "sub-1", nil
}

func (a *fakeAdapter) JudgeStatus(context.Context, string) (*adapter.JudgeResult, error) {
	return &adapter.JudgeResult{Verdict: adapter.VerdictAccepted, Score: 100}, nil
}

func (a *fakeAdapter) ListTrainingIDs(ctx context.Context, ref string) ([]string, error) {
	if a.trainingFn != nil {
		return a.trainingFn(ctx, ref)
	}
	return nil, nil
}

// fakeRunner stands in for the pipeline. It writes terminal rows through
// the real repository so aggregation sees what a runner would leave
// behind, and mirrors the runner's interruption semantics.
type fakeRunner struct {
	store repository.ProblemRepository

	mu      sync.Mutex
	runs    []string
	block   chan struct{}
	outcome func(p *model.Problem) model.ProblemStatus
}

func (r *fakeRunner) Worker() string { return "w-test" }

func (r *fakeRunner) Run(ctx context.Context, t *model.Task, p *model.Problem, admitted func()) {
	if admitted != nil {
		admitted()
	}
	r.mu.Lock()
	r.runs = append(r.runs, p.DisplayID)
	block := r.block
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			cause := context.Cause(ctx)
			if errors.GetCode(cause) != errors.Cancelled {
				return // drain: leave the row in flight
			}
			now := time.Now()
			p.Status = model.ProblemStatusCancelled
			p.ErrorKind = string(errors.KindCancelled)
			p.Error = "cancelled by user"
			p.UpdatedAt = now
			p.FinishedAt = &now
			_ = r.store.Update(context.WithoutCancel(ctx), p)
			return
		}
	}

	status := model.ProblemStatusCompleted
	if r.outcome != nil {
		status = r.outcome(p)
	}
	now := time.Now()
	p.Status = status
	if status != model.ProblemStatusCompleted {
		p.Stage = status.FailedStage()
		p.ErrorKind = string(errors.KindStageExhausted)
		p.Error = "stage failed"
	}
	p.UpdatedAt = now
	p.FinishedAt = &now
	_ = r.store.Update(context.WithoutCancel(ctx), p)
}

func (r *fakeRunner) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.runs...)
}

type rig struct {
	svc      *TaskService
	tasks    repository.TaskRepository
	problems repository.ProblemRepository
	runner   *fakeRunner
	gates    *gate.Manager
	ws       *workspace.Store
	bus      *event.Bus
	cancel   context.CancelFunc
}

func newRig(t *testing.T, gcfg gate.Config, cfg Config) *rig {
	t.Helper()
	database, err := db.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := db.Migrate(context.Background(), database); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	tasks := repository.NewTaskRepository(database)
	problems := repository.NewProblemRepository(database)
	store, err := workspace.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	reg := adapter.NewRegistry()
	for _, a := range []*fakeAdapter{
		{name: "shsoj", caps: []adapter.Capability{adapter.CapFetchProblem, adapter.CapListTraining}},
		{name: "targetoj", caps: []adapter.Capability{
			adapter.CapUploadData, adapter.CapSubmitSolution, adapter.CapJudgeStatus}},
	} {
		if err := reg.Register(a); err != nil {
			t.Fatalf("Register(%s): %v", a.name, err)
		}
	}

	runner := &fakeRunner{store: problems}
	bus := event.NewBus(256)
	t.Cleanup(bus.Close)
	svc := NewTaskService(cfg, Deps{
		Tasks:      tasks,
		Problems:   problems,
		Runner:     runner,
		Gates:      gate.NewManager(gcfg),
		Workspaces: store,
		Adapters:   reg,
		Bus:        bus,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return &rig{
		svc: svc, tasks: tasks, problems: problems, runner: runner,
		gates: svc.deps.Gates, ws: store, bus: bus, cancel: cancel,
	}
}

func defaultInput(refs ...string) CreateInput {
	return CreateInput{
		UserID: "u1",
		Target: "targetoj",
		Refs:   refs,
		Stages: model.DefaultStageSet(),
	}
}

func (r *rig) waitStatus(t *testing.T, taskID string, want model.TaskStatus) *model.Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := r.tasks.Get(context.Background(), taskID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Status == want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := r.tasks.Get(context.Background(), taskID)
	t.Fatalf("task %s never reached %s, last status %s", taskID, want, got.Status)
	return nil
}

func TestCreateTaskRunsToCompletion(t *testing.T) {
	r := newRig(t, gate.DefaultConfig(), Config{})

	sub := r.bus.Subscribe()
	defer r.bus.Unsubscribe(sub)

	task, err := r.svc.CreateTask(context.Background(), defaultInput("1001", "1002"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.Status != model.TaskStatusRunning {
		t.Errorf("returned status = %s, want running", task.Status)
	}
	if len(task.Problems) != 2 {
		t.Fatalf("len(problems) = %d, want 2", len(task.Problems))
	}

	done := r.waitStatus(t, task.ID, model.TaskStatusCompleted)
	if done.StartedAt == nil || done.FinishedAt == nil {
		t.Errorf("timestamps: started %v finished %v", done.StartedAt, done.FinishedAt)
	}

	rows, err := r.problems.ListByTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("ListByTask: %v", err)
	}
	if len(rows) != 2 || rows[0].DisplayID != "1001" || rows[1].DisplayID != "1002" {
		t.Errorf("rows out of submission order: %v, %v", rows[0].DisplayID, rows[1].DisplayID)
	}

	if got := r.runner.ran(); len(got) != 2 {
		t.Errorf("runner ran %v, want both problems", got)
	}

	kinds := map[string]bool{}
	deadline := time.After(time.Second)
	for len(kinds) < 3 {
		select {
		case ev := <-sub.Events():
			kinds[ev.Kind] = true
		case <-deadline:
			t.Fatalf("event kinds seen: %v", kinds)
		}
	}
	for _, want := range []string{model.EventTaskCreated, model.EventTaskStarted, model.EventTaskCompleted} {
		if !kinds[want] {
			t.Errorf("missing event %s", want)
		}
	}
}

func TestCreateTaskValidation(t *testing.T) {
	r := newRig(t, gate.DefaultConfig(), Config{MaxBatch: 2})
	ctx := context.Background()

	cases := []struct {
		name string
		in   CreateInput
		code errors.ErrorCode
	}{
		{"no refs", CreateInput{UserID: "u1", Target: "targetoj", Stages: model.DefaultStageSet()}, errors.EmptyBatch},
		{"no stages", CreateInput{UserID: "u1", Target: "targetoj", Refs: []string{"1"}}, errors.NoStagesEnabled},
		{"no user", CreateInput{Target: "targetoj", Refs: []string{"1"}, Stages: model.DefaultStageSet()}, errors.InvalidParams},
		{"bad ref", defaultInput("???"), errors.InvalidProblemRef},
		{"unknown source", defaultInput("99A"), errors.AdapterNotFound}, // bare contest id maps to an unregistered judge
		{"over batch cap", defaultInput("1", "2", "3"), errors.InvalidParams},
		{"upload without target", CreateInput{UserID: "u1", Refs: []string{"1"}, Stages: model.DefaultStageSet()}, errors.InvalidParams},
	}
	for _, tc := range cases {
		_, err := r.svc.CreateTask(ctx, tc.in)
		if errors.GetCode(err) != tc.code {
			t.Errorf("%s: code = %d (%v), want %d", tc.name, errors.GetCode(err), err, tc.code)
		}
	}

	if total, _ := count(t, r); total != 0 {
		t.Errorf("rejected creates persisted %d tasks", total)
	}
}

func count(t *testing.T, r *rig) (int64, []*model.Task) {
	t.Helper()
	tasks, total, err := r.tasks.List(context.Background(), repository.TaskFilter{}, pkgrepo.ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	return total, tasks
}

func TestCreateTaskQueueFull(t *testing.T) {
	r := newRig(t, gate.Config{QueueSize: 1}, Config{})

	_, err := r.svc.CreateTask(context.Background(), defaultInput("1001", "1002"))
	if errors.GetCode(err) != errors.QueueFull {
		t.Fatalf("err = %v, want QueueFull", err)
	}
	if total, _ := count(t, r); total != 0 {
		t.Errorf("failed admission persisted %d tasks", total)
	}
	// The probe slots must have been released.
	if depth := r.gates.QueueDepth(); depth != 0 {
		t.Errorf("queue depth = %d after rollback, want 0", depth)
	}
}

func TestCancelRunningTask(t *testing.T) {
	r := newRig(t, gate.DefaultConfig(), Config{})
	r.runner.block = make(chan struct{})

	task, err := r.svc.CreateTask(context.Background(), defaultInput("1001", "1002"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	// Wait for both runs to be in flight.
	deadline := time.Now().Add(time.Second)
	for len(r.runner.ran()) < 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	if err := r.svc.CancelTask(context.Background(), Actor{UserID: "u1"}, task.ID); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	done := r.waitStatus(t, task.ID, model.TaskStatusCancelled)
	if done.Error != "cancelled by user" {
		t.Errorf("task error = %q", done.Error)
	}
	rows, _ := r.problems.ListByTask(context.Background(), task.ID)
	for _, p := range rows {
		if p.Status != model.ProblemStatusCancelled {
			t.Errorf("problem %s status = %s, want cancelled", p.DisplayID, p.Status)
		}
	}

	// Finished tasks reject a second cancel.
	if err := r.svc.CancelTask(context.Background(), Actor{UserID: "u1"}, task.ID); err == nil {
		t.Error("cancel of finished task succeeded")
	}
}

func TestCancelChecksOwnership(t *testing.T) {
	r := newRig(t, gate.DefaultConfig(), Config{})
	r.runner.block = make(chan struct{})
	defer close(r.runner.block)

	task, err := r.svc.CreateTask(context.Background(), defaultInput("1001"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	err = r.svc.CancelTask(context.Background(), Actor{UserID: "intruder"}, task.ID)
	if errors.GetCode(err) != errors.TaskAccessDenied {
		t.Errorf("err = %v, want TaskAccessDenied", err)
	}
	if err := r.svc.CancelTask(context.Background(), Actor{UserID: "x", Admin: true}, task.ID); err != nil {
		t.Errorf("admin cancel failed: %v", err)
	}
}

func TestRetryFailedStage(t *testing.T) {
	r := newRig(t, gate.DefaultConfig(), Config{})
	r.runner.outcome = func(p *model.Problem) model.ProblemStatus {
		if p.DisplayID == "1001" {
			return model.ProblemStatusFailedG
		}
		return model.ProblemStatusCompleted
	}

	task, err := r.svc.CreateTask(context.Background(), defaultInput("1001", "1002"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	r.waitStatus(t, task.ID, model.TaskStatusFailed)

	// Seed workspace artifacts for the failed problem: generated data
	// that must be discarded and a receipt that must survive.
	ws, err := r.ws.Open("u1", "1001")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := ws.PutGeneratedCase(1, []byte("1 2\n"), []byte("3\n")); err != nil {
		t.Fatalf("PutGeneratedCase: %v", err)
	}
	if err := ws.PutReceipt(&model.Receipt{Adapter: "targetoj", RealID: "P7", UploadedAt: time.Now()}); err != nil {
		t.Fatalf("PutReceipt: %v", err)
	}

	r.runner.outcome = nil // next run completes
	retried, err := r.svc.RetryTask(context.Background(), Actor{UserID: "u1"}, task.ID, "gen")
	if err != nil {
		t.Fatalf("RetryTask: %v", err)
	}
	if retried.Status != model.TaskStatusRunning {
		t.Errorf("retried status = %s, want running", retried.Status)
	}
	r.waitStatus(t, task.ID, model.TaskStatusCompleted)

	if ws.HasGeneratedData() {
		t.Error("generated data survived a gen retry")
	}
	if rec, err := ws.Receipt("targetoj"); err != nil || rec == nil || rec.RealID != "P7" {
		t.Errorf("receipt lost on gen retry: %v, %v", rec, err)
	}

	// Only the failed problem re-ran.
	runs := r.runner.ran()
	if len(runs) != 3 || runs[2] != "1001" {
		t.Errorf("runs = %v, want the third run to be 1001 only", runs)
	}
}

func TestRetryGuards(t *testing.T) {
	r := newRig(t, gate.DefaultConfig(), Config{})
	r.runner.block = make(chan struct{})

	task, err := r.svc.CreateTask(context.Background(), defaultInput("1001"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := r.svc.RetryTask(context.Background(), Actor{UserID: "u1"}, task.ID, "gen"); errors.GetCode(err) != errors.TaskStillRunning {
		t.Errorf("retry of running task: %v, want TaskStillRunning", err)
	}
	close(r.runner.block)
	r.runner.block = nil
	r.waitStatus(t, task.ID, model.TaskStatusCompleted)

	if _, err := r.svc.RetryTask(context.Background(), Actor{UserID: "u1"}, task.ID, "warp"); errors.GetCode(err) != errors.InvalidStageName {
		t.Errorf("bad stage name: %v, want InvalidStageName", err)
	}
	if _, err := r.svc.RetryTask(context.Background(), Actor{UserID: "u1"}, task.ID, "all"); errors.GetCode(err) != errors.TaskNotRetryable {
		t.Errorf("retry with nothing failed: %v, want TaskNotRetryable", err)
	}
}

func TestDeleteTask(t *testing.T) {
	r := newRig(t, gate.DefaultConfig(), Config{})

	task, err := r.svc.CreateTask(context.Background(), defaultInput("1001"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	r.waitStatus(t, task.ID, model.TaskStatusCompleted)

	ws, _ := r.ws.Open("u1", "1001")
	if err := ws.PutGeneratorScript("print(1)\n"); err != nil {
		t.Fatalf("PutGeneratorScript: %v", err)
	}

	if err := r.svc.DeleteTask(context.Background(), Actor{UserID: "u1"}, task.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if _, err := r.tasks.Get(context.Background(), task.ID); errors.GetCode(err) != errors.TaskNotFound {
		t.Errorf("task survived delete: %v", err)
	}
	if ws.Exists() {
		t.Error("workspace survived delete")
	}
}

func TestDeleteRunningTaskRefused(t *testing.T) {
	r := newRig(t, gate.DefaultConfig(), Config{})
	r.runner.block = make(chan struct{})
	defer close(r.runner.block)

	task, err := r.svc.CreateTask(context.Background(), defaultInput("1001"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	err = r.svc.DeleteTask(context.Background(), Actor{UserID: "u1"}, task.ID)
	if errors.GetCode(err) != errors.TaskStillRunning {
		t.Errorf("err = %v, want TaskStillRunning", err)
	}
}

func TestListTasksScopedToUser(t *testing.T) {
	r := newRig(t, gate.DefaultConfig(), Config{})

	for _, user := range []string{"alice", "alice", "bob"} {
		in := defaultInput("1001")
		in.UserID = user
		if _, err := r.svc.CreateTask(context.Background(), in); err != nil {
			t.Fatalf("CreateTask(%s): %v", user, err)
		}
	}

	_, total, err := r.svc.ListTasks(context.Background(), Actor{UserID: "alice"}, repository.TaskFilter{}, pkgrepo.ListOptions{})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 2 {
		t.Errorf("alice sees %d tasks, want 2", total)
	}
	_, total, err = r.svc.ListTasks(context.Background(), Actor{UserID: "root", Admin: true}, repository.TaskFilter{}, pkgrepo.ListOptions{})
	if err != nil {
		t.Fatalf("ListTasks(admin): %v", err)
	}
	if total != 3 {
		t.Errorf("admin sees %d tasks, want 3", total)
	}
}

func TestTrainingExpansion(t *testing.T) {
	r := newRig(t, gate.DefaultConfig(), Config{})
	src, _ := r.svc.deps.Adapters.Get("shsoj")
	src.(*fakeAdapter).trainingFn = func(_ context.Context, ref string) ([]string, error) {
		if ref != "500" {
			t.Errorf("training ref = %q, want 500", ref)
		}
		return []string{"1001", "1002", "1001"}, nil
	}

	in := defaultInput("500")
	in.Options.ExpandTraining = true
	task, err := r.svc.CreateTask(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if len(task.Problems) != 2 {
		t.Fatalf("expanded to %d problems, want 2 after dedupe", len(task.Problems))
	}
	if task.Problems[0].DisplayID != "1001" || task.Problems[1].DisplayID != "1002" {
		t.Errorf("expanded ids = %s, %s", task.Problems[0].DisplayID, task.Problems[1].DisplayID)
	}
	r.waitStatus(t, task.ID, model.TaskStatusCompleted)
}

func TestRecoveryRequeuesInterruptedRows(t *testing.T) {
	database, err := db.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := db.Migrate(context.Background(), database); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	tasks := repository.NewTaskRepository(database)
	problems := repository.NewProblemRepository(database)

	// A crashed process left one row mid-fetch with a stale owner and
	// one still queued.
	now := time.Now()
	seed := &model.Task{
		ID: "t1", UserID: "u1", Status: model.TaskStatusRunning,
		TargetDomain: "targetoj", Stages: model.DefaultStageSet(), CreatedAt: now,
	}
	p1 := &model.Problem{
		ID: "p1", TaskID: "t1", UserID: "u1", RawRef: "1001", SourceDomain: "shsoj",
		ProblemID: "1001", DisplayID: "1001", Status: model.ProblemStatusFetching,
		Stage: model.StageFetch, OwnerWorker: "w-dead", CreatedAt: now, UpdatedAt: now,
	}
	p2 := &model.Problem{
		ID: "p2", TaskID: "t1", UserID: "u1", RawRef: "1002", SourceDomain: "shsoj",
		ProblemID: "1002", DisplayID: "1002", Status: model.ProblemStatusPending,
		CreatedAt: now.Add(time.Millisecond), UpdatedAt: now.Add(time.Millisecond),
	}
	if err := tasks.CreateWithProblems(context.Background(), seed, []*model.Problem{p1, p2}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	store, err := workspace.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	runner := &fakeRunner{store: problems}
	svc := NewTaskService(Config{}, Deps{
		Tasks: tasks, Problems: problems, Runner: runner,
		Gates: gate.NewManager(gate.DefaultConfig()), Workspaces: store,
		Adapters: adapter.NewRegistry(), Bus: event.NewBus(16),
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := tasks.Get(context.Background(), "t1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Status == model.TaskStatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("recovery never completed task, status %s", got.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := runner.ran(); len(got) != 2 {
		t.Errorf("recovery ran %v, want both rows", got)
	}
}

func TestSweepStaleFailsAbandonedRows(t *testing.T) {
	r := newRig(t, gate.DefaultConfig(), Config{StaleAfter: 10 * time.Minute})
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	seed := &model.Task{
		ID: "t1", UserID: "u1", Status: model.TaskStatusRunning,
		TargetDomain: "targetoj", Stages: model.DefaultStageSet(), CreatedAt: old,
	}
	stale := &model.Problem{
		ID: "p1", TaskID: "t1", UserID: "u1", RawRef: "1001", SourceDomain: "shsoj",
		ProblemID: "1001", DisplayID: "1001", Status: model.ProblemStatusUploading,
		Stage: model.StageUpload, OwnerWorker: "w-dead", CreatedAt: old, UpdatedAt: old,
	}
	if err := r.tasks.CreateWithProblems(ctx, seed, []*model.Problem{stale}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	r.svc.sweepStale(ctx)

	got, err := r.problems.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.ProblemStatusFailedU {
		t.Errorf("status = %s, want failed_upload", got.Status)
	}
	if got.ErrorKind != string(errors.KindTimeout) {
		t.Errorf("error kind = %s, want timeout", got.ErrorKind)
	}
	task, err := r.tasks.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get task: %v", err)
	}
	if task.Status != model.TaskStatusFailed {
		t.Errorf("task status = %s, want failed", task.Status)
	}
}

func TestDownloadWorkspacesZip(t *testing.T) {
	r := newRig(t, gate.DefaultConfig(), Config{})

	task, err := r.svc.CreateTask(context.Background(), defaultInput("1001", "1002"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	r.waitStatus(t, task.ID, model.TaskStatusCompleted)

	for _, pid := range []string{"1001", "1002"} {
		ws, _ := r.ws.Open("u1", pid)
		if err := ws.PutGeneratorScript("print('" + pid + "')\n"); err != nil {
			t.Fatalf("PutGeneratorScript: %v", err)
		}
	}

	var buf bytes.Buffer
	if err := r.svc.DownloadWorkspaces(context.Background(), Actor{UserID: "u1"}, task.ID, &buf); err != nil {
		t.Fatalf("DownloadWorkspaces: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("zip.NewReader: %v", err)
	}
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	for _, want := range []string{"1001/gen/gen.py", "1002/gen/gen.py"} {
		if !names[want] {
			t.Errorf("zip missing %s, has %v", want, names)
		}
	}
}

func TestShutdownDrainsWithoutTerminalWrites(t *testing.T) {
	r := newRig(t, gate.DefaultConfig(), Config{})
	r.runner.block = make(chan struct{})

	task, err := r.svc.CreateTask(context.Background(), defaultInput("1001"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for len(r.runner.ran()) < 1 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	r.cancel() // process shutdown: drain, not user cancel
	sctx, scancel := context.WithTimeout(context.Background(), time.Second)
	defer scancel()
	if err := r.svc.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	rows, err := r.problems.ListByTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("ListByTask: %v", err)
	}
	if rows[0].Status.IsTerminal() {
		t.Errorf("drained row reached terminal status %s", rows[0].Status)
	}
	tk, err := r.tasks.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tk.Status != model.TaskStatusRunning {
		t.Errorf("task status = %s, want running for next-boot recovery", tk.Status)
	}

	// New work is refused while draining.
	if _, err := r.svc.CreateTask(context.Background(), defaultInput("1002")); errors.GetCode(err) != errors.ServiceUnavailable {
		t.Errorf("create during drain: %v, want ServiceUnavailable", err)
	}
}
