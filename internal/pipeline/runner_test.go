package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ojforge/internal/adapter"
	"ojforge/internal/event"
	"ojforge/internal/gate"
	"ojforge/internal/llm"
	"ojforge/internal/model"
	"ojforge/internal/pipeline/exec"
	"ojforge/internal/workspace"
	"ojforge/pkg/errors"
)

// fakeJudge is a scriptable adapter; its capability list controls what
// the registry will resolve.
type fakeJudge struct {
	name string
	caps []adapter.Capability

	mu          sync.Mutex
	fetchCalls  int
	uploadCalls int
	searchCalls int
	submitCalls int
	statusCalls int

	fetchFn   func(ctx context.Context, pid string) (*model.Statement, error)
	uploadFn  func(ctx context.Context, ws *workspace.Workspace) (*adapter.UploadResult, error)
	searchFn  func(ctx context.Context, title string) (string, error)
	submitFn  func(ctx context.Context, realID, code, lang string) (string, error)
	statusFn  func(ctx context.Context, handle string) (*adapter.JudgeResult, error)
	provideFn func(ctx context.Context, pid string) (string, error)
}

func (f *fakeJudge) Name() string                        { return f.name }
func (f *fakeJudge) DisplayName() string                 { return f.name }
func (f *fakeJudge) Version() string                     { return "0.0.1" }
func (f *fakeJudge) Capabilities() []adapter.Capability  { return f.caps }
func (f *fakeJudge) ConfigSchema() []adapter.ConfigField { return nil }
func (f *fakeJudge) SupportsURL(string) bool             { return false }

func (f *fakeJudge) count(n *int) {
	f.mu.Lock()
	*n++
	f.mu.Unlock()
}

func (f *fakeJudge) calls(n *int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *n
}

func (f *fakeJudge) FetchProblem(ctx context.Context, pid string) (*model.Statement, error) {
	f.count(&f.fetchCalls)
	return f.fetchFn(ctx, pid)
}

func (f *fakeJudge) UploadData(ctx context.Context, ws *workspace.Workspace) (*adapter.UploadResult, error) {
	f.count(&f.uploadCalls)
	return f.uploadFn(ctx, ws)
}

func (f *fakeJudge) SearchByTitle(ctx context.Context, title string) (string, error) {
	f.count(&f.searchCalls)
	return f.searchFn(ctx, title)
}

func (f *fakeJudge) SubmitSolution(ctx context.Context, realID, code, lang string) (string, error) {
	f.count(&f.submitCalls)
	return f.submitFn(ctx, realID, code, lang)
}

func (f *fakeJudge) JudgeStatus(ctx context.Context, handle string) (*adapter.JudgeResult, error) {
	f.count(&f.statusCalls)
	return f.statusFn(ctx, handle)
}

func (f *fakeJudge) ProvideSolution(ctx context.Context, pid string) (string, error) {
	return f.provideFn(ctx, pid)
}

// fakeLLM answers Generate/Solve/OCR from scripted functions and counts
// calls.
type fakeLLM struct {
	mu         sync.Mutex
	genCalls   int
	solveCalls int
	ocrCalls   int

	genFn   func(req llm.Request) (*llm.Completion, error)
	solveFn func(req llm.Request) (*llm.Completion, error)
	ocrFn   func(req llm.Request) (*llm.Completion, error)
}

func (f *fakeLLM) Generate(ctx context.Context, userID string, req llm.Request) (*llm.Completion, error) {
	f.mu.Lock()
	f.genCalls++
	f.mu.Unlock()
	return f.genFn(req)
}

func (f *fakeLLM) Solve(ctx context.Context, userID string, req llm.Request) (*llm.Completion, error) {
	f.mu.Lock()
	f.solveCalls++
	f.mu.Unlock()
	return f.solveFn(req)
}

func (f *fakeLLM) OCR(ctx context.Context, userID string, req llm.Request) (*llm.Completion, error) {
	f.mu.Lock()
	f.ocrCalls++
	f.mu.Unlock()
	return f.ocrFn(req)
}

func (f *fakeLLM) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.genCalls + f.solveCalls + f.ocrCalls
}

// memStore is an in-memory ProblemStore with owner semantics.
type memStore struct {
	mu    sync.Mutex
	rows  map[string]model.Problem
	owner map[string]string
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]model.Problem), owner: make(map[string]string)}
}

func (s *memStore) Claim(ctx context.Context, problemID, worker string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.owner[problemID]; ok && cur != worker {
		return false, nil
	}
	s.owner[problemID] = worker
	return true, nil
}

func (s *memStore) Save(ctx context.Context, p *model.Problem, worker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner[p.ID] != worker {
		return errors.Newf(errors.DatabaseError, "row not owned by %s", worker)
	}
	s.rows[p.ID] = *p
	return nil
}

func (s *memStore) Release(ctx context.Context, problemID, worker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner[problemID] == worker {
		delete(s.owner, problemID)
	}
	return nil
}

func (s *memStore) get(id string) (model.Problem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[id]
	return p, ok
}

// generatorReply wraps a shell script as a fenced "python" block; the
// test exec config runs scripts with sh, keeping tests free of a real
// Python and C++ toolchain.
func generatorReply(cases int) string {
	script := ""
	for i := 1; i <= cases; i++ {
		script += fmt.Sprintf("printf '%d %d\\n' > %d.in\n", i, i+1, i)
	}
	return "```python\n" + script + "```"
}

const solutionReply = "```cpp\n#include <iostream>\nint main() { return 0; }\n```"

type rig struct {
	t      *testing.T
	store  *memStore
	wsRoot *workspace.Store
	reg    *adapter.Registry
	llm    *fakeLLM
	gates  *gate.Manager
	bus    *event.Bus
	cfg    Config
	runner *Runner

	source *fakeJudge
	target *fakeJudge
}

func newRig(t *testing.T) *rig {
	t.Helper()
	wsRoot, err := workspace.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("workspace store: %v", err)
	}

	source := &fakeJudge{
		name: "srcoj",
		caps: []adapter.Capability{adapter.CapFetchProblem},
		fetchFn: func(context.Context, string) (*model.Statement, error) {
			return &model.Statement{
				Title:   "A+B Problem",
				Body:    "Read two integers and print their sum.",
				Samples: []model.Sample{{In: "1 2\n", Out: "3\n"}},
				Limits:  model.Limits{TimeMS: 1000, MemoryMB: 256},
			}, nil
		},
	}
	target := &fakeJudge{
		name: "targetoj",
		caps: []adapter.Capability{
			adapter.CapUploadData, adapter.CapSearchByTitle,
			adapter.CapSubmitSolution, adapter.CapJudgeStatus,
		},
		searchFn: func(context.Context, string) (string, error) { return "", nil },
		uploadFn: func(context.Context, *workspace.Workspace) (*adapter.UploadResult, error) {
			return &adapter.UploadResult{RealID: "P100"}, nil
		},
		submitFn: func(context.Context, string, string, string) (string, error) {
			return "sub-1", nil
		},
		statusFn: func(context.Context, string) (*adapter.JudgeResult, error) {
			return &adapter.JudgeResult{Verdict: adapter.VerdictAccepted, Score: 100}, nil
		},
	}

	reg := adapter.NewRegistry()
	for _, a := range []adapter.Adapter{source, target} {
		if err := reg.Register(a); err != nil {
			t.Fatalf("register %s: %v", a.Name(), err)
		}
	}

	fl := &fakeLLM{
		genFn: func(req llm.Request) (*llm.Completion, error) {
			if req.System == answerSystem {
				return &llm.Completion{Text: "3"}, nil
			}
			return &llm.Completion{Text: generatorReply(3)}, nil
		},
		solveFn: func(llm.Request) (*llm.Completion, error) {
			return &llm.Completion{Text: solutionReply}, nil
		},
		ocrFn: func(llm.Request) (*llm.Completion, error) {
			return &llm.Completion{Text: "figure text"}, nil
		},
	}

	rg := &rig{
		t:      t,
		store:  newMemStore(),
		wsRoot: wsRoot,
		reg:    reg,
		llm:    fl,
		bus:    event.NewBus(256),
		source: source,
		target: target,
		cfg: Config{
			Worker:        "w-test",
			TaskTimeout:   10 * time.Second,
			RetryBase:     time.Millisecond,
			CaseCount:     3,
			MinCases:      2,
			Temperature:   0.7,
			PollInterval:  time.Millisecond,
			PollTimeout:   time.Second,
			TargetBaseURL: "http://judge.test",
		},
	}
	rg.remake(gate.DefaultConfig())
	t.Cleanup(rg.bus.Close)
	return rg
}

// remake rebuilds the gate manager and runner, letting a test shrink a
// gate before running.
func (rg *rig) remake(gcfg gate.Config) {
	rg.gates = gate.NewManager(gcfg)
	rg.runner = NewRunner(rg.cfg, Deps{
		Store:      rg.store,
		Workspaces: rg.wsRoot,
		Adapters:   rg.reg,
		LLM:        rg.llm,
		Gates:      rg.gates,
		Exec: exec.New(exec.Config{
			CompileCpp: "cp {src} {bin}",
			RunCpp:     "sh {bin}",
			RunPython:  "sh {src}",
		}),
		Bus: rg.bus,
	})
}

func (rg *rig) task(stages model.StageSet) *model.Task {
	return &model.Task{
		ID:           "t1",
		UserID:       "u1",
		Status:       model.TaskStatusRunning,
		TargetDomain: "targetoj",
		Stages:       stages,
		CreatedAt:    time.Now(),
	}
}

func (rg *rig) problem(id string) *model.Problem {
	return &model.Problem{
		ID:           id,
		TaskID:       "t1",
		UserID:       "u1",
		RawRef:       "1001",
		SourceDomain: "srcoj",
		ProblemID:    "1001",
		DisplayID:    "1001",
		Status:       model.ProblemStatusPending,
		CreatedAt:    time.Now(),
	}
}

func (rg *rig) ws(p *model.Problem) *workspace.Workspace {
	ws, err := rg.wsRoot.Open(p.UserID, p.DisplayID)
	if err != nil {
		rg.t.Fatalf("open workspace: %v", err)
	}
	return ws
}

func (rg *rig) savedStatus(id string) model.ProblemStatus {
	row, ok := rg.store.get(id)
	if !ok {
		rg.t.Fatalf("problem %s never saved", id)
	}
	return row.Status
}

func TestFullPipelineRun(t *testing.T) {
	rg := newRig(t)
	task := rg.task(model.DefaultStageSet())
	p := rg.problem("p1")

	sub := rg.bus.Subscribe()
	defer rg.bus.Unsubscribe(sub)

	rg.runner.Run(context.Background(), task, p, nil)

	row, ok := rg.store.get("p1")
	if !ok {
		t.Fatal("problem never saved")
	}
	if row.Status != model.ProblemStatusCompleted {
		t.Fatalf("status = %s (%s: %s)", row.Status, row.ErrorKind, row.Error)
	}
	if row.RealID != "P100" {
		t.Fatalf("real id = %q", row.RealID)
	}
	if row.UploadedURL != "http://judge.test/d/targetoj/p/P100" {
		t.Fatalf("uploaded url = %q", row.UploadedURL)
	}
	if row.Title != "A+B Problem" {
		t.Fatalf("title = %q", row.Title)
	}
	if row.FinishedAt == nil {
		t.Fatal("finished_at not set")
	}

	ws := rg.ws(p)
	if !ws.HasStatement() || !ws.HasGenerator() || !ws.HasGeneratedData() {
		t.Fatal("workspace artifacts missing")
	}
	cases, err := ws.GeneratedCases()
	if err != nil || len(cases) != 3 {
		t.Fatalf("cases = %d, %v", len(cases), err)
	}
	rec, err := ws.Receipt("targetoj")
	if err != nil || rec == nil || rec.RealID != "P100" {
		t.Fatalf("receipt = %+v, %v", rec, err)
	}
	solveRec, err := ws.SolveRecordFor("targetoj")
	if err != nil || solveRec == nil || solveRec.Verdict != string(adapter.VerdictAccepted) {
		t.Fatalf("solve record = %+v, %v", solveRec, err)
	}

	var completed *model.ProgressEvent
drain:
	for {
		select {
		case ev := <-sub.Events():
			if ev.Kind == model.EventProblemCompleted {
				completed = &ev
			}
		default:
			break drain
		}
	}
	if completed == nil {
		t.Fatal("no problem_completed event")
	}
	if completed.Status != string(model.ProblemStatusCompleted) || completed.Progress != 100 {
		t.Fatalf("completed event = %+v", completed)
	}
}

func TestFullyCachedProblemSkipsEverything(t *testing.T) {
	rg := newRig(t)
	task := rg.task(model.DefaultStageSet())
	p := rg.problem("p1")

	ws := rg.ws(p)
	mustWrite := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	mustWrite(ws.WriteStatement(&model.Statement{Title: "A+B Problem", Body: "x"}))
	mustWrite(ws.PutGeneratedCase(1, []byte("1 2\n"), []byte("3\n")))
	mustWrite(ws.PutReceipt(&model.Receipt{Adapter: "targetoj", RealID: "P55", URL: "http://judge.test/d/targetoj/p/P55", UploadedAt: time.Now()}))
	mustWrite(ws.PutSolveRecord(&workspace.SolveRecord{Adapter: "targetoj", Verdict: string(adapter.VerdictAccepted), SolvedAt: time.Now()}))

	rg.runner.Run(context.Background(), task, p, nil)

	if got := rg.savedStatus("p1"); got != model.ProblemStatusCompleted {
		t.Fatalf("status = %s", got)
	}
	row, _ := rg.store.get("p1")
	if row.RealID != "P55" {
		t.Fatalf("real id = %q, want receipt's", row.RealID)
	}
	if n := rg.source.calls(&rg.source.fetchCalls) + rg.target.calls(&rg.target.uploadCalls) +
		rg.target.calls(&rg.target.searchCalls) + rg.target.calls(&rg.target.submitCalls); n != 0 {
		t.Fatalf("adapter calls = %d, want 0", n)
	}
	if n := rg.llm.totalCalls(); n != 0 {
		t.Fatalf("llm calls = %d, want 0", n)
	}
}

func TestTransientFetchRetriesThenSucceeds(t *testing.T) {
	rg := newRig(t)
	var attempts atomic.Int32
	rg.source.fetchFn = func(context.Context, string) (*model.Statement, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.Newf(errors.AdapterTransient, "connection reset")
		}
		return &model.Statement{Title: "T", Body: "b"}, nil
	}
	task := rg.task(model.StageSet{Fetch: true})
	p := rg.problem("p1")

	rg.runner.Run(context.Background(), task, p, nil)

	if got := rg.savedStatus("p1"); got != model.ProblemStatusCompleted {
		t.Fatalf("status = %s", got)
	}
	if n := rg.source.calls(&rg.source.fetchCalls); n != 3 {
		t.Fatalf("fetch calls = %d", n)
	}
	row, _ := rg.store.get("p1")
	if row.Attempts[model.StageFetch] != 3 {
		t.Fatalf("attempts = %v", row.Attempts)
	}
}

func TestTransientFetchExhaustsBudget(t *testing.T) {
	rg := newRig(t)
	rg.source.fetchFn = func(context.Context, string) (*model.Statement, error) {
		return nil, errors.Newf(errors.AdapterTransient, "connection reset")
	}
	task := rg.task(model.StageSet{Fetch: true})
	p := rg.problem("p1")

	rg.runner.Run(context.Background(), task, p, nil)

	row, _ := rg.store.get("p1")
	if row.Status != model.ProblemStatusFailedF {
		t.Fatalf("status = %s", row.Status)
	}
	if row.ErrorKind != string(errors.KindStageExhausted) {
		t.Fatalf("error kind = %q", row.ErrorKind)
	}
	if n := rg.source.calls(&rg.source.fetchCalls); n != 3 {
		t.Fatalf("fetch calls = %d", n)
	}
}

func TestAuthFailureDoesNotRetry(t *testing.T) {
	rg := newRig(t)
	rg.source.fetchFn = func(context.Context, string) (*model.Statement, error) {
		return nil, errors.Newf(errors.AdapterAuthFailed, "bad cookie")
	}
	task := rg.task(model.StageSet{Fetch: true})
	p := rg.problem("p1")

	rg.runner.Run(context.Background(), task, p, nil)

	row, _ := rg.store.get("p1")
	if row.Status != model.ProblemStatusFailedF || row.ErrorKind != string(errors.KindAuth) {
		t.Fatalf("status = %s, kind = %s", row.Status, row.ErrorKind)
	}
	if n := rg.source.calls(&rg.source.fetchCalls); n != 1 {
		t.Fatalf("fetch calls = %d", n)
	}
}

func TestCancelWhileGateBlocked(t *testing.T) {
	rg := newRig(t)
	gcfg := gate.DefaultConfig()
	gcfg.GlobalTasks = 1
	rg.remake(gcfg)

	// Occupy the only global permit so the run blocks at admission.
	release, err := rg.gates.AcquireAdmission(context.Background(), "other")
	if err != nil {
		t.Fatalf("occupy gate: %v", err)
	}
	defer release()

	ctx, cancel := context.WithCancelCause(context.Background())
	task := rg.task(model.StageSet{Fetch: true})
	p := rg.problem("p1")

	done := make(chan struct{})
	go func() {
		rg.runner.Run(ctx, task, p, nil)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	cancel(errors.CancelledError())
	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("run did not stop within 100ms of cancellation")
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("cancellation took %s", elapsed)
	}
	if got := rg.savedStatus("p1"); got != model.ProblemStatusCancelled {
		t.Fatalf("status = %s", got)
	}
}

func TestShutdownDrainLeavesRowInFlight(t *testing.T) {
	rg := newRig(t)
	gcfg := gate.DefaultConfig()
	gcfg.GlobalTasks = 1
	rg.remake(gcfg)

	release, err := rg.gates.AcquireAdmission(context.Background(), "other")
	if err != nil {
		t.Fatalf("occupy gate: %v", err)
	}
	defer release()

	// Plain cancellation without a cause is a process drain, not a user
	// cancel: the row must not reach a terminal state.
	ctx, cancel := context.WithCancel(context.Background())
	task := rg.task(model.StageSet{Fetch: true})
	p := rg.problem("p1")

	done := make(chan struct{})
	go func() {
		rg.runner.Run(ctx, task, p, nil)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	if _, saved := rg.store.get("p1"); saved {
		t.Fatal("drained run wrote a terminal state")
	}
	rg.store.mu.Lock()
	owner := rg.store.owner["p1"]
	rg.store.mu.Unlock()
	if owner != "" {
		t.Fatalf("owner not released: %q", owner)
	}
}

func TestDuplicateUploadDetectedByTitle(t *testing.T) {
	rg := newRig(t)
	rg.target.searchFn = func(_ context.Context, title string) (string, error) {
		if title != "A+B Problem" {
			t.Errorf("search title = %q", title)
		}
		return "P77", nil
	}
	task := rg.task(model.StageSet{Upload: true})
	p := rg.problem("p1")

	ws := rg.ws(p)
	// Title carries a double space; the pre-check must collapse it.
	if err := ws.WriteStatement(&model.Statement{Title: "A+B  Problem", Body: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := ws.PutGeneratedCase(1, []byte("1 2\n"), []byte("3\n")); err != nil {
		t.Fatal(err)
	}

	rg.runner.Run(context.Background(), task, p, nil)

	row, _ := rg.store.get("p1")
	if row.Status != model.ProblemStatusCompleted || row.RealID != "P77" {
		t.Fatalf("status = %s, real id = %q", row.Status, row.RealID)
	}
	if n := rg.target.calls(&rg.target.uploadCalls); n != 0 {
		t.Fatalf("upload calls = %d, want 0", n)
	}
	rec, err := ws.Receipt("targetoj")
	if err != nil || rec == nil || rec.RealID != "P77" {
		t.Fatalf("receipt = %+v, %v", rec, err)
	}
}

func TestUploadFallsBackToSecondSearch(t *testing.T) {
	rg := newRig(t)
	var searches atomic.Int32
	rg.target.searchFn = func(context.Context, string) (string, error) {
		if searches.Add(1) == 1 {
			return "", nil
		}
		return "P88", nil
	}
	rg.target.uploadFn = func(context.Context, *workspace.Workspace) (*adapter.UploadResult, error) {
		return &adapter.UploadResult{}, nil
	}
	task := rg.task(model.StageSet{Upload: true})
	p := rg.problem("p1")

	ws := rg.ws(p)
	if err := ws.WriteStatement(&model.Statement{Title: "T", Body: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := ws.PutGeneratedCase(1, []byte("1\n"), []byte("1\n")); err != nil {
		t.Fatal(err)
	}

	rg.runner.Run(context.Background(), task, p, nil)

	row, _ := rg.store.get("p1")
	if row.Status != model.ProblemStatusCompleted || row.RealID != "P88" {
		t.Fatalf("status = %s, real id = %q", row.Status, row.RealID)
	}
	if n := rg.target.calls(&rg.target.uploadCalls); n != 1 {
		t.Fatalf("upload calls = %d", n)
	}
	if got := searches.Load(); got != 2 {
		t.Fatalf("search calls = %d", got)
	}
}

func TestUploadWithoutAnyIDFails(t *testing.T) {
	rg := newRig(t)
	rg.target.uploadFn = func(context.Context, *workspace.Workspace) (*adapter.UploadResult, error) {
		return &adapter.UploadResult{}, nil
	}
	task := rg.task(model.StageSet{Upload: true})
	p := rg.problem("p1")

	ws := rg.ws(p)
	if err := ws.WriteStatement(&model.Statement{Title: "T", Body: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := ws.PutGeneratedCase(1, []byte("1\n"), []byte("1\n")); err != nil {
		t.Fatal(err)
	}

	rg.runner.Run(context.Background(), task, p, nil)

	row, _ := rg.store.get("p1")
	if row.Status != model.ProblemStatusFailedU {
		t.Fatalf("status = %s", row.Status)
	}
	if row.ErrorKind != string(errors.KindUploadNoID) {
		t.Fatalf("error kind = %q", row.ErrorKind)
	}
}

func TestSolveWrongAnswerVerdict(t *testing.T) {
	rg := newRig(t)
	rg.target.statusFn = func(context.Context, string) (*adapter.JudgeResult, error) {
		return &adapter.JudgeResult{Verdict: adapter.VerdictWrongAnswer, Score: 40}, nil
	}
	task := rg.task(model.StageSet{Solve: true})
	p := rg.problem("p1")

	ws := rg.ws(p)
	if err := ws.WriteStatement(&model.Statement{Title: "T", Body: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := ws.PutReceipt(&model.Receipt{Adapter: "targetoj", RealID: "P9", UploadedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := ws.PutSolution(workspace.LangPython, "print(1)\n"); err != nil {
		t.Fatal(err)
	}

	rg.runner.Run(context.Background(), task, p, nil)

	row, _ := rg.store.get("p1")
	if row.Status != model.ProblemStatusFailedS {
		t.Fatalf("status = %s", row.Status)
	}
	if row.ErrorKind != string(errors.KindSolveWrongAnswer) {
		t.Fatalf("error kind = %q", row.ErrorKind)
	}
	if rec, _ := ws.SolveRecordFor("targetoj"); rec != nil {
		t.Fatal("failed verdict must not write a solve record")
	}
}

func TestGenerateLowersTemperatureOnFailures(t *testing.T) {
	rg := newRig(t)
	var temps []float64
	var mu sync.Mutex
	var generatorCall int
	rg.llm.genFn = func(req llm.Request) (*llm.Completion, error) {
		if req.System == answerSystem {
			return &llm.Completion{Text: "3"}, nil
		}
		mu.Lock()
		temps = append(temps, req.Temperature)
		generatorCall++
		call := generatorCall
		mu.Unlock()
		switch call {
		case 1:
			// No code block at all: validation failure, -0.15.
			return &llm.Completion{Text: "I cannot help with that."}, nil
		case 2:
			// Script that exits nonzero: runtime failure, -0.2.
			return &llm.Completion{Text: "```python\nexit 1\n```"}, nil
		default:
			return &llm.Completion{Text: generatorReply(3)}, nil
		}
	}
	task := rg.task(model.StageSet{Fetch: true, Generate: true})
	p := rg.problem("p1")

	rg.runner.Run(context.Background(), task, p, nil)

	if got := rg.savedStatus("p1"); got != model.ProblemStatusCompleted {
		row, _ := rg.store.get("p1")
		t.Fatalf("status = %s (%s)", got, row.Error)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []float64{0.7, 0.55, 0.35}
	if len(temps) != len(want) {
		t.Fatalf("generator temps = %v", temps)
	}
	for i := range want {
		if diff := temps[i] - want[i]; diff > 1e-9 || diff < -1e-9 {
			t.Fatalf("temps[%d] = %.2f, want %.2f", i, temps[i], want[i])
		}
	}
}

func TestGenerateInsufficientCases(t *testing.T) {
	rg := newRig(t)
	rg.llm.genFn = func(req llm.Request) (*llm.Completion, error) {
		if req.System == answerSystem {
			return &llm.Completion{Text: "3"}, nil
		}
		// Only one of three requested inputs.
		return &llm.Completion{Text: generatorReply(1)}, nil
	}
	task := rg.task(model.StageSet{Fetch: true, Generate: true})
	p := rg.problem("p1")

	rg.runner.Run(context.Background(), task, p, nil)

	row, _ := rg.store.get("p1")
	if row.Status != model.ProblemStatusFailedG {
		t.Fatalf("status = %s", row.Status)
	}
	if row.ErrorKind != string(errors.KindGenInsufficient) {
		t.Fatalf("error kind = %q", row.ErrorKind)
	}
}

func TestStageGateBoundsConcurrency(t *testing.T) {
	rg := newRig(t)
	gcfg := gate.DefaultConfig()
	gcfg.StageFetch = 1
	rg.remake(gcfg)

	var inFlight, peak atomic.Int32
	rg.source.fetchFn = func(_ context.Context, _ string) (*model.Statement, error) {
		cur := inFlight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return &model.Statement{Title: "T", Body: "b"}, nil
	}

	task := rg.task(model.StageSet{Fetch: true})
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		p := rg.problem(fmt.Sprintf("p%d", i))
		p.DisplayID = fmt.Sprintf("100%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			rg.runner.Run(context.Background(), task, p, nil)
		}()
	}
	wg.Wait()

	if got := peak.Load(); got != 1 {
		t.Fatalf("peak concurrent fetches = %d, want 1", got)
	}
}

func TestAdmittedCallbackFires(t *testing.T) {
	rg := newRig(t)
	task := rg.task(model.StageSet{Fetch: true})
	p := rg.problem("p1")

	fired := false
	rg.runner.Run(context.Background(), task, p, func() { fired = true })
	if !fired {
		t.Fatal("admitted callback never fired")
	}
}
