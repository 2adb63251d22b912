package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ojforge/internal/adapter"
	"ojforge/internal/common/db"
	"ojforge/internal/event"
	"ojforge/internal/gate"
	"ojforge/internal/model"
	"ojforge/internal/task/repository"
	"ojforge/internal/task/service"
	"ojforge/internal/workspace"
	"ojforge/pkg/errors"

	"github.com/gin-gonic/gin"
)

type fakeJudge struct {
	name string
	caps []adapter.Capability
}

func (a *fakeJudge) Name() string                        { return a.name }
func (a *fakeJudge) DisplayName() string                 { return a.name }
func (a *fakeJudge) Version() string                     { return "test" }
func (a *fakeJudge) Capabilities() []adapter.Capability  { return a.caps }
func (a *fakeJudge) ConfigSchema() []adapter.ConfigField { return nil }
func (a *fakeJudge) SupportsURL(string) bool             { return false }

func (a *fakeJudge) FetchProblem(_ context.Context, pid string) (*model.Statement, error) {
	return &model.Statement{Title: "Problem " + pid}, nil
}

func (a *fakeJudge) UploadData(context.Context, *workspace.Workspace) (*adapter.UploadResult, error) {
	return &adapter.UploadResult{RealID: "R1"}, nil
}

func (a *fakeJudge) SubmitSolution(context.Context, string, string, string) (string, error) {
	return "sub-1", nil
}

func (a *fakeJudge) JudgeStatus(context.Context, string) (*adapter.JudgeResult, error) {
	return &adapter.JudgeResult{Verdict: adapter.VerdictAccepted, Score: 100}, nil
}

// instantRunner completes every problem immediately.
type instantRunner struct {
	store repository.ProblemRepository
}

func (r *instantRunner) Worker() string { return "w-http" }

func (r *instantRunner) Run(ctx context.Context, _ *model.Task, p *model.Problem, admitted func()) {
	if admitted != nil {
		admitted()
	}
	now := time.Now()
	p.Status = model.ProblemStatusCompleted
	p.UpdatedAt = now
	p.FinishedAt = &now
	_ = r.store.Update(context.WithoutCancel(ctx), p)
}

type webRig struct {
	router *gin.Engine
	tasks  repository.TaskRepository
	svc    *service.TaskService
}

// asUser is a stand-in for the auth middleware: it plants the identity
// keys the controllers read.
func asUser(userID, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("user_id", userID)
		c.Set("user_role", role)
		c.Next()
	}
}

func newWebRig(t *testing.T, userID, role string) *webRig {
	t.Helper()
	gin.SetMode(gin.TestMode)

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
	for _, a := range []*fakeJudge{
		{name: "shsoj", caps: []adapter.Capability{adapter.CapFetchProblem}},
		{name: "targetoj", caps: []adapter.Capability{
			adapter.CapUploadData, adapter.CapSubmitSolution, adapter.CapJudgeStatus}},
	} {
		if err := reg.Register(a); err != nil {
			t.Fatalf("Register(%s): %v", a.name, err)
		}
	}
	bus := event.NewBus(64)
	t.Cleanup(bus.Close)

	svc := service.NewTaskService(service.Config{}, service.Deps{
		Tasks:      tasks,
		Problems:   problems,
		Runner:     &instantRunner{store: problems},
		Gates:      gate.NewManager(gate.DefaultConfig()),
		Workspaces: store,
		Adapters:   reg,
		Bus:        bus,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	router := gin.New()
	api := router.Group("/api/v1", asUser(userID, role))
	NewTaskController(svc).RegisterRoutes(api)
	return &webRig{router: router, tasks: tasks, svc: svc}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (r *webRig) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.router.ServeHTTP(rec, req)

	var env envelope
	raw := bytes.TrimSpace(rec.Body.Bytes())
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("decode envelope: %v\nbody: %s", err, raw)
		}
	}
	return rec, env
}

func (r *webRig) createTask(t *testing.T, refs ...string) model.Task {
	t.Helper()
	rec, env := r.do(t, http.MethodPost, "/api/v1/tasks", gin.H{
		"problems": refs,
		"target":   "targetoj",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	var task model.Task
	if err := json.Unmarshal(env.Data, &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	return task
}

func (r *webRig) waitTerminal(t *testing.T, id string) model.TaskStatus {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := r.tasks.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Status.IsTerminal() {
			return got.Status
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never finished", id)
	return ""
}

func TestCreateAndGetTaskEndpoints(t *testing.T) {
	r := newWebRig(t, "u1", model.RoleUser)

	task := r.createTask(t, "1001", "1002")
	if task.UserID != "u1" || len(task.Problems) != 2 {
		t.Fatalf("created task = %+v", task)
	}
	r.waitTerminal(t, task.ID)

	rec, env := r.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var got model.Task
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != model.TaskStatusCompleted || len(got.Problems) != 2 {
		t.Errorf("detail status %s with %d problems", got.Status, len(got.Problems))
	}
}

func TestCreateTaskRejectsBadPayload(t *testing.T) {
	r := newWebRig(t, "u1", model.RoleUser)

	rec, env := r.do(t, http.MethodPost, "/api/v1/tasks", gin.H{"target": "targetoj"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if env.Code != int(errors.InvalidParams) {
		t.Errorf("code = %d, want InvalidParams", env.Code)
	}

	// Unknown source adapters surface the coded error through the envelope.
	rec, env = r.do(t, http.MethodPost, "/api/v1/tasks", gin.H{
		"problems": []string{"99A"},
		"target":   "targetoj",
	})
	if rec.Code == http.StatusOK {
		t.Fatal("create with unregistered source succeeded")
	}
	if env.Code != int(errors.AdapterNotFound) {
		t.Errorf("code = %d, want AdapterNotFound", env.Code)
	}
}

func TestListTasksPagination(t *testing.T) {
	r := newWebRig(t, "u1", model.RoleUser)

	var ids []string
	for i := 0; i < 3; i++ {
		task := r.createTask(t, fmt.Sprintf("100%d", i+1))
		ids = append(ids, task.ID)
	}
	for _, id := range ids {
		r.waitTerminal(t, id)
	}

	rec, env := r.do(t, http.MethodGet, "/api/v1/tasks?page=1&page_size=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var page struct {
		Items      []model.Task `json:"items"`
		Total      int64        `json:"total"`
		Page       int          `json:"page"`
		PageSize   int          `json:"page_size"`
		TotalPages int          `json:"total_pages"`
	}
	if err := json.Unmarshal(env.Data, &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if page.Total != 3 || len(page.Items) != 2 || page.TotalPages != 2 {
		t.Errorf("page = total %d, items %d, pages %d", page.Total, len(page.Items), page.TotalPages)
	}
	// Newest first.
	if page.Items[0].ID != ids[2] {
		t.Errorf("first item = %s, want newest %s", page.Items[0].ID, ids[2])
	}

	rec, env = r.do(t, http.MethodGet, "/api/v1/tasks?status=failed", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("filtered list status = %d", rec.Code)
	}
	if err := json.Unmarshal(env.Data, &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if page.Total != 0 {
		t.Errorf("failed filter total = %d, want 0", page.Total)
	}
}

func TestTaskAccessDeniedAcrossUsers(t *testing.T) {
	owner := newWebRig(t, "owner", model.RoleUser)
	task := owner.createTask(t, "1001")
	owner.waitTerminal(t, task.ID)

	// Same service, different caller identity.
	intruder := gin.New()
	api := intruder.Group("/api/v1", asUser("intruder", model.RoleUser))
	NewTaskController(owner.svc).RegisterRoutes(api)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+task.ID, nil)
	rec := httptest.NewRecorder()
	intruder.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Code != int(errors.TaskAccessDenied) {
		t.Errorf("code = %d, want TaskAccessDenied", env.Code)
	}
}

func TestRetryCancelDeleteEndpoints(t *testing.T) {
	r := newWebRig(t, "u1", model.RoleUser)
	task := r.createTask(t, "1001")
	r.waitTerminal(t, task.ID)

	// Nothing failed, so retry reports the coded error.
	rec, env := r.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/retry", gin.H{"stage": "gen"})
	if rec.Code == http.StatusOK {
		t.Fatal("retry of fully completed task succeeded")
	}
	if env.Code != int(errors.TaskNotRetryable) {
		t.Errorf("retry code = %d, want TaskNotRetryable", env.Code)
	}

	// Cancel after finish is rejected.
	rec, _ = r.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/cancel", nil)
	if rec.Code == http.StatusOK {
		t.Error("cancel of finished task succeeded")
	}

	rec, _ = r.do(t, http.MethodDelete, "/api/v1/tasks/"+task.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if _, env = r.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID, nil); env.Code != int(errors.TaskNotFound) {
		t.Errorf("get after delete code = %d, want TaskNotFound", env.Code)
	}
}

func TestLogsAndDownloadEndpoints(t *testing.T) {
	r := newWebRig(t, "u1", model.RoleUser)
	task := r.createTask(t, "1001")
	r.waitTerminal(t, task.ID)

	rec, env := r.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID+"/logs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("logs status = %d", rec.Code)
	}
	var logs struct {
		Problems []service.ProblemLogs `json:"problems"`
	}
	if err := json.Unmarshal(env.Data, &logs); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if len(logs.Problems) != 1 || logs.Problems[0].DisplayID != "1001" {
		t.Errorf("logs = %+v", logs.Problems)
	}

	rec, _ = r.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID+"/download", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("download status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/zip" {
		t.Errorf("content type = %q", ct)
	}
	if rec.Body.Len() == 0 {
		t.Error("empty zip body")
	}
}
