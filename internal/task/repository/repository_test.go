package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"ojforge/internal/common/db"
	"ojforge/internal/model"
	"ojforge/pkg/errors"
	"ojforge/pkg/repository"
)

func newTestDB(t *testing.T) db.Database {
	t.Helper()
	database, err := db.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := db.Migrate(context.Background(), database); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return database
}

func newTestRepos(t *testing.T) (TaskRepository, ProblemRepository) {
	t.Helper()
	database := newTestDB(t)
	return NewTaskRepository(database), NewProblemRepository(database)
}

func testTask(id, userID string, at time.Time) *model.Task {
	return &model.Task{
		ID:           id,
		UserID:       userID,
		Status:       model.TaskStatusPending,
		TargetDomain: "targetoj",
		Stages:       model.DefaultStageSet(),
		Options: model.TaskOptions{
			CaseCount:     10,
			Temperature:   0.7,
			SolveLanguage: "cpp",
		},
		CreatedAt: at,
	}
}

func testProblem(id, taskID, userID string, at time.Time) *model.Problem {
	return &model.Problem{
		ID:           id,
		TaskID:       taskID,
		UserID:       userID,
		RawRef:       "srcoj-" + id,
		SourceDomain: "srcoj",
		ProblemID:    id,
		DisplayID:    "srcoj-" + id,
		Status:       model.ProblemStatusPending,
		CreatedAt:    at,
		UpdatedAt:    at,
	}
}

func mustCreate(t *testing.T, tasks TaskRepository, task *model.Task, problems ...*model.Problem) {
	t.Helper()
	if err := tasks.CreateWithProblems(context.Background(), task, problems); err != nil {
		t.Fatalf("CreateWithProblems(%s): %v", task.ID, err)
	}
}

func TestCreateAndGetWithProblems(t *testing.T) {
	tasks, _ := newTestRepos(t)
	ctx := context.Background()
	now := time.Now()

	task := testTask("t1", "u1", now)
	p1 := testProblem("p1", "t1", "u1", now)
	p1.Attempts = map[model.Stage]int{model.StageFetch: 2}
	p2 := testProblem("p2", "t1", "u1", now)
	mustCreate(t, tasks, task, p1, p2)

	got, err := tasks.GetWithProblems(ctx, "t1")
	if err != nil {
		t.Fatalf("GetWithProblems: %v", err)
	}
	if got.UserID != "u1" || got.TargetDomain != "targetoj" {
		t.Errorf("task = %+v, want user u1 target targetoj", got)
	}
	if got.Stages.Letters() != "FGUS" {
		t.Errorf("stages = %q, want FGUS", got.Stages.Letters())
	}
	if got.Options.CaseCount != 10 || got.Options.Temperature != 0.7 || got.Options.SolveLanguage != "cpp" {
		t.Errorf("options = %+v, round trip lost fields", got.Options)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, now)
	}
	if got.StartedAt != nil || got.FinishedAt != nil {
		t.Errorf("started/finished = %v/%v, want nil/nil", got.StartedAt, got.FinishedAt)
	}
	if len(got.Problems) != 2 {
		t.Fatalf("len(problems) = %d, want 2", len(got.Problems))
	}
	if got.Problems[0].ID != "p1" || got.Problems[1].ID != "p2" {
		t.Errorf("problem order = %s, %s, want p1, p2", got.Problems[0].ID, got.Problems[1].ID)
	}
	if got.Problems[0].AttemptCount(model.StageFetch) != 2 {
		t.Errorf("attempts round trip = %v, want fetch:2", got.Problems[0].Attempts)
	}
	if got.Problems[1].Attempts != nil {
		t.Errorf("empty attempts came back as %v, want nil", got.Problems[1].Attempts)
	}
}

func TestGetMissingTask(t *testing.T) {
	tasks, _ := newTestRepos(t)
	_, err := tasks.Get(context.Background(), "nope")
	if err == nil {
		t.Fatal("expected error for missing task")
	}
	if code := errors.GetCode(err); code != errors.TaskNotFound {
		t.Errorf("code = %d, want TaskNotFound", code)
	}
}

func TestListFiltersAndPaging(t *testing.T) {
	tasks, _ := newTestRepos(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	a1 := testTask("a1", "alice", base)
	a2 := testTask("a2", "alice", base.Add(time.Minute))
	a2.Status = model.TaskStatusCompleted
	b1 := testTask("b1", "bob", base.Add(2*time.Minute))
	mustCreate(t, tasks, a1)
	mustCreate(t, tasks, a2)
	mustCreate(t, tasks, b1)

	got, total, err := tasks.List(ctx, TaskFilter{UserID: "alice"}, repository.ListOptions{})
	if err != nil {
		t.Fatalf("List(alice): %v", err)
	}
	if total != 2 || len(got) != 2 {
		t.Fatalf("List(alice) = %d rows, total %d, want 2/2", len(got), total)
	}
	// Default ordering is newest first.
	if got[0].ID != "a2" || got[1].ID != "a1" {
		t.Errorf("order = %s, %s, want a2, a1", got[0].ID, got[1].ID)
	}

	got, total, err = tasks.List(ctx, TaskFilter{Status: model.TaskStatusCompleted}, repository.ListOptions{})
	if err != nil {
		t.Fatalf("List(completed): %v", err)
	}
	if total != 1 || len(got) != 1 || got[0].ID != "a2" {
		t.Fatalf("List(completed) = %v (total %d), want just a2", got, total)
	}

	got, total, err = tasks.List(ctx, TaskFilter{}, repository.ListOptions{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("List(page 2): %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	if len(got) != 1 || got[0].ID != "a1" {
		t.Errorf("page 2 = %v, want just a1", got)
	}

	if _, _, err := tasks.List(ctx, TaskFilter{}, repository.ListOptions{Limit: 500}); err == nil {
		t.Error("expected oversized limit to be rejected")
	}
}

func TestSetRunningStampsStartedOnce(t *testing.T) {
	tasks, _ := newTestRepos(t)
	ctx := context.Background()
	mustCreate(t, tasks, testTask("t1", "u1", time.Now()))

	first := time.Now()
	if err := tasks.SetRunning(ctx, "t1", first); err != nil {
		t.Fatalf("SetRunning: %v", err)
	}
	if err := tasks.SetRunning(ctx, "t1", first.Add(time.Hour)); err != nil {
		t.Fatalf("second SetRunning: %v", err)
	}

	got, err := tasks.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.TaskStatusRunning {
		t.Errorf("status = %s, want running", got.Status)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(first) {
		t.Errorf("started_at = %v, want first stamp %v", got.StartedAt, first)
	}
}

func TestFinishAndReopen(t *testing.T) {
	tasks, _ := newTestRepos(t)
	ctx := context.Background()
	mustCreate(t, tasks, testTask("t1", "u1", time.Now()))

	done := time.Now()
	if err := tasks.Finish(ctx, "t1", model.TaskStatusFailed, "2 problems failed", done); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	got, err := tasks.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.TaskStatusFailed || got.Error != "2 problems failed" {
		t.Errorf("after Finish: status %s error %q", got.Status, got.Error)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(done) {
		t.Errorf("finished_at = %v, want %v", got.FinishedAt, done)
	}

	if err := tasks.Reopen(ctx, "t1"); err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	got, err = tasks.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get after Reopen: %v", err)
	}
	if got.Status != model.TaskStatusRunning || got.Error != "" || got.FinishedAt != nil {
		t.Errorf("after Reopen: status %s error %q finished %v", got.Status, got.Error, got.FinishedAt)
	}
}

func TestDeleteCascades(t *testing.T) {
	tasks, problems := newTestRepos(t)
	ctx := context.Background()
	now := time.Now()
	mustCreate(t, tasks, testTask("t1", "u1", now),
		testProblem("p1", "t1", "u1", now), testProblem("p2", "t1", "u1", now))

	if err := tasks.Delete(ctx, "t1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := tasks.Get(ctx, "t1"); errors.GetCode(err) != errors.TaskNotFound {
		t.Errorf("task survived delete: %v", err)
	}
	if _, err := problems.Get(ctx, "p1"); errors.GetCode(err) != errors.ProblemNotFound {
		t.Errorf("problem p1 survived delete: %v", err)
	}

	err := tasks.Delete(ctx, "t1")
	if errors.GetCode(err) != errors.TaskNotFound {
		t.Errorf("second delete = %v, want TaskNotFound", err)
	}
}

func TestTaskCountByStatus(t *testing.T) {
	tasks, _ := newTestRepos(t)
	ctx := context.Background()
	now := time.Now()

	for i, status := range []model.TaskStatus{
		model.TaskStatusPending, model.TaskStatusRunning, model.TaskStatusRunning,
	} {
		task := testTask(fmt.Sprintf("t%d", i+1), "u1", now)
		task.Status = status
		mustCreate(t, tasks, task)
	}

	counts, err := tasks.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[model.TaskStatusPending] != 1 || counts[model.TaskStatusRunning] != 2 {
		t.Errorf("counts = %v, want pending:1 running:2", counts)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	tasks, problems := newTestRepos(t)
	ctx := context.Background()
	now := time.Now()
	mustCreate(t, tasks, testTask("t1", "u1", now), testProblem("p1", "t1", "u1", now))

	ok, err := problems.Claim(ctx, "p1", "w1")
	if err != nil || !ok {
		t.Fatalf("Claim by w1 = %v, %v; want true", ok, err)
	}
	ok, err = problems.Claim(ctx, "p1", "w2")
	if err != nil {
		t.Fatalf("Claim by w2: %v", err)
	}
	if ok {
		t.Error("w2 claimed a row owned by w1")
	}
	// Re-claiming your own row is allowed.
	ok, err = problems.Claim(ctx, "p1", "w1")
	if err != nil || !ok {
		t.Fatalf("re-Claim by w1 = %v, %v; want true", ok, err)
	}

	if err := problems.Release(ctx, "p1", "w1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	ok, err = problems.Claim(ctx, "p1", "w2")
	if err != nil || !ok {
		t.Fatalf("Claim after release = %v, %v; want true", ok, err)
	}

	ok, err = problems.Claim(ctx, "missing", "w1")
	if err != nil {
		t.Fatalf("Claim missing row: %v", err)
	}
	if ok {
		t.Error("claimed a row that does not exist")
	}
}

func TestSaveRequiresOwnership(t *testing.T) {
	tasks, problems := newTestRepos(t)
	ctx := context.Background()
	now := time.Now()
	mustCreate(t, tasks, testTask("t1", "u1", now), testProblem("p1", "t1", "u1", now))

	p, err := problems.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	p.Status = model.ProblemStatusFetching
	p.Stage = model.StageFetch
	p.UpdatedAt = time.Now()

	if err := problems.Save(ctx, p, "w1"); err == nil {
		t.Fatal("Save without a claim succeeded")
	}

	if ok, _ := problems.Claim(ctx, "p1", "w1"); !ok {
		t.Fatal("Claim failed")
	}
	if err := problems.Save(ctx, p, "w2"); err == nil {
		t.Fatal("Save by non-owner succeeded")
	}
	if err := problems.Save(ctx, p, "w1"); err != nil {
		t.Fatalf("Save by owner: %v", err)
	}

	got, err := problems.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("Get after Save: %v", err)
	}
	if got.Status != model.ProblemStatusFetching || got.Stage != model.StageFetch {
		t.Errorf("saved row = status %s stage %s", got.Status, got.Stage)
	}
	if got.OwnerWorker != "w1" {
		t.Errorf("owner = %q, want w1", got.OwnerWorker)
	}
}

func TestSavePersistsFullRow(t *testing.T) {
	tasks, problems := newTestRepos(t)
	ctx := context.Background()
	now := time.Now()
	mustCreate(t, tasks, testTask("t1", "u1", now), testProblem("p1", "t1", "u1", now))

	if ok, _ := problems.Claim(ctx, "p1", "w1"); !ok {
		t.Fatal("Claim failed")
	}
	p, err := problems.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	finished := time.Now()
	p.Title = "A+B Problem"
	p.Status = model.ProblemStatusCompleted
	p.Stage = model.StageSolve
	p.RealID = "P100"
	p.UploadedURL = "http://judge.test/d/targetoj/p/P100"
	p.RecordAttempt(model.StageFetch)
	p.RecordAttempt(model.StageSolve)
	p.UpdatedAt = finished
	p.FinishedAt = &finished
	if err := problems.Save(ctx, p, "w1"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := problems.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("Get after Save: %v", err)
	}
	if got.Title != "A+B Problem" || got.RealID != "P100" {
		t.Errorf("row = title %q real_id %q", got.Title, got.RealID)
	}
	if got.UploadedURL != "http://judge.test/d/targetoj/p/P100" {
		t.Errorf("uploaded_url = %q", got.UploadedURL)
	}
	if got.AttemptCount(model.StageFetch) != 1 || got.AttemptCount(model.StageSolve) != 1 {
		t.Errorf("attempts = %v", got.Attempts)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(finished) {
		t.Errorf("finished_at = %v, want %v", got.FinishedAt, finished)
	}
}

func TestUpdateBypassesOwnerGuard(t *testing.T) {
	tasks, problems := newTestRepos(t)
	ctx := context.Background()
	now := time.Now()
	mustCreate(t, tasks, testTask("t1", "u1", now), testProblem("p1", "t1", "u1", now))

	if ok, _ := problems.Claim(ctx, "p1", "w1"); !ok {
		t.Fatal("Claim failed")
	}
	p, err := problems.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	p.Status = model.ProblemStatusCancelled
	p.OwnerWorker = ""
	p.UpdatedAt = time.Now()
	if err := problems.Update(ctx, p); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := problems.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("Get after Update: %v", err)
	}
	if got.Status != model.ProblemStatusCancelled || got.OwnerWorker != "" {
		t.Errorf("row = status %s owner %q, want cancelled with no owner", got.Status, got.OwnerWorker)
	}
}

func TestListUnfinishedExcludesTerminal(t *testing.T) {
	tasks, problems := newTestRepos(t)
	ctx := context.Background()
	now := time.Now()

	rows := []*model.Problem{
		testProblem("p1", "t1", "u1", now),
		testProblem("p2", "t1", "u1", now.Add(time.Second)),
		testProblem("p3", "t1", "u1", now.Add(2*time.Second)),
		testProblem("p4", "t1", "u1", now.Add(3*time.Second)),
	}
	rows[1].Status = model.ProblemStatusSolving
	rows[2].Status = model.ProblemStatusCompleted
	rows[3].Status = model.ProblemStatusFailedG
	mustCreate(t, tasks, testTask("t1", "u1", now), rows...)

	got, err := problems.ListUnfinished(ctx)
	if err != nil {
		t.Fatalf("ListUnfinished: %v", err)
	}
	if len(got) != 2 || got[0].ID != "p1" || got[1].ID != "p2" {
		ids := make([]string, len(got))
		for i, p := range got {
			ids[i] = p.ID
		}
		t.Errorf("unfinished = %v, want [p1 p2]", ids)
	}
}

func TestReleaseAllOwners(t *testing.T) {
	tasks, problems := newTestRepos(t)
	ctx := context.Background()
	now := time.Now()
	mustCreate(t, tasks, testTask("t1", "u1", now),
		testProblem("p1", "t1", "u1", now), testProblem("p2", "t1", "u1", now))

	if ok, _ := problems.Claim(ctx, "p1", "w1"); !ok {
		t.Fatal("Claim p1 failed")
	}
	if ok, _ := problems.Claim(ctx, "p2", "w2"); !ok {
		t.Fatal("Claim p2 failed")
	}

	if err := problems.ReleaseAllOwners(ctx); err != nil {
		t.Fatalf("ReleaseAllOwners: %v", err)
	}
	for _, id := range []string{"p1", "p2"} {
		got, err := problems.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		if got.OwnerWorker != "" {
			t.Errorf("%s owner = %q, want released", id, got.OwnerWorker)
		}
	}
}

func TestListStaleRunning(t *testing.T) {
	tasks, problems := newTestRepos(t)
	ctx := context.Background()
	now := time.Now()
	old := now.Add(-time.Hour)

	stale := testProblem("p1", "t1", "u1", old)
	stale.Status = model.ProblemStatusFetching
	stale.UpdatedAt = old
	queued := testProblem("p2", "t1", "u1", old)
	queued.UpdatedAt = old // pending rows wait in the queue, never stale
	fresh := testProblem("p3", "t1", "u1", now)
	fresh.Status = model.ProblemStatusGenerating
	fresh.UpdatedAt = now
	mustCreate(t, tasks, testTask("t1", "u1", old), stale, queued, fresh)

	got, err := problems.ListStaleRunning(ctx, now.Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("ListStaleRunning: %v", err)
	}
	if len(got) != 1 || got[0].ID != "p1" {
		ids := make([]string, len(got))
		for i, p := range got {
			ids[i] = p.ID
		}
		t.Errorf("stale = %v, want [p1]", ids)
	}
}

func TestProblemCountByStatus(t *testing.T) {
	tasks, problems := newTestRepos(t)
	ctx := context.Background()
	now := time.Now()

	rows := []*model.Problem{
		testProblem("p1", "t1", "u1", now),
		testProblem("p2", "t1", "u1", now),
		testProblem("p3", "t1", "u1", now),
	}
	rows[1].Status = model.ProblemStatusCompleted
	rows[2].Status = model.ProblemStatusCompleted
	mustCreate(t, tasks, testTask("t1", "u1", now), rows...)

	counts, err := problems.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[model.ProblemStatusPending] != 1 || counts[model.ProblemStatusCompleted] != 2 {
		t.Errorf("counts = %v, want pending:1 completed:2", counts)
	}
}

func TestListByTask(t *testing.T) {
	tasks, problems := newTestRepos(t)
	ctx := context.Background()
	now := time.Now()
	mustCreate(t, tasks, testTask("t1", "u1", now),
		testProblem("p1", "t1", "u1", now), testProblem("p2", "t1", "u1", now.Add(time.Second)))
	mustCreate(t, tasks, testTask("t2", "u1", now), testProblem("p9", "t2", "u1", now))

	got, err := problems.ListByTask(ctx, "t1")
	if err != nil {
		t.Fatalf("ListByTask: %v", err)
	}
	if len(got) != 2 || got[0].ID != "p1" || got[1].ID != "p2" {
		t.Errorf("ListByTask(t1) returned %d rows", len(got))
	}
}
