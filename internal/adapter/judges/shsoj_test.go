package judges

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klauspost/compress/zip"

	"ojforge/internal/adapter"
	"ojforge/internal/model"
	"ojforge/internal/workspace"
	"ojforge/pkg/errors"
)

// staticCreds hands the same adapter config to every user.
type staticCreds map[string]string

func (c staticCreds) AdapterConfig(ctx context.Context, userID, adapterName string) (map[string]string, error) {
	return c, nil
}

// fakeHOJ is an in-process stand-in for the judge's API. It records the
// calls the adapter makes so tests can assert on them.
type fakeHOJ struct {
	t *testing.T

	logins        int
	adminMethod   string
	adminPayload  map[string]any
	zipFiles      map[string]string
	existingID    int64
	submitCode    int
	submissionRaw string
	trainingRaw   string
}

func (f *fakeHOJ) reply(w http.ResponseWriter, code int, data string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"code":%d,"msg":"","data":%s}`, code, data)
}

func (f *fakeHOJ) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		f.logins++
		var body struct{ Username, Password string }
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			f.t.Errorf("login body: %v", err)
		}
		if body.Username != "alice" || body.Password != "secret" {
			f.reply(w, 402, `null`)
			return
		}
		w.Header().Set("Authorization", "tok-123")
		f.reply(w, 200, `null`)
	})
	auth := func(r *http.Request) bool {
		if got := r.Header.Get("Authorization"); got != "tok-123" {
			f.t.Errorf("%s: Authorization = %q", r.URL.Path, got)
			return false
		}
		return true
	}
	mux.HandleFunc("/api/get-problem-detail", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("problemId") != "P100" {
			f.reply(w, 404, `null`)
			return
		}
		f.reply(w, 200, `{"problem":{"problemId":"P100","title":"Sum","description":"add",
			"input":"two ints","output":"one int","examples":"<input>1 2</input><output>3</output>",
			"timeLimit":1000,"memoryLimit":256},"tags":[{"name":"math"}]}`)
	})
	mux.HandleFunc("/api/file/upload-testcase-zip", func(w http.ResponseWriter, r *http.Request) {
		if !auth(r) {
			return
		}
		file, _, err := func() (io.Reader, string, error) {
			if err := r.ParseMultipartForm(32 << 20); err != nil {
				return nil, "", err
			}
			fh, hdr, err := r.FormFile("file")
			if err != nil {
				return nil, "", err
			}
			return fh, hdr.Filename, nil
		}()
		if err != nil {
			f.t.Errorf("testcase upload form: %v", err)
			f.reply(w, 500, `null`)
			return
		}
		raw, _ := io.ReadAll(file)
		zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
		if err != nil {
			f.t.Errorf("uploaded payload is not a zip: %v", err)
			f.reply(w, 500, `null`)
			return
		}
		f.zipFiles = map[string]string{}
		for _, zf := range zr.File {
			rc, _ := zf.Open()
			data, _ := io.ReadAll(rc)
			rc.Close()
			f.zipFiles[zf.Name] = string(data)
		}
		f.reply(w, 200, `{"uploadTestcaseDir":"/judge/tc-777"}`)
	})
	mux.HandleFunc("/api/admin/problem/get-admin-problem-list", func(w http.ResponseWriter, r *http.Request) {
		if !auth(r) {
			return
		}
		if f.existingID != 0 {
			f.reply(w, 200, fmt.Sprintf(`{"records":[{"id":%d,"problemId":"P100"}]}`, f.existingID))
			return
		}
		f.reply(w, 200, `{"records":[]}`)
	})
	mux.HandleFunc("/api/admin/problem", func(w http.ResponseWriter, r *http.Request) {
		if !auth(r) {
			return
		}
		f.adminMethod = r.Method
		if err := json.NewDecoder(r.Body).Decode(&f.adminPayload); err != nil {
			f.t.Errorf("admin problem payload: %v", err)
		}
		f.reply(w, 200, `{"problem":{"id":555,"problemId":"P100"}}`)
	})
	mux.HandleFunc("/api/submit-problem-judge", func(w http.ResponseWriter, r *http.Request) {
		if !auth(r) {
			return
		}
		if f.submitCode != 0 {
			f.reply(w, f.submitCode, `null`)
			return
		}
		f.reply(w, 200, `{"submitId":987}`)
	})
	mux.HandleFunc("/api/get-submission-detail", func(w http.ResponseWriter, r *http.Request) {
		if !auth(r) {
			return
		}
		f.reply(w, 200, f.submissionRaw)
	})
	mux.HandleFunc("/api/get-training-problem-list", func(w http.ResponseWriter, r *http.Request) {
		if !auth(r) {
			return
		}
		f.reply(w, 200, f.trainingRaw)
	})
	return mux
}

func newTestSHSOJ(t *testing.T) (*SHSOJ, *fakeHOJ, context.Context) {
	t.Helper()
	fake := &fakeHOJ{t: t}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	creds := staticCreds{"base_url": srv.URL, "username": "alice", "password": "secret"}
	a := NewSHSOJ(creds, newHOJClient(srv.Client()))
	return a, fake, adapter.WithUserID(context.Background(), "u1")
}

func newUploadWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	store, err := workspace.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ws, err := store.Open("u1", "P100")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	st := &model.Statement{
		Title:   "Sum",
		Body:    "add them",
		Samples: []model.Sample{{In: "1 2", Out: "3"}},
		Limits:  model.Limits{TimeMS: 1000, MemoryMB: 256},
	}
	if err := ws.WriteStatement(st); err != nil {
		t.Fatalf("WriteStatement: %v", err)
	}
	if err := ws.PutGeneratedCase(1, []byte("1 2\n"), []byte("3\n")); err != nil {
		t.Fatalf("PutGeneratedCase: %v", err)
	}
	if err := ws.PutGeneratedCase(2, []byte("4 5\n"), []byte("9\n")); err != nil {
		t.Fatalf("PutGeneratedCase: %v", err)
	}
	return ws
}

func TestSHSOJFetchProblem(t *testing.T) {
	a, fake, ctx := newTestSHSOJ(t)
	st, err := a.FetchProblem(ctx, "P100")
	if err != nil {
		t.Fatalf("FetchProblem: %v", err)
	}
	if st.Title != "Sum" || st.Body != "add" {
		t.Errorf("statement = %+v", st)
	}
	if len(st.Samples) != 1 || st.Samples[0].Out != "3" {
		t.Errorf("samples = %+v", st.Samples)
	}
	if fake.logins != 0 {
		t.Errorf("statement fetch should not log in, saw %d logins", fake.logins)
	}
}

func TestSHSOJFetchProblemNotFound(t *testing.T) {
	a, _, ctx := newTestSHSOJ(t)
	_, err := a.FetchProblem(ctx, "NOPE")
	if !errors.Is(err, errors.RemoteNotFound) {
		t.Fatalf("err = %v, want RemoteNotFound", err)
	}
}

func TestSHSOJUploadCreatesProblem(t *testing.T) {
	a, fake, ctx := newTestSHSOJ(t)
	ws := newUploadWorkspace(t)

	res, err := a.UploadData(ctx, ws)
	if err != nil {
		t.Fatalf("UploadData: %v", err)
	}
	if res.RealID != "P100" {
		t.Errorf("RealID = %q", res.RealID)
	}
	if want := "/problem/P100"; len(res.URL) == 0 || res.URL[len(res.URL)-len(want):] != want {
		t.Errorf("URL = %q, want suffix %q", res.URL, want)
	}
	if res.Meta["cases"] != "2" || res.Meta["testcase_dir"] != "/judge/tc-777" || res.Meta["backend_id"] != "555" {
		t.Errorf("meta = %+v", res.Meta)
	}

	// Cases are renumbered from zero regardless of workspace indices.
	want := map[string]string{"0.in": "1 2\n", "0.out": "3\n", "1.in": "4 5\n", "1.out": "9\n"}
	if len(fake.zipFiles) != len(want) {
		t.Fatalf("zip entries = %v", fake.zipFiles)
	}
	for name, content := range want {
		if fake.zipFiles[name] != content {
			t.Errorf("zip[%s] = %q, want %q", name, fake.zipFiles[name], content)
		}
	}

	if fake.adminMethod != http.MethodPost {
		t.Errorf("admin method = %s, want POST for a new problem", fake.adminMethod)
	}
	problem, _ := fake.adminPayload["problem"].(map[string]any)
	if problem["problemId"] != "P100" {
		t.Errorf("payload problemId = %v", problem["problemId"])
	}
	if problem["uploadTestcaseDir"] != "/judge/tc-777" {
		t.Errorf("payload testcase dir = %v", problem["uploadTestcaseDir"])
	}
	scores, _ := problem["testCaseScore"].([]any)
	if len(scores) != 2 {
		t.Fatalf("score rows = %v", scores)
	}
	first, _ := scores[0].(map[string]any)
	if first["input"] != "0.in" || first["score"] != float64(50) {
		t.Errorf("first score row = %v", first)
	}
}

func TestSHSOJUploadUpdatesExisting(t *testing.T) {
	a, fake, ctx := newTestSHSOJ(t)
	fake.existingID = 321
	ws := newUploadWorkspace(t)

	if _, err := a.UploadData(ctx, ws); err != nil {
		t.Fatalf("UploadData: %v", err)
	}
	if fake.adminMethod != http.MethodPut {
		t.Errorf("admin method = %s, want PUT for an existing problem", fake.adminMethod)
	}
	problem, _ := fake.adminPayload["problem"].(map[string]any)
	if problem["id"] != float64(321) {
		t.Errorf("payload id = %v, want the backend row id", problem["id"])
	}
}

func TestSHSOJUploadWithoutCases(t *testing.T) {
	a, _, ctx := newTestSHSOJ(t)
	store, err := workspace.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ws, err := store.Open("u1", "P100")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := ws.WriteStatement(&model.Statement{Title: "Sum"}); err != nil {
		t.Fatalf("WriteStatement: %v", err)
	}
	if _, err := a.UploadData(ctx, ws); !errors.Is(err, errors.GeneratedDataMissing) {
		t.Fatalf("err = %v, want GeneratedDataMissing", err)
	}
}

func TestSHSOJSubmitSolution(t *testing.T) {
	a, fake, ctx := newTestSHSOJ(t)
	handle, err := a.SubmitSolution(ctx, "P100", "int main(){}", "cpp")
	if err != nil {
		t.Fatalf("SubmitSolution: %v", err)
	}
	if handle != "987" {
		t.Errorf("handle = %q", handle)
	}
	if fake.logins != 1 {
		t.Errorf("logins = %d, want 1", fake.logins)
	}

	// The session token is cached, so a second call must not log in again.
	if _, err := a.SubmitSolution(ctx, "P100", "print(1)", "python"); err != nil {
		t.Fatalf("second SubmitSolution: %v", err)
	}
	if fake.logins != 1 {
		t.Errorf("logins after second submit = %d, want 1", fake.logins)
	}
}

func TestSHSOJSubmitRateLimited(t *testing.T) {
	a, fake, ctx := newTestSHSOJ(t)
	fake.submitCode = 10002
	_, err := a.SubmitSolution(ctx, "P100", "int main(){}", "cpp")
	if !errors.Is(err, errors.AdapterRateLimited) {
		t.Fatalf("err = %v, want AdapterRateLimited", err)
	}
	if !errors.IsRetryable(err) {
		t.Error("rate-limited submit should be retryable")
	}
}

func TestSHSOJJudgeStatus(t *testing.T) {
	a, fake, ctx := newTestSHSOJ(t)
	fake.submissionRaw = `{"submission":{"status":1,"score":40,"errorMessage":"case 2 differs"}}`
	res, err := a.JudgeStatus(ctx, "987")
	if err != nil {
		t.Fatalf("JudgeStatus: %v", err)
	}
	if res.Verdict != adapter.VerdictWrongAnswer || res.Score != 40 || res.Logs != "case 2 differs" {
		t.Errorf("result = %+v", res)
	}

	// Older deployments put the submission directly under data.
	fake.submissionRaw = `{"status":0,"score":100}`
	res, err = a.JudgeStatus(ctx, "987")
	if err != nil {
		t.Fatalf("JudgeStatus flat shape: %v", err)
	}
	if res.Verdict != adapter.VerdictAccepted || res.Score != 100 {
		t.Errorf("flat result = %+v", res)
	}

	fake.submissionRaw = `{"submission":{"status":5}}`
	res, err = a.JudgeStatus(ctx, "987")
	if err != nil {
		t.Fatalf("JudgeStatus pending: %v", err)
	}
	if res.Verdict != adapter.VerdictPending || res.Score != -1 {
		t.Errorf("pending result = %+v", res)
	}
}

func TestSHSOJListTrainingIDs(t *testing.T) {
	a, fake, ctx := newTestSHSOJ(t)
	fake.trainingRaw = `[{"problemId":"P1"},{"displayId":"P2"},{"problem":{"problemId":"P3"}},{}]`
	ids, err := a.ListTrainingIDs(ctx, "42")
	if err != nil {
		t.Fatalf("ListTrainingIDs: %v", err)
	}
	if len(ids) != 3 || ids[0] != "P1" || ids[1] != "P2" || ids[2] != "P3" {
		t.Errorf("ids = %v", ids)
	}

	fake.trainingRaw = `{"records":[{"problemId":"P9"}]}`
	ids, err = a.ListTrainingIDs(ctx, "42")
	if err != nil {
		t.Fatalf("ListTrainingIDs paged shape: %v", err)
	}
	if len(ids) != 1 || ids[0] != "P9" {
		t.Errorf("paged ids = %v", ids)
	}
}

func TestSHSOJLoginRejected(t *testing.T) {
	fake := &fakeHOJ{t: t}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	creds := staticCreds{"base_url": srv.URL, "username": "alice", "password": "wrong"}
	a := NewSHSOJ(creds, newHOJClient(srv.Client()))
	ctx := adapter.WithUserID(context.Background(), "u1")

	_, err := a.SubmitSolution(ctx, "P100", "x", "cpp")
	if !errors.Is(err, errors.AdapterAuthFailed) {
		t.Fatalf("err = %v, want AdapterAuthFailed", err)
	}
}

func TestSHSOJMissingCredentials(t *testing.T) {
	a := NewSHSOJ(staticCreds{"base_url": "http://127.0.0.1:1"}, newHOJClient(http.DefaultClient))
	ctx := adapter.WithUserID(context.Background(), "u1")
	_, err := a.SubmitSolution(ctx, "P100", "x", "cpp")
	if !errors.Is(err, errors.AdapterConfigMissing) {
		t.Fatalf("err = %v, want AdapterConfigMissing", err)
	}
}
