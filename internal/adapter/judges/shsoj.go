package judges

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zip"

	"ojforge/internal/adapter"
	"ojforge/internal/model"
	"ojforge/internal/probid"
	"ojforge/internal/workspace"
	"ojforge/pkg/errors"
)

const shsojDefaultBase = "https://oj.shsbnu.net"

// shsojLanguages maps our normalized language names onto the judge's
// language keys.
var shsojLanguages = map[string]string{
	"cpp":    "C++ With O2",
	"c++":    "C++ With O2",
	"python": "Python3",
	"py":     "Python3",
}

// SHSOJ is the adapter for the school HOJ deployment: statement fetch,
// test-data upload, solution submission and training listings.
type SHSOJ struct {
	creds adapter.CredentialSource
	hoj   *hojClient
}

var (
	_ adapter.Fetcher        = (*SHSOJ)(nil)
	_ adapter.Uploader       = (*SHSOJ)(nil)
	_ adapter.Submitter      = (*SHSOJ)(nil)
	_ adapter.TrainingLister = (*SHSOJ)(nil)
)

func NewSHSOJ(creds adapter.CredentialSource, hoj *hojClient) *SHSOJ {
	return &SHSOJ{creds: creds, hoj: hoj}
}

func (a *SHSOJ) Name() string        { return probid.DomainSHSOJ }
func (a *SHSOJ) DisplayName() string { return "SHSBNU OJ" }
func (a *SHSOJ) Version() string     { return "1.2.0" }

func (a *SHSOJ) Capabilities() []adapter.Capability {
	return []adapter.Capability{
		adapter.CapFetchProblem,
		adapter.CapUploadData,
		adapter.CapSubmitSolution,
		adapter.CapJudgeStatus,
		adapter.CapListTraining,
	}
}

func (a *SHSOJ) ConfigSchema() []adapter.ConfigField {
	return []adapter.ConfigField{
		{Name: "username", Kind: adapter.FieldText, Required: true, Help: "judge account name"},
		{Name: "password", Kind: adapter.FieldPassword, Required: true},
		{Name: "base_url", Kind: adapter.FieldText, Help: "frontend URL, defaults to " + shsojDefaultBase},
	}
}

func (a *SHSOJ) SupportsURL(raw string) bool {
	lower := strings.ToLower(raw)
	return strings.Contains(lower, "shsbnu.net") || strings.Contains(lower, "shsoj")
}

// shsojBases resolves the API and frontend URLs from the per-user config.
func shsojBases(cfg map[string]string) (api, frontend string) {
	base := cfg["base_url"]
	if base == "" {
		base = shsojDefaultBase
	}
	api = deriveAPIURL(base)
	return api, deriveFrontendURL(api)
}

// session resolves credentials from ctx and logs in. Username and password
// are required for every account-bound operation.
func (a *SHSOJ) session(ctx context.Context) (api, frontend, token string, err error) {
	cfg, err := adapter.Credentials(ctx, a.creds, a.Name())
	if err != nil {
		return "", "", "", err
	}
	api, frontend = shsojBases(cfg)
	username, password := cfg["username"], cfg["password"]
	if username == "" || password == "" {
		return "", "", "", errors.New(errors.AdapterConfigMissing).
			WithDetail("adapter", a.Name()).
			WithDetail("missing", "username/password")
	}
	token, err = a.hoj.token(ctx, api, username, password)
	if err != nil {
		return "", "", "", err
	}
	return api, frontend, token, nil
}

// FetchProblem reads a statement through the public detail endpoint; no
// account is needed for that.
func (a *SHSOJ) FetchProblem(ctx context.Context, pid string) (*model.Statement, error) {
	cfg, err := adapter.Credentials(ctx, a.creds, a.Name())
	if err != nil {
		return nil, err
	}
	api, _ := shsojBases(cfg)
	return a.hoj.fetchProblem(ctx, api, pid)
}

// UploadData ships the generated cases and the statement to the judge's
// admin API. The workspace problem id becomes the judge's display id; an
// existing problem with that id is updated in place rather than duplicated.
func (a *SHSOJ) UploadData(ctx context.Context, ws *workspace.Workspace) (*adapter.UploadResult, error) {
	api, frontend, token, err := a.session(ctx)
	if err != nil {
		return nil, err
	}
	st, err := ws.ReadStatement()
	if err != nil {
		return nil, err
	}
	cases, err := ws.GeneratedCases()
	if err != nil {
		return nil, err
	}
	if len(cases) == 0 {
		return nil, errors.New(errors.GeneratedDataMissing)
	}

	dir, scores, err := a.uploadTestcases(ctx, api, frontend, token, cases)
	if err != nil {
		return nil, err
	}

	displayID := ws.ProblemID
	backendID, err := a.findProblem(ctx, api, frontend, token, displayID)
	if err != nil {
		return nil, err
	}
	method := http.MethodPost
	if backendID != 0 {
		method = http.MethodPut
	}
	payload := shsojProblemPayload(displayID, backendID, st, dir, scores)
	env, err := a.hoj.doJSON(ctx, method, api+"/api/admin/problem", token, frontend, payload)
	if err != nil {
		return nil, err
	}
	if !env.ok() {
		return nil, envErr(env)
	}

	var created struct {
		Problem struct {
			ID        int64  `json:"id"`
			ProblemID string `json:"problemId"`
		} `json:"problem"`
		ProblemID string `json:"problemId"`
	}
	_ = json.Unmarshal(env.Data, &created)
	if created.Problem.ID == 0 && backendID == 0 {
		// Some deployments return an empty body on create; confirm through
		// the admin list so the caller gets a usable backend id.
		if id, err := a.findProblem(ctx, api, frontend, token, displayID); err == nil {
			backendID = id
		}
	} else if created.Problem.ID != 0 {
		backendID = created.Problem.ID
	}

	meta := map[string]string{
		"cases":        strconv.Itoa(len(cases)),
		"testcase_dir": dir,
	}
	if backendID != 0 {
		meta["backend_id"] = strconv.FormatInt(backendID, 10)
	}
	return &adapter.UploadResult{
		RealID: displayID,
		URL:    frontend + "/problem/" + url.PathEscape(displayID),
		Meta:   meta,
	}, nil
}

// uploadTestcases zips the generated cases into the judge's 0-based
// i.in/i.out layout and posts them, returning the server-side directory
// handle and the per-case score split.
func (a *SHSOJ) uploadTestcases(ctx context.Context, api, frontend, token string, cases []workspace.Case) (string, []shsojCaseScore, error) {
	var zipBuf bytes.Buffer
	zw := zip.NewWriter(&zipBuf)
	names := make([][2]string, 0, len(cases))
	for i, c := range cases {
		inName := fmt.Sprintf("%d.in", i)
		outName := fmt.Sprintf("%d.out", i)
		if err := addZipFile(zw, inName, c.InPath); err != nil {
			return "", nil, err
		}
		if err := addZipFile(zw, outName, c.AnsPath); err != nil {
			return "", nil, err
		}
		names = append(names, [2]string{inName, outName})
	}
	if err := zw.Close(); err != nil {
		return "", nil, errors.Wrap(err, errors.InternalServerError)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="testcase.zip"`)
	hdr.Set("Content-Type", "application/x-zip-compressed")
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return "", nil, errors.Wrap(err, errors.InternalServerError)
	}
	if _, err := part.Write(zipBuf.Bytes()); err != nil {
		return "", nil, errors.Wrap(err, errors.InternalServerError)
	}
	if err := mw.Close(); err != nil {
		return "", nil, errors.Wrap(err, errors.InternalServerError)
	}

	env, err := a.hoj.do(ctx, http.MethodPost, api+"/api/file/upload-testcase-zip?mode=default",
		token, frontend, &body, mw.FormDataContentType())
	if err != nil {
		return "", nil, err
	}
	if !env.ok() {
		return "", nil, envErr(env)
	}
	var data struct {
		UploadTestcaseDir string `json:"uploadTestcaseDir"`
		FileListDir       string `json:"fileListDir"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return "", nil, errors.Wrapf(err, errors.AdapterParseFailed, "decode testcase upload response")
	}
	dir := data.UploadTestcaseDir
	if dir == "" {
		dir = data.FileListDir
	}
	if dir == "" {
		return "", nil, errors.New(errors.AdapterBadData).WithMessage("upload response carried no testcase dir")
	}
	return dir, caseScores(names), nil
}

func addZipFile(zw *zip.Writer, name, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, errors.WorkspaceError, "read case file %s", path)
	}
	w, err := zw.Create(name)
	if err != nil {
		return errors.Wrap(err, errors.InternalServerError)
	}
	if _, err := w.Write(data); err != nil {
		return errors.Wrap(err, errors.InternalServerError)
	}
	return nil
}

// shsojCaseScore is one row of the judge's test-case score table.
type shsojCaseScore struct {
	Input  string `json:"input"`
	Output string `json:"output"`
	Score  int    `json:"score"`
	Index  int    `json:"index"`
	XID    string `json:"_XID"`
}

// caseScores splits 100 points across the cases; early cases absorb the
// remainder so the sum is exact.
func caseScores(names [][2]string) []shsojCaseScore {
	n := len(names)
	base := 100 / n
	rem := 100 % n
	scores := make([]shsojCaseScore, n)
	for i, nm := range names {
		s := base
		if i < rem {
			s++
		}
		scores[i] = shsojCaseScore{
			Input:  nm[0],
			Output: nm[1],
			Score:  s,
			Index:  i + 1,
			XID:    fmt.Sprintf("row_%d", i+6),
		}
	}
	return scores
}

// findProblem looks the display id up through the admin list and returns the
// backend row id, zero when absent.
func (a *SHSOJ) findProblem(ctx context.Context, api, frontend, token, displayID string) (int64, error) {
	payload := map[string]any{
		"problemId":   displayID,
		"tagIdList":   []int{},
		"limit":       10,
		"currentPage": 1,
		"isGroup":     false,
	}
	env, err := a.hoj.doJSON(ctx, http.MethodPost, api+"/api/admin/problem/get-admin-problem-list",
		token, frontend, payload)
	if err != nil {
		return 0, err
	}
	if !env.ok() {
		return 0, envErr(env)
	}
	var data struct {
		Records []struct {
			ID        int64  `json:"id"`
			ProblemID string `json:"problemId"`
		} `json:"records"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return 0, errors.Wrapf(err, errors.AdapterParseFailed, "decode admin problem list")
	}
	for _, r := range data.Records {
		if r.ProblemID == displayID {
			return r.ID, nil
		}
	}
	return 0, nil
}

// shsojProblemPayload mirrors the admin problem form. A zero backendID means
// create, non-zero updates that row in place.
func shsojProblemPayload(displayID string, backendID int64, st *model.Statement, testcaseDir string, scores []shsojCaseScore) map[string]any {
	var id any
	if backendID != 0 {
		id = backendID
	}
	timeLimit := st.Limits.TimeMS
	if timeLimit <= 0 {
		timeLimit = 1000
	}
	memoryLimit := st.Limits.MemoryMB
	if memoryLimit <= 0 {
		memoryLimit = 256
	}
	problem := map[string]any{
		"id":                id,
		"problemId":         displayID,
		"title":             st.Title,
		"author":            "ojforge",
		"type":              1,
		"publishStatus":     1,
		"judgeMode":         "default",
		"judgeCaseMode":     "default",
		"timeLimit":         timeLimit,
		"memoryLimit":       memoryLimit,
		"stackLimit":        128,
		"description":       st.Body,
		"input":             st.InputFormat,
		"output":            st.OutputFormat,
		"examples":          encodeHOJExamples(st.Samples),
		"isRemote":          false,
		"source":            "",
		"difficulty":        0,
		"hint":              st.Notes,
		"auth":              1,
		"ioScore":           100,
		"codeShare":         false,
		"spjCode":           nil,
		"spjLanguage":       nil,
		"isRemoveEndBlank":  true,
		"openCaseResult":    true,
		"isUploadCase":      true,
		"uploadTestcaseDir": testcaseDir,
		"testCaseScore":     scores,
		"isFileIO":          false,
		"isGroup":           false,
		"contestProblem":    map[string]any{},
	}
	return map[string]any{
		"changeModeCode":      true,
		"changeJudgeCaseMode": true,
		"problem":             problem,
		"codeTemplates":       []any{},
		"tags":                []any{},
		"languages": []map[string]any{
			{"id": 3, "name": "C++ With O2"},
			{"id": 6, "name": "Python3"},
		},
		"isUploadTestCase":  true,
		"uploadTestcaseDir": testcaseDir,
		"judgeMode":         "default",
		"samples":           scores,
	}
}

// SubmitSolution posts code against a problem and returns the submission id
// as the polling handle.
func (a *SHSOJ) SubmitSolution(ctx context.Context, realID, code, lang string) (string, error) {
	api, frontend, token, err := a.session(ctx)
	if err != nil {
		return "", err
	}
	judgeLang, ok := shsojLanguages[strings.ToLower(lang)]
	if !ok {
		judgeLang = shsojLanguages["cpp"]
	}
	payload := map[string]any{
		"pid":      realID,
		"language": judgeLang,
		"code":     code,
		"cid":      0,
		"tid":      nil,
		"gid":      nil,
		"isRemote": false,
	}
	env, err := a.hoj.doJSON(ctx, http.MethodPost, api+"/api/submit-problem-judge", token, frontend, payload)
	if err != nil {
		return "", err
	}
	if !env.ok() {
		return "", envErr(env)
	}
	var byField struct {
		SubmitID int64 `json:"submitId"`
	}
	if json.Unmarshal(env.Data, &byField) == nil && byField.SubmitID != 0 {
		return strconv.FormatInt(byField.SubmitID, 10), nil
	}
	var direct int64
	if json.Unmarshal(env.Data, &direct) == nil && direct != 0 {
		return strconv.FormatInt(direct, 10), nil
	}
	return "", errors.New(errors.SubmitFailed).WithMessage("submit response carried no id")
}

type shsojSubmission struct {
	Status       int    `json:"status"`
	Score        *int   `json:"score"`
	ErrorMessage string `json:"errorMessage"`
}

// JudgeStatus polls one submission. The submission object sits under
// data.submission on current deployments and directly under data on older
// ones.
func (a *SHSOJ) JudgeStatus(ctx context.Context, handle string) (*adapter.JudgeResult, error) {
	api, frontend, token, err := a.session(ctx)
	if err != nil {
		return nil, err
	}
	u := api + "/api/get-submission-detail?submitId=" + url.QueryEscape(handle)
	env, err := a.hoj.do(ctx, http.MethodGet, u, token, frontend, nil, "")
	if err != nil {
		return nil, err
	}
	if !env.ok() {
		return nil, envErr(env)
	}
	var wrapped struct {
		Submission *shsojSubmission `json:"submission"`
	}
	var sub shsojSubmission
	if json.Unmarshal(env.Data, &wrapped) == nil && wrapped.Submission != nil {
		sub = *wrapped.Submission
	} else if err := json.Unmarshal(env.Data, &sub); err != nil {
		return nil, errors.Wrapf(err, errors.AdapterParseFailed, "decode submission detail")
	}
	res := &adapter.JudgeResult{Verdict: hojVerdict(sub.Status), Score: -1}
	if sub.Score != nil {
		res.Score = *sub.Score
	}
	if sub.ErrorMessage != "" {
		res.Logs = sub.ErrorMessage
	}
	return res, nil
}

type shsojTrainingProblem struct {
	ProblemID string `json:"problemId"`
	DisplayID string `json:"displayId"`
	Problem   *struct {
		ProblemID string `json:"problemId"`
	} `json:"problem"`
}

func (p *shsojTrainingProblem) ref() string {
	switch {
	case p.ProblemID != "":
		return p.ProblemID
	case p.DisplayID != "":
		return p.DisplayID
	case p.Problem != nil:
		return p.Problem.ProblemID
	}
	return ""
}

// ListTrainingIDs expands a training (problem set) reference into its
// problem ids, which the task service then normalizes one by one.
func (a *SHSOJ) ListTrainingIDs(ctx context.Context, ref string) ([]string, error) {
	api, frontend, token, err := a.session(ctx)
	if err != nil {
		return nil, err
	}
	u := api + "/api/get-training-problem-list?tid=" + url.QueryEscape(ref)
	env, err := a.hoj.do(ctx, http.MethodGet, u, token, frontend, nil, "")
	if err != nil {
		return nil, err
	}
	if !env.ok() {
		return nil, envErr(env)
	}
	var rows []shsojTrainingProblem
	if json.Unmarshal(env.Data, &rows) != nil {
		var page struct {
			Records []shsojTrainingProblem `json:"records"`
		}
		if err := json.Unmarshal(env.Data, &page); err != nil {
			return nil, errors.Wrapf(err, errors.AdapterParseFailed, "decode training problem list")
		}
		rows = page.Records
	}
	ids := make([]string, 0, len(rows))
	for i := range rows {
		if id := rows[i].ref(); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
