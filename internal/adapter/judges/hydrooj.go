package judges

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/klauspost/compress/zip"
	"gopkg.in/yaml.v3"

	"ojforge/internal/adapter"
	"ojforge/internal/model"
	"ojforge/internal/probid"
	"ojforge/internal/workspace"
	"ojforge/pkg/errors"
)

// HydroOJ targets Hydro instances through their web surface with cookie
// auth: problem import, title search, submission and record polling.
type HydroOJ struct {
	creds      adapter.CredentialSource
	hc         *http.Client
	noRedirect *http.Client
}

var (
	_ adapter.Uploader      = (*HydroOJ)(nil)
	_ adapter.TitleSearcher = (*HydroOJ)(nil)
	_ adapter.Submitter     = (*HydroOJ)(nil)
)

// NewHydroOJ derives a non-following twin of hc for the endpoints that
// answer with a redirect we must read ourselves.
func NewHydroOJ(creds adapter.CredentialSource, hc *http.Client) *HydroOJ {
	nr := *hc
	nr.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	return &HydroOJ{creds: creds, hc: hc, noRedirect: &nr}
}

func (h *HydroOJ) Name() string        { return probid.DomainHydroOJ }
func (h *HydroOJ) DisplayName() string { return "HydroOJ" }
func (h *HydroOJ) Version() string     { return "1.1.0" }

func (h *HydroOJ) Capabilities() []adapter.Capability {
	return []adapter.Capability{
		adapter.CapUploadData,
		adapter.CapSearchByTitle,
		adapter.CapSubmitSolution,
		adapter.CapJudgeStatus,
	}
}

func (h *HydroOJ) ConfigSchema() []adapter.ConfigField {
	return []adapter.ConfigField{
		{Name: "base_url", Kind: adapter.FieldText, Required: true, Help: "instance URL, a pasted /d/<domain> link works too"},
		{Name: "domain", Kind: adapter.FieldText, Help: "target domain, defaults to system"},
		{Name: "cookie", Kind: adapter.FieldPassword, Required: true, Help: "browser cookie: sid=...; sid.sig=..."},
		{Name: "preferred_prefix", Kind: adapter.FieldText, Help: "prefix for imported problem ids"},
	}
}

func (h *HydroOJ) SupportsURL(raw string) bool {
	return strings.Contains(strings.ToLower(raw), "hydro")
}

type hydroConfig struct {
	base   string
	domain string
	cookie string
	prefix string
}

func (c *hydroConfig) problemURL(pid string) string {
	return c.base + "/d/" + c.domain + "/p/" + url.PathEscape(pid)
}

// hydroConfigFrom validates the per-user fields. A base URL pasted with its
// /d/<domain> tail fills the domain when that field is blank.
func hydroConfigFrom(cfg map[string]string) (*hydroConfig, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg["base_url"]), "/")
	if base == "" {
		return nil, errors.New(errors.AdapterConfigMissing).
			WithDetail("adapter", probid.DomainHydroOJ).
			WithDetail("missing", "base_url")
	}
	domain := strings.TrimSpace(cfg["domain"])
	if i := strings.Index(base, "/d/"); i >= 0 {
		tail := strings.Trim(base[i+3:], "/")
		if domain == "" && tail != "" {
			domain = strings.SplitN(tail, "/", 2)[0]
		}
		base = strings.TrimRight(base[:i], "/")
	}
	if domain == "" {
		domain = "system"
	}
	cookie := strings.TrimSpace(cfg["cookie"])
	if cookie == "" {
		return nil, errors.New(errors.AdapterConfigMissing).
			WithDetail("adapter", probid.DomainHydroOJ).
			WithDetail("missing", "cookie")
	}
	return &hydroConfig{
		base:   base,
		domain: domain,
		cookie: cookie,
		prefix: strings.TrimSpace(cfg["preferred_prefix"]),
	}, nil
}

func (h *HydroOJ) config(ctx context.Context) (*hydroConfig, error) {
	cfg, err := adapter.Credentials(ctx, h.creds, h.Name())
	if err != nil {
		return nil, err
	}
	return hydroConfigFrom(cfg)
}

// getPage fetches one page with the session cookie and returns both the
// parsed document and the raw HTML, which the csrf fallback needs.
func (h *HydroOJ) getPage(ctx context.Context, cfg *hydroConfig, pageURL, referer string) (*goquery.Document, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, "", errors.Wrap(err, errors.InternalServerError)
	}
	req.Header.Set("Cookie", cfg.cookie)
	req.Header.Set("User-Agent", browserUA)
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
	resp, err := h.noRedirect.Do(req)
	if err != nil {
		return nil, "", classifyTransport(ctx, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		loc := resp.Header.Get("Location")
		if isAuthRedirect(loc) {
			return nil, "", errors.New(errors.AdapterAuthFailed).
				WithMessage("session cookie expired or lacks permission").
				WithDetail("redirect", loc)
		}
		return nil, "", errors.Newf(errors.AdapterTransient, "unexpected redirect to %s", loc)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, "", classifyTransport(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", classifyStatus(resp.StatusCode, raw)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, "", errors.Wrapf(err, errors.AdapterParseFailed, "parse judge page")
	}
	return doc, string(raw), nil
}

// SearchByTitle scans the problem list for an exact normalized-title match
// and returns its pid, empty when nothing matches.
func (h *HydroOJ) SearchByTitle(ctx context.Context, title string) (string, error) {
	cfg, err := h.config(ctx)
	if err != nil {
		return "", err
	}
	return h.searchByTitle(ctx, cfg, title)
}

func (h *HydroOJ) searchByTitle(ctx context.Context, cfg *hydroConfig, title string) (string, error) {
	want := normalizeTitle(title)
	if want == "" {
		return "", nil
	}
	listURL := cfg.base + "/d/" + cfg.domain + "/p?q=" + url.QueryEscape(want)
	doc, _, err := h.getPage(ctx, cfg, listURL, cfg.base+"/d/"+cfg.domain+"/p")
	if err != nil {
		return "", err
	}
	var found string
	doc.Find("tr[data-pid]").EachWithBreak(func(_ int, row *goquery.Selection) bool {
		pid, ok := row.Attr("data-pid")
		if !ok || pid == "" {
			return true
		}
		match := false
		row.Find("a").Each(func(_ int, link *goquery.Selection) {
			if normalizeTitle(link.Text()) == want {
				match = true
			}
		})
		if match {
			found = pid
			return false
		}
		return true
	})
	return found, nil
}

// UploadData packs the workspace into Hydro's import format and ships it.
// The judge answers the import with either JSON or a redirect; when neither
// carries the new pid we fall back to title search while the index catches
// up.
func (h *HydroOJ) UploadData(ctx context.Context, ws *workspace.Workspace) (*adapter.UploadResult, error) {
	cfg, err := h.config(ctx)
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

	pack, err := hydroPack(st, ws.ProblemID, cases)
	if err != nil {
		return nil, err
	}

	importURL := cfg.base + "/d/" + cfg.domain + "/problem/import/hydro"
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("preferredPrefix", cfg.prefix); err != nil {
		return nil, errors.Wrap(err, errors.InternalServerError)
	}
	part, err := mw.CreateFormFile("file", safeTitle(st.Title)+"-std.zip")
	if err != nil {
		return nil, errors.Wrap(err, errors.InternalServerError)
	}
	if _, err := part.Write(pack); err != nil {
		return nil, errors.Wrap(err, errors.InternalServerError)
	}
	if err := mw.Close(); err != nil {
		return nil, errors.Wrap(err, errors.InternalServerError)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, importURL, &body)
	if err != nil {
		return nil, errors.Wrap(err, errors.InternalServerError)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Cookie", cfg.cookie)
	req.Header.Set("User-Agent", browserUA)
	req.Header.Set("Origin", cfg.base)
	req.Header.Set("Referer", importURL)
	resp, err := h.noRedirect.Do(req)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))

	var realID string
	switch {
	case resp.StatusCode == http.StatusOK:
		realID = extractHydroPID(raw)
		if realID == "" {
			realID = h.searchWithRetries(ctx, cfg, st.Title)
		}
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		loc := resp.Header.Get("Location")
		if isAuthRedirect(loc) {
			return nil, errors.New(errors.AdapterAuthFailed).
				WithMessage("session cookie expired or lacks import permission").
				WithDetail("redirect", loc)
		}
		realID = pidFromLocation(loc)
		if realID == "" {
			realID = h.searchWithRetries(ctx, cfg, st.Title)
		}
	case resp.StatusCode == http.StatusNotFound:
		return nil, errors.Newf(errors.RemoteNotFound, "import endpoint not found; check base_url and domain %q", cfg.domain)
	default:
		return nil, classifyStatus(resp.StatusCode, raw)
	}

	meta := map[string]string{
		"domain": cfg.domain,
		"cases":  strconv.Itoa(len(cases)),
	}
	res := &adapter.UploadResult{RealID: realID, Meta: meta}
	if realID != "" {
		res.URL = cfg.problemURL(realID)
	}
	return res, nil
}

// searchWithRetries re-runs the title search while the judge's search index
// catches up with a fresh import.
func (h *HydroOJ) searchWithRetries(ctx context.Context, cfg *hydroConfig, title string) string {
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, time.Duration(attempt)*1500*time.Millisecond); err != nil {
				return ""
			}
		}
		if pid, err := h.searchByTitle(ctx, cfg, title); err == nil && pid != "" {
			return pid
		}
	}
	return ""
}

// hydroLanguage maps our normalized language names onto Hydro keys; a name
// that already looks like a Hydro key passes through.
func hydroLanguage(lang string) string {
	if strings.Contains(lang, ".") {
		return lang
	}
	switch strings.ToLower(lang) {
	case "python", "py", "python3":
		return "py.py3"
	case "java":
		return "java"
	default:
		return "cc.cc17o2"
	}
}

var csrfScriptRe = regexp.MustCompile(`csrfToken["']?\s*[:=]\s*["']([^"']+)["']`)

// extractCSRF pulls the token from the submit form, the meta tag or the
// inline script, in that order.
func extractCSRF(doc *goquery.Document, rawHTML string) string {
	if v, ok := doc.Find(`input[name="csrfToken"]`).First().Attr("value"); ok && v != "" {
		return v
	}
	if v, ok := doc.Find(`meta[name="csrf-token"]`).First().Attr("content"); ok && v != "" {
		return v
	}
	if m := csrfScriptRe.FindStringSubmatch(rawHTML); m != nil {
		return m[1]
	}
	return ""
}

// SubmitSolution loads the submit form for its csrf token, posts the code
// and reads the record id out of the redirect.
func (h *HydroOJ) SubmitSolution(ctx context.Context, realID, code, lang string) (string, error) {
	cfg, err := h.config(ctx)
	if err != nil {
		return "", err
	}
	submitURL := cfg.problemURL(realID) + "/submit"
	doc, rawHTML, err := h.getPage(ctx, cfg, submitURL, cfg.problemURL(realID))
	if err != nil {
		return "", err
	}
	csrf := extractCSRF(doc, rawHTML)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("lang", hydroLanguage(lang)); err != nil {
		return "", errors.Wrap(err, errors.InternalServerError)
	}
	if err := mw.WriteField("code", code); err != nil {
		return "", errors.Wrap(err, errors.InternalServerError)
	}
	if _, err := mw.CreateFormFile("file", ""); err != nil {
		return "", errors.Wrap(err, errors.InternalServerError)
	}
	if csrf != "" {
		if err := mw.WriteField("csrfToken", csrf); err != nil {
			return "", errors.Wrap(err, errors.InternalServerError)
		}
	}
	if err := mw.Close(); err != nil {
		return "", errors.Wrap(err, errors.InternalServerError)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, submitURL, &body)
	if err != nil {
		return "", errors.Wrap(err, errors.InternalServerError)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Cookie", cfg.cookie)
	req.Header.Set("User-Agent", browserUA)
	req.Header.Set("Origin", cfg.base)
	req.Header.Set("Referer", submitURL)
	resp, err := h.noRedirect.Do(req)
	if err != nil {
		return "", classifyTransport(ctx, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))

	switch {
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		loc := resp.Header.Get("Location")
		if isAuthRedirect(loc) {
			return "", errors.New(errors.AdapterAuthFailed).
				WithMessage("session cookie expired or lacks submit permission").
				WithDetail("redirect", loc)
		}
		if rid := ridFromLocation(loc); rid != "" {
			return rid, nil
		}
		return "", errors.Newf(errors.SubmitFailed, "submit redirect carried no record id: %s", loc)
	case resp.StatusCode == http.StatusOK:
		// The form re-rendered instead of redirecting, which means the judge
		// rejected the submission.
		return "", errors.New(errors.SubmitFailed).WithMessage("judge re-rendered the submit form")
	default:
		return "", classifyStatus(resp.StatusCode, raw)
	}
}

// hydroVerdicts maps record-status text to the common verdict set, checked
// in order so the keyword fallback prefers terminal states.
var hydroVerdicts = []struct {
	text    string
	verdict adapter.Verdict
}{
	{"Accepted", adapter.VerdictAccepted},
	{"Wrong Answer", adapter.VerdictWrongAnswer},
	{"Time Limit Exceeded", adapter.VerdictTimeLimit},
	{"Memory Limit Exceeded", adapter.VerdictMemoryLimit},
	{"Runtime Error", adapter.VerdictRuntimeError},
	{"Compile Error", adapter.VerdictCompileError},
	{"System Error", adapter.VerdictRuntimeError},
	{"Judging", adapter.VerdictPending},
	{"Compiling", adapter.VerdictPending},
	{"Fetched", adapter.VerdictPending},
	{"Waiting", adapter.VerdictPending},
	{"Pending", adapter.VerdictPending},
}

func hydroVerdict(text string) (adapter.Verdict, bool) {
	for _, v := range hydroVerdicts {
		if strings.EqualFold(text, v.text) {
			return v.verdict, true
		}
	}
	return adapter.VerdictPending, false
}

// JudgeStatus reads the record page. The status span carries the verdict
// text; a sibling span carries the score when the domain shows one.
func (h *HydroOJ) JudgeStatus(ctx context.Context, handle string) (*adapter.JudgeResult, error) {
	cfg, err := h.config(ctx)
	if err != nil {
		return nil, err
	}
	recordURL := cfg.base + "/d/" + cfg.domain + "/record/" + url.PathEscape(handle)
	doc, _, err := h.getPage(ctx, cfg, recordURL, "")
	if err != nil {
		return nil, err
	}

	// The status cell renders the score and the verdict as sibling spans
	// sharing one class, so scan them all instead of trusting the first.
	res := &adapter.JudgeResult{Verdict: adapter.VerdictPending, Score: -1}
	found := false
	doc.Find("span.record-status--text").Each(func(_ int, s *goquery.Selection) {
		text := normalizeTitle(s.Text())
		if n, err := strconv.Atoi(text); err == nil {
			res.Score = n
			return
		}
		if verdict, ok := hydroVerdict(text); ok && !found {
			res.Verdict = verdict
			found = true
		}
	})
	if found {
		return res, nil
	}
	page := doc.Text()
	for _, v := range hydroVerdicts {
		if strings.Contains(page, v.text) {
			res.Verdict = v.verdict
			return res, nil
		}
	}
	return nil, errors.New(errors.AdapterParseFailed).WithMessage("record page carried no status")
}

// hydroProblemYAML is the problem.yaml inside an import package. Field
// order matters to human readers, so this stays a struct.
type hydroProblemYAML struct {
	Title       string   `yaml:"title"`
	PID         string   `yaml:"pid"`
	Tag         []string `yaml:"tag"`
	Difficulty  string   `yaml:"difficulty"`
	TimeLimit   int      `yaml:"time_limit"`
	MemoryLimit int      `yaml:"memory_limit"`
}

// hydroPack builds the import zip: one {title}-std/ directory holding
// problem_zh.md, problem.yaml and 1-based testdata files.
func hydroPack(st *model.Statement, pid string, cases []workspace.Case) ([]byte, error) {
	timeLimit := st.Limits.TimeMS
	if timeLimit <= 0 {
		timeLimit = 1000
	}
	memoryLimit := st.Limits.MemoryMB
	if memoryLimit <= 0 {
		memoryLimit = 256
	}
	tags := st.Tags
	if tags == nil {
		tags = []string{}
	}
	meta, err := yaml.Marshal(hydroProblemYAML{
		Title:       st.Title,
		PID:         pid,
		Tag:         tags,
		Difficulty:  "未知",
		TimeLimit:   timeLimit,
		MemoryLimit: memoryLimit,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.InternalServerError)
	}

	root := safeTitle(st.Title) + "-std/"
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	writeEntry := func(name string, data []byte) error {
		w, err := zw.Create(root + name)
		if err != nil {
			return errors.Wrap(err, errors.InternalServerError)
		}
		if _, err := w.Write(data); err != nil {
			return errors.Wrap(err, errors.InternalServerError)
		}
		return nil
	}
	if err := writeEntry("problem_zh.md", []byte(hydroProblemMD(st))); err != nil {
		return nil, err
	}
	if err := writeEntry("problem.yaml", meta); err != nil {
		return nil, err
	}
	for i, c := range cases {
		in, err := os.ReadFile(c.InPath)
		if err != nil {
			return nil, errors.Wrapf(err, errors.WorkspaceError, "read case file %s", c.InPath)
		}
		ans, err := os.ReadFile(c.AnsPath)
		if err != nil {
			return nil, errors.Wrapf(err, errors.WorkspaceError, "read case file %s", c.AnsPath)
		}
		if err := writeEntry(fmt.Sprintf("testdata/%d.in", i+1), in); err != nil {
			return nil, err
		}
		if err := writeEntry(fmt.Sprintf("testdata/%d.ans", i+1), ans); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, errors.InternalServerError)
	}
	return buf.Bytes(), nil
}

// hydroProblemMD renders the statement in Hydro's markdown layout with its
// fenced 1-based sample blocks.
func hydroProblemMD(st *model.Statement) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n\n", st.Title)
	if st.Body != "" {
		b.WriteString(st.Body)
		b.WriteString("\n\n")
	}
	if st.InputFormat != "" {
		b.WriteString("## 输入格式\n\n")
		b.WriteString(st.InputFormat)
		b.WriteString("\n\n")
	}
	if st.OutputFormat != "" {
		b.WriteString("## 输出格式\n\n")
		b.WriteString(st.OutputFormat)
		b.WriteString("\n\n")
	}
	for i, s := range st.Samples {
		fmt.Fprintf(&b, "```input%d\n%s\n```\n\n", i+1, strings.TrimSpace(s.In))
		fmt.Fprintf(&b, "```output%d\n%s\n```\n\n", i+1, strings.TrimSpace(s.Out))
	}
	if st.Notes != "" {
		b.WriteString("## 提示\n\n")
		b.WriteString(st.Notes)
		b.WriteString("\n")
	} else if st.Limits.TimeMS > 0 || st.Limits.MemoryMB > 0 {
		b.WriteString("## 数据范围\n\n")
		if st.Limits.TimeMS > 0 {
			fmt.Fprintf(&b, "时间限制: %dms\n", st.Limits.TimeMS)
		}
		if st.Limits.MemoryMB > 0 {
			fmt.Fprintf(&b, "内存限制: %dMB\n", st.Limits.MemoryMB)
		}
	}
	return b.String()
}

// safeTitle keeps letters, digits, spaces, dashes and underscores, which is
// what the judge tolerates in import directory names.
func safeTitle(title string) string {
	var b strings.Builder
	for _, r := range title {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	s := strings.TrimSpace(b.String())
	if s == "" {
		return "problem"
	}
	return s
}

// extractHydroPID digs the new problem id out of a JSON import response;
// deployments disagree on the field name and nesting.
func extractHydroPID(raw []byte) string {
	var body struct {
		PID       any `json:"pid"`
		ProblemID any `json:"problemId"`
		ID        any `json:"id"`
		Data      struct {
			PID       any `json:"pid"`
			ProblemID any `json:"problemId"`
			ID        any `json:"id"`
		} `json:"data"`
	}
	if json.Unmarshal(raw, &body) != nil {
		return ""
	}
	for _, v := range []any{body.PID, body.ProblemID, body.ID, body.Data.PID, body.Data.ProblemID, body.Data.ID} {
		if s := anyToID(v); s != "" {
			return s
		}
	}
	return ""
}

func anyToID(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		if x == 0 {
			return ""
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return ""
}

// pidFromLocation reads the problem id out of a post-import redirect. The
// import page's own path segment is excluded.
func pidFromLocation(loc string) string {
	for _, marker := range []string{"/problem/", "/p/"} {
		i := strings.Index(loc, marker)
		if i < 0 {
			continue
		}
		tail := loc[i+len(marker):]
		if j := strings.IndexAny(tail, "/?#"); j >= 0 {
			tail = tail[:j]
		}
		if tail != "" && tail != "import" {
			return tail
		}
	}
	return ""
}

func ridFromLocation(loc string) string {
	i := strings.Index(loc, "/record/")
	if i < 0 {
		return ""
	}
	tail := loc[i+len("/record/"):]
	if j := strings.IndexAny(tail, "/?#"); j >= 0 {
		tail = tail[:j]
	}
	return tail
}

// isAuthRedirect reports whether a redirect target is a login or error
// page, which means the session cookie no longer works.
func isAuthRedirect(loc string) bool {
	l := strings.ToLower(loc)
	if strings.Contains(l, "/login") || strings.Contains(l, "/signin") || strings.Contains(l, "/error") {
		return true
	}
	return strings.Contains(l, "auth") && (strings.Contains(l, "fail") || strings.Contains(l, "denied"))
}

// sleepCtx waits d respecting cancellation and deadline.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return errors.Wrap(ctx.Err(), errors.Timeout)
		}
		return errors.CancelledError()
	case <-t.C:
		return nil
	}
}
