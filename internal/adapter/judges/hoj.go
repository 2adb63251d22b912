package judges

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"ojforge/internal/adapter"
	"ojforge/internal/model"
	"ojforge/pkg/errors"
)

// hojClient speaks the HOJ judge API shared by the shsoj and aicoders
// deployments. Sessions are token based; tokens are memoized per credential
// fingerprint so a changed password misses the cache naturally.
type hojClient struct {
	hc *http.Client

	mu     sync.Mutex
	tokens map[string]hojToken
}

type hojToken struct {
	value   string
	expires time.Time
}

const hojTokenTTL = 30 * time.Minute

func newHOJClient(hc *http.Client) *hojClient {
	return &hojClient{hc: hc, tokens: make(map[string]hojToken)}
}

// deriveAPIURL maps a frontend URL to the deployment's API host. URLs that
// already point at an API host pass through unchanged.
func deriveAPIURL(base string) string {
	u := strings.TrimRight(base, "/")
	switch {
	case strings.Contains(u, "oj-api.") || strings.Contains(u, "api-tcoj."):
		return u
	case strings.Contains(u, "oj.shsbnu.net"):
		return strings.Replace(u, "oj.shsbnu.net", "oj-api.shsbnu.net", 1)
	case strings.Contains(u, "aicoders.cn"):
		return "https://api-tcoj.aicoders.cn"
	}
	return u
}

// deriveFrontendURL is the inverse mapping, used for Origin/Referer headers
// and for building problem links.
func deriveFrontendURL(api string) string {
	u := strings.TrimRight(api, "/")
	u = strings.Replace(u, "oj-api.", "oj.", 1)
	u = strings.Replace(u, "api-tcoj.", "oj.", 1)
	return u
}

// hojEnvelope is the {code, msg, data} wrapper around every API response.
// Both 0 and 200 mean success depending on the deployment.
type hojEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (e *hojEnvelope) ok() bool { return e.Code == 0 || e.Code == 200 }

// envErr converts a non-ok envelope into a classified error. Code 10002 is
// the judge's submit throttle.
func envErr(env *hojEnvelope) error {
	switch env.Code {
	case 10002:
		return errors.Newf(errors.AdapterRateLimited, "judge throttled the request: %s", env.Msg)
	case 401, 402, 403:
		return errors.Newf(errors.AdapterAuthFailed, "judge rejected the session: %s", env.Msg)
	case 404:
		return errors.Newf(errors.RemoteNotFound, "%s", env.Msg)
	default:
		return errors.Newf(errors.AdapterUpstreamError, "judge error %d: %s", env.Code, env.Msg)
	}
}

// do sends one API request and decodes the envelope. token and frontend may
// be empty; frontend fills the Origin/Referer headers the judge checks on
// mutating endpoints.
func (c *hojClient) do(ctx context.Context, method, reqURL, token, frontend string, body io.Reader, contentType string) (*hojEnvelope, error) {
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, errors.Wrap(err, errors.InternalServerError)
	}
	req.Header.Set("Url-Type", "general")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	if frontend != "" {
		req.Header.Set("Origin", frontend)
		req.Header.Set("Referer", frontend+"/")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, raw)
	}
	var env hojEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrapf(err, errors.AdapterParseFailed, "decode judge response")
	}
	return &env, nil
}

func (c *hojClient) doJSON(ctx context.Context, method, reqURL, token, frontend string, payload any) (*hojEnvelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, errors.InternalServerError)
	}
	return c.do(ctx, method, reqURL, token, frontend, bytes.NewReader(raw), "application/json")
}

// token returns a session token for the credentials, reusing a cached login
// while it is fresh.
func (c *hojClient) token(ctx context.Context, api, username, password string) (string, error) {
	key := tokenKey(api, username, password)
	c.mu.Lock()
	cached, ok := c.tokens[key]
	c.mu.Unlock()
	if ok && time.Now().Before(cached.expires) {
		return cached.value, nil
	}
	tok, err := c.login(ctx, api, username, password)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.tokens[key] = hojToken{value: tok, expires: time.Now().Add(hojTokenTTL)}
	c.mu.Unlock()
	return tok, nil
}

func tokenKey(api, username, password string) string {
	sum := sha256.Sum256([]byte(api + "\x00" + username + "\x00" + password))
	return hex.EncodeToString(sum[:])
}

// login posts the credentials and extracts the session token, which arrives
// in the Authorization response header on current deployments and in the
// body on older ones.
func (c *hojClient) login(ctx context.Context, api, username, password string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return "", errors.Wrap(err, errors.InternalServerError)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, api+"/api/login", bytes.NewReader(payload))
	if err != nil {
		return "", errors.Wrap(err, errors.InternalServerError)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Url-Type", "general")
	resp, err := c.hc.Do(req)
	if err != nil {
		return "", classifyTransport(ctx, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", classifyTransport(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(resp.StatusCode, raw)
	}
	if tok := resp.Header.Get("Authorization"); tok != "" {
		return tok, nil
	}
	var body struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			Token         string `json:"token"`
			Authorization string `json:"Authorization"`
		} `json:"data"`
		Token string `json:"token"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		for _, tok := range []string{body.Data.Token, body.Token, body.Data.Authorization} {
			if tok != "" {
				return tok, nil
			}
		}
		if body.Code != 0 && body.Code != 200 {
			return "", errors.Newf(errors.AdapterAuthFailed, "login rejected: %s", body.Msg)
		}
	}
	return "", errors.New(errors.AdapterAuthFailed).WithMessage("login response carried no token")
}

// hojProblem is the problem object inside get-problem-detail responses.
type hojProblem struct {
	ID          int64  `json:"id"`
	ProblemID   string `json:"problemId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Input       string `json:"input"`
	Output      string `json:"output"`
	Examples    string `json:"examples"`
	Hint        string `json:"hint"`
	Source      string `json:"source"`
	TimeLimit   int    `json:"timeLimit"`
	MemoryLimit int    `json:"memoryLimit"`
	Difficulty  int    `json:"difficulty"`
}

// hojTag accepts both the object form {"name": ...} and a bare string.
type hojTag struct {
	Name string
}

func (t *hojTag) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &t.Name)
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	t.Name = obj.Name
	return nil
}

type hojProblemDetail struct {
	Problem hojProblem `json:"problem"`
	Tags    []hojTag   `json:"tags"`
}

// fetchProblem loads one problem by display id. The endpoint is public, no
// token needed.
func (c *hojClient) fetchProblem(ctx context.Context, api, pid string) (*model.Statement, error) {
	u := api + "/api/get-problem-detail?problemId=" + url.QueryEscape(pid)
	env, err := c.do(ctx, http.MethodGet, u, "", "", nil, "")
	if err != nil {
		return nil, err
	}
	if !env.ok() {
		return nil, envErr(env)
	}
	var detail hojProblemDetail
	if err := json.Unmarshal(env.Data, &detail); err != nil {
		return nil, errors.Wrapf(err, errors.AdapterParseFailed, "decode problem detail")
	}
	if detail.Problem.Title == "" && detail.Problem.ProblemID == "" {
		return nil, errors.Newf(errors.RemoteNotFound, "problem %s not found", pid)
	}
	return hojStatement(&detail), nil
}

func hojStatement(d *hojProblemDetail) *model.Statement {
	p := &d.Problem
	st := &model.Statement{
		Title:        strings.TrimSpace(p.Title),
		Body:         p.Description,
		InputFormat:  p.Input,
		OutputFormat: p.Output,
		Notes:        p.Hint,
		Samples:      parseHOJExamples(p.Examples),
		Limits:       model.Limits{TimeMS: p.TimeLimit, MemoryMB: p.MemoryLimit},
	}
	for _, t := range d.Tags {
		if t.Name != "" {
			st.Tags = append(st.Tags, t.Name)
		}
	}
	return st
}

// parseHOJExamples decodes the examples field, which is either a JSON array
// of {input, output} pairs or a run of <input>..</input><output>..</output>
// blocks, possibly with literal \n escapes.
func parseHOJExamples(raw string) []model.Sample {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "[") {
		var arr []struct {
			Input  string `json:"input"`
			Output string `json:"output"`
		}
		if err := json.Unmarshal([]byte(raw), &arr); err == nil {
			samples := make([]model.Sample, 0, len(arr))
			for _, e := range arr {
				samples = append(samples, model.Sample{In: e.Input, Out: e.Output})
			}
			return samples
		}
	}
	raw = strings.ReplaceAll(raw, `\n`, "\n")
	var samples []model.Sample
	rest := raw
	for {
		in, next, ok := cutTag(rest, "input")
		if !ok {
			break
		}
		out, next2, ok := cutTag(next, "output")
		if !ok {
			break
		}
		samples = append(samples, model.Sample{In: in, Out: out})
		rest = next2
	}
	return samples
}

// cutTag extracts the first <tag>..</tag> block and returns the remainder
// after the closing tag.
func cutTag(s, tag string) (content, rest string, ok bool) {
	open, clos := "<"+tag+">", "</"+tag+">"
	i := strings.Index(s, open)
	if i < 0 {
		return "", "", false
	}
	s = s[i+len(open):]
	j := strings.Index(s, clos)
	if j < 0 {
		return "", "", false
	}
	return strings.TrimSpace(s[:j]), s[j+len(clos):], true
}

// encodeHOJExamples renders samples back into the judge's tag form for the
// admin problem payload.
func encodeHOJExamples(samples []model.Sample) string {
	var b strings.Builder
	for _, s := range samples {
		b.WriteString("<input>")
		b.WriteString(s.In)
		b.WriteString("</input><output>")
		b.WriteString(s.Out)
		b.WriteString("</output>")
	}
	return b.String()
}

// hojVerdict maps the judge status integer to the common verdict set.
// Partial accept counts as wrong answer, system error as runtime error.
func hojVerdict(status int) adapter.Verdict {
	switch status {
	case 0:
		return adapter.VerdictAccepted
	case 1, 7:
		return adapter.VerdictWrongAnswer
	case 2:
		return adapter.VerdictTimeLimit
	case 3:
		return adapter.VerdictMemoryLimit
	case 4, 8:
		return adapter.VerdictRuntimeError
	case 6, -2:
		return adapter.VerdictCompileError
	default:
		return adapter.VerdictPending
	}
}
