package judges

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"ojforge/internal/adapter"
	"ojforge/internal/model"
	"ojforge/internal/probid"
	"ojforge/pkg/errors"
)

var (
	cfIDRe     = regexp.MustCompile(`^(\d+)([A-Z]\d?)$`)
	cfTitleRe  = regexp.MustCompile(`^[A-Z]\d?\.\s*`)
	cfTimeRe   = regexp.MustCompile(`(?i)([\d.]+)\s*second`)
	cfMemoryRe = regexp.MustCompile(`(?i)([\d.]+)\s*(megabyte|gigabyte|MB|GB)`)
)

// Codeforces scrapes problemset pages. Problem ids are the contest number
// glued to the index letter, e.g. 1234A.
type Codeforces struct {
	hc *http.Client
}

var (
	_ adapter.Fetcher          = (*Codeforces)(nil)
	_ adapter.SolutionProvider = (*Codeforces)(nil)
)

func NewCodeforces(hc *http.Client) *Codeforces { return &Codeforces{hc: hc} }

func (c *Codeforces) Name() string        { return probid.DomainCodeforces }
func (c *Codeforces) DisplayName() string { return "Codeforces" }
func (c *Codeforces) Version() string     { return "1.0.0" }

func (c *Codeforces) Capabilities() []adapter.Capability {
	return []adapter.Capability{adapter.CapFetchProblem, adapter.CapProvideSolution}
}

func (c *Codeforces) ConfigSchema() []adapter.ConfigField { return nil }

func (c *Codeforces) SupportsURL(raw string) bool {
	return strings.Contains(strings.ToLower(raw), "codeforces.com")
}

func (c *Codeforces) FetchProblem(ctx context.Context, pid string) (*model.Statement, error) {
	m := cfIDRe.FindStringSubmatch(pid)
	if m == nil {
		return nil, errors.Newf(errors.InvalidProblemRef, "codeforces id %q is not <contest><index>", pid)
	}
	contest, index := m[1], m[2]

	doc, err := fetchDocument(ctx, c.hc, "https://codeforces.com/problemset/problem/"+contest+"/"+index)
	if errors.Is(err, errors.RemoteNotFound) {
		// Gym and very recent problems only resolve under the contest path.
		doc, err = fetchDocument(ctx, c.hc, "https://codeforces.com/contest/"+contest+"/problem/"+index)
	}
	if err != nil {
		return nil, err
	}

	stmt := doc.Find(".problem-statement").First()
	if stmt.Length() == 0 {
		return nil, errors.Newf(errors.AdapterParseFailed, "page for %s carried no problem statement", pid)
	}

	title := strings.TrimSpace(stmt.Find(".title").First().Text())
	title = cfTitleRe.ReplaceAllString(title, "")
	if title == "" {
		return nil, errors.Newf(errors.AdapterParseFailed, "page for %s carried no title", pid)
	}

	st := &model.Statement{
		Title:        title,
		Body:         cfBody(stmt),
		InputFormat:  cfSection(stmt.Find(".input-specification").First()),
		OutputFormat: cfSection(stmt.Find(".output-specification").First()),
		Notes:        cfSection(stmt.Find(".note").First()),
		Samples:      cfSamples(stmt),
		Limits: model.Limits{
			TimeMS:   cfTimeLimit(stmt.Find(".time-limit").Text()),
			MemoryMB: cfMemoryLimit(stmt.Find(".memory-limit").Text()),
		},
	}
	return st, nil
}

// ProvideSolution reports no solution. Contest editorials exist as blog
// posts, but they are prose with embedded discussion, not submittable code.
func (c *Codeforces) ProvideSolution(ctx context.Context, pid string) (string, error) {
	return "", nil
}

// cfBody is the first statement child that is not a labelled section: the
// problem legend.
func cfBody(stmt *goquery.Selection) string {
	body := stmt.Children().
		Not(".header, .input-specification, .output-specification, .sample-tests, .sample-test, .note").
		First()
	return strings.TrimSpace(body.Text())
}

// cfSection returns a labelled section's text without its heading.
func cfSection(sel *goquery.Selection) string {
	if sel.Length() == 0 {
		return ""
	}
	clone := sel.Clone()
	clone.Find(".section-title").Remove()
	return strings.TrimSpace(clone.Text())
}

// cfSamples pairs the sample block's input and output pres. Newer pages
// render each input line as a nested div, which preText rejoins.
func cfSamples(stmt *goquery.Selection) []model.Sample {
	block := stmt.Find(".sample-test").First()
	if block.Length() == 0 {
		block = stmt.Find(".sample-tests").First()
	}
	if block.Length() == 0 {
		return nil
	}
	var ins, outs []string
	block.Find(".input pre").Each(func(_ int, pre *goquery.Selection) {
		ins = append(ins, preText(pre))
	})
	block.Find(".output pre").Each(func(_ int, pre *goquery.Selection) {
		outs = append(outs, preText(pre))
	})
	n := len(ins)
	if len(outs) < n {
		n = len(outs)
	}
	samples := make([]model.Sample, 0, n)
	for i := 0; i < n; i++ {
		samples = append(samples, model.Sample{In: ins[i], Out: outs[i]})
	}
	return samples
}

// preText reads a pre block; line-per-div markup is joined with newlines
// since plain Text() would glue the lines together.
func preText(pre *goquery.Selection) string {
	divs := pre.ChildrenFiltered("div")
	if divs.Length() == 0 {
		return strings.TrimSpace(pre.Text())
	}
	lines := make([]string, 0, divs.Length())
	divs.Each(func(_ int, d *goquery.Selection) {
		lines = append(lines, d.Text())
	})
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// cfTimeLimit parses "2 seconds" style text into milliseconds.
func cfTimeLimit(text string) int {
	m := cfTimeRe.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	sec, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	return int(sec * 1000)
}

// cfMemoryLimit parses "256 megabytes" style text into megabytes.
func cfMemoryLimit(text string) int {
	m := cfMemoryRe.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	if strings.HasPrefix(strings.ToLower(m[2]), "g") {
		return int(v * 1024)
	}
	return int(v)
}
