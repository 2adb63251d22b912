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
	acTimeRe   = regexp.MustCompile(`Time Limit:\s*([\d.]+)\s*sec`)
	acMemoryRe = regexp.MustCompile(`(?i)Memory Limit:\s*([\d.]+)\s*(M|G)i?B`)
)

// AtCoder scrapes task pages. Task ids embed the contest: abc123_a lives in
// contest abc123.
type AtCoder struct {
	hc *http.Client
}

var _ adapter.Fetcher = (*AtCoder)(nil)

func NewAtCoder(hc *http.Client) *AtCoder { return &AtCoder{hc: hc} }

func (a *AtCoder) Name() string        { return probid.DomainAtCoder }
func (a *AtCoder) DisplayName() string { return "AtCoder" }
func (a *AtCoder) Version() string     { return "1.0.0" }

func (a *AtCoder) Capabilities() []adapter.Capability {
	return []adapter.Capability{adapter.CapFetchProblem}
}

func (a *AtCoder) ConfigSchema() []adapter.ConfigField { return nil }

func (a *AtCoder) SupportsURL(raw string) bool {
	return strings.Contains(strings.ToLower(raw), "atcoder.jp")
}

func (a *AtCoder) FetchProblem(ctx context.Context, pid string) (*model.Statement, error) {
	contest := pid
	if i := strings.Index(pid, "_"); i > 0 {
		contest = pid[:i]
	}
	doc, err := fetchDocument(ctx, a.hc,
		"https://atcoder.jp/contests/"+contest+"/tasks/"+pid+"?lang=en")
	if err != nil {
		return nil, err
	}

	stmt := doc.Find("#task-statement").First()
	if stmt.Length() == 0 {
		return nil, errors.Newf(errors.AdapterParseFailed, "task page for %s carried no statement", pid)
	}
	// Prefer the English rendering, fall back to Japanese, then to the
	// whole statement for contests without the language wrapper.
	lang := stmt.Find("span.lang span.lang-en").First()
	if lang.Length() == 0 {
		lang = stmt.Find("span.lang span.lang-ja").First()
	}
	if lang.Length() == 0 {
		lang = stmt
	}

	st := &model.Statement{
		Title:   strings.TrimSpace(doc.Find("title").First().Text()),
		Samples: nil,
		Limits: model.Limits{
			TimeMS:   acTimeLimit(doc.Text()),
			MemoryMB: acMemoryLimit(doc.Text()),
		},
	}
	if st.Title == "" {
		st.Title = pid
	}

	var ins, outs []string
	lang.Find("div.part").Each(func(_ int, part *goquery.Selection) {
		section := part.Find("section").First()
		if section.Length() == 0 {
			return
		}
		heading := strings.ToLower(strings.TrimSpace(section.Find("h3").First().Text()))
		text := func() string {
			clone := section.Clone()
			clone.Find("h3").Remove()
			return strings.TrimSpace(clone.Text())
		}
		pre := func() string {
			return strings.TrimSpace(section.Find("pre").First().Text())
		}
		switch {
		case strings.Contains(heading, "sample input") || strings.Contains(heading, "入力例"):
			ins = append(ins, pre())
		case strings.Contains(heading, "sample output") || strings.Contains(heading, "出力例"):
			outs = append(outs, pre())
		case strings.Contains(heading, "problem statement") || strings.Contains(heading, "問題文"):
			st.Body = text()
		case strings.Contains(heading, "constraint") || strings.Contains(heading, "制約"):
			if st.Notes == "" {
				st.Notes = text()
			}
		case strings.Contains(heading, "input") || strings.Contains(heading, "入力"):
			st.InputFormat = text()
		case strings.Contains(heading, "output") || strings.Contains(heading, "出力"):
			st.OutputFormat = text()
		}
	})
	n := len(ins)
	if len(outs) < n {
		n = len(outs)
	}
	for i := 0; i < n; i++ {
		st.Samples = append(st.Samples, model.Sample{In: ins[i], Out: outs[i]})
	}

	if st.Body == "" {
		st.Body = strings.TrimSpace(lang.Text())
	}
	if st.Body == "" {
		return nil, errors.Newf(errors.AdapterParseFailed, "task page for %s carried no statement body", pid)
	}
	return st, nil
}

func acTimeLimit(text string) int {
	m := acTimeRe.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	sec, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	return int(sec * 1000)
}

func acMemoryLimit(text string) int {
	m := acMemoryRe.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	if strings.EqualFold(m[2], "G") {
		return int(v * 1024)
	}
	return int(v)
}
