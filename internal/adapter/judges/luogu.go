package judges

import (
	"context"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"ojforge/internal/adapter"
	"ojforge/internal/model"
	"ojforge/internal/probid"
	"ojforge/pkg/errors"
)

// Luogu scrapes problem pages from luogu.com.cn. The statement sits in
// h2-headed sections; samples are pre blocks in the 样例 section.
type Luogu struct {
	hc *http.Client
}

var (
	_ adapter.Fetcher          = (*Luogu)(nil)
	_ adapter.SolutionProvider = (*Luogu)(nil)
)

func NewLuogu(hc *http.Client) *Luogu { return &Luogu{hc: hc} }

func (l *Luogu) Name() string        { return probid.DomainLuogu }
func (l *Luogu) DisplayName() string { return "洛谷" }
func (l *Luogu) Version() string     { return "1.0.0" }

func (l *Luogu) Capabilities() []adapter.Capability {
	return []adapter.Capability{adapter.CapFetchProblem, adapter.CapProvideSolution}
}

func (l *Luogu) ConfigSchema() []adapter.ConfigField { return nil }

func (l *Luogu) SupportsURL(raw string) bool {
	return strings.Contains(strings.ToLower(raw), "luogu.com")
}

func (l *Luogu) FetchProblem(ctx context.Context, pid string) (*model.Statement, error) {
	doc, err := fetchDocument(ctx, l.hc, "https://www.luogu.com.cn/problem/"+pid)
	if err != nil {
		return nil, err
	}
	st := &model.Statement{
		Title: strings.TrimSpace(doc.Find("h1").First().Text()),
	}
	if st.Title == "" {
		return nil, errors.Newf(errors.AdapterParseFailed, "problem page for %s carried no title", pid)
	}

	doc.Find("h2").Each(func(_ int, h2 *goquery.Selection) {
		heading := strings.TrimSpace(h2.Text())
		switch {
		case strings.Contains(heading, "题目描述") || strings.Contains(heading, "问题描述"):
			st.Body = sectionText(h2)
		case strings.Contains(heading, "输入格式"):
			st.InputFormat = sectionText(h2)
		case strings.Contains(heading, "输出格式"):
			st.OutputFormat = sectionText(h2)
		case strings.Contains(heading, "样例") || strings.Contains(heading, "Sample"):
			if len(st.Samples) == 0 {
				st.Samples = sectionSamples(h2)
			}
		case strings.Contains(heading, "说明") || strings.Contains(heading, "提示"):
			if st.Notes == "" {
				st.Notes = sectionText(h2)
			} else {
				st.Notes += "\n\n" + sectionText(h2)
			}
		}
	})

	if st.Body == "" {
		// Some rendered pages skip the heading; fall back to the article
		// body so fetch still yields something workable.
		st.Body = strings.TrimSpace(doc.Find("article").First().Text())
	}
	if st.Body == "" {
		return nil, errors.Newf(errors.AdapterParseFailed, "problem page for %s carried no statement", pid)
	}
	return st, nil
}

// ProvideSolution reports no machine-usable solution: the site's solution
// pages hold user write-ups, not submittable code.
func (l *Luogu) ProvideSolution(ctx context.Context, pid string) (string, error) {
	return "", nil
}

// sectionText joins the text of the blocks between this h2 and the next.
func sectionText(h2 *goquery.Selection) string {
	var parts []string
	h2.NextUntil("h2").Each(func(_ int, s *goquery.Selection) {
		if t := strings.TrimSpace(s.Text()); t != "" {
			parts = append(parts, t)
		}
	})
	return strings.Join(parts, "\n")
}

// sectionSamples pairs the pre blocks between this h2 and the next:
// odd positions are inputs, even positions the matching outputs.
func sectionSamples(h2 *goquery.Selection) []model.Sample {
	var blocks []string
	h2.NextUntil("h2").Each(func(_ int, s *goquery.Selection) {
		if s.Is("pre") {
			blocks = append(blocks, strings.TrimSpace(s.Text()))
			return
		}
		s.Find("pre").Each(func(_ int, pre *goquery.Selection) {
			blocks = append(blocks, strings.TrimSpace(pre.Text()))
		})
	})
	var samples []model.Sample
	for i := 0; i+1 < len(blocks); i += 2 {
		samples = append(samples, model.Sample{In: blocks[i], Out: blocks[i+1]})
	}
	return samples
}
