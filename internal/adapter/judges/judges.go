// Package judges holds the built-in judge adapters. Every adapter is a
// shared stateless singleton: per-user credentials travel in the request
// context and are re-read from the credential source on each call.
package judges

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"ojforge/internal/adapter"
	"ojforge/pkg/errors"
)

// maxBodySize caps how much of a judge response is read into memory.
const maxBodySize = 10 << 20

// browserUA keeps the scrape targets from serving bot or mobile variants.
const browserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// RegisterDefaults registers every built-in judge adapter on reg in a fixed
// order, which also fixes capability-based resolution. A nil hc gets the
// shared default client.
func RegisterDefaults(reg *adapter.Registry, creds adapter.CredentialSource, hc *http.Client) error {
	if hc == nil {
		hc = NewHTTPClient()
	}
	hoj := newHOJClient(hc)
	for _, a := range []adapter.Adapter{
		NewSHSOJ(creds, hoj),
		NewHydroOJ(creds, hc),
		NewLuogu(hc),
		NewCodeforces(hc),
		NewAtCoder(hc),
		NewAICoders(hoj),
	} {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// NewHTTPClient builds the transport shared by the judge adapters. No
// client-level timeout: callers bound each request through ctx.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:   true,
			MaxIdleConns:        64,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// normalizeTitle collapses whitespace runs to single spaces and trims the
// ends; title comparison across judges is normalized but case-sensitive.
func normalizeTitle(t string) string {
	return strings.Join(strings.Fields(t), " ")
}

// classifyStatus maps an unexpected judge HTTP status to an adapter error.
func classifyStatus(status int, body []byte) error {
	var err *errors.Error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		err = errors.Newf(errors.AdapterAuthFailed, "judge returned status %d", status)
	case status == http.StatusNotFound:
		err = errors.Newf(errors.RemoteNotFound, "judge returned status %d", status)
	case status == http.StatusTooManyRequests:
		err = errors.Newf(errors.AdapterRateLimited, "judge returned status %d", status)
	case status >= 500:
		err = errors.Newf(errors.AdapterUpstreamError, "judge returned status %d", status)
	default:
		err = errors.Newf(errors.AdapterTransient, "judge returned status %d", status)
	}
	if detail := strings.TrimSpace(string(body)); detail != "" {
		if len(detail) > 200 {
			detail = detail[:200]
		}
		err = err.WithDetail("body", detail)
	}
	return err
}

// classifyTransport maps a transport-level failure, honouring context state
// so cancellation and deadline keep their own codes.
func classifyTransport(ctx context.Context, err error) error {
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		return errors.Wrap(err, errors.Timeout)
	case ctx.Err() == context.Canceled:
		return errors.CancelledError()
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.Wrap(err, errors.Timeout)
	default:
		return errors.Wrapf(err, errors.AdapterTransient, "judge request failed")
	}
}

// fetchDocument GETs a page with browser headers and parses it. Used by the
// scraping fetchers; judge APIs go through their own clients.
func fetchDocument(ctx context.Context, hc *http.Client, url string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.InternalServerError)
	}
	req.Header.Set("User-Agent", browserUA)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	resp, err := hc.Do(req)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	defer resp.Body.Close()
	body := io.LimitReader(resp.Body, maxBodySize)
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(body)
		return nil, classifyStatus(resp.StatusCode, raw)
	}
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, errors.Wrapf(err, errors.AdapterParseFailed, "parse judge page")
	}
	return doc, nil
}
