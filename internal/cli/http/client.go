// Package httpclient is the CLI's thin transport: one reusable client,
// bearer auth injected from the live token state, and a helper for the
// WebSocket upgrade the watch command uses.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const userAgent = "ojforge-cli"

// ResponseInfo carries response details.
type ResponseInfo struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Client wraps HTTP requests for the CLI. Base URL and timeout are
// mutable at runtime via the REPL's `set` command.
type Client struct {
	mu            sync.Mutex
	baseURL       string
	httpC         *http.Client
	tokenProvider func() string
}

func New(baseURL string, timeout time.Duration, tokenProvider func() string) *Client {
	return &Client{
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		httpC:         &http.Client{Timeout: timeout},
		tokenProvider: tokenProvider,
	}
}

func (c *Client) SetBaseURL(baseURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseURL = strings.TrimSuffix(baseURL, "/")
}

func (c *Client) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.httpC.Timeout = timeout
}

// url joins the base URL with an absolute path.
func (c *Client) url(path string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

// WSURL converts the base URL plus path into its WebSocket form.
func (c *Client) WSURL(path string) string {
	u := c.url(path)
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// AuthHeader returns the bearer header for requests made outside Do,
// such as the WebSocket dial.
func (c *Client) AuthHeader() http.Header {
	header := http.Header{}
	if token := c.token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return header
}

func (c *Client) token() string {
	if c.tokenProvider == nil {
		return ""
	}
	return c.tokenProvider()
}

// Do sends one JSON request and buffers the whole response. Responses
// here are API envelopes or workspace zips, both fine to hold in memory
// for an interactive tool.
func (c *Client) Do(ctx context.Context, method, path string, headers map[string]string, body []byte) (ResponseInfo, error) {
	var info ResponseInfo

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reader)
	if err != nil {
		return info, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpC.Do(req)
	info.Duration = time.Since(start)
	if err != nil {
		return info, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	info.StatusCode = resp.StatusCode
	info.Headers = resp.Header
	info.Body, err = io.ReadAll(resp.Body)
	if err != nil {
		return info, fmt.Errorf("read %s %s response: %w", method, path, err)
	}
	return info, nil
}
