package llm

import (
	"context"
	"time"
)

// Request is one completion request, wire-agnostic.
type Request struct {
	System      string
	Prompt      string
	Images      []string // base64-encoded, OCR only
	Temperature float64
	MaxTokens   int

	// Provider pins the call to a specific provider instead of the
	// caller's module binding. Empty means resolve normally.
	Provider string
}

// Completion is the normalized result of a completion request.
type Completion struct {
	Text      string
	TokensIn  int
	TokensOut int
	Latency   time.Duration
	Model     string
}

// Client speaks one wire protocol against one configured provider.
type Client interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
}
