package llm

import (
	"context"
	"encoding/base64"
	stderrors "errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmorganca/ollama/api"

	"ojforge/pkg/errors"
)

// ollamaClient talks to a local Ollama daemon. No API key involved;
// reachability of the daemon is the only credential.
type ollamaClient struct {
	client *api.Client
	model  string
}

var _ Client = (*ollamaClient)(nil)

func newOllamaClient(baseURL, model string, hc *http.Client) (*ollamaClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, errors.LLMBadResponse, "parse ollama base url %q", baseURL)
	}
	return &ollamaClient{client: api.NewClient(u, hc), model: model}, nil
}

func (c *ollamaClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	var msgs []api.Message
	if req.System != "" {
		msgs = append(msgs, api.Message{Role: "system", Content: req.System})
	}
	user := api.Message{Role: "user", Content: req.Prompt}
	for _, img := range req.Images {
		raw, err := base64.StdEncoding.DecodeString(img)
		if err != nil {
			return nil, errors.Wrapf(err, errors.LLMBadResponse, "decode image payload")
		}
		user.Images = append(user.Images, api.ImageData(raw))
	}
	msgs = append(msgs, user)

	opts := map[string]any{}
	if req.Temperature > 0 {
		opts["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}

	stream := false
	chatReq := &api.ChatRequest{
		Model:    c.model,
		Messages: msgs,
		Stream:   &stream,
		Options:  opts,
	}

	start := time.Now()
	var final api.ChatResponse
	err := c.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		final = resp
		return nil
	})
	if err != nil {
		return nil, classifyOllamaError(ctx, err)
	}

	text := final.Message.Content
	if strings.TrimSpace(text) == "" {
		return nil, errors.Newf(errors.LLMBadResponse, "ollama returned an empty message")
	}
	return &Completion{
		Text:      text,
		TokensIn:  final.PromptEvalCount,
		TokensOut: final.EvalCount,
		Latency:   time.Since(start),
		Model:     final.Model,
	}, nil
}

func classifyOllamaError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if stderrors.Is(ctxErr, context.DeadlineExceeded) {
			return errors.Wrapf(err, errors.LLMTimeout, "ollama request deadline exceeded")
		}
		return errors.CancelledError()
	}
	var sErr api.StatusError
	if stderrors.As(err, &sErr) {
		switch {
		case sErr.StatusCode == http.StatusUnauthorized || sErr.StatusCode == http.StatusForbidden:
			return errors.Wrapf(err, errors.LLMAuthFailed, "ollama returned %d", sErr.StatusCode)
		case sErr.StatusCode == http.StatusTooManyRequests:
			return errors.Wrapf(err, errors.LLMRateLimited, "ollama returned 429")
		case sErr.StatusCode >= 500:
			return errors.Wrapf(err, errors.LLMTransient, "ollama returned %d", sErr.StatusCode)
		default:
			return errors.Wrapf(err, errors.LLMBadResponse, "ollama returned %d", sErr.StatusCode)
		}
	}
	return errors.Wrapf(err, errors.LLMTransient, "ollama request failed")
}
