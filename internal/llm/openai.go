package llm

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strings"
	"time"

	"ojforge/pkg/errors"
)

// openAIClient speaks the OpenAI chat-completions wire. DeepSeek,
// SiliconFlow and any "openai_compatible" endpoint all use it.
type openAIClient struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

var _ Client = (*openAIClient)(nil)

func newOpenAIClient(baseURL, apiKey, model string, hc *http.Client) *openAIClient {
	return &openAIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		http:    hc,
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
}

// chatMessage content is a plain string for text turns and a content-part
// array when images ride along.
type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *imagePartURL `json:"image_url,omitempty"`
}

type imagePartURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int             `json:"index"`
	Message      chatTextMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type chatTextMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func (c *openAIClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	payload := chatRequest{
		Model:       c.model,
		Messages:    buildMessages(req),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, errors.LLMBadResponse, "marshal chat request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrapf(err, errors.LLMTransient, "build chat request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, respBody)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, errors.Wrapf(err, errors.LLMBadResponse, "decode chat response")
	}
	if len(parsed.Choices) == 0 {
		return nil, errors.Newf(errors.LLMBadResponse, "chat response has no choices")
	}

	text := parsed.Choices[0].Message.Content
	if strings.TrimSpace(text) == "" {
		return nil, errors.Newf(errors.LLMBadResponse, "chat response choice is empty")
	}

	modelName := parsed.Model
	if modelName == "" {
		modelName = c.model
	}
	return &Completion{
		Text:      text,
		TokensIn:  parsed.Usage.PromptTokens,
		TokensOut: parsed.Usage.CompletionTokens,
		Latency:   time.Since(start),
		Model:     modelName,
	}, nil
}

func buildMessages(req Request) []chatMessage {
	var msgs []chatMessage
	if req.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	}
	if len(req.Images) == 0 {
		return append(msgs, chatMessage{Role: "user", Content: req.Prompt})
	}

	parts := []contentPart{{Type: "text", Text: req.Prompt}}
	for _, img := range req.Images {
		url := img
		if !strings.HasPrefix(img, "data:") && !strings.HasPrefix(img, "http") {
			url = "data:image/png;base64," + img
		}
		parts = append(parts, contentPart{Type: "image_url", ImageURL: &imagePartURL{URL: url}})
	}
	return append(msgs, chatMessage{Role: "user", Content: parts})
}

func classifyStatus(status int, body []byte) error {
	detail := extractAPIError(body)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.Newf(errors.LLMAuthFailed, "provider returned %d: %s", status, detail)
	case status == http.StatusTooManyRequests:
		return errors.Newf(errors.LLMRateLimited, "provider returned 429: %s", detail)
	case status >= 500:
		return errors.Newf(errors.LLMTransient, "provider returned %d: %s", status, detail)
	default:
		return errors.Newf(errors.LLMBadResponse, "provider returned %d: %s", status, detail)
	}
}

func extractAPIError(body []byte) string {
	var parsed chatErrorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	trimmed := strings.TrimSpace(string(body))
	if len(trimmed) > 200 {
		trimmed = trimmed[:200]
	}
	if trimmed == "" {
		return "(empty body)"
	}
	return trimmed
}

func classifyTransportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if stderrors.Is(ctxErr, context.DeadlineExceeded) {
			return errors.Wrapf(err, errors.LLMTimeout, "request deadline exceeded")
		}
		return errors.CancelledError()
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Wrapf(err, errors.LLMTimeout, "request deadline exceeded")
	}
	return errors.Wrapf(err, errors.LLMTransient, "request failed")
}
