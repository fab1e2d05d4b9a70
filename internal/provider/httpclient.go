package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/codemux/codemux/pkg/types"
)

// HTTPClient streams chat completions from an OpenAI-compatible endpoint.
// The wire protocol is spoken directly: a JSON POST to /chat/completions with
// stream=true, answered as SSE "data:" chunks.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewHTTPClient creates a client for the given endpoint. No request timeout
// is set; streams run until the provider closes them or the context ends.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model      string        `json:"model"`
	Messages   []chatMessage `json:"messages"`
	Stream     bool          `json:"stream"`
	Truncation string        `json:"truncation,omitempty"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Stream implements Client.
func (c *HTTPClient) Stream(ctx context.Context, req Request) (StreamHandle, error) {
	body, err := json.Marshal(buildChatRequest(req))
	if err != nil {
		return nil, fmt.Errorf("provider: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("provider: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if req.Options.Context1M {
		httpReq.Header.Set("anthropic-beta", "context-1m-2025-08-07")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &Error{Type: ErrorTransient, Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyHTTPError(resp.StatusCode, string(data))
	}

	h := &httpStream{
		events: make(chan StreamEvent, 16),
		body:   resp.Body,
		model:  req.Options.Model,
	}
	go h.consume()
	return h, nil
}

func buildChatRequest(req Request) chatRequest {
	out := chatRequest{
		Model:      req.Options.Model,
		Stream:     true,
		Truncation: req.Options.Truncation,
	}

	if req.Options.ExtraSystem != "" {
		out.Messages = append(out.Messages, chatMessage{Role: "system", Content: req.Options.ExtraSystem})
	}

	if req.SummaryPrompt != "" {
		out.Messages = append(out.Messages, chatMessage{Role: "user", Content: req.SummaryPrompt})
		return out
	}

	for _, m := range req.Messages {
		text := strings.TrimSpace(m.Text())
		if text == "" {
			continue
		}
		role := "assistant"
		if m.Role == types.RoleUser {
			role = "user"
		}
		out.Messages = append(out.Messages, chatMessage{Role: role, Content: text})
	}

	if len(req.Attachments) > 0 {
		var b strings.Builder
		b.WriteString("Context attachments:\n")
		for _, a := range req.Attachments {
			b.WriteString("\n<" + a.Kind + ">\n")
			b.WriteString(a.Text)
			b.WriteString("\n</" + a.Kind + ">\n")
		}
		out.Messages = append(out.Messages, chatMessage{Role: "user", Content: b.String()})
	}
	return out
}

func classifyHTTPError(status int, body string) error {
	msg := strings.TrimSpace(body)
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Type: ErrorAuth, Message: msg}
	case IsContextExceeded(errors.New(msg)):
		return NewContextExceeded(msg)
	case status == http.StatusTooManyRequests || status >= 500:
		return &Error{Type: ErrorTransient, Message: msg}
	}
	return fmt.Errorf("provider: status %d: %s", status, msg)
}

type httpStream struct {
	events chan StreamEvent
	body   io.ReadCloser
	model  string
	once   sync.Once
}

func (h *httpStream) Events() <-chan StreamEvent { return h.events }

func (h *httpStream) Close() error {
	h.once.Do(func() { h.body.Close() })
	return nil
}

func (h *httpStream) consume() {
	defer close(h.events)
	defer h.Close()

	var text strings.Builder
	var usage *types.TokenUsage

	sc := bufio.NewScanner(h.body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage = &types.TokenUsage{Input: chunk.Usage.PromptTokens, Output: chunk.Usage.CompletionTokens}
		}
		for _, ch := range chunk.Choices {
			if ch.Delta.Content != "" {
				text.WriteString(ch.Delta.Content)
				h.events <- StreamEvent{Type: StreamDelta, Delta: ch.Delta.Content}
			}
		}
	}
	if err := sc.Err(); err != nil {
		h.events <- StreamEvent{Type: StreamError, Err: &Error{Type: ErrorTransient, Message: err.Error()}}
		return
	}

	msg := &types.Message{
		ID:   ulid.Make().String(),
		Role: types.RoleAssistant,
		Parts: []types.Part{
			&types.TextPart{ID: ulid.Make().String(), Type: "text", Text: text.String()},
		},
		Meta: types.MessageMeta{
			Timestamp: time.Now().UnixMilli(),
			Model:     h.model,
			Usage:     usage,
		},
	}
	h.events <- StreamEvent{Type: StreamEnd, Message: msg, Usage: usage}
}
