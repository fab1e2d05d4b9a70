package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codemux/codemux/pkg/types"
)

func chatText(role types.Role, text string) *types.Message {
	return &types.Message{
		Role:  role,
		Parts: []types.Part{&types.TextPart{ID: "p1", Type: "text", Text: text}},
	}
}

func TestHTTPClient_StreamsDeltasAndEnd(t *testing.T) {
	var gotBody chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":2}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "test-key")
	h, err := c.Stream(context.Background(), Request{
		Options:  StreamOptions{Model: "openai/gpt-5"},
		Messages: []*types.Message{chatText(types.RoleUser, "say hello")},
	})
	require.NoError(t, err)
	defer h.Close()

	var deltas []string
	var end *StreamEvent
	for ev := range h.Events() {
		switch ev.Type {
		case StreamDelta:
			deltas = append(deltas, ev.Delta)
		case StreamEnd:
			cp := ev
			end = &cp
		case StreamError:
			t.Fatalf("unexpected stream error: %v", ev.Err)
		}
	}

	assert.Equal(t, []string{"hel", "lo"}, deltas)
	require.NotNil(t, end)
	assert.Equal(t, "hello", end.Message.Text())
	require.NotNil(t, end.Usage)
	assert.Equal(t, 5, end.Usage.Input)
	assert.Equal(t, 2, end.Usage.Output)

	assert.True(t, gotBody.Stream)
	assert.Equal(t, "openai/gpt-5", gotBody.Model)
	require.Len(t, gotBody.Messages, 1)
	assert.Equal(t, "say hello", gotBody.Messages[0].Content)
}

func TestHTTPClient_ClassifiesErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{"auth", http.StatusUnauthorized, "invalid key", func(t *testing.T, err error) {
			var perr *Error
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, ErrorAuth, perr.Type)
		}},
		{"context exceeded", http.StatusBadRequest, "prompt is too long for this model", func(t *testing.T, err error) {
			assert.True(t, IsContextExceeded(err))
		}},
		{"transient", http.StatusServiceUnavailable, "overloaded", func(t *testing.T, err error) {
			var perr *Error
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, ErrorTransient, perr.Type)
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, tc.body, tc.status)
			}))
			defer srv.Close()

			_, err := NewHTTPClient(srv.URL, "").Stream(context.Background(), Request{
				Options: StreamOptions{Model: "openai/gpt-5"},
			})
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestBuildChatRequest(t *testing.T) {
	t.Run("summary prompt replaces the conversation", func(t *testing.T) {
		out := buildChatRequest(Request{
			Options:       StreamOptions{Model: "openai/gpt-5"},
			Messages:      []*types.Message{chatText(types.RoleUser, "long transcript")},
			SummaryPrompt: "summarize everything",
		})
		require.Len(t, out.Messages, 1)
		assert.Equal(t, "user", out.Messages[0].Role)
		assert.Equal(t, "summarize everything", out.Messages[0].Content)
	})

	t.Run("attachments trail the conversation", func(t *testing.T) {
		out := buildChatRequest(Request{
			Options:  StreamOptions{Model: "openai/gpt-5"},
			Messages: []*types.Message{chatText(types.RoleUser, "hi")},
			Attachments: []types.Attachment{
				{Kind: "todo", Text: "- [ ] ship it"},
			},
		})
		require.Len(t, out.Messages, 2)
		assert.Equal(t, "user", out.Messages[1].Role)
		assert.Contains(t, out.Messages[1].Content, "<todo>")
		assert.Contains(t, out.Messages[1].Content, "ship it")
	})

	t.Run("extra system instructions come first", func(t *testing.T) {
		out := buildChatRequest(Request{
			Options:  StreamOptions{Model: "openai/gpt-5", ExtraSystem: "the conversation was restarted"},
			Messages: []*types.Message{chatText(types.RoleUser, "hi")},
		})
		require.Len(t, out.Messages, 2)
		assert.Equal(t, "system", out.Messages[0].Role)
	})

	t.Run("empty messages are dropped", func(t *testing.T) {
		out := buildChatRequest(Request{
			Options: StreamOptions{Model: "openai/gpt-5"},
			Messages: []*types.Message{
				chatText(types.RoleUser, "hi"),
				{Role: types.RoleAssistant},
			},
		})
		assert.Len(t, out.Messages, 1)
	})
}
