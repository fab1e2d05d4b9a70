package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsContextExceeded(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"typed", NewContextExceeded("too big"), true},
		{"typed other", &Error{Type: ErrorAuth, Message: "bad key"}, false},
		{"wrapped typed", errors.Join(errors.New("outer"), NewContextExceeded("x")), true},
		{"sniffed window", errors.New("This model's maximum context window is 200000 tokens"), true},
		{"sniffed length", errors.New("maximum context length exceeded"), true},
		{"sniffed anthropic", errors.New("prompt is too long: 210000 tokens"), true},
		{"unrelated", errors.New("connection refused"), false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsContextExceeded(tc.err))
		})
	}
}

func TestSupportsAutoTruncation(t *testing.T) {
	assert.True(t, SupportsAutoTruncation("openai/gpt-5"))
	assert.True(t, SupportsAutoTruncation("gpt-4o"))
	assert.False(t, SupportsAutoTruncation("openai/o3"))
	assert.False(t, SupportsAutoTruncation("anthropic/claude-sonnet-4"))
	assert.False(t, SupportsAutoTruncation("azure/gpt-5"))
}

func TestSupports1MContext(t *testing.T) {
	assert.True(t, Supports1MContext("anthropic/claude-sonnet-4"))
	assert.True(t, Supports1MContext("anthropic/claude-opus-4-1"))
	assert.True(t, Supports1MContext("claude-sonnet-4-5"))
	assert.False(t, Supports1MContext("anthropic/claude-haiku-3"))
	assert.False(t, Supports1MContext("openai/claude-sonnet-4"))
	assert.False(t, Supports1MContext("anthropic/sonnet-4"))
}

func TestRetryTransient_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := RetryTransient(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &Error{Type: ErrorTransient, Message: "overloaded"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryTransient_PermanentErrorsNotRetried(t *testing.T) {
	calls := 0
	err := RetryTransient(context.Background(), func() error {
		calls++
		return NewContextExceeded("too big")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsContextExceeded(err))
}

func TestRetryTransient_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := RetryTransient(ctx, func() error {
		calls++
		return &Error{Type: ErrorTransient, Message: "overloaded"}
	})
	require.Error(t, err)
	assert.LessOrEqual(t, calls, 1)
}
