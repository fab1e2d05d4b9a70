package provider

import (
	"context"

	"github.com/codemux/codemux/pkg/types"
)

// StreamEventType identifies an event on a live model stream.
type StreamEventType string

const (
	StreamDelta StreamEventType = "delta"
	StreamEnd   StreamEventType = "end"
	StreamError StreamEventType = "error"
)

// StreamEvent is one event from a live model stream. End and Error are
// terminal; the handle's channel closes after either.
type StreamEvent struct {
	Type  StreamEventType
	Delta string

	// Message is the assembled assistant message, set on StreamEnd.
	Message *types.Message
	Usage   *types.TokenUsage

	// Err is set on StreamError.
	Err error
}

// StreamHandle is a live model stream.
type StreamHandle interface {
	// Events yields stream events until a terminal event, then closes.
	Events() <-chan StreamEvent

	// Close releases the stream early. Safe after Events has closed.
	Close() error
}

// Client opens model streams against a provider endpoint. The session driver
// is the only caller; everything above it works in terms of StreamOptions.
type Client interface {
	Stream(ctx context.Context, req Request) (StreamHandle, error)
}

// Request is one model stream request.
type Request struct {
	Options  StreamOptions
	Messages []*types.Message

	// Attachments are injected as an extra context block ahead of the
	// conversation's final user turn.
	Attachments []types.Attachment

	// SummaryPrompt, when set, replaces the conversation entirely.
	// Compaction summary streams use it.
	SummaryPrompt string
}
