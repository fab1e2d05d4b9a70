package event

import "github.com/codemux/codemux/pkg/types"

// Kind identifies a chat event.
type Kind string

const (
	KindMessage     Kind = "message"
	KindDelete      Kind = "delete"
	KindToolCallEnd Kind = "tool-call-end"
	KindStreamAbort Kind = "stream-abort"
	KindStreamError Kind = "stream-error"
	KindStreamEnd   Kind = "stream-end"

	// KindWorkspaceMeta carries workspace metadata updates (title, recency).
	KindWorkspaceMeta Kind = "workspace-metadata"
)

// ChatEvent is an event on a workspace's chat topic. Consumers must observe
// events for one workspace in emission order.
type ChatEvent struct {
	Kind        Kind   `json:"kind"`
	WorkspaceID string `json:"workspaceID"`

	// Message is set for "message" and "stream-end" events.
	Message *types.Message `json:"message,omitempty"`

	// MessageID is set for "stream-abort", "stream-end" and "tool-call-end".
	MessageID string `json:"messageID,omitempty"`

	// DeletedSequences lists the history sequence numbers removed by a
	// "delete" event.
	DeletedSequences []int `json:"deletedSequences,omitempty"`

	// ToolCallID is set for "tool-call-end".
	ToolCallID string `json:"toolCallID,omitempty"`

	// Error is set for "stream-error".
	Error *types.MessageError `json:"error,omitempty"`

	// Workspace is set for "workspace-metadata".
	Workspace *types.WorkspaceInfo `json:"workspace,omitempty"`
}
