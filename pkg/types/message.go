package types

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// CompactedTag records which kind of compaction produced a summary message.
type CompactedTag string

const (
	CompactedNone CompactedTag = ""
	CompactedUser CompactedTag = "user"
	CompactedIdle CompactedTag = "idle"
)

// Message is an entry in a workspace's conversation history.
type Message struct {
	ID    string      `json:"id"`
	Role  Role        `json:"role"`
	Parts []Part      `json:"parts"`
	Meta  MessageMeta `json:"metadata"`
}

// MessageMeta carries per-message bookkeeping. HistorySequence is assigned by
// the history store on append and reassigned from 0 on a full replace.
type MessageMeta struct {
	HistorySequence int          `json:"historySequence"`
	Timestamp       int64        `json:"timestamp"` // unix millis
	Synthetic       bool         `json:"synthetic,omitempty"`
	Compacted       CompactedTag `json:"compacted,omitempty"`
	Model           string       `json:"model,omitempty"`
	ToolPolicy      string       `json:"toolPolicy,omitempty"`
	Mode            string       `json:"mode,omitempty"`
	Usage           *TokenUsage  `json:"usage,omitempty"`
	DurationMS      int64        `json:"durationMs,omitempty"`
	Error           *MessageError `json:"error,omitempty"`
}

// TokenUsage contains token accounting for an assistant message.
type TokenUsage struct {
	Input     int `json:"input"`
	Output    int `json:"output"`
	Reasoning int `json:"reasoning,omitempty"`
	CacheRead  int `json:"cacheRead,omitempty"`
	CacheWrite int `json:"cacheWrite,omitempty"`
}

// WithoutCache returns a copy with provider cache counters dropped. Summary
// messages omit them because they reflect pre-compaction state and would
// inflate displayed context usage.
func (u TokenUsage) WithoutCache() TokenUsage {
	u.CacheRead = 0
	u.CacheWrite = 0
	return u
}

// Text concatenates all text parts of the message.
func (m *Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if tp, ok := p.(*TextPart); ok {
			out += tp.Text
		}
	}
	return out
}

// FindToolCall returns the tool part with the given tool-call id, if any.
func (m *Message) FindToolCall(toolCallID string) *ToolPart {
	for _, p := range m.Parts {
		if tp, ok := p.(*ToolPart); ok && tp.ToolCallID == toolCallID {
			return tp
		}
	}
	return nil
}

// MessageError is a user-facing error attached to a message or stream-error
// event. Format: {"name": "...", "data": {"message": "..."}}.
type MessageError struct {
	Name string           `json:"name"`
	Data MessageErrorData `json:"data"`
}

// MessageErrorData contains the error details.
type MessageErrorData struct {
	Message string `json:"message"`
	Model   string `json:"model,omitempty"`
}

// NewUnknownError creates a generic error payload.
func NewUnknownError(message string) *MessageError {
	return &MessageError{Name: "UnknownError", Data: MessageErrorData{Message: message}}
}

// NewContextExceededError creates the terminal context-window error payload.
func NewContextExceededError(model, message string) *MessageError {
	return &MessageError{
		Name: "ContextExceededError",
		Data: MessageErrorData{Message: message, Model: model},
	}
}
