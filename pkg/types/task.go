package types

// TaskStatus is the lifecycle state of a delegated agent task.
type TaskStatus string

const (
	TaskQueued         TaskStatus = "queued"
	TaskRunning        TaskStatus = "running"
	TaskAwaitingReport TaskStatus = "awaiting_report"
	TaskReported       TaskStatus = "reported"
)

// Active reports whether the task occupies a scheduler slot.
func (s TaskStatus) Active() bool {
	return s == TaskRunning || s == TaskAwaitingReport
}

// TaskInfo is the persisted record of a delegated agent task. The child
// workspace id doubles as the task id.
type TaskInfo struct {
	ID          string     `json:"id"`
	ParentID    string     `json:"parentID"`
	Agent       string     `json:"agent"`
	ToolCallID  string     `json:"toolCallID"`
	Prompt      string     `json:"prompt"`
	Model       string     `json:"model,omitempty"`
	Status      TaskStatus `json:"taskStatus"`
	Nudged      bool       `json:"nudged,omitempty"`
	CreatedAt   int64      `json:"createdAt"`
	UpdatedAt   int64      `json:"updatedAt"`
}

// TaskReport is a child task's final report delivered back to its parent.
type TaskReport struct {
	TaskID    string `json:"taskID"`
	Text      string `json:"text"`
	Synthetic bool   `json:"synthetic,omitempty"` // synthesized, not model-authored
}

// WorkspaceInfo describes a workspace (a conversation plus its working
// directory). Task fields are set only for delegated child workspaces.
type WorkspaceInfo struct {
	ID        string  `json:"id"`
	ParentID  string  `json:"parentID,omitempty"`
	Title     string  `json:"title"`
	Directory string  `json:"directory"`
	Agent     string  `json:"agent,omitempty"`
	CreatedAt int64   `json:"createdAt"`
	UpdatedAt int64   `json:"updatedAt"`
	LastUsed  int64   `json:"lastUsed,omitempty"`
}

// TodoInfo is a single TODO entry tracked for a workspace.
type TodoInfo struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Status  string `json:"status"` // "pending" | "in_progress" | "completed"
}

// FileDiff records an edit made to a file during a conversation.
type FileDiff struct {
	Path string `json:"path"`
	Diff string `json:"diff"`
}

// Attachment is context re-injected into an outgoing turn, typically after a
// compaction discarded the originals.
type Attachment struct {
	Kind string `json:"kind"` // "plan" | "todo" | "edited-files"
	Path string `json:"path,omitempty"`
	Text string `json:"text"`
}
