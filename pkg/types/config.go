package types

// Config is the application configuration, merged from layered JSONC files
// and environment overrides.
type Config struct {
	// DataDir is where workspaces, history and task records live.
	DataDir string `json:"dataDir,omitempty"`

	// Model is the default model in "provider/model" form.
	Model string `json:"model,omitempty"`

	// Provider configures the OpenAI-compatible endpoint model streams are
	// issued against.
	Provider ProviderConfig `json:"provider,omitempty"`

	// MaxParallelAgentTasks bounds concurrently active child tasks.
	MaxParallelAgentTasks int `json:"maxParallelAgentTasks,omitempty"`

	// MaxTaskNestingDepth bounds the parent chain of delegated tasks.
	MaxTaskNestingDepth int `json:"maxTaskNestingDepth,omitempty"`

	// PostCompactionAttachmentCadence is how many turns pass between
	// attachment re-injections once a compaction has happened.
	PostCompactionAttachmentCadence int `json:"postCompactionAttachmentCadence,omitempty"`

	// CompactionMinSummaryWords is the minimum word count for a compaction
	// summary to be accepted.
	CompactionMinSummaryWords int `json:"compactionMinSummaryWords,omitempty"`

	Experiments ExperimentFlags `json:"experiments,omitempty"`
}

// ProviderConfig locates the model provider endpoint.
type ProviderConfig struct {
	BaseURL string `json:"baseURL,omitempty"`
	APIKey  string `json:"apiKey,omitempty"`
}

// ExperimentFlags gates opt-in behavior.
type ExperimentFlags struct {
	// ExecHardRestart enables the hard-restart recovery strategy for
	// edit-capable child tasks that overflow their context window.
	ExecHardRestart bool `json:"execHardRestart,omitempty"`
}

// Defaults used when a field is unset.
const (
	DefaultProviderBaseURL                 = "https://api.openai.com/v1"
	DefaultMaxParallelAgentTasks           = 3
	DefaultMaxTaskNestingDepth             = 3
	DefaultPostCompactionAttachmentCadence = 5
	DefaultCompactionMinSummaryWords       = 50
)

// Normalize fills unset fields with defaults.
func (c *Config) Normalize() {
	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = DefaultProviderBaseURL
	}
	if c.MaxParallelAgentTasks <= 0 {
		c.MaxParallelAgentTasks = DefaultMaxParallelAgentTasks
	}
	if c.MaxTaskNestingDepth <= 0 {
		c.MaxTaskNestingDepth = DefaultMaxTaskNestingDepth
	}
	if c.PostCompactionAttachmentCadence <= 0 {
		c.PostCompactionAttachmentCadence = DefaultPostCompactionAttachmentCadence
	}
	if c.CompactionMinSummaryWords <= 0 {
		c.CompactionMinSummaryWords = DefaultCompactionMinSummaryWords
	}
}
