package provider

import "strings"

// Model strings are "provider/model", e.g. "openai/gpt-5" or
// "anthropic/claude-sonnet-4".

// SupportsAutoTruncation reports whether the model accepts the automatic
// prompt truncation mode (OpenAI GPT-class models).
func SupportsAutoTruncation(model string) bool {
	provider, name := splitModel(model)
	if provider != "" && provider != "openai" {
		return false
	}
	return strings.HasPrefix(name, "gpt-")
}

// Supports1MContext reports whether the model can be switched to an extended
// one-million-token context window (recent Anthropic Sonnet/Opus models).
func Supports1MContext(model string) bool {
	provider, name := splitModel(model)
	if provider != "" && provider != "anthropic" {
		return false
	}
	if !strings.HasPrefix(name, "claude-") {
		return false
	}
	return strings.Contains(name, "sonnet-4") || strings.Contains(name, "opus-4")
}

func splitModel(model string) (provider, name string) {
	if i := strings.IndexByte(model, '/'); i >= 0 {
		return model[:i], model[i+1:]
	}
	return "", model
}

// StreamOptions are the send options carried by an active stream and adjusted
// by recovery strategies before a retry.
type StreamOptions struct {
	Model      string
	Mode       string
	ToolPolicy string

	// Truncation selects the provider-side truncation mode ("auto" or "").
	Truncation string

	// Context1M enables the extended context window where supported.
	Context1M bool

	// SuppressPostCompaction disables post-compaction attachment injection
	// for this request.
	SuppressPostCompaction bool

	// ExtraSystem is appended to system instructions (continuation notices).
	ExtraSystem string
}
