// Package agent defines agent presets and their inheritance chains. A child
// task workspace runs under a preset; capability checks (such as whether the
// chain grants edit-capable tool access) resolve the full chain.
package agent

import (
	"fmt"
	"sync"
)

// Preset is an agent configuration.
type Preset struct {
	Name string `json:"name"`

	// Inherits names a parent preset whose settings this one extends.
	Inherits string `json:"inherits,omitempty"`

	Prompt string `json:"prompt,omitempty"`

	// Tools lists enabled tool ids; empty means inherit.
	Tools []string `json:"tools,omitempty"`

	// DisabledTools are removed after inheritance is applied.
	DisabledTools []string `json:"disabledTools,omitempty"`
}

// Registry holds the known presets.
type Registry struct {
	mu      sync.RWMutex
	presets map[string]*Preset
}

// NewRegistry creates a registry seeded with the built-in presets.
func NewRegistry() *Registry {
	r := &Registry{presets: make(map[string]*Preset)}
	for _, p := range builtins() {
		r.presets[p.Name] = p
	}
	return r
}

// Register adds or replaces a preset.
func (r *Registry) Register(p *Preset) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.presets[p.Name] = p
}

// Get returns a preset by name.
func (r *Registry) Get(name string) (*Preset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.presets[name]
	if !ok {
		return nil, fmt.Errorf("unknown agent preset %q", name)
	}
	return p, nil
}

// Resolve walks the inheritance chain and returns the effective tool set.
func (r *Registry) Resolve(name string) (map[string]bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make(map[string]bool)
	disabled := make(map[string]bool)
	seen := make(map[string]bool)

	for name != "" {
		if seen[name] {
			return nil, fmt.Errorf("agent preset inheritance cycle at %q", name)
		}
		seen[name] = true

		p, ok := r.presets[name]
		if !ok {
			return nil, fmt.Errorf("unknown agent preset %q", name)
		}
		for _, t := range p.Tools {
			tools[t] = true
		}
		for _, t := range p.DisabledTools {
			disabled[t] = true
		}
		name = p.Inherits
	}

	for t := range disabled {
		delete(tools, t)
	}
	return tools, nil
}

// execTools are the tool ids that make a preset edit-capable.
var execTools = []string{"edit", "write", "bash"}

// ExecCapable reports whether the preset's resolved chain grants
// edit-capable tool access.
func (r *Registry) ExecCapable(name string) bool {
	tools, err := r.Resolve(name)
	if err != nil {
		return false
	}
	for _, t := range execTools {
		if tools[t] {
			return true
		}
	}
	return false
}

func builtins() []*Preset {
	return []*Preset{
		{
			Name:  "default",
			Tools: []string{"read", "grep", "glob", "edit", "write", "bash"},
		},
		{
			Name:          "plan",
			Inherits:      "default",
			DisabledTools: []string{"edit", "write", "bash"},
			Prompt:        "Focus on analysis and planning. Do not modify files.",
		},
		{
			Name:     "exec",
			Inherits: "default",
			Prompt:   "Complete the delegated task, then report your results with the report tool.",
		},
	}
}
