// Package config loads codemux configuration from layered JSONC files and
// environment overrides.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tidwall/jsonc"

	"github.com/codemux/codemux/pkg/types"
)

// Load loads configuration from multiple sources (priority order, later wins):
// 1. Global config (~/.codemux/)
// 2. XDG config (~/.config/codemux/)
// 3. Project config (<directory>/.codemux/)
// 4. CODEMUX_CONFIG file
// 5. CODEMUX_CONFIG_CONTENT inline JSON
// 6. Environment variables
func Load(directory string) (*types.Config, error) {
	config := &types.Config{}

	loaded := make(map[string]bool)
	loadOnce := func(path string) {
		absPath, err := filepath.Abs(path)
		if err != nil || loaded[absPath] {
			return
		}
		if loadFile(path, config) == nil {
			loaded[absPath] = true
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		loadOnce(filepath.Join(home, ".codemux", "codemux.json"))
		loadOnce(filepath.Join(home, ".codemux", "codemux.jsonc"))
		loadOnce(filepath.Join(home, ".config", "codemux", "codemux.json"))
		loadOnce(filepath.Join(home, ".config", "codemux", "codemux.jsonc"))
	}

	if directory != "" {
		loadOnce(filepath.Join(directory, ".codemux", "codemux.json"))
		loadOnce(filepath.Join(directory, ".codemux", "codemux.jsonc"))
	}

	if path := os.Getenv("CODEMUX_CONFIG"); path != "" {
		loadOnce(path)
	}

	if content := os.Getenv("CODEMUX_CONFIG_CONTENT"); content != "" {
		var inline types.Config
		if err := json.Unmarshal(jsonc.ToJSON([]byte(content)), &inline); err == nil {
			merge(config, &inline)
		}
	}

	applyEnvOverrides(config)
	config.Normalize()
	return config, nil
}

// loadFile parses a single JSONC config file into config.
func loadFile(path string, config *types.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var file types.Config
	if err := json.Unmarshal(jsonc.ToJSON(data), &file); err != nil {
		return err
	}
	merge(config, &file)
	return nil
}

// merge overlays non-zero fields of src onto dst.
func merge(dst, src *types.Config) {
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	if src.Model != "" {
		dst.Model = src.Model
	}
	if src.Provider.BaseURL != "" {
		dst.Provider.BaseURL = src.Provider.BaseURL
	}
	if src.Provider.APIKey != "" {
		dst.Provider.APIKey = src.Provider.APIKey
	}
	if src.MaxParallelAgentTasks > 0 {
		dst.MaxParallelAgentTasks = src.MaxParallelAgentTasks
	}
	if src.MaxTaskNestingDepth > 0 {
		dst.MaxTaskNestingDepth = src.MaxTaskNestingDepth
	}
	if src.PostCompactionAttachmentCadence > 0 {
		dst.PostCompactionAttachmentCadence = src.PostCompactionAttachmentCadence
	}
	if src.CompactionMinSummaryWords > 0 {
		dst.CompactionMinSummaryWords = src.CompactionMinSummaryWords
	}
	if src.Experiments.ExecHardRestart {
		dst.Experiments.ExecHardRestart = true
	}
}

func applyEnvOverrides(config *types.Config) {
	if v := os.Getenv("CODEMUX_DATA_DIR"); v != "" {
		config.DataDir = v
	}
	if v := os.Getenv("CODEMUX_MODEL"); v != "" {
		config.Model = v
	}
	if v := os.Getenv("CODEMUX_PROVIDER_BASE_URL"); v != "" {
		config.Provider.BaseURL = v
	}
	if v := os.Getenv("CODEMUX_PROVIDER_API_KEY"); v != "" {
		config.Provider.APIKey = v
	}
	if v := os.Getenv("CODEMUX_MAX_PARALLEL_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxParallelAgentTasks = n
		}
	}
	if v := os.Getenv("CODEMUX_EXPERIMENT_EXEC_HARD_RESTART"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Experiments.ExecHardRestart = b
		}
	}
}
