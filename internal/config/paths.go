package config

import (
	"os"
	"path/filepath"
)

// DataDir resolves the data directory: config value, else
// $XDG_DATA_HOME/codemux, else ~/.local/share/codemux.
func DataDir(configured string) string {
	if configured != "" {
		return configured
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "codemux")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".codemux-data"
	}
	return filepath.Join(home, ".local", "share", "codemux")
}
