package config

import (
	"os"
	"path/filepath"
)

// DefaultFileName is the config file Discover looks for.
const DefaultFileName = "guibridge.toml"

// Discover walks upward from dir looking for name, returning the full path
// of the first hit or "" when no ancestor directory has one.
func Discover(name, dir string) string {
	curDir := dir
	for {
		candidate := filepath.Join(curDir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return ""
		}
		curDir = newDir
	}
}
