package util

import (
	"os"
	"path/filepath"
	"strings"
)

// PathExists() is a wrapper function that simplifies checking
// if a file or directory already exists at the provided path.
func PathExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}

// SplitPathForViper() is an utility function to split a path into 3 parts:
// - directory
// - filename
// - extension
// The intent was to break a path into a format that's more easily consumable
// by spf13/viper's API. See config.Load() for more details.
func SplitPathForViper(path string) (string, string, string) {
	filename := filepath.Base(path)
	ext := filepath.Ext(filename)
	return filepath.Dir(path), strings.TrimSuffix(filename, ext), strings.TrimPrefix(ext, ".")
}

// ConfigDir() returns $XDG_CONFIG_HOME/upsmon, or ~/.config/upsmon when
// XDG_CONFIG_HOME is not set.
func ConfigDir() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "upsmon")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "upsmon")
}

// StateDir() returns $XDG_STATE_HOME/upsmon, or ~/.local/state/upsmon.
// The journal lives here by default.
func StateDir() string {
	dir := os.Getenv("XDG_STATE_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "upsmon")
		}
		dir = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(dir, "upsmon")
}
