package config

import (
	"os"
	"path/filepath"
	"strings"
)

// AppName names the per-user data and config directories
const AppName = "vvbatch"

// GetUserDataDir returns the user's data directory following XDG spec.
// Returns $XDG_DATA_HOME/vvbatch or ~/.local/share/vvbatch
func GetUserDataDir() string {
	// XDG_DATA_HOME takes priority
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, AppName)
	}

	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", AppName)
	}

	return ""
}

// GetScratchDataDir returns the scratch data directory for HPC systems.
// Returns $SCRATCH/vvbatch if SCRATCH is set.
func GetScratchDataDir() string {
	if scratch := os.Getenv("SCRATCH"); scratch != "" {
		return filepath.Join(scratch, AppName)
	}
	return ""
}

// DefaultLedgerPath returns where the result ledger lives when not configured.
// Scratch wins over the user data dir since home quotas on clusters are small.
func DefaultLedgerPath() string {
	for _, dir := range []string{GetScratchDataDir(), GetUserDataDir()} {
		if dir != "" {
			return filepath.Join(dir, "ledger.db")
		}
	}
	return ""
}

// GetConfigSearchPaths lists the directories searched for config.yaml,
// highest priority first.
func GetConfigSearchPaths() []string {
	var paths []string
	if userConfigDir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(userConfigDir, AppName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, "."+AppName))
	}
	if extra := os.Getenv("VVBATCH_CONFIG_DIRS"); extra != "" {
		for _, dir := range strings.Split(extra, ":") {
			if dir = strings.TrimSpace(dir); dir != "" {
				paths = append(paths, dir)
			}
		}
	}
	paths = append(paths, "/etc/"+AppName, ".")
	return paths
}
