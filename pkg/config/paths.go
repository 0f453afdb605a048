package config

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	EnvOrchidConfig = "ORCHID_CONFIG"
	EnvOrchidHome   = "ORCHID_HOME"
)

type RuntimePaths struct {
	HomeDir      string
	ConfigPath   string
	DatabasePath string
	LogDir       string
}

// ResolveRuntimePaths honors ORCHID_CONFIG first, then ORCHID_HOME, then
// falls back to ~/.orchid.
func ResolveRuntimePaths() RuntimePaths {
	if configPath := ExpandHome(strings.TrimSpace(os.Getenv(EnvOrchidConfig))); configPath != "" {
		return buildRuntimePaths(filepath.Dir(configPath), configPath)
	}

	homeDir := ExpandHome(strings.TrimSpace(os.Getenv(EnvOrchidHome)))
	if homeDir == "" {
		homeDir = defaultOrchidHome()
	}

	return buildRuntimePaths(homeDir, filepath.Join(homeDir, "config.json"))
}

func defaultOrchidHome() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".orchid"
	}
	return filepath.Join(home, ".orchid")
}

func buildRuntimePaths(homeDir, configPath string) RuntimePaths {
	return RuntimePaths{
		HomeDir:      homeDir,
		ConfigPath:   configPath,
		DatabasePath: filepath.Join(homeDir, "orchid.db"),
		LogDir:       filepath.Join(homeDir, "logs"),
	}
}

// ExpandHome resolves a leading ~ against the user's home directory.
func ExpandHome(path string) string {
	if path == "" || !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
