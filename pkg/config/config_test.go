package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)

	assert.Equal(t, int64(300_000), cfg.Orchestrator.SubagentTimeoutMs)
	assert.Equal(t, int64(600_000), cfg.Orchestrator.SwarmTimeoutMs)
	assert.Equal(t, 100, cfg.Orchestrator.MaxQueueSize)
	assert.Equal(t, 3, cfg.Orchestrator.MaxBackgroundPerChat)
	assert.Equal(t, 3, cfg.Orchestrator.MaxSubagentDepth)
}

func TestLoadConfigFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{"orchestrator": {"subagent_timeout_ms": 1000, "max_queue_size": 5}}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, int64(1000), cfg.Orchestrator.SubagentTimeoutMs)
	assert.Equal(t, 5, cfg.Orchestrator.MaxQueueSize)
	// untouched fields keep defaults
	assert.Equal(t, int64(120_000), cfg.Orchestrator.ApprovalTimeoutMs)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{"llm": {"model": "from-file"}}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	t.Setenv("ORCHID_LLM_MODEL", "from-env")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.LLM.Model)
}

func TestFlexibleStringSliceAcceptsNumbers(t *testing.T) {
	var f FlexibleStringSlice
	require.NoError(t, json.Unmarshal([]byte(`["abc", 123]`), &f))
	assert.Equal(t, FlexibleStringSlice{"abc", "123"}, f)
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := DefaultConfig()
	cfg.Channels.Telegram.Enabled = true
	cfg.Channels.Telegram.Token = "tok"

	require.NoError(t, SaveConfig(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, loaded.Channels.Telegram.Enabled)
	assert.Equal(t, "tok", loaded.Channels.Telegram.Token)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".orchid"), ExpandHome("~/.orchid"))
	assert.Equal(t, "/abs/path", ExpandHome("/abs/path"))
	assert.Equal(t, "", ExpandHome(""))
}
