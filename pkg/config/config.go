package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type LLMConfig struct {
	Model   string `json:"model" env:"ORCHID_LLM_MODEL"`
	APIKey  string `json:"api_key" env:"ORCHID_LLM_API_KEY"`
	BaseURL string `json:"base_url" env:"ORCHID_LLM_BASE_URL"`
}

type AgentDefaults struct {
	Workspace         string   `json:"workspace" env:"ORCHID_AGENTS_WORKSPACE"`
	Model             string   `json:"model" env:"ORCHID_AGENTS_MODEL"`
	MaxTokens         int      `json:"max_tokens" env:"ORCHID_AGENTS_MAX_TOKENS"`
	Temperature       *float64 `json:"temperature,omitempty"`
	MaxToolIterations int      `json:"max_tool_iterations" env:"ORCHID_AGENTS_MAX_TOOL_ITERATIONS"`
}

type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults"`
}

// OrchestratorConfig carries the timing and capacity knobs of the runtime.
// Durations are milliseconds.
type OrchestratorConfig struct {
	SubagentTimeoutMs    int64 `json:"subagent_timeout_ms" env:"ORCHID_SUBAGENT_TIMEOUT_MS"`
	SwarmTimeoutMs       int64 `json:"swarm_timeout_ms" env:"ORCHID_SWARM_TIMEOUT_MS"`
	ApprovalTimeoutMs    int64 `json:"approval_timeout_ms" env:"ORCHID_APPROVAL_TIMEOUT_MS"`
	ProgressThrottleMs   int64 `json:"progress_throttle_ms" env:"ORCHID_PROGRESS_THROTTLE_MS"`
	CleanupIntervalMs    int64 `json:"cleanup_interval_ms" env:"ORCHID_CLEANUP_INTERVAL_MS"`
	CollectWindowMs      int64 `json:"collect_window_ms" env:"ORCHID_COLLECT_WINDOW_MS"`
	MaxQueueSize         int   `json:"max_queue_size" env:"ORCHID_MAX_QUEUE_SIZE"`
	MaxBackgroundPerChat int   `json:"max_background_per_chat" env:"ORCHID_MAX_BACKGROUND_PER_CHAT"`
	MaxSubagentDepth     int   `json:"max_subagent_depth" env:"ORCHID_MAX_SUBAGENT_DEPTH"`
	MaxSwarmAgents       int   `json:"max_swarm_agents" env:"ORCHID_MAX_SWARM_AGENTS"`
}

type VerifierConfig struct {
	Enabled          bool  `json:"enabled" env:"ORCHID_VERIFIER_ENABLED"`
	CommandTimeoutMs int64 `json:"command_timeout_ms" env:"ORCHID_VERIFIER_COMMAND_TIMEOUT_MS"`
	MaxRetries       int   `json:"max_retries" env:"ORCHID_VERIFIER_MAX_RETRIES"`
}

type ScheduleConfig struct {
	Enabled        bool  `json:"enabled" env:"ORCHID_SCHEDULE_ENABLED"`
	TickIntervalMs int64 `json:"tick_interval_ms" env:"ORCHID_SCHEDULE_TICK_INTERVAL_MS"`
}

type TelegramConfig struct {
	Enabled   bool                `json:"enabled" env:"ORCHID_CHANNELS_TELEGRAM_ENABLED"`
	Token     string              `json:"token" env:"ORCHID_CHANNELS_TELEGRAM_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"ORCHID_CHANNELS_TELEGRAM_ALLOW_FROM"`
}

type DiscordConfig struct {
	Enabled   bool                `json:"enabled" env:"ORCHID_CHANNELS_DISCORD_ENABLED"`
	Token     string              `json:"token" env:"ORCHID_CHANNELS_DISCORD_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"ORCHID_CHANNELS_DISCORD_ALLOW_FROM"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type RateLimitsConfig struct {
	MaxMessagesPerMinute int `json:"max_messages_per_minute" env:"ORCHID_RATE_LIMITS_MAX_MESSAGES_PER_MINUTE"` // 0 = unlimited
}

type StoreConfig struct {
	Path string `json:"path" env:"ORCHID_STORE_PATH"`
}

type Config struct {
	LLM          LLMConfig          `json:"llm"`
	Agents       AgentsConfig       `json:"agents"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Verifier     VerifierConfig     `json:"verifier"`
	Schedule     ScheduleConfig     `json:"schedule"`
	Channels     ChannelsConfig     `json:"channels"`
	RateLimits   RateLimitsConfig   `json:"rate_limits"`
	Store        StoreConfig        `json:"store"`
	mu           sync.RWMutex
}

// LoadConfig reads the JSON file at path, falling back to defaults when the
// file does not exist, then applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
