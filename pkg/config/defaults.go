package config

// DefaultConfig returns the default configuration for Orchid.
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Model: "claude-sonnet-4-5",
		},
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Workspace:         "~/.orchid/workspace",
				Model:             "inherit",
				MaxTokens:         8192,
				Temperature:       nil, // nil means use provider default
				MaxToolIterations: 20,
			},
		},
		Orchestrator: OrchestratorConfig{
			SubagentTimeoutMs:    300_000,
			SwarmTimeoutMs:       600_000,
			ApprovalTimeoutMs:    120_000,
			ProgressThrottleMs:   30_000,
			CleanupIntervalMs:    60_000,
			CollectWindowMs:      5_000,
			MaxQueueSize:         100,
			MaxBackgroundPerChat: 3,
			MaxSubagentDepth:     3,
			MaxSwarmAgents:       5,
		},
		Verifier: VerifierConfig{
			Enabled:          true,
			CommandTimeoutMs: 60_000,
			MaxRetries:       2,
		},
		Schedule: ScheduleConfig{
			Enabled:        true,
			TickIntervalMs: 15_000,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				Enabled:   false,
				Token:     "",
				AllowFrom: FlexibleStringSlice{},
			},
			Discord: DiscordConfig{
				Enabled:   false,
				Token:     "",
				AllowFrom: FlexibleStringSlice{},
			},
		},
		RateLimits: RateLimitsConfig{
			MaxMessagesPerMinute: 30,
		},
		Store: StoreConfig{
			Path: "~/.orchid/orchid.db",
		},
	}
}
