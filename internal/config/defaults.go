package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:             "info",
			LogFormat:            "text",
			DefaultProvider:      "anthropic",
			MaxConcurrentQueries: 5,
			QueryTimeoutMs:       60000,
		},
		Server: ServerConfig{
			Listen:      ":3000",
			CORSOrigins: []string{"*"},
		},
		Slack: SlackConfig{},
		Webhook: WebhookConfig{
			SignatureValidation: true,
			DuplicateTTLMs:      300000,
			ProcessingTimeoutMs: 120000,
			Threading:           true,
			DMEnabled:           true,
			MaxResponseLength:   3900,
		},
		Providers: map[string]ProviderConfig{
			"anthropic": {
				Enabled:      true,
				DefaultModel: "claude-3-5-sonnet-20241022",
			},
			"openai": {
				Enabled:      true,
				DefaultModel: "gpt-4o-mini",
			},
		},
		Agent: AgentConfig{
			IdleTTLMinutes:       30,
			SweepIntervalMinutes: 5,
			MemoryMaxMessages:    20,
			MemoryMaxTokens:      4000,
			MaxIterations:        5,
			MaxTokens:            4096,
			Temperature:          0.7,
		},
		Usage: UsageConfig{
			Enabled: true,
			DBPath:  "~/.threadsage/usage.db",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "threadsage",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
