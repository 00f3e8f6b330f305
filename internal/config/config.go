package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for threadsage.
type Config struct {
	General   GeneralConfig             `json:"general" yaml:"general" toml:"general"`
	Server    ServerConfig              `json:"server" yaml:"server" toml:"server"`
	Slack     SlackConfig               `json:"slack" yaml:"slack" toml:"slack"`
	Webhook   WebhookConfig             `json:"webhook" yaml:"webhook" toml:"webhook"`
	Providers map[string]ProviderConfig `json:"providers" yaml:"providers" toml:"providers"`
	Agent     AgentConfig               `json:"agent" yaml:"agent" toml:"agent"`
	Usage     UsageConfig               `json:"usage" yaml:"usage" toml:"usage"`
	Telemetry TelemetryConfig           `json:"telemetry" yaml:"telemetry" toml:"telemetry"`
	Metrics   MetricsConfig             `json:"metrics" yaml:"metrics" toml:"metrics"`
}

type GeneralConfig struct {
	LogLevel             string `json:"logLevel" yaml:"logLevel" toml:"logLevel"`
	LogFormat            string `json:"logFormat,omitempty" yaml:"logFormat,omitempty" toml:"logFormat,omitempty"` // "text" | "json"
	DefaultProvider      string `json:"defaultProvider" yaml:"defaultProvider" toml:"defaultProvider"`
	DefaultModel         string `json:"defaultModel,omitempty" yaml:"defaultModel,omitempty" toml:"defaultModel,omitempty"`
	MaxConcurrentQueries int    `json:"maxConcurrentQueries" yaml:"maxConcurrentQueries" toml:"maxConcurrentQueries"`
	QueryTimeoutMs       int    `json:"queryTimeoutMs" yaml:"queryTimeoutMs" toml:"queryTimeoutMs"`
	PricingFile          string `json:"pricingFile,omitempty" yaml:"pricingFile,omitempty" toml:"pricingFile,omitempty"`
}

type ServerConfig struct {
	Listen      string   `json:"listen" yaml:"listen" toml:"listen"`
	CORSOrigins []string `json:"corsOrigins,omitempty" yaml:"corsOrigins,omitempty" toml:"corsOrigins,omitempty"`
	APIKey      string   `json:"apiKey,omitempty" yaml:"apiKey,omitempty" toml:"apiKey,omitempty"` // bearer token for /api/v1
}

type SlackConfig struct {
	BotToken      string `json:"botToken" yaml:"botToken" toml:"botToken"`
	SigningSecret string `json:"signingSecret" yaml:"signingSecret" toml:"signingSecret"`
	APIURL        string `json:"apiUrl,omitempty" yaml:"apiUrl,omitempty" toml:"apiUrl,omitempty"`
}

// WebhookConfig controls the event gateway. Loaded once and never mutated.
type WebhookConfig struct {
	SignatureValidation bool `json:"signatureValidation" yaml:"signatureValidation" toml:"signatureValidation"`
	DuplicateTTLMs      int  `json:"duplicateTtlMs" yaml:"duplicateTtlMs" toml:"duplicateTtlMs"`
	ProcessingTimeoutMs int  `json:"processingTimeoutMs" yaml:"processingTimeoutMs" toml:"processingTimeoutMs"`
	Threading           bool `json:"threading" yaml:"threading" toml:"threading"`
	DMEnabled           bool `json:"dmEnabled" yaml:"dmEnabled" toml:"dmEnabled"`
	MaxResponseLength   int  `json:"maxResponseLength" yaml:"maxResponseLength" toml:"maxResponseLength"`
}

func (w WebhookConfig) DuplicateTTL() time.Duration {
	return time.Duration(w.DuplicateTTLMs) * time.Millisecond
}

func (w WebhookConfig) ProcessingTimeout() time.Duration {
	return time.Duration(w.ProcessingTimeoutMs) * time.Millisecond
}

type ProviderConfig struct {
	Enabled         bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	APIBase         string   `json:"apiBase,omitempty" yaml:"apiBase,omitempty" toml:"apiBase,omitempty"`
	APIKey          string   `json:"apiKey,omitempty" yaml:"apiKey,omitempty" toml:"apiKey,omitempty"`
	DefaultModel    string   `json:"defaultModel,omitempty" yaml:"defaultModel,omitempty" toml:"defaultModel,omitempty"`
	Models          []string `json:"models,omitempty" yaml:"models,omitempty" toml:"models,omitempty"`
	RateLimitPerMin int      `json:"rateLimitPerMinute,omitempty" yaml:"rateLimitPerMinute,omitempty" toml:"rateLimitPerMinute,omitempty"`
}

type AgentConfig struct {
	IdleTTLMinutes       int     `json:"idleTtlMinutes" yaml:"idleTtlMinutes" toml:"idleTtlMinutes"`
	SweepIntervalMinutes int     `json:"sweepIntervalMinutes" yaml:"sweepIntervalMinutes" toml:"sweepIntervalMinutes"`
	MemoryMaxMessages    int     `json:"memoryMaxMessages" yaml:"memoryMaxMessages" toml:"memoryMaxMessages"`
	MemoryMaxTokens      int     `json:"memoryMaxTokens" yaml:"memoryMaxTokens" toml:"memoryMaxTokens"`
	MaxIterations        int     `json:"maxIterations" yaml:"maxIterations" toml:"maxIterations"`
	MaxTokens            int     `json:"maxTokens" yaml:"maxTokens" toml:"maxTokens"`
	Temperature          float64 `json:"temperature" yaml:"temperature" toml:"temperature"`
	SystemPromptExtra    string  `json:"systemPromptExtra,omitempty" yaml:"systemPromptExtra,omitempty" toml:"systemPromptExtra,omitempty"`
}

func (a AgentConfig) IdleTTL() time.Duration {
	return time.Duration(a.IdleTTLMinutes) * time.Minute
}

func (a AgentConfig) SweepInterval() time.Duration {
	return time.Duration(a.SweepIntervalMinutes) * time.Minute
}

// UsageConfig configures the sqlite usage ledger.
type UsageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	DBPath  string `json:"dbPath" yaml:"dbPath" toml:"dbPath"`
}

type TelemetryConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	OTLPEndpoint string `json:"otlpEndpoint,omitempty" yaml:"otlpEndpoint,omitempty" toml:"otlpEndpoint,omitempty"`
	ServiceName  string `json:"serviceName" yaml:"serviceName" toml:"serviceName"`
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint" toml:"endpoint"`
}

// QueryTimeout returns the per-query deadline.
func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.General.QueryTimeoutMs) * time.Millisecond
}

// envOverlay holds secrets that may be supplied through the environment.
// Non-empty values win over the file.
type envOverlay struct {
	SlackBotToken      string `env:"SLACK_BOT_TOKEN"`
	SlackSigningSecret string `env:"SLACK_SIGNING_SECRET"`
	AnthropicAPIKey    string `env:"ANTHROPIC_API_KEY"`
	OpenAIAPIKey       string `env:"OPENAI_API_KEY"`
	Listen             string `env:"THREADSAGE_LISTEN"`
	LogLevel           string `env:"THREADSAGE_LOG_LEVEL"`
}

// DefaultConfigDir returns the default config directory (~/.threadsage).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".threadsage"
	}
	return filepath.Join(home, ".threadsage")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads the config file at path, choosing the codec by extension.
// A missing file is not an error: defaults plus the environment are used.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	cfg := Defaults()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		// Substitute environment variables: ${VAR} and ${VAR:-default}
		data = []byte(ExpandEnvVars(string(data)))
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("cannot read environment: %w", err)
	}

	cfg.Usage.DBPath = ExpandPath(cfg.Usage.DBPath)
	cfg.General.PricingFile = ExpandPath(cfg.General.PricingFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	case ".toml":
		return toml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

func applyEnv(cfg *Config) error {
	var o envOverlay
	if err := env.Parse(&o); err != nil {
		return err
	}
	if o.SlackBotToken != "" {
		cfg.Slack.BotToken = o.SlackBotToken
	}
	if o.SlackSigningSecret != "" {
		cfg.Slack.SigningSecret = o.SlackSigningSecret
	}
	if o.Listen != "" {
		cfg.Server.Listen = o.Listen
	}
	if o.LogLevel != "" {
		cfg.General.LogLevel = o.LogLevel
	}
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	if o.AnthropicAPIKey != "" {
		p := cfg.Providers["anthropic"]
		p.Enabled = true
		p.APIKey = o.AnthropicAPIKey
		cfg.Providers["anthropic"] = p
	}
	if o.OpenAIAPIKey != "" {
		p := cfg.Providers["openai"]
		p.Enabled = true
		p.APIKey = o.OpenAIAPIKey
		cfg.Providers["openai"] = p
	}
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

// Save writes cfg to path using the codec matching its extension.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	case ".toml":
		var buf strings.Builder
		err = toml.NewEncoder(&buf).Encode(cfg)
		data = []byte(buf.String())
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.General.MaxConcurrentQueries < 1 || cfg.General.MaxConcurrentQueries > 100 {
		errs = append(errs, "general.maxConcurrentQueries must be between 1 and 100")
	}
	if cfg.General.QueryTimeoutMs < 1000 {
		errs = append(errs, "general.queryTimeoutMs must be >= 1000")
	}
	switch strings.ToLower(cfg.General.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}

	if cfg.Webhook.DuplicateTTLMs < 1 {
		errs = append(errs, "webhook.duplicateTtlMs must be >= 1")
	}
	if cfg.Webhook.ProcessingTimeoutMs < 1 {
		errs = append(errs, "webhook.processingTimeoutMs must be >= 1")
	}
	if cfg.Webhook.MaxResponseLength < 100 {
		errs = append(errs, "webhook.maxResponseLength must be >= 100")
	}

	if cfg.Agent.MaxIterations < 1 || cfg.Agent.MaxIterations > 50 {
		errs = append(errs, "agent.maxIterations must be between 1 and 50")
	}
	if cfg.Agent.MemoryMaxMessages < 1 {
		errs = append(errs, "agent.memoryMaxMessages must be >= 1")
	}
	if cfg.Agent.MemoryMaxTokens < 1 {
		errs = append(errs, "agent.memoryMaxTokens must be >= 1")
	}
	if cfg.Agent.IdleTTLMinutes < 1 {
		errs = append(errs, "agent.idleTtlMinutes must be >= 1")
	}
	if cfg.Agent.SweepIntervalMinutes < 1 {
		errs = append(errs, "agent.sweepIntervalMinutes must be >= 1")
	}

	if cfg.Telemetry.Enabled && cfg.Telemetry.OTLPEndpoint == "" {
		errs = append(errs, "telemetry.otlpEndpoint is required when telemetry is enabled")
	}

	for name, pc := range cfg.Providers {
		if pc.RateLimitPerMin < 0 {
			errs = append(errs, fmt.Sprintf("providers.%s.rateLimitPerMinute must be >= 0", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
