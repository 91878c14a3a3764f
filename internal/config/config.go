// Package config loads the service configuration from YAML.
//
// Environment variables in the file are expanded before parsing, so secrets
// can be referenced as ${ANTHROPIC_API_KEY} rather than inlined.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the pagespace service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
	Providers ProvidersConfig `yaml:"providers"`
	Quota     QuotaConfig     `yaml:"quota"`
	Chat      ChatConfig      `yaml:"chat"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig configures the Postgres conversation store. An empty DSN
// selects the in-memory store (development and tests only).
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// AuthConfig configures bearer-token verification.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ProviderConfig holds platform credentials for one provider. Users may still
// supply their own keys per request or via settings.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// ProvidersConfig holds per-provider platform configuration.
type ProvidersConfig struct {
	Default        string         `yaml:"default"`
	FallbackModels []string       `yaml:"fallback_models"`
	Anthropic      ProviderConfig `yaml:"anthropic"`
	OpenAI         ProviderConfig `yaml:"openai"`
	OpenRouter     ProviderConfig `yaml:"openrouter"`
	Ollama         ProviderConfig `yaml:"ollama"`
}

// QuotaConfig configures the daily call quotas.
type QuotaConfig struct {
	StandardLimit int `yaml:"standard_limit"`
	PremiumLimit  int `yaml:"premium_limit"`

	// PremiumModels lists model id prefixes billed against the premium tier.
	PremiumModels []string `yaml:"premium_models"`
}

// ChatConfig bounds a single chat turn.
type ChatConfig struct {
	MaxSteps          int           `yaml:"max_steps"`
	MaxTurnDuration   time.Duration `yaml:"max_turn_duration"`
	ProviderRetries   int           `yaml:"provider_retries"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Providers: ProvidersConfig{
			Default: "anthropic",
			FallbackModels: []string{
				"claude-sonnet-4-20250514",
				"claude-3-5-sonnet-20241022",
				"claude-3-haiku-20240307",
			},
			Ollama: ProviderConfig{BaseURL: "http://localhost:11434/v1"},
		},
		Quota: QuotaConfig{
			StandardLimit: 200,
			PremiumLimit:  50,
			PremiumModels: []string{"claude-opus", "gpt-4o", "o1"},
		},
		Chat: ChatConfig{
			MaxSteps:          100,
			MaxTurnDuration:   5 * time.Minute,
			ProviderRetries:   20,
			RequestsPerSecond: 1,
			Burst:             5,
		},
	}
}

// Load reads and parses the config file at path, applying defaults for any
// omitted field.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as runtime faults.
func (c *Config) Validate() error {
	if c.Chat.MaxSteps <= 0 {
		return fmt.Errorf("chat.max_steps must be positive")
	}
	if len(c.Providers.FallbackModels) > 3 {
		return fmt.Errorf("providers.fallback_models supports at most 3 entries")
	}
	if c.Quota.StandardLimit < 0 || c.Quota.PremiumLimit < 0 {
		return fmt.Errorf("quota limits must not be negative")
	}
	return nil
}
