// ABOUTME: Configuration loading and parsing for chat-gateway
// ABOUTME: YAML or TOML files with ${VAR} expansion, .env loading, CHAT_* overrides and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CHAT_"

// Config represents the complete chat-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Realtime  RealtimeConfig  `yaml:"realtime" toml:"realtime"`
	Assistant AssistantConfig `yaml:"assistant" toml:"assistant"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr" env:"GRPC_ADDR"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr" env:"HTTP_ADDR"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // serve HTTP on :443 with tailnet certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public Funnel, implies HTTPS
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver" env:"DB_DRIVER"` // sqlite (pure Go) or sqlite3 (cgo)
	Path   string `yaml:"path" toml:"path" env:"DB_PATH"`
}

// AuthConfig holds authentication configuration. An empty secret runs the
// gateway in anonymous mode.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret" env:"JWT_SECRET"`
}

// RealtimeConfig tunes the websocket channel
type RealtimeConfig struct {
	PingInterval   time.Duration `yaml:"-" toml:"-"`
	WriteTimeout   time.Duration `yaml:"-" toml:"-"`
	RetryWindow    time.Duration `yaml:"-" toml:"-"`
	SendBuffer     int           `yaml:"send_buffer" toml:"send_buffer"`
	AllowedOrigins []string      `yaml:"allowed_origins" toml:"allowed_origins"`

	// Raw string values for unmarshaling
	PingIntervalRaw string `yaml:"ping_interval" toml:"ping_interval"`
	WriteTimeoutRaw string `yaml:"write_timeout" toml:"write_timeout"`
	RetryWindowRaw  string `yaml:"retry_window" toml:"retry_window"`
}

// AssistantConfig selects the automated replier used in bot mode
type AssistantConfig struct {
	Provider      string        `yaml:"provider" toml:"provider" env:"ASSISTANT_PROVIDER"` // none, canned, anthropic, openai
	Model         string        `yaml:"model" toml:"model"`
	APIKey        string        `yaml:"api_key" toml:"api_key" env:"ASSISTANT_API_KEY"`
	BaseURL       string        `yaml:"base_url" toml:"base_url"`
	SystemPrompt  string        `yaml:"system_prompt" toml:"system_prompt"`
	CannedReply   string        `yaml:"canned_reply" toml:"canned_reply"`
	MaxTokens     int           `yaml:"max_tokens" toml:"max_tokens"`
	MaxConcurrent int           `yaml:"max_concurrent" toml:"max_concurrent"`
	HistoryLimit  int           `yaml:"history_limit" toml:"history_limit"`
	Timeout       time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" toml:"format" env:"LOG_FORMAT"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// A .env file in the working directory is loaded first; ${VAR_NAME} patterns
// are expanded, then CHAT_* variables override file values.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := decode(path, []byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.Unmarshal(data, cfg)
	default:
		return yaml.Unmarshal(data, cfg)
	}
}

// DefaultPath returns the config file location: CHAT_CONFIG if set,
// otherwise gateway.yaml under the XDG config directory.
func DefaultPath() string {
	if p := os.Getenv("CHAT_CONFIG"); p != "" {
		return p
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "chat-gateway", "gateway.yaml")
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Realtime.PingInterval == 0 {
		c.Realtime.PingInterval = 30 * time.Second
	}
	if c.Realtime.WriteTimeout == 0 {
		c.Realtime.WriteTimeout = 10 * time.Second
	}
	if c.Realtime.RetryWindow == 0 {
		c.Realtime.RetryWindow = 10 * time.Minute
	}
	if c.Realtime.SendBuffer == 0 {
		c.Realtime.SendBuffer = 64
	}
	if c.Assistant.Provider == "" {
		c.Assistant.Provider = "none"
	}
	if c.Assistant.Timeout == 0 {
		c.Assistant.Timeout = 30 * time.Second
	}
	if c.Assistant.MaxConcurrent == 0 {
		c.Assistant.MaxConcurrent = 4
	}
	if c.Assistant.HistoryLimit == 0 {
		c.Assistant.HistoryLimit = 20
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver %q is not supported (sqlite, sqlite3)", c.Database.Driver)
	}

	if c.Realtime.SendBuffer < 0 {
		return fmt.Errorf("realtime.send_buffer must not be negative")
	}

	switch c.Assistant.Provider {
	case "none", "canned":
	case "anthropic", "openai":
		if c.Assistant.APIKey == "" {
			return fmt.Errorf("assistant.api_key is required for provider %q", c.Assistant.Provider)
		}
	default:
		return fmt.Errorf("assistant.provider %q is not supported (none, canned, anthropic, openai)", c.Assistant.Provider)
	}
	if c.Assistant.MaxConcurrent < 0 || c.Assistant.HistoryLimit < 0 {
		return fmt.Errorf("assistant.max_concurrent and assistant.history_limit must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not supported", c.Logging.Level)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"realtime.ping_interval", cfg.Realtime.PingIntervalRaw, &cfg.Realtime.PingInterval},
		{"realtime.write_timeout", cfg.Realtime.WriteTimeoutRaw, &cfg.Realtime.WriteTimeout},
		{"realtime.retry_window", cfg.Realtime.RetryWindowRaw, &cfg.Realtime.RetryWindow},
		{"assistant.timeout", cfg.Assistant.TimeoutRaw, &cfg.Assistant.Timeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}
	return nil
}
