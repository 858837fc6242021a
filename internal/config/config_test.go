// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, overrides, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
server:
  grpc_addr: "0.0.0.0:50051"
  http_addr: "0.0.0.0:8080"

database:
  path: "./test.db"

realtime:
  ping_interval: "15s"
  write_timeout: "5s"
  retry_window: "2m"
  send_buffer: 128
  allowed_origins:
    - "https://app.example.com"

assistant:
  provider: "canned"
  canned_reply: "We will get back to you shortly."
  timeout: "45s"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.GRPCAddr != "0.0.0.0:50051" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "0.0.0.0:50051")
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q, want default %q", cfg.Database.Driver, "sqlite")
	}
	if cfg.Realtime.PingInterval != 15*time.Second {
		t.Errorf("Realtime.PingInterval = %v, want 15s", cfg.Realtime.PingInterval)
	}
	if cfg.Realtime.WriteTimeout != 5*time.Second {
		t.Errorf("Realtime.WriteTimeout = %v, want 5s", cfg.Realtime.WriteTimeout)
	}
	if cfg.Realtime.RetryWindow != 2*time.Minute {
		t.Errorf("Realtime.RetryWindow = %v, want 2m", cfg.Realtime.RetryWindow)
	}
	if cfg.Realtime.SendBuffer != 128 {
		t.Errorf("Realtime.SendBuffer = %d, want 128", cfg.Realtime.SendBuffer)
	}
	if len(cfg.Realtime.AllowedOrigins) != 1 || cfg.Realtime.AllowedOrigins[0] != "https://app.example.com" {
		t.Errorf("Realtime.AllowedOrigins = %v", cfg.Realtime.AllowedOrigins)
	}
	if cfg.Assistant.Provider != "canned" || cfg.Assistant.CannedReply == "" {
		t.Errorf("Assistant = %+v, want canned provider with reply", cfg.Assistant)
	}
	if cfg.Assistant.Timeout != 45*time.Second {
		t.Errorf("Assistant.Timeout = %v, want 45s", cfg.Assistant.Timeout)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "gateway.toml", `
[server]
grpc_addr = "127.0.0.1:50051"
http_addr = "127.0.0.1:8080"

[database]
driver = "sqlite3"
path = "/tmp/chat.db"

[realtime]
ping_interval = "20s"

[assistant]
provider = "none"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:8080" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("Database.Driver = %q, want sqlite3", cfg.Database.Driver)
	}
	if cfg.Realtime.PingInterval != 20*time.Second {
		t.Errorf("Realtime.PingInterval = %v, want 20s", cfg.Realtime.PingInterval)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
server:
  grpc_addr: ":50051"
  http_addr: ":8080"
database:
  path: ":memory:"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Realtime.PingInterval != 30*time.Second {
		t.Errorf("default PingInterval = %v, want 30s", cfg.Realtime.PingInterval)
	}
	if cfg.Realtime.WriteTimeout != 10*time.Second {
		t.Errorf("default WriteTimeout = %v, want 10s", cfg.Realtime.WriteTimeout)
	}
	if cfg.Realtime.RetryWindow != 10*time.Minute {
		t.Errorf("default RetryWindow = %v, want 10m", cfg.Realtime.RetryWindow)
	}
	if cfg.Realtime.SendBuffer != 64 {
		t.Errorf("default SendBuffer = %d, want 64", cfg.Realtime.SendBuffer)
	}
	if cfg.Assistant.Provider != "none" {
		t.Errorf("default Assistant.Provider = %q, want none", cfg.Assistant.Provider)
	}
	if cfg.Assistant.MaxConcurrent != 4 || cfg.Assistant.HistoryLimit != 20 {
		t.Errorf("default assistant limits = %d/%d, want 4/20", cfg.Assistant.MaxConcurrent, cfg.Assistant.HistoryLimit)
	}
	if cfg.Assistant.Timeout != 30*time.Second {
		t.Errorf("default Assistant.Timeout = %v, want 30s", cfg.Assistant.Timeout)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("default Logging = %+v", cfg.Logging)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_CHAT_SECRET", "super-secret-value")
	t.Setenv("TEST_CHAT_DB", "/data/chat.db")

	path := writeConfig(t, "gateway.yaml", `
server:
  grpc_addr: ":50051"
  http_addr: ":8080"
database:
  path: "${TEST_CHAT_DB}"
auth:
  jwt_secret: "${TEST_CHAT_SECRET}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != "super-secret-value" {
		t.Errorf("Auth.JWTSecret = %q, want expanded value", cfg.Auth.JWTSecret)
	}
	if cfg.Database.Path != "/data/chat.db" {
		t.Errorf("Database.Path = %q, want expanded value", cfg.Database.Path)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CHAT_DB_PATH", "/override/chat.db")
	t.Setenv("CHAT_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("CHAT_JWT_SECRET", "from-env")
	t.Setenv("CHAT_LOG_LEVEL", "warn")

	path := writeConfig(t, "gateway.yaml", `
server:
  grpc_addr: ":50051"
  http_addr: ":8080"
database:
  path: "./file.db"
logging:
  level: "debug"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/override/chat.db" {
		t.Errorf("Database.Path = %q, want env override", cfg.Database.Path)
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:9999" {
		t.Errorf("Server.HTTPAddr = %q, want env override", cfg.Server.HTTPAddr)
	}
	if cfg.Server.GRPCAddr != ":50051" {
		t.Errorf("Server.GRPCAddr = %q, want file value", cfg.Server.GRPCAddr)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("Auth.JWTSecret = %q, want env override", cfg.Auth.JWTSecret)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want env override", cfg.Logging.Level)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
server:
  grpc_addr: ":50051"
  http_addr: ":8080"
database:
  path: "./test.db"
realtime:
  ping_interval: "soon"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "realtime.ping_interval") {
		t.Errorf("error = %v, want it to name the field", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", "server: [unclosed")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() expected error for malformed YAML")
	}
}

func validConfig() *Config {
	cfg := &Config{
		Server:   ServerConfig{GRPCAddr: ":50051", HTTPAddr: ":8080"},
		Database: DatabaseConfig{Path: "./test.db"},
	}
	cfg.applyDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing grpc addr", func(c *Config) { c.Server.GRPCAddr = "" }, "server.grpc_addr"},
		{"missing http addr", func(c *Config) { c.Server.HTTPAddr = "" }, "server.http_addr"},
		{"tailscale without addresses", func(c *Config) {
			c.Server = ServerConfig{}
			c.Tailscale = TailscaleConfig{Enabled: true, Hostname: "chat"}
		}, ""},
		{"tailscale without hostname", func(c *Config) { c.Tailscale.Enabled = true }, "tailscale.hostname"},
		{"missing database path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "postgres" }, "database.driver"},
		{"unknown provider", func(c *Config) { c.Assistant.Provider = "oracle" }, "assistant.provider"},
		{"provider without key", func(c *Config) { c.Assistant.Provider = "anthropic" }, "assistant.api_key"},
		{"provider with key", func(c *Config) {
			c.Assistant.Provider = "openai"
			c.Assistant.APIKey = "sk-test"
		}, ""},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("CHAT_CONFIG", "/etc/chat/gateway.yaml")
	if got := DefaultPath(); got != "/etc/chat/gateway.yaml" {
		t.Errorf("DefaultPath() = %q, want CHAT_CONFIG value", got)
	}

	t.Setenv("CHAT_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := DefaultPath(); got != filepath.Join("/xdg", "chat-gateway", "gateway.yaml") {
		t.Errorf("DefaultPath() = %q, want XDG location", got)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("CHAT_TEST_A", "alpha")
	got := expandEnvVars("a=${CHAT_TEST_A} b=${CHAT_TEST_UNSET_VAR}")
	if got != "a=alpha b=" {
		t.Errorf("expandEnvVars() = %q", got)
	}
}
