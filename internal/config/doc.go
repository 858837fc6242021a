// Package config handles configuration loading for chat-gateway.
//
// # Configuration File
//
// YAML by default; a .toml extension selects TOML. Location:
//
//  1. Path from the CHAT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/chat-gateway/gateway.yaml (~/.config when unset)
//
// A .env file in the working directory is loaded before the file is read.
//
// # Environment Variables
//
// Values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${CHAT_JWT_SECRET}"
//
// After parsing, these variables override file values: CHAT_GRPC_ADDR,
// CHAT_HTTP_ADDR, CHAT_DB_DRIVER, CHAT_DB_PATH, CHAT_JWT_SECRET,
// CHAT_ASSISTANT_PROVIDER, CHAT_ASSISTANT_API_KEY, CHAT_LOG_LEVEL and
// CHAT_LOG_FORMAT.
//
// # Example
//
//	server:
//	  grpc_addr: "0.0.0.0:50051"  # gRPC health service
//	  http_addr: "0.0.0.0:8080"   # API and websocket
//
//	database:
//	  driver: "sqlite"            # sqlite (pure Go) or sqlite3 (cgo)
//	  path: "/var/lib/chat/gateway.db"
//
//	realtime:
//	  ping_interval: "30s"
//	  write_timeout: "10s"
//	  retry_window: "10m"         # how long retried sends are recognized
//	  send_buffer: 64
//	  allowed_origins: ["https://app.example.com"]
//
//	assistant:
//	  provider: "anthropic"       # none, canned, anthropic, openai
//	  api_key: "${ANTHROPIC_API_KEY}"
//	  system_prompt: "You answer on behalf of the shop."
//	  timeout: "30s"
//	  max_concurrent: 4
//	  history_limit: 20
//
//	logging:
//	  level: "info"               # debug, info, warn, error
//	  format: "text"              # text, json
//
// Durations use time.ParseDuration syntax.
package config
