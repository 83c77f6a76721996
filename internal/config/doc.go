// Package config handles configuration loading for coven-relay.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by extension) with
// environment variable expansion. The same file format serves the gateway and
// every worker; each role validates the sections it needs.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from the --config flag
//  2. Path from COVEN_RELAY_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/coven/relay.yaml
//  4. ~/.config/coven/relay.yaml
//
// # Environment Variable Expansion
//
//	telegram:
//	  token: "${TELEGRAM_BOT_TOKEN}"
//
// Syntax: ${VAR_NAME}
//
// # Configuration Sections
//
//	service:
//	  name: "forwarding"          # worker capability, queue suffix, dialogue scope
//	  instance_id: ""             # consumer tag, generated when empty
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # webhooks, health, metrics
//	  grpc_addr: "0.0.0.0:50051"  # gRPC health
//
//	broker:
//	  host: "rabbitmq"
//	  port: 5672
//	  username: "guest"
//	  password: "${AMQP_PASSWORD}"
//	  vhost: "/"
//	  heartbeat: "10s"
//
//	redis:
//	  addr: "redis:6379"
//
//	database:
//	  path: "/var/lib/coven/relay.db"
//
//	telegram:
//	  token: "${TELEGRAM_BOT_TOKEN}"
//	  webhook:
//	    url: "https://relay.example.com/telegram/webhook"
//	    secret_token: "${TELEGRAM_WEBHOOK_SECRET}"
//
//	forwarding:
//	  webhook_base_url: "https://relay.example.com"
//	  rate_limit: 20              # forwards per source chat per minute, 0 disables
//	  dedupe_window: "10m"
//
//	dispatch:
//	  workers: 64
//	  handler_timeout: "60s"
//	  serialize_chats: "none"     # none, local, redis
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	tracing:
//	  enabled: true
//	  endpoint: "otel-collector:4317"
//	  insecure: true
package config
