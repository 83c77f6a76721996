// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Chat serialization modes for DispatchConfig.SerializeChats.
const (
	SerializeNone  = "none"
	SerializeLocal = "local"
	SerializeRedis = "redis"
)

// Config represents the complete coven-relay configuration
type Config struct {
	Service    ServiceConfig    `yaml:"service" toml:"service"`
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Broker     BrokerConfig     `yaml:"broker" toml:"broker"`
	Redis      RedisConfig      `yaml:"redis" toml:"redis"`
	Database   DatabaseConfig   `yaml:"database" toml:"database"`
	Telegram   TelegramConfig   `yaml:"telegram" toml:"telegram"`
	Forwarding ForwardingConfig `yaml:"forwarding" toml:"forwarding"`
	Dispatch   DispatchConfig   `yaml:"dispatch" toml:"dispatch"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics" toml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing" toml:"tracing"`
}

// ServiceConfig identifies the worker process
type ServiceConfig struct {
	// Name selects the worker capability and names its broker queue and dialogue scope
	Name string `yaml:"name" toml:"name"`
	// InstanceID tags the broker consumer; generated when empty
	InstanceID string `yaml:"instance_id" toml:"instance_id"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// BrokerConfig holds AMQP connection settings
type BrokerConfig struct {
	Host     string `yaml:"host" toml:"host"`
	Port     int    `yaml:"port" toml:"port"`
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
	Vhost    string `yaml:"vhost" toml:"vhost"`

	Heartbeat    time.Duration `yaml:"-" toml:"-"`
	HeartbeatRaw string        `yaml:"heartbeat" toml:"heartbeat"`
}

// RedisConfig holds dialogue store connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// TelegramConfig holds the main bot account settings
type TelegramConfig struct {
	Token     string        `yaml:"token" toml:"token"`
	APIServer string        `yaml:"api_server" toml:"api_server"`
	Webhook   WebhookConfig `yaml:"webhook" toml:"webhook"`
}

// WebhookConfig holds the main bot's webhook registration
type WebhookConfig struct {
	// URL is the public address of the gateway's ingress endpoint; registration is skipped when empty
	URL         string `yaml:"url" toml:"url"`
	SecretToken string `yaml:"secret_token" toml:"secret_token"`
}

// ForwardingConfig holds settings for the forwarding worker
type ForwardingConfig struct {
	// WebhookBaseURL is the public base address forwarding bots deliver to
	WebhookBaseURL string `yaml:"webhook_base_url" toml:"webhook_base_url"`
	// RateLimit is the number of forwards allowed per source chat per minute; 0 disables it
	RateLimit int `yaml:"rate_limit" toml:"rate_limit"`

	DedupeWindow    time.Duration `yaml:"-" toml:"-"`
	DedupeWindowRaw string        `yaml:"dedupe_window" toml:"dedupe_window"`
}

// DispatchConfig holds router concurrency settings
type DispatchConfig struct {
	Workers        int    `yaml:"workers" toml:"workers"`
	SerializeChats string `yaml:"serialize_chats" toml:"serialize_chats"`

	HandlerTimeout    time.Duration `yaml:"-" toml:"-"`
	HandlerTimeoutRaw string        `yaml:"handler_timeout" toml:"handler_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// TracingConfig holds OTLP exporter configuration
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" toml:"enabled"`
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// Unset variables are replaced with empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks the fields every process role needs.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Broker.Host == "" {
		return fmt.Errorf("broker.host is required")
	}

	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker.port %d is out of range", c.Broker.Port)
	}

	switch c.Dispatch.SerializeChats {
	case SerializeNone, SerializeLocal, SerializeRedis:
	default:
		return fmt.Errorf("dispatch.serialize_chats must be one of none, local, redis (got %q)", c.Dispatch.SerializeChats)
	}

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}

	return nil
}

// ValidateGateway checks the fields the webhook gateway needs.
func (c *Config) ValidateGateway() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required")
	}
	return nil
}

// ValidateWorker checks the fields a worker needs.
func (c *Config) ValidateWorker() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service.name is required")
	}

	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required")
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}

	if c.Service.Name == "forwarding" {
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the forwarding worker")
		}
		if c.Forwarding.WebhookBaseURL == "" {
			return fmt.Errorf("forwarding.webhook_base_url is required for the forwarding worker")
		}
	}

	return nil
}

// URL builds the AMQP connection URL from the broker settings.
// A password without a username is sent as the userinfo on its own.
func (b BrokerConfig) URL() string {
	u := url.URL{
		Scheme: "amqp",
		Host:   net.JoinHostPort(b.Host, strconv.Itoa(b.Port)),
		Path:   "/" + strings.TrimPrefix(b.Vhost, "/"),
	}

	switch {
	case b.Username != "" && b.Password != "":
		u.User = url.UserPassword(b.Username, b.Password)
	case b.Password != "":
		u.User = url.User(b.Password)
	}

	return u.String()
}

// applyDefaults fills optional fields left empty in the file
func applyDefaults(cfg *Config) {
	if cfg.Broker.Host == "" {
		cfg.Broker.Host = "localhost"
	}
	if cfg.Broker.Port == 0 {
		cfg.Broker.Port = 5672
	}
	if cfg.Broker.Heartbeat == 0 {
		cfg.Broker.Heartbeat = 10 * time.Second
	}
	if cfg.Telegram.APIServer == "" {
		cfg.Telegram.APIServer = "https://api.telegram.org"
	}
	if cfg.Forwarding.DedupeWindow == 0 {
		cfg.Forwarding.DedupeWindow = 10 * time.Minute
	}
	if cfg.Dispatch.Workers <= 0 {
		cfg.Dispatch.Workers = 64
	}
	if cfg.Dispatch.SerializeChats == "" {
		cfg.Dispatch.SerializeChats = SerializeNone
	}
	if cfg.Dispatch.HandlerTimeout == 0 {
		cfg.Dispatch.HandlerTimeout = time.Minute
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Tracing.SampleRatio == 0 {
		cfg.Tracing.SampleRatio = 1
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Broker.HeartbeatRaw != "" {
		cfg.Broker.Heartbeat, err = time.ParseDuration(cfg.Broker.HeartbeatRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat %q: %w", cfg.Broker.HeartbeatRaw, err)
		}
	}

	if cfg.Forwarding.DedupeWindowRaw != "" {
		cfg.Forwarding.DedupeWindow, err = time.ParseDuration(cfg.Forwarding.DedupeWindowRaw)
		if err != nil {
			return fmt.Errorf("parsing dedupe_window %q: %w", cfg.Forwarding.DedupeWindowRaw, err)
		}
	}

	if cfg.Dispatch.HandlerTimeoutRaw != "" {
		cfg.Dispatch.HandlerTimeout, err = time.ParseDuration(cfg.Dispatch.HandlerTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing handler_timeout %q: %w", cfg.Dispatch.HandlerTimeoutRaw, err)
		}
	}

	return nil
}
