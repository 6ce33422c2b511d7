// Package config loads the console configuration: defaults, then an
// optional YAML file, then environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/kefu-console/realtime/src/bridge"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all console configuration.
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	Negotiate NegotiateConfig `yaml:"negotiate"`
	Socket    SocketConfig    `yaml:"socket"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Status    StatusConfig    `yaml:"status"`
	Log       LogConfig       `yaml:"log"`
	Redis     RedisConfig     `yaml:"redis"`
}

// AgentConfig identifies the signed-in agent.
type AgentConfig struct {
	UserID string `envconfig:"KEFU_AGENT_ID" yaml:"user_id"`
}

// NegotiateConfig holds the connect endpoint settings.
type NegotiateConfig struct {
	BaseURL     string        `envconfig:"KEFU_BASE_URL" yaml:"base_url"`
	ConnectPath string        `envconfig:"KEFU_CONNECT_PATH" yaml:"connect_path"`
	Timeout     time.Duration `envconfig:"KEFU_NEGOTIATE_TIMEOUT" yaml:"timeout"`
}

// RealtimeConfig holds the connection state machine settings.
type RealtimeConfig struct {
	ConnectTimeout    time.Duration `envconfig:"KEFU_CONNECT_TIMEOUT" yaml:"connect_timeout"`
	ReconnectPolicy   string        `envconfig:"KEFU_RECONNECT_POLICY" yaml:"reconnect_policy"`
	ReconnectDelay    time.Duration `envconfig:"KEFU_RECONNECT_DELAY" yaml:"reconnect_delay"`
	ReconnectMaxDelay time.Duration `envconfig:"KEFU_RECONNECT_MAX_DELAY" yaml:"reconnect_max_delay"`
	MaxAttempts       int           `envconfig:"KEFU_RECONNECT_MAX_ATTEMPTS" yaml:"max_attempts"` // 0 = unbounded
}

// StatusConfig holds the local status server settings.
type StatusConfig struct {
	Enabled bool   `envconfig:"KEFU_STATUS_ENABLED" yaml:"enabled"`
	Addr    string `envconfig:"KEFU_STATUS_ADDR" yaml:"addr"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `envconfig:"KEFU_LOG_LEVEL" yaml:"level"`
	Format string `envconfig:"KEFU_LOG_FORMAT" yaml:"format"`
}

// RedisConfig holds the notification mirror settings.
type RedisConfig struct {
	Enabled  bool   `envconfig:"KEFU_REDIS_ENABLED" yaml:"enabled"`
	Addr     string `envconfig:"REDIS_ADDR" yaml:"addr"`
	Password string `envconfig:"REDIS_PASSWORD" yaml:"password"`
	DB       int    `envconfig:"REDIS_DB" yaml:"db"`
	Prefix   string `envconfig:"REDIS_CHANNEL_PREFIX" yaml:"prefix"`
}

// Bridge converts the section into the bridge's own config.
func (r RedisConfig) Bridge() *bridge.RedisConfig {
	return &bridge.RedisConfig{
		Addr:     r.Addr,
		Password: r.Password,
		DB:       r.DB,
		Prefix:   r.Prefix,
	}
}

// Load loads configuration from an optional YAML file and the environment.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("processing env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	redis := bridge.DefaultRedisConfig()
	return &Config{
		Agent: AgentConfig{UserID: "1"},
		Negotiate: NegotiateConfig{
			BaseURL:     "http://localhost:7766",
			ConnectPath: "/api/websocket/connect/agent",
			Timeout:     10 * time.Second,
		},
		Socket: DefaultSocketConfig(),
		Realtime: RealtimeConfig{
			ConnectTimeout:    15 * time.Second,
			ReconnectPolicy:   "fixed",
			ReconnectDelay:    5 * time.Second,
			ReconnectMaxDelay: 2 * time.Minute,
		},
		Status: StatusConfig{
			Enabled: true,
			Addr:    "127.0.0.1:7790",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Redis: RedisConfig{
			Addr:   redis.Addr,
			Prefix: redis.Prefix,
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if strings.TrimSpace(c.Agent.UserID) == "" {
		errs = append(errs, "agent user_id is required")
	}

	if u, err := url.Parse(c.Negotiate.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("invalid negotiate base_url: %q", c.Negotiate.BaseURL))
	}
	if !strings.HasPrefix(c.Negotiate.ConnectPath, "/") {
		errs = append(errs, "negotiate connect_path must start with /")
	}

	if c.Socket.HeartbeatInterval < 0 {
		errs = append(errs, "heartbeat_interval must not be negative")
	}
	if c.Socket.WriteTimeout <= 0 {
		errs = append(errs, "write_timeout must be positive")
	}
	if c.Socket.ReadBufferSize < 1 || c.Socket.WriteBufferSize < 1 {
		errs = append(errs, "socket buffer sizes must be positive")
	}

	validPolicies := map[string]bool{"fixed": true, "backoff": true}
	if !validPolicies[c.Realtime.ReconnectPolicy] {
		errs = append(errs, fmt.Sprintf("invalid reconnect policy: %s (must be fixed or backoff)", c.Realtime.ReconnectPolicy))
	}
	if c.Realtime.ReconnectDelay <= 0 {
		errs = append(errs, "reconnect_delay must be positive")
	}
	if c.Realtime.ReconnectPolicy == "backoff" && c.Realtime.ReconnectMaxDelay < c.Realtime.ReconnectDelay {
		errs = append(errs, "reconnect_max_delay must not be less than reconnect_delay")
	}
	if c.Realtime.MaxAttempts < 0 {
		errs = append(errs, "max_attempts must not be negative")
	}
	if c.Realtime.ConnectTimeout < 0 {
		errs = append(errs, "connect_timeout must not be negative")
	}

	if c.Status.Enabled && c.Status.Addr == "" {
		errs = append(errs, "status addr is required when the status server is enabled")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("invalid log format: %s (must be text or json)", c.Log.Format))
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis addr is required when the mirror is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// NegotiateURL returns the full connect endpoint.
func (c *Config) NegotiateURL() string {
	return strings.TrimRight(c.Negotiate.BaseURL, "/") + c.Negotiate.ConnectPath
}
