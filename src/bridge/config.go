package bridge

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// RedisConfig holds connection settings for the Redis pub/sub mirror.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix" envconfig:"channel_prefix"`
}

// DefaultRedisConfig returns a RedisConfig with sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:   "localhost:6379",
		Prefix: "kefu:rt:",
	}
}

// RedisConfigFromEnv applies REDIS_ADDR, REDIS_PASSWORD, REDIS_DB and
// REDIS_CHANNEL_PREFIX on top of the defaults.
func RedisConfigFromEnv() (*RedisConfig, error) {
	cfg := DefaultRedisConfig()
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with any REDIS_* variables that are set.
func ApplyEnv(cfg *RedisConfig) error {
	if err := envconfig.Process("redis", cfg); err != nil {
		return fmt.Errorf("redis env: %w", err)
	}
	return nil
}

// Channel returns the pub/sub channel notifications are mirrored on.
func (c *RedisConfig) Channel() string {
	return c.Prefix + "notifications"
}
