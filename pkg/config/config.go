// Package config loads application configuration for exchanges and
// runtimes from YAML.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/academy-project/academy/exchange"
	"github.com/academy-project/academy/exchange/local"
	"github.com/academy-project/academy/exchange/redis"
)

// Config represents the application configuration.
type Config struct {
	Exchange ExchangeConfig `yaml:"exchange"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Log      LogConfig      `yaml:"log"`
}

// ExchangeConfig selects and tunes the exchange backend.
type ExchangeConfig struct {
	// Backend is "local" or "redis".
	Backend string `yaml:"backend"`
	// BufferSize is the per-mailbox queue capacity (local backend).
	BufferSize int `yaml:"buffer_size"`
	// Redis holds broker settings for the redis backend.
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis broker settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	PoolSize int    `yaml:"pool_size"`
}

// RuntimeConfig holds runtime tuning.
type RuntimeConfig struct {
	TerminateOnSuccess *bool `yaml:"terminate_on_success"`
	TerminateOnError   *bool `yaml:"terminate_on_error"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is a zerolog level name: debug, info, warn, error.
	Level string `yaml:"level"`
}

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Exchange.Backend == "" {
		cfg.Exchange.Backend = "local"
	}
	if cfg.Exchange.Redis.Addr == "" {
		cfg.Exchange.Redis.Addr = os.Getenv("ACADEMY_REDIS_ADDR")
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	switch strings.ToLower(cfg.Exchange.Backend) {
	case "local", "redis":
	default:
		return nil, fmt.Errorf("unknown exchange backend %q", cfg.Exchange.Backend)
	}
	return &cfg, nil
}

// LogLevel parses the configured level, defaulting to info.
func (c *Config) LogLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// NewFactory builds the configured exchange factory.
func (c *Config) NewFactory(log zerolog.Logger) (exchange.Factory, error) {
	switch strings.ToLower(c.Exchange.Backend) {
	case "redis":
		return redis.NewFactory(redis.Config{
			Addr:     c.Exchange.Redis.Addr,
			Password: c.Exchange.Redis.Password,
			DB:       c.Exchange.Redis.DB,
			Prefix:   c.Exchange.Redis.Prefix,
			PoolSize: c.Exchange.Redis.PoolSize,
		}, log)
	default:
		opts := []local.Option{local.WithLogger(log)}
		if c.Exchange.BufferSize > 0 {
			opts = append(opts, local.WithBufferSize(c.Exchange.BufferSize))
		}
		return local.NewExchange(opts...), nil
	}
}
