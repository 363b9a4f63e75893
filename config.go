package saga

import (
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// History backends selectable from configuration.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
)

// Config is the engine configuration.
type Config struct {
	// MaxInstances caps active instances across all sagas. 0 means no cap.
	MaxInstances int `mapstructure:"maxInstances"`

	// RetryIntervals is the compensation retry schedule.
	RetryIntervals []time.Duration `mapstructure:"retryIntervals"`

	Log     LogConfig     `mapstructure:"log"`
	History HistoryConfig `mapstructure:"history"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type HistoryConfig struct {
	// Backend is one of memory, file or redis.
	Backend string `mapstructure:"backend"`
	// Dir is the base directory of the file backend.
	Dir string `mapstructure:"dir"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"keyPrefix"`
}

// SetDefaults installs the default configuration values into v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("maxInstances", 0)
	v.SetDefault("retryIntervals", []string{"100ms", "500ms", "1s", "2s", "5s", "10s"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("history.backend", BackendMemory)
	v.SetDefault("history.dir", "saga-history")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
}

// LoadConfig reads the configuration from v. Environment variables
// prefixed with SAGA_ override file values (SAGA_REDIS_ADDR for
// redis.addr). A nil v reads defaults and environment only.
func LoadConfig(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)
	v.SetEnvPrefix("SAGA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the engine cannot use.
func (c *Config) Validate() error {
	if c.MaxInstances < 0 {
		return fmt.Errorf("maxInstances must not be negative, got %d", c.MaxInstances)
	}
	for i, d := range c.RetryIntervals {
		if d < 0 {
			return fmt.Errorf("retryIntervals[%d] must not be negative, got %s", i, d)
		}
	}
	switch c.History.Backend {
	case BackendMemory, BackendFile, BackendRedis:
	default:
		return fmt.Errorf("unknown history backend %q", c.History.Backend)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	return nil
}

// NewLogger builds a zap logger from the log section.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// NewRedisClient creates a client from the redis section.
func (c *Config) NewRedisClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	})
}

// NewHistory creates the configured history backend. The redis backend
// uses client when given, or a new client from the redis section.
func (c *Config) NewHistory(client redis.UniversalClient) (History, error) {
	switch c.History.Backend {
	case BackendMemory:
		return NewMemoryHistory(), nil
	case BackendFile:
		return NewFileHistory(c.History.Dir)
	case BackendRedis:
		if client == nil {
			client = c.NewRedisClient()
		}
		return NewRedisHistory(client, WithKeyPrefix(c.Redis.KeyPrefix)), nil
	default:
		return nil, fmt.Errorf("unknown history backend %q", c.History.Backend)
	}
}

// SagaOptions returns the Saga options the configuration implies.
func (c *Config) SagaOptions(logger *zap.Logger, metrics *Metrics) []Option {
	opts := []Option{WithLogger(logger)}
	if c.RetryIntervals != nil {
		opts = append(opts, WithRetrySchedule(RetrySchedule(c.RetryIntervals)))
	}
	if metrics != nil {
		opts = append(opts, WithMetrics(metrics))
	}
	return opts
}

// SchedulerOptions returns the Scheduler options the configuration implies.
func (c *Config) SchedulerOptions(logger *zap.Logger) []SchedulerOption {
	return []SchedulerOption{
		WithMaxInstances(c.MaxInstances),
		WithSchedulerLogger(logger),
	}
}
