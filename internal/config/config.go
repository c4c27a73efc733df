// Package config loads taskbeat settings from defaults, an optional YAML
// file and TASKBEAT_ environment variables.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/t77yq/taskbeat/internal/backoff"
	"github.com/t77yq/taskbeat/internal/broker"
	"github.com/t77yq/taskbeat/internal/executor"
	"github.com/t77yq/taskbeat/internal/scheduler"
)

// EnvPrefix prefixes every environment override, e.g. TASKBEAT_BROKER_URL
const EnvPrefix = "TASKBEAT"

// ErrInvalid is returned by Validate
var ErrInvalid = errors.New("invalid configuration")

// Config holds every runtime setting of the worker and beat processes
type Config struct {
	BrokerURL        string `mapstructure:"broker_url"`
	ResultBackendURL string `mapstructure:"result_backend_url"`
	ScheduleDBURL    string `mapstructure:"schedule_db_url"`

	Concurrency  int           `mapstructure:"concurrency"`
	BeatInterval time.Duration `mapstructure:"beat_interval"`
	MaxRetries   int           `mapstructure:"max_retries"`

	RetryBackoffBase       time.Duration `mapstructure:"retry_backoff_base"`
	RetryBackoffMax        time.Duration `mapstructure:"retry_backoff_max"`
	RetryBackoffMultiplier float64       `mapstructure:"retry_backoff_multiplier"`

	AckWait         time.Duration `mapstructure:"ack_wait"`
	DrainTimeout    time.Duration `mapstructure:"drain_timeout"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	BeatPublishRate float64       `mapstructure:"beat_publish_rate"`
	MaxReconnects   int           `mapstructure:"max_reconnects"`
	StoreTimeout    time.Duration `mapstructure:"store_timeout"`

	MaxCPU    float64 `mapstructure:"max_cpu"`
	MaxMemory float64 `mapstructure:"max_memory"`

	LogLevel       string `mapstructure:"log_level"`
	LogDevelopment bool   `mapstructure:"log_development"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker_url", "nats://127.0.0.1:4222")
	v.SetDefault("result_backend_url", "file:taskbeat-jobs.db?_busy_timeout=5000&_journal_mode=WAL")
	v.SetDefault("schedule_db_url", "file:taskbeat-schedules.db?_busy_timeout=5000")
	v.SetDefault("concurrency", 4)
	v.SetDefault("beat_interval", 5*time.Second)
	v.SetDefault("max_retries", 3)
	v.SetDefault("retry_backoff_base", time.Second)
	v.SetDefault("retry_backoff_max", 5*time.Minute)
	v.SetDefault("retry_backoff_multiplier", 2.0)
	v.SetDefault("ack_wait", 30*time.Second)
	v.SetDefault("drain_timeout", 30*time.Second)
	v.SetDefault("lock_ttl", 30*time.Second)
	v.SetDefault("stale_after", 10*time.Minute)
	v.SetDefault("sweep_interval", time.Minute)
	v.SetDefault("beat_publish_rate", 50.0)
	v.SetDefault("max_reconnects", 10)
	v.SetDefault("store_timeout", 5*time.Second)
	v.SetDefault("max_cpu", 0.0)
	v.SetDefault("max_memory", 0.0)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_development", false)
}

// Load reads the configuration. An empty path looks for taskbeat.yaml in
// ./config and tolerates its absence; an explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("taskbeat")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the processes cannot run with
func (c *Config) Validate() error {
	var problems []string
	positive := map[string]time.Duration{
		"beat_interval":      c.BeatInterval,
		"retry_backoff_base": c.RetryBackoffBase,
		"retry_backoff_max":  c.RetryBackoffMax,
		"ack_wait":           c.AckWait,
		"drain_timeout":      c.DrainTimeout,
		"lock_ttl":           c.LockTTL,
		"stale_after":        c.StaleAfter,
		"sweep_interval":     c.SweepInterval,
		"store_timeout":      c.StoreTimeout,
	}
	for key, d := range positive {
		if d <= 0 {
			problems = append(problems, key+" must be positive")
		}
	}

	if c.Concurrency <= 0 {
		problems = append(problems, "concurrency must be positive")
	}
	if c.MaxRetries < 0 {
		problems = append(problems, "max_retries must not be negative")
	}
	if c.RetryBackoffMultiplier < 1 {
		problems = append(problems, "retry_backoff_multiplier must be at least 1")
	}
	if c.BeatPublishRate <= 0 {
		problems = append(problems, "beat_publish_rate must be positive")
	}
	if c.MaxReconnects <= 0 {
		problems = append(problems, "max_reconnects must be positive")
	}
	if c.LockTTL <= c.BeatInterval {
		problems = append(problems, "lock_ttl must be greater than beat_interval")
	}
	if c.MaxCPU < 0 || c.MaxCPU > 100 || c.MaxMemory < 0 || c.MaxMemory > 100 {
		problems = append(problems, "max_cpu and max_memory must be percentages")
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		problems = append(problems, "log_level: "+err.Error())
	}

	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
}

// NewLogger builds the process logger
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	if c.LogDevelopment {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// Broker maps the settings onto the broker client
func (c *Config) Broker(name string) broker.Config {
	return broker.Config{
		URL:           c.BrokerURL,
		Name:          name,
		AckWait:       c.AckWait,
		MaxReconnects: c.MaxReconnects,
	}
}

// RetryBackoff spaces job retries
func (c *Config) RetryBackoff() backoff.Exponential {
	return backoff.Exponential{
		Initial:    c.RetryBackoffBase,
		Max:        c.RetryBackoffMax,
		Multiplier: c.RetryBackoffMultiplier,
	}
}

// Pool maps the settings onto the worker pool
func (c *Config) Pool() executor.PoolConfig {
	heartbeat := c.AckWait / 3
	if heartbeat <= 0 {
		heartbeat = time.Second
	}
	return executor.PoolConfig{
		Concurrency:       c.Concurrency,
		RetryBackoff:      c.RetryBackoff(),
		DrainTimeout:      c.DrainTimeout,
		HeartbeatInterval: heartbeat,
		MaxFailures:       c.MaxReconnects,
	}
}

// ResourceLimits maps the host usage limits
func (c *Config) ResourceLimits() executor.ResourceLimits {
	return executor.ResourceLimits{MaxCPU: c.MaxCPU, MaxMemory: c.MaxMemory}
}

// BeatOptions maps the settings onto the beat loop
func (c *Config) BeatOptions() []scheduler.Option {
	return []scheduler.Option{
		scheduler.WithInterval(c.BeatInterval),
		scheduler.WithPublishRate(c.BeatPublishRate),
		scheduler.WithMaxFailures(c.MaxReconnects),
	}
}
