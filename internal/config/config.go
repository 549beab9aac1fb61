// Package config holds the daemon configuration: engine parameters, Temporal
// connection, event sinks, metrics, logging and rate limiting.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-avs/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config holds the complete configuration for the avsd daemon.
type Config struct {
	// Engine parameters
	Consensus ConsensusConfig `json:"consensus" yaml:"consensus"`

	// Temporal host configuration
	Temporal TemporalConfig `json:"temporal" yaml:"temporal"`

	// Event delivery configuration
	Events EventsConfig `json:"events" yaml:"events"`

	// Redis stream sink configuration
	Redis RedisConfig `json:"redis" yaml:"redis"`

	// SQL outbox sink configuration
	Database DatabaseConfig `json:"database" yaml:"database"`

	// Prometheus exposition
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`

	// Structured logging
	Log LogConfig `json:"log" yaml:"log"`

	// Per-operator request throttling
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// ConsensusConfig holds the engine's admission and deadline parameters.
type ConsensusConfig struct {
	MinimumStake domain.Amount `json:"minimum_stake_wei" yaml:"minimum_stake_wei" validate:"gt=0"`
	TaskTTL      time.Duration `json:"task_ttl" yaml:"task_ttl" validate:"gt=0"`
}

// TemporalConfig holds the Temporal client and worker settings.
type TemporalConfig struct {
	HostPort  string `json:"host_port" yaml:"host_port" validate:"required,hostname_port"`
	Namespace string `json:"namespace" yaml:"namespace" validate:"required"`
	TaskQueue string `json:"task_queue" yaml:"task_queue" validate:"required"`

	// SettlementGrace is added to a task's deadline before the settlement
	// workflow asks for its settlement.
	SettlementGrace time.Duration `json:"settlement_grace" yaml:"settlement_grace" validate:"gte=0"`
}

// EventsConfig controls best-effort event delivery.
type EventsConfig struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts" validate:"min=1,max=10"`
	RetryDelay  time.Duration `json:"retry_delay" yaml:"retry_delay" validate:"gte=0"`

	// BreakerThreshold is the consecutive sink failures that open its breaker.
	BreakerThreshold int `json:"breaker_threshold" yaml:"breaker_threshold" validate:"min=1"`
	// BreakerOpenTimeout is how long an open breaker rejects before probing.
	BreakerOpenTimeout time.Duration `json:"breaker_open_timeout" yaml:"breaker_open_timeout" validate:"gt=0"`
}

// RedisConfig configures the Redis stream event sink.
type RedisConfig struct {
	Enabled        bool          `json:"enabled" yaml:"enabled"`
	Addr           string        `json:"addr" yaml:"addr" validate:"required_if=Enabled true"`
	Password       string        `json:"-" yaml:"password"` // Sensitive
	DB             int           `json:"db" yaml:"db" validate:"gte=0"`
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout" validate:"gte=0"`
	Stream         string        `json:"stream" yaml:"stream" validate:"required_if=Enabled true"`
	StreamMaxLen   int64         `json:"stream_max_len" yaml:"stream_max_len" validate:"gte=0"`
	DedupeTTL      time.Duration `json:"dedupe_ttl" yaml:"dedupe_ttl" validate:"gte=0"`
}

// DatabaseConfig configures the SQL outbox event sink.
type DatabaseConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver" validate:"omitempty,oneof=sqlite postgres"`
	DSN     string `json:"-" yaml:"dsn" validate:"required_if=Enabled true"` // Sensitive
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Addr      string `json:"addr" yaml:"addr" validate:"required_if=Enabled true"`
	Path      string `json:"path" yaml:"path" validate:"omitempty,startswith=/"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `json:"format" yaml:"format" validate:"oneof=json text"`
}

// RateLimitConfig controls local and global rate limiting strategies.
// Combines in-memory token buckets with a Redis-based fixed window for
// distributed limiting with graceful degradation.
type RateLimitConfig struct {
	// Local token bucket configuration
	Local LocalRateLimitConfig `json:"local" yaml:"local"`

	// Global Redis-based configuration
	Global GlobalRateLimitConfig `json:"global" yaml:"global"`
}

// LocalRateLimitConfig for in-memory token buckets.
type LocalRateLimitConfig struct {
	Enabled         bool    `json:"enabled" yaml:"enabled"`
	TokensPerSecond float64 `json:"tokens_per_second" yaml:"tokens_per_second" validate:"gte=0"`
	BurstSize       int     `json:"burst_size" yaml:"burst_size" validate:"gte=0"`
}

// GlobalRateLimitConfig for Redis-based fixed window rate limiting. It shares
// the connection settings of RedisConfig.
type GlobalRateLimitConfig struct {
	Enabled           bool `json:"enabled" yaml:"enabled"`
	RequestsPerSecond int  `json:"requests_per_second" yaml:"requests_per_second" validate:"gte=0"`
}

// Validate checks field constraints and cross-section rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.RateLimit.Local.Enabled && c.RateLimit.Local.TokensPerSecond == 0 && c.RateLimit.Local.BurstSize > 0 {
		return fmt.Errorf("invalid configuration: rate_limit.local.burst_size must be 0 when tokens_per_second is 0")
	}
	if c.RateLimit.Global.Enabled && !c.Redis.Enabled {
		return fmt.Errorf("invalid configuration: rate_limit.global requires redis.enabled")
	}
	if c.Database.Enabled && c.Database.Driver == "" {
		return fmt.Errorf("invalid configuration: database.driver is required when database is enabled")
	}
	return nil
}

// Load reads a YAML file over DefaultConfig and validates the result. Keys
// absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over DefaultConfig and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
