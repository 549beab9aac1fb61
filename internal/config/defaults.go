package config

import (
	"time"

	"github.com/ahrav/go-avs/internal/domain"
)

// Engine constants.
const (
	DefaultMinimumStake = domain.Ether
	DefaultTaskTTL      = 24 * time.Hour
)

// Temporal constants.
const (
	DefaultTemporalHostPort = "localhost:7233"
	DefaultNamespace        = "default"
	DefaultTaskQueue        = "avs"
	DefaultSettlementGrace  = 5 * time.Second
)

// Event delivery constants.
const (
	DefaultEmitAttempts   = 2
	DefaultEmitRetryDelay = 200 * time.Millisecond
	DefaultStream         = "avs:events"
	DefaultStreamMaxLen   = 100_000
	DefaultDedupeTTL      = 24 * time.Hour
	DefaultConnectTimeout = 5 * time.Second

	DefaultBreakerThreshold   = 5
	DefaultBreakerOpenTimeout = 30 * time.Second
)

// Rate limiting constants.
const (
	DefaultTokensPerSecond   = 10
	DefaultBurstSize         = 20
	DefaultGlobalRequestsPer = 100
)

// Observability constants.
const (
	DefaultMetricsAddr = ":9090"
	DefaultMetricsPath = "/metrics"
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "json"
)

// DefaultConfig returns a configuration that runs the engine against a local
// Temporal with every optional sink disabled.
func DefaultConfig() *Config {
	return &Config{
		Consensus: ConsensusConfig{
			MinimumStake: DefaultMinimumStake,
			TaskTTL:      DefaultTaskTTL,
		},
		Temporal: TemporalConfig{
			HostPort:        DefaultTemporalHostPort,
			Namespace:       DefaultNamespace,
			TaskQueue:       DefaultTaskQueue,
			SettlementGrace: DefaultSettlementGrace,
		},
		Events: EventsConfig{
			MaxAttempts:        DefaultEmitAttempts,
			RetryDelay:         DefaultEmitRetryDelay,
			BreakerThreshold:   DefaultBreakerThreshold,
			BreakerOpenTimeout: DefaultBreakerOpenTimeout,
		},
		Redis: RedisConfig{
			Addr:           "localhost:6379",
			ConnectTimeout: DefaultConnectTimeout,
			Stream:         DefaultStream,
			StreamMaxLen:   DefaultStreamMaxLen,
			DedupeTTL:      DefaultDedupeTTL,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    DefaultMetricsAddr,
			Path:    DefaultMetricsPath,
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		RateLimit: RateLimitConfig{
			Local: LocalRateLimitConfig{
				Enabled:         true,
				TokensPerSecond: DefaultTokensPerSecond,
				BurstSize:       DefaultBurstSize,
			},
			Global: GlobalRateLimitConfig{
				RequestsPerSecond: DefaultGlobalRequestsPer,
			},
		},
	}
}
