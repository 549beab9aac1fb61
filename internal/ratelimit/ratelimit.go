// Package ratelimit throttles host requests per operator before they reach the
// coordinator.
//
// It combines a local token bucket per key with an optional Redis fixed-window
// limiter shared across avsd instances. When Redis misbehaves the limiter
// switches to degraded mode and relies on local buckets, falling back to a
// conservative default bucket if local limiting is disabled so that it never
// fails open.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/ahrav/go-avs/internal/config"
)

// Rate limiting constants.
const (
	// DefaultRateLimit is the fallback bucket rate used in degraded mode when
	// local limiting is disabled.
	DefaultRateLimit = 10

	// CleanupInterval determines the frequency of stale limiter cleanup.
	CleanupInterval = 1 * time.Hour

	// LimiterTTL defines how long an unused local limiter is kept.
	LimiterTTL = 1 * time.Hour

	windowMillis           = 1000
	defaultRetryAfterMs    = 1000
	maxRetryAfterSeconds   = 3600
	globalKeyPrefix        = "avs:rl:"
	fallbackKeyPrefix      = "fallback:"
	scopeLocal             = "local"
	scopeGlobal            = "global"
	scopeFallback          = "fallback"
	minRetryAfterSeconds   = 1
	invalidResponseWarning = "invalid Redis response, switching to degraded mode"
)

// ErrRateLimited is matched by every *RateLimitError.
var ErrRateLimited = errors.New("rate limited")

// RateLimitError reports which layer rejected a request and when to retry.
type RateLimitError struct {
	Scope      string
	Limit      int
	RetryAfter int // seconds
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by %s limiter (limit %d/s), retry after %ds", e.Scope, e.Limit, e.RetryAfter)
}

// Is makes errors.Is(err, ErrRateLimited) succeed.
func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// fixedWindow counts requests per key in 1-second windows. It returns
// {1, remaining} when allowed and {0, pttl} when the window is exhausted.
var fixedWindow = redis.NewScript(`
	local key = KEYS[1]
	local window = tonumber(ARGV[1])
	local limit = tonumber(ARGV[2])

	local current = redis.call('GET', key)
	if current == false then
		redis.call('SET', key, 1, 'PX', window)
		return {1, limit - 1}
	end

	local count = tonumber(current)
	if count < limit then
		local newCount = redis.call('INCR', key)
		if redis.call('PTTL', key) == -1 then
			redis.call('PEXPIRE', key, window)
		end
		return {1, limit - newCount}
	end

	return {0, redis.call('PTTL', key)}
`)

// timedLimiter wraps a token bucket with an atomic last-use timestamp so
// stale buckets can be evicted without locking readers.
type timedLimiter struct {
	limiter  *rate.Limiter
	lastUsed atomic.Int64
}

// Limiter implements the two-layer check. It is safe for concurrent use.
type Limiter struct {
	localMu       sync.RWMutex
	localLimiters map[string]*timedLimiter
	local         config.LocalRateLimitConfig

	global   config.GlobalRateLimitConfig
	scripter redis.Scripter
	degraded atomic.Bool

	cleanupMu     sync.Mutex
	cleanupTicker *time.Ticker
	cleanupStop   chan struct{}
	cleanupDone   sync.WaitGroup

	logger *slog.Logger
}

// New validates cfg and builds a limiter. scripter may be nil, in which case
// global limiting is skipped even if enabled.
func New(cfg config.RateLimitConfig, scripter redis.Scripter) (*Limiter, error) {
	if cfg.Local.Enabled {
		if cfg.Local.TokensPerSecond < 0 || cfg.Local.BurstSize < 0 {
			return nil, fmt.Errorf("invalid local rate limit: negative rate or burst")
		}
		if cfg.Local.TokensPerSecond == 0 && cfg.Local.BurstSize > 0 {
			return nil, fmt.Errorf("invalid local rate limit: BurstSize must be 0 when TokensPerSecond is 0")
		}
	}
	if cfg.Global.Enabled && cfg.Global.RequestsPerSecond < 0 {
		return nil, fmt.Errorf("invalid global rate limit: RequestsPerSecond cannot be negative (got %d)",
			cfg.Global.RequestsPerSecond)
	}

	return &Limiter{
		localLimiters: make(map[string]*timedLimiter),
		local:         cfg.Local,
		global:        cfg.Global,
		scripter:      scripter,
		logger:        slog.Default().With("component", "ratelimit"),
	}, nil
}

// Key builds the limiter key for an operation performed by a caller.
func Key(caller, operation string) string { return caller + ":" + operation }

// Allow checks key against the local bucket and then the global window.
func (l *Limiter) Allow(ctx context.Context, key string) error {
	if l.local.Enabled {
		if err := l.checkBucket(key, l.local.TokensPerSecond, l.local.BurstSize, scopeLocal); err != nil {
			return err
		}
	}

	globalActive := l.global.Enabled && l.scripter != nil
	if globalActive && !l.degraded.Load() {
		err := l.checkGlobal(ctx, key)
		if err == nil {
			return nil
		}
		if !isRedisError(err) {
			return err
		}
		l.logger.Warn("Redis error, switching to degraded mode", "error", err)
		l.degraded.Store(true)
	}

	if globalActive && l.degraded.Load() && !l.local.Enabled {
		return l.checkBucket(fallbackKeyPrefix+key, DefaultRateLimit, DefaultRateLimit, scopeFallback)
	}
	return nil
}

// checkBucket consumes a token from the bucket for key or reports when one
// will be available, without leaking a reservation.
func (l *Limiter) checkBucket(key string, perSecond float64, burst int, scope string) error {
	limiter := l.getOrCreate(key, perSecond, burst)
	if limiter.Allow() {
		return nil
	}

	reservation := limiter.Reserve()
	delay := reservation.Delay()
	reservation.Cancel()

	retryAfter := int(math.Ceil(delay.Seconds()))
	if retryAfter < minRetryAfterSeconds {
		retryAfter = minRetryAfterSeconds
	}
	return &RateLimitError{Scope: scope, Limit: int(perSecond), RetryAfter: retryAfter}
}

// getOrCreate uses double-checked locking; the fast path only takes a read lock.
func (l *Limiter) getOrCreate(key string, perSecond float64, burst int) *rate.Limiter {
	now := time.Now().UnixNano()

	l.localMu.RLock()
	if tl, ok := l.localLimiters[key]; ok {
		tl.lastUsed.Store(now)
		lim := tl.limiter
		l.localMu.RUnlock()
		return lim
	}
	l.localMu.RUnlock()

	l.localMu.Lock()
	defer l.localMu.Unlock()
	if tl, ok := l.localLimiters[key]; ok {
		tl.lastUsed.Store(now)
		return tl.limiter
	}

	tl := &timedLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
	tl.lastUsed.Store(now)
	l.localLimiters[key] = tl
	return tl.limiter
}

func (l *Limiter) checkGlobal(ctx context.Context, key string) error {
	limit := int64(l.global.RequestsPerSecond)
	if limit == 0 {
		return nil
	}

	result, err := fixedWindow.Run(ctx, l.scripter, []string{globalKeyPrefix + key}, windowMillis, limit).Result()
	if err != nil {
		return fmt.Errorf("global rate limit check failed: %w", err)
	}

	res, ok := result.([]any)
	if !ok || len(res) < 2 {
		l.logger.Warn(invalidResponseWarning, "response", result)
		l.degraded.Store(true)
		return nil
	}
	allowed, ok := res[0].(int64)
	if !ok {
		l.logger.Warn(invalidResponseWarning, "allowed", res[0])
		l.degraded.Store(true)
		return nil
	}
	if allowed == 1 {
		return nil
	}

	retryAfterMs, ok := res[1].(int64)
	if !ok || retryAfterMs <= 0 {
		retryAfterMs = defaultRetryAfterMs
	}
	retryAfter := int(retryAfterMs / windowMillis)
	retryAfter = max(retryAfter, minRetryAfterSeconds)
	retryAfter = min(retryAfter, maxRetryAfterSeconds)

	return &RateLimitError{Scope: scopeGlobal, Limit: int(limit), RetryAfter: retryAfter}
}

// isRedisError reports whether err is an infrastructure failure that should
// put the limiter into degraded mode.
func isRedisError(err error) bool {
	if err == nil {
		return false
	}
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Degraded reports whether the limiter has stopped consulting Redis.
func (l *Limiter) Degraded() bool { return l.degraded.Load() }

// ResetDegraded re-enables the global layer, typically after a successful
// Redis health check.
func (l *Limiter) ResetDegraded() { l.degraded.Store(false) }

// Stats is a snapshot of limiter state.
type Stats struct {
	LocalLimiters int
	GlobalEnabled bool
	DegradedMode  bool
}

// GetStats returns a snapshot of limiter state.
func (l *Limiter) GetStats() Stats {
	l.localMu.RLock()
	n := len(l.localLimiters)
	l.localMu.RUnlock()
	return Stats{LocalLimiters: n, GlobalEnabled: l.global.Enabled, DegradedMode: l.degraded.Load()}
}

// CleanupStale removes local limiters not used since before.
func (l *Limiter) CleanupStale(before time.Time) {
	l.localMu.Lock()
	defer l.localMu.Unlock()

	cutoff := before.UnixNano()
	for key, tl := range l.localLimiters {
		if tl.lastUsed.Load() < cutoff {
			delete(l.localLimiters, key)
		}
	}
}

// Start launches the background cleanup loop. It is idempotent.
func (l *Limiter) Start() {
	l.cleanupMu.Lock()
	defer l.cleanupMu.Unlock()
	if l.cleanupTicker != nil {
		return
	}

	l.cleanupStop = make(chan struct{})
	l.cleanupTicker = time.NewTicker(CleanupInterval)
	l.cleanupDone.Add(1)
	go l.cleanupLoop(l.cleanupTicker, l.cleanupStop)

	l.logger.Info("rate limit cleanup started", "interval", CleanupInterval)
}

// Stop terminates the cleanup loop and waits for it. It is idempotent.
func (l *Limiter) Stop() {
	l.cleanupMu.Lock()
	defer l.cleanupMu.Unlock()
	if l.cleanupTicker == nil {
		return
	}

	close(l.cleanupStop)
	l.cleanupTicker.Stop()
	l.cleanupDone.Wait()
	l.cleanupTicker = nil
	l.logger.Info("rate limit cleanup stopped")
}

func (l *Limiter) cleanupLoop(ticker *time.Ticker, stop <-chan struct{}) {
	defer l.cleanupDone.Done()
	for {
		select {
		case <-ticker.C:
			l.CleanupStale(time.Now().Add(-LimiterTTL))
		case <-stop:
			return
		}
	}
}
