package rate_limiter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eleven-am/conduit/internal/ports"
	"golang.org/x/time/rate"
)

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrWaitTimeout       = errors.New("wait timeout exceeded")
)

type bucket struct {
	limiter         *rate.Limiter
	allowedRequests atomic.Int64
	deniedRequests  atomic.Int64
	waitingRequests atomic.Int64
}

// RateLimiter keeps one token bucket per key. The engine keys dispatches by
// run id.
type RateLimiter struct {
	name    string
	config  ports.RateLimiterConfig
	logger  *slog.Logger
	mu      sync.Mutex
	buckets map[string]*bucket
}

func NewRateLimiter(name string, config ports.RateLimiterConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}

	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 100
	}
	if config.BurstSize <= 0 {
		config.BurstSize = int(config.RequestsPerSecond)
		if config.BurstSize < 1 {
			config.BurstSize = 1
		}
	}
	if config.WaitTimeout <= 0 {
		config.WaitTimeout = 5 * time.Second
	}

	return &RateLimiter{
		name:    name,
		config:  config,
		logger:  logger.With("component", "rate-limiter", "name", name),
		buckets: make(map[string]*bucket),
	}
}

func (rl *RateLimiter) getBucket(key string) *bucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.BurstSize)}
		rl.buckets[key] = b
	}
	return b
}

func (rl *RateLimiter) Allow(key string) bool {
	b := rl.getBucket(key)
	if b.limiter.Allow() {
		b.allowedRequests.Add(1)
		return true
	}
	b.deniedRequests.Add(1)
	rl.logger.Debug("rate limit exceeded", "key", key)
	return false
}

// Wait blocks for a token, giving up once the configured wait timeout passes.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	b := rl.getBucket(key)
	b.waitingRequests.Add(1)
	defer b.waitingRequests.Add(-1)

	waitCtx, cancel := context.WithTimeout(ctx, rl.config.WaitTimeout)
	defer cancel()

	start := time.Now()
	if err := b.limiter.Wait(waitCtx); err != nil {
		b.deniedRequests.Add(1)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rl.logger.Warn("rate limiter wait timed out",
			"key", key,
			"waited", time.Since(start),
			"timeout", rl.config.WaitTimeout)
		return ErrWaitTimeout
	}

	b.allowedRequests.Add(1)
	return nil
}

func (rl *RateLimiter) Metrics(key string) ports.RateLimiterMetrics {
	rl.mu.Lock()
	b, ok := rl.buckets[key]
	rl.mu.Unlock()
	if !ok {
		return ports.RateLimiterMetrics{TokensAvailable: float64(rl.config.BurstSize)}
	}

	return ports.RateLimiterMetrics{
		AllowedRequests: b.allowedRequests.Load(),
		DeniedRequests:  b.deniedRequests.Load(),
		WaitingRequests: b.waitingRequests.Load(),
		TokensAvailable: b.limiter.Tokens(),
	}
}

func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	delete(rl.buckets, key)
	rl.mu.Unlock()
	rl.logger.Debug("rate limiter reset", "key", key)
}
