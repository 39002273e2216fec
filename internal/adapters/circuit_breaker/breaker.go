package circuit_breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
)

var (
	ErrCircuitBreakerOpen    = fmt.Errorf("%w: circuit breaker is open", domain.ErrBackendDown)
	ErrCircuitBreakerTimeout = fmt.Errorf("%w: dispatch timed out", domain.ErrBackendDown)
	ErrTooManyProbes         = fmt.Errorf("%w: too many probes while half-open", domain.ErrBackendDown)
)

// StateChangeFunc is notified asynchronously of every state change.
type StateChangeFunc func(name string, from, to ports.CircuitBreakerState)

type circuitBreaker struct {
	name          string
	config        domain.BreakerConfig
	onStateChange StateChangeFunc
	logger        *slog.Logger

	mu                 sync.RWMutex
	state              ports.CircuitBreakerState
	failureCount       int64
	successCount       int64
	consecutiveSuccess int64
	consecutiveFailure int64
	lastStateChange    time.Time
	nextRetry          time.Time
	totalRequests      int64
	requestsAllowed    int64
	requestsRejected   int64

	halfOpenRequests int64
}

// NewCircuitBreaker guards the backend calls of one engine. Zero fields of
// config fall back to the defaults.
func NewCircuitBreaker(name string, config domain.BreakerConfig, onStateChange StateChangeFunc, logger *slog.Logger) ports.CircuitBreaker {
	if logger == nil {
		logger = slog.Default()
	}

	defaults := domain.DefaultBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}
	if config.HalfOpenProbes <= 0 {
		config.HalfOpenProbes = defaults.HalfOpenProbes
	}
	if config.Cooldown <= 0 {
		config.Cooldown = defaults.Cooldown
	}
	if config.DispatchTimeout <= 0 {
		config.DispatchTimeout = defaults.DispatchTimeout
	}

	return &circuitBreaker{
		name:            name,
		config:          config,
		onStateChange:   onStateChange,
		logger:          logger.With("component", "circuit-breaker", "name", name),
		state:           ports.StateClose,
		lastStateChange: time.Now(),
	}
}

// Call runs fn unless the breaker is open. Context cancellation by the caller
// is not counted against the backend.
func (cb *circuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	atomic.AddInt64(&cb.totalRequests, 1)

	if err := cb.allowRequest(); err != nil {
		atomic.AddInt64(&cb.requestsRejected, 1)
		cb.logger.Debug("request rejected", "state", cb.State().String())
		return err
	}

	atomic.AddInt64(&cb.requestsAllowed, 1)

	timeoutCtx, cancel := context.WithTimeout(ctx, cb.config.DispatchTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(timeoutCtx)
	}()

	select {
	case err := <-done:
		switch {
		case err == nil:
			cb.onSuccess()
		case ctx.Err() != nil && errors.Is(err, ctx.Err()):
			cb.release()
		case errors.Is(timeoutCtx.Err(), context.DeadlineExceeded):
			cb.onFailure()
			return ErrCircuitBreakerTimeout
		default:
			cb.onFailure()
		}
		return err
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			cb.release()
			return ctx.Err()
		}
		cb.onFailure()
		return ErrCircuitBreakerTimeout
	}
}

func (cb *circuitBreaker) allowRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == ports.StateOpen && time.Now().After(cb.nextRetry) {
		cb.setState(ports.StateHalfOpen)
	}

	switch cb.state {
	case ports.StateClose:
		return nil
	case ports.StateHalfOpen:
		if cb.halfOpenRequests < int64(cb.config.HalfOpenProbes) {
			cb.halfOpenRequests++
			return nil
		}
		return ErrTooManyProbes
	default:
		return ErrCircuitBreakerOpen
	}
}

// release returns a half-open probe slot without judging the backend.
func (cb *circuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == ports.StateHalfOpen && cb.halfOpenRequests > 0 {
		cb.halfOpenRequests--
	}
}

func (cb *circuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	atomic.AddInt64(&cb.successCount, 1)
	atomic.AddInt64(&cb.consecutiveSuccess, 1)
	atomic.StoreInt64(&cb.consecutiveFailure, 0)

	if cb.state == ports.StateHalfOpen {
		if cb.halfOpenRequests > 0 {
			cb.halfOpenRequests--
		}
		if cb.consecutiveSuccess >= int64(cb.config.SuccessThreshold) {
			cb.setState(ports.StateClose)
		}
	}
}

func (cb *circuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	atomic.AddInt64(&cb.failureCount, 1)
	atomic.AddInt64(&cb.consecutiveFailure, 1)
	atomic.StoreInt64(&cb.consecutiveSuccess, 0)

	switch cb.state {
	case ports.StateClose:
		if cb.consecutiveFailure >= int64(cb.config.FailureThreshold) {
			cb.setState(ports.StateOpen)
		}
	case ports.StateHalfOpen:
		cb.setState(ports.StateOpen)
	}
}

// setState must be called with cb.mu held.
func (cb *circuitBreaker) setState(newState ports.CircuitBreakerState) {
	oldState := cb.state
	if oldState == newState {
		return
	}

	cb.logger.Info("circuit breaker state change",
		"from", oldState.String(),
		"to", newState.String(),
		"consecutive_failures", cb.consecutiveFailure,
		"consecutive_successes", cb.consecutiveSuccess)

	cb.state = newState
	cb.lastStateChange = time.Now()
	cb.halfOpenRequests = 0

	switch newState {
	case ports.StateOpen:
		cb.nextRetry = time.Now().Add(cb.config.Cooldown)
		atomic.StoreInt64(&cb.consecutiveSuccess, 0)
	case ports.StateHalfOpen:
		atomic.StoreInt64(&cb.consecutiveFailure, 0)
		atomic.StoreInt64(&cb.consecutiveSuccess, 0)
	case ports.StateClose:
		cb.nextRetry = time.Time{}
		atomic.StoreInt64(&cb.consecutiveFailure, 0)
	}

	if cb.onStateChange != nil {
		go cb.onStateChange(cb.name, oldState, newState)
	}
}

func (cb *circuitBreaker) State() ports.CircuitBreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

func (cb *circuitBreaker) Metrics() ports.CircuitBreakerMetrics {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return ports.CircuitBreakerMetrics{
		State:              cb.state,
		FailureCount:       atomic.LoadInt64(&cb.failureCount),
		SuccessCount:       atomic.LoadInt64(&cb.successCount),
		ConsecutiveSuccess: atomic.LoadInt64(&cb.consecutiveSuccess),
		ConsecutiveFailure: atomic.LoadInt64(&cb.consecutiveFailure),
		LastStateChange:    cb.lastStateChange,
		TotalRequests:      atomic.LoadInt64(&cb.totalRequests),
		RequestsAllowed:    atomic.LoadInt64(&cb.requestsAllowed),
		RequestsRejected:   atomic.LoadInt64(&cb.requestsRejected),
	}
}

func (cb *circuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.logger.Info("circuit breaker reset")

	atomic.StoreInt64(&cb.failureCount, 0)
	atomic.StoreInt64(&cb.successCount, 0)
	atomic.StoreInt64(&cb.consecutiveSuccess, 0)
	atomic.StoreInt64(&cb.consecutiveFailure, 0)
	atomic.StoreInt64(&cb.totalRequests, 0)
	atomic.StoreInt64(&cb.requestsAllowed, 0)
	atomic.StoreInt64(&cb.requestsRejected, 0)

	cb.setState(ports.StateClose)
}
