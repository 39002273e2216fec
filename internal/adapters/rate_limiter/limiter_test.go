package rate_limiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eleven-am/conduit/internal/ports"
)

func TestRateLimiterAllow(t *testing.T) {
	config := ports.RateLimiterConfig{
		RequestsPerSecond: 2,
		BurstSize:         2,
		WaitTimeout:       100 * time.Millisecond,
	}

	limiter := NewRateLimiter("test", config, nil)

	if !limiter.Allow("key1") {
		t.Error("Expected first request to be allowed")
	}

	if !limiter.Allow("key1") {
		t.Error("Expected second request to be allowed")
	}

	if limiter.Allow("key1") {
		t.Error("Expected third request to be denied")
	}

	if !limiter.Allow("key2") {
		t.Error("Expected request for different key to be allowed")
	}
}

func TestRateLimiterRefill(t *testing.T) {
	config := ports.RateLimiterConfig{
		RequestsPerSecond: 10,
		BurstSize:         1,
		WaitTimeout:       200 * time.Millisecond,
	}

	limiter := NewRateLimiter("test", config, nil)

	if !limiter.Allow("key1") {
		t.Error("Expected first request to be allowed")
	}

	if limiter.Allow("key1") {
		t.Error("Expected second request to be denied")
	}

	time.Sleep(120 * time.Millisecond)

	if !limiter.Allow("key1") {
		t.Error("Expected request to be allowed after refill")
	}
}

func TestRateLimiterWait(t *testing.T) {
	config := ports.RateLimiterConfig{
		RequestsPerSecond: 20,
		BurstSize:         1,
		WaitTimeout:       time.Second,
	}

	limiter := NewRateLimiter("test", config, nil)
	ctx := context.Background()

	if err := limiter.Wait(ctx, "key1"); err != nil {
		t.Fatalf("Expected first wait to succeed: %v", err)
	}

	start := time.Now()
	if err := limiter.Wait(ctx, "key1"); err != nil {
		t.Fatalf("Expected second wait to succeed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("Expected second wait to block for a refill, took %v", elapsed)
	}

	metrics := limiter.Metrics("key1")
	if metrics.AllowedRequests != 2 {
		t.Errorf("Expected 2 allowed requests, got %d", metrics.AllowedRequests)
	}
}

func TestRateLimiterWaitTimeout(t *testing.T) {
	config := ports.RateLimiterConfig{
		RequestsPerSecond: 0.5,
		BurstSize:         1,
		WaitTimeout:       50 * time.Millisecond,
	}

	limiter := NewRateLimiter("test", config, nil)
	limiter.Allow("key1")

	err := limiter.Wait(context.Background(), "key1")
	if !errors.Is(err, ErrWaitTimeout) {
		t.Errorf("Expected ErrWaitTimeout, got %v", err)
	}

	if denied := limiter.Metrics("key1").DeniedRequests; denied != 1 {
		t.Errorf("Expected 1 denied request, got %d", denied)
	}
}

func TestRateLimiterWaitCancelled(t *testing.T) {
	config := ports.RateLimiterConfig{
		RequestsPerSecond: 0.5,
		BurstSize:         1,
		WaitTimeout:       time.Second,
	}

	limiter := NewRateLimiter("test", config, nil)
	limiter.Allow("key1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := limiter.Wait(ctx, "key1"); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestRateLimiterReset(t *testing.T) {
	config := ports.RateLimiterConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
	}

	limiter := NewRateLimiter("test", config, nil)

	limiter.Allow("key1")
	if limiter.Allow("key1") {
		t.Error("Expected bucket to be empty")
	}

	limiter.Reset("key1")

	if !limiter.Allow("key1") {
		t.Error("Expected request to be allowed after reset")
	}

	if tokens := limiter.Metrics("unknown").TokensAvailable; tokens != 1 {
		t.Errorf("Expected full bucket for unknown key, got %v", tokens)
	}
}
