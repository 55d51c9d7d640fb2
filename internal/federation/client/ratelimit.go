package client

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// TokenBucketConfig defines token bucket algorithm parameters.
type TokenBucketConfig struct {
	Rate      float64       `json:"rate"`
	BurstSize int           `json:"burst_size"`
	Interval  time.Duration `json:"interval,omitempty"`
}

// TokenBucket implements a token bucket rate limiter, used as the
// per-peer federation send pacer (send_rate between sends, send_burst
// initial burst).
type TokenBucket struct {
	mu         sync.Mutex
	rate       float64
	burstSize  int
	tokens     float64
	lastRefill time.Time
	interval   time.Duration
	lastOp     time.Time
}

// NewTokenBucket creates a token bucket from config.
func NewTokenBucket(config TokenBucketConfig) *TokenBucket {
	return &TokenBucket{
		rate:       config.Rate,
		burstSize:  config.BurstSize,
		tokens:     float64(config.BurstSize),
		lastRefill: time.Now(),
		interval:   config.Interval,
	}
}

// Allow reports whether an operation is allowed right now, consuming a
// token if so.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()

	if tb.interval > 0 {
		if !tb.lastOp.IsZero() && now.Sub(tb.lastOp) < tb.interval {
			return false
		}
		tb.lastOp = now
		return true
	}

	elapsed := now.Sub(tb.lastRefill)
	tb.tokens += elapsed.Seconds() * tb.rate
	if tb.tokens > float64(tb.burstSize) {
		tb.tokens = float64(tb.burstSize)
	}
	tb.lastRefill = now

	if tb.tokens >= 1.0 {
		tb.tokens--
		return true
	}
	return false
}

// Wait blocks until an operation is allowed, then consumes a token.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		if tb.Allow() {
			return nil
		}
		waitTime := tb.getWaitTime()
		if waitTime <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitTime):
		}
	}
}

func (tb *TokenBucket) getWaitTime() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	if tb.interval > 0 {
		if tb.lastOp.IsZero() {
			return 0
		}
		elapsed := now.Sub(tb.lastOp)
		if elapsed >= tb.interval {
			return 0
		}
		return tb.interval - elapsed
	}

	if tb.tokens >= 1.0 {
		return 0
	}
	tokensNeeded := 1.0 - tb.tokens
	if tb.rate <= 0 {
		return time.Hour
	}
	return time.Duration(tokensNeeded / tb.rate * float64(time.Second))
}

// RateLimitConfig groups per-operation token bucket configuration for a
// federation peer connection.
type RateLimitConfig struct {
	Send     TokenBucketConfig `json:"send"`
	Backfill TokenBucketConfig `json:"backfill"`
	Enabled  bool              `json:"enabled"`
}

// DefaultRateLimitConfig returns sensible production defaults for the
// federation send pacer.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:  true,
		Send:     TokenBucketConfig{Rate: 5, BurstSize: 20},
		Backfill: TokenBucketConfig{Rate: 1, BurstSize: 4},
	}
}

// TestRateLimitConfig returns a fast-but-present configuration suitable
// for tests.
func TestRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:  true,
		Send:     TokenBucketConfig{Rate: 50, BurstSize: 50},
		Backfill: TokenBucketConfig{Rate: 50, BurstSize: 50},
	}
}

// IsRateLimitError reports whether err is a Matrix M_LIMIT_EXCEEDED / HTTP
// 429 response, retargeted at this package's Error type.
func IsRateLimitError(err error) bool {
	var matrixErr *Error
	if errors.As(err, &matrixErr) {
		return matrixErr.StatusCode == 429 || matrixErr.ErrCode == "M_LIMIT_EXCEEDED"
	}
	return false
}
