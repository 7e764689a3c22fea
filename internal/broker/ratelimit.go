package broker

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a continuously-refilling token bucket, adapted from the
// polymarket-mm exchange package's rate limiter. Each adapter instance
// holds one limiter, shared by every account that adapter serves.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64
	lastTime time.Time
}

// NewTokenBucket creates a limiter with the given burst capacity and
// refill rate in tokens per second.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RateLimiter groups the order-placement and read-only buckets an adapter
// needs, mirroring the category split in the polymarket-mm example (orders
// vs cancels vs book reads get distinct allowances).
type RateLimiter struct {
	Orders *TokenBucket
	Reads  *TokenBucket
}

// NewRateLimiter builds a limiter tuned to a conservative default: 10
// order-placements/sec burst 20, 20 reads/sec burst 40. Broker-specific
// adapters may construct their own with tighter numbers from that broker's
// published limits.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Orders: NewTokenBucket(20, 10),
		Reads:  NewTokenBucket(40, 20),
	}
}
