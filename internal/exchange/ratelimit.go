// ratelimit.go implements token-bucket rate limiting for venue REST APIs.
//
// Legacy spot venues enforce coarse per-IP limits (Poloniex: 6 requests per
// second across the trading API). Buckets refill continuously rather than in
// one-second bursts so a ladder of order placements spreads out instead of
// tripping the hard limit on rung three.
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a token-bucket rate limiter with continuous refill.
// Callers block in Wait until a token is available or the context ends.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64 // current available tokens (fractional allowed)
	capacity float64 // maximum burst size
	rate     float64 // tokens refilled per second
	lastTime time.Time
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
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
		tb.tokens += now.Sub(tb.lastTime).Seconds() * tb.rate
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
			// retry
		}
	}
}

// RateLimiter groups buckets by venue endpoint class. Public market-data
// reads and signed trading calls are limited separately, the way the venues
// meter them.
type RateLimiter struct {
	Public  *TokenBucket // tickers, order books
	Trading *TokenBucket // signed calls: orders, cancels, balances
}

// NewRateLimiter returns buckets tuned to the legacy 6 req/s trading limit,
// with a small burst so an init run can fire a short ladder without pausing.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Public:  NewTokenBucket(6, 6),
		Trading: NewTokenBucket(6, 5),
	}
}
