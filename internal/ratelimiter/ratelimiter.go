// Package ratelimiter provides token bucket rate limiting for outbound
// transfers, used to keep the cache warm-up from saturating the source or
// the local disk.
package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter wraps golang.org/x/time/rate with the small surface the
// warm-up path needs: a fast-path check and a context-aware wait.
//
// The token bucket algorithm works as follows:
//  1. Tokens are added to the bucket at a constant rate (operations per second)
//  2. Each operation consumes one token from the bucket
//  3. If the bucket is empty, the operation is either rejected or waits for a token
//  4. Burst capacity allows temporary spikes above the sustained rate
//
// Thread safety:
// All methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a RateLimiter with the specified rate and burst capacity.
//
// Parameters:
//   - opsPerSecond: Maximum sustained rate (tokens added per second)
//   - burst: Maximum burst size (bucket capacity in tokens)
//
// Special cases:
//   - opsPerSecond = 0: No rate limiting (unlimited)
func New(opsPerSecond, burst uint) *RateLimiter {
	if opsPerSecond == 0 {
		// Unlimited rate: use a very high limit
		// rate.Inf would be ideal but has edge cases, so use a large value
		opsPerSecond = 1_000_000_000
		burst = opsPerSecond
	}
	if burst == 0 {
		burst = opsPerSecond
	}

	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(opsPerSecond), int(burst)),
	}
}

// Allow checks if an operation is allowed under the current rate limit.
//
// This is the fast path - it returns immediately without waiting.
//
// Returns:
//   - true if the operation is allowed (token consumed)
//   - false if the operation should be rejected (no tokens available)
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until a token is available or the context is cancelled.
//
// Returns:
//   - nil if a token was acquired
//   - context error if the context was cancelled before a token was available
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Tokens returns the current number of available tokens.
//
// This is primarily useful for monitoring and debugging. The value may
// change immediately after this call due to concurrent access or token
// replenishment.
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}
