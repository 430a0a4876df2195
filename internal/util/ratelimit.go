package util

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket refilled at a fixed rate up to burst tokens.
type RateLimiter struct {
	rate     float64 // tokens per second
	burst    float64
	tokens   float64
	lastTime time.Time
	mu       sync.Mutex
}

// NewRateLimiter allows perMinute operations per minute with a burst of one.
func NewRateLimiter(perMinute int) *RateLimiter {
	return NewBurstLimiter(perMinute, 1)
}

// NewBurstLimiter allows perMinute operations per minute and up to burst in
// quick succession. The bucket starts full.
func NewBurstLimiter(perMinute, burst int) *RateLimiter {
	burst = max(burst, 1)
	return &RateLimiter{
		rate:     float64(perMinute) / 60.0,
		burst:    float64(burst),
		tokens:   float64(burst),
		lastTime: time.Now(),
	}
}

func (rl *RateLimiter) refill(now time.Time) {
	rl.tokens += now.Sub(rl.lastTime).Seconds() * rl.rate
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}
	rl.lastTime = now
}

// Allow takes a token if one is available and reports whether it did.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refill(time.Now())
	if rl.tokens >= 1 {
		rl.tokens--
		return true
	}
	return false
}

// Wait blocks until a token is available or ctx is cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		if rl.Allow() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// KeyedLimiter hands out one RateLimiter per key, e.g. per client address.
type KeyedLimiter struct {
	perMinute int
	burst     int

	mu       sync.Mutex
	limiters map[string]*RateLimiter
}

// NewKeyedLimiter creates a KeyedLimiter whose buckets allow perMinute
// operations per minute with the given burst.
func NewKeyedLimiter(perMinute, burst int) *KeyedLimiter {
	return &KeyedLimiter{
		perMinute: perMinute,
		burst:     burst,
		limiters:  make(map[string]*RateLimiter),
	}
}

// Allow reports whether key may proceed now.
func (k *KeyedLimiter) Allow(key string) bool {
	k.mu.Lock()
	rl, ok := k.limiters[key]
	if !ok {
		rl = NewBurstLimiter(k.perMinute, k.burst)
		k.limiters[key] = rl
	}
	k.mu.Unlock()
	return rl.Allow()
}
