package agent

import (
	"context"
	"sync"
	"time"
)

const maxLimiterBurst = 10

// RateLimiter is a token bucket throttling calls to one LLM provider.
// A nil *RateLimiter never blocks.
type RateLimiter struct {
	mu       sync.Mutex
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastTime time.Time
}

func NewRateLimiter(maxBurst int, ratePerMinute float64) *RateLimiter {
	if maxBurst <= 0 {
		maxBurst = maxLimiterBurst
	}
	if ratePerMinute <= 0 {
		ratePerMinute = 30
	}
	return &RateLimiter{
		tokens:   float64(maxBurst),
		max:      float64(maxBurst),
		rate:     ratePerMinute / 60.0,
		lastTime: time.Now(),
	}
}

func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl == nil {
		return ctx.Err()
	}
	for {
		rl.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(rl.lastTime).Seconds()
		rl.tokens += elapsed * rl.rate
		if rl.tokens > rl.max {
			rl.tokens = rl.max
		}
		rl.lastTime = now

		if rl.tokens >= 1.0 {
			rl.tokens -= 1.0
			rl.mu.Unlock()
			return nil
		}

		waitSec := (1.0 - rl.tokens) / rl.rate
		rl.mu.Unlock()

		timer := time.NewTimer(time.Duration(waitSec * float64(time.Second)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// limiterSet hands out one limiter per provider so every agent built on a
// provider shares its budget.
type limiterSet struct {
	mu       sync.Mutex
	limiters map[string]*RateLimiter
}

func newLimiterSet() *limiterSet {
	return &limiterSet{limiters: make(map[string]*RateLimiter)}
}

// get returns the provider's limiter, or nil when perMinute is not positive.
func (s *limiterSet) get(provider string, perMinute int) *RateLimiter {
	if perMinute <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rl, ok := s.limiters[provider]; ok {
		return rl
	}
	rl := NewRateLimiter(min(perMinute, maxLimiterBurst), float64(perMinute))
	s.limiters[provider] = rl
	return rl
}
