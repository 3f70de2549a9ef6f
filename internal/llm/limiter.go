package llm

import (
	"context"
	"sync"
	"time"
)

// Limiter is a token bucket that paces outbound generation requests. A nil
// Limiter never waits.
type Limiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // per second
	lastRefill time.Time
	now        func() time.Time
}

// NewLimiter creates a limiter allowing perMinute requests per minute.
// It returns nil when perMinute is not positive.
func NewLimiter(perMinute int) *Limiter {
	if perMinute <= 0 {
		return nil
	}
	return &Limiter{
		tokens:     float64(perMinute),
		maxTokens:  float64(perMinute),
		refillRate: float64(perMinute) / 60.0,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// Allow consumes a token if one is available
func (l *Limiter) Allow() bool {
	if l == nil {
		return true
	}
	_, ok := l.reserve()
	return ok
}

// Wait blocks until a token is available or ctx ends
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	for {
		wait, ok := l.reserve()
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// reserve takes a token, or reports how long until one is available
func (l *Limiter) reserve() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Refill tokens based on time elapsed
	now := l.now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	l.tokens += elapsed * l.refillRate
	l.lastRefill = now

	if l.tokens > l.maxTokens {
		l.tokens = l.maxTokens
	}

	if l.tokens >= 1 {
		l.tokens--
		return 0, true
	}
	missing := 1 - l.tokens
	return time.Duration(missing / l.refillRate * float64(time.Second)), false
}
