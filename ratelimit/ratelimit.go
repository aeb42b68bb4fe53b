// Package ratelimit provides a per-provider token-bucket rate limiter for
// outbound worker calls. Worker adapters acquire a token before invoking
// their collaborator; the wait counts toward the call's deadline.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucket holds the refill state for one provider. Tokens refill continuously
// at rpm/60 per second up to burst.
type bucket struct {
	rpm    float64
	burst  float64
	tokens float64
	last   time.Time
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	b.last = now
	b.tokens = min(b.burst, b.tokens+elapsed*(b.rpm/60.0))
}

// Limiter implements core.RateLimiter with one token bucket per provider.
// Providers without a configured limit pass through unchanged.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// New creates a limiter with no limits configured.
func New() *Limiter {
	return &Limiter{buckets: make(map[string]*bucket)}
}

// SetLimit configures provider to at most rpm requests per minute, with a
// burst equal to rpm. rpm <= 0 removes the limit.
func (l *Limiter) SetLimit(provider string, rpm int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rpm <= 0 {
		delete(l.buckets, provider)
		return
	}
	l.buckets[provider] = &bucket{
		rpm:    float64(rpm),
		burst:  float64(rpm),
		tokens: float64(rpm),
		last:   time.Now(),
	}
}

// Acquire blocks until a token is available for provider or ctx is done.
// Unknown providers return immediately.
func (l *Limiter) Acquire(ctx context.Context, provider string) error {
	for {
		l.mu.Lock()
		b, ok := l.buckets[provider]
		if !ok {
			l.mu.Unlock()
			return nil
		}
		now := time.Now()
		b.refill(now)
		if b.tokens >= 1.0 {
			b.tokens -= 1.0
			l.mu.Unlock()
			return nil
		}
		// Time until the next whole token.
		wait := time.Duration((1.0 - b.tokens) / (b.rpm / 60.0) * float64(time.Second))
		l.mu.Unlock()

		if wait < 5*time.Millisecond {
			wait = 5 * time.Millisecond
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Remaining returns the currently available whole tokens for provider, or -1
// when the provider is unlimited.
func (l *Limiter) Remaining(provider string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[provider]
	if !ok {
		return -1
	}
	b.refill(time.Now())
	return int(b.tokens)
}
