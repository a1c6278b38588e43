package auth

import (
	"context"
	"sync"
	"time"
)

// RateLimiter provides rate limiting functionality
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Reset(ctx context.Context, key string) error
}

// TokenBucketLimiter allows bursts of up to maxTokens per key, refilling one
// token every refillRate. Websocket connections use it to cap frame rates.
type TokenBucketLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	maxTokens  int
	refillRate time.Duration
	now        func() time.Time
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

// NewTokenBucketLimiter creates a new token bucket rate limiter
func NewTokenBucketLimiter(maxTokens int, refillRate time.Duration) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		buckets:    make(map[string]*bucket),
		maxTokens:  maxTokens,
		refillRate: refillRate,
		now:        time.Now,
	}
}

// Allow takes one token for key if one is available
func (l *TokenBucketLimiter) Allow(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.maxTokens, lastRefill: now}
		l.buckets[key] = b
	}

	if add := int(now.Sub(b.lastRefill) / l.refillRate); add > 0 {
		b.tokens = min(b.tokens+add, l.maxTokens)
		b.lastRefill = b.lastRefill.Add(time.Duration(add) * l.refillRate)
	}
	if b.tokens == 0 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Reset forgets key. Connections call it when they close.
func (l *TokenBucketLimiter) Reset(ctx context.Context, key string) error {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
	return nil
}

// SlidingWindowLimiter allows at most limit requests per key in any windowSize span
type SlidingWindowLimiter struct {
	mu         sync.Mutex
	windows    map[string][]time.Time
	limit      int
	windowSize time.Duration
	now        func() time.Time
}

// NewSlidingWindowLimiter creates a new sliding window rate limiter
func NewSlidingWindowLimiter(limit int, windowSize time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		windows:    make(map[string][]time.Time),
		limit:      limit,
		windowSize: windowSize,
		now:        time.Now,
	}
}

// Allow records a request for key unless the window is full
func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	start := now.Add(-l.windowSize)
	kept := l.windows[key][:0]
	for _, t := range l.windows[key] {
		if t.After(start) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.limit {
		l.windows[key] = kept
		return false, nil
	}
	l.windows[key] = append(kept, now)
	return true, nil
}

// Reset resets the rate limit for a key
func (l *SlidingWindowLimiter) Reset(ctx context.Context, key string) error {
	l.mu.Lock()
	delete(l.windows, key)
	l.mu.Unlock()
	return nil
}

// NewUserRateLimiter limits each user to requestsPerMinute
func NewUserRateLimiter(requestsPerMinute int) RateLimiter {
	return &prefixed{prefix: "user:", limiter: NewSlidingWindowLimiter(requestsPerMinute, time.Minute)}
}

// NewIPRateLimiter limits each client address to requestsPerMinute
func NewIPRateLimiter(requestsPerMinute int) RateLimiter {
	return &prefixed{prefix: "ip:", limiter: NewSlidingWindowLimiter(requestsPerMinute, time.Minute)}
}

type prefixed struct {
	prefix  string
	limiter RateLimiter
}

func (p *prefixed) Allow(ctx context.Context, key string) (bool, error) {
	return p.limiter.Allow(ctx, p.prefix+key)
}

func (p *prefixed) Reset(ctx context.Context, key string) error {
	return p.limiter.Reset(ctx, p.prefix+key)
}
