package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of a rate-limit attempt.
type Decision struct {
	Allowed    bool
	Remaining  int           // attempts left in the current window (0 when denied)
	RetryAfter time.Duration // time until the window resets; meaningful when denied
}

// Limiter is a keyed fixed-window counter. The caller supplies the key, the
// limit and the window; the limiter returns whether the attempt is allowed
// and, when it is not, how long until the next attempt may succeed.
type Limiter interface {
	Attempt(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
	Reset(ctx context.Context, key string) error
}

type memoryWindow struct {
	start time.Time
	count int
}

// MemoryLimiter implements Limiter with in-process fixed windows.
type MemoryLimiter struct {
	windows map[string]*memoryWindow
	mu      sync.Mutex
	now     func() time.Time
	ttl     time.Duration
}

// MemoryLimiterOption configures a MemoryLimiter
type MemoryLimiterOption func(*MemoryLimiter)

// WithClock overrides the limiter's clock, for tests
func WithClock(now func() time.Time) MemoryLimiterOption {
	return func(l *MemoryLimiter) {
		l.now = now
	}
}

// NewMemoryLimiter creates a new in-memory rate limiter.
// ttl is how long to keep idle windows in memory (0 = forever).
func NewMemoryLimiter(ttl time.Duration, options ...MemoryLimiterOption) *MemoryLimiter {
	l := &MemoryLimiter{
		windows: make(map[string]*memoryWindow),
		now:     time.Now,
		ttl:     ttl,
	}

	for _, option := range options {
		option(l)
	}

	if ttl > 0 {
		go l.cleanup()
	}

	return l
}

// Attempt consumes one attempt for the given key.
func (l *MemoryLimiter) Attempt(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, exists := l.windows[key]
	if !exists || now.Sub(w.start) >= window {
		w = &memoryWindow{start: now}
		l.windows[key] = w
	}

	if w.count >= limit {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: w.start.Add(window).Sub(now),
		}, nil
	}

	w.count++
	return Decision{
		Allowed:   true,
		Remaining: limit - w.count,
	}, nil
}

// Reset clears the counter for a key. Used after a successful verification so
// a legitimate user is not penalized for earlier typos.
func (l *MemoryLimiter) Reset(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
	return nil
}

// cleanup periodically removes idle windows
func (l *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(l.ttl)
	defer ticker.Stop()

	for range ticker.C {
		l.mu.Lock()
		now := l.now()
		for key, w := range l.windows {
			if now.Sub(w.start) > l.ttl {
				delete(l.windows, key)
			}
		}
		l.mu.Unlock()
	}
}
