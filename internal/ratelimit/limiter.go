// Package ratelimit throttles token endpoint callers per client or source
// address. Two implementations share one interface: an in-process fixed
// window for single-node deployments and a redis-backed one for fleets.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter is the throttling port the middleware consumes.
type Limiter interface {
	// Allow reports whether one more request is admitted for key, along
	// with the remaining budget and when the window resets.
	Allow(ctx context.Context, key string) (allowed bool, remaining int, resetTime time.Time, err error)

	// Reset clears the counter for a key.
	Reset(ctx context.Context, key string) error

	// Close releases resources.
	Close() error
}

// MemoryLimiter is a fixed-window in-process limiter.
type MemoryLimiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	windows map[string]*window

	stop chan struct{}
	once sync.Once
}

type window struct {
	count   int
	resetAt time.Time
}

// NewMemoryLimiter creates a limiter admitting limit requests per window
// per key. A background sweep drops stale windows.
func NewMemoryLimiter(limit int, windowSize time.Duration) *MemoryLimiter {
	if limit <= 0 {
		limit = 10
	}
	if windowSize <= 0 {
		windowSize = time.Minute
	}
	l := &MemoryLimiter{
		limit:   limit,
		window:  windowSize,
		windows: make(map[string]*window),
		stop:    make(chan struct{}),
	}
	go l.sweep()
	return l
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, int, time.Time, error) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.After(w.resetAt) {
		w = &window{resetAt: now.Add(l.window)}
		l.windows[key] = w
	}

	if w.count >= l.limit {
		return false, 0, w.resetAt, nil
	}
	w.count++
	return true, l.limit - w.count, w.resetAt, nil
}

func (l *MemoryLimiter) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	delete(l.windows, key)
	l.mu.Unlock()
	return nil
}

func (l *MemoryLimiter) sweep() {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			l.mu.Lock()
			for key, w := range l.windows {
				if now.After(w.resetAt) {
					delete(l.windows, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

func (l *MemoryLimiter) Close() error {
	l.once.Do(func() { close(l.stop) })
	return nil
}
