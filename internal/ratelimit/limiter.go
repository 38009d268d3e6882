package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter is a fixed-window limiter keyed by principal ID
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*clientWindow
	limit   int
	window  time.Duration
	now     func() time.Time
}

type clientWindow struct {
	count       int
	windowStart time.Time
}

// New creates a limiter allowing limit events per window.
// A limit of zero or less disables limiting.
func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		clients: make(map[string]*clientWindow),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

// PerMinute is shorthand for New(limit, time.Minute)
func PerMinute(limit int) *Limiter {
	return New(limit, time.Minute)
}

// Allow records one event for key and reports whether it is within the limit
func (l *Limiter) Allow(key string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, exists := l.clients[key]
	if !exists {
		l.clients[key] = &clientWindow{count: 1, windowStart: now}
		return true
	}

	if now.Sub(w.windowStart) >= l.window {
		w.count = 1
		w.windowStart = now
		return true
	}

	if w.count >= l.limit {
		return false
	}
	w.count++
	return true
}

// Cleanup forgets keys idle for more than five windows
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, w := range l.clients {
		if now.Sub(w.windowStart) > 5*l.window {
			delete(l.clients, key)
		}
	}
}

// Run calls Cleanup every interval until ctx is cancelled
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Cleanup()
		case <-ctx.Done():
			return
		}
	}
}

// Tracked returns the number of keys currently held
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
