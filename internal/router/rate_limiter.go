package router

import (
	"sync"
	"time"
)

// RateLimiter implements per-identity fixed-window limiting of inbound events.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clients map[string]*clientLimit
	now     func() time.Time
}

type clientLimit struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter allows limit events per minute per identity. A non-positive
// limit disables limiting.
func NewRateLimiter(limit int) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  time.Minute,
		clients: make(map[string]*clientLimit),
		now:     time.Now,
	}
}

// Allow records one event for identity and reports whether it is within budget.
func (rl *RateLimiter) Allow(identity string) bool {
	if rl.limit <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	c, ok := rl.clients[identity]
	if !ok || now.Sub(c.windowStart) >= rl.window {
		rl.clients[identity] = &clientLimit{count: 1, windowStart: now}
		return true
	}
	if c.count >= rl.limit {
		return false
	}
	c.count++
	return true
}

// Cleanup drops identities idle for five windows.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for id, c := range rl.clients {
		if now.Sub(c.windowStart) > 5*rl.window {
			delete(rl.clients, id)
		}
	}
}

// Tracked returns the number of identities with live state.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
