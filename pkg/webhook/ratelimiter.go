package webhook

import (
	"sync"
	"time"
)

const window = time.Minute

// RateLimiter is a per-key sliding window limiter
type RateLimiter struct {
	limits          map[string]*rateLimitState
	max             int
	now             func() time.Time
	mu              sync.Mutex
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// NewRateLimiter allows max requests per key per minute
func NewRateLimiter(max int) *RateLimiter {
	rl := &RateLimiter{
		limits:          make(map[string]*rateLimitState),
		max:             max,
		now:             time.Now,
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow records a request for key and reports whether it fits the window
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now().UnixMilli()
	state, ok := rl.limits[key]
	if !ok {
		state = &rateLimitState{}
		rl.limits[key] = state
	}
	state.requests = prune(state.requests, now)

	if len(state.requests) >= rl.max {
		return false
	}
	state.requests = append(state.requests, now)
	return true
}

// RetryAfter returns the seconds until key may send again
func (rl *RateLimiter) RetryAfter(key string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	state, ok := rl.limits[key]
	if !ok || len(state.requests) == 0 {
		return 0
	}

	remaining := window.Milliseconds() - (rl.now().UnixMilli() - state.requests[0])
	if remaining <= 0 {
		return 0
	}
	return int((remaining + 999) / 1000)
}

// Stop ends the cleanup goroutine
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now().UnixMilli()
	for key, state := range rl.limits {
		state.requests = prune(state.requests, now)
		if len(state.requests) == 0 {
			delete(rl.limits, key)
		}
	}
}

// prune drops timestamps that fell out of the window
func prune(requests []int64, now int64) []int64 {
	i := 0
	for i < len(requests) && now-requests[i] >= window.Milliseconds() {
		i++
	}
	return requests[i:]
}
