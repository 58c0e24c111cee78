// Package ratelimit provides fixed-window rate limiters, both for a single
// entity and keyed by peer.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter is a simple fixed-window rate limiter for a single entity.
type Limiter struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	rate        int
	window      time.Duration
}

// New creates a Limiter that allows rate requests per window.
func New(rate int, window time.Duration) *Limiter {
	return &Limiter{
		rate:        rate,
		window:      window,
		windowStart: time.Now(),
	}
}

// Allow returns true if the request is within the rate limit.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if now.Sub(l.windowStart) > l.window {
		l.count = 0
		l.windowStart = now
	}
	l.count++
	return l.count <= l.rate
}

// window tracks the request count within the current window for one key.
type window struct {
	count int
	start time.Time
}

// Keyed is a fixed-window limiter with an independent budget per key. Stale
// keys are dropped by Cleanup, which Run calls periodically.
type Keyed[K comparable] struct {
	mu      sync.Mutex
	windows map[K]*window
	rate    int
	window  time.Duration
}

// NewKeyed creates a per-key limiter that allows rate requests per window for
// each key.
func NewKeyed[K comparable](rate int, win time.Duration) *Keyed[K] {
	return &Keyed[K]{
		windows: make(map[K]*window),
		rate:    rate,
		window:  win,
	}
}

// Allow returns true if key has not exceeded its rate limit.
func (k *Keyed[K]) Allow(key K) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := time.Now()
	w, ok := k.windows[key]
	if !ok || now.Sub(w.start) > k.window {
		k.windows[key] = &window{count: 1, start: now}
		return true
	}
	w.count++
	return w.count <= k.rate
}

// Cleanup removes keys whose window has expired and returns how many remain.
func (k *Keyed[K]) Cleanup() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := time.Now()
	for key, w := range k.windows {
		if now.Sub(w.start) > k.window {
			delete(k.windows, key)
		}
	}
	return len(k.windows)
}

// Run calls Cleanup every interval until ctx is cancelled.
func (k *Keyed[K]) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.Cleanup()
		}
	}
}
