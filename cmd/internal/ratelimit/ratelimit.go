// Package ratelimit provides sliding-window limiters for chat commands and feed sessions.
package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultEvents = 120
	DefaultWindow = 10 * time.Second
)

// Window is a sliding-window limiter for a single caller.
type Window struct {
	mu     sync.Mutex
	events []time.Time
	limit  int
	window time.Duration
}

// NewWindow constructs a Window with safe defaults when inputs are invalid.
func NewWindow(limit int, window time.Duration) *Window {
	if limit <= 0 {
		limit = DefaultEvents
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Window{
		events: make([]time.Time, 0, limit+8),
		limit:  limit,
		window: window,
	}
}

// Allow reports whether an event at time "now" should be permitted.
func (r *Window) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.trim(now)
	if len(r.events) >= r.limit {
		return false
	}
	r.events = append(r.events, now)
	return true
}

func (r *Window) idle(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trim(now)
	return len(r.events) == 0
}

func (r *Window) trim(now time.Time) {
	cut := now.Add(-r.window)
	dst := r.events[:0]
	for _, t := range r.events {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}
	r.events = dst
}

// Keyed holds one Window per key. Idle windows are dropped on Sweep.
type Keyed[K comparable] struct {
	mu      sync.Mutex
	windows map[K]*Window
	limit   int
	window  time.Duration
}

func NewKeyed[K comparable](limit int, window time.Duration) *Keyed[K] {
	return &Keyed[K]{windows: make(map[K]*Window), limit: limit, window: window}
}

func (k *Keyed[K]) Allow(key K, now time.Time) bool {
	k.mu.Lock()
	w, ok := k.windows[key]
	if !ok {
		w = NewWindow(k.limit, k.window)
		k.windows[key] = w
	}
	k.mu.Unlock()
	return w.Allow(now)
}

// Sweep drops windows with no events inside the window and returns how many remain.
func (k *Keyed[K]) Sweep(now time.Time) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	for key, w := range k.windows {
		if w.idle(now) {
			delete(k.windows, key)
		}
	}
	return len(k.windows)
}
