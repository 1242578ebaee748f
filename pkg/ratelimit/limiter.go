// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit implements the gateway's request throttling: a keyed
// fixed-window limiter for MCP traffic and a per-IP failure throttle for the
// auth endpoint.
package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of a limiter check for one key.
type Decision struct {
	Allowed           bool
	Remaining         int
	ResetAt           time.Time
	RetryAfterSeconds int
	Limit             int
	Window            time.Duration
}

// window is one fixed counting window for a key.
type window struct {
	count int
	start time.Time
}

// Limiter is a keyed fixed-window request counter. A window starts on the
// first request for a key and all requests inside it share one counter; the
// counter resets when the window length has elapsed. Safe for concurrent
// use.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window

	limit   int
	window  time.Duration
	enabled bool

	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewLimiter builds a limiter allowing limit requests per windowLen per key
// and starts the background sweep that forgets expired windows. The sweep
// runs at the window length. A disabled limiter allows everything.
func NewLimiter(windowLen time.Duration, limit int, enabled bool) *Limiter {
	l := &Limiter{
		windows: make(map[string]*window),
		limit:   limit,
		window:  windowLen,
		enabled: enabled,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	if enabled && windowLen > 0 {
		go l.sweep()
	}
	return l
}

// Check counts a request against key and reports whether it is allowed.
// The check and the increment are atomic per key.
func (l *Limiter) Check(key string) Decision {
	if !l.enabled {
		return l.disabledDecision()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.windows[key]
	if w == nil || now.Sub(w.start) >= l.window {
		w = &window{start: now}
		l.windows[key] = w
	}

	resetAt := w.start.Add(l.window)
	if w.count < l.limit {
		w.count++
		return Decision{
			Allowed:   true,
			Remaining: l.limit - w.count,
			ResetAt:   resetAt,
			Limit:     l.limit,
			Window:    l.window,
		}
	}

	return Decision{
		Allowed:           false,
		Remaining:         0,
		ResetAt:           resetAt,
		RetryAfterSeconds: ceilSeconds(resetAt.Sub(now)),
		Limit:             l.limit,
		Window:            l.window,
	}
}

// Peek reports the state for key without counting a request.
func (l *Limiter) Peek(key string) Decision {
	if !l.enabled {
		return l.disabledDecision()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.windows[key]
	if w == nil || now.Sub(w.start) >= l.window {
		return Decision{
			Allowed:   true,
			Remaining: l.limit,
			ResetAt:   now.Add(l.window),
			Limit:     l.limit,
			Window:    l.window,
		}
	}

	resetAt := w.start.Add(l.window)
	d := Decision{
		Allowed:   w.count < l.limit,
		Remaining: l.limit - w.count,
		ResetAt:   resetAt,
		Limit:     l.limit,
		Window:    l.window,
	}
	if !d.Allowed {
		d.Remaining = 0
		d.RetryAfterSeconds = ceilSeconds(resetAt.Sub(now))
	}
	return d
}

// Reset forgets the window for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

// ResetAll forgets every window.
func (l *Limiter) ResetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.windows = make(map[string]*window)
}

// Stop cancels the background sweep.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *Limiter) disabledDecision() Decision {
	return Decision{
		Allowed:   true,
		Remaining: l.limit,
		ResetAt:   l.now().Add(l.window),
		Limit:     l.limit,
		Window:    l.window,
	}
}

func (l *Limiter) sweep() {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			now := l.now()
			for key, w := range l.windows {
				if now.Sub(w.start) >= l.window {
					delete(l.windows, key)
				}
			}
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// ceilSeconds converts a positive duration to whole seconds, rounding up.
func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
