// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"sync"
	"time"
)

// Auth throttle defaults: five failed attempts per minute per client IP.
const (
	DefaultAuthWindow   = time.Minute
	DefaultAuthAttempts = 5
)

// attempt tracks authentication failures from one client IP. resetAt is set
// on the first failure of a window and is not extended by later failures;
// a successful authentication removes the entry entirely.
type attempt struct {
	count   int
	resetAt time.Time
}

// AuthThrottle counts failed authentication attempts per client IP and
// blocks further attempts once the per-window budget is spent. Only
// failures are recorded. Safe for concurrent use.
type AuthThrottle struct {
	mu       sync.Mutex
	attempts map[string]*attempt

	limit  int
	window time.Duration

	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewAuthThrottle builds a throttle allowing limit failures per windowLen
// per IP and starts its background sweep.
func NewAuthThrottle(windowLen time.Duration, limit int) *AuthThrottle {
	if windowLen <= 0 {
		windowLen = DefaultAuthWindow
	}
	if limit <= 0 {
		limit = DefaultAuthAttempts
	}
	t := &AuthThrottle{
		attempts: make(map[string]*attempt),
		limit:    limit,
		window:   windowLen,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	go t.sweep()
	return t
}

// Blocked reports whether ip has exhausted its failure budget, and if so
// how many seconds remain until the window resets. Checking does not count
// an attempt.
func (t *AuthThrottle) Blocked(ip string) (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a := t.attempts[ip]
	if a == nil {
		return false, 0
	}
	now := t.now()
	if !now.Before(a.resetAt) {
		delete(t.attempts, ip)
		return false, 0
	}
	if a.count >= t.limit {
		return true, ceilSeconds(a.resetAt.Sub(now))
	}
	return false, 0
}

// RecordFailure counts one failed authentication from ip. The first failure
// of a window fixes the window's reset time.
func (t *AuthThrottle) RecordFailure(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	a := t.attempts[ip]
	if a == nil || !now.Before(a.resetAt) {
		t.attempts[ip] = &attempt{count: 1, resetAt: now.Add(t.window)}
		return
	}
	a.count++
}

// Clear removes the failure record for ip. Called after a successful
// authentication.
func (t *AuthThrottle) Clear(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.attempts, ip)
}

// Stop cancels the background sweep.
func (t *AuthThrottle) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

func (t *AuthThrottle) sweep() {
	ticker := time.NewTicker(t.window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.mu.Lock()
			now := t.now()
			for ip, a := range t.attempts {
				if !now.Before(a.resetAt) {
					delete(t.attempts, ip)
				}
			}
			t.mu.Unlock()
		case <-t.stopCh:
			return
		}
	}
}
