// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/dbhive/pkg/db"
)

// fakeClock is a mutable clock for driving expiry without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// cleanupRecorder counts callback invocations per token.
type cleanupRecorder struct {
	mu    sync.Mutex
	calls map[string]int
}

func newCleanupRecorder() *cleanupRecorder {
	return &cleanupRecorder{calls: make(map[string]int)}
}

func (c *cleanupRecorder) fn(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[token]++
}

func (c *cleanupRecorder) count(token string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[token]
}

func (c *cleanupRecorder) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.calls {
		n += v
	}
	return n
}

func newTestManager(t *testing.T, maxSessions int, cleanup CleanupFunc) (*Manager, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	m := NewManager(maxSessions, time.Hour, cleanup)
	t.Cleanup(m.Stop)
	m.mu.Lock()
	m.now = clock.Now
	m.mu.Unlock()
	return m, clock
}

func testConfig() db.Config {
	return db.Config{
		Driver:   db.DriverMySQL,
		Host:     "db.example.com",
		Port:     3306,
		User:     "reader",
		Password: "hunter2",
		Database: "app",
	}
}

func TestCreateAndValidate(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, 10, nil)

	res, err := m.Create(testConfig(), 0)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)
	assert.Equal(t, 3600, res.ExpiresIn)

	s, err := m.Validate(res.Token)
	require.NoError(t, err)
	assert.Equal(t, res.Token, s.Token)
	assert.Equal(t, "reader", s.Config.User)
}

func TestTokenFormat(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, 10, nil)

	// 32 random bytes in the unpadded URL-safe alphabet come out at 43
	// characters.
	res, err := m.Create(testConfig(), 0)
	require.NoError(t, err)
	assert.Len(t, res.Token, 43)
	assert.NotContains(t, res.Token, "=")
	assert.NotContains(t, res.Token, "+")
	assert.NotContains(t, res.Token, "/")

	other, err := m.Create(testConfig(), 0)
	require.NoError(t, err)
	assert.NotEqual(t, res.Token, other.Token)
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()
	m, clock := newTestManager(t, 10, nil)

	_, err := m.Validate("")
	assert.ErrorIs(t, err, ErrInvalidFormat)

	_, err = m.Validate("no-such-token")
	assert.ErrorIs(t, err, ErrTokenNotFound)

	res, err := m.Create(testConfig(), 2*time.Second)
	require.NoError(t, err)

	clock.Advance(3 * time.Second)
	_, err = m.Validate(res.Token)
	assert.ErrorIs(t, err, ErrTokenExpired)

	// The expired entry was deleted, so a second validation reports not
	// found rather than expired.
	_, err = m.Validate(res.Token)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestExpiryFiresCleanupOnce(t *testing.T) {
	t.Parallel()
	rec := newCleanupRecorder()
	m, clock := newTestManager(t, 10, rec.fn)

	res, err := m.Create(testConfig(), time.Second)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	_, err = m.Validate(res.Token)
	require.ErrorIs(t, err, ErrTokenExpired)
	assert.Equal(t, 1, rec.count(res.Token))

	// Neither a revoke nor a sweep may fire the callback again.
	assert.False(t, m.Revoke(res.Token))
	m.sweepExpired()
	assert.Equal(t, 1, rec.count(res.Token))
}

func TestRevoke(t *testing.T) {
	t.Parallel()
	rec := newCleanupRecorder()
	m, _ := newTestManager(t, 10, rec.fn)

	res, err := m.Create(testConfig(), 0)
	require.NoError(t, err)

	assert.True(t, m.Revoke(res.Token))
	assert.Equal(t, 1, rec.count(res.Token))
	assert.False(t, m.Revoke(res.Token))
	assert.Equal(t, 1, rec.count(res.Token))

	_, err = m.Validate(res.Token)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestSweepExpired(t *testing.T) {
	t.Parallel()
	rec := newCleanupRecorder()
	m, clock := newTestManager(t, 10, rec.fn)

	short, err := m.Create(testConfig(), time.Second)
	require.NoError(t, err)
	long, err := m.Create(testConfig(), time.Hour)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, m.sweepExpired())
	assert.Equal(t, 1, rec.count(short.Token))
	assert.Equal(t, 0, rec.count(long.Token))

	st := m.Stats()
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, 1, st.Active)
}

func TestAttachLastWriteWins(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, 10, nil)

	res, err := m.Create(testConfig(), 0)
	require.NoError(t, err)

	assert.True(t, m.Attach(res.Token, "session-1"))
	assert.True(t, m.Attach(res.Token, "session-2"))

	s, err := m.Validate(res.Token)
	require.NoError(t, err)
	assert.Equal(t, "session-2", s.MCPSessionID)

	assert.False(t, m.Attach("no-such-token", "session-3"))
}

func TestSessionCapUnderConcurrentCreate(t *testing.T) {
	t.Parallel()
	const maxSessions = 2
	m, _ := newTestManager(t, maxSessions, nil)

	var created, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Create(testConfig(), 0)
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, ErrSessionLimit):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(maxSessions), created.Load())
	assert.Equal(t, int32(10-maxSessions), rejected.Load())
	assert.Equal(t, maxSessions, m.Stats().Total)
	assert.False(t, m.CanCreate())
}

func TestTTLClamping(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, 10, nil)

	res, err := m.Create(testConfig(), 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int(MaxTTL.Seconds()), res.ExpiresIn)

	res, err = m.Create(testConfig(), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExpiresIn)
}

func TestStopDrainsRemainingTokens(t *testing.T) {
	t.Parallel()
	rec := newCleanupRecorder()
	m, _ := newTestManager(t, 10, rec.fn)

	for i := 0; i < 3; i++ {
		_, err := m.Create(testConfig(), 0)
		require.NoError(t, err)
	}

	m.Stop()
	assert.Equal(t, 3, rec.total())
	assert.Equal(t, 0, m.Stats().Total)

	// Stop is idempotent and must not fire callbacks twice.
	m.Stop()
	assert.Equal(t, 3, rec.total())
}
