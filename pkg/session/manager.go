// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session owns the MCP sessions of the HTTP transport: each couples
// a protocol server instance, a per-session transport, and request
// accounting, with idle eviction in the background.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/dbhive/pkg/logger"
)

// Idle eviction defaults.
const (
	DefaultStaleTimeout  = 30 * time.Minute
	DefaultSweepInterval = time.Minute
)

// ProtocolServer is the subset of the MCP protocol server the session
// manager drives. Implemented by mcpserver.Server; tests substitute stubs.
type ProtocolServer interface {
	Connect(ctx context.Context, t *Transport) error
	HandleMessage(ctx context.Context, t *Transport, raw json.RawMessage) mcp.JSONRPCMessage
	Close() error
}

// Session couples one protocol server instance with its transport and
// request-accounting state. ID, PoolKey, Server, Transport and CreatedAt are
// fixed at creation; the remaining fields are guarded by the manager lock.
type Session struct {
	ID        string
	PoolKey   string
	Server    ProtocolServer
	Transport *Transport
	CreatedAt time.Time

	lastAccessedAt time.Time
	activeRequests int
	isClosing      bool
}

// Stats summarises the session map.
type Stats struct {
	Total int `json:"total"`
	Stale int `json:"stale"`
}

// Manager owns the session map and the idle sweeper. Safe for concurrent
// use.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	staleTimeout  time.Duration
	sweepInterval time.Duration

	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager builds a session manager and starts its idle sweeper.
// Non-positive arguments select the defaults.
func NewManager(staleTimeout, sweepInterval time.Duration) *Manager {
	if staleTimeout <= 0 {
		staleTimeout = DefaultStaleTimeout
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	m := &Manager{
		sessions:      make(map[string]*Session),
		staleTimeout:  staleTimeout,
		sweepInterval: sweepInterval,
		now:           time.Now,
		stopCh:        make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Create mints a session id, builds the transport, connects the server to
// it, and stores the session. The transport's close hook tears the session
// down, so a transport closed from anywhere cleans up exactly once. On
// connect failure nothing is stored and the caller rolls back the server and
// pool it created.
func (m *Manager) Create(ctx context.Context, srv ProtocolServer, poolKey string) (string, *Transport, error) {
	id := uuid.NewString()
	t := NewTransport(id)
	t.OnClose(func() { m.Close(id) })

	if err := srv.Connect(ctx, t); err != nil {
		return "", nil, err
	}

	now := m.now()
	m.mu.Lock()
	m.sessions[id] = &Session{
		ID:             id,
		PoolKey:        poolKey,
		Server:         srv,
		Transport:      t,
		CreatedAt:      now,
		lastAccessedAt: now,
	}
	total := len(m.sessions)
	m.mu.Unlock()

	logger.Debugw("mcp session created", "session_id", id, "total_sessions", total)
	return id, t, nil
}

// Get returns the session for id unless it is absent or closing, and
// touches its last-accessed time.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || s.isClosing {
		return nil, false
	}
	s.lastAccessedAt = m.now()
	return s, true
}

// Begin counts an in-flight request against the session. Reports whether
// the session exists and is not closing.
func (m *Manager) Begin(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || s.isClosing {
		return false
	}
	s.activeRequests++
	s.lastAccessedAt = m.now()
	return true
}

// End releases an in-flight request. The counter never goes below zero.
func (m *Manager) End(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return
	}
	if s.activeRequests > 0 {
		s.activeRequests--
	}
	s.lastAccessedAt = m.now()
}

// ActiveRequests returns the in-flight request count for id.
func (m *Manager) ActiveRequests(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s.activeRequests
	}
	return 0
}

// Close tears down the session for id: the transport and the server each
// close at most once, errors are logged and swallowed, and the entry is
// removed. Returns false when the session is absent or already closing.
func (m *Manager) Close(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || s.isClosing {
		m.mu.Unlock()
		return false
	}
	s.isClosing = true
	m.mu.Unlock()

	// Transport.Close re-enters Close(id) through the close hook; the
	// isClosing mark above makes that re-entry a no-op.
	if err := s.Transport.Close(); err != nil {
		logger.Warnf("failed to close transport for session %s: %v", id, err)
	}
	if err := s.Server.Close(); err != nil {
		logger.Warnf("failed to close server for session %s: %v", id, err)
	}

	m.mu.Lock()
	delete(m.sessions, id)
	remaining := len(m.sessions)
	m.mu.Unlock()

	logger.Debugw("mcp session closed", "session_id", id, "total_sessions", remaining)
	return true
}

// CloseByPoolKey closes every session bound to the given pool key. Used by
// the token cleanup callback so a dying token takes its sessions with it.
// Returns how many sessions were closed.
func (m *Manager) CloseByPoolKey(key string) int {
	m.mu.Lock()
	ids := make([]string, 0)
	for id, s := range m.sessions {
		if s.PoolKey == key && !s.isClosing {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	closed := 0
	for _, id := range ids {
		if m.Close(id) {
			closed++
		}
	}
	return closed
}

// Stats counts sessions and how many are past the stale threshold.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	st := Stats{Total: len(m.sessions)}
	for _, s := range m.sessions {
		if now.Sub(s.lastAccessedAt) > m.staleTimeout {
			st.Stale++
		}
	}
	return st
}

// Stop cancels the sweeper and closes every session.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Close(id)
	}
	if len(ids) > 0 {
		logger.Infof("closed %d mcp sessions at shutdown", len(ids))
	}
}

// sweepStale closes idle sessions. A session with in-flight requests is
// never evicted regardless of its age. Returns how many were closed.
func (m *Manager) sweepStale() int {
	m.mu.Lock()
	now := m.now()
	ids := make([]string, 0)
	for id, s := range m.sessions {
		if !s.isClosing && s.activeRequests == 0 && now.Sub(s.lastAccessedAt) > m.staleTimeout {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	closed := 0
	for _, id := range ids {
		if m.Close(id) {
			closed++
		}
	}
	if closed > 0 {
		logger.Debugf("evicted %d stale mcp sessions", closed)
	}
	return closed
}

func (m *Manager) sweep() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepStale()
		case <-m.stopCh:
			return
		}
	}
}
