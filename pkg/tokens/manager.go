// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tokens implements the bearer-token manager for the gateway's
// required auth mode: minting, validation, revocation, expiry, and the
// cleanup callback that releases the token's database pool.
package tokens

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stacklok/dbhive/pkg/db"
	"github.com/stacklok/dbhive/pkg/logger"
)

// Token sizing and lifetime bounds.
const (
	tokenBytes = 32 // 256 bits of entropy

	// MinTTL and MaxTTL clamp every requested token lifetime.
	MinTTL = time.Second
	MaxTTL = 24 * time.Hour

	sweepInterval = time.Minute
)

// Validation and admission errors. The texts are client-facing: the HTTP
// layer returns them verbatim in OAuth-style error bodies.
var (
	ErrInvalidFormat = errors.New("Invalid token format")         //nolint:staticcheck // client-facing text
	ErrTokenNotFound = errors.New("Token not found or expired")   //nolint:staticcheck // client-facing text
	ErrTokenExpired  = errors.New("Token expired")                //nolint:staticcheck // client-facing text
	ErrSessionLimit  = errors.New("maximum concurrent sessions reached")
)

// Session is the state bound to one issued token.
type Session struct {
	Token        string
	Config       db.Config
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastUsedAt   time.Time
	MCPSessionID string
}

// CreateResult is returned from Create and echoed by the auth endpoint.
type CreateResult struct {
	Token     string
	ExpiresIn int
	ExpiresAt time.Time
}

// Stats summarises the token map.
type Stats struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Expired int `json:"expired"`
}

// CleanupFunc is invoked exactly once per token, when the token dies by
// expiry, revocation, or shutdown. The gateway uses it to close the token's
// sessions and database pool.
type CleanupFunc func(token string)

// Manager owns the token map. The cleanup callback is fixed at
// construction so no registration path can fire it twice. Safe for
// concurrent use.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	maxSessions int
	defaultTTL  time.Duration
	cleanup     CleanupFunc

	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager builds a manager capped at maxSessions tokens with the given
// default lifetime and starts the expiry sweeper. cleanup may be nil.
func NewManager(maxSessions int, defaultTTL time.Duration, cleanup CleanupFunc) *Manager {
	m := &Manager{
		sessions:    make(map[string]*Session),
		maxSessions: maxSessions,
		defaultTTL:  clampTTL(defaultTTL),
		cleanup:     cleanup,
		now:         time.Now,
		stopCh:      make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Create mints a token bound to cfg. The session-cap check and the
// insertion happen under one lock acquisition, so concurrent Create calls
// can never push the map past maxSessions. A non-positive ttl selects the
// default lifetime.
func (m *Manager) Create(cfg db.Config, ttl time.Duration) (*CreateResult, error) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	ttl = clampTTL(ttl)

	token, err := mintToken()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		return nil, ErrSessionLimit
	}
	now := m.now()
	expiresAt := now.Add(ttl)
	m.sessions[token] = &Session{
		Token:      token,
		Config:     cfg,
		CreatedAt:  now,
		ExpiresAt:  expiresAt,
		LastUsedAt: now,
	}
	total := len(m.sessions)
	m.mu.Unlock()

	// The username stays out of this record.
	logger.Infow("token session created",
		"expires_in_seconds", int(ttl.Seconds()),
		"total_sessions", total,
	)

	return &CreateResult{
		Token:     token,
		ExpiresIn: int(ttl.Seconds()),
		ExpiresAt: expiresAt,
	}, nil
}

// Validate looks up a token. An expired token is deleted and its cleanup
// callback fired before the error returns. On success the session's
// last-used time is updated and a snapshot of the session is returned.
func (m *Manager) Validate(token string) (*Session, error) {
	if token == "" {
		return nil, ErrInvalidFormat
	}

	m.mu.Lock()
	s, ok := m.sessions[token]
	if !ok {
		m.mu.Unlock()
		return nil, ErrTokenNotFound
	}
	now := m.now()
	if now.After(s.ExpiresAt) {
		delete(m.sessions, token)
		m.mu.Unlock()
		m.fireCleanup(token)
		return nil, ErrTokenExpired
	}
	s.LastUsedAt = now
	snapshot := *s
	m.mu.Unlock()

	return &snapshot, nil
}

// Revoke deletes a token and fires its cleanup callback. Reports whether
// the token existed.
func (m *Manager) Revoke(token string) bool {
	m.mu.Lock()
	_, ok := m.sessions[token]
	if ok {
		delete(m.sessions, token)
	}
	m.mu.Unlock()

	if ok {
		m.fireCleanup(token)
	}
	return ok
}

// Attach records the MCP session id bound to a token. Repeat calls
// overwrite: last write wins. Reports whether the token existed.
func (m *Manager) Attach(token, mcpSessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[token]
	if !ok {
		return false
	}
	s.MCPSessionID = mcpSessionID
	return true
}

// CanCreate is the advisory admission pre-check. The authoritative check
// lives inside Create; this one only lets the HTTP layer answer 503 before
// doing any work.
func (m *Manager) CanCreate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions) < m.maxSessions
}

// Stats counts total, active, and expired-but-not-yet-swept tokens.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	st := Stats{Total: len(m.sessions)}
	for _, s := range m.sessions {
		if now.After(s.ExpiresAt) {
			st.Expired++
		} else {
			st.Active++
		}
	}
	return st
}

// Stop cancels the sweeper, fires the cleanup callback for every remaining
// token, and clears the map.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	remaining := make([]string, 0, len(m.sessions))
	for token := range m.sessions {
		remaining = append(remaining, token)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, token := range remaining {
		m.fireCleanup(token)
	}
	if len(remaining) > 0 {
		logger.Infof("released %d token sessions at shutdown", len(remaining))
	}
}

// fireCleanup runs the callback outside the manager lock. Callers must have
// already removed the token from the map; map removal is what makes the
// callback fire exactly once per token.
func (m *Manager) fireCleanup(token string) {
	if m.cleanup != nil {
		m.cleanup(token)
	}
}

// sweepExpired deletes every expired token and fires their callbacks.
// Returns how many tokens were swept.
func (m *Manager) sweepExpired() int {
	m.mu.Lock()
	now := m.now()
	expired := make([]string, 0)
	for token, s := range m.sessions {
		if now.After(s.ExpiresAt) {
			expired = append(expired, token)
			delete(m.sessions, token)
		}
	}
	m.mu.Unlock()

	for _, token := range expired {
		m.fireCleanup(token)
	}
	if len(expired) > 0 {
		logger.Debugf("swept %d expired token sessions", len(expired))
	}
	return len(expired)
}

func (m *Manager) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepExpired()
		case <-m.stopCh:
			return
		}
	}
}

// mintToken returns a fresh 256-bit random token in the URL-safe base64
// alphabet without padding.
func mintToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func clampTTL(ttl time.Duration) time.Duration {
	if ttl < MinTTL {
		return MinTTL
	}
	if ttl > MaxTTL {
		return MaxTTL
	}
	return ttl
}
