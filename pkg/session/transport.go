// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"sync"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// notificationBuffer bounds the per-session notification channel. A slow
// SSE consumer drops notifications rather than blocking tool handlers.
const notificationBuffer = 64

// Transport is the per-session client surface handed to the MCP server. It
// implements mcp-go's server.ClientSession so the protocol server can route
// notifications to it, and adds the close semantics the session manager
// needs: an idempotent Close, a close hook, and a done channel for streams.
//
// A stateless request uses a Transport with an empty id; such a transport is
// never registered with the session manager.
type Transport struct {
	id            string
	notifications chan mcp.JSONRPCNotification
	initialized   atomic.Bool

	hookMu    sync.Mutex
	closeHook func()

	closed atomic.Bool
	done   chan struct{}
}

var _ server.ClientSession = (*Transport)(nil)

// NewTransport builds a transport that emits the given session id.
func NewTransport(id string) *Transport {
	return &Transport{
		id:            id,
		notifications: make(chan mcp.JSONRPCNotification, notificationBuffer),
		done:          make(chan struct{}),
	}
}

// SessionID implements server.ClientSession.
func (t *Transport) SessionID() string {
	return t.id
}

// Initialize implements server.ClientSession.
func (t *Transport) Initialize() {
	t.initialized.Store(true)
}

// Initialized implements server.ClientSession.
func (t *Transport) Initialized() bool {
	return t.initialized.Load()
}

// NotificationChannel implements server.ClientSession. The protocol server
// sends server-to-client notifications here.
func (t *Transport) NotificationChannel() chan<- mcp.JSONRPCNotification {
	return t.notifications
}

// Notifications is the receive side of the notification channel, consumed by
// the SSE stream handler.
func (t *Transport) Notifications() <-chan mcp.JSONRPCNotification {
	return t.notifications
}

// OnClose registers the hook run when the transport closes. The session
// manager uses it to tear down the owning session; it runs at most once.
func (t *Transport) OnClose(fn func()) {
	t.hookMu.Lock()
	t.closeHook = fn
	t.hookMu.Unlock()
}

// Close marks the transport closed and runs the close hook. Safe to call
// multiple times; only the first call has any effect. The closed mark is a
// CAS rather than a sync.Once: the hook tears down the owning session, which
// closes the transport again on the same goroutine, and that re-entrant call
// must return immediately instead of waiting on itself.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(t.done)
	t.hookMu.Lock()
	hook := t.closeHook
	t.hookMu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

// Done is closed when the transport closes. Stream handlers select on it to
// end their response.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}
