// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package mcpserver implements the MCP protocol server for dbhive: a
// mark3labs/mcp-go server carrying the fixed set of read-only database
// tools, plus the SQL validator that keeps them read-only.
package mcpserver

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/stacklok/dbhive/pkg/db"
	"github.com/stacklok/dbhive/pkg/session"
	"github.com/stacklok/dbhive/pkg/versions"
)

// ServerName is reported in the MCP initialize response and /health.
const ServerName = "dbhive"

// Factory builds protocol server instances. One instance serves one MCP
// session (or one stateless request); all instances resolve their database
// pool from the shared registry at call time.
type Factory struct {
	registry     *db.Registry
	defaultLimit int
	maxLimit     int
}

// NewFactory builds a factory over the given pool registry and row-limit
// policy.
func NewFactory(registry *db.Registry, defaultLimit, maxLimit int) *Factory {
	return &Factory{
		registry:     registry,
		defaultLimit: defaultLimit,
		maxLimit:     maxLimit,
	}
}

// Create builds a fresh protocol server whose tools execute against the
// pool stored under poolKey. cfg supplies the dialect and default schema for
// the catalog tools; the pool itself is looked up per call, so a pool torn
// down mid-session surfaces as a tool error rather than a stale reference.
func (f *Factory) Create(cfg db.Config, poolKey string) *Server {
	mcpServer := server.NewMCPServer(
		ServerName,
		versions.GetVersionInfo().Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	registerTools(mcpServer, &toolDeps{
		registry:     f.registry,
		cfg:          cfg,
		poolKey:      poolKey,
		defaultLimit: f.defaultLimit,
		maxLimit:     f.maxLimit,
	})
	return &Server{mcp: mcpServer}
}

// Server wraps one mcp-go server instance and the client session connected
// to it.
type Server struct {
	mcp *server.MCPServer

	mu        sync.Mutex
	sessionID string

	closeOnce sync.Once
}

var _ session.ProtocolServer = (*Server)(nil)

// Connect registers the transport as this server's client session.
func (s *Server) Connect(ctx context.Context, t *session.Transport) error {
	if err := s.mcp.RegisterSession(ctx, t); err != nil {
		return err
	}
	s.mu.Lock()
	s.sessionID = t.SessionID()
	s.mu.Unlock()
	return nil
}

// HandleMessage dispatches one raw JSON-RPC message on behalf of the given
// transport. A nil return means the message was a notification and produces
// no response body.
func (s *Server) HandleMessage(ctx context.Context, t *session.Transport, raw json.RawMessage) mcp.JSONRPCMessage {
	ctx = s.mcp.WithContext(ctx, t)
	return s.mcp.HandleMessage(ctx, raw)
}

// Close unregisters the connected session. Safe to call multiple times;
// only the first call has any effect.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		id := s.sessionID
		s.mu.Unlock()
		if id != "" {
			s.mcp.UnregisterSession(context.Background(), id)
		}
	})
	return nil
}

// MCP exposes the underlying mcp-go server for the stdio transport.
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}
