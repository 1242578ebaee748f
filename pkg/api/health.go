// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"
	"time"

	"github.com/stacklok/dbhive/pkg/config"
	"github.com/stacklok/dbhive/pkg/mcpserver"
	"github.com/stacklok/dbhive/pkg/session"
	"github.com/stacklok/dbhive/pkg/tokens"
	"github.com/stacklok/dbhive/pkg/versions"
)

type healthResponse struct {
	Status    string             `json:"status"`
	Timestamp string             `json:"timestamp"`
	Server    healthServerInfo   `json:"server"`
	Config    healthConfigInfo   `json:"config"`
	Sessions  healthSessionsInfo `json:"sessions"`
}

type healthServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type healthConfigInfo struct {
	AuthMode    config.AuthMode    `json:"authMode"`
	SessionMode config.SessionMode `json:"sessionMode"`
	TLSEnabled  bool               `json:"tlsEnabled"`
}

type healthSessionsInfo struct {
	Tokens *tokens.Stats `json:"tokens,omitempty"`
	MCP    session.Stats `json:"mcp"`
}

// handleHealth reports liveness plus the effective modes and session
// statistics. Token statistics only exist in required auth mode.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Server: healthServerInfo{
			Name:    mcpserver.ServerName,
			Version: versions.GetVersionInfo().Version,
		},
		Config: healthConfigInfo{
			AuthMode:    s.cfg.AuthMode,
			SessionMode: s.cfg.SessionMode,
			TLSEnabled:  s.cfg.TLSEnabled,
		},
		Sessions: healthSessionsInfo{
			MCP: s.sessions.Stats(),
		},
	}
	if s.cfg.AuthMode == config.AuthRequired {
		st := s.tokens.Stats()
		resp.Sessions.Tokens = &st
	}
	writeJSON(w, http.StatusOK, resp)
}
