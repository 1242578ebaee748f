// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"

	"github.com/stacklok/dbhive/pkg/mcpserver"
	"github.com/stacklok/dbhive/pkg/versions"
)

// handleOpenAPI serves a hand-assembled OpenAPI 3.0 document for the fixed
// endpoint set, with the request's effective base URL filled in.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	doc := map[string]any{
		"openapi": "3.0.3",
		"info": map[string]any{
			"title":       mcpserver.ServerName,
			"description": "MCP gateway exposing read-only database access over JSON-RPC",
			"version":     versions.GetVersionInfo().Version,
		},
		"servers": []map[string]any{
			{"url": scheme + "://" + r.Host},
		},
		"paths": map[string]any{
			"/auth": map[string]any{
				"post": map[string]any{
					"summary": "Exchange database credentials for a bearer token",
					"requestBody": map[string]any{
						"required": true,
						"content": map[string]any{
							"application/json": map[string]any{
								"schema": map[string]any{
									"type":     "object",
									"required": []string{"username", "password"},
									"properties": map[string]any{
										"username": map[string]any{"type": "string"},
										"password": map[string]any{"type": "string"},
										"host":     map[string]any{"type": "string"},
										"port":     map[string]any{"type": "integer", "minimum": 1, "maximum": 65535},
										"database": map[string]any{"type": "string"},
										"schema":   map[string]any{"type": "string"},
										"duration": map[string]any{"type": "integer", "minimum": 1, "maximum": 86400},
									},
								},
							},
						},
					},
					"responses": map[string]any{
						"201": map[string]any{"description": "Token created"},
						"400": map[string]any{"description": "Invalid request"},
						"401": map[string]any{"description": "Invalid credentials"},
						"429": map[string]any{"description": "Too many failed attempts"},
						"503": map[string]any{"description": "Session limit reached"},
					},
				},
			},
			"/mcp": map[string]any{
				"post": map[string]any{
					"summary":     "Dispatch an MCP JSON-RPC request",
					"description": "Carries a JSON-RPC 2.0 envelope. Stateful sessions echo the Mcp-Session-Id header.",
					"responses": map[string]any{
						"200": map[string]any{"description": "JSON-RPC response"},
						"202": map[string]any{"description": "Notification accepted"},
						"404": map[string]any{"description": "Session not found"},
					},
				},
				"get": map[string]any{
					"summary": "Open the server-sent event stream for a session",
					"responses": map[string]any{
						"200": map[string]any{"description": "Event stream"},
					},
				},
				"delete": map[string]any{
					"summary": "Close a session",
					"responses": map[string]any{
						"200": map[string]any{"description": "Session closed"},
					},
				},
			},
			"/health": map[string]any{
				"get": map[string]any{
					"summary": "Liveness and statistics",
					"responses": map[string]any{
						"200": map[string]any{"description": "Health report"},
					},
				},
			},
		},
	}
	writeJSON(w, http.StatusOK, doc)
}
