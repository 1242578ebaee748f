// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package api contains the HTTP surface of the dbhive gateway: the auth
// endpoint, the MCP endpoint with its per-request routing, health, the API
// document, and the cross-cutting middlewares.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/dbhive/pkg/config"
	"github.com/stacklok/dbhive/pkg/db"
	"github.com/stacklok/dbhive/pkg/mcpserver"
	"github.com/stacklok/dbhive/pkg/ratelimit"
	"github.com/stacklok/dbhive/pkg/session"
	"github.com/stacklok/dbhive/pkg/telemetry"
	"github.com/stacklok/dbhive/pkg/tokens"
)

// authTimeout bounds the auth endpoint, which performs a credential probe
// against the database. The MCP endpoint is not wrapped: GET /mcp holds a
// long-lived event stream.
const authTimeout = 60 * time.Second

// Deps are the collaborators the HTTP surface routes between. All fields
// are required except Metrics, which may be nil.
type Deps struct {
	Tokens   *tokens.Manager
	Sessions *session.Manager
	Registry *db.Registry
	Factory  *mcpserver.Factory
	Limiter  *ratelimit.Limiter
	Throttle *ratelimit.AuthThrottle
	Metrics  *telemetry.Metrics
}

// Server is the gateway's HTTP surface. Construct with NewServer and mount
// via Handler.
type Server struct {
	cfg      *config.Config
	tokens   *tokens.Manager
	sessions *session.Manager
	registry *db.Registry
	factory  *mcpserver.Factory
	limiter  *ratelimit.Limiter
	throttle *ratelimit.AuthThrottle
	metrics  *telemetry.Metrics

	router chi.Router
}

// NewServer wires the endpoint set and middleware chain.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:      cfg,
		tokens:   deps.Tokens,
		sessions: deps.Sessions,
		registry: deps.Registry,
		factory:  deps.Factory,
		limiter:  deps.Limiter,
		throttle: deps.Throttle,
		metrics:  deps.Metrics,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.metricsMiddleware)
	r.Use(securityHeadersMiddleware)
	r.Use(s.corsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/openapi.json", s.handleOpenAPI)
	if cfg.MetricsEnabled && s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.With(middleware.Timeout(authTimeout)).Post("/auth", s.handleAuth)

	r.Route("/mcp", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.rateLimitMiddleware)
		r.Post("/", s.handleMCPPost)
		r.Get("/", s.handleMCPGet)
		r.Delete("/", s.handleMCPDelete)
	})

	s.router = r
	return s
}

// Handler returns the root handler for the gateway's listener.
func (s *Server) Handler() http.Handler {
	return s.router
}
