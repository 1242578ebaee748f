// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package gateway assembles the dbhive components and runs the configured
// transports. It owns construction order and shutdown order; everything else
// is delegated to the component packages.
package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/dbhive/pkg/api"
	"github.com/stacklok/dbhive/pkg/config"
	"github.com/stacklok/dbhive/pkg/db"
	"github.com/stacklok/dbhive/pkg/logger"
	"github.com/stacklok/dbhive/pkg/mcpserver"
	"github.com/stacklok/dbhive/pkg/ratelimit"
	"github.com/stacklok/dbhive/pkg/session"
	"github.com/stacklok/dbhive/pkg/telemetry"
	"github.com/stacklok/dbhive/pkg/tokens"
)

// HTTP server timeouts. The write timeout is deliberately zero: GET /mcp
// holds a long-lived event stream that a write deadline would sever.
const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	idleTimeout       = 120 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Gateway wires the component graph and serves the configured transports.
type Gateway struct {
	cfg      *config.Config
	registry *db.Registry
	sessions *session.Manager
	tokens   *tokens.Manager
	limiter  *ratelimit.Limiter
	throttle *ratelimit.AuthThrottle
	metrics  *telemetry.Metrics
	factory  *mcpserver.Factory
	api      *api.Server
}

// New builds the full component graph from the configuration. Nothing
// listens yet; call Run.
func New(cfg *config.Config) *Gateway {
	g := &Gateway{cfg: cfg}

	g.limiter = ratelimit.NewLimiter(cfg.RateLimitWindow, cfg.RateLimitMax, cfg.RateLimitEnabled)
	g.throttle = ratelimit.NewAuthThrottle(ratelimit.DefaultAuthWindow, ratelimit.DefaultAuthAttempts)
	g.registry = db.NewRegistry(db.Open)
	g.sessions = session.NewManager(0, 0)

	// A dying token takes its sessions down first, then its pool, so no
	// session ever dispatches against a closed pool.
	g.tokens = tokens.NewManager(cfg.MaxSessions, cfg.TokenExpiry, func(token string) {
		g.sessions.CloseByPoolKey(token)
		g.registry.Close(token)
	})

	if cfg.MetricsEnabled {
		g.metrics = telemetry.New(
			func() float64 { return float64(g.sessions.Stats().Total) },
			func() float64 { return float64(g.tokens.Stats().Total) },
		)
	}

	g.factory = mcpserver.NewFactory(g.registry, cfg.QueryDefaultLimit, cfg.QueryMaxLimit)
	g.api = api.NewServer(cfg, api.Deps{
		Tokens:   g.tokens,
		Sessions: g.sessions,
		Registry: g.registry,
		Factory:  g.factory,
		Limiter:  g.limiter,
		Throttle: g.throttle,
		Metrics:  g.metrics,
	})
	return g
}

// Run serves the configured transports until ctx is cancelled or a transport
// fails, then tears the components down in inverse construction order.
func (g *Gateway) Run(ctx context.Context) error {
	defer g.stopComponents()

	switch {
	case g.cfg.Transport == config.TransportBoth:
		eg, egCtx := errgroup.WithContext(ctx)
		eg.Go(func() error { return g.serveHTTP(egCtx) })
		eg.Go(func() error { return g.serveStdio(egCtx) })
		return eg.Wait()
	case g.cfg.HTTPEnabled():
		return g.serveHTTP(ctx)
	default:
		return g.serveStdio(ctx)
	}
}

// stopComponents drains sessions and tokens and closes every pool. The order
// matters: sessions before tokens so session teardown never races the token
// cleanup callbacks, pools last so nothing dispatches against a closed pool.
func (g *Gateway) stopComponents() {
	g.sessions.Stop()
	g.tokens.Stop()
	g.registry.CloseAll()
	g.limiter.Stop()
	g.throttle.Stop()
}

func (g *Gateway) serveHTTP(ctx context.Context) error {
	addr := net.JoinHostPort(g.cfg.HTTPHost, strconv.Itoa(g.cfg.HTTPPort))
	srv := &http.Server{
		Addr:              addr,
		Handler:           g.api.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		IdleTimeout:       idleTimeout,
	}

	if g.cfg.TLSEnabled {
		cert, err := tls.LoadX509KeyPair(g.cfg.TLSCertPath, g.cfg.TLSKeyPath)
		if err != nil {
			return fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		srv.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	} else if !isLoopback(g.cfg.HTTPHost) {
		logger.Warnf("serving plain HTTP on non-loopback host %s; tokens travel unencrypted", g.cfg.HTTPHost)
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if g.cfg.TLSEnabled {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	logger.Infow("HTTP transport listening",
		"addr", addr,
		"tls", g.cfg.TLSEnabled,
		"authMode", string(g.cfg.AuthMode),
		"sessionMode", string(g.cfg.SessionMode),
	)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("HTTP shutdown did not drain cleanly: %v", err)
		}
		return <-errCh
	}
}

// serveStdio runs the MCP stdio transport against the shared global pool.
func (g *Gateway) serveStdio(ctx context.Context) error {
	if err := g.registry.Ensure(ctx, db.GlobalKey, g.cfg.DB); err != nil {
		return fmt.Errorf("failed to open database pool: %w", err)
	}

	srv := g.factory.Create(g.cfg.DB, db.GlobalKey)
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Warnf("failed to close stdio server: %v", err)
		}
	}()

	logger.Infow("stdio transport listening", "driver", g.cfg.DB.Driver)

	err := server.NewStdioServer(srv.MCP()).Listen(ctx, os.Stdin, os.Stdout)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// isLoopback reports whether host names the local machine, by address or by
// the conventional name.
func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
