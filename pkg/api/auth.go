// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/dbhive/pkg/config"
	"github.com/stacklok/dbhive/pkg/db"
	"github.com/stacklok/dbhive/pkg/logger"
	"github.com/stacklok/dbhive/pkg/ratelimit"
	"github.com/stacklok/dbhive/pkg/tokens"
)

// authRequest is the POST /auth body. Optional fields are pointers so an
// explicitly supplied zero value can be told apart from an absent field.
type authRequest struct {
	Username string  `json:"username"`
	Password string  `json:"password"`
	Host     *string `json:"host"`
	Port     *int    `json:"port"`
	Database *string `json:"database"`
	Schema   *string `json:"schema"`
	Duration *int    `json:"duration"`
}

// authResponse is the 201 body, shaped like an OAuth token response.
type authResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	ExpiresAt   string `json:"expires_at"`
}

// handleAuth probes the supplied database credentials and mints a bearer
// token bound to them. Every failure before the probe clears counts against
// the caller's IP in the auth throttle.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	switch s.cfg.AuthMode {
	case config.AuthToken:
		writeError(w, http.StatusNotFound, "not_found",
			"Authentication uses a pre-shared token; /auth is disabled")
		return
	case config.AuthNone:
		writeError(w, http.StatusNotFound, "not_found",
			"Authentication is disabled; /auth is not available")
		return
	}

	ip := ratelimit.ClientIP(r, s.cfg.TrustProxy)
	if blocked, retryAfter := s.throttle.Blocked(ip); blocked {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeJSON(w, http.StatusTooManyRequests, errorBody{
			Error:            "too_many_requests",
			ErrorDescription: "Too many failed authentication attempts",
			RetryAfter:       retryAfter,
		})
		return
	}

	fail := func(status int, code, description string) {
		s.throttle.RecordFailure(ip)
		s.metrics.ObserveAuthFailure()
		writeError(w, status, code, description)
	}

	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(http.StatusBadRequest, "invalid_request", "Request body must be a JSON object")
		return
	}
	dbCfg, errDesc := s.mergeAuthRequest(&req)
	if errDesc != "" {
		fail(http.StatusBadRequest, "invalid_request", errDesc)
		return
	}

	// Probe the credentials with a single-use pool under a random transient
	// key, so concurrent /auth calls never collide and no partial pool
	// outlives the probe.
	probeKey := "auth-probe-" + uuid.NewString()
	err := s.registry.Ensure(r.Context(), probeKey, dbCfg)
	alive := err == nil && s.registry.Test(r.Context(), probeKey)
	s.registry.Close(probeKey)
	if !alive {
		if err != nil {
			logger.Debugw("credential probe failed", "error", err.Error())
		}
		fail(http.StatusUnauthorized, "invalid_credentials", "Database authentication failed")
		return
	}

	// Advisory pre-check; the authoritative one is inside Create.
	if !s.tokens.CanCreate() {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable",
			tokens.ErrSessionLimit.Error())
		return
	}

	var ttl time.Duration
	if req.Duration != nil {
		ttl = time.Duration(*req.Duration) * time.Second
	}
	res, err := s.tokens.Create(dbCfg, ttl)
	if err != nil {
		if errors.Is(err, tokens.ErrSessionLimit) {
			writeError(w, http.StatusServiceUnavailable, "service_unavailable", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to create session")
		return
	}

	s.throttle.Clear(ip)
	writeJSON(w, http.StatusCreated, authResponse{
		AccessToken: res.Token,
		TokenType:   "Bearer",
		ExpiresIn:   res.ExpiresIn,
		ExpiresAt:   res.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// mergeAuthRequest validates the request fields and merges them over the
// environment defaults. Returns the resulting config, or a non-empty error
// description for the 400 response.
func (s *Server) mergeAuthRequest(req *authRequest) (db.Config, string) {
	if req.Username == "" {
		return db.Config{}, "username is required"
	}

	var host string
	if req.Host != nil {
		if *req.Host == "" {
			return db.Config{}, "host must not be empty"
		}
		host = *req.Host
	}
	var port int
	if req.Port != nil {
		if !db.ValidPort(*req.Port) {
			return db.Config{}, "port must be between 1 and 65535"
		}
		port = *req.Port
	}
	var database, schema string
	if req.Database != nil {
		database = *req.Database
	}
	if req.Schema != nil {
		schema = *req.Schema
	}
	if req.Duration != nil && (*req.Duration < 1 || *req.Duration > 86400) {
		return db.Config{}, "duration must be between 1 and 86400 seconds"
	}

	cfg := s.cfg.DB.
		WithCredentials(req.Username, req.Password).
		WithOverrides(host, port, database, schema)
	if !db.ValidHost(cfg.Host) {
		return db.Config{}, "host is not a valid hostname or IPv4 address"
	}
	return cfg, ""
}
