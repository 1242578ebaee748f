// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/dbhive/pkg/config"
	"github.com/stacklok/dbhive/pkg/db"
	"github.com/stacklok/dbhive/pkg/logger"
	"github.com/stacklok/dbhive/pkg/session"
)

// sessionHeader carries the MCP session id between client and server.
const sessionHeader = "Mcp-Session-Id"

// maxBodyBytes caps the MCP request body.
const maxBodyBytes = 4 << 20

// rpcMessage is the envelope subset the router needs before dispatching.
type rpcMessage struct {
	Method string          `json:"method"`
	ID     json.RawMessage `json:"id"`
}

// identity is the per-request routing decision: which database config and
// pool key serve this caller.
type identity struct {
	cfg     db.Config
	poolKey string
	token   string
}

// requestIdentity applies the auth-mode decision table. In required mode
// the pool key is the caller's token, so each authenticated user gets an
// isolated pool; the weak modes share the global pool.
func (s *Server) requestIdentity(r *http.Request) identity {
	if s.cfg.AuthMode == config.AuthRequired {
		sess := tokenSession(r.Context())
		return identity{cfg: sess.Config, poolKey: sess.Token, token: sess.Token}
	}
	return identity{cfg: s.cfg.DB, poolKey: db.GlobalKey, token: bearerToken(r.Context())}
}

// acceptsMCP checks the Accept header carries both content types the MCP
// HTTP transport can answer with.
func acceptsMCP(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json") &&
		strings.Contains(accept, "text/event-stream")
}

func (s *Server) handleMCPPost(w http.ResponseWriter, r *http.Request) {
	if !acceptsMCP(r) {
		writeError(w, http.StatusNotAcceptable, "not_acceptable",
			"Accept header must include application/json and text/event-stream")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, nil, rpcCodeBadRequest, "Failed to read request body")
		return
	}
	var msg rpcMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		writeRPCError(w, http.StatusBadRequest, nil, rpcCodeBadRequest, "Request body is not valid JSON")
		return
	}

	id := s.requestIdentity(r)
	if s.cfg.SessionMode == config.SessionStateless {
		s.dispatchStateless(w, r, id, body, msg)
		return
	}
	s.dispatchStateful(w, r, id, body, msg)
}

// dispatchStateful implements the session-mode POST algorithm: route to an
// existing session by header, create a session on initialize, reject the
// rest.
func (s *Server) dispatchStateful(w http.ResponseWriter, r *http.Request, id identity, body []byte, msg rpcMessage) {
	if sessionID := r.Header.Get(sessionHeader); sessionID != "" {
		sess, ok := s.sessions.Get(sessionID)
		if !ok || !s.sessions.Begin(sessionID) {
			writeRPCError(w, http.StatusNotFound, msg.ID, rpcCodeNoSession, "Session not found or expired")
			return
		}
		defer s.sessions.End(sessionID)

		w.Header().Set(sessionHeader, sessionID)
		resp := sess.Server.HandleMessage(r.Context(), sess.Transport, body)
		writeRPCMessage(w, resp)
		return
	}

	if msg.Method != string(mcp.MethodInitialize) {
		writeRPCError(w, http.StatusBadRequest, msg.ID, rpcCodeBadRequest,
			"Session ID required for non-initialize requests")
		return
	}

	if err := s.registry.Ensure(r.Context(), id.poolKey, id.cfg); err != nil {
		logger.Errorf("failed to open database pool: %v", err)
		writeRPCError(w, http.StatusInternalServerError, msg.ID, rpcCodeInternal, "Failed to open database pool")
		return
	}

	srv := s.factory.Create(id.cfg, id.poolKey)
	sessionID, transport, err := s.sessions.Create(r.Context(), srv, id.poolKey)
	if err != nil {
		// Roll back in inverse order: the server, then the pool. Only a
		// per-token pool is closed here; the global pool is shared with
		// live sessions and is closed exclusively at shutdown.
		if cerr := srv.Close(); cerr != nil {
			logger.Warnf("failed to close server during rollback: %v", cerr)
		}
		if id.poolKey != db.GlobalKey {
			s.registry.Close(id.poolKey)
		}
		logger.Errorf("failed to create mcp session: %v", err)
		writeRPCError(w, http.StatusInternalServerError, msg.ID, rpcCodeInternal, "Failed to create session")
		return
	}

	if s.cfg.AuthMode == config.AuthRequired {
		s.tokens.Attach(id.token, sessionID)
	}

	w.Header().Set(sessionHeader, sessionID)
	resp := srv.HandleMessage(r.Context(), transport, body)
	writeRPCMessage(w, resp)
}

// dispatchStateless serves one request on a throwaway server and transport.
// The pool is reused across requests: it belongs to the token in required
// mode and to the process in the weak modes, so it is never closed here.
func (s *Server) dispatchStateless(w http.ResponseWriter, r *http.Request, id identity, body []byte, msg rpcMessage) {
	if err := s.registry.Ensure(r.Context(), id.poolKey, id.cfg); err != nil {
		logger.Errorf("failed to open database pool: %v", err)
		writeRPCError(w, http.StatusInternalServerError, msg.ID, rpcCodeInternal, "Failed to open database pool")
		return
	}

	srv := s.factory.Create(id.cfg, id.poolKey)
	transport := session.NewTransport("")
	if err := srv.Connect(r.Context(), transport); err != nil {
		logger.Errorf("failed to connect stateless transport: %v", err)
		writeRPCError(w, http.StatusInternalServerError, msg.ID, rpcCodeInternal, "Failed to create session")
		return
	}
	defer func() {
		if err := transport.Close(); err != nil {
			logger.Warnf("failed to close stateless transport: %v", err)
		}
		if err := srv.Close(); err != nil {
			logger.Warnf("failed to close stateless server: %v", err)
		}
	}()

	resp := srv.HandleMessage(r.Context(), transport, body)
	writeRPCMessage(w, resp)
}

// handleMCPGet opens the server-sent event stream for an existing session.
func (s *Server) handleMCPGet(w http.ResponseWriter, r *http.Request) {
	if s.cfg.SessionMode == config.SessionStateless {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed",
			"Event streams require stateful session mode")
		return
	}
	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "Mcp-Session-Id header is required")
		return
	}
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		writeRPCError(w, http.StatusNotFound, nil, rpcCodeNoSession, "Session not found or expired")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "Streaming is not supported")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sess.Transport.Done():
			return
		case nt := <-sess.Transport.Notifications():
			data, err := json.Marshal(nt)
			if err != nil {
				logger.Warnf("failed to encode notification: %v", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleMCPDelete closes a session explicitly.
func (s *Server) handleMCPDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "Mcp-Session-Id header is required")
		return
	}
	if !s.sessions.Close(sessionID) {
		writeRPCError(w, http.StatusNotFound, nil, rpcCodeNoSession, "Session not found or expired")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "session_closed",
		"sessionId": sessionID,
	})
}

// writeRPCMessage writes a dispatch result. A nil message means the request
// was a notification; those are acknowledged with 202 and no body.
func writeRPCMessage(w http.ResponseWriter, resp mcp.JSONRPCMessage) {
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
