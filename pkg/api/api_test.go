// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/dbhive/pkg/config"
	"github.com/stacklok/dbhive/pkg/db"
	"github.com/stacklok/dbhive/pkg/mcpserver"
	"github.com/stacklok/dbhive/pkg/ratelimit"
	"github.com/stacklok/dbhive/pkg/session"
	"github.com/stacklok/dbhive/pkg/tokens"
)

const goodPassword = "correct-horse"

// fakePool satisfies db.Pool without a database. Closes are counted so
// tests can pin the close-exactly-once invariants.
type fakePool struct {
	closes atomic.Int32
}

func (*fakePool) Execute(context.Context, string, []any, int) (*db.Result, error) {
	return &db.Result{Columns: []string{"ok"}, Rows: [][]any{{1}}, RowCount: 1}, nil
}

func (*fakePool) Probe(context.Context) bool { return true }

func (f *fakePool) Close() error {
	f.closes.Add(1)
	return nil
}

// fakeOpener accepts only goodPassword and records every pool it built.
type fakeOpener struct {
	mu    sync.Mutex
	pools []*fakePool
	opens int
}

func (f *fakeOpener) open(_ context.Context, cfg db.Config) (db.Pool, error) {
	if cfg.Password != goodPassword {
		return nil, errors.New("access denied")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	p := &fakePool{}
	f.pools = append(f.pools, p)
	return p, nil
}

func (f *fakeOpener) totalCloses() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.pools {
		n += int(p.closes.Load())
	}
	return n
}

type testEnv struct {
	cfg      *config.Config
	tokens   *tokens.Manager
	sessions *session.Manager
	registry *db.Registry
	throttle *ratelimit.AuthThrottle
	opener   *fakeOpener
	server   *httptest.Server
}

// newTestEnv wires real components over fake pools, in the same order the
// gateway does, and serves them through httptest.
func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := &config.Config{
		DB: db.Config{
			Driver:   db.DriverMySQL,
			Host:     "db.example.com",
			Port:     3306,
			User:     "svc",
			Password: goodPassword,
			Database: "app",
		},
		SessionMode:       config.SessionStateful,
		MaxSessions:       100,
		TokenExpiry:       time.Hour,
		AuthMode:          config.AuthNone,
		RateLimitEnabled:  true,
		RateLimitWindow:   15 * time.Minute,
		RateLimitMax:      1000,
		RateLimitKey:      config.RateKeyGlobal,
		QueryDefaultLimit: 1000,
		QueryMaxLimit:     10000,
	}
	if mutate != nil {
		mutate(cfg)
	}

	opener := &fakeOpener{}
	registry := db.NewRegistry(opener.open)
	sessions := session.NewManager(0, 0)
	tokenMgr := tokens.NewManager(cfg.MaxSessions, cfg.TokenExpiry, func(token string) {
		sessions.CloseByPoolKey(token)
		registry.Close(token)
	})
	limiter := ratelimit.NewLimiter(cfg.RateLimitWindow, cfg.RateLimitMax, cfg.RateLimitEnabled)
	throttle := ratelimit.NewAuthThrottle(ratelimit.DefaultAuthWindow, ratelimit.DefaultAuthAttempts)

	srv := NewServer(cfg, Deps{
		Tokens:   tokenMgr,
		Sessions: sessions,
		Registry: registry,
		Factory:  mcpserver.NewFactory(registry, cfg.QueryDefaultLimit, cfg.QueryMaxLimit),
		Limiter:  limiter,
		Throttle: throttle,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		sessions.Stop()
		tokenMgr.Stop()
		registry.CloseAll()
		limiter.Stop()
		throttle.Stop()
	})

	return &testEnv{
		cfg:      cfg,
		tokens:   tokenMgr,
		sessions: sessions,
		registry: registry,
		throttle: throttle,
		opener:   opener,
		server:   ts,
	}
}

// do sends a request with MCP-compatible defaults and returns the response.
func (e *testEnv) do(t *testing.T, method, path, token, sessionID string, body any) *http.Response {
	t.Helper()

	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.server.URL+path, payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}
	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func initializeBody(id int) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": "2025-03-26",
			"capabilities":    map[string]any{},
			"clientInfo":      map[string]any{"name": "test", "version": "0.0.1"},
		},
	}
}

func toolsCallBody(id int) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      "query",
			"arguments": map[string]any{"sql": "SELECT 1"},
		},
	}
}

// initialize runs the handshake and returns the minted session id.
func (e *testEnv) initialize(t *testing.T, token string) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/mcp", token, "", initializeBody(1))
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := resp.Header.Get(sessionHeader)
	require.NotEmpty(t, id)
	return id
}

func authBody(username, password string, extra map[string]any) map[string]any {
	body := map[string]any{"username": username, "password": password}
	for k, v := range extra {
		body[k] = v
	}
	return body
}

func TestStatefulSessionLifecycle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	sessionID := env.initialize(t, "")
	assert.Equal(t, 1, env.sessions.Stats().Total)

	// Three concurrent calls against the session all dispatch; the request
	// accounting drains back to zero.
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp := env.do(t, http.MethodPost, "/mcp", "", sessionID, toolsCallBody(10+i))
			defer resp.Body.Close()
			assert.Equal(t, http.StatusOK, resp.StatusCode)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, env.sessions.ActiveRequests(sessionID))

	// Explicit close, then the session is gone.
	resp := env.do(t, http.MethodDelete, "/mcp", "", sessionID, nil)
	body := decodeBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "session_closed", body["status"])
	assert.Equal(t, sessionID, body["sessionId"])

	resp = env.do(t, http.MethodPost, "/mcp", "", sessionID, toolsCallBody(20))
	body = decodeBody(t, resp)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	rpcErr := body["error"].(map[string]any)
	assert.EqualValues(t, rpcCodeNoSession, rpcErr["code"])
}

func TestStatefulRequiresSessionID(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodPost, "/mcp", "", "", toolsCallBody(1))
	body := decodeBody(t, resp)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	rpcErr := body["error"].(map[string]any)
	assert.EqualValues(t, rpcCodeBadRequest, rpcErr["code"])
	assert.Contains(t, rpcErr["message"], "Session ID required")
}

func TestConcurrentInitializeSharesGlobalPool(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	var ids [2]string
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = env.initialize(t, "")
		}(i)
	}
	wg.Wait()

	// One shared pool, not one per session.
	env.opener.mu.Lock()
	opens := env.opener.opens
	env.opener.mu.Unlock()
	assert.Equal(t, 1, opens)

	// Closing one session must not take the global pool with it; the other
	// session keeps working.
	resp := env.do(t, http.MethodDelete, "/mcp", "", ids[0], nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, env.opener.totalCloses())

	resp = env.do(t, http.MethodPost, "/mcp", "", ids[1], toolsCallBody(2))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatelessMode(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(c *config.Config) { c.SessionMode = config.SessionStateless })

	// GET has no stream to offer without sessions.
	resp := env.do(t, http.MethodGet, "/mcp", "", "", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	// POST succeeds without any session header and leaves no session behind.
	resp = env.do(t, http.MethodPost, "/mcp", "", "", initializeBody(1))
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get(sessionHeader))
	assert.Equal(t, 0, env.sessions.Stats().Total)

	resp2 := env.do(t, http.MethodPost, "/mcp", "", "", toolsCallBody(2))
	resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Equal(t, 0, env.sessions.Stats().Total)
}

func TestAcceptHeaderIsRequired(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	raw, err := json.Marshal(initializeBody(1))
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/mcp", bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := env.server.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotAcceptable, resp.StatusCode)
}

func TestAuthFlowRequiredMode(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(c *config.Config) { c.AuthMode = config.AuthRequired })

	// No token: 401.
	resp := env.do(t, http.MethodPost, "/mcp", "", "", initializeBody(1))
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Mint a token with valid credentials.
	resp = env.do(t, http.MethodPost, "/auth", "", "", authBody("alice", goodPassword, nil))
	body := decodeBody(t, resp)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	token := body["access_token"].(string)
	assert.Equal(t, "Bearer", body["token_type"])
	assert.EqualValues(t, 3600, body["expires_in"])

	// The credential probe used a transient single-use pool.
	assert.Equal(t, 1, env.opener.totalCloses())

	// The token opens a per-token pool on first use and attaches the
	// session id.
	sessionID := env.initialize(t, token)
	sess, err := env.tokens.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, sessionID, sess.MCPSessionID)

	resp = env.do(t, http.MethodPost, "/mcp", token, sessionID, toolsCallBody(2))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTokenDeathCascadesToSessionAndPool(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(c *config.Config) { c.AuthMode = config.AuthRequired })

	resp := env.do(t, http.MethodPost, "/auth", "", "", authBody("alice", goodPassword, nil))
	body := decodeBody(t, resp)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	token := body["access_token"].(string)
	probeCloses := env.opener.totalCloses()

	sessionID := env.initialize(t, token)

	// Revoking the token closes its session and its pool exactly once.
	require.True(t, env.tokens.Revoke(token))
	assert.Equal(t, 0, env.sessions.Stats().Total)
	assert.Equal(t, probeCloses+1, env.opener.totalCloses())

	// The old token is dead at the HTTP surface.
	resp = env.do(t, http.MethodPost, "/mcp", token, sessionID, toolsCallBody(2))
	respBody := decodeBody(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_token", respBody["error"])
}

func TestAuthRejectsBadCredentials(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(c *config.Config) { c.AuthMode = config.AuthRequired })

	resp := env.do(t, http.MethodPost, "/auth", "", "", authBody("alice", "wrong", nil))
	body := decodeBody(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_credentials", body["error"])
}

func TestAuthValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(c *config.Config) { c.AuthMode = config.AuthRequired })

	for name, body := range map[string]map[string]any{
		"missing username": {"password": "x"},
		"empty host":       authBody("alice", goodPassword, map[string]any{"host": ""}),
		"bad host":         authBody("alice", goodPassword, map[string]any{"host": "not valid!"}),
		"port too large":   authBody("alice", goodPassword, map[string]any{"port": 70000}),
		"zero duration":    authBody("alice", goodPassword, map[string]any{"duration": 0}),
		"huge duration":    authBody("alice", goodPassword, map[string]any{"duration": 100000}),
	} {
		resp := env.do(t, http.MethodPost, "/auth", "", "", body)
		out := decodeBody(t, resp)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "case %q", name)
		assert.Equal(t, "invalid_request", out["error"], "case %q", name)

		// Each rejection counts as a failed attempt; reset the budget so the
		// cases past the fifth still see the validation error, not a 429.
		env.throttle.Clear("127.0.0.1")
	}
}

func TestBruteForceLockout(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(c *config.Config) { c.AuthMode = config.AuthRequired })

	// Five failures are answered 401; the sixth trips the throttle.
	for i := 0; i < 5; i++ {
		resp := env.do(t, http.MethodPost, "/auth", "", "", authBody("alice", "wrong", nil))
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "attempt %d", i+1)
	}
	resp := env.do(t, http.MethodPost, "/auth", "", "", authBody("alice", "wrong", nil))
	body := decodeBody(t, resp)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	retry, ok := body["retry_after"].(float64)
	require.True(t, ok)
	assert.LessOrEqual(t, retry, float64(60))
	assert.Positive(t, retry)
}

func TestSuccessfulAuthClearsThrottle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(c *config.Config) { c.AuthMode = config.AuthRequired })

	for i := 0; i < 4; i++ {
		resp := env.do(t, http.MethodPost, "/auth", "", "", authBody("alice", "wrong", nil))
		resp.Body.Close()
	}
	resp := env.do(t, http.MethodPost, "/auth", "", "", authBody("alice", goodPassword, nil))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// The failure budget is back to full.
	for i := 0; i < 5; i++ {
		resp := env.do(t, http.MethodPost, "/auth", "", "", authBody("alice", "wrong", nil))
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "attempt %d", i+1)
	}
}

func TestSessionCapUnderConcurrentAuth(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(c *config.Config) {
		c.AuthMode = config.AuthRequired
		c.MaxSessions = 2
	})

	var created, unavailable atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp := env.do(t, http.MethodPost, "/auth", "", "",
				authBody(fmt.Sprintf("user-%d", i), goodPassword, nil))
			defer resp.Body.Close()
			switch resp.StatusCode {
			case http.StatusCreated:
				created.Add(1)
			case http.StatusServiceUnavailable:
				unavailable.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(2), created.Load())
	assert.Equal(t, int32(8), unavailable.Load())
	assert.Equal(t, 2, env.tokens.Stats().Total)
}

func TestAuthEndpointDisabledOutsideRequiredMode(t *testing.T) {
	t.Parallel()
	for _, mode := range []config.AuthMode{config.AuthToken, config.AuthNone} {
		env := newTestEnv(t, func(c *config.Config) {
			c.AuthMode = mode
			c.AuthToken = "static-secret"
		})
		resp := env.do(t, http.MethodPost, "/auth", "", "", authBody("alice", goodPassword, nil))
		body := decodeBody(t, resp)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, "mode %s", mode)
		assert.Equal(t, "not_found", body["error"], "mode %s", mode)
	}
}

func TestStaticTokenMode(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(c *config.Config) {
		c.AuthMode = config.AuthToken
		c.AuthToken = "static-secret"
	})

	resp := env.do(t, http.MethodPost, "/mcp", "wrong-token", "", initializeBody(1))
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	sessionID := env.initialize(t, "static-secret")
	assert.NotEmpty(t, sessionID)

	// Static-token sessions ride the shared global pool.
	_, ok := env.registry.Get(db.GlobalKey)
	assert.True(t, ok)
}

func TestRateLimitExceeded(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(c *config.Config) { c.RateLimitMax = 2 })

	sessionID := env.initialize(t, "")
	resp := env.do(t, http.MethodPost, "/mcp", "", sessionID, toolsCallBody(2))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/mcp", "", sessionID, toolsCallBody(3))
	body := decodeBody(t, resp)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "too_many_requests", body["error"])
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestHealth(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(c *config.Config) { c.AuthMode = config.AuthRequired })

	resp := env.do(t, http.MethodGet, "/health", "", "", nil)
	body := decodeBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	server := body["server"].(map[string]any)
	assert.Equal(t, "dbhive", server["name"])

	cfg := body["config"].(map[string]any)
	assert.Equal(t, "required", cfg["authMode"])
	assert.Equal(t, "stateful", cfg["sessionMode"])

	sessions := body["sessions"].(map[string]any)
	assert.Contains(t, sessions, "tokens")
	assert.Contains(t, sessions, "mcp")
}

func TestOpenAPIDocument(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodGet, "/openapi.json", "", "", nil)
	body := decodeBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "3.0.3", body["openapi"])

	servers := body["servers"].([]any)
	url := servers[0].(map[string]any)["url"].(string)
	assert.Equal(t, env.server.URL, url)

	paths := body["paths"].(map[string]any)
	for _, p := range []string{"/auth", "/mcp", "/health"} {
		assert.Contains(t, paths, p)
	}
}

func TestNotificationReturns202(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	sessionID := env.initialize(t, "")
	resp := env.do(t, http.MethodPost, "/mcp", "", sessionID, map[string]any{
		"jsonrpc": "2.0",
		"method":  "notifications/initialized",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestDeleteWithoutHeader(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodDelete, "/mcp", "", "", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/mcp", "", "no-such-session", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
