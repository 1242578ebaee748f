// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/dbhive/pkg/config"
	"github.com/stacklok/dbhive/pkg/ratelimit"
	"github.com/stacklok/dbhive/pkg/tokens"
)

type contextKey string

const (
	ctxKeyToken        contextKey = "bearerToken"
	ctxKeyTokenSession contextKey = "tokenSession"
)

// bearerToken returns the token the auth middleware attached, if any.
func bearerToken(ctx context.Context) string {
	token, _ := ctx.Value(ctxKeyToken).(string)
	return token
}

// tokenSession returns the validated token session in required auth mode.
func tokenSession(ctx context.Context) *tokens.Session {
	s, _ := ctx.Value(ctxKeyTokenSession).(*tokens.Session)
	return s
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware implements the allowed-origins policy. An empty list emits
// no CORS headers at all, leaving browsers to enforce same-origin. The
// credentials header is only sent for origins that are explicitly listed,
// never for the wildcard.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if len(s.cfg.CORSOrigins) > 0 && origin != "" {
			wildcard := s.cfg.CORSWildcard()
			allowed := wildcard
			if !allowed {
				for _, o := range s.cfg.CORSOrigins {
					if o == origin {
						allowed = true
						break
					}
				}
			}
			if allowed {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				if !wildcard {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
				h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Mcp-Session-Id, Last-Event-ID")
				h.Set("Access-Control-Expose-Headers", "Mcp-Session-Id")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.metrics.ObserveRequest(r.Method, r.URL.Path, ww.Status())
	})
}

// authMiddleware applies the configured authentication policy to the MCP
// endpoint and attaches the caller's identity to the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	switch s.cfg.AuthMode {
	case config.AuthNone:
		return next
	case config.AuthToken:
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := extractBearer(r)
			if !ok {
				s.metrics.ObserveAuthFailure()
				writeError(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid Authorization header")
				return
			}
			if !constantTimeEqual(token, s.cfg.AuthToken) {
				s.metrics.ObserveAuthFailure()
				writeError(w, http.StatusUnauthorized, "invalid_token", "Invalid authentication token")
				return
			}
			ctx := context.WithValue(r.Context(), ctxKeyToken, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	default: // config.AuthRequired
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := extractBearer(r)
			if !ok {
				s.metrics.ObserveAuthFailure()
				writeError(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid Authorization header")
				return
			}
			sess, err := s.tokens.Validate(token)
			if err != nil {
				s.metrics.ObserveAuthFailure()
				writeError(w, http.StatusUnauthorized, "invalid_token", err.Error())
				return
			}
			ctx := context.WithValue(r.Context(), ctxKeyToken, token)
			ctx = context.WithValue(ctx, ctxKeyTokenSession, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// rateLimitMiddleware counts the request against the configured limiter key
// and rejects with 429 once the window budget is spent.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := s.limiter.Check(s.rateLimitKey(r))

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

		if !d.Allowed {
			s.metrics.ObserveRateLimited()
			h.Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds))
			writeJSON(w, http.StatusTooManyRequests, errorBody{
				Error:            "too_many_requests",
				ErrorDescription: "Rate limit exceeded",
				RetryAfter:       d.RetryAfterSeconds,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitKey picks the limiter key per the configured mode. The default
// is a single process-wide window.
func (s *Server) rateLimitKey(r *http.Request) string {
	switch s.cfg.RateLimitKey {
	case config.RateKeyIP:
		return ratelimit.ClientIP(r, s.cfg.TrustProxy)
	case config.RateKeyToken:
		if token := bearerToken(r.Context()); token != "" {
			return token
		}
		return "default"
	default:
		return "default"
	}
}

func extractBearer(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

// constantTimeEqual compares two strings in time independent of their
// contents. Hashing both sides first gives fixed-length inputs, so unequal
// lengths do not branch on the data either.
func constantTimeEqual(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}
