// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry exposes the gateway's Prometheus metrics. The metrics
// surface is optional: a nil *Metrics is a valid no-op recorder, so the HTTP
// layer records unconditionally and the orchestrator decides whether the
// /metrics endpoint exists.
package telemetry

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private Prometheus registry so the gateway's series never
// collide with a host application's default registry.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	rateLimited  prometheus.Counter
	authFailures prometheus.Counter
}

// New builds the metrics set. sessionCount and tokenCount are sampled at
// scrape time; either may be nil.
func New(sessionCount, tokenCount func() float64) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dbhive_http_requests_total",
			Help: "HTTP requests served, by method, path and status code.",
		}, []string{"method", "path", "code"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dbhive_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dbhive_auth_failures_total",
			Help: "Failed authentication attempts.",
		}),
	}
	reg.MustRegister(m.httpRequests, m.rateLimited, m.authFailures)

	if sessionCount != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "dbhive_mcp_sessions",
			Help: "Live MCP sessions.",
		}, sessionCount))
	}
	if tokenCount != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "dbhive_tokens_active",
			Help: "Active bearer tokens.",
		}, tokenCount))
	}
	return m
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest counts one served HTTP request.
func (m *Metrics) ObserveRequest(method, path string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(code)).Inc()
}

// ObserveRateLimited counts one rate-limited request.
func (m *Metrics) ObserveRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// ObserveAuthFailure counts one failed authentication attempt.
func (m *Metrics) ObserveAuthFailure() {
	if m == nil {
		return
	}
	m.authFailures.Inc()
}
