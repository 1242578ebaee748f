// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads the gateway configuration from the environment.
//
// The environment variable set is the authoritative configuration surface;
// CLI flags on the serve command override individual values after Load.
// Configuration failures are fatal at startup: Load returns an error rather
// than guessing.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/stacklok/dbhive/pkg/db"
)

// Environment variable names.
const (
	envDBHost       = "DB_HOST"
	envDBPort       = "DB_PORT"
	envDBUser       = "DB_USER"
	envDBUserFile   = "DB_USER_FILE"
	envDBPass       = "DB_PASSWORD"
	envDBPassFile   = "DB_PASSWORD_FILE"
	envDBDatabase   = "DB_DATABASE"
	envDBSchema     = "DB_SCHEMA"
	envDBOptions    = "DB_OPTIONS"
	envTransport    = "MCP_TRANSPORT"
	envHTTPPort     = "MCP_HTTP_PORT"
	envHTTPHost     = "MCP_HTTP_HOST"
	envSessionMode  = "MCP_SESSION_MODE"
	envMaxSessions  = "MCP_MAX_SESSIONS"
	envTokenExpiry  = "MCP_TOKEN_EXPIRY"
	envAuthMode     = "MCP_AUTH_MODE"
	envAuthToken    = "MCP_AUTH_TOKEN"
	envTLSEnabled   = "MCP_TLS_ENABLED"
	envTLSCertPath  = "MCP_TLS_CERT_PATH"
	envTLSKeyPath   = "MCP_TLS_KEY_PATH"
	envCORSOrigins  = "MCP_CORS_ORIGINS"
	envTrustProxy   = "MCP_TRUST_PROXY"
	envMetrics      = "MCP_METRICS_ENABLED"
	envRateWindow   = "RATE_LIMIT_WINDOW_MS"
	envRateMax      = "RATE_LIMIT_MAX_REQUESTS"
	envRateEnabled  = "RATE_LIMIT_ENABLED"
	envRateKey      = "RATE_LIMIT_KEY"
	envQueryDefault = "QUERY_DEFAULT_LIMIT"
	envQueryMax     = "QUERY_MAX_LIMIT"
	envLogLevel     = "LOG_LEVEL"
)

// Defaults.
const (
	DefaultDBPort       = 446
	DefaultDBDatabase   = "*LOCAL"
	DefaultHTTPPort     = 3000
	DefaultHTTPHost     = "127.0.0.1"
	DefaultMaxSessions  = 100
	DefaultTokenExpiry  = time.Hour
	DefaultRateWindow   = 15 * time.Minute
	DefaultRateMax      = 100
	DefaultQueryLimit   = 1000
	DefaultQueryMax     = 10000
	MaxTokenExpiry      = 24 * time.Hour
	MinTokenExpiry      = time.Second
)

// TransportMode selects which MCP transports the process serves.
type TransportMode string

// Transport modes.
const (
	TransportStdio TransportMode = "stdio"
	TransportHTTP  TransportMode = "http"
	TransportBoth  TransportMode = "both"
)

// SessionMode selects whether the HTTP transport retains MCP sessions
// across requests.
type SessionMode string

// Session modes.
const (
	SessionStateful  SessionMode = "stateful"
	SessionStateless SessionMode = "stateless"
)

// AuthMode selects the authentication policy for the HTTP transport.
type AuthMode string

// Auth modes.
const (
	AuthRequired AuthMode = "required"
	AuthToken    AuthMode = "token"
	AuthNone     AuthMode = "none"
)

// RateKeyMode selects how the request rate limiter keys its windows.
type RateKeyMode string

// Rate limiter key modes.
const (
	RateKeyGlobal RateKeyMode = "global"
	RateKeyIP     RateKeyMode = "ip"
	RateKeyToken  RateKeyMode = "token"
)

// Config is the full gateway configuration.
type Config struct {
	DB db.Config

	Transport TransportMode
	HTTPHost  string
	HTTPPort  int

	SessionMode SessionMode
	MaxSessions int
	TokenExpiry time.Duration

	AuthMode  AuthMode
	AuthToken string

	TLSEnabled  bool
	TLSCertPath string
	TLSKeyPath  string

	// CORSOrigins is the allowed-origins list. Empty means emit no CORS
	// headers at all; a single "*" entry means wildcard.
	CORSOrigins []string

	TrustProxy     bool
	MetricsEnabled bool

	RateLimitEnabled bool
	RateLimitWindow  time.Duration
	RateLimitMax     int
	RateLimitKey     RateKeyMode

	QueryDefaultLimit int
	QueryMaxLimit     int

	LogLevel string
}

// Load reads the environment, applies defaults, and validates. It returns
// an error on the first problem found.
func Load() (*Config, error) {
	cfg := &Config{
		Transport:         TransportStdio,
		HTTPHost:          DefaultHTTPHost,
		HTTPPort:          DefaultHTTPPort,
		SessionMode:       SessionStateful,
		MaxSessions:       DefaultMaxSessions,
		TokenExpiry:       DefaultTokenExpiry,
		AuthMode:          AuthRequired,
		RateLimitEnabled:  true,
		RateLimitWindow:   DefaultRateWindow,
		RateLimitMax:      DefaultRateMax,
		RateLimitKey:      RateKeyGlobal,
		QueryDefaultLimit: DefaultQueryLimit,
		QueryMaxLimit:     DefaultQueryMax,
		LogLevel:          "info",
	}

	if err := cfg.loadDatabase(); err != nil {
		return nil, err
	}
	if err := cfg.loadServer(); err != nil {
		return nil, err
	}
	if err := cfg.loadLimits(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadDatabase() error {
	c.DB.Host = os.Getenv(envDBHost)

	port, err := intFromEnv(envDBPort, DefaultDBPort)
	if err != nil {
		return err
	}
	c.DB.Port = port

	user, err := fileOrEnv(envDBUserFile, envDBUser)
	if err != nil {
		return err
	}
	c.DB.User = user

	pass, err := fileOrEnv(envDBPassFile, envDBPass)
	if err != nil {
		return err
	}
	c.DB.Password = pass

	c.DB.Database = os.Getenv(envDBDatabase)
	if c.DB.Database == "" {
		c.DB.Database = DefaultDBDatabase
	}
	c.DB.Schema = os.Getenv(envDBSchema)

	opts, err := parseOptions(os.Getenv(envDBOptions))
	if err != nil {
		return err
	}
	c.DB.Options = opts
	c.DB.Driver = opts[db.OptionDriver]
	if c.DB.Driver == "" {
		c.DB.Driver = db.DriverMySQL
	}
	return nil
}

func (c *Config) loadServer() error {
	if v := os.Getenv(envTransport); v != "" {
		c.Transport = TransportMode(strings.ToLower(v))
	}
	if v := os.Getenv(envHTTPHost); v != "" {
		c.HTTPHost = v
	}
	port, err := intFromEnv(envHTTPPort, DefaultHTTPPort)
	if err != nil {
		return err
	}
	c.HTTPPort = port

	if v := os.Getenv(envSessionMode); v != "" {
		c.SessionMode = SessionMode(strings.ToLower(v))
	}
	maxSessions, err := intFromEnv(envMaxSessions, DefaultMaxSessions)
	if err != nil {
		return err
	}
	c.MaxSessions = maxSessions

	expiry, err := intFromEnv(envTokenExpiry, int(DefaultTokenExpiry.Seconds()))
	if err != nil {
		return err
	}
	c.TokenExpiry = time.Duration(expiry) * time.Second

	if v := os.Getenv(envAuthMode); v != "" {
		c.AuthMode = AuthMode(strings.ToLower(v))
	}
	c.AuthToken = os.Getenv(envAuthToken)

	c.TLSEnabled = trueFromEnv(envTLSEnabled)
	c.TLSCertPath = os.Getenv(envTLSCertPath)
	c.TLSKeyPath = os.Getenv(envTLSKeyPath)

	if v := os.Getenv(envCORSOrigins); v != "" {
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				c.CORSOrigins = append(c.CORSOrigins, origin)
			}
		}
	}

	c.TrustProxy = trueFromEnv(envTrustProxy)
	c.MetricsEnabled = trueFromEnv(envMetrics)

	if v := os.Getenv(envLogLevel); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	return nil
}

func (c *Config) loadLimits() error {
	c.RateLimitEnabled = notFalseFromEnv(envRateEnabled)

	windowMs, err := intFromEnv(envRateWindow, int(DefaultRateWindow.Milliseconds()))
	if err != nil {
		return err
	}
	c.RateLimitWindow = time.Duration(windowMs) * time.Millisecond

	rateMax, err := intFromEnv(envRateMax, DefaultRateMax)
	if err != nil {
		return err
	}
	c.RateLimitMax = rateMax

	if v := os.Getenv(envRateKey); v != "" {
		c.RateLimitKey = RateKeyMode(strings.ToLower(v))
	}

	defLimit, err := intFromEnv(envQueryDefault, DefaultQueryLimit)
	if err != nil {
		return err
	}
	c.QueryDefaultLimit = defLimit

	maxLimit, err := intFromEnv(envQueryMax, DefaultQueryMax)
	if err != nil {
		return err
	}
	c.QueryMaxLimit = maxLimit
	return nil
}

// Validate checks the loaded configuration for consistency. It is called by
// Load and again by the serve command after flag overrides.
func (c *Config) Validate() error {
	if c.DB.Host == "" {
		return fmt.Errorf("%s is required", envDBHost)
	}
	if !db.ValidHost(c.DB.Host) {
		return fmt.Errorf("%s %q is not a valid hostname or IPv4 address", envDBHost, c.DB.Host)
	}
	if !db.ValidPort(c.DB.Port) {
		return fmt.Errorf("%s must be in 1-65535, got %d", envDBPort, c.DB.Port)
	}
	if c.DB.User == "" {
		return fmt.Errorf("%s or %s is required", envDBUser, envDBUserFile)
	}
	if c.DB.Password == "" {
		return fmt.Errorf("%s or %s is required", envDBPass, envDBPassFile)
	}

	switch c.Transport {
	case TransportStdio, TransportHTTP, TransportBoth:
	default:
		return fmt.Errorf("%s must be stdio, http or both, got %q", envTransport, c.Transport)
	}
	if !db.ValidPort(c.HTTPPort) {
		return fmt.Errorf("%s must be in 1-65535, got %d", envHTTPPort, c.HTTPPort)
	}
	if c.HTTPHost == "" {
		return fmt.Errorf("%s must not be empty", envHTTPHost)
	}

	switch c.SessionMode {
	case SessionStateful, SessionStateless:
	default:
		return fmt.Errorf("%s must be stateful or stateless, got %q", envSessionMode, c.SessionMode)
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("%s must be at least 1, got %d", envMaxSessions, c.MaxSessions)
	}
	if c.TokenExpiry < MinTokenExpiry || c.TokenExpiry > MaxTokenExpiry {
		return fmt.Errorf("%s must be between 1 and 86400 seconds, got %s", envTokenExpiry, c.TokenExpiry)
	}

	switch c.AuthMode {
	case AuthRequired, AuthNone:
	case AuthToken:
		if c.AuthToken == "" {
			return fmt.Errorf("%s is required when %s=token", envAuthToken, envAuthMode)
		}
	default:
		return fmt.Errorf("%s must be required, token or none, got %q", envAuthMode, c.AuthMode)
	}

	if c.TLSEnabled {
		if c.TLSCertPath == "" || c.TLSKeyPath == "" {
			return fmt.Errorf("%s and %s are required when TLS is enabled", envTLSCertPath, envTLSKeyPath)
		}
		if _, err := os.Stat(c.TLSCertPath); err != nil {
			return fmt.Errorf("TLS certificate not accessible: %w", err)
		}
		if _, err := os.Stat(c.TLSKeyPath); err != nil {
			return fmt.Errorf("TLS key not accessible: %w", err)
		}
	}

	switch c.RateLimitKey {
	case RateKeyGlobal, RateKeyIP, RateKeyToken:
	default:
		return fmt.Errorf("%s must be global, ip or token, got %q", envRateKey, c.RateLimitKey)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("%s must be positive", envRateWindow)
	}
	if c.RateLimitMax < 1 {
		return fmt.Errorf("%s must be at least 1, got %d", envRateMax, c.RateLimitMax)
	}

	if c.QueryDefaultLimit < 1 {
		return fmt.Errorf("%s must be at least 1, got %d", envQueryDefault, c.QueryDefaultLimit)
	}
	if c.QueryMaxLimit < c.QueryDefaultLimit {
		return fmt.Errorf("%s (%d) must not be below %s (%d)",
			envQueryMax, c.QueryMaxLimit, envQueryDefault, c.QueryDefaultLimit)
	}
	return nil
}

// HTTPEnabled reports whether the HTTP transport is active.
func (c *Config) HTTPEnabled() bool {
	return c.Transport == TransportHTTP || c.Transport == TransportBoth
}

// StdioEnabled reports whether the stdio transport is active.
func (c *Config) StdioEnabled() bool {
	return c.Transport == TransportStdio || c.Transport == TransportBoth
}

// CORSWildcard reports whether the allowed-origins list contains "*".
func (c *Config) CORSWildcard() bool {
	for _, o := range c.CORSOrigins {
		if o == "*" {
			return true
		}
	}
	return false
}

// fileOrEnv resolves a credential that may be supplied directly or through
// a *_FILE indirection. The file variant wins when both are set; its
// content is trimmed of trailing whitespace.
func fileOrEnv(fileVar, plainVar string) (string, error) {
	if path := os.Getenv(fileVar); path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator-provided secret path
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", fileVar, err)
		}
		return strings.TrimRight(string(data), " \t\r\n"), nil
	}
	return os.Getenv(plainVar), nil
}

// intFromEnv parses an integer environment variable with a default for the
// unset case. A set-but-unparsable value is an error, not a silent default.
func intFromEnv(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", name, v)
	}
	return n, nil
}

// trueFromEnv reports whether a default-false switch is explicitly enabled
// with "true" or "1".
func trueFromEnv(name string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	return v == "true" || v == "1"
}

// notFalseFromEnv reports whether a default-true switch is still on: only
// the strings "false" and "0" turn it off.
func notFalseFromEnv(name string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	return v != "false" && v != "0"
}

// parseOptions parses the DB_OPTIONS comma-separated key=value list.
func parseOptions(s string) (map[string]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	opts := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("%s entry %q is not key=value", envDBOptions, pair)
		}
		opts[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return opts, nil
}
