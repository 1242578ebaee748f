// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package db provides the database collaborator for the gateway: connection
// configuration, pool construction per driver, and the pool registry that
// maps pool keys to live pools.
package db

import (
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Supported driver names, selected via the reserved "driver" key of
// DB_OPTIONS.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// OptionDriver is the reserved DB_OPTIONS key that selects the SQL driver.
const OptionDriver = "driver"

// redactedStr replaces the password in any human-readable rendering.
const redactedStr = "[REDACTED]"

// Config is an immutable bundle of database connection parameters. The
// password must never appear in a log record; Config implements
// slog.LogValuer so logging the value (rather than individual fields) is
// always safe.
type Config struct {
	Driver   string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	Schema   string
	Options  map[string]string
}

// hostnameRegex matches RFC 1123 hostnames, which also covers dotted-quad
// IPv4 addresses.
var hostnameRegex = regexp.MustCompile(
	`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)

// ValidHost reports whether s is a valid hostname or dotted-quad IPv4
// address.
func ValidHost(s string) bool {
	if s == "" || len(s) > 253 {
		return false
	}
	if ip := net.ParseIP(s); ip != nil {
		return ip.To4() != nil
	}
	return hostnameRegex.MatchString(s)
}

// ValidPort reports whether p is a usable TCP port number.
func ValidPort(p int) bool {
	return p >= 1 && p <= 65535
}

// WithOverrides returns a copy of c with the non-zero arguments applied.
// Used by the auth endpoint to merge request fields over the environment
// defaults.
func (c Config) WithOverrides(host string, port int, database, schema string) Config {
	out := c
	if host != "" {
		out.Host = host
	}
	if port != 0 {
		out.Port = port
	}
	if database != "" {
		out.Database = database
	}
	if schema != "" {
		out.Schema = schema
	}
	return out
}

// WithCredentials returns a copy of c with the given username and password.
func (c Config) WithCredentials(user, password string) Config {
	out := c
	out.User = user
	out.Password = password
	return out
}

// LogValue implements slog.LogValuer, redacting the password field.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("driver", c.Driver),
		slog.String("host", c.Host),
		slog.Int("port", c.Port),
		slog.String("user", c.User),
		slog.String("password", redactedStr),
		slog.String("database", c.Database),
		slog.String("schema", c.Schema),
	)
}

// String returns a redacted rendering of the config. The password is never
// included.
func (c Config) String() string {
	return fmt.Sprintf("%s://%s@%s:%d/%s", c.Driver, c.User, c.Host, c.Port, c.Database)
}

// driverOptions returns the Options map minus reserved keys, with a stable
// iteration order.
func (c Config) driverOptions() []string {
	keys := make([]string, 0, len(c.Options))
	for k := range c.Options {
		if k == OptionDriver {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DSN renders the driver-specific data source name. The returned string
// contains the password and must not be logged.
func (c Config) DSN() (string, error) {
	switch c.Driver {
	case DriverMySQL, "":
		return c.mysqlDSN(), nil
	case DriverPostgres:
		return c.postgresDSN(), nil
	case DriverSQLite:
		return c.sqliteDSN(), nil
	default:
		return "", fmt.Errorf("unsupported driver %q", c.Driver)
	}
}

// DriverName returns the database/sql driver name to open.
func (c Config) DriverName() string {
	switch c.Driver {
	case DriverPostgres:
		// Registered by the pgx stdlib adapter.
		return "pgx"
	case DriverSQLite:
		return "sqlite"
	default:
		return "mysql"
	}
}

func (c Config) mysqlDSN() string {
	mc := mysql.NewConfig()
	mc.User = c.User
	mc.Passwd = c.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
	mc.DBName = c.Database
	mc.ParseTime = true
	mc.Timeout = 10 * time.Second
	for _, k := range c.driverOptions() {
		if mc.Params == nil {
			mc.Params = make(map[string]string)
		}
		mc.Params[k] = c.Options[k]
	}
	return mc.FormatDSN()
}

func (c Config) postgresDSN() string {
	parts := []string{
		"host=" + pgQuote(c.Host),
		fmt.Sprintf("port=%d", c.Port),
		"user=" + pgQuote(c.User),
		"password=" + pgQuote(c.Password),
		"dbname=" + pgQuote(c.Database),
	}
	if c.Schema != "" {
		parts = append(parts, "search_path="+pgQuote(c.Schema))
	}
	for _, k := range c.driverOptions() {
		parts = append(parts, k+"="+pgQuote(c.Options[k]))
	}
	return strings.Join(parts, " ")
}

func (c Config) sqliteDSN() string {
	// For sqlite the database field is a file path or ":memory:"; host and
	// port are ignored.
	return c.Database
}

// pgQuote quotes a keyword/value connection-string value when it contains
// characters that would break parsing.
func pgQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " '\\") {
		return s
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}
