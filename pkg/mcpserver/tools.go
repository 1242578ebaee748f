// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/stacklok/dbhive/pkg/db"
)

// toolDeps carries what every tool handler needs: the registry, the pool
// key to resolve at call time, and the row-limit policy.
type toolDeps struct {
	registry     *db.Registry
	cfg          db.Config
	poolKey      string
	defaultLimit int
	maxLimit     int
}

// identRegexp restricts table and schema arguments to plain identifiers.
// Catalog names cannot be bound as query parameters everywhere, so anything
// fancier is rejected rather than quoted.
var identRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

func registerTools(s *server.MCPServer, deps *toolDeps) {
	s.AddTool(
		mcp.NewTool("query",
			mcp.WithDescription("Execute a read-only SQL query and return the rows as JSON"),
			mcp.WithString("sql", mcp.Required(), mcp.Description("The SQL statement; only read statements are accepted")),
			mcp.WithArray("params", mcp.Description("Positional query parameters")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of rows to return")),
		),
		deps.handleQuery,
	)

	s.AddTool(
		mcp.NewTool("list_tables",
			mcp.WithDescription("List the tables visible in a schema"),
			mcp.WithString("schema", mcp.Description("Schema to list; defaults to the connection's schema")),
		),
		deps.handleListTables,
	)

	s.AddTool(
		mcp.NewTool("describe_table",
			mcp.WithDescription("Describe the columns of a table"),
			mcp.WithString("table", mcp.Required(), mcp.Description("Table name")),
			mcp.WithString("schema", mcp.Description("Schema holding the table; defaults to the connection's schema")),
		),
		deps.handleDescribeTable,
	)
}

// pool resolves the live pool for this server's key.
func (d *toolDeps) pool() (db.Pool, error) {
	p, ok := d.registry.Get(d.poolKey)
	if !ok {
		return nil, fmt.Errorf("database pool is not available")
	}
	return p, nil
}

// clampLimit applies the row-limit policy to a requested limit. Zero or
// negative selects the default.
func (d *toolDeps) clampLimit(limit int) int {
	if limit <= 0 {
		limit = d.defaultLimit
	}
	if limit > d.maxLimit {
		limit = d.maxLimit
	}
	return limit
}

func (d *toolDeps) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("sql")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := ValidateReadOnly(query); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var params []any
	if raw, ok := req.GetArguments()["params"]; ok && raw != nil {
		list, ok := raw.([]any)
		if !ok {
			return mcp.NewToolResultError("params must be an array"), nil
		}
		params = list
	}

	limit := d.clampLimit(req.GetInt("limit", 0))

	pool, err := d.pool()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := pool.Execute(ctx, query, params, limit)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return marshalResult(res)
}

func (d *toolDeps) handleListTables(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	schema := req.GetString("schema", d.cfg.Schema)
	if schema != "" && !identRegexp.MatchString(schema) {
		return mcp.NewToolResultError(fmt.Sprintf("invalid schema name %q", schema)), nil
	}

	query, params := listTablesQuery(d.cfg.Driver, schema)
	pool, err := d.pool()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := pool.Execute(ctx, query, params, 0)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return marshalResult(res)
}

func (d *toolDeps) handleDescribeTable(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	table, err := req.RequireString("table")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !identRegexp.MatchString(table) {
		return mcp.NewToolResultError(fmt.Sprintf("invalid table name %q", table)), nil
	}
	schema := req.GetString("schema", d.cfg.Schema)
	if schema != "" && !identRegexp.MatchString(schema) {
		return mcp.NewToolResultError(fmt.Sprintf("invalid schema name %q", schema)), nil
	}

	query, params := describeTableQuery(d.cfg.Driver, table, schema)
	pool, err := d.pool()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := pool.Execute(ctx, query, params, 0)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return marshalResult(res)
}

// listTablesQuery returns the catalog statement for the driver. Placeholder
// syntax differs per driver, so the statements are written out per dialect.
func listTablesQuery(driver, schema string) (string, []any) {
	switch driver {
	case db.DriverPostgres:
		if schema == "" {
			schema = "public"
		}
		return "SELECT table_name FROM information_schema.tables " +
			"WHERE table_schema = $1 ORDER BY table_name", []any{schema}
	case db.DriverSQLite:
		return "SELECT name AS table_name FROM sqlite_master " +
			"WHERE type = 'table' ORDER BY name", nil
	default: // mysql
		if schema == "" {
			return "SELECT table_name FROM information_schema.tables " +
				"WHERE table_schema = DATABASE() ORDER BY table_name", nil
		}
		return "SELECT table_name FROM information_schema.tables " +
			"WHERE table_schema = ? ORDER BY table_name", []any{schema}
	}
}

// describeTableQuery returns the column listing statement for the driver.
// table and schema were validated as plain identifiers by the caller.
func describeTableQuery(driver, table, schema string) (string, []any) {
	switch driver {
	case db.DriverPostgres:
		if schema == "" {
			schema = "public"
		}
		return "SELECT column_name, data_type, is_nullable FROM information_schema.columns " +
			"WHERE table_schema = $1 AND table_name = $2 ORDER BY ordinal_position", []any{schema, table}
	case db.DriverSQLite:
		return fmt.Sprintf("PRAGMA table_info(%q)", table), nil
	default: // mysql
		if schema == "" {
			return "SELECT column_name, data_type, is_nullable FROM information_schema.columns " +
				"WHERE table_schema = DATABASE() AND table_name = ? ORDER BY ordinal_position", []any{table}
		}
		return "SELECT column_name, data_type, is_nullable FROM information_schema.columns " +
			"WHERE table_schema = ? AND table_name = ? ORDER BY ordinal_position", []any{schema, table}
	}
}

func marshalResult(res *db.Result) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
