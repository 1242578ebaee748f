// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// Register the SQL drivers the gateway can speak.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Connection pool sizing. The gateway holds one pool per token (or one
// shared pool), so these stay small.
const (
	defaultMaxOpenConns    = 5
	defaultMaxIdleConns    = 2
	defaultConnMaxLifetime = 30 * time.Minute
)

// Result is the outcome of a read query. Rows are scanned into generic
// values with []byte columns converted to string so the result marshals
// cleanly to JSON.
type Result struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"rowCount"`
	Truncated bool     `json:"truncated"`
}

// Pool is a live connection pool bound to one Config.
type Pool interface {
	// Execute runs a query and returns up to maxRows rows. Truncated is set
	// when the result was cut at the bound. maxRows <= 0 means unbounded.
	Execute(ctx context.Context, query string, params []any, maxRows int) (*Result, error)
	// Probe reports whether the pool can reach the database.
	Probe(ctx context.Context) bool
	// Close releases the pool's connections.
	Close() error
}

// OpenFunc builds a pool for a config. The registry takes one at
// construction so tests can substitute fakes.
type OpenFunc func(ctx context.Context, cfg Config) (Pool, error)

// Open builds a database/sql pool for cfg and verifies connectivity before
// returning, so bad credentials surface here rather than on first use.
func Open(ctx context.Context, cfg Config) (Pool, error) {
	dsn, err := cfg.DSN()
	if err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open(cfg.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool for %s: %w", cfg.String(), err)
	}

	sqlDB.SetMaxOpenConns(defaultMaxOpenConns)
	sqlDB.SetMaxIdleConns(defaultMaxIdleConns)
	sqlDB.SetConnMaxLifetime(defaultConnMaxLifetime)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.String(), err)
	}

	return &sqlPool{db: sqlDB}, nil
}

type sqlPool struct {
	db *sql.DB
}

var _ Pool = (*sqlPool)(nil)

func (p *sqlPool) Execute(ctx context.Context, query string, params []any, maxRows int) (*Result, error) {
	rows, err := p.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	res := &Result{Columns: cols, Rows: make([][]any, 0, 16)}
	for rows.Next() {
		if maxRows > 0 && res.RowCount >= maxRows {
			res.Truncated = true
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		res.Rows = append(res.Rows, values)
		res.RowCount++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}
	return res, nil
}

func (p *sqlPool) Probe(ctx context.Context) bool {
	return p.db.PingContext(ctx) == nil
}

func (p *sqlPool) Close() error {
	return p.db.Close()
}
