//
// Tencent is pleased to support the open source community by making trpc-session-go available.
//
// Copyright (C) 2026 Tencent.  All rights reserved.
//
// trpc-session-go is licensed under the Apache License Version 2.0.
//
//

// Package duckdb provides the DuckDB instance info management.
package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/marcboeker/go-duckdb"
)

func init() {
	duckdbRegistry = make(map[string][]ClientBuilderOpt)
}

var duckdbRegistry map[string][]ClientBuilderOpt

// ErrBreak stops the row iteration of Client.Query early.
// Return it from the row callback to discard the remaining rows without error.
var ErrBreak = errors.New("duckdb: break")

// Client defines the interface for DuckDB operations.
// This interface abstracts the database operations needed by the
// session layer, making it easier to inject mock implementations for testing.
type Client interface {
	// Exec executes a statement without returning any rows.
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)

	// Query executes a query and invokes fn once per returned row.
	// Returning ErrBreak from fn stops the iteration without error.
	Query(ctx context.Context, fn func(rows *sql.Rows) error, query string, args ...any) error

	// QueryRow executes a query that is expected to return at most one row
	// and scans that row into dest.
	QueryRow(ctx context.Context, dest []any, query string, args ...any) error

	// Transaction runs fn inside a transaction.
	// The transaction is committed when fn returns nil and rolled back otherwise.
	Transaction(ctx context.Context, fn func(tx *sql.Tx) error, optFns ...func(*sql.TxOptions)) error

	// Close closes the database handle.
	Close() error
}

type clientBuilder func(builderOpts ...ClientBuilderOpt) (Client, error)

var globalBuilder clientBuilder = defaultClientBuilder

// SetClientBuilder sets the duckdb client builder.
func SetClientBuilder(builder clientBuilder) {
	globalBuilder = builder
}

// GetClientBuilder gets the duckdb client builder.
func GetClientBuilder() clientBuilder {
	return globalBuilder
}

// defaultClientBuilder is the default duckdb client builder.
// It opens an embedded DuckDB database through the database/sql driver.
func defaultClientBuilder(builderOpts ...ClientBuilderOpt) (Client, error) {
	o := &ClientBuilderOpts{}
	for _, opt := range builderOpts {
		opt(o)
	}

	// An empty DSN opens an in-memory database, which is valid for DuckDB.
	db, err := sql.Open("duckdb", o.DSN)
	if err != nil {
		return nil, fmt.Errorf("duckdb: open database %q: %w", o.DSN, err)
	}

	// Set connection pool settings if provided.
	if o.MaxOpenConns > 0 {
		db.SetMaxOpenConns(o.MaxOpenConns)
	}
	if o.MaxIdleConns > 0 {
		db.SetMaxIdleConns(o.MaxIdleConns)
	}
	if o.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(o.ConnMaxLifetime)
	}
	if o.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(o.ConnMaxIdleTime)
	}

	// Test connection. For file-backed databases this also creates the file.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("duckdb: ping failed: %w", err)
	}

	return &sqlDBClient{db: db}, nil
}

// WrapSQLDB wraps an existing *sql.DB into a Client.
// It is mainly used to share one embedded database handle between services.
func WrapSQLDB(db *sql.DB) Client {
	return &sqlDBClient{db: db}
}

// sqlDBClient implements Client on top of *sql.DB.
type sqlDBClient struct {
	db *sql.DB
}

// Exec implements Client.Exec.
func (c *sqlDBClient) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.db.ExecContext(ctx, query, args...)
}

// Query implements Client.Query.
func (c *sqlDBClient) Query(ctx context.Context, fn func(rows *sql.Rows) error, query string, args ...any) error {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := fn(rows); err != nil {
			if errors.Is(err, ErrBreak) {
				return nil
			}
			return err
		}
	}
	return rows.Err()
}

// QueryRow implements Client.QueryRow.
func (c *sqlDBClient) QueryRow(ctx context.Context, dest []any, query string, args ...any) error {
	return c.db.QueryRowContext(ctx, query, args...).Scan(dest...)
}

// Transaction implements Client.Transaction.
func (c *sqlDBClient) Transaction(ctx context.Context, fn func(tx *sql.Tx) error, optFns ...func(*sql.TxOptions)) error {
	txOpts := &sql.TxOptions{}
	for _, optFn := range optFns {
		optFn(txOpts)
	}

	tx, err := c.db.BeginTx(ctx, txOpts)
	if err != nil {
		return fmt.Errorf("duckdb: begin transaction failed: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("duckdb: commit transaction failed: %w", err)
	}
	return nil
}

// Close implements Client.Close.
func (c *sqlDBClient) Close() error {
	return c.db.Close()
}

// ClientBuilderOpt is the option for the duckdb client.
type ClientBuilderOpt func(*ClientBuilderOpts)

// ClientBuilderOpts is the options for the duckdb client.
type ClientBuilderOpts struct {
	// DSN is the path of the DuckDB database file, optionally followed by
	// driver parameters, e.g. "/data/sessions.db?access_mode=read_write".
	// An empty DSN opens an in-memory database.
	DSN string

	// MaxOpenConns is the maximum number of open connections to the database.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of connections in the idle connection pool.
	MaxIdleConns int

	// ConnMaxLifetime is the maximum amount of time a connection may be reused.
	ConnMaxLifetime time.Duration

	// ConnMaxIdleTime is the maximum amount of time a connection may be idle.
	ConnMaxIdleTime time.Duration

	// ExtraOptions is the extra options for the duckdb client.
	ExtraOptions []any
}

// WithClientBuilderDSN sets the duckdb database path for clientBuilder.
func WithClientBuilderDSN(dsn string) ClientBuilderOpt {
	return func(opts *ClientBuilderOpts) {
		opts.DSN = dsn
	}
}

// WithMaxOpenConns sets the maximum number of open connections to the database.
func WithMaxOpenConns(n int) ClientBuilderOpt {
	return func(opts *ClientBuilderOpts) {
		opts.MaxOpenConns = n
	}
}

// WithMaxIdleConns sets the maximum number of connections in the idle connection pool.
func WithMaxIdleConns(n int) ClientBuilderOpt {
	return func(opts *ClientBuilderOpts) {
		opts.MaxIdleConns = n
	}
}

// WithConnMaxLifetime sets the maximum amount of time a connection may be reused.
func WithConnMaxLifetime(d time.Duration) ClientBuilderOpt {
	return func(opts *ClientBuilderOpts) {
		opts.ConnMaxLifetime = d
	}
}

// WithConnMaxIdleTime sets the maximum amount of time a connection may be idle.
func WithConnMaxIdleTime(d time.Duration) ClientBuilderOpt {
	return func(opts *ClientBuilderOpts) {
		opts.ConnMaxIdleTime = d
	}
}

// WithExtraOptions sets the duckdb client extra options for clientBuilder.
// This option is mainly used for customized duckdb client builders.
func WithExtraOptions(extraOptions ...any) ClientBuilderOpt {
	return func(opts *ClientBuilderOpts) {
		opts.ExtraOptions = append(opts.ExtraOptions, extraOptions...)
	}
}

// RegisterDuckDBInstance registers a duckdb instance options.
func RegisterDuckDBInstance(name string, opts ...ClientBuilderOpt) {
	duckdbRegistry[name] = append(duckdbRegistry[name], opts...)
}

// GetDuckDBInstance gets the duckdb instance options.
func GetDuckDBInstance(name string) ([]ClientBuilderOpt, bool) {
	if _, ok := duckdbRegistry[name]; !ok {
		return nil, false
	}
	return duckdbRegistry[name], true
}
