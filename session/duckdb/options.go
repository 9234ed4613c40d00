//
// Tencent is pleased to support the open source community by making trpc-session-go available.
//
// Copyright (C) 2026 Tencent.  All rights reserved.
//
// trpc-session-go is licensed under the Apache License Version 2.0.
//
//

// Package duckdb implements the session store backend on DuckDB, an
// embedded analytical database. It targets development and single-process
// deployments; the clickhouse backend is the production columnar target.
package duckdb

import (
	"trpc.group/trpc-go/trpc-session-go/internal/session/sqldb"
)

// BackendOpts is the options for the DuckDB session backend.
type BackendOpts struct {
	// DuckDB connection settings (using DSN or instance name)
	dsn          string // database file path, empty for in-memory
	instanceName string // Pre-registered DuckDB instance name
	extraOptions []any  // Extra options passed to storage layer

	// Schema management
	tablePrefix string // Prefix for all table names
}

// BackendOpt is the option for the DuckDB session backend.
type BackendOpt func(*BackendOpts)

// WithDuckDBDSN sets the database path, plus optional DuckDB parameters
// after a '?'. An empty DSN (the default) opens a private in-memory
// database that vanishes on Close.
// Example: "/var/lib/app/sessions.db?access_mode=read_write"
func WithDuckDBDSN(dsn string) BackendOpt {
	return func(opts *BackendOpts) {
		opts.dsn = dsn
	}
}

// WithDuckDBInstance uses a DuckDB instance from storage.
// The instance must be registered via storage.RegisterDuckDBInstance()
// before use.
//
// Note: WithDuckDBDSN has higher priority than WithDuckDBInstance.
// If both are specified, DSN will be used.
func WithDuckDBInstance(instanceName string) BackendOpt {
	return func(opts *BackendOpts) {
		opts.instanceName = instanceName
	}
}

// WithExtraOptions sets the extra options for the DuckDB session backend.
// These options will be passed to the DuckDB client builder.
func WithExtraOptions(extraOptions ...any) BackendOpt {
	return func(opts *BackendOpts) {
		opts.extraOptions = append(opts.extraOptions, extraOptions...)
	}
}

// WithTablePrefix sets a prefix for all table names, validated the same
// way as the clickhouse backend's prefix.
func WithTablePrefix(prefix string) BackendOpt {
	return func(opts *BackendOpts) {
		if prefix == "" {
			opts.tablePrefix = ""
			return
		}

		sqldb.MustValidateTablePrefix(prefix)

		opts.tablePrefix = prefix
	}
}
