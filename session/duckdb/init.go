//
// Tencent is pleased to support the open source community by making trpc-session-go available.
//
// Copyright (C) 2026 Tencent.  All rights reserved.
//
// trpc-session-go is licensed under the Apache License Version 2.0.
//
//

package duckdb

import (
	"context"
	"strings"

	"trpc.group/trpc-go/trpc-session-go/internal/session/sqldb"
	"trpc.group/trpc-go/trpc-session-go/log"
	"trpc.group/trpc-go/trpc-session-go/session"
)

// SQL templates for table creation (DuckDB syntax).
// Natural keys are PRIMARY KEYs, so event idempotency rides on
// ON CONFLICT DO NOTHING and conditional writes are guarded UPDATEs.
// DuckDB's TIMESTAMP is microsecond precision, matching the service's
// timestamp truncation.
const (
	sqlCreateSessionsTable = `
		CREATE TABLE IF NOT EXISTS {{TABLE_NAME}} (
			app_name    VARCHAR NOT NULL,
			user_id     VARCHAR NOT NULL,
			session_id  VARCHAR NOT NULL,
			state       VARCHAR NOT NULL DEFAULT '{}',
			version     BIGINT NOT NULL DEFAULT 0,
			write_nonce VARCHAR NOT NULL DEFAULT '',
			rewind_to   VARCHAR NOT NULL DEFAULT '',
			deleted     BOOLEAN NOT NULL DEFAULT false,
			created_at  TIMESTAMP NOT NULL,
			updated_at  TIMESTAMP NOT NULL,
			deleted_at  TIMESTAMP,
			PRIMARY KEY (app_name, user_id, session_id)
		)`

	sqlCreateEventsTable = `
		CREATE TABLE IF NOT EXISTS {{TABLE_NAME}} (
			app_name      VARCHAR NOT NULL,
			user_id       VARCHAR NOT NULL,
			session_id    VARCHAR NOT NULL,
			event_id      VARCHAR NOT NULL,
			sequence_num  BIGINT NOT NULL,
			invocation_id VARCHAR NOT NULL DEFAULT '',
			author        VARCHAR NOT NULL DEFAULT '',
			event         VARCHAR NOT NULL,
			state_delta   VARCHAR NOT NULL DEFAULT '',
			has_delta     BOOLEAN NOT NULL DEFAULT false,
			after_rewind  BOOLEAN NOT NULL DEFAULT false,
			event_time    TIMESTAMP NOT NULL,
			created_at    TIMESTAMP NOT NULL,
			updated_at    TIMESTAMP NOT NULL,
			PRIMARY KEY (app_name, user_id, session_id, event_id)
		)`

	sqlCreateAppStatesTable = `
		CREATE TABLE IF NOT EXISTS {{TABLE_NAME}} (
			app_name    VARCHAR NOT NULL,
			key         VARCHAR NOT NULL,
			value       VARCHAR,
			updated_at  TIMESTAMP NOT NULL,
			PRIMARY KEY (app_name, key)
		)`

	sqlCreateUserStatesTable = `
		CREATE TABLE IF NOT EXISTS {{TABLE_NAME}} (
			app_name    VARCHAR NOT NULL,
			user_id     VARCHAR NOT NULL,
			key         VARCHAR NOT NULL,
			value       VARCHAR,
			updated_at  TIMESTAMP NOT NULL,
			PRIMARY KEY (app_name, user_id, key)
		)`

	// Index creation SQL (DuckDB syntax)
	sqlCreateEventsSequenceIndex = `
		CREATE INDEX IF NOT EXISTS {{INDEX_NAME}} ON {{TABLE_NAME}} (app_name, user_id, session_id, sequence_num)`

	sqlCreateSessionsUpdatedAtIndex = `
		CREATE INDEX IF NOT EXISTS {{INDEX_NAME}} ON {{TABLE_NAME}} (app_name, updated_at)`
)

// tableDefinition defines a table with its SQL template
type tableDefinition struct {
	name     string
	template string
}

// indexDefinition defines an index with its table, suffix and SQL template
type indexDefinition struct {
	table    string
	suffix   string
	template string
}

// Global table definitions
var tableDefs = []tableDefinition{
	{sqldb.TableNameSessions, sqlCreateSessionsTable},
	{sqldb.TableNameEvents, sqlCreateEventsTable},
	{sqldb.TableNameAppStates, sqlCreateAppStatesTable},
	{sqldb.TableNameUserStates, sqlCreateUserStatesTable},
}

// Global index definitions
var indexDefs = []indexDefinition{
	{sqldb.TableNameEvents, sqldb.IndexSuffixSequence, sqlCreateEventsSequenceIndex},
	{sqldb.TableNameSessions, sqldb.IndexSuffixUpdatedAt, sqlCreateSessionsUpdatedAtIndex},
}

// EnsureTables creates the backing tables and indexes if absent.
// It is idempotent; the session service serializes concurrent callers.
// Unlike the clickhouse backend, index DDL failures are fatal here: an
// embedded database that rejects CREATE INDEX IF NOT EXISTS has a real
// schema problem.
func (b *Backend) EnsureTables(ctx context.Context) error {
	log.Info("initializing duckdb session schema...")

	// Create tables
	for _, tableDef := range tableDefs {
		fullTableName := sqldb.BuildTableName(b.opts.tablePrefix, tableDef.name)
		ddl := strings.ReplaceAll(tableDef.template, "{{TABLE_NAME}}", fullTableName)

		if _, err := b.client.Exec(ctx, ddl); err != nil {
			return session.NewBackendError("create table", fullTableName, err)
		}
		log.Infof("created table: %s", fullTableName)
	}

	// Create indexes
	for _, indexDef := range indexDefs {
		fullTableName := sqldb.BuildTableName(b.opts.tablePrefix, indexDef.table)
		indexName := sqldb.BuildIndexName(b.opts.tablePrefix, indexDef.table, indexDef.suffix)
		ddl := strings.ReplaceAll(indexDef.template, "{{TABLE_NAME}}", fullTableName)
		ddl = strings.ReplaceAll(ddl, "{{INDEX_NAME}}", indexName)

		if _, err := b.client.Exec(ctx, ddl); err != nil {
			return session.NewBackendError("create index", fullTableName, err)
		}
		log.Infof("created index: %s on table %s", indexName, fullTableName)
	}

	log.Info("duckdb session schema initialized successfully")
	return nil
}
