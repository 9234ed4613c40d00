//
// Tencent is pleased to support the open source community by making trpc-session-go available.
//
// Copyright (C) 2026 Tencent.  All rights reserved.
//
// trpc-session-go is licensed under the Apache License Version 2.0.
//
//

package clickhouse

import (
	"context"
	"strings"

	"trpc.group/trpc-go/trpc-session-go/internal/session/sqldb"
	"trpc.group/trpc-go/trpc-session-go/log"
	"trpc.group/trpc-go/trpc-session-go/session"
)

// SQL templates for table creation (ClickHouse syntax).
// Every table is a ReplacingMergeTree so writes are plain inserts and reads
// deduplicate with FINAL. All tables dedup on updated_at: the newest write
// wins per logical key. The sessions table must not dedup on the optimistic
// version column — a session re-created after a soft delete restarts at
// version 1, below the deleted remnant's version, and would stay invisible.
// Event and user state tables partition by (app_name, cityHash64(user_id) % 64)
// for user-centric query locality.
// DateTime64(6) keeps microsecond precision so timestamps round-trip exactly.
const (
	sqlCreateSessionsTable = `
		CREATE TABLE IF NOT EXISTS {{TABLE_NAME}} (
			app_name    String,
			user_id     String,
			session_id  String,
			state       String,
			version     Int64,
			write_nonce String,
			rewind_to   String,
			deleted     Bool,
			created_at  DateTime64(6),
			updated_at  DateTime64(6),
			deleted_at  Nullable(DateTime64(6))
		) ENGINE = ReplacingMergeTree(updated_at)
		PARTITION BY app_name
		ORDER BY (app_name, user_id, session_id)
		SETTINGS index_granularity = 8192`

	sqlCreateEventsTable = `
		CREATE TABLE IF NOT EXISTS {{TABLE_NAME}} (
			app_name      String,
			user_id       String,
			session_id    String,
			event_id      String,
			sequence_num  Int64,
			invocation_id String,
			author        String,
			event         String,
			state_delta   String,
			has_delta     Bool,
			after_rewind  Bool,
			event_time    DateTime64(6),
			created_at    DateTime64(6),
			updated_at    DateTime64(6)
		) ENGINE = ReplacingMergeTree(updated_at)
		PARTITION BY (app_name, cityHash64(user_id) % 64)
		ORDER BY (app_name, user_id, session_id, event_id)
		SETTINGS index_granularity = 8192`

	sqlCreateAppStatesTable = `
		CREATE TABLE IF NOT EXISTS {{TABLE_NAME}} (
			app_name    String,
			key         String,
			value       Nullable(String),
			updated_at  DateTime64(6)
		) ENGINE = ReplacingMergeTree(updated_at)
		PARTITION BY app_name
		ORDER BY (app_name, key)
		SETTINGS index_granularity = 8192`

	sqlCreateUserStatesTable = `
		CREATE TABLE IF NOT EXISTS {{TABLE_NAME}} (
			app_name    String,
			user_id     String,
			key         String,
			value       Nullable(String),
			updated_at  DateTime64(6)
		) ENGINE = ReplacingMergeTree(updated_at)
		PARTITION BY (app_name, cityHash64(user_id) % 64)
		ORDER BY (app_name, user_id, key)
		SETTINGS index_granularity = 8192`

	// Index creation SQL (ClickHouse syntax)
	sqlCreateEventsSequenceIndex = `
		ALTER TABLE {{TABLE_NAME}} ADD INDEX IF NOT EXISTS {{INDEX_NAME}} (sequence_num) TYPE minmax GRANULARITY 4`

	sqlCreateSessionsUpdatedAtIndex = `
		ALTER TABLE {{TABLE_NAME}} ADD INDEX IF NOT EXISTS {{INDEX_NAME}} (updated_at) TYPE minmax GRANULARITY 4`
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
func (b *Backend) EnsureTables(ctx context.Context) error {
	log.Info("initializing clickhouse session schema...")

	// Create tables
	for _, tableDef := range tableDefs {
		fullTableName := sqldb.BuildTableName(b.opts.tablePrefix, tableDef.name)
		ddl := strings.ReplaceAll(tableDef.template, "{{TABLE_NAME}}", fullTableName)

		if err := b.client.Exec(ctx, ddl); err != nil {
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

		if err := b.client.Exec(ctx, ddl); err != nil {
			// ClickHouse ADD INDEX IF NOT EXISTS should not fail if index exists
			// but we log a warning just in case
			log.Warnf("create index %s on table %s: %v", indexName, fullTableName, err)
		} else {
			log.Infof("created index: %s on table %s", indexName, fullTableName)
		}
	}

	log.Info("clickhouse session schema initialized successfully")
	return nil
}
