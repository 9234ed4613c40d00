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
	"database/sql"
	"errors"
	"fmt"
	"time"

	"trpc.group/trpc-go/trpc-session-go/internal/session/sqldb"
	"trpc.group/trpc-go/trpc-session-go/log"
	"trpc.group/trpc-go/trpc-session-go/session"
	"trpc.group/trpc-go/trpc-session-go/session/store"
	storage "trpc.group/trpc-go/trpc-session-go/storage/duckdb"
)

var _ store.Backend = (*Backend)(nil)

// Backend is the DuckDB session store backend.
//
// Natural keys are primary keys, so writes are ordinary inserts and
// guarded updates. Conditional writes are reliable here, but the session
// service still verifies them through its write nonce re-read so both
// backends behave identically from above.
type Backend struct {
	opts   BackendOpts
	client storage.Client

	// Table names with prefix applied
	tableSessions   string
	tableEvents     string
	tableAppStates  string
	tableUserStates string
}

// New creates a new DuckDB session backend.
// Without WithDuckDBDSN or WithDuckDBInstance it opens a private
// in-memory database, which suits tests and throwaway runtimes. Schema
// creation is driven by the session service through EnsureTables.
func New(options ...BackendOpt) (*Backend, error) {
	// Apply options
	opts := BackendOpts{}
	for _, option := range options {
		option(&opts)
	}

	// Create DuckDB client
	builderOpts := []storage.ClientBuilderOpt{
		storage.WithClientBuilderDSN(opts.dsn),
		storage.WithExtraOptions(opts.extraOptions...),
	}
	if opts.dsn == "" && opts.instanceName != "" {
		// Use pre-registered DuckDB instance
		var ok bool
		if builderOpts, ok = storage.GetDuckDBInstance(opts.instanceName); !ok {
			return nil, fmt.Errorf("duckdb instance %s not found", opts.instanceName)
		}
	}

	client, err := storage.GetClientBuilder()(builderOpts...)
	if err != nil {
		return nil, fmt.Errorf("create duckdb client failed: %w", err)
	}

	return &Backend{
		opts:            opts,
		client:          client,
		tableSessions:   sqldb.BuildTableName(opts.tablePrefix, sqldb.TableNameSessions),
		tableEvents:     sqldb.BuildTableName(opts.tablePrefix, sqldb.TableNameEvents),
		tableAppStates:  sqldb.BuildTableName(opts.tablePrefix, sqldb.TableNameAppStates),
		tableUserStates: sqldb.BuildTableName(opts.tablePrefix, sqldb.TableNameUserStates),
	}, nil
}

// Close closes the backend and releases the DuckDB handle. For an
// in-memory database this discards all data.
func (b *Backend) Close() error {
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

// InsertSession writes a fresh session incarnation, replacing a
// soft-deleted remnant under the same key in place.
func (b *Backend) InsertSession(ctx context.Context, row *store.SessionRow) error {
	stateBytes, err := session.EncodeState(row.State)
	if err != nil {
		return session.NewBackendError("insert session", b.tableSessions, err)
	}

	_, err = b.client.Exec(ctx,
		fmt.Sprintf(`INSERT OR REPLACE INTO %s
			(app_name, user_id, session_id, state, version, write_nonce, rewind_to, deleted, created_at, updated_at, deleted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, b.tableSessions),
		row.AppName, row.UserID, row.SessionID, string(stateBytes),
		row.Version, row.WriteNonce, row.RewindToEventID, row.Deleted,
		row.CreatedAt, row.UpdatedAt, nullableTime(row.DeletedAt))
	if err != nil {
		return session.NewBackendError("insert session", b.tableSessions, err)
	}
	return nil
}

// SelectSession returns the current row under the key, including a
// soft-deleted one, or nil when the key was never created. A corrupt
// state column is replaced by an empty state with a warning, so an
// embedded store stays usable after a bad write.
func (b *Backend) SelectSession(ctx context.Context, key session.Key) (*store.SessionRow, error) {
	var (
		stateStr             string
		version              int64
		nonce, rewindTo      string
		deleted              bool
		createdAt, updatedAt time.Time
		deletedAt            sql.NullTime
	)
	err := b.client.QueryRow(ctx,
		[]any{&stateStr, &version, &nonce, &rewindTo, &deleted, &createdAt, &updatedAt, &deletedAt},
		fmt.Sprintf(`SELECT state, version, write_nonce, rewind_to, deleted, created_at, updated_at, deleted_at
			FROM %s WHERE app_name = ? AND user_id = ? AND session_id = ?`, b.tableSessions),
		key.AppName, key.UserID, key.SessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, session.NewBackendError("select session", b.tableSessions, err)
	}

	row := &store.SessionRow{
		AppName:         key.AppName,
		UserID:          key.UserID,
		SessionID:       key.SessionID,
		State:           b.decodeState(key, stateStr),
		CreatedAt:       createdAt,
		UpdatedAt:       updatedAt,
		Version:         version,
		Deleted:         deleted,
		RewindToEventID: rewindTo,
		WriteNonce:      nonce,
	}
	if deletedAt.Valid {
		row.DeletedAt = deletedAt.Time
	}
	return row, nil
}

// SelectSessions returns the live sessions of an app ordered by update time
// descending. An empty userID spans all users of the app.
func (b *Backend) SelectSessions(ctx context.Context, appName, userID string) ([]*store.SessionRow, error) {
	query := fmt.Sprintf(`SELECT user_id, session_id, state, version, write_nonce, rewind_to, created_at, updated_at
		FROM %s
		WHERE app_name = ? AND deleted = false`, b.tableSessions)
	args := []any{appName}
	if userID != "" {
		query += " AND user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY updated_at DESC"

	var result []*store.SessionRow
	err := b.client.Query(ctx, func(rows *sql.Rows) error {
		var (
			rowUserID, sessionID string
			stateStr             string
			version              int64
			nonce, rewindTo      string
			createdAt, updatedAt time.Time
		)
		if err := rows.Scan(&rowUserID, &sessionID, &stateStr, &version, &nonce, &rewindTo, &createdAt, &updatedAt); err != nil {
			return err
		}

		key := session.Key{AppName: appName, UserID: rowUserID, SessionID: sessionID}
		result = append(result, &store.SessionRow{
			AppName:         appName,
			UserID:          rowUserID,
			SessionID:       sessionID,
			State:           b.decodeState(key, stateStr),
			CreatedAt:       createdAt,
			UpdatedAt:       updatedAt,
			Version:         version,
			RewindToEventID: rewindTo,
			WriteNonce:      nonce,
		})
		return nil
	}, query, args...)
	if err != nil {
		return nil, session.NewBackendError("select sessions", b.tableSessions, err)
	}
	return result, nil
}

// UpdateSessionConditional writes row as the session's new content, gated
// on the stored version still being expectedVersion. The guarded UPDATE is
// atomic on DuckDB; the session service's nonce re-read still runs so both
// backends share one protocol.
func (b *Backend) UpdateSessionConditional(ctx context.Context, expectedVersion int64, row *store.SessionRow) error {
	stateBytes, err := session.EncodeState(row.State)
	if err != nil {
		return session.NewBackendError("conditional update", b.tableSessions, err)
	}

	_, err = b.client.Exec(ctx,
		fmt.Sprintf(`UPDATE %s
			SET state = ?, version = ?, write_nonce = ?, rewind_to = ?, deleted = ?, updated_at = ?, deleted_at = ?
			WHERE app_name = ? AND user_id = ? AND session_id = ? AND version = ? AND deleted = false`,
			b.tableSessions),
		string(stateBytes), row.Version, row.WriteNonce, row.RewindToEventID, row.Deleted,
		row.UpdatedAt, nullableTime(row.DeletedAt),
		row.AppName, row.UserID, row.SessionID, expectedVersion)
	if err != nil {
		return session.NewBackendError("conditional update", b.tableSessions, err)
	}
	return nil
}

// SoftDeleteSession marks the session deleted with a bumped version,
// leaving event rows untouched.
func (b *Backend) SoftDeleteSession(ctx context.Context, key session.Key, deletedAt time.Time) error {
	_, err := b.client.Exec(ctx,
		fmt.Sprintf(`UPDATE %s
			SET deleted = true, version = version + 1, updated_at = ?, deleted_at = ?
			WHERE app_name = ? AND user_id = ? AND session_id = ? AND deleted = false`,
			b.tableSessions),
		deletedAt, deletedAt, key.AppName, key.UserID, key.SessionID)
	if err != nil {
		return session.NewBackendError("soft delete session", b.tableSessions, err)
	}
	return nil
}

// decodeState decodes the state column, substituting an empty state on
// corruption.
func (b *Backend) decodeState(key session.Key, stateStr string) session.StateMap {
	state, err := session.DecodeState([]byte(stateStr))
	if err != nil {
		log.Warnf("duckdb session backend: corrupt state for %s, substituting empty state: %v",
			sessionKeyString(key), err)
		return session.StateMap{}
	}
	return state
}

// nullableTime maps the zero time to a SQL NULL.
func nullableTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func sessionKeyString(key session.Key) string {
	return fmt.Sprintf("%s/%s/%s", key.AppName, key.UserID, key.SessionID)
}
