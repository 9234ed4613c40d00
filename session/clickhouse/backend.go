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
	"fmt"
	"time"

	"trpc.group/trpc-go/trpc-session-go/internal/session/sqldb"
	"trpc.group/trpc-go/trpc-session-go/session"
	"trpc.group/trpc-go/trpc-session-go/session/store"
	storage "trpc.group/trpc-go/trpc-session-go/storage/clickhouse"
)

var _ store.Backend = (*Backend)(nil)

// Backend is the ClickHouse session store backend.
//
// Every write is an insert into a ReplacingMergeTree and every read runs
// with FINAL, so the newest write per key wins without updates in place.
// Conditional writes are therefore best-effort only; the session service
// verifies them through its write nonce re-read.
type Backend struct {
	opts   BackendOpts
	client storage.Client

	// Table names with prefix applied
	tableSessions   string
	tableEvents     string
	tableAppStates  string
	tableUserStates string
}

// New creates a new ClickHouse session backend.
// It requires either a DSN (WithClickHouseDSN) or an instance name
// (WithClickHouseInstance). Schema creation is driven by the session
// service through EnsureTables.
func New(options ...BackendOpt) (*Backend, error) {
	// Apply options
	opts := BackendOpts{}
	for _, option := range options {
		option(&opts)
	}

	// Create ClickHouse client
	builderOpts := []storage.ClientBuilderOpt{
		storage.WithClientBuilderDSN(opts.dsn),
		storage.WithExtraOptions(opts.extraOptions...),
	}
	if opts.dsn == "" && opts.instanceName != "" {
		// Use pre-registered ClickHouse instance
		var ok bool
		if builderOpts, ok = storage.GetClickHouseInstance(opts.instanceName); !ok {
			return nil, fmt.Errorf("clickhouse instance %s not found", opts.instanceName)
		}
	}

	client, err := storage.GetClientBuilder()(builderOpts...)
	if err != nil {
		return nil, fmt.Errorf("create clickhouse client failed: %w", err)
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

// Close closes the backend and releases the ClickHouse connection.
func (b *Backend) Close() error {
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

// InsertSession writes a fresh session incarnation. A soft-deleted remnant
// under the same key is superseded because the new row carries a newer
// updated_at, the sessions table's ReplacingMergeTree version column; the
// fresh incarnation wins FINAL even though its version restarts at 1.
func (b *Backend) InsertSession(ctx context.Context, row *store.SessionRow) error {
	stateBytes, err := session.EncodeState(row.State)
	if err != nil {
		return session.NewBackendError("insert session", b.tableSessions, err)
	}

	// Use UnixMicro to preserve microsecond precision
	// (ClickHouse driver has precision loss issue #1545).
	err = b.client.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s
			(app_name, user_id, session_id, state, version, write_nonce, rewind_to, deleted, created_at, updated_at, deleted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, fromUnixTimestamp64Micro(?), fromUnixTimestamp64Micro(?), ?)`, b.tableSessions),
		row.AppName, row.UserID, row.SessionID, string(stateBytes),
		row.Version, row.WriteNonce, row.RewindToEventID, row.Deleted,
		row.CreatedAt.UnixMicro(), row.UpdatedAt.UnixMicro(), nullableTime(row.DeletedAt))
	if err != nil {
		return session.NewBackendError("insert session", b.tableSessions, err)
	}
	return nil
}

// SelectSession returns the current row under the key, including a
// soft-deleted one, or nil when the key was never created.
func (b *Backend) SelectSession(ctx context.Context, key session.Key) (*store.SessionRow, error) {
	rows, err := b.client.Query(ctx,
		fmt.Sprintf(`SELECT state, version, write_nonce, rewind_to, deleted, created_at, updated_at, deleted_at
			FROM %s FINAL
			WHERE app_name = ? AND user_id = ? AND session_id = ?`, b.tableSessions),
		key.AppName, key.UserID, key.SessionID)
	if err != nil {
		return nil, session.NewBackendError("select session", b.tableSessions, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}

	var (
		stateStr             string
		version              int64
		nonce, rewindTo      string
		deleted              bool
		createdAt, updatedAt time.Time
		deletedAt            *time.Time
	)
	if err := rows.Scan(&stateStr, &version, &nonce, &rewindTo, &deleted, &createdAt, &updatedAt, &deletedAt); err != nil {
		return nil, session.NewBackendError("select session", b.tableSessions, err)
	}

	state, err := session.DecodeState([]byte(stateStr))
	if err != nil {
		return nil, session.NewCorruptionError(b.tableSessions, sessionKeyString(key), err)
	}

	row := &store.SessionRow{
		AppName:         key.AppName,
		UserID:          key.UserID,
		SessionID:       key.SessionID,
		State:           state,
		CreatedAt:       createdAt,
		UpdatedAt:       updatedAt,
		Version:         version,
		Deleted:         deleted,
		RewindToEventID: rewindTo,
		WriteNonce:      nonce,
	}
	if deletedAt != nil {
		row.DeletedAt = *deletedAt
	}
	return row, nil
}

// SelectSessions returns the live sessions of an app ordered by update time
// descending. An empty userID spans all users of the app.
func (b *Backend) SelectSessions(ctx context.Context, appName, userID string) ([]*store.SessionRow, error) {
	query := fmt.Sprintf(`SELECT user_id, session_id, state, version, write_nonce, rewind_to, created_at, updated_at
		FROM %s FINAL
		WHERE app_name = ? AND deleted = false`, b.tableSessions)
	args := []any{appName}
	if userID != "" {
		query += " AND user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY updated_at DESC"

	rows, err := b.client.Query(ctx, query, args...)
	if err != nil {
		return nil, session.NewBackendError("select sessions", b.tableSessions, err)
	}
	defer rows.Close()

	var result []*store.SessionRow
	for rows.Next() {
		var (
			rowUserID, sessionID string
			stateStr             string
			version              int64
			nonce, rewindTo      string
			createdAt, updatedAt time.Time
		)
		if err := rows.Scan(&rowUserID, &sessionID, &stateStr, &version, &nonce, &rewindTo, &createdAt, &updatedAt); err != nil {
			return nil, session.NewBackendError("select sessions", b.tableSessions, err)
		}

		key := session.Key{AppName: appName, UserID: rowUserID, SessionID: sessionID}
		state, err := session.DecodeState([]byte(stateStr))
		if err != nil {
			return nil, session.NewCorruptionError(b.tableSessions, sessionKeyString(key), err)
		}

		result = append(result, &store.SessionRow{
			AppName:         appName,
			UserID:          rowUserID,
			SessionID:       sessionID,
			State:           state,
			CreatedAt:       createdAt,
			UpdatedAt:       updatedAt,
			Version:         version,
			RewindToEventID: rewindTo,
			WriteNonce:      nonce,
		})
	}
	return result, nil
}

// UpdateSessionConditional writes row as the session's new content, gated on
// the stored version still being expectedVersion. The gate is an
// INSERT ... SELECT against the current row; two racing writers can both
// pass it, so success is not trustworthy and the session service must
// verify its write nonce with a re-read.
func (b *Backend) UpdateSessionConditional(ctx context.Context, expectedVersion int64, row *store.SessionRow) error {
	stateBytes, err := session.EncodeState(row.State)
	if err != nil {
		return session.NewBackendError("conditional update", b.tableSessions, err)
	}

	err = b.client.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s
			(app_name, user_id, session_id, state, version, write_nonce, rewind_to, deleted, created_at, updated_at, deleted_at)
			SELECT ?, ?, ?, ?, ?, ?, ?, ?, fromUnixTimestamp64Micro(?), fromUnixTimestamp64Micro(?), ?
			FROM %s FINAL
			WHERE app_name = ? AND user_id = ? AND session_id = ? AND version = ? AND deleted = false
			LIMIT 1`, b.tableSessions, b.tableSessions),
		row.AppName, row.UserID, row.SessionID, string(stateBytes),
		row.Version, row.WriteNonce, row.RewindToEventID, row.Deleted,
		row.CreatedAt.UnixMicro(), row.UpdatedAt.UnixMicro(), nullableTime(row.DeletedAt),
		row.AppName, row.UserID, row.SessionID, expectedVersion)
	if err != nil {
		return session.NewBackendError("conditional update", b.tableSessions, err)
	}
	return nil
}

// SoftDeleteSession re-emits the current row with the deleted marker set and
// a bumped version, leaving event rows untouched.
func (b *Backend) SoftDeleteSession(ctx context.Context, key session.Key, deletedAt time.Time) error {
	err := b.client.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s
			(app_name, user_id, session_id, state, version, write_nonce, rewind_to, deleted, created_at, updated_at, deleted_at)
			SELECT app_name, user_id, session_id, state, version + 1, write_nonce, rewind_to, true, created_at,
				fromUnixTimestamp64Micro(?), fromUnixTimestamp64Micro(?)
			FROM %s FINAL
			WHERE app_name = ? AND user_id = ? AND session_id = ? AND deleted = false`,
			b.tableSessions, b.tableSessions),
		deletedAt.UnixMicro(), deletedAt.UnixMicro(),
		key.AppName, key.UserID, key.SessionID)
	if err != nil {
		return session.NewBackendError("soft delete session", b.tableSessions, err)
	}
	return nil
}

// nullableTime maps the zero time to a SQL NULL.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func sessionKeyString(key session.Key) string {
	return fmt.Sprintf("%s/%s/%s", key.AppName, key.UserID, key.SessionID)
}
