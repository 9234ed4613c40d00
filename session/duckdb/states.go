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
	"fmt"
	"time"

	"trpc.group/trpc-go/trpc-session-go/session"
)

// UpsertAppState applies a delta to the app-scope state. All keys of the
// delta land in one transaction; a null sentinel value is stored as SQL
// NULL, which hides the key from reads.
func (b *Backend) UpsertAppState(ctx context.Context, appName string, delta session.StateMap, now time.Time) error {
	if len(delta) == 0 {
		return nil
	}

	query := fmt.Sprintf(`INSERT INTO %s (app_name, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (app_name, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		b.tableAppStates)
	err := b.client.Transaction(ctx, func(tx *sql.Tx) error {
		for key, value := range delta {
			if _, err := tx.ExecContext(ctx, query, appName, key, stateValue(value), now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return session.NewBackendError("upsert app state", b.tableAppStates, err)
	}
	return nil
}

// UpsertUserState applies a delta to the user-scope state with the same
// null sentinel convention as UpsertAppState.
func (b *Backend) UpsertUserState(ctx context.Context, userKey session.UserKey, delta session.StateMap, now time.Time) error {
	if len(delta) == 0 {
		return nil
	}

	query := fmt.Sprintf(`INSERT INTO %s (app_name, user_id, key, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (app_name, user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		b.tableUserStates)
	err := b.client.Transaction(ctx, func(tx *sql.Tx) error {
		for key, value := range delta {
			if _, err := tx.ExecContext(ctx, query, userKey.AppName, userKey.UserID, key, stateValue(value), now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return session.NewBackendError("upsert user state", b.tableUserStates, err)
	}
	return nil
}

// SelectAppState returns the app-scope state, empty when absent.
func (b *Backend) SelectAppState(ctx context.Context, appName string) (session.StateMap, error) {
	state := make(session.StateMap)
	err := b.client.Query(ctx, scanStateRow(state),
		fmt.Sprintf(`SELECT key, value FROM %s
			WHERE app_name = ? AND value IS NOT NULL`, b.tableAppStates),
		appName)
	if err != nil {
		return nil, session.NewBackendError("select app state", b.tableAppStates, err)
	}
	return state, nil
}

// SelectUserState returns the user-scope state, empty when absent.
func (b *Backend) SelectUserState(ctx context.Context, userKey session.UserKey) (session.StateMap, error) {
	state := make(session.StateMap)
	err := b.client.Query(ctx, scanStateRow(state),
		fmt.Sprintf(`SELECT key, value FROM %s
			WHERE app_name = ? AND user_id = ? AND value IS NOT NULL`, b.tableUserStates),
		userKey.AppName, userKey.UserID)
	if err != nil {
		return nil, session.NewBackendError("select user state", b.tableUserStates, err)
	}
	return state, nil
}

// stateValue maps a delta value to the nullable value column: a null
// sentinel becomes SQL NULL, everything else is stored verbatim.
func stateValue(value []byte) sql.NullString {
	if session.IsNullValue(value) {
		return sql.NullString{}
	}
	return sql.NullString{String: string(value), Valid: true}
}

// scanStateRow returns a row callback collecting state keys into state.
func scanStateRow(state session.StateMap) func(rows *sql.Rows) error {
	return func(rows *sql.Rows) error {
		var key string
		var value sql.NullString
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		if !value.Valid {
			return nil
		}
		state[key] = []byte(value.String)
		return nil
	}
}
