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

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"trpc.group/trpc-go/trpc-session-go/session"
)

// UpsertAppState applies a delta to the app-scope state. Each key becomes
// one batched row; a null sentinel value is stored as SQL NULL, which hides
// the key from reads.
func (b *Backend) UpsertAppState(ctx context.Context, appName string, delta session.StateMap, now time.Time) error {
	if len(delta) == 0 {
		return nil
	}

	err := b.client.BatchInsert(ctx,
		fmt.Sprintf("INSERT INTO %s (app_name, key, value, updated_at)", b.tableAppStates),
		func(batch driver.Batch) error {
			for key, value := range delta {
				if err := batch.Append(appName, key, stateValue(value), now); err != nil {
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

	err := b.client.BatchInsert(ctx,
		fmt.Sprintf("INSERT INTO %s (app_name, user_id, key, value, updated_at)", b.tableUserStates),
		func(batch driver.Batch) error {
			for key, value := range delta {
				if err := batch.Append(userKey.AppName, userKey.UserID, key, stateValue(value), now); err != nil {
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
	rows, err := b.client.Query(ctx,
		fmt.Sprintf(`SELECT key, value FROM %s FINAL
			WHERE app_name = ? AND value IS NOT NULL`, b.tableAppStates),
		appName)
	if err != nil {
		return nil, session.NewBackendError("select app state", b.tableAppStates, err)
	}
	defer rows.Close()

	return scanStateRows(rows, b.tableAppStates)
}

// SelectUserState returns the user-scope state, empty when absent.
func (b *Backend) SelectUserState(ctx context.Context, userKey session.UserKey) (session.StateMap, error) {
	rows, err := b.client.Query(ctx,
		fmt.Sprintf(`SELECT key, value FROM %s FINAL
			WHERE app_name = ? AND user_id = ? AND value IS NOT NULL`, b.tableUserStates),
		userKey.AppName, userKey.UserID)
	if err != nil {
		return nil, session.NewBackendError("select user state", b.tableUserStates, err)
	}
	defer rows.Close()

	return scanStateRows(rows, b.tableUserStates)
}

// stateValue maps a delta value to the Nullable(String) column: a null
// sentinel becomes SQL NULL, everything else is stored verbatim.
func stateValue(value []byte) *string {
	if session.IsNullValue(value) {
		return nil
	}
	s := string(value)
	return &s
}

func scanStateRows(rows driver.Rows, table string) (session.StateMap, error) {
	state := make(session.StateMap)
	for rows.Next() {
		var key string
		var value *string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, session.NewBackendError("scan state", table, err)
		}
		if value == nil {
			continue
		}
		state[key] = []byte(*value)
	}
	return state, nil
}
