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
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-session-go/session"
	"trpc.group/trpc-go/trpc-session-go/session/store"
	storage "trpc.group/trpc-go/trpc-session-go/storage/clickhouse"
)

var (
	testKey = session.Key{AppName: "assistant", UserID: "u-1", SessionID: "s-1"}
	testT0  = time.Date(2026, 3, 1, 10, 0, 0, 123456000, time.UTC)
	testT1  = time.Date(2026, 3, 1, 10, 0, 1, 654321000, time.UTC)
)

// newTestBackend wires a Backend to the given mock client.
func newTestBackend(t *testing.T, client *mockClient, opts ...BackendOpt) *Backend {
	t.Helper()

	orig := storage.GetClientBuilder()
	t.Cleanup(func() { storage.SetClientBuilder(orig) })
	storage.SetClientBuilder(func(builderOpts ...storage.ClientBuilderOpt) (storage.Client, error) {
		return client, nil
	})

	b, err := New(append([]BackendOpt{WithClickHouseDSN("clickhouse://localhost:9000")}, opts...)...)
	require.NoError(t, err)
	return b
}

func mustEncodeState(t *testing.T, state session.StateMap) string {
	t.Helper()
	data, err := session.EncodeState(state)
	require.NoError(t, err)
	return string(data)
}

func TestNew(t *testing.T) {
	orig := storage.GetClientBuilder()
	t.Cleanup(func() { storage.SetClientBuilder(orig) })
	storage.SetClientBuilder(func(builderOpts ...storage.ClientBuilderOpt) (storage.Client, error) {
		return &mockClient{}, nil
	})

	t.Run("with DSN and prefix", func(t *testing.T) {
		b, err := New(WithClickHouseDSN("clickhouse://localhost:9000"), WithTablePrefix("runtime"))
		require.NoError(t, err)
		assert.Equal(t, "runtime_sessions", b.tableSessions)
		assert.Equal(t, "runtime_events", b.tableEvents)
		assert.Equal(t, "runtime_app_states", b.tableAppStates)
		assert.Equal(t, "runtime_user_states", b.tableUserStates)
	})

	t.Run("with registered instance", func(t *testing.T) {
		storage.RegisterClickHouseInstance("backend-test-instance",
			storage.WithClientBuilderDSN("clickhouse://localhost:9000"))
		b, err := New(WithClickHouseInstance("backend-test-instance"))
		require.NoError(t, err)
		assert.Equal(t, "sessions", b.tableSessions)
	})

	t.Run("unknown instance", func(t *testing.T) {
		_, err := New(WithClickHouseInstance("no-such-instance"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("builder error", func(t *testing.T) {
		storage.SetClientBuilder(func(builderOpts ...storage.ClientBuilderOpt) (storage.Client, error) {
			return nil, errors.New("connect refused")
		})
		_, err := New(WithClickHouseDSN("clickhouse://localhost:9000"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "create clickhouse client failed")
	})
}

func TestEnsureTables(t *testing.T) {
	var queries []string
	client := &mockClient{
		execFunc: func(ctx context.Context, query string, args ...any) error {
			queries = append(queries, query)
			return nil
		},
	}
	b := newTestBackend(t, client, WithTablePrefix("runtime"))

	require.NoError(t, b.EnsureTables(context.Background()))

	// Four tables then two indexes.
	require.Len(t, queries, 6)
	assert.Contains(t, queries[0], "CREATE TABLE IF NOT EXISTS runtime_sessions")
	assert.Contains(t, queries[0], "ReplacingMergeTree(updated_at)")
	assert.Contains(t, queries[1], "CREATE TABLE IF NOT EXISTS runtime_events")
	assert.Contains(t, queries[1], "cityHash64(user_id)")
	assert.Contains(t, queries[2], "CREATE TABLE IF NOT EXISTS runtime_app_states")
	assert.Contains(t, queries[3], "CREATE TABLE IF NOT EXISTS runtime_user_states")
	assert.Contains(t, queries[4], "ALTER TABLE runtime_events ADD INDEX IF NOT EXISTS idx_runtime_events_sequence")
	assert.Contains(t, queries[5], "ALTER TABLE runtime_sessions ADD INDEX IF NOT EXISTS idx_runtime_sessions_updated_at")
}

// The sessions table must dedup on updated_at, never on the optimistic
// version column: a session re-created after a soft delete restarts at
// version 1, and a version-keyed ReplacingMergeTree would keep serving the
// deleted remnant (version N+1) under FINAL forever.
func TestEnsureTables_SessionsDedupColumn(t *testing.T) {
	var sessionsDDL string
	client := &mockClient{
		execFunc: func(ctx context.Context, query string, args ...any) error {
			if strings.Contains(query, "CREATE TABLE IF NOT EXISTS sessions") {
				sessionsDDL = query
			}
			return nil
		},
	}
	b := newTestBackend(t, client)

	require.NoError(t, b.EnsureTables(context.Background()))
	require.NotEmpty(t, sessionsDDL)
	assert.Contains(t, sessionsDDL, "ENGINE = ReplacingMergeTree(updated_at)")
	assert.NotContains(t, sessionsDDL, "ReplacingMergeTree(version)")
}

func TestEnsureTables_TableError(t *testing.T) {
	client := &mockClient{
		execFunc: func(ctx context.Context, query string, args ...any) error {
			return errors.New("no ddl permission")
		},
	}
	b := newTestBackend(t, client)

	err := b.EnsureTables(context.Background())
	require.Error(t, err)
	var backendErr *session.BackendError
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, "create table", backendErr.Op)
	assert.Equal(t, "sessions", backendErr.Table)
}

func TestEnsureTables_IndexErrorIsNonFatal(t *testing.T) {
	calls := 0
	client := &mockClient{
		execFunc: func(ctx context.Context, query string, args ...any) error {
			calls++
			if calls > 4 {
				// Index DDL fails, table DDL succeeds.
				return errors.New("unsupported index type")
			}
			return nil
		},
	}
	b := newTestBackend(t, client)

	assert.NoError(t, b.EnsureTables(context.Background()))
	assert.Equal(t, 6, calls)
}

func TestInsertSession(t *testing.T) {
	var gotQuery string
	var gotArgs []any
	client := &mockClient{
		execFunc: func(ctx context.Context, query string, args ...any) error {
			gotQuery = query
			gotArgs = args
			return nil
		},
	}
	b := newTestBackend(t, client)

	state := session.StateMap{"topic": []byte(`"planning"`)}
	row := &store.SessionRow{
		AppName:   testKey.AppName,
		UserID:    testKey.UserID,
		SessionID: testKey.SessionID,
		State:     state,
		CreatedAt: testT0,
		UpdatedAt: testT1,
		Version:   1,
		WriteNonce: "nonce-1",
	}
	require.NoError(t, b.InsertSession(context.Background(), row))

	assert.Contains(t, gotQuery, "INSERT INTO sessions")
	assert.Contains(t, gotQuery, "fromUnixTimestamp64Micro(?)")
	require.Len(t, gotArgs, 11)
	assert.Equal(t, "assistant", gotArgs[0])
	assert.Equal(t, "u-1", gotArgs[1])
	assert.Equal(t, "s-1", gotArgs[2])
	assert.Equal(t, mustEncodeState(t, state), gotArgs[3])
	assert.Equal(t, int64(1), gotArgs[4])
	assert.Equal(t, "nonce-1", gotArgs[5])
	assert.Equal(t, "", gotArgs[6])
	assert.Equal(t, false, gotArgs[7])
	assert.Equal(t, testT0.UnixMicro(), gotArgs[8])
	assert.Equal(t, testT1.UnixMicro(), gotArgs[9])
	assert.Nil(t, gotArgs[10]) // zero DeletedAt maps to NULL
}

func TestInsertSession_ExecError(t *testing.T) {
	client := &mockClient{
		execFunc: func(ctx context.Context, query string, args ...any) error {
			return errors.New("connection reset")
		},
	}
	b := newTestBackend(t, client)

	err := b.InsertSession(context.Background(), &store.SessionRow{
		AppName: "assistant", UserID: "u-1", SessionID: "s-1",
		CreatedAt: testT0, UpdatedAt: testT0, Version: 1,
	})
	var backendErr *session.BackendError
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, "insert session", backendErr.Op)
}

func TestSelectSession(t *testing.T) {
	state := session.StateMap{"topic": []byte(`"planning"`)}
	stateJSON := mustEncodeState(t, state)

	t.Run("found", func(t *testing.T) {
		var gotQuery string
		client := &mockClient{
			queryFunc: func(ctx context.Context, query string, args ...any) (driver.Rows, error) {
				gotQuery = query
				return newMockRows([][]any{
					{stateJSON, int64(7), "nonce-7", "evt-3", false, testT0, testT1, nil},
				}), nil
			},
		}
		b := newTestBackend(t, client)

		row, err := b.SelectSession(context.Background(), testKey)
		require.NoError(t, err)
		require.NotNil(t, row)
		assert.Contains(t, gotQuery, "FROM sessions FINAL")
		assert.Equal(t, state, row.State)
		assert.Equal(t, int64(7), row.Version)
		assert.Equal(t, "nonce-7", row.WriteNonce)
		assert.Equal(t, "evt-3", row.RewindToEventID)
		assert.False(t, row.Deleted)
		assert.True(t, row.CreatedAt.Equal(testT0))
		assert.True(t, row.UpdatedAt.Equal(testT1))
		assert.True(t, row.DeletedAt.IsZero())
		assert.Equal(t, testKey, row.Key())
	})

	t.Run("soft deleted", func(t *testing.T) {
		delTime := testT1.Add(time.Minute)
		client := &mockClient{
			queryFunc: func(ctx context.Context, query string, args ...any) (driver.Rows, error) {
				return newMockRows([][]any{
					{stateJSON, int64(8), "nonce-8", "", true, testT0, delTime, &delTime},
				}), nil
			},
		}
		b := newTestBackend(t, client)

		row, err := b.SelectSession(context.Background(), testKey)
		require.NoError(t, err)
		require.NotNil(t, row)
		assert.True(t, row.Deleted)
		assert.True(t, row.DeletedAt.Equal(delTime))
	})

	t.Run("never created", func(t *testing.T) {
		b := newTestBackend(t, &mockClient{})

		row, err := b.SelectSession(context.Background(), testKey)
		require.NoError(t, err)
		assert.Nil(t, row)
	})

	t.Run("corrupt state", func(t *testing.T) {
		client := &mockClient{
			queryFunc: func(ctx context.Context, query string, args ...any) (driver.Rows, error) {
				return newMockRows([][]any{
					{"{not json", int64(1), "", "", false, testT0, testT0, nil},
				}), nil
			},
		}
		b := newTestBackend(t, client)

		_, err := b.SelectSession(context.Background(), testKey)
		var corruptionErr *session.CorruptionError
		require.ErrorAs(t, err, &corruptionErr)
		assert.Equal(t, "sessions", corruptionErr.Table)
		assert.Equal(t, "assistant/u-1/s-1", corruptionErr.Key)
	})

	t.Run("query error", func(t *testing.T) {
		client := &mockClient{
			queryFunc: func(ctx context.Context, query string, args ...any) (driver.Rows, error) {
				return nil, errors.New("connection lost")
			},
		}
		b := newTestBackend(t, client)

		_, err := b.SelectSession(context.Background(), testKey)
		var backendErr *session.BackendError
		require.ErrorAs(t, err, &backendErr)
		assert.Equal(t, "select session", backendErr.Op)
	})
}

func TestSelectSessions(t *testing.T) {
	stateJSON := mustEncodeState(t, session.StateMap{})

	t.Run("all users", func(t *testing.T) {
		var gotQuery string
		var gotArgs []any
		client := &mockClient{
			queryFunc: func(ctx context.Context, query string, args ...any) (driver.Rows, error) {
				gotQuery = query
				gotArgs = args
				return newMockRows([][]any{
					{"u-2", "s-9", stateJSON, int64(4), "n-9", "", testT0, testT1},
					{"u-1", "s-1", stateJSON, int64(2), "n-1", "", testT0, testT0},
				}), nil
			},
		}
		b := newTestBackend(t, client)

		rows, err := b.SelectSessions(context.Background(), "assistant", "")
		require.NoError(t, err)
		assert.Contains(t, gotQuery, "deleted = false")
		assert.Contains(t, gotQuery, "ORDER BY updated_at DESC")
		assert.NotContains(t, gotQuery, "AND user_id = ?")
		assert.Equal(t, []any{"assistant"}, gotArgs)
		require.Len(t, rows, 2)
		assert.Equal(t, "u-2", rows[0].UserID)
		assert.Equal(t, "s-9", rows[0].SessionID)
		assert.Equal(t, int64(4), rows[0].Version)
		assert.Equal(t, "assistant", rows[1].AppName)
	})

	t.Run("single user", func(t *testing.T) {
		var gotQuery string
		var gotArgs []any
		client := &mockClient{
			queryFunc: func(ctx context.Context, query string, args ...any) (driver.Rows, error) {
				gotQuery = query
				gotArgs = args
				return newMockRows(nil), nil
			},
		}
		b := newTestBackend(t, client)

		rows, err := b.SelectSessions(context.Background(), "assistant", "u-1")
		require.NoError(t, err)
		assert.Empty(t, rows)
		assert.Contains(t, gotQuery, "AND user_id = ?")
		assert.Equal(t, []any{"assistant", "u-1"}, gotArgs)
	})
}

func TestUpdateSessionConditional(t *testing.T) {
	var gotQuery string
	var gotArgs []any
	client := &mockClient{
		execFunc: func(ctx context.Context, query string, args ...any) error {
			gotQuery = query
			gotArgs = args
			return nil
		},
	}
	b := newTestBackend(t, client)

	state := session.StateMap{"topic": []byte(`"updated"`)}
	row := &store.SessionRow{
		AppName:   testKey.AppName,
		UserID:    testKey.UserID,
		SessionID: testKey.SessionID,
		State:     state,
		CreatedAt: testT0,
		UpdatedAt: testT1,
		Version:   7,
		WriteNonce: "nonce-7",
	}
	require.NoError(t, b.UpdateSessionConditional(context.Background(), 6, row))

	assert.Contains(t, gotQuery, "FROM sessions FINAL")
	assert.Contains(t, gotQuery, "AND version = ? AND deleted = false")
	assert.Contains(t, gotQuery, "LIMIT 1")
	require.Len(t, gotArgs, 15)
	assert.Equal(t, mustEncodeState(t, state), gotArgs[3])
	assert.Equal(t, int64(7), gotArgs[4])
	assert.Equal(t, "nonce-7", gotArgs[5])
	// Gate arguments come last: key plus the expected version.
	assert.Equal(t, []any{"assistant", "u-1", "s-1", int64(6)}, gotArgs[11:])
}

func TestSoftDeleteSession(t *testing.T) {
	var gotQuery string
	var gotArgs []any
	client := &mockClient{
		execFunc: func(ctx context.Context, query string, args ...any) error {
			gotQuery = query
			gotArgs = args
			return nil
		},
	}
	b := newTestBackend(t, client)

	delTime := testT1.Add(time.Hour)
	require.NoError(t, b.SoftDeleteSession(context.Background(), testKey, delTime))

	assert.Contains(t, gotQuery, "version + 1")
	assert.Contains(t, gotQuery, "deleted = false")
	require.Len(t, gotArgs, 5)
	assert.Equal(t, delTime.UnixMicro(), gotArgs[0])
	assert.Equal(t, delTime.UnixMicro(), gotArgs[1])
	assert.Equal(t, []any{"assistant", "u-1", "s-1"}, gotArgs[2:])
}

func TestWithTablePrefix(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		panics bool
	}{
		{name: "empty", prefix: "", panics: false},
		{name: "valid", prefix: "runtime", panics: false},
		{name: "trailing underscore", prefix: "runtime_", panics: false},
		{name: "sql injection", prefix: "x; DROP TABLE sessions", panics: true},
		{name: "leading digit", prefix: "1runtime", panics: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apply := func() {
				opts := &BackendOpts{}
				WithTablePrefix(tt.prefix)(opts)
			}
			if tt.panics {
				assert.Panics(t, apply)
			} else {
				assert.NotPanics(t, apply)
			}
		})
	}
}

func TestBackendClose(t *testing.T) {
	closed := false
	client := &mockClient{
		closeFunc: func() error {
			closed = true
			return nil
		},
	}
	b := newTestBackend(t, client)

	require.NoError(t, b.Close())
	assert.True(t, closed)
}
