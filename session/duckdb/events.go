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
	"strings"
	"time"

	"trpc.group/trpc-go/trpc-session-go/session"
	"trpc.group/trpc-go/trpc-session-go/session/store"
)

const eventColumns = "app_name, user_id, session_id, event_id, sequence_num, invocation_id, author, " +
	"event, state_delta, has_delta, after_rewind, event_time, created_at, updated_at"

// MergeEvent inserts the event row, silently ignoring a duplicate event id.
// The primary key carries the idempotency, so a retried append neither
// duplicates the event nor disturbs its rewind flag.
func (b *Backend) MergeEvent(ctx context.Context, row *store.EventRow) error {
	_, err := b.client.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (app_name, user_id, session_id, event_id) DO NOTHING`,
			b.tableEvents, eventColumns),
		row.AppName, row.UserID, row.SessionID, row.EventID,
		row.SequenceNum, row.InvocationID, row.Author,
		string(row.EventData), string(row.StateDelta), row.HasStateDelta, row.AfterRewind,
		row.EventTimestamp, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return session.NewBackendError("merge event", b.tableEvents, err)
	}
	return nil
}

// SelectEvents returns the session's events in canonical ascending order
// (sequence_num, created_at, event_id). A positive Limit keeps only the most
// recent tail, still returned ascending.
func (b *Backend) SelectEvents(ctx context.Context, key session.Key, filter *store.EventFilter) ([]*store.EventRow, error) {
	if filter == nil {
		filter = &store.EventFilter{}
	}

	conds := []string{"app_name = ?", "user_id = ?", "session_id = ?"}
	args := []any{key.AppName, key.UserID, key.SessionID}
	if !filter.IncludeRewound {
		conds = append(conds, "after_rewind = false")
	}
	if !filter.CreatedAfter.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, filter.CreatedAfter)
	}
	if !filter.After.IsZero() {
		conds = append(conds, "event_time >= ?")
		args = append(args, filter.After)
	}
	if filter.MaxSequence > 0 {
		conds = append(conds, "sequence_num <= ?")
		args = append(args, filter.MaxSequence)
	}

	selectCols := "event_id, sequence_num, invocation_id, author, event, state_delta, " +
		"has_delta, after_rewind, event_time, created_at, updated_at"
	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE %s
		ORDER BY sequence_num ASC, created_at ASC, event_id ASC`,
		selectCols, b.tableEvents, strings.Join(conds, " AND "))
	if filter.Limit > 0 {
		// Take the most recent tail, then restore ascending order.
		query = fmt.Sprintf(`SELECT %s FROM (
			SELECT %s FROM %s
			WHERE %s
			ORDER BY sequence_num DESC, created_at DESC, event_id DESC
			LIMIT ?
		) AS tail ORDER BY sequence_num ASC, created_at ASC, event_id ASC`,
			selectCols, selectCols, b.tableEvents, strings.Join(conds, " AND "))
		args = append(args, filter.Limit)
	}

	var result []*store.EventRow
	err := b.client.Query(ctx, func(rows *sql.Rows) error {
		var (
			eventID, invocationID, author   string
			sequenceNum                     int64
			eventStr, deltaStr              string
			hasDelta, afterRewind           bool
			eventTime, createdAt, updatedAt time.Time
		)
		if err := rows.Scan(&eventID, &sequenceNum, &invocationID, &author,
			&eventStr, &deltaStr, &hasDelta, &afterRewind,
			&eventTime, &createdAt, &updatedAt); err != nil {
			return err
		}

		row := &store.EventRow{
			AppName:        key.AppName,
			UserID:         key.UserID,
			SessionID:      key.SessionID,
			EventID:        eventID,
			SequenceNum:    sequenceNum,
			EventTimestamp: eventTime,
			CreatedAt:      createdAt,
			UpdatedAt:      updatedAt,
			InvocationID:   invocationID,
			Author:         author,
			EventData:      []byte(eventStr),
			HasStateDelta:  hasDelta,
			AfterRewind:    afterRewind,
		}
		if deltaStr != "" {
			row.StateDelta = []byte(deltaStr)
		}
		result = append(result, row)
		return nil
	}, query, args...)
	if err != nil {
		return nil, session.NewBackendError("select events", b.tableEvents, err)
	}
	return result, nil
}

// CountEventsInRange counts events with lo <= sequence_num < hi, regardless
// of rewind flags.
func (b *Backend) CountEventsInRange(ctx context.Context, key session.Key, lo, hi int64) (int64, error) {
	var count int64
	err := b.client.QueryRow(ctx, []any{&count},
		fmt.Sprintf(`SELECT count(*) FROM %s
			WHERE app_name = ? AND user_id = ? AND session_id = ?
			AND sequence_num >= ? AND sequence_num < ?`, b.tableEvents),
		key.AppName, key.UserID, key.SessionID, lo, hi)
	if err != nil {
		return 0, session.NewBackendError("count events", b.tableEvents, err)
	}
	return count, nil
}

// UpdateEventsRewindFlag recomputes every event's rewind flag against the
// horizon: flagged when sequence_num > horizon, cleared otherwise. Both
// directions run in one transaction so a reader never sees a half-applied
// rewind.
func (b *Backend) UpdateEventsRewindFlag(ctx context.Context, key session.Key, horizon int64) error {
	now := time.Now().UTC().Truncate(time.Microsecond)
	err := b.client.Transaction(ctx, func(tx *sql.Tx) error {
		// Flag events beyond the horizon.
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET after_rewind = true, updated_at = ?
				WHERE app_name = ? AND user_id = ? AND session_id = ?
				AND sequence_num > ? AND after_rewind = false`, b.tableEvents),
			now, key.AppName, key.UserID, key.SessionID, horizon); err != nil {
			return err
		}
		// Clear the flag on events at or below the horizon.
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET after_rewind = false, updated_at = ?
				WHERE app_name = ? AND user_id = ? AND session_id = ?
				AND sequence_num <= ? AND after_rewind = true`, b.tableEvents),
			now, key.AppName, key.UserID, key.SessionID, horizon); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return session.NewBackendError("update rewind flag", b.tableEvents, err)
	}
	return nil
}
