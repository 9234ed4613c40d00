//
// Tencent is pleased to support the open source community by making trpc-session-go available.
//
// Copyright (C) 2026 Tencent.  All rights reserved.
//
// trpc-session-go is licensed under the Apache License Version 2.0.
//
//

package store

import (
	"context"
	"time"

	"trpc.group/trpc-go/trpc-session-go/session"
)

// SessionRow mirrors one row of the sessions table. State carries the
// decoded session-scope state only: no namespace prefixes, no temporary
// keys. Adapters own the JSON encode/decode of the state column and its
// corruption policy.
type SessionRow struct {
	AppName   string
	UserID    string
	SessionID string

	State session.StateMap

	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64

	Deleted   bool
	DeletedAt time.Time

	// RewindToEventID is the logical truncation pointer, empty when unset.
	RewindToEventID string
	// WriteNonce is the token of the last successful conditional update.
	// The service re-reads it to learn whether its own write won.
	WriteNonce string
}

// Key returns the session's natural key.
func (r *SessionRow) Key() session.Key {
	return session.Key{AppName: r.AppName, UserID: r.UserID, SessionID: r.SessionID}
}

// EventRow mirrors one row of the events table.
type EventRow struct {
	AppName   string
	UserID    string
	SessionID string
	EventID   string

	// SequenceNum is derived from the session version at append time and
	// orders events within a session. Duplicates are tolerated; the
	// canonical order is (SequenceNum, CreatedAt, EventID).
	SequenceNum    int64
	EventTimestamp time.Time // producer-supplied
	CreatedAt      time.Time // server-assigned
	UpdatedAt      time.Time // advanced when the rewind flag flips

	InvocationID string
	Author       string

	EventData     []byte // the full serialized event
	StateDelta    []byte // the persisted delta, nil when the event carries none
	HasStateDelta bool

	// AfterRewind is true iff a rewind pointer currently excludes this
	// event from reads.
	AfterRewind bool
}

// Key returns the event's session natural key.
func (r *EventRow) Key() session.Key {
	return session.Key{AppName: r.AppName, UserID: r.UserID, SessionID: r.SessionID}
}

// EventFilter narrows SelectEvents. Zero values disable a clause.
type EventFilter struct {
	// Limit keeps only the most recent events in canonical order. The
	// returned slice is still ascending.
	Limit int
	// After keeps events whose producer timestamp is at or after the
	// given time.
	After time.Time
	// CreatedAfter keeps events created at or after the given time. The
	// service passes the session row's creation time so events of an
	// earlier incarnation under a re-created key stay invisible.
	CreatedAfter time.Time
	// MaxSequence keeps events with SequenceNum at or below the given
	// value when positive. Used by replay.
	MaxSequence int64
	// IncludeRewound also returns events excluded by a rewind pointer.
	IncludeRewound bool
}

// Backend is the contract the two storage adapters present to the session
// service. Implementations must be safe for concurrent use by independent
// service instances; the service's optimistic concurrency protocol is what
// makes a non-transactional backend safe.
//
// Reads return rows in canonical ascending event order where ordering is
// meaningful, and nil (not an error) for absent rows.
type Backend interface {
	// EnsureTables creates the four tables if absent. It must be
	// idempotent; the service serializes concurrent callers.
	EnsureTables(ctx context.Context) error

	// InsertSession writes a fresh session incarnation. The service has
	// already established that no live row exists under the key; an
	// implementation replaces any soft-deleted remnant.
	InsertSession(ctx context.Context, row *SessionRow) error

	// SelectSession returns the current row under the key, including a
	// soft-deleted one, or nil when the key was never created.
	SelectSession(ctx context.Context, key session.Key) (*SessionRow, error)

	// SelectSessions returns the live sessions of an app ordered by
	// update time descending. An empty userID spans all users.
	SelectSessions(ctx context.Context, appName, userID string) ([]*SessionRow, error)

	// UpdateSessionConditional writes row as the session's new content,
	// gated on the stored version still being expectedVersion. Success is
	// NOT reported reliably: the service must re-read and verify the
	// write nonce.
	UpdateSessionConditional(ctx context.Context, expectedVersion int64, row *SessionRow) error

	// SoftDeleteSession marks the session deleted without touching its
	// events.
	SoftDeleteSession(ctx context.Context, key session.Key, deletedAt time.Time) error

	// MergeEvent inserts the event row keyed by natural key + event id,
	// silently ignoring a duplicate id.
	MergeEvent(ctx context.Context, row *EventRow) error

	// SelectEvents returns the session's events in canonical ascending
	// order, excluding rewound events unless the filter includes them.
	SelectEvents(ctx context.Context, key session.Key, filter *EventFilter) ([]*EventRow, error)

	// CountEventsInRange counts events with lo <= SequenceNum < hi,
	// regardless of rewind flags. Used for sequence derivation.
	CountEventsInRange(ctx context.Context, key session.Key, lo, hi int64) (int64, error)

	// UpdateEventsRewindFlag recomputes every event's rewind flag against
	// the horizon: flagged when SequenceNum > horizon, cleared otherwise.
	UpdateEventsRewindFlag(ctx context.Context, key session.Key, horizon int64) error

	// UpsertAppState applies a delta to the app-scope row with
	// deletion-on-None semantics, creating the row on first use.
	UpsertAppState(ctx context.Context, appName string, delta session.StateMap, now time.Time) error

	// UpsertUserState applies a delta to the user-scope row with
	// deletion-on-None semantics, creating the row on first use.
	UpsertUserState(ctx context.Context, userKey session.UserKey, delta session.StateMap, now time.Time) error

	// SelectAppState returns the app-scope state, empty when absent.
	SelectAppState(ctx context.Context, appName string) (session.StateMap, error)

	// SelectUserState returns the user-scope state, empty when absent.
	SelectUserState(ctx context.Context, userKey session.UserKey) (session.StateMap, error)

	// Close releases the adapter's resources.
	Close() error
}
