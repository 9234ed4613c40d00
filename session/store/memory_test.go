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
	"sort"
	"sync"
	"time"

	"trpc.group/trpc-go/trpc-session-go/session"
)

// memoryBackend implements Backend in process for the service tests. It
// mirrors the columnar adapter's weakest guarantees: a conditional update
// that lost the race returns success silently, a duplicate event merge is a
// no-op, and rewind flags recompute in both directions.
type memoryBackend struct {
	mu         sync.Mutex
	sessions   map[string]*SessionRow
	events     map[string][]*EventRow
	appStates  map[string]session.StateMap
	userStates map[string]session.StateMap

	ensureCalls int
	selectCalls int

	// failSelectSession, while set, fails every SelectSession call.
	failSelectSession error
	// beforeUpdate, when set, runs before each conditional update outside
	// the backend lock. Tests use it to interleave a competing writer.
	beforeUpdate func(expectedVersion int64, row *SessionRow)
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{
		sessions:   make(map[string]*SessionRow),
		events:     make(map[string][]*EventRow),
		appStates:  make(map[string]session.StateMap),
		userStates: make(map[string]session.StateMap),
	}
}

func memKey(appName, userID, sessionID string) string {
	return appName + "/" + userID + "/" + sessionID
}

func copySessionRow(row *SessionRow) *SessionRow {
	cp := *row
	cp.State = row.State.Clone()
	return &cp
}

func copyEventRow(row *EventRow) *EventRow {
	cp := *row
	return &cp
}

func (m *memoryBackend) EnsureTables(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureCalls++
	return nil
}

func (m *memoryBackend) InsertSession(ctx context.Context, row *SessionRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[memKey(row.AppName, row.UserID, row.SessionID)] = copySessionRow(row)
	return nil
}

func (m *memoryBackend) SelectSession(ctx context.Context, key session.Key) (*SessionRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selectCalls++
	if m.failSelectSession != nil {
		return nil, m.failSelectSession
	}
	row, ok := m.sessions[memKey(key.AppName, key.UserID, key.SessionID)]
	if !ok {
		return nil, nil
	}
	return copySessionRow(row), nil
}

func (m *memoryBackend) SelectSessions(ctx context.Context, appName, userID string) ([]*SessionRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows []*SessionRow
	for _, row := range m.sessions {
		if row.AppName != appName || row.Deleted {
			continue
		}
		if userID != "" && row.UserID != userID {
			continue
		}
		rows = append(rows, copySessionRow(row))
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].UpdatedAt.After(rows[j].UpdatedAt)
	})
	return rows, nil
}

func (m *memoryBackend) UpdateSessionConditional(ctx context.Context, expectedVersion int64, row *SessionRow) error {
	if m.beforeUpdate != nil {
		m.beforeUpdate(expectedVersion, row)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memKey(row.AppName, row.UserID, row.SessionID)
	cur, ok := m.sessions[key]
	if !ok || cur.Deleted || cur.Version != expectedVersion {
		// A lost conditional write is silent; the caller's re-read decides.
		return nil
	}
	m.sessions[key] = copySessionRow(row)
	return nil
}

func (m *memoryBackend) SoftDeleteSession(ctx context.Context, key session.Key, deletedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.sessions[memKey(key.AppName, key.UserID, key.SessionID)]
	if !ok {
		return nil
	}
	row.Deleted = true
	row.DeletedAt = deletedAt
	return nil
}

func (m *memoryBackend) MergeEvent(ctx context.Context, row *EventRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memKey(row.AppName, row.UserID, row.SessionID)
	for _, existing := range m.events[key] {
		if existing.EventID == row.EventID {
			return nil
		}
	}
	m.events[key] = append(m.events[key], copyEventRow(row))
	return nil
}

func (m *memoryBackend) SelectEvents(ctx context.Context, key session.Key, filter *EventFilter) ([]*EventRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if filter == nil {
		filter = &EventFilter{}
	}
	var rows []*EventRow
	for _, row := range m.events[memKey(key.AppName, key.UserID, key.SessionID)] {
		if row.AfterRewind && !filter.IncludeRewound {
			continue
		}
		if !filter.CreatedAfter.IsZero() && row.CreatedAt.Before(filter.CreatedAfter) {
			continue
		}
		if !filter.After.IsZero() && row.EventTimestamp.Before(filter.After) {
			continue
		}
		if filter.MaxSequence > 0 && row.SequenceNum > filter.MaxSequence {
			continue
		}
		rows = append(rows, copyEventRow(row))
	}
	sortEventRows(rows)
	if filter.Limit > 0 && len(rows) > filter.Limit {
		rows = rows[len(rows)-filter.Limit:]
	}
	return rows, nil
}

func sortEventRows(rows []*EventRow) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.SequenceNum != b.SequenceNum {
			return a.SequenceNum < b.SequenceNum
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.EventID < b.EventID
	})
}

func (m *memoryBackend) CountEventsInRange(ctx context.Context, key session.Key, lo, hi int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, row := range m.events[memKey(key.AppName, key.UserID, key.SessionID)] {
		if row.SequenceNum >= lo && row.SequenceNum < hi {
			count++
		}
	}
	return count, nil
}

func (m *memoryBackend) UpdateEventsRewindFlag(ctx context.Context, key session.Key, horizon int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.events[memKey(key.AppName, key.UserID, key.SessionID)] {
		row.AfterRewind = row.SequenceNum > horizon
	}
	return nil
}

func (m *memoryBackend) UpsertAppState(ctx context.Context, appName string, delta session.StateMap, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	applied := session.ApplyStateDelta(m.appStates[appName], delta)
	m.appStates[appName] = session.StripTempState(applied)
	return nil
}

func (m *memoryBackend) UpsertUserState(ctx context.Context, userKey session.UserKey, delta session.StateMap, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := userKey.AppName + "/" + userKey.UserID
	applied := session.ApplyStateDelta(m.userStates[key], delta)
	m.userStates[key] = session.StripTempState(applied)
	return nil
}

func (m *memoryBackend) SelectAppState(ctx context.Context, appName string) (session.StateMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.appStates[appName].Clone()
	if state == nil {
		state = make(session.StateMap)
	}
	return state, nil
}

func (m *memoryBackend) SelectUserState(ctx context.Context, userKey session.UserKey) (session.StateMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.userStates[userKey.AppName+"/"+userKey.UserID].Clone()
	if state == nil {
		state = make(session.StateMap)
	}
	return state, nil
}

func (m *memoryBackend) Close() error {
	return nil
}

// sessionRow returns the stored session row for direct inspection.
func (m *memoryBackend) sessionRow(key session.Key) *SessionRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.sessions[memKey(key.AppName, key.UserID, key.SessionID)]
	if !ok {
		return nil
	}
	return copySessionRow(row)
}

// eventRows returns every stored event row of the session, including
// rewound ones, in canonical order.
func (m *memoryBackend) eventRows(key session.Key) []*EventRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows []*EventRow
	for _, row := range m.events[memKey(key.AppName, key.UserID, key.SessionID)] {
		rows = append(rows, copyEventRow(row))
	}
	sortEventRows(rows)
	return rows
}
