//
// Tencent is pleased to support the open source community by making trpc-session-go available.
//
// Copyright (C) 2026 Tencent.  All rights reserved.
//
// trpc-session-go is licensed under the Apache License Version 2.0.
//
//

// Package store implements the durable session service on top of a
// pluggable storage backend. The service owns the concurrency protocol,
// state routing and event sequencing; backends only provide the storage
// primitives described by the Backend interface.
package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"trpc.group/trpc-go/trpc-session-go/event"
	"trpc.group/trpc-go/trpc-session-go/log"
	"trpc.group/trpc-go/trpc-session-go/session"
)

// listStateConcurrency caps the parallel user-state reads of a cross-user
// listing.
const listStateConcurrency = 4

// Service implements session.Service over a Backend.
type Service struct {
	backend Backend
	opts    ServiceOpts

	ddlGroup singleflight.Group
	ddlDone  atomic.Bool
}

var _ session.Service = (*Service)(nil)

// NewService creates a session service over the given backend. Tables are
// created lazily on first use unless WithSkipTableInit is set.
func NewService(backend Backend, opts ...ServiceOpt) *Service {
	s := &Service{
		backend: backend,
		opts:    newServiceOpts(opts...),
	}
	if s.opts.skipTableInit {
		s.ddlDone.Store(true)
	}
	return s
}

// Close closes the service and its backend.
func (s *Service) Close() error {
	return s.backend.Close()
}

// nowUTC returns the current time at the store's canonical resolution.
// Timestamps are UTC and truncated to microseconds on assignment so that
// values survive a storage round trip bit-identically.
func nowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// ensureTables lazily creates the four tables. The first caller runs the
// DDL; concurrent callers wait for its outcome instead of racing it.
func (s *Service) ensureTables(ctx context.Context) error {
	if s.ddlDone.Load() {
		return nil
	}
	_, err, _ := s.ddlGroup.Do("tables", func() (any, error) {
		if s.ddlDone.Load() {
			return nil, nil
		}
		if err := s.backend.EnsureTables(ctx); err != nil {
			return nil, err
		}
		s.ddlDone.Store(true)
		return nil, nil
	})
	return err
}

// CreateSession creates a new session.
func (s *Service) CreateSession(
	ctx context.Context,
	key session.Key,
	state session.StateMap,
	opts ...session.Option,
) (*session.Session, error) {
	if err := key.CheckUserKey(); err != nil {
		return nil, err
	}
	if key.SessionID == "" {
		key.SessionID = uuid.NewString()
	}
	if err := s.ensureTables(ctx); err != nil {
		return nil, err
	}

	existing, err := s.backend.SelectSession(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil && !existing.Deleted {
		return nil, fmt.Errorf("create session %q: %w", key.SessionID, session.ErrSessionAlreadyExists)
	}

	now := nowUTC()
	appDelta, userDelta, sessDelta := session.SplitStateDelta(state)
	// Route the prefixed parts of the initial state to their scopes before
	// the session row becomes visible.
	if len(appDelta) > 0 {
		if err := s.backend.UpsertAppState(ctx, key.AppName, appDelta, now); err != nil {
			return nil, err
		}
	}
	if len(userDelta) > 0 {
		userKey := session.UserKey{AppName: key.AppName, UserID: key.UserID}
		if err := s.backend.UpsertUserState(ctx, userKey, userDelta, now); err != nil {
			return nil, err
		}
	}

	row := &SessionRow{
		AppName:    key.AppName,
		UserID:     key.UserID,
		SessionID:  key.SessionID,
		State:      session.ApplyStateDelta(nil, sessDelta),
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
		WriteNonce: uuid.NewString(),
	}
	if err := s.backend.InsertSession(ctx, row); err != nil {
		return nil, err
	}

	appState, userState, err := s.readScopeStates(ctx, key)
	if err != nil {
		return nil, err
	}
	sess := buildSession(row, nil, appState, userState)
	// Temporary keys of the initial state live on in the returned view;
	// they were dropped from everything persisted.
	for k, v := range state {
		if strings.HasPrefix(k, session.StateTempPrefix) && !session.IsNullValue(v) {
			sess.State[k] = v
		}
	}
	return sess, nil
}

// GetSession gets a session. A missing or soft-deleted session yields
// (nil, nil).
func (s *Service) GetSession(
	ctx context.Context,
	key session.Key,
	opts ...session.Option,
) (*session.Session, error) {
	if err := key.CheckSessionKey(); err != nil {
		return nil, err
	}
	if err := s.ensureTables(ctx); err != nil {
		return nil, err
	}
	opt := applyOptions(opts...)

	hctx := &session.GetSessionContext{
		Context: ctx,
		Key:     key,
		Options: opt,
	}
	final := func(c *session.GetSessionContext, next func() (*session.Session, error)) (*session.Session, error) {
		return s.getSession(c.Context, c.Key, c.Options)
	}
	return session.RunGetSessionHooks(s.opts.getSessionHooks, hctx, final)
}

// getSession loads the stored row, the visible events and the scope states,
// then assembles the merged view.
func (s *Service) getSession(
	ctx context.Context,
	key session.Key,
	opt *session.Options,
) (*session.Session, error) {
	row, err := s.backend.SelectSession(ctx, key)
	if err != nil {
		return nil, err
	}
	if row == nil || row.Deleted {
		return nil, nil
	}

	var (
		appState  session.StateMap
		userState session.StateMap
		eventRows []*EventRow
	)
	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		appState, err = s.backend.SelectAppState(gctx, key.AppName)
		return err
	})
	eg.Go(func() error {
		var err error
		userState, err = s.backend.SelectUserState(gctx, session.UserKey{AppName: key.AppName, UserID: key.UserID})
		return err
	})
	eg.Go(func() error {
		var err error
		// The creation-time floor keeps events of an earlier incarnation
		// under a re-created key out of the view.
		eventRows, err = s.backend.SelectEvents(gctx, key, &EventFilter{
			Limit:        opt.EventNum,
			After:        opt.EventTime,
			CreatedAfter: row.CreatedAt,
		})
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return buildSession(row, decodeEventRows(eventRows), appState, userState), nil
}

// ListSessions lists the app's live sessions, newest first, without their
// events. An empty UserID spans every user of the app.
func (s *Service) ListSessions(
	ctx context.Context,
	userKey session.UserKey,
	opts ...session.Option,
) ([]*session.Session, error) {
	if userKey.AppName == "" {
		return nil, session.ErrAppNameRequired
	}
	if err := s.ensureTables(ctx); err != nil {
		return nil, err
	}

	rows, err := s.backend.SelectSessions(ctx, userKey.AppName, userKey.UserID)
	if err != nil {
		return nil, err
	}
	appState, err := s.backend.SelectAppState(ctx, userKey.AppName)
	if err != nil {
		return nil, err
	}

	// One user-state read per distinct user; a cross-user listing fans out.
	userStates := make(map[string]session.StateMap, len(rows))
	for _, row := range rows {
		userStates[row.UserID] = nil
	}
	var mu sync.Mutex
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(listStateConcurrency)
	for userID := range userStates {
		eg.Go(func() error {
			state, err := s.backend.SelectUserState(gctx, session.UserKey{AppName: userKey.AppName, UserID: userID})
			if err != nil {
				return err
			}
			mu.Lock()
			userStates[userID] = state
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	sessions := make([]*session.Session, 0, len(rows))
	for _, row := range rows {
		sessions = append(sessions, buildSession(row, nil, appState, userStates[row.UserID]))
	}
	return sessions, nil
}

// DeleteSession soft-deletes a session. The event log is retained; deleting
// an absent or already deleted session is a no-op.
func (s *Service) DeleteSession(ctx context.Context, key session.Key, opts ...session.Option) error {
	if err := key.CheckSessionKey(); err != nil {
		return err
	}
	if err := s.ensureTables(ctx); err != nil {
		return err
	}
	row, err := s.backend.SelectSession(ctx, key)
	if err != nil {
		return err
	}
	if row == nil || row.Deleted {
		return nil
	}
	return s.backend.SoftDeleteSession(ctx, key, nowUTC())
}

// UpdateAppState applies a delta to the app-scope state.
func (s *Service) UpdateAppState(ctx context.Context, appName string, state session.StateMap) error {
	if appName == "" {
		return session.ErrAppNameRequired
	}
	if err := s.ensureTables(ctx); err != nil {
		return err
	}
	delta := scopeDelta(state, session.StateAppPrefix)
	if len(delta) == 0 {
		return nil
	}
	return s.backend.UpsertAppState(ctx, appName, delta, nowUTC())
}

// ListAppStates returns the app-scope state without prefixes.
func (s *Service) ListAppStates(ctx context.Context, appName string) (session.StateMap, error) {
	if appName == "" {
		return nil, session.ErrAppNameRequired
	}
	if err := s.ensureTables(ctx); err != nil {
		return nil, err
	}
	return s.backend.SelectAppState(ctx, appName)
}

// DeleteAppState removes one key from the app-scope state.
func (s *Service) DeleteAppState(ctx context.Context, appName string, key string) error {
	if appName == "" {
		return session.ErrAppNameRequired
	}
	if key == "" {
		return nil
	}
	if err := s.ensureTables(ctx); err != nil {
		return err
	}
	// Deletion is an upsert of the null sentinel.
	key = strings.TrimPrefix(key, session.StateAppPrefix)
	return s.backend.UpsertAppState(ctx, appName, session.StateMap{key: nil}, nowUTC())
}

// UpdateUserState applies a delta to the user-scope state.
func (s *Service) UpdateUserState(ctx context.Context, userKey session.UserKey, state session.StateMap) error {
	if err := userKey.CheckUserKey(); err != nil {
		return err
	}
	if err := s.ensureTables(ctx); err != nil {
		return err
	}
	delta := scopeDelta(state, session.StateUserPrefix)
	if len(delta) == 0 {
		return nil
	}
	return s.backend.UpsertUserState(ctx, userKey, delta, nowUTC())
}

// ListUserStates returns the user-scope state without prefixes.
func (s *Service) ListUserStates(ctx context.Context, userKey session.UserKey) (session.StateMap, error) {
	if err := userKey.CheckUserKey(); err != nil {
		return nil, err
	}
	if err := s.ensureTables(ctx); err != nil {
		return nil, err
	}
	return s.backend.SelectUserState(ctx, userKey)
}

// DeleteUserState removes one key from the user-scope state.
func (s *Service) DeleteUserState(ctx context.Context, userKey session.UserKey, key string) error {
	if err := userKey.CheckUserKey(); err != nil {
		return err
	}
	if key == "" {
		return nil
	}
	if err := s.ensureTables(ctx); err != nil {
		return err
	}
	key = strings.TrimPrefix(key, session.StateUserPrefix)
	return s.backend.UpsertUserState(ctx, userKey, session.StateMap{key: nil}, nowUTC())
}

// readScopeStates loads the app and user scope states in parallel.
func (s *Service) readScopeStates(ctx context.Context, key session.Key) (appState, userState session.StateMap, err error) {
	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		appState, err = s.backend.SelectAppState(gctx, key.AppName)
		return err
	})
	eg.Go(func() error {
		var err error
		userState, err = s.backend.SelectUserState(gctx, session.UserKey{AppName: key.AppName, UserID: key.UserID})
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, nil, err
	}
	return appState, userState, nil
}

// scopeDelta normalizes a caller-supplied state for a single scope: the
// scope's own prefix is stripped when present and temporary keys are
// dropped. Null sentinel values pass through as deletions.
func scopeDelta(state session.StateMap, prefix string) session.StateMap {
	delta := make(session.StateMap, len(state))
	for k, v := range state {
		if strings.HasPrefix(k, session.StateTempPrefix) {
			continue
		}
		delta[strings.TrimPrefix(k, prefix)] = v
	}
	return delta
}

// buildSession assembles the caller-visible view from the stored parts.
func buildSession(row *SessionRow, events []event.Event, appState, userState session.StateMap) *session.Session {
	if events == nil {
		events = []event.Event{}
	}
	sess := session.NewSession(
		row.AppName, row.UserID, row.SessionID,
		session.WithSessionState(session.MergeSessionState(appState, userState, row.State)),
		session.WithSessionEvents(events),
		session.WithSessionVersion(row.Version),
		session.WithSessionCreatedAt(row.CreatedAt),
		session.WithSessionUpdatedAt(row.UpdatedAt),
	)
	sess.RewindToEventID = row.RewindToEventID
	return sess
}

// decodeEventRows turns stored event rows back into events. A row whose
// payload no longer parses degrades to a shell event rebuilt from the row's
// own columns rather than failing the whole read.
func decodeEventRows(rows []*EventRow) []event.Event {
	events := make([]event.Event, 0, len(rows))
	for _, row := range rows {
		var e event.Event
		if err := sonic.Unmarshal(row.EventData, &e); err != nil {
			log.Warnf("session store: undecodable event %s in session %s: %v",
				row.EventID, row.SessionID, err)
			e = event.Event{
				ID:           row.EventID,
				InvocationID: row.InvocationID,
				Author:       row.Author,
				Timestamp:    row.EventTimestamp,
			}
		}
		if e.ID == "" {
			e.ID = row.EventID
		}
		events = append(events, e)
	}
	return events
}
