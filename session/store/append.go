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
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-session-go/event"
	"trpc.group/trpc-go/trpc-session-go/session"
)

// AppendEvent appends one event to the session under optimistic concurrency
// control and updates the caller's view in place.
//
// The write path is version-gated: the new session row is written
// conditionally on the stored version and confirmed by re-reading a fresh
// write nonce, so two writers racing on the same session cannot both claim
// a version. A lost race or a stale caller snapshot is retried on the
// service's fixed schedule before the error surfaces.
func (s *Service) AppendEvent(
	ctx context.Context,
	sess *session.Session,
	e *event.Event,
	opts ...session.Option,
) (*event.Event, error) {
	if sess == nil {
		return nil, session.ErrSessionNil
	}
	if e == nil {
		return nil, session.ErrEventNil
	}
	key := session.Key{AppName: sess.AppName, UserID: sess.UserID, SessionID: sess.ID}
	if err := key.CheckSessionKey(); err != nil {
		return nil, err
	}

	// Streaming fragments update the in-memory view only.
	if e.Partial {
		sess.ApplyEventStateDelta(e)
		return e, nil
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = nowUTC()
	}
	if err := s.ensureTables(ctx); err != nil {
		return nil, err
	}

	hctx := &session.AppendEventContext{
		Context: ctx,
		Session: sess,
		Event:   e,
		Key:     key,
	}
	final := func(c *session.AppendEventContext, next func() error) error {
		return s.appendEvent(c.Context, c.Session, c.Event, c.Key, opts...)
	}
	if err := session.RunAppendEventHooks(s.opts.appendEventHooks, hctx, final); err != nil {
		return nil, err
	}
	return e, nil
}

// appendEvent runs the optimistic append with retries.
func (s *Service) appendEvent(
	ctx context.Context,
	sess *session.Session,
	e *event.Event,
	key session.Key,
	opts ...session.Option,
) error {
	appDelta, userDelta, sessDelta := session.SplitStateDelta(e.StateDelta())
	persisted := persistedEvent(e)

	// The staleness gate judges the caller's snapshot until it passes once.
	// After that a lost conditional write means contention, not staleness,
	// and retries rebase on the freshly read row instead.
	gatePassed := false
	snapshotAt := sess.UpdatedAt

	return s.withRetry(ctx, func() error {
		row, err := s.backend.SelectSession(ctx, key)
		if err != nil {
			return err
		}
		if row == nil || row.Deleted {
			return fmt.Errorf("append to session %q: %w", key.SessionID, session.ErrSessionNotFound)
		}
		if !gatePassed {
			if row.UpdatedAt.After(snapshotAt) {
				return fmt.Errorf("append to session %q: %w", key.SessionID, session.ErrStaleSnapshot)
			}
			gatePassed = true
		}

		now := nowUTC()
		newVersion := row.Version + 1
		nonce := uuid.NewString()
		newRow := &SessionRow{
			AppName:         key.AppName,
			UserID:          key.UserID,
			SessionID:       key.SessionID,
			State:           session.ApplyStateDelta(row.State, sessDelta),
			CreatedAt:       row.CreatedAt,
			UpdatedAt:       now,
			Version:         newVersion,
			RewindToEventID: row.RewindToEventID,
			WriteNonce:      nonce,
		}
		if err := s.backend.UpdateSessionConditional(ctx, row.Version, newRow); err != nil {
			return err
		}
		// The conditional write reports no trustworthy row count; observing
		// our own nonce at the expected version is the success contract.
		verify, err := s.backend.SelectSession(ctx, key)
		if err != nil {
			return err
		}
		if verify == nil || verify.Deleted || verify.Version != newVersion || verify.WriteNonce != nonce {
			return fmt.Errorf("append to session %q lost version %d: %w",
				key.SessionID, newVersion, session.ErrVersionConflict)
		}

		seq, err := s.nextSequenceNum(ctx, key, newVersion)
		if err != nil {
			return err
		}
		if err := s.persistEvent(ctx, key, persisted, seq, now); err != nil {
			return err
		}
		if len(appDelta) > 0 {
			if err := s.backend.UpsertAppState(ctx, key.AppName, appDelta, now); err != nil {
				return err
			}
		}
		if len(userDelta) > 0 {
			userKey := session.UserKey{AppName: key.AppName, UserID: key.UserID}
			if err := s.backend.UpsertUserState(ctx, userKey, userDelta, now); err != nil {
				return err
			}
		}

		// Bring the caller's view up to the write that just won.
		sess.EventMu.Lock()
		sess.Events = append(sess.Events, *e)
		sess.ApplyEventFiltering(opts...)
		sess.EventMu.Unlock()
		sess.ApplyEventStateDelta(e)
		sess.Version = newVersion
		sess.UpdatedAt = now
		return nil
	})
}

// nextSequenceNum derives the sequence number for an event written at the
// given version: the version's bucket floor plus the count of events
// already in the bucket.
func (s *Service) nextSequenceNum(ctx context.Context, key session.Key, version int64) (int64, error) {
	lo := version * s.opts.sequenceBase
	hi := lo + s.opts.sequenceBase
	count, err := s.backend.CountEventsInRange(ctx, key, lo, hi)
	if err != nil {
		return 0, err
	}
	return lo + count, nil
}

// persistedEvent returns the event as it is stored: a deep copy with
// temporary-namespace delta keys removed.
func persistedEvent(e *event.Event) *event.Event {
	p := e.Clone()
	if p.HasStateDelta() {
		p.Actions.StateDelta = session.StripTempState(p.Actions.StateDelta)
		if len(p.Actions.StateDelta) == 0 {
			p.Actions.StateDelta = nil
		}
	}
	return p
}

// persistEvent writes the event row, letting the backend collapse a
// duplicate event id into a no-op.
func (s *Service) persistEvent(
	ctx context.Context,
	key session.Key,
	e *event.Event,
	seq int64,
	now time.Time,
) error {
	data, err := sonic.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event %q: %w", e.ID, err)
	}
	row := &EventRow{
		AppName:        key.AppName,
		UserID:         key.UserID,
		SessionID:      key.SessionID,
		EventID:        e.ID,
		SequenceNum:    seq,
		EventTimestamp: e.Timestamp,
		CreatedAt:      now,
		UpdatedAt:      now,
		InvocationID:   e.InvocationID,
		Author:         e.Author,
		EventData:      data,
		HasStateDelta:  e.HasStateDelta(),
	}
	if e.HasStateDelta() {
		delta, err := sonic.Marshal(e.Actions.StateDelta)
		if err != nil {
			return fmt.Errorf("marshal state delta of event %q: %w", e.ID, err)
		}
		row.StateDelta = delta
	}
	return s.backend.MergeEvent(ctx, row)
}
