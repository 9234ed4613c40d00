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
	"math"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-session-go/log"
	"trpc.group/trpc-go/trpc-session-go/session"
)

// RewindSession logically truncates the event log after the target event
// and rebuilds the session-scope state by replaying the surviving deltas.
// No event row is removed; later events are flagged out of reads and come
// back on ClearRewind or a forward rewind.
func (s *Service) RewindSession(ctx context.Context, key session.Key, targetEventID string) (*session.Session, error) {
	if err := key.CheckSessionKey(); err != nil {
		return nil, err
	}
	if targetEventID == "" {
		return nil, fmt.Errorf("rewind session %q: empty target: %w", key.SessionID, session.ErrEventNotFound)
	}
	if err := s.ensureTables(ctx); err != nil {
		return nil, err
	}
	return s.rewindToHorizon(ctx, key, targetEventID)
}

// ClearRewind removes the truncation pointer, restores the full log and
// rebuilds the session-scope state by full replay.
func (s *Service) ClearRewind(ctx context.Context, key session.Key) (*session.Session, error) {
	if err := key.CheckSessionKey(); err != nil {
		return nil, err
	}
	if err := s.ensureTables(ctx); err != nil {
		return nil, err
	}
	return s.rewindToHorizon(ctx, key, "")
}

// rewindToHorizon re-marks every event against the horizon chosen by the
// target (the whole log when the target is empty), replays the surviving
// deltas into a fresh session-scope state, and persists the result as a new
// session version. App and user scopes are left untouched.
func (s *Service) rewindToHorizon(ctx context.Context, key session.Key, targetEventID string) (*session.Session, error) {
	var out *session.Session
	err := s.withRetry(ctx, func() error {
		row, err := s.backend.SelectSession(ctx, key)
		if err != nil {
			return err
		}
		if row == nil || row.Deleted {
			return fmt.Errorf("rewind session %q: %w", key.SessionID, session.ErrSessionNotFound)
		}
		rows, err := s.backend.SelectEvents(ctx, key, &EventFilter{
			CreatedAfter:   row.CreatedAt,
			IncludeRewound: true,
		})
		if err != nil {
			return err
		}

		horizon := int64(math.MaxInt64)
		if targetEventID != "" {
			horizon = -1
			for _, er := range rows {
				if er.EventID == targetEventID {
					horizon = er.SequenceNum
					break
				}
			}
			if horizon < 0 {
				return fmt.Errorf("rewind session %q to event %q: %w",
					key.SessionID, targetEventID, session.ErrEventNotFound)
			}
		}

		// Flags are recomputed in both directions so a forward rewind
		// re-activates events hidden by an earlier one.
		if err := s.backend.UpdateEventsRewindFlag(ctx, key, horizon); err != nil {
			return err
		}

		visible := make([]*EventRow, 0, len(rows))
		for _, er := range rows {
			if er.SequenceNum <= horizon {
				visible = append(visible, er)
			}
		}
		state := replayState(visible)

		now := nowUTC()
		newVersion := row.Version + 1
		nonce := uuid.NewString()
		newRow := &SessionRow{
			AppName:         key.AppName,
			UserID:          key.UserID,
			SessionID:       key.SessionID,
			State:           state,
			CreatedAt:       row.CreatedAt,
			UpdatedAt:       now,
			Version:         newVersion,
			RewindToEventID: targetEventID,
			WriteNonce:      nonce,
		}
		if err := s.backend.UpdateSessionConditional(ctx, row.Version, newRow); err != nil {
			return err
		}
		verify, err := s.backend.SelectSession(ctx, key)
		if err != nil {
			return err
		}
		if verify == nil || verify.Deleted || verify.Version != newVersion || verify.WriteNonce != nonce {
			return fmt.Errorf("rewind session %q lost version %d: %w",
				key.SessionID, newVersion, session.ErrVersionConflict)
		}

		appState, userState, err := s.readScopeStates(ctx, key)
		if err != nil {
			return err
		}
		out = buildSession(newRow, decodeEventRows(visible), appState, userState)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// replayState folds the session-scope deltas of the surviving events, in
// order, into a fresh state. An undecodable delta is skipped with a
// diagnostic instead of failing the rewind.
func replayState(rows []*EventRow) session.StateMap {
	state := make(session.StateMap)
	for _, row := range rows {
		if !row.HasStateDelta || len(row.StateDelta) == 0 {
			continue
		}
		var delta session.StateMap
		if err := sonic.Unmarshal(row.StateDelta, &delta); err != nil {
			log.Warnf("session store: skip undecodable state delta of event %s in session %s: %v",
				row.EventID, row.SessionID, err)
			continue
		}
		_, _, sessDelta := session.SplitStateDelta(delta)
		state = session.ApplyStateDelta(state, sessDelta)
	}
	return state
}
