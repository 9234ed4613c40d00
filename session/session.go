//
// Tencent is pleased to support the open source community by making trpc-session-go available.
//
// Copyright (C) 2026 Tencent.  All rights reserved.
//
// trpc-session-go is licensed under the Apache License Version 2.0.
//
//

// Package session provides the core session types and state projection.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
	"trpc.group/trpc-go/trpc-session-go/event"
)

// Session is the caller-visible view of one durable conversation scope.
// State holds the merged three-scope projection (app and user keys carry
// their prefixes); Events holds the visible event log in canonical order.
//
// UpdatedAt doubles as the snapshot timestamp for optimistic appends: the
// service compares it against the stored row's update time to detect a
// stale caller.
type Session struct {
	ID      string        `json:"id"`      // ID is the session id.
	AppName string        `json:"appName"` // AppName is the app name.
	UserID  string        `json:"userID"`  // UserID is the user id.
	State   StateMap      `json:"state"`   // State is the merged three-scope state.
	Events  []event.Event `json:"events"`  // Events is the visible event log.
	EventMu sync.RWMutex  `json:"-"`
	// Version mirrors the stored row version at the time the view was read.
	Version int64 `json:"version"`
	// RewindToEventID is the active logical truncation pointer, if any.
	RewindToEventID string    `json:"rewindToEventID,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"` // UpdatedAt is the last update time.
	CreatedAt       time.Time `json:"createdAt"` // CreatedAt is the creation time.

	// Hash is the pre-computed slot hash value for asynchronous task dispatching.
	// It is calculated once during session creation using murmur3 hash of
	// "appName:userID:sessionID" and remains immutable throughout the session's lifecycle.
	Hash int `json:"-"`
}

// Clone returns a copy of the session.
func (sess *Session) Clone() *Session {
	sess.EventMu.RLock()
	copiedSess := &Session{
		ID:              sess.ID,
		AppName:         sess.AppName,
		UserID:          sess.UserID,
		State:           make(StateMap),
		Events:          make([]event.Event, len(sess.Events)),
		Version:         sess.Version,
		RewindToEventID: sess.RewindToEventID,
		UpdatedAt:       sess.UpdatedAt,
		CreatedAt:       sess.CreatedAt,
		Hash:            sess.Hash,
	}
	copy(copiedSess.Events, sess.Events)
	sess.EventMu.RUnlock()

	if sess.State != nil {
		for k, v := range sess.State {
			copiedValue := make([]byte, len(v))
			copy(copiedValue, v)
			copiedSess.State[k] = copiedValue
		}
	}
	return copiedSess
}

// SessionOptions is the options for a session.
type SessionOptions func(*Session)

// WithSessionEvents is the option for the session events.
func WithSessionEvents(events []event.Event) SessionOptions {
	return func(sess *Session) {
		sess.Events = events
	}
}

// WithSessionState is the option for the session state.
func WithSessionState(state StateMap) SessionOptions {
	return func(sess *Session) {
		sess.State = state
	}
}

// WithSessionVersion is the option for the session version.
func WithSessionVersion(version int64) SessionOptions {
	return func(sess *Session) {
		sess.Version = version
	}
}

// WithSessionCreatedAt is the option for the session createdAt.
func WithSessionCreatedAt(createdAt time.Time) SessionOptions {
	return func(sess *Session) {
		sess.CreatedAt = createdAt
	}
}

// WithSessionUpdatedAt is the option for the session updatedAt.
func WithSessionUpdatedAt(updatedAt time.Time) SessionOptions {
	return func(sess *Session) {
		sess.UpdatedAt = updatedAt
	}
}

// NewSession creates a new session.
func NewSession(appName, userID, sessionID string, options ...SessionOptions) *Session {
	hashKey := fmt.Sprintf("%s:%s:%s", appName, userID, sessionID)
	hash := int(murmur3.Sum32([]byte(hashKey)))

	sess := &Session{
		ID:        sessionID,
		AppName:   appName,
		UserID:    userID,
		Events:    []event.Event{},
		UpdatedAt: time.Now(),
		CreatedAt: time.Now(),
		State:     make(StateMap),

		Hash: hash,
	}
	for _, o := range options {
		o(sess)
	}

	return sess
}

// GetEvents returns the session events.
func (sess *Session) GetEvents() []event.Event {
	sess.EventMu.RLock()
	defer sess.EventMu.RUnlock()

	eventsCopy := make([]event.Event, len(sess.Events))
	copy(eventsCopy, sess.Events)
	return eventsCopy
}

// GetEventCount returns the session event count.
func (sess *Session) GetEventCount() int {
	sess.EventMu.RLock()
	defer sess.EventMu.RUnlock()

	return len(sess.Events)
}

// ApplyEventFiltering applies event number and time filtering to session events.
// The caller must hold EventMu when the session is shared.
func (sess *Session) ApplyEventFiltering(opts ...Option) {
	if sess == nil {
		return
	}
	opt := applyOptions(opts...)

	// Apply event time filter - keep events at or after the specified time.
	if !opt.EventTime.IsZero() {
		startIndex := -1
		for i, e := range sess.Events {
			if e.Timestamp.After(opt.EventTime) || e.Timestamp.Equal(opt.EventTime) {
				startIndex = i
				break
			}
		}
		if startIndex >= 0 {
			sess.Events = sess.Events[startIndex:]
		} else {
			// No events after the specified time, clear all events.
			sess.Events = []event.Event{}
		}
	}

	// Apply event number limit, keeping the most recent events.
	if opt.EventNum > 0 && len(sess.Events) > opt.EventNum {
		sess.Events = sess.Events[len(sess.Events)-opt.EventNum:]
	}
}

// ApplyEventStateDelta merges the state delta of the event into the
// in-memory session state. Temporary-namespace keys survive here; they are
// stripped only at the persistence boundary.
func (sess *Session) ApplyEventStateDelta(e *event.Event) {
	if sess == nil || e == nil {
		return
	}
	if sess.State == nil {
		sess.State = make(StateMap)
	}
	ApplyEventStateDeltaMap(sess.State, e)
}

// ApplyEventStateDeltaMap merges the state delta of the event into the
// given state, honoring deletion-on-None.
func ApplyEventStateDeltaMap(state StateMap, e *event.Event) {
	if state == nil || e == nil {
		return
	}
	for key, value := range e.StateDelta() {
		if IsNullValue(value) {
			delete(state, key)
			continue
		}
		state[key] = value
	}
}

func applyOptions(opts ...Option) *Options {
	opt := &Options{}
	for _, o := range opts {
		o(opt)
	}
	return opt
}

// Options is the options for getting a session.
type Options struct {
	EventNum  int       // EventNum is the number of recent events.
	EventTime time.Time // EventTime is the after time.
}

// Option is the option for a session.
type Option func(*Options)

// WithEventNum is the option for the number of recent events.
func WithEventNum(num int) Option {
	return func(o *Options) {
		o.EventNum = num
	}
}

// WithEventTime is the option for the time of the recent events.
func WithEventTime(time time.Time) Option {
	return func(o *Options) {
		o.EventTime = time
	}
}

// Service is the interface that all session services must implement.
type Service interface {
	// CreateSession creates a new session. When key.SessionID is empty a
	// random id is minted. The initial state may carry app:/user: prefixed
	// keys; they are routed to their scopes before the session row exists.
	CreateSession(ctx context.Context, key Key, state StateMap, options ...Option) (*Session, error)

	// GetSession gets a session. It returns nil and no error when no
	// live session matches the key.
	GetSession(ctx context.Context, key Key, options ...Option) (*Session, error)

	// ListSessions lists sessions for an app, newest first. An empty
	// UserID lists every user's sessions. Events are not loaded.
	ListSessions(ctx context.Context, userKey UserKey, options ...Option) ([]*Session, error)

	// DeleteSession soft-deletes a session. Deleting an absent session is
	// not an error.
	DeleteSession(ctx context.Context, key Key, options ...Option) error

	// AppendEvent appends an event to a session under optimistic
	// concurrency control and updates the caller's view in place.
	// It returns the event as stored.
	AppendEvent(ctx context.Context, session *Session, event *event.Event, options ...Option) (*event.Event, error)

	// RewindSession logically truncates the event log after the target
	// event and rebuilds the session-scope state by replay.
	RewindSession(ctx context.Context, key Key, targetEventID string) (*Session, error)

	// ClearRewind removes the rewind pointer and restores the full log.
	ClearRewind(ctx context.Context, key Key) (*Session, error)

	// UpdateAppState updates the state by target scope and key.
	UpdateAppState(ctx context.Context, appName string, state StateMap) error

	// DeleteAppState deletes the state by target scope and key.
	DeleteAppState(ctx context.Context, appName string, key string) error

	// ListAppStates gets the state by target scope and key.
	ListAppStates(ctx context.Context, appName string) (StateMap, error)

	// UpdateUserState updates the state by target scope and key.
	UpdateUserState(ctx context.Context, userKey UserKey, state StateMap) error

	// ListUserStates gets the state by target scope and key.
	ListUserStates(ctx context.Context, userKey UserKey) (StateMap, error)

	// DeleteUserState deletes the state by target scope and key.
	DeleteUserState(ctx context.Context, userKey UserKey, key string) error

	// Close closes the service.
	Close() error
}

// Key is the key for a session.
type Key struct {
	AppName   string // app name
	UserID    string // user id
	SessionID string // session id
}

// CheckSessionKey checks if a session key is valid.
func (s *Key) CheckSessionKey() error {
	return checkSessionKey(s.AppName, s.UserID, s.SessionID)
}

// CheckUserKey checks if a user key is valid.
func (s *Key) CheckUserKey() error {
	return checkUserKey(s.AppName, s.UserID)
}

// UserKey is the key for a user.
type UserKey struct {
	AppName string // app name
	UserID  string // user id
}

// CheckUserKey checks if a user key is valid.
func (s *UserKey) CheckUserKey() error {
	return checkUserKey(s.AppName, s.UserID)
}

func checkSessionKey(appName, userID, sessionID string) error {
	if appName == "" {
		return ErrAppNameRequired
	}
	if userID == "" {
		return ErrUserIDRequired
	}
	if sessionID == "" {
		return ErrSessionIDRequired
	}
	return nil
}

func checkUserKey(appName, userID string) error {
	if appName == "" {
		return ErrAppNameRequired
	}
	if userID == "" {
		return ErrUserIDRequired
	}
	return nil
}
