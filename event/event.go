//
// Tencent is pleased to support the open source community by making trpc-session-go available.
//
// Copyright (C) 2026 Tencent.  All rights reserved.
//
// trpc-session-go is licensed under the Apache License Version 2.0.
//
//

// Package event defines the append-only record stored for every agent
// invocation step. The store treats the payload as opaque; only the
// identity fields and the state delta carried in Actions are interpreted.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Actions carries the side effects an event requests from the session
// store. Only the state delta is interpreted; everything else an event
// wants to say travels in Event.Content.
type Actions struct {
	// StateDelta maps state keys to raw JSON values. A nil value or the
	// JSON literal null marks the key for removal. Keys may carry the
	// app:/user:/temp: namespace prefixes.
	StateDelta map[string][]byte `json:"state_delta,omitempty"`
}

// Event is one record in a session's event log.
//
// ID is the client-assigned idempotency key: appending two events with the
// same ID stores exactly one row. New mints a random ID when the caller
// does not supply one.
type Event struct {
	// ID uniquely identifies the event within its session.
	ID string `json:"id"`
	// InvocationID groups the events of one agent invocation.
	InvocationID string `json:"invocation_id"`
	// Author identifies the event producer, e.g. an agent name or "user".
	Author string `json:"author"`
	// Branch carries the producer's position in the agent tree, if any.
	Branch string `json:"branch,omitempty"`
	// Timestamp is producer-supplied; the store assigns its own created
	// time independently.
	Timestamp time.Time `json:"timestamp"`
	// Partial marks a streaming fragment. Partial events are never
	// persisted.
	Partial bool `json:"partial,omitempty"`
	// Content is the opaque payload. Large blobs (stdout, artifacts)
	// should be referenced here, not inlined, so the event row stays
	// small.
	Content json.RawMessage `json:"content,omitempty"`
	// Actions holds the interpreted side effects.
	Actions *Actions `json:"actions,omitempty"`
}

// Option configures an Event during construction.
type Option func(*Event)

// WithID overrides the generated event ID.
func WithID(id string) Option {
	return func(e *Event) {
		e.ID = id
	}
}

// WithBranch sets the branch of the event.
func WithBranch(branch string) Option {
	return func(e *Event) {
		e.Branch = branch
	}
}

// WithTimestamp overrides the producer timestamp.
func WithTimestamp(ts time.Time) Option {
	return func(e *Event) {
		e.Timestamp = ts
	}
}

// WithPartial marks the event as a streaming fragment.
func WithPartial(partial bool) Option {
	return func(e *Event) {
		e.Partial = partial
	}
}

// WithContent sets the opaque payload.
func WithContent(content json.RawMessage) Option {
	return func(e *Event) {
		e.Content = content
	}
}

// WithStateDelta attaches a state delta to the event's actions.
func WithStateDelta(delta map[string][]byte) Option {
	return func(e *Event) {
		if e.Actions == nil {
			e.Actions = &Actions{}
		}
		e.Actions.StateDelta = delta
	}
}

// New creates an event attributed to the given invocation and author.
func New(invocationID, author string, opts ...Option) *Event {
	e := &Event{
		ID:           uuid.NewString(),
		InvocationID: invocationID,
		Author:       author,
		Timestamp:    time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HasStateDelta reports whether the event carries a non-empty state delta.
func (e *Event) HasStateDelta() bool {
	return e != nil && e.Actions != nil && len(e.Actions.StateDelta) > 0
}

// StateDelta returns the event's state delta, or nil when it carries none.
func (e *Event) StateDelta() map[string][]byte {
	if e == nil || e.Actions == nil {
		return nil
	}
	return e.Actions.StateDelta
}

// Clone returns a deep copy of the event. The copy shares no mutable
// state with the original, so callers can retain it across appends.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Content != nil {
		clone.Content = make(json.RawMessage, len(e.Content))
		copy(clone.Content, e.Content)
	}
	if e.Actions != nil {
		actions := Actions{}
		if e.Actions.StateDelta != nil {
			actions.StateDelta = make(map[string][]byte, len(e.Actions.StateDelta))
			for k, v := range e.Actions.StateDelta {
				vv := make([]byte, len(v))
				copy(vv, v)
				actions.StateDelta[k] = vv
			}
		}
		clone.Actions = &actions
	}
	return &clone
}
