//
// Tencent is pleased to support the open source community by making trpc-session-go available.
//
// Copyright (C) 2026 Tencent.  All rights reserved.
//
// trpc-session-go is licensed under the Apache License Version 2.0.
//
//

package session

import (
	"context"

	"trpc.group/trpc-go/trpc-session-go/event"
)

// AppendEventContext carries context for AppendEvent hooks.
type AppendEventContext struct {
	Context context.Context
	Session *Session
	Event   *event.Event
	Key     Key
}

// GetSessionContext carries context for GetSession hooks.
type GetSessionContext struct {
	Context context.Context
	Key     Key
	Options *Options
}

// AppendEventHook processes events with next() chain pattern.
// Call next() to continue processing, or return directly to abort.
type AppendEventHook func(ctx *AppendEventContext, next func() error) error

// GetSessionHook processes session retrieval with next() chain pattern.
// Call next() to get session from storage, then optionally modify and return.
type GetSessionHook func(ctx *GetSessionContext, next func() (*Session, error)) (*Session, error)

// RunAppendEventHooks executes the AppendEvent hook chain.
// The final hook performs the actual storage operation.
func RunAppendEventHooks(
	hooks []AppendEventHook,
	ctx *AppendEventContext,
	final AppendEventHook,
) error {
	// Wrap final as a hook that ignores next (it's the terminal)
	allHooks := make([]AppendEventHook, 0, len(hooks)+1)
	allHooks = append(allHooks, hooks...)
	if final != nil {
		allHooks = append(allHooks, final)
	}

	if len(allHooks) == 0 {
		return nil
	}

	var run func(idx int) error
	run = func(idx int) error {
		if idx >= len(allHooks) {
			return nil
		}
		return allHooks[idx](ctx, func() error { return run(idx + 1) })
	}
	return run(0)
}

// RunGetSessionHooks executes the GetSession hook chain.
// The final hook performs the actual storage retrieval.
func RunGetSessionHooks(
	hooks []GetSessionHook,
	ctx *GetSessionContext,
	final GetSessionHook,
) (*Session, error) {
	// Wrap final as a hook that ignores next (it's the terminal)
	allHooks := make([]GetSessionHook, 0, len(hooks)+1)
	allHooks = append(allHooks, hooks...)
	if final != nil {
		allHooks = append(allHooks, final)
	}

	if len(allHooks) == 0 {
		return nil, nil
	}

	var run func(idx int) (*Session, error)
	run = func(idx int) (*Session, error) {
		if idx >= len(allHooks) {
			return nil, nil
		}
		return allHooks[idx](ctx, func() (*Session, error) { return run(idx + 1) })
	}
	return run(0)
}
