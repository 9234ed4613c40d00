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
	"time"

	"trpc.group/trpc-go/trpc-session-go/session"
)

const (
	// defaultSequenceBase spaces event sequence numbers one thousand
	// apart per session version.
	defaultSequenceBase = 1000
)

// defaultRetryDelays returns the fixed waits between append attempts.
func defaultRetryDelays() []time.Duration {
	return []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		300 * time.Millisecond,
	}
}

// ServiceOpts holds the service configuration.
type ServiceOpts struct {
	sequenceBase  int64
	retryDelays   []time.Duration
	skipTableInit bool

	appendEventHooks []session.AppendEventHook
	getSessionHooks  []session.GetSessionHook
}

// ServiceOpt configures the session service.
type ServiceOpt func(*ServiceOpts)

func applyOptions(opts ...session.Option) *session.Options {
	opt := &session.Options{}
	for _, o := range opts {
		o(opt)
	}
	return opt
}

func newServiceOpts(opts ...ServiceOpt) ServiceOpts {
	o := ServiceOpts{
		sequenceBase: defaultSequenceBase,
		retryDelays:  defaultRetryDelays(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.sequenceBase <= 0 {
		o.sequenceBase = defaultSequenceBase
	}
	return o
}

// WithSequenceBase overrides the per-version sequence spacing. Changing the
// base on a store with existing events changes how new sequence numbers are
// derived; use one base per deployment.
func WithSequenceBase(base int64) ServiceOpt {
	return func(o *ServiceOpts) {
		o.sequenceBase = base
	}
}

// WithRetryBackoff overrides the waits between retries of a contended
// append. The number of delays is the number of retries; an empty list
// disables retrying.
func WithRetryBackoff(delays ...time.Duration) ServiceOpt {
	return func(o *ServiceOpts) {
		o.retryDelays = append([]time.Duration(nil), delays...)
	}
}

// WithSkipTableInit skips the lazy table creation. Use it when the runtime
// credentials lack DDL permissions and the tables are provisioned out of
// band.
func WithSkipTableInit(skip bool) ServiceOpt {
	return func(o *ServiceOpts) {
		o.skipTableInit = skip
	}
}

// WithAppendEventHooks installs hooks around event appends, outermost
// first.
func WithAppendEventHooks(hooks ...session.AppendEventHook) ServiceOpt {
	return func(o *ServiceOpts) {
		o.appendEventHooks = append(o.appendEventHooks, hooks...)
	}
}

// WithGetSessionHooks installs hooks around session reads, outermost first.
func WithGetSessionHooks(hooks ...session.GetSessionHook) ServiceOpt {
	return func(o *ServiceOpts) {
		o.getSessionHooks = append(o.getSessionHooks, hooks...)
	}
}
