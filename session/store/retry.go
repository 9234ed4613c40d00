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
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"trpc.group/trpc-go/trpc-session-go/session"
)

// fixedDelays is a backoff.BackOff that walks a fixed schedule of waits and
// then stops. Unlike the exponential policies it retries a bounded number
// of times with per-attempt waits chosen up front.
type fixedDelays struct {
	delays []time.Duration
	next   int
}

func newFixedDelays(delays []time.Duration) *fixedDelays {
	return &fixedDelays{delays: delays}
}

// NextBackOff implements backoff.BackOff.
func (f *fixedDelays) NextBackOff() time.Duration {
	if f.next >= len(f.delays) {
		return backoff.Stop
	}
	d := f.delays[f.next]
	f.next++
	return d
}

// Reset implements backoff.BackOff.
func (f *fixedDelays) Reset() {
	f.next = 0
}

// retriable reports whether the error is a transient concurrency loss worth
// another attempt. Backend failures and validation errors are final.
func retriable(err error) bool {
	return errors.Is(err, session.ErrStaleSnapshot) ||
		errors.Is(err, session.ErrVersionConflict)
}

// withRetry runs op, retrying on transient concurrency errors per the
// service's retry schedule. The last error is returned once the schedule is
// exhausted.
func (s *Service) withRetry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(newFixedDelays(s.opts.retryDelays), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if retriable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, b)
}
