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
	"errors"
	"fmt"
)

var (
	// ErrAppNameRequired is the error for app name required.
	ErrAppNameRequired = errors.New("appName is required")
	// ErrUserIDRequired is the error for user id required.
	ErrUserIDRequired = errors.New("userID is required")
	// ErrSessionIDRequired is the error for session id required.
	ErrSessionIDRequired = errors.New("sessionID is required")
	// ErrSessionNil is the error for a nil session argument.
	ErrSessionNil = errors.New("session is nil")
	// ErrEventNil is the error for a nil event argument.
	ErrEventNil = errors.New("event is nil")
)

var (
	// ErrSessionNotFound reports that no live session matches the key.
	// Soft-deleted sessions are treated as absent.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionAlreadyExists reports a create colliding with a live
	// session under the same key.
	ErrSessionAlreadyExists = errors.New("session already exists")

	// ErrEventNotFound reports a rewind target that does not exist in the
	// session's event log.
	ErrEventNotFound = errors.New("event not found")

	// ErrStaleSnapshot reports that the caller's session snapshot is older
	// than the stored row. The caller must re-read before appending.
	ErrStaleSnapshot = errors.New("session snapshot is stale")

	// ErrVersionConflict reports a lost optimistic write: the re-read after
	// a conditional update did not observe this writer's nonce at the
	// expected version.
	ErrVersionConflict = errors.New("session version conflict")
)

// BackendError wraps a transport or DDL failure from a backend adapter.
// It is never retried by the service.
type BackendError struct {
	Op    string // the primitive that failed, e.g. "select_session"
	Table string // the table involved, if known
	Err   error
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("session backend %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("session backend %s on %s: %v", e.Op, e.Table, e.Err)
}

// Unwrap exposes the underlying driver error.
func (e *BackendError) Unwrap() error { return e.Err }

// NewBackendError creates a BackendError for the given primitive and table.
func NewBackendError(op, table string, err error) *BackendError {
	return &BackendError{Op: op, Table: table, Err: err}
}

// CorruptionError reports state JSON that cannot be decoded. Adapters choose
// their own recovery policy: the embedded adapter substitutes an empty state
// and logs, the columnar adapter surfaces the error.
type CorruptionError struct {
	Table string
	Key   string
	Err   error
}

// Error implements the error interface.
func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corrupt state json in %s for %s: %v", e.Table, e.Key, e.Err)
}

// Unwrap exposes the underlying decode error.
func (e *CorruptionError) Unwrap() error { return e.Err }

// NewCorruptionError creates a CorruptionError for the given table and key.
func NewCorruptionError(table, key string, err error) *CorruptionError {
	return &CorruptionError{Table: table, Key: key, Err: err}
}
