//
// Tencent is pleased to support the open source community by making trpc-session-go available.
//
// Copyright (C) 2026 Tencent.  All rights reserved.
//
// trpc-session-go is licensed under the Apache License Version 2.0.
//
//

// Package sqldb provides common utilities for SQL database-based session stores.
package sqldb

// Table name constants
// These base names are shared by every backend adapter; a validated prefix
// may be prepended per deployment.
const (
	// TableNameSessions is the name of the sessions table
	TableNameSessions = "sessions"

	// TableNameEvents is the name of the session events table
	TableNameEvents = "events"

	// TableNameAppStates is the name of the app states table
	TableNameAppStates = "app_states"

	// TableNameUserStates is the name of the user states table
	TableNameUserStates = "user_states"
)

// Index suffix constants
// These suffixes are appended to table names to create index names.
const (
	// IndexSuffixLookup is the suffix for natural-key lookup indexes
	IndexSuffixLookup = "lookup"

	// IndexSuffixSequence is the suffix for event ordering indexes
	IndexSuffixSequence = "sequence"

	// IndexSuffixUpdatedAt is the suffix for update_time indexes
	IndexSuffixUpdatedAt = "updated_at"
)
