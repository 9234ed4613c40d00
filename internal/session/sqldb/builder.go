package sqldb

import (
	"fmt"
	"strings"
)

// BuildTableName constructs a full table name with optional prefix.
// If prefix is empty, returns the base table name.
// If prefix is provided, automatically adds an underscore separator if not present.
//
// Examples:
//   - BuildTableName("", "sessions") -> "sessions"
//   - BuildTableName("runtime", "sessions") -> "runtime_sessions"
//   - BuildTableName("runtime_", "sessions") -> "runtime_sessions"
func BuildTableName(prefix, base string) string {
	if prefix == "" {
		return base
	}

	// Automatically add underscore if not present
	if !strings.HasSuffix(prefix, "_") {
		prefix += "_"
	}

	return prefix + base
}

// BuildIndexName constructs an index name based on table name and suffix.
// The format is: idx_{tableName}_{suffix}
//
// Examples:
//   - BuildIndexName("", "events", "sequence") -> "idx_events_sequence"
//   - BuildIndexName("runtime", "events", "lookup") -> "idx_runtime_events_lookup"
func BuildIndexName(prefix, tableName, suffix string) string {
	fullTableName := BuildTableName(prefix, tableName)
	return fmt.Sprintf("idx_%s_%s", fullTableName, suffix)
}

// BuildAllTableNames builds all table names with the given prefix.
// Returns a map of base table name to full table name.
func BuildAllTableNames(prefix string) map[string]string {
	return map[string]string{
		TableNameSessions:   BuildTableName(prefix, TableNameSessions),
		TableNameEvents:     BuildTableName(prefix, TableNameEvents),
		TableNameAppStates:  BuildTableName(prefix, TableNameAppStates),
		TableNameUserStates: BuildTableName(prefix, TableNameUserStates),
	}
}
