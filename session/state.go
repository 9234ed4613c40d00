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
	"bytes"
	"strings"

	"github.com/bytedance/sonic"
)

// StateMap is a map of state key-value pairs. Values are raw JSON bytes;
// the store never interprets them beyond the null sentinel.
type StateMap map[string][]byte

// State namespace prefixes. A key carrying one of these prefixes selects a
// scope other than the session itself; prefix matches are case-sensitive.
const (
	// StateAppPrefix selects the app scope, shared by every user of an app.
	StateAppPrefix = "app:"
	// StateUserPrefix selects the user scope, shared by every session of a
	// user within an app.
	StateUserPrefix = "user:"
	// StateTempPrefix selects the temporary scope. Temp keys live only in
	// the in-memory session state and are never persisted.
	StateTempPrefix = "temp:"
)

var nullLiteral = []byte("null")

// IsNullValue reports whether a delta value is the null sentinel that marks
// a key for removal. Both an empty value and the JSON literal null qualify.
func IsNullValue(value []byte) bool {
	if len(value) == 0 {
		return true
	}
	return bytes.Equal(bytes.TrimSpace(value), nullLiteral)
}

// Clone returns a deep copy of the state map.
func (m StateMap) Clone() StateMap {
	if m == nil {
		return nil
	}
	cloned := make(StateMap, len(m))
	for k, v := range m {
		value := make([]byte, len(v))
		copy(value, v)
		cloned[k] = value
	}
	return cloned
}

// SplitStateDelta splits a flat delta into its app, user and session scope
// sub-deltas. App and user keys lose their prefixes; temporary keys are
// dropped entirely; everything else belongs to the session scope. Null
// sentinel values pass through so deletions reach the right scope.
func SplitStateDelta(delta StateMap) (appDelta, userDelta, sessionDelta StateMap) {
	appDelta = make(StateMap)
	userDelta = make(StateMap)
	sessionDelta = make(StateMap)
	for key, value := range delta {
		switch {
		case strings.HasPrefix(key, StateAppPrefix):
			appDelta[strings.TrimPrefix(key, StateAppPrefix)] = value
		case strings.HasPrefix(key, StateUserPrefix):
			userDelta[strings.TrimPrefix(key, StateUserPrefix)] = value
		case strings.HasPrefix(key, StateTempPrefix):
			// Temporary keys are never persisted.
		default:
			sessionDelta[key] = value
		}
	}
	return appDelta, userDelta, sessionDelta
}

// ApplyStateDelta applies a delta to a state and returns the new state.
// A key whose delta value is the null sentinel is removed; any other value
// overwrites. The input state is never mutated; a nil or empty delta
// returns a plain copy.
func ApplyStateDelta(current, delta StateMap) StateMap {
	applied := make(StateMap, len(current)+len(delta))
	for k, v := range current {
		value := make([]byte, len(v))
		copy(value, v)
		applied[k] = value
	}
	for k, v := range delta {
		if IsNullValue(v) {
			delete(applied, k)
			continue
		}
		value := make([]byte, len(v))
		copy(value, v)
		applied[k] = value
	}
	return applied
}

// MergeSessionState reconstructs the read view from the three scope states:
// app and user keys are re-prefixed, session keys overlay verbatim.
func MergeSessionState(appState, userState, sessionState StateMap) StateMap {
	merged := make(StateMap, len(appState)+len(userState)+len(sessionState))
	for k, v := range appState {
		merged[StateAppPrefix+k] = v
	}
	for k, v := range userState {
		merged[StateUserPrefix+k] = v
	}
	for k, v := range sessionState {
		merged[k] = v
	}
	return merged
}

// StripTempState returns a copy of the state without temporary-namespace
// keys. Adapters apply this at the persistence boundary; the in-memory
// session state keeps its temp keys for the duration of the invocation.
func StripTempState(state StateMap) StateMap {
	stripped := make(StateMap, len(state))
	for k, v := range state {
		if strings.HasPrefix(k, StateTempPrefix) {
			continue
		}
		stripped[k] = v
	}
	return stripped
}

// EncodeState serializes a state map to its canonical JSON row form.
// A nil map encodes as an empty object so rows never store JSON null.
func EncodeState(state StateMap) ([]byte, error) {
	if state == nil {
		state = StateMap{}
	}
	return sonic.Marshal(state)
}

// DecodeState deserializes a state row produced by EncodeState. Empty input
// decodes to an empty map.
func DecodeState(data []byte) (StateMap, error) {
	state := make(StateMap)
	if len(data) == 0 {
		return state, nil
	}
	if err := sonic.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return state, nil
}
