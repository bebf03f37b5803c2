// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations, messages,
// tool calls, and multi-model response groups.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// TOOL CALL TYPE
// =============================================================================

// ToolCall records a model-initiated request to invoke an external tool.
// The call is recorded and persisted on the requesting assistant message
// before execution starts, so a crash mid-execution leaves an inspectable
// trail.
type ToolCall struct {
	// ID correlates the provider's tool-call request to its result.
	ID   string `json:"id"`
	Name string `json:"name"`

	// Args preserves the provider's key order.
	Args ToolArgs `json:"args"`

	// Pending marks calls recorded on a non-selected multi-model response.
	// They are executed only if that response is later selected.
	Pending bool `json:"pending,omitempty"`

	// Executed guards against re-execution on re-selection.
	Executed bool `json:"executed,omitempty"`

	// Result is populated after execution.
	Result *ToolResult `json:"result,omitempty"`
}

// ToolResult holds the outcome of executing a tool call.
type ToolResult struct {
	Content   string        `json:"content"`
	Error     string        `json:"error,omitempty"`
	Citations []Citation    `json:"citations,omitempty"`
	Duration  time.Duration `json:"duration_ns,omitempty"`
}

// OK reports whether the execution succeeded.
func (r *ToolResult) OK() bool {
	return r != nil && r.Error == ""
}

// Clone returns a deep copy of the tool call.
func (tc *ToolCall) Clone() *ToolCall {
	clone := *tc
	clone.Args = append(ToolArgs(nil), tc.Args...)
	if tc.Result != nil {
		result := *tc.Result
		result.Citations = append([]Citation(nil), tc.Result.Citations...)
		clone.Result = &result
	}
	return &clone
}

// =============================================================================
// ORDERED ARGUMENTS
// =============================================================================

// ToolArg is a single key/value argument pair.
type ToolArg struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// ToolArgs is an ordered key-to-value argument mapping. Providers emit JSON
// objects whose key order carries meaning for display and replay, so the
// order of arrival is preserved.
type ToolArgs []ToolArg

// Get returns the value for key and whether it is present.
func (a ToolArgs) Get(key string) (any, bool) {
	for _, arg := range a {
		if arg.Key == key {
			return arg.Value, true
		}
	}
	return nil, false
}

// String returns the string value for key, or "" if absent or non-string.
func (a ToolArgs) String(key string) string {
	v, ok := a.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Map flattens the arguments into a plain map for executors that do not
// care about ordering. Later duplicates win, matching JSON semantics.
func (a ToolArgs) Map() map[string]any {
	m := make(map[string]any, len(a))
	for _, arg := range a {
		m[arg.Key] = arg.Value
	}
	return m
}

// MarshalJSON encodes the arguments as a JSON object in recorded order.
func (a ToolArgs) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, arg := range a {
		if i > 0 {
			buf = append(buf, ',')
		}
		key, err := json.Marshal(arg.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(arg.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, key...)
		buf = append(buf, ':')
		buf = append(buf, val...)
	}
	return append(buf, '}'), nil
}

// UnmarshalJSON decodes a JSON object preserving its key order.
func (a *ToolArgs) UnmarshalJSON(data []byte) error {
	parsed, err := ParseToolArgs(data)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseToolArgs decodes a JSON object into ordered arguments. A token walk
// is used instead of map unmarshalling so the provider's key order survives.
func ParseToolArgs(data []byte) (ToolArgs, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("tool args: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("tool args: expected object, got %v", tok)
	}

	var args ToolArgs
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("tool args: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("tool args: non-string key %v", keyTok)
		}

		var value any
		if err := dec.Decode(&value); err != nil {
			return nil, fmt.Errorf("tool args %q: %w", key, err)
		}
		args = append(args, ToolArg{Key: key, Value: normalizeJSONValue(value)})
	}

	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("tool args: %w", err)
	}
	return args, nil
}

// ToolArgsFromMap builds arguments from a plain map. Ordering follows Go map
// iteration and is therefore unspecified; use only where order is irrelevant
// (tests, hand-built calls).
func ToolArgsFromMap(m map[string]any) ToolArgs {
	args := make(ToolArgs, 0, len(m))
	for k, v := range m {
		args = append(args, ToolArg{Key: k, Value: v})
	}
	return args
}

// normalizeJSONValue converts json.Number values to float64 so argument
// values compare the way callers expect.
func normalizeJSONValue(v any) any {
	switch val := v.(type) {
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case []any:
		for i := range val {
			val[i] = normalizeJSONValue(val[i])
		}
		return val
	case map[string]any:
		for k := range val {
			val[k] = normalizeJSONValue(val[k])
		}
		return val
	default:
		return v
	}
}

