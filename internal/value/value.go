// Package value models the dynamic, recursively-typed data that flows
// between pipeline steps: payloads, step results, and iteration variables.
// Everything is represented as plain Go values produced by encoding/json —
// map[string]any, []any, string, float64, bool, nil — so the template
// resolver and the step runner never need host-language reflection.
package value

import "strings"

// Map is a convenience alias for an object-shaped value.
type Map = map[string]any

// Clone performs a deep copy of a decoded value so that mutating a
// resolved context never aliases a caller's payload.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Clone(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Clone(val)
		}
		return out
	default:
		return v
	}
}

// Get walks a dotted path against root. Only mapping segments are
// traversed — the runtime does not support numeric indexing into
// sequences, so a sequence encountered mid-path yields (nil, false).
// Returns (nil, false) for any undefined reference.
func Get(root any, path string) (any, bool) {
	if path == "" {
		return root, true
	}

	current := root
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// IsSequence reports whether v decoded as a JSON array.
func IsSequence(v any) bool {
	_, ok := v.([]any)
	return ok
}

// AsSequence returns v as a []any and whether the assertion succeeded.
func AsSequence(v any) ([]any, bool) {
	seq, ok := v.([]any)
	return seq, ok
}
