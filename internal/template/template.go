// Package template implements the `{{ dotted.path }}` substitution
// language that wires step outputs, job payloads, and forEach iteration
// variables into a step's input and into effect records. It is the only
// data-flow primitive between steps: purely functional, no
// side effects, deterministic, left-to-right, no re-evaluation.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"github.com/forgepipe/orchestrator/internal/value"
)

var (
	wholeExpr = regexp.MustCompile(`^\{\{\s*([^{}]+?)\s*\}\}$`)
	fieldExpr = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)
)

// undefinedType is returned in place of an unresolved whole-string
// reference; it lets callers distinguish "undefined" from a literal null.
type undefinedType struct{}

// Undefined is the sentinel produced when a whole-string template
// reference does not resolve against the context.
var Undefined undefinedType

// IsUndefined reports whether v is the Undefined sentinel.
func IsUndefined(v any) bool {
	_, ok := v.(undefinedType)
	return ok
}

// Resolve interprets templates embedded anywhere inside v against ctx.
// Mappings and sequences are walked recursively; strings are resolved per
// the whole-string / interpolation rules below; every other
// leaf value is returned unchanged.
func Resolve(v any, ctx any) any {
	switch t := v.(type) {
	case string:
		return resolveString(t, ctx)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Resolve(val, ctx)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Resolve(val, ctx)
		}
		return out
	default:
		return v
	}
}

func resolveString(s string, ctx any) any {
	if m := wholeExpr.FindStringSubmatch(s); m != nil {
		resolved, ok := value.Get(ctx, m[1])
		if !ok {
			return Undefined
		}
		return resolved
	}

	if !fieldExpr.MatchString(s) {
		return s
	}

	return fieldExpr.ReplaceAllStringFunc(s, func(match string) string {
		path := fieldExpr.FindStringSubmatch(match)
		resolved, ok := value.Get(ctx, path[1])
		if !ok {
			return match
		}
		return stringify(resolved)
	})
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case fmt.Stringer:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

// DeepInterpolate serializes v to its JSON-compatible shape, resolves
// templates throughout, and returns the substituted structure. It is used
// when an entire sub-object (the enqueue effect's child job template) must
// be interpolated — the caller is responsible for confirming the result is
// still shape-compatible with the declared schema.
func DeepInterpolate(v any, ctx any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("template: marshal for interpolation: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("template: unmarshal for interpolation: %w", err)
	}
	return Resolve(decoded, ctx), nil
}
