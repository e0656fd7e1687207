package schema

import (
	"github.com/truenas/middleware-sub024/errors"
)

// RedactedSentinel replaces private values in logs and job snapshots.
const RedactedSentinel = "********"

// Redact returns a view of an argument array with every value reached
// through a private schema node replaced by the sentinel. The input slice is
// never modified.
func (e *Engine) Redact(params []*Schema, args []any) []any {
	out := make([]any, len(args))
	for i, v := range args {
		if i < len(params) {
			out[i] = e.redactValue(params[i], v)
		} else {
			out[i] = v
		}
	}
	return out
}

func (e *Engine) redactValue(s *Schema, v any) any {
	if s == nil || v == nil {
		return v
	}
	if s.Private {
		return RedactedSentinel
	}

	switch s.Type {
	case TypeList:
		items, ok := v.([]any)
		if !ok {
			return v
		}
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = e.redactValue(s.Elem, item)
		}
		return out

	case TypeDict:
		obj, ok := v.(map[string]any)
		if !ok {
			return v
		}
		out := make(map[string]any, len(obj))
		for key, item := range obj {
			out[key] = e.redactValue(s.Field(key), item)
		}
		return out

	case TypeRef:
		if target, ok := e.ResolveType(s.Ref); ok {
			return e.redactValue(target, v)
		}
		return v

	case TypeUnion:
		// Recurse through the variant that accepts the value so nested
		// private fields are still caught.
		for _, variant := range s.Variants {
			if e.probeMatch(variant, v) {
				return e.redactValue(variant, v)
			}
		}
		return v

	default:
		return v
	}
}

// probeMatch reports whether a value cleanly matches a schema variant.
func (e *Engine) probeMatch(s *Schema, v any) bool {
	var details []errors.ValidationDetail
	e.validate(s, v, "probe", &details)
	return len(details) == 0
}
