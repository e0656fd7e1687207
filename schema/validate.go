package schema

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"math"
	"net/netip"
	"regexp"
	"strconv"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/truenas/middleware-sub024/errors"
)

// datasetPattern matches pool-rooted dataset paths such as "tank/media/tv".
// Component characters follow ZFS naming rules.
var datasetPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-.:]*(/[A-Za-z0-9][A-Za-z0-9_\-.: ]*)*$`)

// Engine validates, coerces, and redacts values against schema trees.
// It owns the named type table used by TypeRef nodes.
type Engine struct {
	mu     sync.RWMutex
	types  map[string]*Schema
	logger *slog.Logger
}

// NewEngine creates a schema engine with an empty type table.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		types:  make(map[string]*Schema),
		logger: logger,
	}
}

// RegisterType adds a named schema to the type table. Registering the same
// name twice is a hard error; the table is append-only for the process life.
func (e *Engine) RegisterType(name string, s *Schema) error {
	if name == "" || s == nil {
		return errors.Wrap(fmt.Errorf("name and schema are required"),
			"Engine", "RegisterType", "argument validation")
	}
	if err := s.Validate(); err != nil {
		return errors.Wrap(err, "Engine", "RegisterType", "schema validation")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.types[name]; exists {
		return errors.Wrap(fmt.Errorf("type %q is already registered", name),
			"Engine", "RegisterType", "duplicate type check")
	}
	e.types[name] = s
	return nil
}

// ResolveType returns the named schema from the type table.
func (e *Engine) ResolveType(name string) (*Schema, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.types[name]
	return s, ok
}

// ValidateArgs validates a raw argument array against an ordered parameter
// list, fills defaults, applies declared coercions, and returns the
// normalized argument list. On failure it returns a validation error
// enumerating every offending path, and the method body must not run.
func (e *Engine) ValidateArgs(params []*Schema, args []any) ([]any, error) {
	var details []errors.ValidationDetail

	if len(args) > len(params) {
		details = append(details, errors.ValidationDetail{
			Path:    "args",
			Message: fmt.Sprintf("expected at most %d arguments, got %d", len(params), len(args)),
		})
		return nil, errors.Validation(details)
	}

	normalized := make([]any, len(params))
	for i, p := range params {
		path := fmt.Sprintf("args[%d]", i)
		if p.Name != "" {
			path = fmt.Sprintf("args[%d].%s", i, p.Name)
		}

		if i >= len(args) {
			switch {
			case p.HasDefault:
				normalized[i] = deepCopy(p.Default)
			case p.Required:
				details = append(details, errors.ValidationDetail{
					Path:    path,
					Message: "required argument missing",
				})
			default:
				normalized[i] = nil
			}
			continue
		}

		normalized[i] = e.validate(p, args[i], path, &details)
	}

	if len(details) > 0 {
		return nil, errors.Validation(details)
	}
	return normalized, nil
}

// ValidateResult checks a method result against its output schema. Result
// validation is advisory: violations are logged by the caller, never fatal.
func (e *Engine) ValidateResult(out *Schema, result any) error {
	if out == nil {
		return nil
	}
	var details []errors.ValidationDetail
	e.validate(out, result, "result", &details)
	if len(details) > 0 {
		return errors.Validation(details)
	}
	return nil
}

// validate checks one value against one schema node, appending a detail
// record for every violation, and returns the normalized value.
func (e *Engine) validate(s *Schema, v any, path string, details *[]errors.ValidationDetail) any {
	if v == nil {
		if s.Nullable || !s.Required {
			return nil
		}
		*details = append(*details, errors.ValidationDetail{Path: path, Message: "null not allowed"})
		return nil
	}

	switch s.Type {
	case TypeAny:
		return v

	case TypeBool:
		if b, ok := v.(bool); ok {
			return b
		}
		e.fail(details, path, "bool", v)

	case TypeInt:
		if n, ok := asInt(v, s.Coerce); ok {
			return n
		}
		e.fail(details, path, "int", v)

	case TypeFloat:
		if f, ok := asFloat(v, s.Coerce); ok {
			return f
		}
		e.fail(details, path, "float", v)

	case TypeString, TypePassword, TypeSecret:
		if str, ok := v.(string); ok {
			return str
		}
		e.fail(details, path, "str", v)

	case TypeBytes:
		if str, ok := v.(string); ok {
			raw, err := base64.StdEncoding.DecodeString(str)
			if err != nil {
				*details = append(*details, errors.ValidationDetail{
					Path: path, Message: "invalid base64 encoding"})
				return nil
			}
			return raw
		}
		if raw, ok := v.([]byte); ok {
			return raw
		}
		e.fail(details, path, "bytes", v)

	case TypeDataset:
		if str, ok := v.(string); ok {
			if !datasetPattern.MatchString(str) {
				*details = append(*details, errors.ValidationDetail{
					Path: path, Message: fmt.Sprintf("%q is not a valid dataset path", str)})
				return nil
			}
			return str
		}
		e.fail(details, path, "dataset", v)

	case TypeIPAddr:
		if str, ok := v.(string); ok {
			if _, err := netip.ParseAddr(str); err != nil {
				*details = append(*details, errors.ValidationDetail{
					Path: path, Message: fmt.Sprintf("%q is not a valid IP address", str)})
				return nil
			}
			return str
		}
		e.fail(details, path, "ipaddr", v)

	case TypeCron:
		if str, ok := v.(string); ok {
			if _, err := cron.ParseStandard(str); err != nil {
				*details = append(*details, errors.ValidationDetail{
					Path: path, Message: fmt.Sprintf("invalid cron schedule: %v", err)})
				return nil
			}
			return str
		}
		e.fail(details, path, "cron", v)

	case TypeEnum:
		if str, ok := v.(string); ok {
			for _, allowed := range s.Enum {
				if str == allowed {
					return str
				}
			}
			*details = append(*details, errors.ValidationDetail{
				Path: path, Message: fmt.Sprintf("%q is not one of %v", str, s.Enum)})
			return nil
		}
		e.fail(details, path, "enum", v)

	case TypeList:
		items, ok := v.([]any)
		if !ok {
			e.fail(details, path, "list", v)
			return nil
		}
		normalized := make([]any, len(items))
		for i, item := range items {
			normalized[i] = e.validate(s.Elem, item, fmt.Sprintf("%s[%d]", path, i), details)
		}
		return normalized

	case TypeDict:
		obj, ok := v.(map[string]any)
		if !ok {
			e.fail(details, path, "dict", v)
			return nil
		}
		return e.validateDict(s, obj, path, details)

	case TypeUnion:
		// A value matches the union if any variant accepts it cleanly.
		for _, variant := range s.Variants {
			var probe []errors.ValidationDetail
			normalized := e.validate(variant, v, path, &probe)
			if len(probe) == 0 {
				return normalized
			}
		}
		*details = append(*details, errors.ValidationDetail{
			Path: path, Message: fmt.Sprintf("value matches no variant of union %q", s.Name)})

	case TypeRef:
		target, ok := e.ResolveType(s.Ref)
		if !ok {
			*details = append(*details, errors.ValidationDetail{
				Path: path, Message: fmt.Sprintf("unknown type reference %q", s.Ref)})
			return nil
		}
		return e.validate(target, v, path, details)

	default:
		*details = append(*details, errors.ValidationDetail{
			Path: path, Message: "unsupported schema type"})
	}
	return nil
}

// validateDict checks a JSON object against a dict schema: unknown keys are
// rejected, required fields enforced, defaults filled, all fields recursed.
func (e *Engine) validateDict(
	s *Schema, obj map[string]any, path string, details *[]errors.ValidationDetail,
) map[string]any {
	normalized := make(map[string]any, len(s.Fields))

	for key := range obj {
		if s.Field(key) == nil {
			*details = append(*details, errors.ValidationDetail{
				Path:    fmt.Sprintf("%s.%s", path, key),
				Message: "unexpected field",
			})
		}
	}

	for _, f := range s.Fields {
		fieldPath := fmt.Sprintf("%s.%s", path, f.Name)
		value, present := obj[f.Name]
		switch {
		case present:
			normalized[f.Name] = e.validate(f, value, fieldPath, details)
		case f.HasDefault:
			normalized[f.Name] = deepCopy(f.Default)
		case f.Required:
			*details = append(*details, errors.ValidationDetail{
				Path:    fieldPath,
				Message: "required field missing",
			})
		}
	}

	return normalized
}

func (e *Engine) fail(details *[]errors.ValidationDetail, path, want string, got any) {
	*details = append(*details, errors.ValidationDetail{
		Path:    path,
		Message: fmt.Sprintf("expected %s, got %T", want, got),
	})
}

// asInt normalizes JSON numbers (and, when coercion is declared, numeric
// strings) to int64. Floats with a fractional part are rejected.
func asInt(v any, coerce bool) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n == math.Trunc(n) && !math.IsInf(n, 0) {
			return int64(n), true
		}
	case string:
		if coerce {
			if parsed, err := strconv.ParseInt(n, 10, 64); err == nil {
				return parsed, true
			}
		}
	}
	return 0, false
}

// asFloat normalizes JSON numbers (and declared numeric strings) to float64.
func asFloat(v any, coerce bool) (float64, bool) {
	switch n := v.(type) {
	case float64:
		if !math.IsNaN(n) && !math.IsInf(n, 0) {
			return n, true
		}
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		if coerce {
			if parsed, err := strconv.ParseFloat(n, 64); err == nil {
				return parsed, true
			}
		}
	}
	return 0, false
}

// deepCopy copies a default value so per-call mutation cannot leak back into
// the schema tree.
func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = deepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopy(item)
		}
		return out
	default:
		// Scalars are immutable
		return v
	}
}
