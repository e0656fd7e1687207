package services

import (
	"fmt"

	"github.com/truenas/middleware-sub024/errors"
)

// applyFilters evaluates query-filters and query-options against rows.
//
// Each filter is a [field, op, value] triple; supported ops are =, !=, >,
// <, >=, <= and in. Options understands "count" (return the match count),
// "limit" and "offset".
func applyFilters(rows []map[string]any, filters []any, options map[string]any) (any, error) {
	matched := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		ok, err := matchesAll(row, filters)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, row)
		}
	}

	if asBool(options["count"]) {
		return int64(len(matched)), nil
	}

	offset := asIndex(options["offset"])
	if offset > len(matched) {
		offset = len(matched)
	}
	matched = matched[offset:]

	if limit := asIndex(options["limit"]); limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	out := make([]any, len(matched))
	for i, row := range matched {
		out[i] = row
	}
	return out, nil
}

func matchesAll(row map[string]any, filters []any) (bool, error) {
	for _, f := range filters {
		triple, ok := f.([]any)
		if !ok || len(triple) != 3 {
			return false, errors.New(errors.KindValidation, "each filter must be a [field, op, value] triple")
		}
		field, ok := triple[0].(string)
		if !ok {
			return false, errors.New(errors.KindValidation, "filter field must be a string")
		}
		op, ok := triple[1].(string)
		if !ok {
			return false, errors.New(errors.KindValidation, "filter op must be a string")
		}

		match, err := matches(row[field], op, triple[2])
		if err != nil {
			return false, err
		}
		if !match {
			return false, nil
		}
	}
	return true, nil
}

func matches(have any, op string, want any) (bool, error) {
	switch op {
	case "=":
		return looseEqual(have, want), nil
	case "!=":
		return !looseEqual(have, want), nil
	case ">", "<", ">=", "<=":
		a, aok := toFloat(have)
		b, bok := toFloat(want)
		if !aok || !bok {
			return false, nil
		}
		switch op {
		case ">":
			return a > b, nil
		case "<":
			return a < b, nil
		case ">=":
			return a >= b, nil
		default:
			return a <= b, nil
		}
	case "in":
		list, ok := want.([]any)
		if !ok {
			return false, errors.New(errors.KindValidation, "in filter requires a list value")
		}
		for _, candidate := range list {
			if looseEqual(have, candidate) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, errors.Newf(errors.KindValidation, "unknown filter op %q", op)
	}
}

// looseEqual compares across the numeric types JSON decoding produces.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func asBool(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func asIndex(v any) int {
	if f, ok := toFloat(v); ok && f > 0 {
		return int(f)
	}
	return 0
}
