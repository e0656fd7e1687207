package schema

// JSONSchema renders a schema tree into the JSON-shaped form served by the
// introspection methods. Refs are resolved through the engine's type table
// so remote callers never see internal type names they cannot chase.
func (e *Engine) JSONSchema(s *Schema) map[string]any {
	return e.jsonSchema(s, make(map[string]bool))
}

func (e *Engine) jsonSchema(s *Schema, seen map[string]bool) map[string]any {
	if s == nil {
		return nil
	}

	out := map[string]any{
		"type": s.Type.String(),
	}
	if s.Name != "" {
		out["name"] = s.Name
	}
	if s.Description != "" {
		out["description"] = s.Description
	}
	if s.Required {
		out["required"] = true
	}
	if s.HasDefault {
		out["default"] = deepCopy(s.Default)
	}
	if s.Private {
		out["private"] = true
	}
	if s.Nullable {
		out["nullable"] = true
	}

	switch s.Type {
	case TypeList:
		out["items"] = e.jsonSchema(s.Elem, seen)
	case TypeDict:
		fields := make([]map[string]any, 0, len(s.Fields))
		for _, f := range s.Fields {
			fields = append(fields, e.jsonSchema(f, seen))
		}
		out["fields"] = fields
	case TypeUnion:
		variants := make([]map[string]any, 0, len(s.Variants))
		for _, v := range s.Variants {
			variants = append(variants, e.jsonSchema(v, seen))
		}
		out["any_of"] = variants
	case TypeEnum:
		out["enum"] = append([]string(nil), s.Enum...)
	case TypeRef:
		out["ref"] = s.Ref
		// Inline the target once; break cycles by reference name only.
		if !seen[s.Ref] {
			seen[s.Ref] = true
			if target, ok := e.ResolveType(s.Ref); ok {
				out["resolved"] = e.jsonSchema(target, seen)
			}
		}
	}

	return out
}

// ArgsJSONSchema renders an ordered parameter list for introspection.
func (e *Engine) ArgsJSONSchema(params []*Schema) []map[string]any {
	out := make([]map[string]any, 0, len(params))
	for _, p := range params {
		out = append(out, e.JSONSchema(p))
	}
	return out
}
