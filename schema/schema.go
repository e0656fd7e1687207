package schema

import (
	"fmt"
)

// Type identifies the variant of a schema node.
type Type int

const (
	// TypeAny accepts any JSON value without inspection
	TypeAny Type = iota
	// TypeBool accepts JSON booleans
	TypeBool
	// TypeInt accepts integral JSON numbers
	TypeInt
	// TypeFloat accepts any JSON number
	TypeFloat
	// TypeString accepts JSON strings
	TypeString
	// TypeBytes accepts base64-encoded JSON strings
	TypeBytes
	// TypeList accepts JSON arrays of a single element schema
	TypeList
	// TypeDict accepts JSON objects with a fixed field set
	TypeDict
	// TypeUnion accepts a value matching any of its variants
	TypeUnion
	// TypeEnum accepts one of a fixed set of strings
	TypeEnum
	// TypeRef resolves a named schema from the engine's type table
	TypeRef
	// TypeDataset accepts ZFS-style dataset paths (pool/child/grandchild)
	TypeDataset
	// TypeIPAddr accepts IPv4 or IPv6 address literals
	TypeIPAddr
	// TypeCron accepts five-field cron schedule expressions
	TypeCron
	// TypePassword accepts strings and is implicitly private
	TypePassword
	// TypeSecret accepts strings and is implicitly private
	TypeSecret
)

// String returns the introspection name of the type
func (t Type) String() string {
	switch t {
	case TypeAny:
		return "any"
	case TypeBool:
		return "bool"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeString:
		return "str"
	case TypeBytes:
		return "bytes"
	case TypeList:
		return "list"
	case TypeDict:
		return "dict"
	case TypeUnion:
		return "union"
	case TypeEnum:
		return "enum"
	case TypeRef:
		return "ref"
	case TypeDataset:
		return "dataset"
	case TypeIPAddr:
		return "ipaddr"
	case TypeCron:
		return "cron"
	case TypePassword:
		return "password"
	case TypeSecret:
		return "secret"
	default:
		return "unknown"
	}
}

// Schema is one node of a method schema tree. Nodes are immutable after
// registration; the zero value is not valid, use the constructors.
type Schema struct {
	Type        Type      `json:"type"`
	Name        string    `json:"name,omitempty"`
	Description string    `json:"description,omitempty"`
	Required    bool      `json:"required,omitempty"`
	Default     any       `json:"default,omitempty"`
	HasDefault  bool      `json:"has_default,omitempty"`
	Private     bool      `json:"private,omitempty"`
	Coerce      bool      `json:"coerce,omitempty"`
	Nullable    bool      `json:"nullable,omitempty"`
	Elem        *Schema   `json:"elem,omitempty"`     // list element schema
	Fields      []*Schema `json:"fields,omitempty"`   // ordered dict fields
	Variants    []*Schema `json:"variants,omitempty"` // union alternatives
	Enum        []string  `json:"enum,omitempty"`
	Ref         string    `json:"ref,omitempty"`
}

// Option configures a schema node at construction time.
type Option func(*Schema)

// Required marks the field as mandatory.
func Required() Option {
	return func(s *Schema) { s.Required = true }
}

// Default sets the value filled in when the field is absent. The stored
// default is deep-copied into every call, so mutable defaults are safe.
func Default(v any) Option {
	return func(s *Schema) {
		s.Default = v
		s.HasDefault = true
	}
}

// Private marks the field for redaction in logs and job snapshots.
func Private() Option {
	return func(s *Schema) { s.Private = true }
}

// Coerce opts the field into numeric-string coercion.
func Coerce() Option {
	return func(s *Schema) { s.Coerce = true }
}

// Nullable allows an explicit JSON null for the field.
func Nullable() Option {
	return func(s *Schema) { s.Nullable = true }
}

// Description attaches a human-readable description for introspection.
func Description(d string) Option {
	return func(s *Schema) { s.Description = d }
}

func newNode(t Type, name string, opts ...Option) *Schema {
	s := &Schema{Type: t, Name: name}
	for _, opt := range opts {
		opt(s)
	}
	if t == TypePassword || t == TypeSecret {
		s.Private = true
	}
	return s
}

// Any constructs a schema accepting any value.
func Any(name string, opts ...Option) *Schema { return newNode(TypeAny, name, opts...) }

// Bool constructs a boolean schema.
func Bool(name string, opts ...Option) *Schema { return newNode(TypeBool, name, opts...) }

// Int constructs an integer schema.
func Int(name string, opts ...Option) *Schema { return newNode(TypeInt, name, opts...) }

// Float constructs a float schema.
func Float(name string, opts ...Option) *Schema { return newNode(TypeFloat, name, opts...) }

// Str constructs a string schema.
func Str(name string, opts ...Option) *Schema { return newNode(TypeString, name, opts...) }

// Bytes constructs a base64 byte-string schema.
func Bytes(name string, opts ...Option) *Schema { return newNode(TypeBytes, name, opts...) }

// Dataset constructs a dataset-path schema.
func Dataset(name string, opts ...Option) *Schema { return newNode(TypeDataset, name, opts...) }

// IPAddr constructs an IP address schema.
func IPAddr(name string, opts ...Option) *Schema { return newNode(TypeIPAddr, name, opts...) }

// Cron constructs a cron schedule schema.
func Cron(name string, opts ...Option) *Schema { return newNode(TypeCron, name, opts...) }

// Password constructs a private string schema for passwords.
func Password(name string, opts ...Option) *Schema { return newNode(TypePassword, name, opts...) }

// Secret constructs a private string schema for opaque secrets.
func Secret(name string, opts ...Option) *Schema { return newNode(TypeSecret, name, opts...) }

// List constructs a list schema over an element schema.
func List(name string, elem *Schema, opts ...Option) *Schema {
	s := newNode(TypeList, name, opts...)
	s.Elem = elem
	return s
}

// Dict constructs a dict schema with an ordered field set.
func Dict(name string, fields []*Schema, opts ...Option) *Schema {
	s := newNode(TypeDict, name, opts...)
	s.Fields = fields
	return s
}

// Union constructs a schema accepting any of the given variants.
func Union(name string, variants []*Schema, opts ...Option) *Schema {
	s := newNode(TypeUnion, name, opts...)
	s.Variants = variants
	return s
}

// Enum constructs a schema accepting one of a fixed set of strings.
func Enum(name string, values []string, opts ...Option) *Schema {
	s := newNode(TypeEnum, name, opts...)
	s.Enum = values
	return s
}

// Ref constructs a schema resolved from the engine's named type table.
func Ref(name, ref string, opts ...Option) *Schema {
	s := newNode(TypeRef, name, opts...)
	s.Ref = ref
	return s
}

// Field returns the dict field with the given name, or nil.
func (s *Schema) Field(name string) *Schema {
	if s.Type != TypeDict {
		return nil
	}
	for _, f := range s.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// Validate performs a structural sanity check of the schema tree itself.
// It is called once at registration, not per call.
func (s *Schema) Validate() error {
	switch s.Type {
	case TypeList:
		if s.Elem == nil {
			return fmt.Errorf("list schema %q has no element schema", s.Name)
		}
		return s.Elem.Validate()
	case TypeDict:
		seen := make(map[string]bool, len(s.Fields))
		for _, f := range s.Fields {
			if f.Name == "" {
				return fmt.Errorf("dict schema %q has an unnamed field", s.Name)
			}
			if seen[f.Name] {
				return fmt.Errorf("dict schema %q has duplicate field %q", s.Name, f.Name)
			}
			seen[f.Name] = true
			if err := f.Validate(); err != nil {
				return err
			}
		}
	case TypeUnion:
		if len(s.Variants) == 0 {
			return fmt.Errorf("union schema %q has no variants", s.Name)
		}
		for _, v := range s.Variants {
			if err := v.Validate(); err != nil {
				return err
			}
		}
	case TypeEnum:
		if len(s.Enum) == 0 {
			return fmt.Errorf("enum schema %q has no values", s.Name)
		}
	case TypeRef:
		if s.Ref == "" {
			return fmt.Errorf("ref schema %q has no target", s.Name)
		}
	}
	return nil
}
