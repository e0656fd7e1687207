package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/xeipuuv/gojsonschema"

	"github.com/truenas/middleware-sub024/dispatch"
	"github.com/truenas/middleware-sub024/errors"
	"github.com/truenas/middleware-sub024/job"
	"github.com/truenas/middleware-sub024/registry"
	"github.com/truenas/middleware-sub024/role"
	"github.com/truenas/middleware-sub024/schema"
	"github.com/truenas/middleware-sub024/services"
)

// MethodSchema is the exported document for one method. Accepts holds a
// draft-07 JSON Schema per parameter, in declaration order.
type MethodSchema struct {
	Method      string           `json:"method"`
	Description string           `json:"description"`
	Accepts     []map[string]any `json:"accepts"`
	Job         bool             `json:"job"`
	Filterable  bool             `json:"filterable"`
	Roles       []string         `json:"roles,omitempty"`
	NoAuth      bool             `json:"no_auth"`
}

// buildRegistry registers the builtin services against stub runtime
// dependencies; only the descriptors matter here.
func buildRegistry(logger *slog.Logger) (*registry.Registry, *schema.Engine, error) {
	engine := schema.NewEngine(logger)
	roles := role.NewManager(logger)
	if err := services.RegisterRoles(roles); err != nil {
		return nil, nil, err
	}
	reg := registry.New(engine, logger, registry.WithRoleChecker(roles))

	if err := services.RegisterCore(reg, services.CoreDeps{
		Registry:  reg,
		Engine:    engine,
		Jobs:      stubJobs{},
		Sessions:  stubSessions{},
		Caller:    stubCaller{},
		Downloads: stubDownloads{},
	}); err != nil {
		return nil, nil, err
	}
	if err := services.RegisterAuth(reg, stubTokens{}, nil); err != nil {
		return nil, nil, err
	}
	return reg, engine, nil
}

// exportSchemas writes one document per public method and returns the
// count written.
func exportSchemas(reg *registry.Registry, engine *schema.Engine, outDir string) (int, error) {
	count := 0
	for _, svc := range reg.Services() {
		if svc.Private {
			continue
		}
		for _, m := range svc.Methods() {
			full := registry.FullName(svc.Name, m.Name)
			doc := MethodSchema{
				Method:      full,
				Description: m.Description,
				Accepts:     make([]map[string]any, 0, len(m.Accepts)),
				Job:         m.Job,
				Filterable:  m.Filterable,
				Roles:       m.Roles,
				NoAuth:      m.NoAuthRequired,
			}
			for _, param := range m.Accepts {
				doc.Accepts = append(doc.Accepts, toJSONSchema(engine, param))
			}

			if err := validateCompiles(doc); err != nil {
				return count, fmt.Errorf("%s: %w", full, err)
			}

			data, err := json.MarshalIndent(doc, "", "  ")
			if err != nil {
				return count, err
			}
			path := filepath.Join(outDir, full+".json")
			if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
				return count, err
			}
			count++
		}
	}
	return count, nil
}

// toJSONSchema renders a parameter schema as a draft-07 JSON Schema.
// Domain string types (dataset, ipaddr, cron) export as strings with a
// format annotation; refs are inlined through the engine's type table.
func toJSONSchema(engine *schema.Engine, s *schema.Schema) map[string]any {
	if s == nil {
		return map[string]any{}
	}

	out := map[string]any{}
	if s.Description != "" {
		out["description"] = s.Description
	}
	if s.Name != "" {
		out["title"] = s.Name
	}
	if s.HasDefault {
		out["default"] = s.Default
	}

	switch s.Type {
	case schema.TypeAny:
		// no type constraint
	case schema.TypeBool:
		out["type"] = "boolean"
	case schema.TypeInt:
		out["type"] = "integer"
	case schema.TypeFloat:
		out["type"] = "number"
	case schema.TypeString, schema.TypePassword, schema.TypeSecret:
		out["type"] = "string"
	case schema.TypeBytes:
		out["type"] = "string"
		out["contentEncoding"] = "base64"
	case schema.TypeDataset:
		out["type"] = "string"
		out["format"] = "dataset"
	case schema.TypeIPAddr:
		out["type"] = "string"
		out["format"] = "ipaddr"
	case schema.TypeCron:
		out["type"] = "string"
		out["format"] = "cron"
	case schema.TypeEnum:
		out["type"] = "string"
		out["enum"] = s.Enum
	case schema.TypeList:
		out["type"] = "array"
		out["items"] = toJSONSchema(engine, s.Elem)
	case schema.TypeDict:
		out["type"] = "object"
		properties := map[string]any{}
		required := []string{}
		for _, f := range s.Fields {
			properties[f.Name] = toJSONSchema(engine, f)
			if f.Required {
				required = append(required, f.Name)
			}
		}
		out["properties"] = properties
		out["additionalProperties"] = false
		if len(required) > 0 {
			out["required"] = required
		}
	case schema.TypeUnion:
		variants := make([]any, 0, len(s.Variants))
		for _, v := range s.Variants {
			variants = append(variants, toJSONSchema(engine, v))
		}
		out["anyOf"] = variants
	case schema.TypeRef:
		if target, ok := engine.ResolveType(s.Ref); ok {
			return toJSONSchema(engine, target)
		}
	}

	if s.Nullable {
		if t, ok := out["type"]; ok {
			out["type"] = []any{t, "null"}
		}
	}
	return out
}

// validateCompiles checks that every parameter document is a loadable
// JSON Schema.
func validateCompiles(doc MethodSchema) error {
	for i, params := range doc.Accepts {
		if _, err := gojsonschema.NewSchemaLoader().Compile(gojsonschema.NewGoLoader(params)); err != nil {
			return fmt.Errorf("parameter %d does not compile as a JSON Schema: %w", i, err)
		}
	}
	return nil
}

// Stub runtime dependencies. Export never calls handlers, so these only
// need to satisfy the wiring interfaces.

type stubJobs struct{}

func (stubJobs) List() []job.Snapshot                     { return nil }
func (stubJobs) Get(int64) (*job.Job, error)              { return nil, errors.ErrNotFound }
func (stubJobs) Wait(context.Context, int64) (any, error) { return nil, errors.ErrNotFound }
func (stubJobs) Abort(*role.Principal, int64) error       { return errors.ErrNotFound }

type stubSessions struct{}

func (stubSessions) Sessions() []*dispatch.Session { return nil }

type stubCaller struct{}

func (stubCaller) Call(context.Context, *role.Principal, string, []any) (any, error) {
	return nil, errors.ErrMethodNotFound
}

type stubDownloads struct{}

func (stubDownloads) RegisterDownload(*job.Job) string { return "" }

type stubTokens struct{}

func (stubTokens) AuthenticatePassword(context.Context, string, string, string) (*role.Principal, error) {
	return nil, errors.ErrAuthFailed
}
func (stubTokens) AuthenticateToken(string) (*role.Principal, error) {
	return nil, errors.ErrAuthFailed
}
func (stubTokens) GenerateToken(*role.Principal) (string, error) { return "", errors.ErrNotFound }
func (stubTokens) RevokeToken(string) bool                       { return false }
func (stubTokens) GenerateOneTimePassword(*role.Principal) (string, error) {
	return "", errors.ErrNotFound
}
