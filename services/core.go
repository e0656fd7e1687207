package services

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/truenas/middleware-sub024/dispatch"
	"github.com/truenas/middleware-sub024/errors"
	"github.com/truenas/middleware-sub024/job"
	"github.com/truenas/middleware-sub024/registry"
	"github.com/truenas/middleware-sub024/role"
	"github.com/truenas/middleware-sub024/schema"
)

// JobManager is the job manager surface the core service needs.
type JobManager interface {
	List() []job.Snapshot
	Get(id int64) (*job.Job, error)
	Wait(ctx context.Context, id int64) (any, error)
	Abort(p *role.Principal, id int64) error
}

// SessionLister exposes connected sessions.
type SessionLister interface {
	Sessions() []*dispatch.Session
}

// Caller executes a method on behalf of a principal.
type Caller interface {
	Call(ctx context.Context, principal *role.Principal, method string, params []any) (any, error)
}

// DownloadRegistrar mints single-use download tokens for job output pipes.
type DownloadRegistrar interface {
	RegisterDownload(j *job.Job) string
}

// CoreDeps wires the core service to the rest of the process.
type CoreDeps struct {
	Registry  *registry.Registry
	Engine    *schema.Engine
	Jobs      JobManager
	Sessions  SessionLister
	Caller    Caller
	Downloads DownloadRegistrar
}

// RegisterCore installs the core service.
func RegisterCore(reg *registry.Registry, deps CoreDeps) error {
	if err := reg.RegisterService("core", "Introspection and job control", false); err != nil {
		return err
	}

	methods := []*registry.Method{
		{
			Name:           "ping",
			Description:    "Liveness probe, answers pong",
			NoAuthRequired: true,
			Returns:        schema.Str("pong"),
			Handler: func(_ context.Context, _ *registry.Call, _ []any) (any, error) {
				return "pong", nil
			},
		},
		{
			Name:        "get_jobs",
			Description: "List retained jobs, honoring query-filters and query-options",
			Filterable:  true,
			Roles:       []string{RoleReadonly},
			Accepts: []*schema.Schema{
				schema.List("query-filters", schema.Any("filter")),
				schema.Dict("query-options", []*schema.Schema{
					schema.Bool("count"),
					schema.Int("limit"),
					schema.Int("offset"),
				}),
			},
			Returns: schema.Any("jobs"),
			Handler: func(_ context.Context, _ *registry.Call, args []any) (any, error) {
				rows := make([]map[string]any, 0)
				for _, s := range deps.Jobs.List() {
					row, err := toRow(s)
					if err != nil {
						return nil, err
					}
					rows = append(rows, row)
				}
				return applyFilters(rows, argList(args, 0), argDict(args, 1))
			},
		},
		{
			Name:        "job_wait",
			Description: "Block until a job reaches a terminal state and return its result",
			Roles:       []string{RoleReadonly},
			Accepts:     []*schema.Schema{schema.Int("id", schema.Required())},
			Returns:     schema.Any("result"),
			Handler: func(ctx context.Context, _ *registry.Call, args []any) (any, error) {
				return deps.Jobs.Wait(ctx, args[0].(int64))
			},
		},
		{
			Name:        "job_abort",
			Description: "Abort a waiting or running job",
			// ownership is enforced by the job manager, so holders of the
			// readonly role may abort their own jobs
			Roles:   []string{RoleReadonly},
			Accepts: []*schema.Schema{schema.Int("id", schema.Required())},
			Handler: func(_ context.Context, call *registry.Call, args []any) (any, error) {
				return nil, deps.Jobs.Abort(call.Principal, args[0].(int64))
			},
		},
		{
			Name:        "get_services",
			Description: "Describe the registered services",
			Roles:       []string{RoleReadonly},
			Returns:     schema.Any("services"),
			Handler: func(_ context.Context, _ *registry.Call, _ []any) (any, error) {
				out := make(map[string]any)
				for _, svc := range deps.Registry.Services() {
					if svc.Private {
						continue
					}
					out[svc.Name] = map[string]any{
						"description": svc.Description,
					}
				}
				return out, nil
			},
		},
		{
			Name:        "get_methods",
			Description: "Describe registered methods, optionally scoped to one service",
			Roles:       []string{RoleReadonly},
			Accepts:     []*schema.Schema{schema.Str("service")},
			Returns:     schema.Any("methods"),
			Handler: func(_ context.Context, _ *registry.Call, args []any) (any, error) {
				scope := ""
				if len(args) > 0 && args[0] != nil {
					scope = args[0].(string)
				}
				return describeMethods(deps, scope)
			},
		},
		{
			Name:        "sessions",
			Description: "List connected sessions",
			Roles:       []string{RoleReadonly},
			Returns:     schema.List("sessions", schema.Any("session")),
			Handler: func(_ context.Context, _ *registry.Call, _ []any) (any, error) {
				sessions := deps.Sessions.Sessions()
				out := make([]any, 0, len(sessions))
				for _, s := range sessions {
					entry := map[string]any{
						"id":            s.ID,
						"origin":        s.Remote(),
						"authenticated": s.Authenticated(),
					}
					if p := s.Principal(); p != nil {
						entry["credentials"] = p.Name
					}
					out = append(out, entry)
				}
				sort.Slice(out, func(i, j int) bool {
					return out[i].(map[string]any)["id"].(string) < out[j].(map[string]any)["id"].(string)
				})
				return out, nil
			},
		},
		{
			Name:        "download",
			Description: "Invoke a job method and mint a download URL for its output pipe",
			Accepts: []*schema.Schema{
				schema.Str("method", schema.Required()),
				schema.List("args", schema.Any("arg")),
			},
			Returns: schema.Any("result"),
			Handler: func(ctx context.Context, call *registry.Call, args []any) (any, error) {
				method := args[0].(string)
				var params []any
				if len(args) > 1 && args[1] != nil {
					params = args[1].([]any)
				}

				result, err := deps.Caller.Call(ctx, call.Principal, method, params)
				if err != nil {
					return nil, err
				}
				jobID, ok := result.(int64)
				if !ok {
					return nil, errors.Newf(errors.KindValidation, "%s is not a job method", method)
				}
				j, err := deps.Jobs.Get(jobID)
				if err != nil {
					return nil, err
				}
				if j.OutputReader() == nil {
					return nil, errors.Newf(errors.KindValidation, "%s declares no output pipe", method)
				}
				token := deps.Downloads.RegisterDownload(j)
				return []any{jobID, "/_download/" + token}, nil
			},
		},
	}

	for _, m := range methods {
		if err := reg.RegisterMethod("core", m); err != nil {
			return err
		}
	}
	return nil
}

// toRow flattens a snapshot into the map shape the filter engine and wire
// clients both see.
func toRow(s job.Snapshot) (map[string]any, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "services", "toRow", "snapshot encoding")
	}
	var row map[string]any
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, errors.Wrap(err, "services", "toRow", "snapshot decoding")
	}
	return row, nil
}

func argList(args []any, i int) []any {
	if len(args) > i {
		if list, ok := args[i].([]any); ok {
			return list
		}
	}
	return nil
}

func argDict(args []any, i int) map[string]any {
	if len(args) > i {
		if dict, ok := args[i].(map[string]any); ok {
			return dict
		}
	}
	return nil
}

// describeMethods builds the introspection payload served by
// core.get_methods.
func describeMethods(deps CoreDeps, scope string) (map[string]any, error) {
	out := make(map[string]any)
	for _, svc := range deps.Registry.Services() {
		if svc.Private {
			continue
		}
		if scope != "" && svc.Name != scope {
			continue
		}
		for _, m := range svc.Methods() {
			out[svc.Name+"."+m.Name] = map[string]any{
				"description": m.Description,
				"accepts":     deps.Engine.ArgsJSONSchema(m.Accepts),
				"job":         m.Job,
				"filterable":  m.Filterable,
				"roles":       m.Roles,
				"no_auth":     m.NoAuthRequired,
			}
		}
	}
	if scope != "" && len(out) == 0 {
		return nil, errors.Newf(errors.KindNotFound, "service %s is not registered", scope)
	}
	return out, nil
}
