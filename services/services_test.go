package services

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truenas/middleware-sub024/dispatch"
	"github.com/truenas/middleware-sub024/errors"
	"github.com/truenas/middleware-sub024/job"
	"github.com/truenas/middleware-sub024/registry"
	"github.com/truenas/middleware-sub024/role"
	"github.com/truenas/middleware-sub024/schema"
)

type fixture struct {
	reg   *registry.Registry
	roles *role.Manager
	jobs  *job.Manager
}

type fakeSessions struct{}

func (fakeSessions) Sessions() []*dispatch.Session { return nil }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.Default()
	engine := schema.NewEngine(logger)
	roles := role.NewManager(logger)
	require.NoError(t, RegisterRoles(roles))
	reg := registry.New(engine, logger, registry.WithRoleChecker(roles))

	jobs, err := job.NewManager(job.Config{Workers: 2, LogDir: t.TempDir()}, logger)
	require.NoError(t, err)
	require.NoError(t, jobs.Start(context.Background()))
	t.Cleanup(func() { _ = jobs.Stop(5 * time.Second) })

	require.NoError(t, RegisterCore(reg, CoreDeps{
		Registry: reg,
		Engine:   engine,
		Jobs:     jobs,
		Sessions: fakeSessions{},
	}))
	SyncRoles(reg, roles)
	return &fixture{reg: reg, roles: roles, jobs: jobs}
}

func call(t *testing.T, f *fixture, method string, p *role.Principal, args []any) (any, error) {
	t.Helper()
	_, m, err := f.reg.Lookup(method)
	require.NoError(t, err)
	return m.Handler(context.Background(), &registry.Call{Principal: p, Logger: slog.Default()}, args)
}

func admin() *role.Principal {
	return &role.Principal{Name: "root", Roles: []string{role.FullAdmin}}
}

func TestCorePing(t *testing.T) {
	f := newFixture(t)
	result, err := call(t, f, "core.ping", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", result)
}

func submitJob(t *testing.T, f *fixture, method string, h job.Handler) *job.Job {
	t.Helper()
	j, err := f.jobs.Submit(job.Spec{Method: method, Owner: "root", Handler: h})
	require.NoError(t, err)
	return j
}

func TestGetJobsFiltering(t *testing.T) {
	f := newFixture(t)

	done := func(context.Context, *job.Job) (any, error) { return "ok", nil }
	j1 := submitJob(t, f, "pool.scrub", done)
	j2 := submitJob(t, f, "pool.scrub", done)
	for _, j := range []*job.Job{j1, j2} {
		_, err := f.jobs.Wait(context.Background(), j.ID())
		require.NoError(t, err)
	}

	result, err := call(t, f, "core.get_jobs", admin(), []any{nil, nil})
	require.NoError(t, err)
	assert.Len(t, result.([]any), 2)

	result, err = call(t, f, "core.get_jobs", admin(), []any{
		[]any{[]any{"id", "=", float64(j1.ID())}}, nil,
	})
	require.NoError(t, err)
	rows := result.([]any)
	require.Len(t, rows, 1)
	assert.Equal(t, float64(j1.ID()), rows[0].(map[string]any)["id"])

	result, err = call(t, f, "core.get_jobs", admin(), []any{
		nil, map[string]any{"count": true},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result)

	result, err = call(t, f, "core.get_jobs", admin(), []any{
		nil, map[string]any{"limit": int64(1)},
	})
	require.NoError(t, err)
	assert.Len(t, result.([]any), 1)
}

func TestGetJobsRejectsBadFilter(t *testing.T) {
	f := newFixture(t)

	_, err := call(t, f, "core.get_jobs", admin(), []any{
		[]any{[]any{"id", "between", 1}}, nil,
	})
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestJobWaitReturnsResult(t *testing.T) {
	f := newFixture(t)

	j := submitJob(t, f, "pool.scrub", func(context.Context, *job.Job) (any, error) {
		return "scrubbed", nil
	})

	result, err := call(t, f, "core.job_wait", admin(), []any{j.ID()})
	require.NoError(t, err)
	assert.Equal(t, "scrubbed", result)
}

func TestJobAbortHonorsOwnership(t *testing.T) {
	f := newFixture(t)

	started := make(chan struct{})
	j := submitJob(t, f, "pool.scrub", func(ctx context.Context, _ *job.Job) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	<-started

	stranger := &role.Principal{Name: "viewer", Roles: []string{RoleReadonly}}
	_, err := call(t, f, "core.job_abort", stranger, []any{j.ID()})
	require.Error(t, err)
	assert.Equal(t, errors.KindForbidden, errors.KindOf(err))

	_, err = call(t, f, "core.job_abort", admin(), []any{j.ID()})
	require.NoError(t, err)

	_, err = f.jobs.Wait(context.Background(), j.ID())
	require.Error(t, err)
}

func TestGetServicesAndMethods(t *testing.T) {
	f := newFixture(t)

	result, err := call(t, f, "core.get_services", admin(), nil)
	require.NoError(t, err)
	svcs := result.(map[string]any)
	assert.Contains(t, svcs, "core")

	result, err = call(t, f, "core.get_methods", admin(), []any{"core"})
	require.NoError(t, err)
	methods := result.(map[string]any)
	require.Contains(t, methods, "core.ping")
	ping := methods["core.ping"].(map[string]any)
	assert.Equal(t, true, ping["no_auth"])

	_, err = call(t, f, "core.get_methods", admin(), []any{"nonexistent"})
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestSyncRolesGrantsDeclaredRoles(t *testing.T) {
	f := newFixture(t)

	viewer := &role.Principal{Name: "viewer", Roles: []string{RoleReadonly}}
	assert.True(t, f.roles.Check(viewer, "core.get_jobs"))
	assert.True(t, f.roles.Check(viewer, "core.sessions"))
	assert.False(t, f.roles.Check(viewer, "core.download"))
}

type fakeTokens struct {
	revoked []string
}

func (f *fakeTokens) AuthenticatePassword(_ context.Context, username, password, _ string) (*role.Principal, error) {
	if username == "root" && password == "secret" {
		return admin(), nil
	}
	return nil, errors.ErrAuthFailed
}

func (f *fakeTokens) AuthenticateToken(token string) (*role.Principal, error) {
	if token == "good-token" {
		return admin(), nil
	}
	return nil, errors.ErrAuthFailed
}

func (f *fakeTokens) GenerateToken(p *role.Principal) (string, error) {
	return "token-for-" + p.Name, nil
}

func (f *fakeTokens) RevokeToken(token string) bool {
	f.revoked = append(f.revoked, token)
	return true
}

func (f *fakeTokens) GenerateOneTimePassword(p *role.Principal) (string, error) {
	return "otp-for-" + p.Name, nil
}

// fakeBinder records principal binds per session id.
type fakeBinder struct {
	bound map[string]*role.Principal
}

func (b *fakeBinder) Bind(sessionID string, p *role.Principal) bool {
	if b.bound == nil {
		b.bound = make(map[string]*role.Principal)
	}
	b.bound[sessionID] = p
	return true
}

func (b *fakeBinder) Origin(string) string { return "test-origin" }

func callWithSession(t *testing.T, f *fixture, method, sessionID string, p *role.Principal, args []any) (any, error) {
	t.Helper()
	_, m, err := f.reg.Lookup(method)
	require.NoError(t, err)
	return m.Handler(context.Background(), &registry.Call{
		Principal: p, SessionID: sessionID, Logger: slog.Default(),
	}, args)
}

func TestAuthLoginBindsSession(t *testing.T) {
	f := newFixture(t)
	binder := &fakeBinder{}
	require.NoError(t, RegisterAuth(f.reg, &fakeTokens{}, binder))
	SyncRoles(f.reg, f.roles)

	result, err := callWithSession(t, f, "auth.login", "sess-1", nil, []any{"root", "secret"})
	require.NoError(t, err)
	assert.Equal(t, true, result)
	require.Contains(t, binder.bound, "sess-1")
	assert.Equal(t, "root", binder.bound["sess-1"].Name)

	_, err = callWithSession(t, f, "auth.login", "sess-1", nil, []any{"root", "wrong"})
	assert.Equal(t, errors.KindAuthFailed, errors.KindOf(err))

	result, err = callWithSession(t, f, "auth.login_with_token", "sess-2", nil, []any{"good-token"})
	require.NoError(t, err)
	assert.Equal(t, true, result)

	result, err = callWithSession(t, f, "auth.logout", "sess-1", admin(), nil)
	require.NoError(t, err)
	assert.Equal(t, true, result)
	assert.Nil(t, binder.bound["sess-1"])
}

func TestAuthLoginWithoutSessionFails(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, RegisterAuth(f.reg, &fakeTokens{}, &fakeBinder{}))

	_, err := callWithSession(t, f, "auth.login", "", nil, []any{"root", "secret"})
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestAuthService(t *testing.T) {
	f := newFixture(t)
	tokens := &fakeTokens{}
	require.NoError(t, RegisterAuth(f.reg, tokens, &fakeBinder{}))
	SyncRoles(f.reg, f.roles)

	result, err := call(t, f, "auth.me", admin(), nil)
	require.NoError(t, err)
	me := result.(map[string]any)
	assert.Equal(t, "root", me["name"])

	result, err = call(t, f, "auth.generate_token", admin(), nil)
	require.NoError(t, err)
	assert.Equal(t, "token-for-root", result)

	result, err = call(t, f, "auth.revoke_token", admin(), []any{"token-for-root"})
	require.NoError(t, err)
	assert.Equal(t, true, result)
	assert.Equal(t, []string{"token-for-root"}, tokens.revoked)

	result, err = call(t, f, "auth.generate_onetime_password", admin(), nil)
	require.NoError(t, err)
	assert.Equal(t, "otp-for-root", result)
}
