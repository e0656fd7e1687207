package dispatch

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truenas/middleware-sub024/auth"
	"github.com/truenas/middleware-sub024/errors"
	"github.com/truenas/middleware-sub024/eventbus"
	"github.com/truenas/middleware-sub024/job"
	"github.com/truenas/middleware-sub024/registry"
	"github.com/truenas/middleware-sub024/role"
	"github.com/truenas/middleware-sub024/schema"
)

// fakeConn is an in-memory framed stream for tests.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteFrame(data []byte) error {
	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return net.ErrClosed
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) RemoteAddr() string { return "test-peer" }

func (c *fakeConn) send(t *testing.T, f *Frame) {
	t.Helper()
	data, err := EncodeFrame(f)
	require.NoError(t, err)
	c.in <- data
}

func (c *fakeConn) recv(t *testing.T) *Frame {
	t.Helper()
	select {
	case data := <-c.out:
		f, err := DecodeFrame(data)
		require.NoError(t, err)
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

// recvFor skips frames until one of the wanted msg type arrives.
func (c *fakeConn) recvFor(t *testing.T, msg string) *Frame {
	t.Helper()
	for i := 0; i < 20; i++ {
		f := c.recv(t)
		if f.Msg == msg {
			return f
		}
	}
	t.Fatalf("no %s frame received", msg)
	return nil
}

type passwordVerifier struct{}

func (passwordVerifier) VerifyPassword(_ context.Context, username, password string) (*role.Principal, error) {
	if username == "root" && password == "secret" {
		return &role.Principal{Name: "root", Roles: []string{role.FullAdmin}}, nil
	}
	if username == "viewer" && password == "secret" {
		return &role.Principal{Name: "viewer", Roles: []string{"READONLY"}}, nil
	}
	return nil, errors.ErrAuthFailed
}

func (passwordVerifier) VerifyAPIKey(context.Context, string) (*role.Principal, error) {
	return nil, errors.ErrAuthFailed
}

type testHarness struct {
	dispatcher *Dispatcher
	bus        *eventbus.Bus
	jobs       *job.Manager
	registry   *registry.Registry
	engine     *schema.Engine
	roles      *role.Manager
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	logger := slog.Default()
	engine := schema.NewEngine(logger)
	roles := role.NewManager(logger)
	require.NoError(t, roles.Register("READONLY", []string{"core.ping", "widget.query"}))

	bus := eventbus.New(logger)
	reg := registry.New(engine, logger, registry.WithRoleChecker(roles))

	jm, err := job.NewManager(job.Config{Workers: 4, LogDir: t.TempDir()}, logger, job.WithEvents(bus))
	require.NoError(t, err)
	require.NoError(t, jm.Start(context.Background()))
	t.Cleanup(func() { _ = jm.Stop(2 * time.Second) })

	authn := auth.NewManager(passwordVerifier{}, logger)
	t.Cleanup(authn.Close)

	d := New(Config{Version: "2.3.0", PoolWorkers: 4, PoolQueue: 64},
		reg, roles, engine, bus, jm, authn, logger, nil)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Stop(2 * time.Second) })

	h := &testHarness{dispatcher: d, bus: bus, jobs: jm, registry: reg, engine: engine, roles: roles}
	h.registerMethods(t)
	return h
}

func (h *testHarness) registerMethods(t *testing.T) {
	t.Helper()

	require.NoError(t, h.registry.RegisterMethod("core", &registry.Method{
		Name:    "ping",
		Returns: schema.Str("pong"),
		Handler: func(context.Context, *registry.Call, []any) (any, error) {
			return "pong", nil
		},
	}))

	require.NoError(t, h.registry.RegisterMethod("core", &registry.Method{
		Name:           "time",
		NoAuthRequired: true,
		Handler: func(context.Context, *registry.Call, []any) (any, error) {
			return time.Now().Unix(), nil
		},
	}))

	require.NoError(t, h.registry.RegisterMethod("core", &registry.Method{
		Name:    "echo",
		Accepts: []*schema.Schema{schema.Int("value", schema.Required())},
		Handler: func(_ context.Context, _ *registry.Call, args []any) (any, error) {
			return args[0], nil
		},
	}))

	require.NoError(t, h.registry.RegisterMethod("core", &registry.Method{
		Name: "block",
		Handler: func(ctx context.Context, _ *registry.Call, _ []any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	require.NoError(t, h.registry.RegisterMethod("test", &registry.Method{
		Name:    "sleep",
		Accepts: []*schema.Schema{schema.Float("seconds", schema.Required())},
		Job:     true,
		Handler: func(ctx context.Context, call *registry.Call, args []any) (any, error) {
			d := time.Duration(args[0].(float64) * float64(time.Second))
			select {
			case <-time.After(d):
				return "slept", nil
			case <-ctx.Done():
				return nil, errors.WrapKind(ctx.Err(), errors.KindCancelled, "test", "sleep", "aborted")
			}
		},
	}))

	// tiny CRUD plugin backed by a map
	entities := map[string]map[string]any{}
	var entMu sync.Mutex

	require.NoError(t, h.registry.RegisterMethod("widget", &registry.Method{
		Name:    "query",
		Accepts: []*schema.Schema{schema.List("filters", schema.Any("filter"), schema.Default([]any{}))},
		Handler: func(_ context.Context, _ *registry.Call, args []any) (any, error) {
			entMu.Lock()
			defer entMu.Unlock()
			filters, _ := args[0].([]any)
			var out []any
			for _, e := range entities {
				if matchNameFilter(filters, e["name"]) {
					out = append(out, e)
				}
			}
			return out, nil
		},
	}))

	require.NoError(t, h.registry.RegisterMethod("widget", &registry.Method{
		Name: "create",
		Accepts: []*schema.Schema{
			schema.Dict("data", []*schema.Schema{
				schema.Str("name", schema.Required()),
				schema.Int("size", schema.Default(int64(0))),
			}, schema.Required()),
		},
		CRUD: registry.CRUD{Kind: registry.CRUDCreate, Plugin: "widget", IDField: "name"},
		Handler: func(_ context.Context, _ *registry.Call, args []any) (any, error) {
			data := args[0].(map[string]any)
			name := data["name"].(string)
			entMu.Lock()
			entities[name] = data
			entMu.Unlock()
			return data, nil
		},
	}))

	require.NoError(t, h.registry.RegisterMethod("widget", &registry.Method{
		Name:    "delete",
		Accepts: []*schema.Schema{schema.Str("name", schema.Required())},
		CRUD:    registry.CRUD{Kind: registry.CRUDDelete, Plugin: "widget", IDField: "name"},
		Handler: func(_ context.Context, _ *registry.Call, args []any) (any, error) {
			entMu.Lock()
			delete(entities, args[0].(string))
			entMu.Unlock()
			return true, nil
		},
	}))
}

func matchNameFilter(filters []any, name any) bool {
	if len(filters) == 0 {
		return true
	}
	f, ok := filters[0].([]any)
	if !ok || len(f) != 3 {
		return true
	}
	return f[2] == name
}

// dial opens a session against the harness dispatcher.
func (h *testHarness) dial(t *testing.T) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	go h.dispatcher.ServeConn(context.Background(), conn)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (h *testHarness) dialAuthed(t *testing.T, username string) *fakeConn {
	t.Helper()
	conn := h.dial(t)
	conn.send(t, &Frame{Msg: MsgAuth, Mechanism: "password", Credentials: map[string]any{
		"username": username, "password": "secret",
	}})
	reply := conn.recvFor(t, MsgAuthResult)
	require.NotNil(t, reply.OK)
	require.True(t, *reply.OK)
	return conn
}

func TestConnectHandshake(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	conn.send(t, &Frame{Msg: MsgConnect, Version: "client-1"})
	reply := conn.recv(t)
	assert.Equal(t, MsgConnected, reply.Msg)
	assert.Equal(t, "2.3.0", reply.Version)
	assert.NotEmpty(t, reply.Session)
}

func TestPingPong(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	conn.send(t, &Frame{Msg: MsgPing, ID: "k1"})
	reply := conn.recv(t)
	assert.Equal(t, MsgPong, reply.Msg)
	assert.Equal(t, "k1", reply.ID)
}

func TestCallRequiresAuth(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	conn.send(t, &Frame{Msg: MsgMethod, ID: "1", Method: "core.ping"})
	reply := conn.recv(t)
	require.Equal(t, MsgError, reply.Msg)
	assert.Equal(t, "auth_required", reply.Error.Kind)
}

func TestNoAuthMethodWorksPreAuth(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	conn.send(t, &Frame{Msg: MsgMethod, ID: "1", Method: "core.time"})
	reply := conn.recv(t)
	assert.Equal(t, MsgResult, reply.Msg)
}

func TestAuthAndCall(t *testing.T) {
	h := newHarness(t)
	conn := h.dialAuthed(t, "root")

	conn.send(t, &Frame{Msg: MsgMethod, ID: "1", Method: "core.ping"})
	reply := conn.recv(t)
	require.Equal(t, MsgResult, reply.Msg)
	assert.Equal(t, "1", reply.ID)
	assert.Equal(t, "pong", reply.Result)
}

func TestAuthFailure(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	conn.send(t, &Frame{Msg: MsgAuth, Mechanism: "password", Credentials: map[string]any{
		"username": "root", "password": "wrong",
	}})
	reply := conn.recvFor(t, MsgAuthResult)
	require.NotNil(t, reply.OK)
	assert.False(t, *reply.OK)
}

func TestMethodNotFound(t *testing.T) {
	h := newHarness(t)
	conn := h.dialAuthed(t, "root")

	conn.send(t, &Frame{Msg: MsgMethod, ID: "1", Method: "no.such"})
	reply := conn.recv(t)
	require.Equal(t, MsgError, reply.Msg)
	assert.Equal(t, "method_not_found", reply.Error.Kind)
}

func TestForbiddenWithoutRole(t *testing.T) {
	h := newHarness(t)
	conn := h.dialAuthed(t, "viewer")

	// viewer's READONLY role does not grant core.echo
	conn.send(t, &Frame{Msg: MsgMethod, ID: "1", Method: "core.echo", Params: []any{1}})
	reply := conn.recv(t)
	require.Equal(t, MsgError, reply.Msg)
	assert.Equal(t, "forbidden", reply.Error.Kind)
}

func TestValidationErrorCarriesDetails(t *testing.T) {
	h := newHarness(t)
	conn := h.dialAuthed(t, "root")

	conn.send(t, &Frame{Msg: MsgMethod, ID: "1", Method: "core.echo", Params: []any{"not a number"}})
	reply := conn.recv(t)
	require.Equal(t, MsgError, reply.Msg)
	assert.Equal(t, "validation", reply.Error.Kind)
	assert.NotNil(t, reply.Error.Extra)
}

func TestOutOfOrderResponses(t *testing.T) {
	h := newHarness(t)
	conn := h.dialAuthed(t, "root")

	conn.send(t, &Frame{Msg: MsgMethod, ID: "slow", Method: "core.block", Timeout: 0.2})
	conn.send(t, &Frame{Msg: MsgMethod, ID: "fast", Method: "core.ping"})

	first := conn.recv(t)
	assert.Equal(t, "fast", first.ID)
	second := conn.recv(t)
	assert.Equal(t, "slow", second.ID)
	require.NotNil(t, second.Error)
	assert.Equal(t, "timeout", second.Error.Kind)
}

func TestCancelSynchronousCall(t *testing.T) {
	h := newHarness(t)
	conn := h.dialAuthed(t, "root")

	conn.send(t, &Frame{Msg: MsgMethod, ID: "1", Method: "core.block"})
	time.Sleep(50 * time.Millisecond)
	conn.send(t, &Frame{Msg: MsgCancel, ID: "1"})

	reply := conn.recv(t)
	require.Equal(t, MsgError, reply.Msg)
	assert.Equal(t, "cancelled", reply.Error.Kind)
}

func TestJobMethodReturnsJobID(t *testing.T) {
	h := newHarness(t)
	conn := h.dialAuthed(t, "root")

	conn.send(t, &Frame{Msg: MsgMethod, ID: "1", Method: "test.sleep", Params: []any{0.01}})
	reply := conn.recv(t)
	require.Equal(t, MsgResult, reply.Msg)

	jobID, ok := reply.Result.(float64)
	require.True(t, ok, "job id must be numeric, got %T", reply.Result)
	require.GreaterOrEqual(t, jobID, float64(1))

	_, err := h.jobs.Wait(context.Background(), int64(jobID))
	require.NoError(t, err)
}

func TestSubscribeReceivesJobEvents(t *testing.T) {
	h := newHarness(t)
	conn := h.dialAuthed(t, "root")

	conn.send(t, &Frame{Msg: MsgSub, ID: "s1", Name: "core.get_jobs"})
	ack := conn.recv(t)
	require.Equal(t, MsgResult, ack.Msg)

	conn.send(t, &Frame{Msg: MsgMethod, ID: "1", Method: "test.sleep", Params: []any{0.01}})

	var sawAdded, sawSuccess bool
	for i := 0; i < 20 && !(sawAdded && sawSuccess); i++ {
		f := conn.recv(t)
		if f.Msg != MsgEvent {
			continue
		}
		require.Equal(t, "core.get_jobs", f.Name)
		payload := f.Payload.(map[string]any)
		switch payload["type"] {
		case "ADDED":
			sawAdded = true
		case "CHANGED":
			fields, _ := payload["fields"].(map[string]any)
			if fields != nil && fields["state"] == "SUCCESS" {
				sawSuccess = true
			}
		}
	}
	assert.True(t, sawAdded, "expected ADDED job event")
	assert.True(t, sawSuccess, "expected CHANGED event reaching SUCCESS")
}

func TestUnsubscribeStopsEvents(t *testing.T) {
	h := newHarness(t)
	conn := h.dialAuthed(t, "root")

	conn.send(t, &Frame{Msg: MsgSub, ID: "s1", Name: "alert.list"})
	conn.recv(t)
	conn.send(t, &Frame{Msg: MsgUnsub, ID: "s1"})
	conn.recv(t)

	h.bus.Publish("alert.list", map[string]any{"n": 1})
	conn.send(t, &Frame{Msg: MsgPing, ID: "after"})
	reply := conn.recv(t)
	assert.Equal(t, MsgPong, reply.Msg)
}

func TestCRUDEventAfterResult(t *testing.T) {
	h := newHarness(t)
	conn := h.dialAuthed(t, "root")

	conn.send(t, &Frame{Msg: MsgSub, ID: "s1", Name: "widget.query"})
	conn.recv(t)

	conn.send(t, &Frame{Msg: MsgMethod, ID: "1", Method: "widget.create",
		Params: []any{map[string]any{"name": "w1", "size": 3}}})

	reply := conn.recv(t)
	require.Equal(t, MsgResult, reply.Msg, "result must precede the CRUD event")

	ev := conn.recvFor(t, MsgEvent)
	assert.Equal(t, "widget.query", ev.Name)
	payload := ev.Payload.(map[string]any)
	assert.Equal(t, "ADDED", payload["type"])
	assert.Equal(t, "w1", payload["id"])
	fields := payload["fields"].(map[string]any)
	assert.Equal(t, "w1", fields["name"])
}

func TestDeleteEmitsRemovedWithIDOnly(t *testing.T) {
	h := newHarness(t)
	conn := h.dialAuthed(t, "root")

	conn.send(t, &Frame{Msg: MsgMethod, ID: "1", Method: "widget.create",
		Params: []any{map[string]any{"name": "w2"}}})
	conn.recv(t)

	conn.send(t, &Frame{Msg: MsgSub, ID: "s1", Name: "widget.query"})
	conn.recvFor(t, MsgResult)

	conn.send(t, &Frame{Msg: MsgMethod, ID: "2", Method: "widget.delete", Params: []any{"w2"}})
	conn.recvFor(t, MsgResult)

	ev := conn.recvFor(t, MsgEvent)
	payload := ev.Payload.(map[string]any)
	assert.Equal(t, "REMOVED", payload["type"])
	assert.Equal(t, "w2", payload["id"])
	assert.Nil(t, payload["fields"])
}

func TestSessionTeardownReleasesSubscriptions(t *testing.T) {
	h := newHarness(t)
	conn := h.dialAuthed(t, "root")

	conn.send(t, &Frame{Msg: MsgSub, ID: "s1", Name: "alert.list"})
	conn.recv(t)
	require.Equal(t, 1, h.bus.SubscriberCount())

	conn.Close()
	assert.Eventually(t, func() bool {
		return h.bus.SubscriberCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
