package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truenas/middleware-sub024/dispatch"
	"github.com/truenas/middleware-sub024/errors"
	"github.com/truenas/middleware-sub024/job"
	"github.com/truenas/middleware-sub024/role"
)

func TestFrameConnRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c1 := &frameConn{conn: client}
	c2 := &frameConn{conn: server}

	go func() {
		_ = c1.WriteFrame([]byte(`{"msg":"ping"}`))
	}()

	data, err := c2.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, `{"msg":"ping"}`, string(data))
}

func TestFrameConnRejectsOversizedFrame(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		// hand-written header claiming a frame beyond the bound
		header := []byte{0xff, 0xff, 0xff, 0xff}
		client.Write(header)
	}()

	c := &frameConn{conn: server}
	_, err := c.ReadFrame()
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}

// echoHandler replies to every decoded frame with the same payload.
type echoHandler struct {
	got chan []byte
}

func (h *echoHandler) ServeConn(_ context.Context, conn dispatch.Conn) {
	for {
		data, err := conn.ReadFrame()
		if err != nil {
			return
		}
		h.got <- data
		if err := conn.WriteFrame(data); err != nil {
			return
		}
	}
}

func TestUnixListenerServesConnections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "middlewared.sock")
	handler := &echoHandler{got: make(chan []byte, 1)}

	l := NewUnixListener(path, handler, slog.Default())
	require.NoError(t, l.Start(context.Background()))
	defer l.Stop(time.Second)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	fc := &frameConn{conn: conn}
	require.NoError(t, fc.WriteFrame([]byte(`{"msg":"connect"}`)))

	reply, err := fc.ReadFrame()
	require.NoError(t, err)
	assert.JSONEq(t, `{"msg":"connect"}`, string(reply))
}

// fakeCaller implements Caller with a canned table.
type fakeCaller struct {
	mu    sync.Mutex
	calls []string
	jobs  map[string]int64
}

func (f *fakeCaller) Call(_ context.Context, p *role.Principal, method string, params []any) (any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.mu.Unlock()

	switch method {
	case "core.ping":
		if p == nil {
			return nil, errors.ErrAuthRequired
		}
		return "pong", nil
	case "no.such":
		return nil, errors.ErrMethodNotFound
	default:
		if id, ok := f.jobs[method]; ok {
			return id, nil
		}
		return nil, errors.ErrMethodNotFound
	}
}

type fakeAuthn struct{}

func (fakeAuthn) Authenticate(_ context.Context, mechanism string, creds map[string]any, _ string) (*role.Principal, error) {
	if mechanism == "password" && creds["username"] == "root" && creds["password"] == "secret" {
		return &role.Principal{Name: "root", Roles: []string{role.FullAdmin}}, nil
	}
	return nil, errors.ErrAuthFailed
}

type fakeJobs struct {
	byID map[int64]*job.Job
}

func (f *fakeJobs) Get(id int64) (*job.Job, error) {
	j, ok := f.byID[id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return j, nil
}

func newRESTHarness(t *testing.T) (*RESTServer, *fakeCaller) {
	t.Helper()
	caller := &fakeCaller{jobs: map[string]int64{}}
	s := NewRESTServer(RESTConfig{Addr: "127.0.0.1:0"}, caller, fakeAuthn{}, &fakeJobs{byID: map[int64]*job.Job{}}, slog.Default())
	return s, caller
}

func TestRESTCallMapsPathToMethod(t *testing.T) {
	s, caller := newRESTHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/core/ping", strings.NewReader("[]"))
	req.SetBasicAuth("root", "secret")
	rec := httptest.NewRecorder()
	s.handleCall(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var result string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "pong", result)
	assert.Equal(t, []string{"core.ping"}, caller.calls)
}

func TestRESTUnauthenticatedGets401(t *testing.T) {
	s, _ := newRESTHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/core/ping", strings.NewReader("[]"))
	rec := httptest.NewRecorder()
	s.handleCall(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRESTUnknownMethodGets404(t *testing.T) {
	s, _ := newRESTHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/no/such", strings.NewReader("[]"))
	req.SetBasicAuth("root", "secret")
	rec := httptest.NewRecorder()
	s.handleCall(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRESTRejectsGetOnCallPath(t *testing.T) {
	s, _ := newRESTHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/core/ping", nil)
	rec := httptest.NewRecorder()
	s.handleCall(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRESTObjectBodyBecomesSingleParam(t *testing.T) {
	params, err := decodeParams(strings.NewReader(`{"name":"tank"}`))
	require.NoError(t, err)
	require.Len(t, params, 1)
	assert.Equal(t, map[string]any{"name": "tank"}, params[0])
}

func TestRESTUploadRequiresDataPartFirst(t *testing.T) {
	s, _ := newRESTHarness(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, _ := mw.CreateFormFile("file", "blob.bin")
	fw.Write([]byte("bytes"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/_upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.SetBasicAuth("root", "secret")
	rec := httptest.NewRecorder()
	s.handleUpload(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRESTDownloadUnknownToken(t *testing.T) {
	s, _ := newRESTHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/_download/bogus", nil)
	rec := httptest.NewRecorder()
	s.handleDownload(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWSListenerStartStop(t *testing.T) {
	handler := &echoHandler{got: make(chan []byte, 1)}
	l := NewWSListener("127.0.0.1:0", handler, slog.Default())
	require.NoError(t, l.Start(context.Background()))
	assert.NotEmpty(t, l.Addr())
	require.NoError(t, l.Stop(time.Second))
}
