package transport

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/truenas/middleware-sub024/errors"
	"github.com/truenas/middleware-sub024/job"
	"github.com/truenas/middleware-sub024/pkg/cache"
	"github.com/truenas/middleware-sub024/role"
)

// DownloadTokenTTL bounds how long a minted download token stays
// redeemable.
const DownloadTokenTTL = 5 * time.Minute

// Caller executes one method call for a verified principal.
type Caller interface {
	Call(ctx context.Context, principal *role.Principal, method string, params []any) (any, error)
}

// Authenticator verifies REST credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, mechanism string, creds map[string]any, origin string) (*role.Principal, error)
}

// JobGetter resolves submitted jobs for pipe binding.
type JobGetter interface {
	Get(id int64) (*job.Job, error)
}

// RESTConfig tunes the REST facade.
type RESTConfig struct {
	Addr string
}

// RESTServer is the HTTP facade over the RPC surface.
type RESTServer struct {
	cfg     RESTConfig
	caller  Caller
	authn   Authenticator
	jobs    JobGetter
	logger  *slog.Logger
	metrics http.Handler
	health  http.Handler

	tokens *cache.TTL[*job.Job]

	server  *http.Server
	running atomic.Bool
	boundTo atomic.Value
}

// RESTOption configures the server.
type RESTOption func(*RESTServer)

// WithMetricsHandler mounts a Prometheus handler at /metrics.
func WithMetricsHandler(h http.Handler) RESTOption {
	return func(s *RESTServer) { s.metrics = h }
}

// WithHealthHandler mounts a health handler at /health.
func WithHealthHandler(h http.Handler) RESTOption {
	return func(s *RESTServer) { s.health = h }
}

// NewRESTServer creates the facade.
func NewRESTServer(
	cfg RESTConfig,
	caller Caller,
	authn Authenticator,
	jobs JobGetter,
	logger *slog.Logger,
	opts ...RESTOption,
) *RESTServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &RESTServer{
		cfg:    cfg,
		caller: caller,
		authn:  authn,
		jobs:   jobs,
		logger: logger,
		tokens: cache.NewTTL[*job.Job](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterDownload mints a single-use token streaming the job's output
// pipe at /_download/<token>.
func (s *RESTServer) RegisterDownload(j *job.Job) string {
	token := uuid.NewString()
	s.tokens.Set(token, j, DownloadTokenTTL)
	return token
}

// Start binds the port and begins serving.
func (s *RESTServer) Start(ctx context.Context) error {
	if s.running.Load() {
		return errors.ErrAlreadyStarted
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.Wrap(err, "transport", "Start", "rest bind")
	}
	s.boundTo.Store(listener.Addr().String())

	mux := http.NewServeMux()
	mux.HandleFunc("/_upload", s.handleUpload)
	mux.HandleFunc("/_download/", s.handleDownload)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	if s.health != nil {
		mux.Handle("/health", s.health)
	}
	mux.HandleFunc("/", s.handleCall)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.running.Store(true)

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("REST server failed", "error", err)
		}
	}()

	s.logger.Info("REST facade listening", "addr", listener.Addr().String())
	return nil
}

// Stop shuts the server down gracefully.
func (s *RESTServer) Stop(timeout time.Duration) error {
	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)
	s.tokens.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Addr returns the bound address.
func (s *RESTServer) Addr() string {
	if v := s.boundTo.Load(); v != nil {
		return v.(string)
	}
	return s.cfg.Addr
}

// handleCall serves POST /<service>/<method> with a JSON array or object
// body as params.
func (s *RESTServer) handleCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.Trim(r.URL.Path, "/")
	name = strings.ReplaceAll(name, "/", ".")
	if name == "" {
		http.Error(w, "missing method path", http.StatusBadRequest)
		return
	}

	params, err := decodeParams(r.Body)
	if err != nil {
		s.writeError(w, err)
		return
	}

	principal, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	result, err := s.caller.Call(r.Context(), principal, name, params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// uploadRequest is the JSON part of a multipart upload body.
type uploadRequest struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// handleUpload serves POST /_upload: a multipart body whose "data" part
// names a job method and whose file part streams into the job's input
// pipe.
func (s *RESTServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	principal, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	reader, err := r.MultipartReader()
	if err != nil {
		s.writeError(w, errors.WrapKind(err, errors.KindValidation, "transport", "handleUpload", "multipart parsing"))
		return
	}

	part, err := reader.NextPart()
	if err != nil || part.FormName() != "data" {
		s.writeError(w, errors.New(errors.KindValidation, "first multipart part must be named data"))
		return
	}
	var req uploadRequest
	if err := json.NewDecoder(part).Decode(&req); err != nil {
		s.writeError(w, errors.WrapKind(err, errors.KindValidation, "transport", "handleUpload", "data part parsing"))
		return
	}

	result, err := s.caller.Call(r.Context(), principal, req.Method, req.Params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	jobID, ok := result.(int64)
	if !ok {
		s.writeError(w, errors.Newf(errors.KindValidation, "%s is not a job method", req.Method))
		return
	}
	j, err := s.jobs.Get(jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	pipe := j.InputWriter()
	if pipe == nil {
		s.writeError(w, errors.Newf(errors.KindValidation, "%s declares no input pipe", req.Method))
		return
	}

	filePart, err := reader.NextPart()
	if err != nil {
		pipe.Close()
		s.writeError(w, errors.New(errors.KindValidation, "upload body has no file part"))
		return
	}
	_, copyErr := io.Copy(pipe, filePart)
	pipe.Close()
	if copyErr != nil {
		s.writeError(w, errors.Wrap(copyErr, "transport", "handleUpload", "pipe streaming"))
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID})
}

// handleDownload serves GET /_download/<token>, streaming the job's output
// pipe. Tokens are single-use.
func (s *RESTServer) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := strings.TrimPrefix(r.URL.Path, "/_download/")
	j, ok := s.tokens.Take(token)
	if !ok {
		http.Error(w, "download token expired or unknown", http.StatusNotFound)
		return
	}
	pipe := j.OutputReader()
	if pipe == nil {
		http.Error(w, "job has no output pipe", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, pipe); err != nil {
		s.logger.Warn("Download stream interrupted", "job_id", j.ID(), "error", err)
	}
}

// authenticate maps HTTP credentials onto the auth mechanisms: Basic maps
// to password, Bearer to token, X-API-Key to api_key. Requests without
// credentials proceed unauthenticated.
func (s *RESTServer) authenticate(r *http.Request) (*role.Principal, error) {
	origin := r.RemoteAddr

	if username, password, ok := r.BasicAuth(); ok {
		return s.authn.Authenticate(r.Context(), "password", map[string]any{
			"username": username, "password": password,
		}, origin)
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return s.authn.Authenticate(r.Context(), "token", map[string]any{
			"token": strings.TrimPrefix(h, "Bearer "),
		}, origin)
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return s.authn.Authenticate(r.Context(), "api_key", map[string]any{
			"api_key": key,
		}, origin)
	}
	return nil, nil
}

func decodeParams(body io.Reader) ([]any, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxFrameSize))
	if err != nil {
		return nil, errors.Wrap(err, "transport", "decodeParams", "body read")
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}

	var params []any
	if err := json.Unmarshal(data, &params); err == nil {
		return params, nil
	}
	// a bare object is sugar for a single dict parameter
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err == nil {
		return []any{obj}, nil
	}
	return nil, errors.New(errors.KindValidation, "body must be a JSON array of params or a single object")
}

func (s *RESTServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Cannot encode REST response", "error", err)
	}
}

func (s *RESTServer) writeError(w http.ResponseWriter, err error) {
	ce := errors.AsCall(err, uuid.NewString()).Redacted()
	s.writeJSON(w, httpStatus(ce.Kind), map[string]any{
		"error": map[string]any{
			"kind":    string(ce.Kind),
			"message": ce.Message,
			"extra":   ce.Extra,
		},
	})
}

func httpStatus(kind errors.Kind) int {
	switch kind {
	case errors.KindValidation:
		return http.StatusBadRequest
	case errors.KindMethodNotFound, errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindAuthRequired, errors.KindAuthFailed:
		return http.StatusUnauthorized
	case errors.KindForbidden:
		return http.StatusForbidden
	case errors.KindConflict, errors.KindLocked:
		return http.StatusConflict
	case errors.KindTimeout:
		return http.StatusGatewayTimeout
	case errors.KindCancelled:
		return 499
	case errors.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
