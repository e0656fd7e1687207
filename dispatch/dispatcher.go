// Package dispatch implements the framed RPC protocol: session handshake,
// authentication, method routing, event subscriptions and cancellation.
//
// The dispatcher owns all per-session state. It reaches the job manager and
// the event bus only through narrow interfaces wired at process start, so
// the three components stay free of cyclic ownership.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/truenas/middleware-sub024/errors"
	"github.com/truenas/middleware-sub024/eventbus"
	"github.com/truenas/middleware-sub024/job"
	"github.com/truenas/middleware-sub024/metric"
	"github.com/truenas/middleware-sub024/pkg/worker"
	"github.com/truenas/middleware-sub024/registry"
	"github.com/truenas/middleware-sub024/role"
	"github.com/truenas/middleware-sub024/schema"
)

// Bus is the event fabric surface the dispatcher needs.
type Bus interface {
	Publish(name string, payload any)
	Subscribe(glob string) (*eventbus.Subscription, error)
	Unsubscribe(id uint64)
}

// JobSubmitter is the job manager surface the dispatcher needs.
type JobSubmitter interface {
	Submit(spec job.Spec) (*job.Job, error)
	Abort(p *role.Principal, id int64) error
}

// Authenticator verifies auth frames.
type Authenticator interface {
	Authenticate(ctx context.Context, mechanism string, creds map[string]any, origin string) (*role.Principal, error)
}

// Config tunes the dispatcher.
type Config struct {
	Version     string
	PoolWorkers int
	PoolQueue   int
}

// Dispatcher routes frames between sessions and the core components.
type Dispatcher struct {
	cfg      Config
	registry *registry.Registry
	roles    *role.Manager
	engine   *schema.Engine
	bus      Bus
	jobs     JobSubmitter
	authn    Authenticator
	metrics  *metric.Metrics
	logger   *slog.Logger

	pool *worker.Pool[func(context.Context)]

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates a dispatcher.
func New(
	cfg Config,
	reg *registry.Registry,
	roles *role.Manager,
	engine *schema.Engine,
	bus Bus,
	jobs JobSubmitter,
	authn Authenticator,
	logger *slog.Logger,
	metrics *metric.Metrics,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		cfg:      cfg,
		registry: reg,
		roles:    roles,
		engine:   engine,
		bus:      bus,
		jobs:     jobs,
		authn:    authn,
		metrics:  metrics,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
	d.pool = worker.NewPool(cfg.PoolWorkers, cfg.PoolQueue, func(ctx context.Context, task func(context.Context)) {
		task(ctx)
	})
	return d
}

// Start launches the synchronous call pool.
func (d *Dispatcher) Start(ctx context.Context) error {
	return d.pool.Start(ctx)
}

// Stop drains the call pool and closes every session.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	d.mu.Lock()
	sessions := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.mu.Unlock()

	for _, s := range sessions {
		d.closeSession(s)
	}
	return d.pool.Stop(timeout)
}

// Bind attaches a principal to a connected session, or clears it when p is
// nil. The auth service uses it for method-based login and logout.
func (d *Dispatcher) Bind(sessionID string, p *role.Principal) bool {
	d.mu.Lock()
	s, ok := d.sessions[sessionID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	s.setPrincipal(p)
	return true
}

// Origin describes the peer endpoint of a connected session.
func (d *Dispatcher) Origin(sessionID string) string {
	d.mu.Lock()
	s, ok := d.sessions[sessionID]
	d.mu.Unlock()
	if !ok {
		return ""
	}
	return s.Remote()
}

// Sessions returns a snapshot of connected sessions.
func (d *Dispatcher) Sessions() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, s)
	}
	return out
}

// ServeConn runs one connection to completion. It blocks until the peer
// disconnects or ctx is cancelled.
func (d *Dispatcher) ServeConn(ctx context.Context, conn Conn) {
	sess := newSession(uuid.NewString(), conn)

	d.mu.Lock()
	d.sessions[sess.ID] = sess
	d.mu.Unlock()
	if d.metrics != nil {
		d.metrics.SessionsConnected.Inc()
	}
	d.logger.Info("Session opened", "session", sess.ID, "remote", conn.RemoteAddr())

	callCtx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	go d.writer(sess)
	d.reader(callCtx, sess)
	d.closeSession(sess)
}

func (d *Dispatcher) reader(ctx context.Context, sess *Session) {
	for {
		data, err := sess.conn.ReadFrame()
		if err != nil {
			return
		}
		f, err := DecodeFrame(data)
		if err != nil {
			sess.send(errorFrame("", err, newTraceID()))
			continue
		}
		d.handleFrame(ctx, sess, f)
	}
}

func (d *Dispatcher) writer(sess *Session) {
	for {
		select {
		case f := <-sess.out:
			data, err := EncodeFrame(f)
			if err != nil {
				d.logger.Error("Cannot encode frame", "session", sess.ID, "error", err)
				continue
			}
			if err := sess.conn.WriteFrame(data); err != nil {
				d.closeSession(sess)
				return
			}
		case <-sess.done:
			return
		}
	}
}

func (d *Dispatcher) handleFrame(ctx context.Context, sess *Session, f *Frame) {
	switch f.Msg {
	case MsgConnect:
		sess.send(&Frame{Msg: MsgConnected, Version: d.cfg.Version, Session: sess.ID})
	case MsgPing:
		sess.send(&Frame{Msg: MsgPong, ID: f.ID})
	case MsgPong:
		// keepalive reply, nothing to do
	case MsgAuth:
		d.handleAuth(ctx, sess, f)
	case MsgSub:
		d.handleSub(sess, f)
	case MsgUnsub:
		d.handleUnsub(sess, f)
	case MsgMethod:
		d.handleCall(ctx, sess, f)
	case MsgCancel:
		sess.cancelCall(f.ID)
	default:
		sess.send(errorFrame(f.ID,
			errors.Newf(errors.KindValidation, "unknown frame type %q", f.Msg), newTraceID()))
	}
}

func (d *Dispatcher) handleAuth(ctx context.Context, sess *Session, f *Frame) {
	p, err := d.authn.Authenticate(ctx, f.Mechanism, f.Credentials, sess.conn.RemoteAddr())
	ok := err == nil
	if ok {
		sess.setPrincipal(p)
	}

	reply := &Frame{Msg: MsgAuthResult, OK: &ok}
	if ok {
		reply.Roles = p.Roles
	}
	sess.send(reply)
}

func (d *Dispatcher) handleSub(sess *Session, f *Frame) {
	if !sess.Authenticated() {
		sess.send(errorFrame(f.ID, errors.ErrAuthRequired, newTraceID()))
		return
	}

	sub, err := d.bus.Subscribe(f.Name)
	if err != nil {
		sess.send(errorFrame(f.ID, err, newTraceID()))
		return
	}

	sess.mu.Lock()
	if old, exists := sess.subscriptions[f.ID]; exists {
		sess.mu.Unlock()
		d.bus.Unsubscribe(sub.ID())
		d.bus.Unsubscribe(old)
		sess.send(errorFrame(f.ID,
			errors.Newf(errors.KindConflict, "subscription id %q already in use", f.ID), newTraceID()))
		return
	}
	sess.subscriptions[f.ID] = sub.ID()
	sess.mu.Unlock()

	go d.pump(sess, sub)
	sess.send(resultFrame(f.ID, nil))
}

func (d *Dispatcher) handleUnsub(sess *Session, f *Frame) {
	sess.mu.Lock()
	busID, ok := sess.subscriptions[f.ID]
	delete(sess.subscriptions, f.ID)
	sess.mu.Unlock()

	if ok {
		d.bus.Unsubscribe(busID)
	}
	sess.send(resultFrame(f.ID, nil))
}

// pump forwards one subscription's events to the session until the bus
// closes the channel. Events never block: a full session queue drops them.
func (d *Dispatcher) pump(sess *Session, sub *eventbus.Subscription) {
	for ev := range sub.C() {
		if !sess.trySend(&Frame{Msg: MsgEvent, Name: ev.Name, Payload: ev.Payload}) {
			if d.metrics != nil {
				d.metrics.EventsDropped.Inc()
			}
			d.logger.Warn("Dropping event for slow session",
				"session", sess.ID, "event", ev.Name)
		}
	}
}

func (d *Dispatcher) handleCall(ctx context.Context, sess *Session, f *Frame) {
	traceID := newTraceID()
	started := time.Now()

	_, m, err := d.registry.Lookup(f.Method)
	if err != nil {
		d.reply(sess, f.ID, f.Method, nil, err, traceID, started)
		return
	}

	principal := sess.Principal()
	if !m.NoAuthRequired {
		if principal == nil {
			d.reply(sess, f.ID, f.Method, nil, errors.ErrAuthRequired, traceID, started)
			return
		}
		if !d.roles.Check(principal, f.Method) {
			d.reply(sess, f.ID, f.Method, nil, errors.ErrForbidden, traceID, started)
			return
		}
	}

	args, err := d.engine.ValidateArgs(m.Accepts, f.Params)
	if err != nil {
		d.reply(sess, f.ID, f.Method, nil, err, traceID, started)
		return
	}

	d.audit(m, f.Method, principal, sess.ID, traceID)

	if m.Job {
		d.submitJob(sess, f, m, principal, args, traceID, started)
		return
	}

	var callCtx context.Context
	var cancel context.CancelFunc
	if f.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(f.Timeout*float64(time.Second)))
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	sess.trackCall(f.ID, cancel)

	task := func(poolCtx context.Context) {
		defer cancel()
		defer sess.untrackCall(f.ID)

		result, err := d.invoke(callCtx, sess, m, principal, args, traceID)
		d.reply(sess, f.ID, f.Method, result, err, traceID, started)

		if err == nil && m.CRUD.Kind != registry.CRUDNone {
			d.emitCRUD(poolCtx, m, args, result)
		}
	}
	if err := d.pool.Submit(task); err != nil {
		cancel()
		sess.untrackCall(f.ID)
		d.reply(sess, f.ID, f.Method, nil,
			errors.WrapKind(err, errors.KindUnavailable, "dispatch", "handleCall", "worker pool submit"),
			traceID, started)
	}
}

// audit writes one audit trail line for methods that declare a
// description. Arguments never appear here, only the identity and the
// declared description.
func (d *Dispatcher) audit(m *registry.Method, method string, principal *role.Principal, sessionID, traceID string) {
	if m.Audit == "" {
		return
	}
	credentials := ""
	if principal != nil {
		credentials = principal.Name
	}
	d.logger.Info("Audit",
		"description", m.Audit,
		"method", method,
		"credentials", credentials,
		"session", sessionID,
		"trace", traceID)
}

// invoke runs a synchronous handler, converting panics and context errors
// into call errors.
func (d *Dispatcher) invoke(
	ctx context.Context,
	sess *Session,
	m *registry.Method,
	principal *role.Principal,
	args []any,
	traceID string,
) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Handler panic", "trace", traceID, "panic", r)
			err = errors.Newf(errors.KindInternal, "handler panic: %v", r)
		}
	}()

	call := &registry.Call{
		Principal: principal,
		SessionID: sess.ID,
		TraceID:   traceID,
		Logger:    d.logger.With("method", m.Name, "trace", traceID),
	}
	result, err = m.Handler(ctx, call, args)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			err = errors.WrapKind(err, errors.KindTimeout, "dispatch", "invoke", "call deadline")
		case errors.Is(err, context.Canceled):
			err = errors.WrapKind(err, errors.KindCancelled, "dispatch", "invoke", "call cancelled")
		}
	}
	return result, err
}

// submitJob routes a job method through the job manager and replies with
// the job id.
func (d *Dispatcher) submitJob(
	sess *Session,
	f *Frame,
	m *registry.Method,
	principal *role.Principal,
	args []any,
	traceID string,
	started time.Time,
) {
	locks := append([]string(nil), m.Locks...)
	if m.LockFunc != nil {
		locks = append(locks, m.LockFunc(args)...)
	}

	owner := ""
	if principal != nil {
		owner = principal.Name
	}

	spec := job.Spec{
		Method:    f.Method,
		Args:      args,
		Redacted:  d.engine.Redact(m.Accepts, args),
		Owner:     owner,
		SessionID: sess.ID,
		Roles:     m.Roles,
		Locks:     locks,
		Transient: m.Transient,
		PipeIn:    m.Pipes.Input,
		PipeOut:   m.Pipes.Output,
		// for job methods the frame timeout bounds the lock wait
		LockTimeout: time.Duration(f.Timeout * float64(time.Second)),
		Handler: func(ctx context.Context, j *job.Job) (any, error) {
			call := &registry.Call{
				Principal: principal,
				SessionID: sess.ID,
				TraceID:   traceID,
				Job:       j,
				Logger:    d.logger.With("method", f.Method, "job_id", j.ID(), "trace", traceID),
			}
			return m.Handler(ctx, call, args)
		},
	}

	j, err := d.jobs.Submit(spec)
	if err != nil {
		d.reply(sess, f.ID, f.Method, nil, err, traceID, started)
		return
	}

	// a cancel frame for this call id aborts the job
	jobID := j.ID()
	sess.trackCall(f.ID, func() {
		if err := d.jobs.Abort(principal, jobID); err != nil && !errors.IsKind(err, errors.KindConflict) {
			d.logger.Warn("Job abort via cancel failed", "job_id", jobID, "error", err)
		}
	})

	d.reply(sess, f.ID, f.Method, jobID, nil, traceID, started)
}

// Call invokes a method on behalf of an already verified principal,
// outside any framed session. The REST facade and internal services use
// it. Job methods return the job id, like a method frame would.
func (d *Dispatcher) Call(ctx context.Context, principal *role.Principal, method string, params []any) (any, error) {
	_, m, err := d.registry.Lookup(method)
	if err != nil {
		return nil, err
	}
	if !m.NoAuthRequired {
		if principal == nil {
			return nil, errors.ErrAuthRequired
		}
		if !d.roles.Check(principal, method) {
			return nil, errors.ErrForbidden
		}
	}
	args, err := d.engine.ValidateArgs(m.Accepts, params)
	if err != nil {
		return nil, err
	}

	traceID := newTraceID()
	d.audit(m, method, principal, "", traceID)

	if m.Job {
		locks := append([]string(nil), m.Locks...)
		if m.LockFunc != nil {
			locks = append(locks, m.LockFunc(args)...)
		}
		owner := ""
		if principal != nil {
			owner = principal.Name
		}
		j, err := d.jobs.Submit(job.Spec{
			Method:    method,
			Args:      args,
			Redacted:  d.engine.Redact(m.Accepts, args),
			Owner:     owner,
			Roles:     m.Roles,
			Locks:     locks,
			Transient: m.Transient,
			PipeIn:    m.Pipes.Input,
			PipeOut:   m.Pipes.Output,
			Handler: func(ctx context.Context, j *job.Job) (any, error) {
				call := &registry.Call{
					Principal: principal,
					TraceID:   traceID,
					Job:       j,
					Logger:    d.logger.With("method", method, "job_id", j.ID(), "trace", traceID),
				}
				return m.Handler(ctx, call, args)
			},
		})
		if err != nil {
			return nil, err
		}
		return j.ID(), nil
	}

	call := &registry.Call{
		Principal: principal,
		TraceID:   traceID,
		Logger:    d.logger.With("method", method, "trace", traceID),
	}
	result, err := m.Handler(ctx, call, args)
	if err == nil && m.CRUD.Kind != registry.CRUDNone {
		d.emitCRUD(ctx, m, args, result)
	}
	return result, err
}

// CallInternal invokes a method from inside the daemon, bypassing session
// auth. Used by the CRUD adapter and internal services.
func (d *Dispatcher) CallInternal(ctx context.Context, method string, args []any) (any, error) {
	_, m, err := d.registry.Lookup(method)
	if err != nil {
		return nil, err
	}
	normalized, err := d.engine.ValidateArgs(m.Accepts, args)
	if err != nil {
		return nil, err
	}
	call := &registry.Call{
		TraceID: newTraceID(),
		Logger:  d.logger.With("method", method, "internal", true),
	}
	return m.Handler(ctx, call, normalized)
}

func (d *Dispatcher) reply(
	sess *Session,
	id, method string,
	result any,
	err error,
	traceID string,
	started time.Time,
) {
	status := "success"
	if err != nil {
		status = string(errors.KindOf(err))
		sess.send(errorFrame(id, err, traceID))
	} else {
		sess.send(resultFrame(id, result))
	}
	if d.metrics != nil {
		d.metrics.RecordCall(method, status, time.Since(started))
	}
}

func (d *Dispatcher) closeSession(sess *Session) {
	if !d.removeSession(sess) {
		return
	}
	for _, id := range sess.teardown() {
		d.bus.Unsubscribe(id)
	}
	sess.conn.Close()
	if d.metrics != nil {
		d.metrics.SessionsConnected.Dec()
	}
	d.logger.Info("Session closed", "session", sess.ID)
}

func (d *Dispatcher) removeSession(sess *Session) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.sessions[sess.ID]; !ok {
		return false
	}
	delete(d.sessions, sess.ID)
	return true
}

func newTraceID() string {
	return uuid.NewString()
}
