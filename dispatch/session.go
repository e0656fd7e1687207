package dispatch

import (
	"context"
	"sync"

	"github.com/truenas/middleware-sub024/role"
)

// outQueueSize bounds each session's outbound frame queue.
const outQueueSize = 256

// Conn is one framed bidirectional byte stream. The unix socket and
// websocket transports implement it.
type Conn interface {
	// ReadFrame blocks for the next complete frame.
	ReadFrame() ([]byte, error)
	// WriteFrame sends one complete frame.
	WriteFrame(data []byte) error
	// Close tears the stream down, unblocking ReadFrame.
	Close() error
	// RemoteAddr describes the peer for logs and rate limiting.
	RemoteAddr() string
}

// Session is the per-connection state. It is owned by the dispatcher; the
// reader goroutine mutates it and all cross-goroutine access is guarded.
type Session struct {
	ID   string
	conn Conn

	mu            sync.Mutex
	principal     *role.Principal
	subscriptions map[string]uint64 // client sub id -> bus subscription id
	inflight      map[string]context.CancelFunc
	attrs         map[string]any
	closed        bool

	out  chan *Frame
	done chan struct{}
}

func newSession(id string, conn Conn) *Session {
	return &Session{
		ID:            id,
		conn:          conn,
		subscriptions: make(map[string]uint64),
		inflight:      make(map[string]context.CancelFunc),
		attrs:         make(map[string]any),
		out:           make(chan *Frame, outQueueSize),
		done:          make(chan struct{}),
	}
}

// Principal returns the authenticated caller, nil before auth.
func (s *Session) Principal() *role.Principal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.principal
}

// Authenticated reports whether an auth frame has succeeded.
func (s *Session) Authenticated() bool {
	return s.Principal() != nil
}

// Remote describes the peer endpoint.
func (s *Session) Remote() string {
	return s.conn.RemoteAddr()
}

func (s *Session) setPrincipal(p *role.Principal) {
	s.mu.Lock()
	s.principal = p
	s.mu.Unlock()
}

// SetAttr stores a small per-session value for privileged clients.
func (s *Session) SetAttr(key string, value any) {
	s.mu.Lock()
	s.attrs[key] = value
	s.mu.Unlock()
}

// Attr reads a per-session value.
func (s *Session) Attr(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.attrs[key]
	return v, ok
}

// send queues a frame that must not be lost (results, errors, handshake).
// It blocks until the writer drains the queue or the session closes.
func (s *Session) send(f *Frame) bool {
	select {
	case s.out <- f:
		return true
	case <-s.done:
		return false
	}
}

// trySend queues a best-effort frame (events). A full queue drops it.
func (s *Session) trySend(f *Frame) bool {
	select {
	case s.out <- f:
		return true
	case <-s.done:
		return false
	default:
		return false
	}
}

// trackCall registers an in-flight call's cancel function.
func (s *Session) trackCall(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.inflight[id] = cancel
	s.mu.Unlock()
}

// untrackCall removes a finished call.
func (s *Session) untrackCall(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

// cancelCall cancels one in-flight call by id.
func (s *Session) cancelCall(id string) bool {
	s.mu.Lock()
	cancel, ok := s.inflight[id]
	delete(s.inflight, id)
	s.mu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

// teardown cancels every in-flight call and returns the bus subscription
// ids to release. Idempotent.
func (s *Session) teardown() []uint64 {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true

	cancels := make([]context.CancelFunc, 0, len(s.inflight))
	for _, c := range s.inflight {
		cancels = append(cancels, c)
	}
	s.inflight = make(map[string]context.CancelFunc)

	subs := make([]uint64, 0, len(s.subscriptions))
	for _, id := range s.subscriptions {
		subs = append(subs, id)
	}
	s.subscriptions = make(map[string]uint64)
	s.mu.Unlock()

	close(s.done)
	for _, c := range cancels {
		c()
	}
	return subs
}
