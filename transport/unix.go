package transport

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/truenas/middleware-sub024/dispatch"
	"github.com/truenas/middleware-sub024/errors"
)

// maxFrameSize bounds a single frame on the stream transports.
const maxFrameSize = 64 << 20

// ConnHandler consumes accepted framed connections. The dispatcher
// implements it.
type ConnHandler interface {
	ServeConn(ctx context.Context, conn dispatch.Conn)
}

// frameConn adapts a net.Conn to the length-delimited frame protocol.
type frameConn struct {
	conn net.Conn
	wmu  sync.Mutex
}

func (c *frameConn) ReadFrame() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(c.conn, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size == 0 || size > maxFrameSize {
		return nil, errors.Newf(errors.KindValidation, "frame size %d out of bounds", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (c *frameConn) WriteFrame(data []byte) error {
	if len(data) > maxFrameSize {
		return errors.Newf(errors.KindValidation, "frame size %d out of bounds", len(data))
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := c.conn.Write(header[:]); err != nil {
		return err
	}
	_, err := c.conn.Write(data)
	return err
}

func (c *frameConn) Close() error { return c.conn.Close() }

func (c *frameConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// UnixListener accepts framed connections on a unix domain socket.
type UnixListener struct {
	path    string
	handler ConnHandler
	logger  *slog.Logger

	running  atomic.Bool
	listener net.Listener
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

// NewUnixListener creates a listener for the given socket path.
func NewUnixListener(path string, handler ConnHandler, logger *slog.Logger) *UnixListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &UnixListener{path: path, handler: handler, logger: logger}
}

// Start binds the socket and begins accepting. A stale socket file from a
// previous run is removed first.
func (l *UnixListener) Start(ctx context.Context) error {
	if l.running.Load() {
		return errors.ErrAlreadyStarted
	}

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "transport", "Start", "stale socket removal")
	}

	listener, err := net.Listen("unix", l.path)
	if err != nil {
		return errors.Wrap(err, "transport", "Start", "unix socket bind")
	}
	l.listener = listener
	l.running.Store(true)

	acceptCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	l.wg.Add(1)
	go l.accept(acceptCtx)

	l.logger.Info("Unix socket listening", "path", l.path)
	return nil
}

// Stop closes the listener and waits for connection goroutines.
func (l *UnixListener) Stop(timeout time.Duration) error {
	if !l.running.Load() {
		return nil
	}
	l.running.Store(false)
	l.cancel()
	l.listener.Close()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return errors.Newf(errors.KindTimeout, "unix listener stop timed out after %v", timeout)
	}
}

// Addr returns the bound socket path.
func (l *UnixListener) Addr() string { return l.path }

func (l *UnixListener) accept(ctx context.Context) {
	defer l.wg.Done()
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if l.running.Load() {
				l.logger.Warn("Unix socket accept failed", "error", err)
			}
			return
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handler.ServeConn(ctx, &frameConn{conn: conn})
		}()
	}
}
