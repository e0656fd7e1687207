package transport

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/truenas/middleware-sub024/errors"
)

// wsKeepaliveInterval is how often idle websocket peers are pinged at the
// protocol level; peers missing two pings are considered gone.
const wsKeepaliveInterval = 30 * time.Second

// wsConn adapts a websocket connection to the frame interface, one frame
// per text message.
type wsConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteFrame(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error { return c.conn.Close() }

func (c *wsConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// keepalive pings the peer until the connection dies.
func (c *wsConn) keepalive(ctx context.Context) {
	c.conn.SetReadDeadline(time.Now().Add(2 * wsKeepaliveInterval))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * wsKeepaliveInterval))
	})

	ticker := time.NewTicker(wsKeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.wmu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.wmu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// WSListener upgrades HTTP connections to the framed websocket protocol.
type WSListener struct {
	addr    string
	handler ConnHandler
	logger  *slog.Logger

	upgrader websocket.Upgrader
	server   *http.Server
	running  atomic.Bool
	boundTo  atomic.Value
}

// NewWSListener creates a websocket listener on addr, serving the protocol
// at /websocket.
func NewWSListener(addr string, handler ConnHandler, logger *slog.Logger) *WSListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSListener{
		addr:    addr,
		handler: handler,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 << 10,
			WriteBufferSize: 16 << 10,
			// remote origin policy is enforced by the deployment proxy
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Start binds the TCP port and begins upgrading connections.
func (l *WSListener) Start(ctx context.Context) error {
	if l.running.Load() {
		return errors.ErrAlreadyStarted
	}

	listener, err := net.Listen("tcp", l.addr)
	if err != nil {
		return errors.Wrap(err, "transport", "Start", "websocket bind")
	}
	l.boundTo.Store(listener.Addr().String())

	mux := http.NewServeMux()
	mux.HandleFunc("/websocket", func(w http.ResponseWriter, r *http.Request) {
		ws, err := l.upgrader.Upgrade(w, r, nil)
		if err != nil {
			l.logger.Warn("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		conn := &wsConn{conn: ws}
		connCtx, cancel := context.WithCancel(ctx)
		go func() {
			conn.keepalive(connCtx)
			ws.Close()
		}()
		l.handler.ServeConn(connCtx, conn)
		cancel()
	})

	l.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	l.running.Store(true)

	go func() {
		if err := l.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			l.logger.Error("Websocket server failed", "error", err)
		}
	}()

	l.logger.Info("Websocket listening", "addr", listener.Addr().String())
	return nil
}

// Stop shuts the server down gracefully.
func (l *WSListener) Stop(timeout time.Duration) error {
	if !l.running.Load() {
		return nil
	}
	l.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return l.server.Shutdown(ctx)
}

// Addr returns the bound address, useful when addr was ":0".
func (l *WSListener) Addr() string {
	if v := l.boundTo.Load(); v != nil {
		return v.(string)
	}
	return l.addr
}
