package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn exposes a WebSocket as a byte stream. Message boundaries carry no
// meaning: frames may span messages and a message may hold several frames.
type wsConn struct {
	ws      *websocket.Conn
	r       io.Reader // current message, nil between messages
	writeMu sync.Mutex
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

// Read is not safe for concurrent use; each session has a single reader.
func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.r == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			c.r = r
		}
		n, err := c.r.Read(p)
		if errors.Is(err, io.EOF) {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

// Close sends a close frame on a best-effort basis, then drops the socket.
func (c *wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.ws.Close()
}

// WebSocketListener is an http.Handler that upgrades requests and hands the
// resulting connections to Accept.
type WebSocketListener struct {
	upgrader  websocket.Upgrader
	addr      net.Addr
	connCh    chan Conn
	done      chan struct{}
	closeOnce sync.Once
}

// NewWebSocketListener returns a listener that reports addr as its address.
// Mount it on an HTTP router to start receiving connections.
func NewWebSocketListener(addr net.Addr) *WebSocketListener {
	return &WebSocketListener{
		upgrader: websocket.Upgrader{
			// Any origin: clients are authenticated by the AUTH frame.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		addr:   addr,
		connCh: make(chan Conn),
		done:   make(chan struct{}),
	}
}

// ServeHTTP upgrades the request and blocks until the relay accepts the
// connection or the listener closes.
func (l *WebSocketListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-l.done:
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error.
		return
	}

	conn := newWSConn(ws)
	select {
	case l.connCh <- conn:
	case <-l.done:
		conn.Close()
	case <-r.Context().Done():
		conn.Close()
	}
}

// Accept returns the next upgraded connection.
func (l *WebSocketListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.connCh:
		return c, nil
	case <-l.done:
		return nil, fmt.Errorf("accept WebSocket connection: %w", net.ErrClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr returns the HTTP listen address.
func (l *WebSocketListener) Addr() net.Addr {
	return l.addr
}

// Close stops handing out connections. It does not close the HTTP server.
func (l *WebSocketListener) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}

// DialWebSocketURL connects to a relay's WebSocket endpoint, e.g.
// ws://host:8080/ws.
func DialWebSocketURL(ctx context.Context, url string) (Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial %s: %w", url, err)
	}
	return newWSConn(ws), nil
}
