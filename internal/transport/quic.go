package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// keepAlivePeriod keeps idle chat connections under the QUIC idle timeout.
// It is a transport-level PING; the relay itself still only notices dead
// peers on a failed read or write.
const keepAlivePeriod = 10 * time.Second

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:    30 * time.Second,
		KeepAlivePeriod:   keepAlivePeriod,
		InitialPacketSize: 1200, // Tailscale MTU is 1280; default 1350 gets dropped
	}
}

// quicConn carries the frame stream on the first bidirectional stream the
// client opens.
type quicConn struct {
	qconn  *quic.Conn
	stream *quic.Stream
}

// Read reports a peer's orderly close (application or stream error code
// 0) as io.EOF, the same as TCP.
func (c *quicConn) Read(p []byte) (int, error) {
	n, err := c.stream.Read(p)
	return n, normalClose(err)
}

func (c *quicConn) Write(p []byte) (int, error) { return c.stream.Write(p) }
func (c *quicConn) RemoteAddr() net.Addr        { return c.qconn.RemoteAddr() }

func normalClose(err error) error {
	if err == nil {
		return nil
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.ErrorCode == 0 {
		return io.EOF
	}
	var streamErr *quic.StreamError
	if errors.As(err, &streamErr) && streamErr.ErrorCode == 0 {
		return io.EOF
	}
	return err
}

// Close stops the stream in both directions and closes the connection.
func (c *quicConn) Close() error {
	c.stream.CancelRead(0)
	c.stream.Close()
	return c.qconn.CloseWithError(0, "closed")
}

// quicListener accepts QUIC connections and waits, per connection, for the
// client to open its stream. A client that never opens one does not hold up
// the others.
type quicListener struct {
	ln     *quic.Listener
	connCh chan acceptRes
	done   chan struct{}
	cancel context.CancelFunc
}

// ListenQUIC binds a QUIC listener on addr (UDP) using cert.
func ListenQUIC(addr string, cert tls.Certificate) (Listener, error) {
	ln, err := quic.ListenAddr(addr, ServerTLSConfig(cert), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("QUIC listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &quicListener{
		ln:     ln,
		connCh: make(chan acceptRes, 4),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go l.acceptLoop(ctx)
	return l, nil
}

func (l *quicListener) acceptLoop(ctx context.Context) {
	defer close(l.done)
	for {
		qconn, err := l.ln.Accept(ctx)
		if err != nil {
			return
		}
		go l.awaitStream(ctx, qconn)
	}
}

func (l *quicListener) awaitStream(ctx context.Context, qconn *quic.Conn) {
	stream, err := qconn.AcceptStream(ctx)
	if err != nil {
		qconn.CloseWithError(1, "no stream")
		return
	}
	select {
	case l.connCh <- acceptRes{conn: &quicConn{qconn: qconn, stream: stream}}:
	case <-ctx.Done():
		qconn.CloseWithError(0, "listener closed")
	}
}

// Accept returns the next connection whose stream is open.
func (l *quicListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case res := <-l.connCh:
		return res.conn, res.err
	case <-l.done:
		return nil, fmt.Errorf("accept QUIC connection: %w", net.ErrClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr returns the bound UDP address.
func (l *quicListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting and releases the UDP socket.
func (l *quicListener) Close() error {
	l.cancel()
	return l.ln.Close()
}

// DialQUICAddr connects to a relay's QUIC listener and opens the frame stream.
func DialQUICAddr(ctx context.Context, addr string) (Conn, error) {
	qconn, err := quic.DialAddr(ctx, addr, ClientTLSConfig(), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("QUIC dial: %w", err)
	}
	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		qconn.CloseWithError(1, "open stream failed")
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return &quicConn{qconn: qconn, stream: stream}, nil
}
