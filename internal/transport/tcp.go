package transport

import (
	"context"
	"fmt"
	"net"
)

// tcpListener wraps a plain TCP listener.
type tcpListener struct {
	ln *net.TCPListener
}

// ListenTCP binds a TCP listener on addr (host:port, port 0 for random).
func ListenTCP(addr string) (Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("TCP listen: %w", err)
	}
	return &tcpListener{ln: ln}, nil
}

// Accept waits for the next TCP connection, respecting ctx.
func (l *tcpListener) Accept(ctx context.Context) (Conn, error) {
	ch := make(chan acceptRes, 1)
	go func() {
		conn, err := l.ln.AcceptTCP()
		if err != nil {
			ch <- acceptRes{err: err}
			return
		}
		// Frames are written whole, so there is nothing to gain from Nagle.
		_ = conn.SetNoDelay(true)
		ch <- acceptRes{conn: conn}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("accept TCP connection: %w", res.err)
		}
		return res.conn, nil
	case <-ctx.Done():
		// The goroutine unblocks once the listener is closed. Close any
		// connection it accepted in the meantime so it doesn't leak.
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Addr returns the bound address.
func (l *tcpListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops the listener.
func (l *tcpListener) Close() error {
	return l.ln.Close()
}

// DialTCPAddr connects to a relay's TCP listener.
func DialTCPAddr(ctx context.Context, addr string) (Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("TCP dial %s: %w", addr, err)
	}
	return conn, nil
}
