package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
)

// DialMode selects which transport to use when dialing.
type DialMode int

const (
	DialTCP DialMode = iota
	DialQUIC
	DialWebSocket
)

func (m DialMode) String() string {
	switch m {
	case DialTCP:
		return "tcp"
	case DialQUIC:
		return "quic"
	case DialWebSocket:
		return "ws"
	default:
		return "unknown"
	}
}

// ParseDialMode maps "tcp", "quic" or "ws" to a DialMode.
func ParseDialMode(s string) (DialMode, error) {
	switch strings.ToLower(s) {
	case "", "tcp":
		return DialTCP, nil
	case "quic":
		return DialQUIC, nil
	case "ws", "websocket":
		return DialWebSocket, nil
	default:
		return 0, fmt.Errorf("unknown transport %q", s)
	}
}

// Conn is a reliable, ordered byte stream between a client and the relay.
// Frames are read and written with package protocol. net.Conn satisfies it.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
	RemoteAddr() net.Addr
}

// Listener accepts transport connections. Authentication happens above
// this layer, in the session.
type Listener interface {
	// Accept blocks for the next connection. After Close it returns an
	// error wrapping net.ErrClosed.
	Accept(ctx context.Context) (Conn, error)
	Addr() net.Addr
	Close() error
}

// Dial connects to addr using mode. For DialWebSocket addr is a ws:// URL.
func Dial(ctx context.Context, mode DialMode, addr string) (Conn, error) {
	switch mode {
	case DialTCP:
		return DialTCPAddr(ctx, addr)
	case DialQUIC:
		return DialQUICAddr(ctx, addr)
	case DialWebSocket:
		return DialWebSocketURL(ctx, addr)
	default:
		return nil, fmt.Errorf("unsupported dial mode %d", mode)
	}
}

type acceptRes struct {
	conn Conn
	err  error
}
