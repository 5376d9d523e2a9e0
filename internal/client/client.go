// Package client is the relay's client library: it authenticates, sends text
// and attachments, and dispatches received frames to a Handler.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync"

	"github.com/chronologos/huddle/internal/protocol"
	"github.com/chronologos/huddle/internal/transport"
)

// ErrAuthRejected means the relay answered AUTH with anything but AUTH_OK.
// The wrapped message carries the relay's reply.
var ErrAuthRejected = errors.New("authentication rejected")

// Config holds client configuration.
type Config struct {
	Addr     string             // host:port, or a ws:// URL for DialWebSocket
	Mode     transport.DialMode // TCP (default), QUIC or WebSocket
	Username string
	Password string
	Logger   *slog.Logger // nil discards client logs
}

// Handler receives frames from the relay. Methods are called from the
// Receive goroutine, one at a time.
type Handler interface {
	// OnText gets a chat line, already formatted as "[user] text\n".
	OnText(msg string)
	// OnSystem gets a relay notice such as a join or leave.
	OnSystem(msg string)
	// OnAttachment gets a VOICE or FILE body with its metadata.
	OnAttachment(tag string, meta protocol.Metadata, body []byte)
}

// Client is one authenticated connection to the relay.
type Client struct {
	conn     transport.Conn
	username string
	log      *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the relay and completes the AUTH handshake. ctx bounds
// both the dial and the handshake.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	conn, err := transport.Dial(ctx, cfg.Mode, cfg.Addr)
	if err != nil {
		return nil, err
	}
	c := newClient(conn, cfg)
	if err := c.authenticate(ctx, cfg.Password); err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.log.Debug("authenticated", "addr", cfg.Addr, "mode", cfg.Mode)
	return c, nil
}

func newClient(conn transport.Conn, cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		conn:     conn,
		username: cfg.Username,
		log:      logger.With("component", "client", "user", cfg.Username),
	}
}

func (c *Client) authenticate(ctx context.Context, password string) error {
	// Transport conns have no deadlines; closing unblocks the read on cancel.
	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()

	if err := c.send(protocol.TypeAuth, []byte(c.username+":"+password)); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	f, err := protocol.ReadFrame(c.conn)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read auth reply: %w", err)
	}
	if f.Type != protocol.TypeSys || string(f.Payload) != protocol.AuthOK {
		return fmt.Errorf("%w: %s", ErrAuthRejected, f.Payload)
	}
	if !stop() {
		// ctx fired after the reply arrived and the conn is already closed.
		return ctx.Err()
	}
	return nil
}

// Username returns the name the client authenticated as.
func (c *Client) Username() string { return c.username }

// SendText sends one chat line.
func (c *Client) SendText(text string) error {
	return c.send(protocol.TypeText, []byte(text))
}

// SendVoice sends a recorded WAV clip as <user>_voice.wav.
func (c *Client) SendVoice(wav []byte) error {
	return c.sendAttachment(protocol.TypeVoice, protocol.Metadata{
		Username: c.username,
		Filename: c.username + "_voice.wav",
		FileType: protocol.KindVoice,
	}, wav)
}

// SendFile sends body as a FILE attachment. kind is IMAGE, PDF, FILE or
// any other label peers should see; only the base of filename is sent.
func (c *Client) SendFile(filename, kind string, body []byte) error {
	return c.sendAttachment(protocol.TypeFile, protocol.Metadata{
		Username: c.username,
		Filename: filepath.Base(filename),
		FileType: kind,
	}, body)
}

func (c *Client) sendAttachment(tag string, meta protocol.Metadata, body []byte) error {
	payload, err := protocol.EncodeEnvelope(meta, body)
	if err != nil {
		return err
	}
	c.log.Debug("sending attachment", "type", tag, "filename", meta.Filename, "size", FormatBytes(uint64(len(body))))
	return c.send(tag, payload)
}

// Quit asks the relay to end the session, then closes the connection.
func (c *Client) Quit() error {
	err := c.send(protocol.TypeText, []byte(protocol.QuitCommand))
	if cerr := c.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close drops the connection without telling the relay. Receive returns nil.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.conn.Close() })
	return c.closeErr
}

func (c *Client) send(tag string, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteFrame(c.conn, tag, payload)
}

// Receive reads frames and dispatches them to h until the relay closes the
// connection or Close is called, in which case it returns nil. Attachments
// with a malformed envelope and unknown tags are skipped.
func (c *Client) Receive(h Handler) error {
	for {
		f, err := protocol.ReadFrame(c.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}

		switch f.Type {
		case protocol.TypeText:
			h.OnText(string(f.Payload))
		case protocol.TypeSys:
			h.OnSystem(string(f.Payload))
		case protocol.TypeVoice, protocol.TypeFile:
			meta, body, err := protocol.DecodeEnvelope(f.Payload)
			if err != nil {
				c.log.Warn("skipping attachment", "type", f.Type, "error", err)
				continue
			}
			if f.Type == protocol.TypeVoice && meta.Filename == "" {
				meta.Filename = "voice.wav"
			}
			h.OnAttachment(f.Type, meta, body)
		default:
			c.log.Debug("ignoring frame", "type", f.Type)
		}
	}
}

// FormatBytes formats a byte count as a human-readable string.
func FormatBytes(b uint64) string {
	switch {
	case b >= 1<<30:
		return fmt.Sprintf("%.1fGB", float64(b)/(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%.1fMB", float64(b)/(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1fKB", float64(b)/(1<<10))
	default:
		return fmt.Sprintf("%dB", b)
	}
}
