package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chronologos/huddle/internal/auth"
	"github.com/chronologos/huddle/internal/metrics"
	"github.com/chronologos/huddle/internal/protocol"
	"github.com/chronologos/huddle/internal/registry"
	"github.com/chronologos/huddle/internal/transport"
)

var (
	ErrProtocol   = errors.New("protocol violation")
	ErrAuthFailed = errors.New("authentication failed")
	ErrClosed     = errors.New("session closed")
	ErrSlowPeer   = errors.New("send queue full")
)

// Handshake replies for rejected AUTH frames.
const (
	msgAuthRequired = "Authentication required. Closing."
	msgBadFormat    = "Bad auth format. Closing."
)

const (
	DefaultQueueLen     = 256
	DefaultFlushTimeout = time.Second
)

const tracerName = "github.com/chronologos/huddle/internal/session"

// Config holds the collaborators shared by every session.
type Config struct {
	Registry    *registry.Registry
	Credentials auth.Store
	Logger      *slog.Logger     // nil falls back to slog.Default()
	Metrics     *metrics.Metrics // optional

	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider

	// QueueLen bounds the frames waiting for the writer. A peer whose
	// queue is full is treated as unreachable.
	QueueLen int

	// FlushTimeout bounds how long a closing session keeps writing
	// queued frames before the connection is closed regardless.
	FlushTimeout time.Duration
}

// Session is the server side of one client connection. It owns conn and
// closes it when Run returns.
//
// Outbound frames go through a bounded queue drained by a dedicated
// writer goroutine, so a peer that stops reading stalls only its own
// writer.
type Session struct {
	id      string
	conn    transport.Conn
	reg     *registry.Registry
	creds   auth.Store
	log     *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	state    atomic.Int32
	username string // written once by Run before the session is registered

	enqMu        sync.Mutex // orders enqueues against activate and Drain
	sendq        chan []byte
	draining     chan struct{} // closed by Drain
	done         chan struct{} // closed by Close
	flushed      chan struct{} // closed when writeLoop exits
	flushTimeout time.Duration
	drainOnce    sync.Once
	closeOnce    sync.Once
	closeErr     error
}

// New creates a session for conn and starts its writer. Call Run to
// serve the peer, or Close to discard it.
func New(conn transport.Conn, cfg Config) *Session {
	id := uuid.NewString()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	queueLen := cfg.QueueLen
	if queueLen <= 0 {
		queueLen = DefaultQueueLen
	}
	flush := cfg.FlushTimeout
	if flush <= 0 {
		flush = DefaultFlushTimeout
	}

	s := &Session{
		id:           id,
		conn:         conn,
		reg:          cfg.Registry,
		creds:        cfg.Credentials,
		log:          logger.With("session_id", id, "remote_addr", remoteAddr(conn)),
		metrics:      cfg.Metrics,
		tracer:       tp.Tracer(tracerName),
		sendq:        make(chan []byte, queueLen),
		draining:     make(chan struct{}),
		done:         make(chan struct{}),
		flushed:      make(chan struct{}),
		flushTimeout: flush,
	}
	go s.writeLoop()
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// advance moves to next unless the session is already Closed.
func (s *Session) advance(next State) {
	for {
		cur := s.state.Load()
		if State(cur) == StateClosed || s.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

// Username returns the authenticated username, or "" before AUTH_OK.
// Only the Run goroutine may call it before the session is Active.
func (s *Session) Username() string { return s.username }

// Deliver queues an encoded frame for the writer without blocking. It
// implements registry.Member: ErrSlowPeer and ErrClosed both mean the
// peer should be pruned.
func (s *Session) Deliver(frame []byte) error {
	s.enqMu.Lock()
	defer s.enqMu.Unlock()
	return s.enqueue(frame)
}

// enqueue requires enqMu.
func (s *Session) enqueue(frame []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	case <-s.draining:
		return ErrClosed
	default:
	}
	select {
	case s.sendq <- frame:
		return nil
	default:
		return ErrSlowPeer
	}
}

// Send encodes and queues one frame for this session's peer.
func (s *Session) Send(tag string, payload []byte) error {
	frame, err := protocol.Encode(tag, payload)
	if err != nil {
		return err
	}
	return s.Deliver(frame)
}

// Drain stops accepting frames, lets the writer flush what is already
// queued, and then closes the connection. If the flush takes longer than
// the flush timeout the connection is closed anyway. It does not wait.
func (s *Session) Drain() {
	s.drainOnce.Do(func() {
		s.enqMu.Lock()
		close(s.draining)
		s.enqMu.Unlock()

		t := time.AfterFunc(s.flushTimeout, func() {
			s.log.Debug("flush timed out")
			_ = s.Close()
		})
		go func() {
			<-s.flushed
			t.Stop()
		}()
	})
}

// Close closes the connection immediately, discarding queued frames and
// unblocking Run. Safe to call repeatedly and from any goroutine.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		close(s.done)
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// writeLoop is the only writer on conn. A write error closes the session;
// the next Deliver then fails and the registry prunes it.
func (s *Session) writeLoop() {
	defer close(s.flushed)
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.sendq:
			if !s.write(frame) {
				return
			}
		case <-s.draining:
			for {
				select {
				case frame := <-s.sendq:
					if !s.write(frame) {
						return
					}
				default:
					_ = s.Close()
					return
				}
			}
		}
	}
}

func (s *Session) write(frame []byte) bool {
	if _, err := s.conn.Write(frame); err != nil {
		if s.State() != StateClosed {
			s.log.Debug("write failed", "error", err)
		}
		_ = s.Close()
		return false
	}
	return true
}

// Run authenticates the peer and relays its frames until it quits,
// disconnects, or violates the protocol. It returns nil on a clean end and
// the terminating cause otherwise. Queued frames are flushed and the
// connection is closed before Run returns.
//
// ctx only scopes tracing; to stop a session, Close it.
func (s *Session) Run(ctx context.Context) (err error) {
	_, span := s.tracer.Start(ctx, "session",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("session.id", s.id),
			attribute.String("net.peer", remoteAddr(s.conn)),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	defer func() {
		s.Drain()
		<-s.flushed
	}()

	s.log.Debug("session started")

	if err := s.authenticate(); err != nil {
		s.log.Info("handshake rejected", "error", err)
		return err
	}
	span.SetAttributes(attribute.String("user", s.username))
	defer s.leave()

	return s.readLoop()
}

// authenticate runs the one-shot AUTH exchange. On success the session is
// Active, registered, and its join notice has gone out.
func (s *Session) authenticate() error {
	f, err := protocol.ReadFrame(s.conn)
	if err != nil {
		return fmt.Errorf("read auth frame: %w", err)
	}

	if f.Type != protocol.TypeAuth {
		s.metrics.AuthAttempt(metrics.AuthMalformed)
		s.reply(msgAuthRequired)
		return fmt.Errorf("%w: first frame is %q, not AUTH", ErrProtocol, f.Type)
	}
	s.advance(StateAuthenticating)

	username, password, err := auth.ParseCredentials(string(f.Payload))
	if err != nil {
		s.metrics.AuthAttempt(metrics.AuthMalformed)
		s.reply(msgBadFormat)
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	if !auth.Verify(s.creds, username, password) {
		s.metrics.AuthAttempt(metrics.AuthFailed)
		s.reply(protocol.AuthFail)
		return fmt.Errorf("%w: user %q", ErrAuthFailed, username)
	}

	s.username = username
	s.log = s.log.With("user", username)
	s.advance(StateActive)

	if err := s.activate(username); err != nil {
		return err
	}
	s.metrics.AuthAttempt(metrics.AuthOK)
	s.metrics.SessionJoined()
	s.log.Info("user joined")

	s.broadcast(protocol.TypeSys, fmt.Appendf(nil, "*** %s joined the chat ***\n", username))
	return nil
}

// activate registers the session and queues AUTH_OK under enqMu.
// Broadcasts that find the session queue behind it, so AUTH_OK is always
// the peer's first frame, and the peer is reachable by the time it reads
// it.
func (s *Session) activate(username string) error {
	frame, err := protocol.Encode(protocol.TypeSys, []byte(protocol.AuthOK))
	if err != nil {
		return err
	}

	s.enqMu.Lock()
	defer s.enqMu.Unlock()

	if err := s.reg.Register(s, username); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if err := s.enqueue(frame); err != nil {
		s.reg.Deregister(s)
		return fmt.Errorf("queue auth reply: %w", err)
	}
	return nil
}

// reply sends a handshake notice. The connection is about to close, so a
// write error changes nothing.
func (s *Session) reply(msg string) {
	if err := s.Send(protocol.TypeSys, []byte(msg)); err != nil {
		s.log.Debug("handshake reply failed", "error", err)
	}
}

func (s *Session) readLoop() error {
	for {
		f, err := protocol.ReadFrame(s.conn)
		if err != nil {
			if isDisconnect(err) || s.State() == StateClosed {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		s.metrics.FrameReceived(metricTag(f.Type))
		if quit := s.dispatch(f); quit {
			s.log.Debug("peer quit")
			return nil
		}
	}
}

// dispatch handles one frame from an Active peer and reports whether the
// peer asked to quit.
func (s *Session) dispatch(f protocol.Frame) bool {
	switch f.Type {
	case protocol.TypeText:
		text := strings.TrimSpace(strings.ToValidUTF8(string(f.Payload), ""))
		if text == protocol.QuitCommand {
			return true
		}
		s.broadcast(protocol.TypeText, fmt.Appendf(nil, "[%s] %s\n", s.username, text))

	case protocol.TypeVoice:
		meta, ok := s.envelope(f)
		if !ok {
			return false
		}
		s.checkSender(meta)
		s.broadcast(protocol.TypeSys, fmt.Appendf(nil, "*** Voice message from %s ***\n", s.username))
		s.broadcast(protocol.TypeVoice, f.Payload)

	case protocol.TypeFile:
		meta, ok := s.envelope(f)
		if !ok {
			return false
		}
		s.checkSender(meta)
		s.broadcast(protocol.TypeSys, fmt.Appendf(nil, "*** %s from %s: %s ***\n", meta.Kind(), s.username, meta.Name()))
		s.broadcast(protocol.TypeFile, f.Payload)

	default:
		s.log.Debug("ignoring frame", "type", f.Type, "len", len(f.Payload))
	}
	return false
}

// envelope decodes an attachment's metadata. Malformed envelopes are
// dropped without ending the session.
func (s *Session) envelope(f protocol.Frame) (protocol.Metadata, bool) {
	meta, _, err := protocol.DecodeEnvelope(f.Payload)
	if err != nil {
		s.metrics.EnvelopeDropped()
		s.log.Warn("dropping attachment", "type", f.Type, "error", err)
		return protocol.Metadata{}, false
	}
	return meta, true
}

// checkSender logs envelopes that name someone other than the
// authenticated user. Announcements always use the authenticated name.
func (s *Session) checkSender(meta protocol.Metadata) {
	if meta.Username != "" && meta.Username != s.username {
		s.log.Warn("envelope username differs from session user", "envelope_user", meta.Username)
	}
}

func (s *Session) broadcast(tag string, payload []byte) {
	res, err := s.reg.Broadcast(tag, payload, s)
	if err != nil {
		s.log.Warn("broadcast failed", "type", tag, "error", err)
		return
	}
	s.metrics.Broadcast(tag, len(res.Pruned))
	if len(res.Pruned) > 0 {
		s.log.Info("pruned unreachable peers", "type", tag, "users", res.Pruned)
	}
}

// leave deregisters the session and announces the departure. A session
// that was already pruned or drained leaves silently.
func (s *Session) leave() {
	username, ok := s.reg.Deregister(s)
	if !ok {
		return
	}
	s.metrics.SessionLeft()
	s.log.Info("user left")

	res, err := s.reg.Broadcast(protocol.TypeSys, fmt.Appendf(nil, "*** %s left the chat ***\n", username), nil)
	if err != nil {
		s.log.Warn("departure broadcast failed", "error", err)
		return
	}
	s.metrics.Broadcast(protocol.TypeSys, len(res.Pruned))
}

// isDisconnect reports whether err is the peer going away rather than a
// protocol fault.
func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}

// metricTag bounds label cardinality: unknown tags share one label.
func metricTag(tag string) string {
	switch tag {
	case protocol.TypeAuth, protocol.TypeText, protocol.TypeSys, protocol.TypeVoice, protocol.TypeFile:
		return tag
	default:
		return "other"
	}
}

func remoteAddr(c transport.Conn) string {
	if a := c.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
