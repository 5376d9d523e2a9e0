// Package server accepts connections on any number of listeners and runs a
// session for each one.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/chronologos/huddle/internal/auth"
	"github.com/chronologos/huddle/internal/metrics"
	"github.com/chronologos/huddle/internal/protocol"
	"github.com/chronologos/huddle/internal/registry"
	"github.com/chronologos/huddle/internal/session"
	"github.com/chronologos/huddle/internal/transport"
)

// ShutdownNotice is broadcast to every active session before the server
// closes connections.
const ShutdownNotice = "Server is shutting down"

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

var ErrNoListeners = errors.New("server: no listeners")

// Server is the relay's acceptor.
type Server struct {
	reg     *registry.Registry
	creds   auth.Store
	logger  *slog.Logger
	metrics *metrics.Metrics

	tracerProvider trace.TracerProvider
	queueLen       int
	flushTimeout   time.Duration

	mu       sync.Mutex
	sessions map[*session.Session]struct{} // accepted and not yet finished
	closing  bool
	wg       sync.WaitGroup
}

// New creates a server that registers sessions in reg and checks logins
// against creds.
func New(reg *registry.Registry, creds auth.Store, opts ...Option) *Server {
	s := &Server{
		reg:      reg,
		creds:    creds,
		logger:   slog.Default(),
		sessions: make(map[*session.Session]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve accepts on every listener until ctx is canceled. It then queues
// the shutdown notice for active sessions, drains every connection, closes
// the listeners, waits for session goroutines, and returns ctx.Err().
// A peer that is not reading holds shutdown up for at most the flush
// timeout.
//
// A listener that fails permanently stops only its own accept loop.
func (s *Server) Serve(ctx context.Context, listeners ...transport.Listener) error {
	if len(listeners) == 0 {
		return ErrNoListeners
	}

	var g errgroup.Group
	for _, ln := range listeners {
		g.Go(func() error {
			s.acceptLoop(ctx, ln)
			return nil
		})
	}

	<-ctx.Done()
	s.shutdown(listeners)
	_ = g.Wait()
	s.wg.Wait()

	s.logger.Info("server stopped")
	return ctx.Err()
}

func (s *Server) acceptLoop(ctx context.Context, ln transport.Listener) {
	s.logger.Info("server started", "addr", ln.Addr())

	var delay time.Duration
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			delay = nextDelay(delay)
			s.logger.Warn("accept error", "addr", ln.Addr(), "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		delay = 0

		s.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())
		s.handle(ctx, conn)
	}
}

func nextDelay(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptDelay
	}
	return min(2*d, maxAcceptDelay)
}

func (s *Server) handle(ctx context.Context, conn transport.Conn) {
	sess := session.New(conn, session.Config{
		Registry:    s.reg,
		Credentials: s.creds,
		Logger:      s.logger,
		Metrics:     s.metrics,

		TracerProvider: s.tracerProvider,
		QueueLen:       s.queueLen,
		FlushTimeout:   s.flushTimeout,
	})
	if !s.track(sess) {
		_ = sess.Close()
		return
	}

	go func() {
		defer s.wg.Done()
		defer s.untrack(sess)

		err := sess.Run(ctx)
		switch {
		case err == nil:
		case errors.Is(err, session.ErrAuthFailed):
			s.logger.Info("session rejected", "session_id", sess.ID(), "error", err)
		default:
			s.logger.Warn("session ended", "session_id", sess.ID(), "error", err)
		}
	}()
}

// track records sess unless shutdown has begun. The WaitGroup is bumped
// under the same lock so shutdown never waits on a racing Add.
func (s *Server) track(sess *session.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess)
}

// tracked returns the number of live connections, authenticated or not.
func (s *Server) tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) shutdown(listeners []transport.Listener) {
	s.mu.Lock()
	s.closing = true
	sessions := make([]*session.Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	s.logger.Info("shutting down", "connections", len(sessions), "active", s.reg.Len())

	res, err := s.reg.Broadcast(protocol.TypeSys, []byte(ShutdownNotice), nil)
	if err != nil {
		s.logger.Warn("shutdown broadcast failed", "error", err)
	} else {
		s.metrics.Broadcast(protocol.TypeSys, len(res.Pruned))
	}

	// Drained sessions are gone from the registry, so their teardown does
	// not announce a departure to peers that are closing too.
	s.reg.Drain()
	s.metrics.SetActiveSessions(0)

	for _, sess := range sessions {
		sess.Drain()
	}
	for _, ln := range listeners {
		if err := ln.Close(); err != nil {
			s.logger.Debug("close listener", "addr", ln.Addr(), "error", err)
		}
	}
}
