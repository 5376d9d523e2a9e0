package server

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/chronologos/huddle/internal/metrics"
)

// Option configures a Server.
type Option func(*Server)

// LoggerOption sets the logger for the server and its sessions.
func LoggerOption(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// MetricsOption sets the collectors the server and its sessions report to.
func MetricsOption(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// TracerProviderOption sets where session spans are recorded.
func TracerProviderOption(tp trace.TracerProvider) Option {
	return func(s *Server) {
		s.tracerProvider = tp
	}
}

// QueueLenOption bounds each session's outbound queue.
func QueueLenOption(n int) Option {
	return func(s *Server) {
		s.queueLen = n
	}
}

// FlushTimeoutOption bounds how long a closing session keeps writing
// queued frames, including the shutdown notice.
func FlushTimeoutOption(d time.Duration) Option {
	return func(s *Server) {
		s.flushTimeout = d
	}
}
