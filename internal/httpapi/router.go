// Package httpapi serves the relay's HTTP surface: metrics, health, the
// session list, and the WebSocket transport endpoint.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Roster lists connected usernames. *registry.Registry satisfies it.
type Roster interface {
	Usernames() []string
}

// Options wires the router to the relay.
type Options struct {
	Roster    Roster
	Gatherer  prometheus.Gatherer // nil omits /metrics
	WebSocket http.Handler        // nil omits /ws
	Logger    *slog.Logger
}

// SessionList is the /sessions response body.
type SessionList struct {
	Count int      `json:"count"`
	Users []string `json:"users"`
}

// NewRouter builds the HTTP handler.
func NewRouter(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  slog.NewLogLogger(logger.Handler(), slog.LevelDebug),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/sessions", func(w http.ResponseWriter, _ *http.Request) {
		users := opts.Roster.Usernames()
		if users == nil {
			users = []string{}
		}
		slices.Sort(users)
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(SessionList{Count: len(users), Users: users}); err != nil {
			logger.Warn("encode session list", "error", err)
		}
	})

	if opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	if opts.WebSocket != nil {
		r.Method(http.MethodGet, "/ws", opts.WebSocket)
	}
	return r
}
