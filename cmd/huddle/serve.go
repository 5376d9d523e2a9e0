package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/chronologos/huddle/internal/auth"
	"github.com/chronologos/huddle/internal/config"
	"github.com/chronologos/huddle/internal/httpapi"
	"github.com/chronologos/huddle/internal/metrics"
	"github.com/chronologos/huddle/internal/registry"
	"github.com/chronologos/huddle/internal/server"
	"github.com/chronologos/huddle/internal/telemetry"
	"github.com/chronologos/huddle/internal/transport"
)

const (
	httpShutdownTimeout   = 5 * time.Second
	tracerShutdownTimeout = 5 * time.Second
)

type serveFlags struct {
	config     string
	listen     string
	quicListen string
	httpListen string
	usersFile  string
	logLevel   string
	logFormat  string
}

func serveCmd() *cobra.Command {
	var f serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		Long: `Run the relay until SIGINT or SIGTERM.

TCP is always served. QUIC and the HTTP endpoint (/metrics, /healthz,
/sessions and the /ws WebSocket transport) are enabled by giving them an
address. Flags override values from --config.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(f.config)
			if err != nil {
				return err
			}
			applyServeFlags(cmd, &cfg, f)
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, cmd.ErrOrStderr())
		},
	}

	f.register(cmd)
	return cmd
}

func (f *serveFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVarP(&f.config, "config", "c", "", "YAML config file")
	fl.StringVarP(&f.listen, "listen", "l", config.DefaultListen, "TCP listen address")
	fl.StringVar(&f.quicListen, "quic-listen", "", "QUIC listen address (disabled when empty)")
	fl.StringVar(&f.httpListen, "http-listen", "", "HTTP listen address for metrics and WebSocket (disabled when empty)")
	fl.StringVarP(&f.usersFile, "users", "u", config.DefaultUsersFile, "credentials file (JSON, or YAML by extension)")
	fl.StringVar(&f.logLevel, "log-level", "info", "debug, info, warn or error")
	fl.StringVar(&f.logFormat, "log-format", "text", "text or json")
}

// applyServeFlags copies explicitly set flags over cfg.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config, f serveFlags) {
	set := cmd.Flags().Changed
	if set("listen") {
		cfg.Listen = f.listen
	}
	if set("quic-listen") {
		cfg.QUICListen = f.quicListen
	}
	if set("http-listen") {
		cfg.HTTPListen = f.httpListen
	}
	if set("users") {
		cfg.UsersFile = f.usersFile
	}
	if set("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if set("log-format") {
		cfg.Log.Format = f.logFormat
	}
}

// runServer serves cfg until ctx is canceled. Logs go to logOut.
func runServer(ctx context.Context, cfg config.Config, logOut io.Writer) error {
	logger, err := config.NewLogger(logOut, cfg.Log)
	if err != nil {
		return err
	}

	users, err := auth.LoadFile(cfg.UsersFile)
	if err != nil {
		return err
	}
	logger.Info("loaded credentials", "file", cfg.UsersFile, "users", len(users))

	tp, err := telemetry.NewTracerProvider(cfg.Tracing, logOut)
	if err != nil {
		return err
	}
	otel.SetTracerProvider(tp)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), tracerShutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(sctx); err != nil {
			logger.Warn("flush traces", "error", err)
		}
	}()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)
	reg := registry.New()

	ls, err := openListeners(cfg, reg, promReg, logger)
	if err != nil {
		return err
	}

	srv := server.New(reg, users,
		server.LoggerOption(logger),
		server.MetricsOption(m),
		server.TracerProviderOption(tp),
		server.QueueLenOption(cfg.Relay.QueueLen),
		server.FlushTimeoutOption(cfg.Relay.FlushTimeout),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx, ls.relay...)
	})
	if ls.http != nil {
		g.Go(func() error {
			logger.Info("http listening", "addr", ls.httpLn.Addr())
			if err := ls.http.Serve(ls.httpLn); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
			defer cancel()
			return ls.http.Shutdown(sctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type listeners struct {
	relay  []transport.Listener
	http   *http.Server
	httpLn net.Listener
}

func (l *listeners) close() {
	for _, ln := range l.relay {
		_ = ln.Close()
	}
	if l.httpLn != nil {
		_ = l.httpLn.Close()
	}
}

// openListeners binds every configured address. On error nothing is left
// open.
func openListeners(cfg config.Config, reg *registry.Registry, gatherer prometheus.Gatherer, logger *slog.Logger) (*listeners, error) {
	ls := &listeners{}

	tcp, err := transport.ListenTCP(cfg.Listen)
	if err != nil {
		return nil, err
	}
	ls.relay = append(ls.relay, tcp)

	if cfg.QUICListen != "" {
		cert, err := transport.GenerateSelfSignedCert()
		if err != nil {
			ls.close()
			return nil, err
		}
		q, err := transport.ListenQUIC(cfg.QUICListen, cert)
		if err != nil {
			ls.close()
			return nil, err
		}
		ls.relay = append(ls.relay, q)
	}

	if cfg.HTTPListen != "" {
		hl, err := net.Listen("tcp", cfg.HTTPListen)
		if err != nil {
			ls.close()
			return nil, fmt.Errorf("listen http %s: %w", cfg.HTTPListen, err)
		}
		ls.httpLn = hl

		wsl := transport.NewWebSocketListener(hl.Addr())
		ls.relay = append(ls.relay, wsl)
		ls.http = &http.Server{
			Handler: httpapi.NewRouter(httpapi.Options{
				Roster:    reg,
				Gatherer:  gatherer,
				WebSocket: wsl,
				Logger:    logger,
			}),
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		}
	}
	return ls, nil
}
