package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/portico-web/portico/httpmsg"
	"github.com/portico-web/portico/internal/config"
	"github.com/portico-web/portico/middleware/celgate"
	"github.com/portico-web/portico/router"
	"github.com/portico-web/portico/server"
	"github.com/portico-web/portico/websocket"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the portico server",
	Long: `Serve starts the listener described by portico.yaml: static mounts,
an echo JSON route, a WebSocket echo, and CONNECT tunneling, with TLS
accepted on the same port when ssl materials are configured.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if cfg.Server.NumThreads > 0 {
		runtime.GOMAXPROCS(cfg.Server.NumThreads)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	opts := []server.Option{
		server.WithAddr(fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
		server.WithServerName(cfg.Server.Name),
		server.WithBacklog(cfg.Server.Backlog),
		server.WithTimeout(cfg.SessionTimeout()),
		server.WithLogger(logger),
		server.WithRegistry(registry),
		server.WithWebSocketHandlers(echoWebSocketHandlers(logger)),
	}
	if cfg.Server.MaxHeaderBytes > 0 {
		opts = append(opts, server.WithMaxHeaderBytes(cfg.Server.MaxHeaderBytes))
	}
	if len(cfg.Compression) > 0 {
		opts = append(opts, server.WithCompression(cfg.Compression...))
	}
	if cfg.SSL.Enabled() {
		opts = append(opts, server.WithTLS(cfg.SSL.CertFile, cfg.SSL.KeyFile, cfg.SSL.Passwd))
	}

	srv := server.New(opts...)
	if err := registerRoutes(srv, cfg, logger); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Addr != "" {
		go serveMetrics(ctx, cfg.Metrics.Addr, registry, logger)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != server.ErrServerClosed {
			return err
		}
		return nil
	}
}

// registerRoutes wires the demo routes, configured mounts, and the
// optional CEL gate.
func registerRoutes(srv *server.Server, cfg *config.Config, logger *slog.Logger) error {
	rt := srv.Router()

	var aspects []router.Aspect
	if cfg.Gate != "" {
		gate, err := celgate.New(rt, cfg.Gate)
		if err != nil {
			return err
		}
		aspects = append(aspects, gate)
	}

	// Echo route: returns the JSON document it was sent.
	echoJSON := func(ctx context.Context, req *httpmsg.Request, resp *httpmsg.Response) error {
		doc, err := req.Body.AsJSON()
		if err != nil {
			return err
		}
		resp.SetJSONContent(doc)
		return nil
	}
	if err := rt.Route(httpmsg.Methods(httpmsg.MethodPost), "/json", echoJSON, aspects...); err != nil {
		return err
	}

	for _, m := range cfg.Mounts {
		if err := rt.Mount(m.URLPrefix, m.FSRoot); err != nil {
			return err
		}
		logger.Info("mounted", "prefix", m.URLPrefix, "root", m.FSRoot)
	}
	return nil
}

// echoWebSocketHandlers echoes every message back on the connection it
// arrived on.
func echoWebSocketHandlers(logger *slog.Logger) websocket.Handlers {
	return websocket.Handlers{
		Open: func(ctx context.Context, h *websocket.Handle) {
			logger.Debug("websocket opened")
		},
		Close: func(ctx context.Context, h *websocket.Handle) {
			logger.Debug("websocket closed")
		},
		Message: func(ctx context.Context, h *websocket.Handle, msg websocket.Message) {
			conn := h.Upgrade()
			if conn == nil {
				return
			}
			conn.Send(msg)
		},
	}
}

// serveMetrics exposes the Prometheus registry on the admin listener.
func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics listener failed", "error", err)
	}
}

// newLogger builds the process logger; DevMode always forces debug.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if cfg.DevMode {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
