// Package server owns the listener: it accepts connections, classifies
// each byte stream (plain, TLS, WebSocket upgrade, CONNECT tunnel), and
// drives HTTP keep-alive sessions against the shared router.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/portico-web/portico/httpmsg"
	"github.com/portico-web/portico/router"
	"github.com/portico-web/portico/stream"
	"github.com/portico-web/portico/websocket"
)

// DefaultTimeout is the idle deadline applied to header and body reads.
const DefaultTimeout = 30 * time.Second

// defaultServerName appears in the Server header and on error pages.
const defaultServerName = "portico"

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server: closed")

// Server accepts connections and spawns a session per connection. The
// router and configuration are immutable once Serve starts.
type Server struct {
	addr           string
	serverName     string
	backlog        int
	timeout        time.Duration
	maxHeaderBytes int
	maxBodyBytes   int64
	dialTimeout    time.Duration

	tlsMaterials *stream.TLSConfig
	tlsConfig    *tls.Config

	logger      *slog.Logger
	router      *router.Router
	compressors *httpmsg.CompressorRegistry
	wsHandlers  websocket.Handlers
	metrics     *Metrics

	mu         sync.Mutex
	listener   net.Listener
	cancel     context.CancelFunc
	conns      map[net.Conn]struct{}
	sessions   sync.WaitGroup
	inShutdown atomic.Bool
}

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address, "host:port". Default "127.0.0.1:8080".
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithServerName sets the identifier used in the Server header and on
// generated error pages.
func WithServerName(name string) Option {
	return func(s *Server) { s.serverName = name }
}

// WithBacklog records the requested listen backlog. Advisory: the Go
// runtime sizes the kernel backlog itself, so the value is surfaced in
// the startup log rather than applied to the listener.
func WithBacklog(n int) Option {
	return func(s *Server) { s.backlog = n }
}

// WithTLS provides certificate materials. When set, TLS connections are
// accepted on the same listener via first-byte detection; plaintext
// clients are still served.
func WithTLS(certFile, keyFile, password string) Option {
	return func(s *Server) {
		s.tlsMaterials = &stream.TLSConfig{CertFile: certFile, KeyFile: keyFile, Password: password}
	}
}

// WithTimeout sets the idle deadline for header and body reads.
func WithTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// WithMaxHeaderBytes caps the request line plus headers.
func WithMaxHeaderBytes(n int) Option {
	return func(s *Server) { s.maxHeaderBytes = n }
}

// WithMaxBodyBytes caps decoded request bodies. Zero means unbounded.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) { s.maxBodyBytes = n }
}

// WithLogger sets the structured logger. Default slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithCompression enables the named response encodings ("gzip",
// "deflate"). Without this option no response compression is offered.
func WithCompression(encodings ...string) Option {
	return func(s *Server) { s.compressors = httpmsg.NewCompressorRegistry(encodings...) }
}

// WithWebSocketHandlers sets the global WebSocket callbacks applied to
// every upgraded connection.
func WithWebSocketHandlers(h websocket.Handlers) Option {
	return func(s *Server) { s.wsHandlers = h }
}

// WithRegistry registers the server's metrics with reg instead of the
// default Prometheus registry.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(s *Server) { s.metrics = NewMetrics(reg) }
}

// New builds a Server. Register routes and mount points through Router()
// before calling Serve; registration after that fails with ErrFrozen.
func New(opts ...Option) *Server {
	s := &Server{
		addr:           "127.0.0.1:8080",
		serverName:     defaultServerName,
		timeout:        DefaultTimeout,
		maxHeaderBytes: httpmsg.DefaultMaxHeaderBytes,
		dialTimeout:    10 * time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = router.New(s.logger, s.serverName)
	if s.metrics == nil {
		s.metrics = NewMetrics(prometheus.DefaultRegisterer)
	}
	return s
}

// Router returns the dispatch table for registration.
func (s *Server) Router() *router.Router { return s.router }

// Addr returns the bound listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe binds the configured address and serves until ctx is
// canceled or Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln. Per-accept errors are tolerated with
// backoff; the loop exits only when the listener closes. Each connection
// runs as its own goroutine and contains every error it encounters.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.tlsMaterials != nil {
		cfg, err := s.tlsMaterials.Load()
		if err != nil {
			ln.Close()
			return fmt.Errorf("server: loading tls materials: %w", err)
		}
		s.tlsConfig = cfg
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.listener = ln
	s.cancel = cancel
	s.mu.Unlock()

	s.router.Freeze()
	if s.backlog > 0 {
		s.logger.Info("server listening", "addr", ln.Addr().String(), "tls", s.tlsConfig != nil, "backlog", s.backlog)
	} else {
		s.logger.Info("server listening", "addr", ln.Addr().String(), "tls", s.tlsConfig != nil)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.inShutdown.Load() || ctx.Err() != nil {
				return ErrServerClosed
			}
			if !errors.Is(err, net.ErrClosed) {
				if backoff == 0 {
					backoff = 5 * time.Millisecond
				} else if backoff *= 2; backoff > time.Second {
					backoff = time.Second
				}
				s.logger.Warn("accept failed, retrying", "error", err, "backoff", backoff)
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0

		s.metrics.ConnectionsTotal.Inc()
		s.metrics.ActiveConnections.Inc()
		s.trackConn(conn, true)
		s.sessions.Add(1)
		go func() {
			defer s.sessions.Done()
			defer s.metrics.ActiveConnections.Dec()
			defer s.trackConn(conn, false)
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		s.conns = make(map[net.Conn]struct{})
	}
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// Shutdown closes the acceptor and signals sessions to exit at their
// next yield point (pending reads fail as the sockets close), then
// waits for them up to ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
