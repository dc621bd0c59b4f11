// Package server exposes barkeep over HTTP: the voice and display websocket
// endpoints, health probes and the Prometheus scrape endpoint.
//
//	GET /ws/voice?client_id=<id>   bartender voice client
//	GET /ws/display                cart display
//	GET /healthz, /readyz          liveness and readiness
//	GET /metrics                   Prometheus exposition
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/MrWong99/barkeep/internal/broadcast"
	"github.com/MrWong99/barkeep/internal/health"
	"github.com/MrWong99/barkeep/internal/observe"
	"github.com/MrWong99/barkeep/internal/voice"
)

// Defaults for [Config].
const (
	DefaultMessagesPerSecond = 20
	DefaultMessageBurst      = 40
	DefaultReadLimit         = 64 << 10
	DefaultShutdownTimeout   = 10 * time.Second
)

// Config holds the transport settings.
type Config struct {
	// ListenAddr is the TCP address to listen on (e.g. ":8080").
	ListenAddr string

	// CertFile and KeyFile enable TLS when both are set.
	CertFile string
	KeyFile  string

	// WriteTimeout bounds each websocket write.
	WriteTimeout time.Duration

	// MessagesPerSecond and MessageBurst limit inbound voice messages per
	// connection. Messages over the limit are answered with an error.
	MessagesPerSecond float64
	MessageBurst      int

	// ReadLimit caps the size of one inbound websocket message.
	ReadLimit int64

	// OriginPatterns lists allowed browser origins. Empty allows only
	// same-origin requests.
	OriginPatterns []string
}

func (c *Config) applyDefaults() {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = broadcast.DefaultWriteTimeout
	}
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = DefaultMessagesPerSecond
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = DefaultMessageBurst
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = DefaultReadLimit
	}
}

// SessionFactory builds the voice session for a newly connected client.
// Replies must be written through out.
type SessionFactory func(clientID string, out voice.Responder) *voice.Session

// Option configures a [Server].
type Option func(*Server)

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithMetrics sets the instruments used by the HTTP middleware.
// Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server serves the barkeep HTTP surface.
type Server struct {
	cfg        Config
	hub        *broadcast.Hub
	sessions   *voice.Registry
	newSession SessionFactory

	health         *health.Handler
	metricsHandler http.Handler
	metrics        *observe.Metrics

	handler http.Handler
}

// New builds a server. Listeners are registered with hub and voice sessions
// are started in sessions.
func New(cfg Config, hub *broadcast.Hub, sessions *voice.Registry, factory SessionFactory, opts ...Option) *Server {
	cfg.applyDefaults()
	s := &Server{
		cfg:        cfg,
		hub:        hub,
		sessions:   sessions,
		newSession: factory,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/voice", s.serveVoice)
	mux.HandleFunc("GET /ws/display", s.serveDisplay)
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	s.handler = observe.Middleware(s.metrics)(mux)
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Run listens on cfg.ListenAddr and serves until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled. Websocket handlers observe the
// same cancellation and close their connections.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server: listening", "addr", ln.Addr().String(), "tls", s.cfg.CertFile != "")
		if s.cfg.CertFile != "" && s.cfg.KeyFile != "" {
			errCh <- srv.ServeTLS(ln, s.cfg.CertFile, s.cfg.KeyFile)
			return
		}
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	slog.Info("server: stopped")
	return nil
}
