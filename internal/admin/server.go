package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/enforcer/internal/config"
	"github.com/vyrodovalexey/enforcer/internal/health"
	"github.com/vyrodovalexey/enforcer/internal/observability"
)

var ginModeOnce sync.Once

// Server timeouts.
const (
	DefaultReadTimeout  = 10 * time.Second
	DefaultWriteTimeout = 30 * time.Second
	DefaultIdleTimeout  = 120 * time.Second
)

// Server is the admin HTTP server.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	address    string
	logger     observability.Logger

	health   *health.Handler
	metrics  *observability.Metrics
	store    StoreCounter
	throttle Throttler
	streams  StreamSender

	mu      sync.RWMutex
	running bool
}

// Option is a functional option for Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHealth serves the probe routes of h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) {
		s.health = h
	}
}

// WithMetrics serves /metrics from m.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithStore serves /debug/store from store.
func WithStore(store StoreCounter) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithThrottle serves the stream throttle routes. State changes are
// pushed to the stream through streams.
func WithThrottle(t Throttler, streams StreamSender) Option {
	return func(s *Server) {
		s.throttle = t
		s.streams = streams
	}
}

// NewServer creates the admin server for cfg.
func NewServer(cfg config.AdminConfig, opts ...Option) *Server {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	s := &Server{
		engine:  gin.New(),
		address: cfg.Address,
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.address == "" {
		s.address = config.DefaultAdminAddress
	}

	s.engine.Use(recovery(s.logger), requestLogger(s.logger))
	s.registerRoutes()

	return s
}

// Handler returns the HTTP handler serving every admin route.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Address returns the listen address.
func (s *Server) Address() string {
	return s.address
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start(ctx context.Context) error {
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		_ = ln.Close()
		return errors.New("admin server already running")
	}
	s.httpServer = &http.Server{
		Handler:      s.engine,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
		IdleTimeout:  DefaultIdleTimeout,
	}
	srv := s.httpServer
	s.running = true
	s.mu.Unlock()

	s.logger.Info("starting admin server",
		observability.String("address", ln.Addr().String()),
	)

	err := srv.Serve(ln)

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server error: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.RLock()
	srv := s.httpServer
	running := s.running
	s.mu.RUnlock()

	if !running || srv == nil {
		return nil
	}

	s.logger.Info("stopping admin server")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown admin server: %w", err)
	}
	return nil
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
