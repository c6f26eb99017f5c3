package server

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/vyrodovalexey/enforcer/internal/config"
	"github.com/vyrodovalexey/enforcer/internal/grpc/health"
	"github.com/vyrodovalexey/enforcer/internal/observability"
)

// State represents the server state.
type State int32

const (
	// StateStopped indicates the server is stopped.
	StateStopped State = iota
	// StateStarting indicates the server is starting.
	StateStarting
	// StateRunning indicates the server is running.
	StateRunning
	// StateStopping indicates the server is stopping.
	StateStopping
)

// Default server configuration constants.
const (
	// DefaultMaxConcurrentStreams is the default maximum number of concurrent streams per connection.
	DefaultMaxConcurrentStreams = 1000

	// DefaultMaxMsgSize is the default maximum message size in bytes (4MB).
	DefaultMaxMsgSize = 4 * 1024 * 1024

	// DefaultGracefulStopTimeout is the default timeout for graceful server shutdown.
	DefaultGracefulStopTimeout = 30 * time.Second
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Server hosts the enforcer gRPC services: the authorization check, the
// health service and the metadata stream.
type Server struct {
	address              string
	maxConcurrentStreams uint32
	maxRecvMsgSize       int
	keepaliveParams      *keepalive.ServerParameters
	keepaliveEnforcement *keepalive.EnforcementPolicy
	gracefulStopTimeout  time.Duration

	unaryInterceptors  []grpc.UnaryServerInterceptor
	streamInterceptors []grpc.StreamServerInterceptor

	reflectionEnabled bool
	healthServer      *health.HealthServer

	grpcServer *grpc.Server
	listener   net.Listener
	logger     observability.Logger
	state      atomic.Int32
	startTime  time.Time
}

// New creates a server from cfg and opts. Services can be registered as
// soon as New returns.
func New(cfg *config.ServerConfig, opts ...Option) (*Server, error) {
	s := &Server{
		address:              config.DefaultServerAddress,
		logger:               observability.NopLogger(),
		maxConcurrentStreams: DefaultMaxConcurrentStreams,
		maxRecvMsgSize:       DefaultMaxMsgSize,
		gracefulStopTimeout:  DefaultGracefulStopTimeout,
	}

	if cfg != nil {
		if cfg.Address != "" {
			s.address = cfg.Address
		}
		if cfg.MaxConcurrentStreams > 0 {
			s.maxConcurrentStreams = cfg.MaxConcurrentStreams
		}
		if d := cfg.KeepaliveTime.Duration(); d > 0 {
			s.keepaliveParams = &keepalive.ServerParameters{Time: d, Timeout: d / 3}
			s.keepaliveEnforcement = &keepalive.EnforcementPolicy{MinTime: d / 2, PermitWithoutStream: true}
		}
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.address == "" {
		return nil, fmt.Errorf("server address is required")
	}

	s.grpcServer = grpc.NewServer(s.buildServerOptions()...)
	if s.healthServer != nil {
		healthpb.RegisterHealthServer(s.grpcServer, s.healthServer)
	}
	if s.reflectionEnabled {
		reflection.Register(s.grpcServer)
	}

	s.state.Store(int32(StateStopped))
	return s, nil
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	if err := s.Serve(ln); err != nil {
		_ = ln.Close()
		return err
	}
	return nil
}

// Serve serves on ln in the background.
func (s *Server) Serve(ln net.Listener) error {
	if !s.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("server is not in stopped state, current state: %s", State(s.state.Load()))
	}

	s.listener = ln
	s.startTime = time.Now()
	s.state.Store(int32(StateRunning))

	s.logger.Info("gRPC server started",
		observability.String("address", ln.Addr().String()),
		observability.Bool("reflection", s.reflectionEnabled),
		observability.Bool("health", s.healthServer != nil),
	)

	go s.serve()
	return nil
}

func (s *Server) serve() {
	if err := s.grpcServer.Serve(s.listener); err != nil {
		if st := s.state.Load(); st != int32(StateStopping) && st != int32(StateStopped) {
			s.logger.Error("gRPC server error",
				observability.String("address", s.address),
				observability.Error(err),
			)
		}
	}
}

// Stop stops the gRPC server immediately.
func (s *Server) Stop(_ context.Context) error {
	if !s.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return nil
	}

	if s.healthServer != nil {
		s.healthServer.Shutdown()
	}
	s.grpcServer.Stop()
	s.state.Store(int32(StateStopped))

	s.logger.Info("gRPC server stopped", observability.String("address", s.address))
	return nil
}

// GracefulStop drains in-flight calls, forcing a stop when ctx ends or the
// graceful stop timeout elapses.
func (s *Server) GracefulStop(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return nil
	}

	s.logger.Info("gracefully stopping gRPC server",
		observability.String("address", s.address),
	)

	if s.healthServer != nil {
		s.healthServer.Shutdown()
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.gracefulStopTimeout)
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("gRPC server stopped gracefully",
			observability.String("address", s.address),
		)
	case <-ctx.Done():
		s.logger.Warn("graceful stop timeout, forcing stop",
			observability.String("address", s.address),
		)
		s.grpcServer.Stop()
	}

	s.state.Store(int32(StateStopped))
	return nil
}

// RegisterService registers a gRPC service. It implements grpc.ServiceRegistrar.
func (s *Server) RegisterService(desc *grpc.ServiceDesc, impl interface{}) {
	s.grpcServer.RegisterService(desc, impl)
}

// State returns the current server state.
func (s *Server) State() State {
	return State(s.state.Load())
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.State() == StateRunning
}

// Uptime returns the server uptime.
func (s *Server) Uptime() time.Duration {
	if s.startTime.IsZero() {
		return 0
	}
	return time.Since(s.startTime)
}

// Address returns the bound address while running, else the configured one.
func (s *Server) Address() string {
	// listener is set before the state becomes running.
	if s.IsRunning() {
		return s.listener.Addr().String()
	}
	return s.address
}

// HealthServer returns the health server, or nil.
func (s *Server) HealthServer() *health.HealthServer {
	return s.healthServer
}

func (s *Server) buildServerOptions() []grpc.ServerOption {
	opts := []grpc.ServerOption{
		grpc.MaxConcurrentStreams(s.maxConcurrentStreams),
		grpc.MaxRecvMsgSize(s.maxRecvMsgSize),
	}

	if s.keepaliveParams != nil {
		opts = append(opts, grpc.KeepaliveParams(*s.keepaliveParams))
	}
	if s.keepaliveEnforcement != nil {
		opts = append(opts, grpc.KeepaliveEnforcementPolicy(*s.keepaliveEnforcement))
	}

	if len(s.unaryInterceptors) > 0 {
		opts = append(opts, grpc.ChainUnaryInterceptor(s.unaryInterceptors...))
	}
	if len(s.streamInterceptors) > 0 {
		opts = append(opts, grpc.ChainStreamInterceptor(s.streamInterceptors...))
	}
	return opts
}
