package health

import (
	"context"
	"sync"

	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/vyrodovalexey/enforcer/internal/observability"
)

// ServiceAuthorization is the health service name of the check RPC.
const ServiceAuthorization = "envoy.service.auth.v3.Authorization"

// ReadinessSource reports readiness transitions. OnChange must call fn once
// with the current state on registration.
type ReadinessSource interface {
	OnChange(fn func(ready bool))
}

// HealthServer implements the grpc.health.v1.Health service.
type HealthServer struct {
	healthpb.UnimplementedHealthServer
	services map[string]healthpb.HealthCheckResponse_ServingStatus
	watchers map[string][]chan healthpb.HealthCheckResponse_ServingStatus
	mu       sync.RWMutex
	logger   observability.Logger
	shutdown bool

	readiness ReadinessSource
	tracked   []string
}

// HealthOption is a functional option for configuring the health server.
type HealthOption func(*HealthServer)

// WithHealthLogger sets the logger for the health server.
func WithHealthLogger(logger observability.Logger) HealthOption {
	return func(hs *HealthServer) {
		hs.logger = logger
	}
}

// WithReadiness binds the overall status, and the status of each of
// services, to src.
func WithReadiness(src ReadinessSource, services ...string) HealthOption {
	return func(hs *HealthServer) {
		hs.readiness = src
		hs.tracked = services
	}
}

// NewHealthServer creates a new health server. Without a readiness source
// the overall status is SERVING.
func NewHealthServer(opts ...HealthOption) *HealthServer {
	hs := &HealthServer{
		services: make(map[string]healthpb.HealthCheckResponse_ServingStatus),
		watchers: make(map[string][]chan healthpb.HealthCheckResponse_ServingStatus),
		logger:   observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(hs)
	}

	if hs.readiness == nil {
		hs.services[""] = healthpb.HealthCheckResponse_SERVING
		return hs
	}

	hs.services[""] = healthpb.HealthCheckResponse_NOT_SERVING
	hs.readiness.OnChange(func(ready bool) {
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if ready {
			st = healthpb.HealthCheckResponse_SERVING
		}
		hs.SetServingStatus("", st)
		for _, svc := range hs.tracked {
			hs.SetServingStatus(svc, st)
		}
	})
	return hs
}

// Check implements the Check RPC.
func (hs *HealthServer) Check(
	_ context.Context,
	req *healthpb.HealthCheckRequest,
) (*healthpb.HealthCheckResponse, error) {
	hs.mu.RLock()
	defer hs.mu.RUnlock()

	if hs.shutdown {
		return &healthpb.HealthCheckResponse{
			Status: healthpb.HealthCheckResponse_NOT_SERVING,
		}, nil
	}

	servingStatus, ok := hs.services[req.GetService()]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "service not found: %s", req.GetService())
	}

	return &healthpb.HealthCheckResponse{Status: servingStatus}, nil
}

// Watch implements the Watch RPC for streaming health updates.
func (hs *HealthServer) Watch(
	req *healthpb.HealthCheckRequest,
	stream healthpb.Health_WatchServer,
) error {
	service := req.GetService()
	updateCh := make(chan healthpb.HealthCheckResponse_ServingStatus, 1)

	hs.mu.Lock()
	hs.watchers[service] = append(hs.watchers[service], updateCh)
	initialStatus, ok := hs.services[service]
	if !ok {
		initialStatus = healthpb.HealthCheckResponse_SERVICE_UNKNOWN
	}
	if hs.shutdown {
		initialStatus = healthpb.HealthCheckResponse_NOT_SERVING
	}
	hs.mu.Unlock()

	if err := stream.Send(&healthpb.HealthCheckResponse{Status: initialStatus}); err != nil {
		hs.removeWatcher(service, updateCh)
		return err
	}

	for {
		select {
		case servingStatus := <-updateCh:
			if err := stream.Send(&healthpb.HealthCheckResponse{Status: servingStatus}); err != nil {
				hs.removeWatcher(service, updateCh)
				return err
			}
		case <-stream.Context().Done():
			hs.removeWatcher(service, updateCh)
			return stream.Context().Err()
		}
	}
}

// SetServingStatus sets the serving status for a service. It is ignored
// after Shutdown.
func (hs *HealthServer) SetServingStatus(service string, servingStatus healthpb.HealthCheckResponse_ServingStatus) {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	if hs.shutdown {
		return
	}
	if prev, ok := hs.services[service]; ok && prev == servingStatus {
		return
	}

	hs.services[service] = servingStatus

	hs.logger.Info("health status updated",
		observability.String("service", service),
		observability.String("status", servingStatus.String()),
	)

	hs.notifyWatchers(service, servingStatus)
}

// Shutdown sets all services to NOT_SERVING and ignores later updates.
func (hs *HealthServer) Shutdown() {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	if hs.shutdown {
		return
	}
	hs.shutdown = true

	for service := range hs.services {
		hs.services[service] = healthpb.HealthCheckResponse_NOT_SERVING
		hs.notifyWatchers(service, healthpb.HealthCheckResponse_NOT_SERVING)
	}

	hs.logger.Info("health server shutdown")
}

// GetServingStatus returns the serving status for a service.
func (hs *HealthServer) GetServingStatus(service string) (healthpb.HealthCheckResponse_ServingStatus, bool) {
	hs.mu.RLock()
	defer hs.mu.RUnlock()

	servingStatus, ok := hs.services[service]
	return servingStatus, ok
}

// notifyWatchers must be called with the lock held. A watcher that has not
// consumed its previous update gets the newest status instead.
func (hs *HealthServer) notifyWatchers(service string, servingStatus healthpb.HealthCheckResponse_ServingStatus) {
	for _, ch := range hs.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- servingStatus
	}
}

func (hs *HealthServer) removeWatcher(service string, ch chan healthpb.HealthCheckResponse_ServingStatus) {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	watchers := hs.watchers[service]
	for i, w := range watchers {
		if w == ch {
			hs.watchers[service] = append(watchers[:i], watchers[i+1:]...)
			break
		}
	}
}
