package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/vyrodovalexey/enforcer/internal/discovery"
	"github.com/vyrodovalexey/enforcer/internal/observability"
)

func check(t *testing.T, hs *HealthServer, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestNewHealthServer_NoReadiness(t *testing.T) {
	t.Parallel()

	hs := NewHealthServer(WithHealthLogger(observability.NopLogger()))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, hs, ""))

	_, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "unknown"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestHealthServer_FollowsReadiness(t *testing.T) {
	t.Parallel()

	readiness := discovery.NewReadiness()
	readiness.Expect("API")
	readiness.Expect("Subscription")

	hs := NewHealthServer(WithReadiness(readiness, ServiceAuthorization))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, hs, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, hs, ServiceAuthorization))

	readiness.MarkReady("API")
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, hs, ""))

	readiness.MarkReady("Subscription")
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, hs, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, hs, ServiceAuthorization))
}

func TestHealthServer_ReadyFromStart(t *testing.T) {
	t.Parallel()

	hs := NewHealthServer(WithReadiness(discovery.NewReadiness()))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, hs, ""))
}

func TestHealthServer_Shutdown(t *testing.T) {
	t.Parallel()

	hs := NewHealthServer()
	hs.SetServingStatus("svc", healthpb.HealthCheckResponse_SERVING)
	hs.Shutdown()
	hs.Shutdown()

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, hs, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, hs, "svc"))

	hs.SetServingStatus("svc", healthpb.HealthCheckResponse_SERVING)
	st, ok := hs.GetServingStatus("svc")
	require.True(t, ok)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)
}

func TestHealthServer_Watch(t *testing.T) {
	t.Parallel()

	readiness := discovery.NewReadiness()
	readiness.Expect("API")
	hs := NewHealthServer(WithReadiness(readiness))

	stream := newMockWatchStream()
	done := make(chan error, 1)
	go func() {
		done <- hs.Watch(&healthpb.HealthCheckRequest{Service: ""}, stream)
	}()

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, stream.next(t))

	readiness.MarkReady("API")
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, stream.next(t))

	stream.cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for Watch to return")
	}
}

func TestHealthServer_WatchUnknownService(t *testing.T) {
	t.Parallel()

	hs := NewHealthServer()
	stream := newMockWatchStream()
	defer stream.cancel()

	go func() {
		_ = hs.Watch(&healthpb.HealthCheckRequest{Service: "later"}, stream)
	}()

	assert.Equal(t, healthpb.HealthCheckResponse_SERVICE_UNKNOWN, stream.next(t))
	hs.SetServingStatus("later", healthpb.HealthCheckResponse_SERVING)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, stream.next(t))
}

type mockWatchStream struct {
	ctx       context.Context
	cancel    context.CancelFunc
	responses chan *healthpb.HealthCheckResponse
}

func newMockWatchStream() *mockWatchStream {
	ctx, cancel := context.WithCancel(context.Background())
	return &mockWatchStream{
		ctx:       ctx,
		cancel:    cancel,
		responses: make(chan *healthpb.HealthCheckResponse, 10),
	}
}

func (m *mockWatchStream) next(t *testing.T) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	select {
	case resp := <-m.responses:
		return resp.GetStatus()
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for health status")
		return healthpb.HealthCheckResponse_UNKNOWN
	}
}

func (m *mockWatchStream) Send(resp *healthpb.HealthCheckResponse) error {
	select {
	case m.responses <- resp:
		return nil
	case <-m.ctx.Done():
		return m.ctx.Err()
	}
}

func (m *mockWatchStream) Context() context.Context       { return m.ctx }
func (m *mockWatchStream) SetHeader(_ metadata.MD) error  { return nil }
func (m *mockWatchStream) SendHeader(_ metadata.MD) error { return nil }
func (m *mockWatchStream) SetTrailer(_ metadata.MD)       {}
func (m *mockWatchStream) SendMsg(_ interface{}) error    { return nil }
func (m *mockWatchStream) RecvMsg(_ interface{}) error    { return nil }
