package server

import (
	"context"
	"net"
	"testing"
	"time"

	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/vyrodovalexey/enforcer/internal/config"
	"github.com/vyrodovalexey/enforcer/internal/decision"
	"github.com/vyrodovalexey/enforcer/internal/discovery"
	"github.com/vyrodovalexey/enforcer/internal/grpc/health"
	"github.com/vyrodovalexey/enforcer/internal/grpc/middleware"
	"github.com/vyrodovalexey/enforcer/internal/observability"
	"github.com/vyrodovalexey/enforcer/internal/translator"
)

const bufSize = 1 << 20

// startServer serves s on an in-memory listener and returns a client
// connection to it.
func startServer(t *testing.T, s *Server) *grpc.ClientConn {
	t.Helper()

	lis := bufconn.Listen(bufSize)
	require.NoError(t, s.Serve(lis))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestNew(t *testing.T) {
	t.Parallel()

	s, err := New(nil)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultServerAddress, s.Address())
	assert.Equal(t, uint32(DefaultMaxConcurrentStreams), s.maxConcurrentStreams)
	assert.Nil(t, s.keepaliveParams)
	assert.Equal(t, StateStopped, s.State())
	assert.Zero(t, s.Uptime())

	s, err = New(&config.ServerConfig{
		Address:              ":9999",
		MaxConcurrentStreams: 10,
		KeepaliveTime:        config.Duration(30 * time.Second),
	}, WithAddress("127.0.0.1:0"), WithReflection(true))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:0", s.Address())
	assert.Equal(t, uint32(10), s.maxConcurrentStreams)
	require.NotNil(t, s.keepaliveParams)
	assert.Equal(t, 30*time.Second, s.keepaliveParams.Time)
	assert.Equal(t, 10*time.Second, s.keepaliveParams.Timeout)

	_, err = New(nil, WithAddress(""))
	assert.Error(t, err)
}

func TestState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestServer_Lifecycle(t *testing.T) {
	t.Parallel()

	hs := health.NewHealthServer()
	s, err := New(nil, WithHealthServer(hs), WithLogger(observability.NopLogger()))
	require.NoError(t, err)
	assert.Same(t, hs, s.HealthServer())

	conn := startServer(t, s)
	assert.True(t, s.IsRunning())
	assert.Error(t, s.Serve(bufconn.Listen(bufSize)))

	client := healthpb.NewHealthClient(conn)
	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.GracefulStop(ctx))
	assert.Equal(t, StateStopped, s.State())
	require.NoError(t, s.GracefulStop(ctx))

	st, _ := hs.GetServingStatus("")
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)
}

func TestServer_HealthFollowsReadiness(t *testing.T) {
	t.Parallel()

	readiness := discovery.NewReadiness()
	readiness.Expect("API")
	hs := health.NewHealthServer(health.WithReadiness(readiness, health.ServiceAuthorization))

	s, err := New(nil, WithHealthServer(hs))
	require.NoError(t, err)
	client := healthpb.NewHealthClient(startServer(t, s))

	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: health.ServiceAuthorization})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())

	readiness.MarkReady("API")
	resp, err = client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: health.ServiceAuthorization})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestServer_CheckWithInterceptors(t *testing.T) {
	t.Parallel()

	logger := observability.NopLogger()
	decider := &fakeDecider{
		decide: func(_ context.Context, vctx *decision.ValidationContext) (*decision.Decision, error) {
			if vctx.Credential == "panic" {
				panic("decider exploded")
			}
			return &decision.Decision{CorrelationID: vctx.CorrelationID}, nil
		},
	}

	s, err := New(nil,
		WithUnaryInterceptors(
			middleware.UnaryRecoveryInterceptor(logger,
				middleware.WithPanicResponse(authv3.Authorization_Check_FullMethodName, PanicResponse)),
			middleware.UnaryRequestIDInterceptor(RequestID),
			middleware.UnaryTimeoutInterceptor(time.Second),
		),
	)
	require.NoError(t, err)
	authv3.RegisterAuthorizationServer(s, NewCheckHandler(decider))
	client := authv3.NewAuthorizationClient(startServer(t, s))

	ext := routeExt(nil)

	resp, err := client.Check(context.Background(), checkRequest("/pets/1.0.0/pet/1",
		map[string]string{"authorization": "Bearer ok"}, ext))
	require.NoError(t, err)
	assert.Equal(t, int32(codes.OK), resp.GetStatus().GetCode())

	resp, err = client.Check(context.Background(), checkRequest("/pets/1.0.0/pet/1",
		map[string]string{"authorization": "Bearer panic", "x-request-id": "corr-panic"}, ext))
	require.NoError(t, err)
	assert.Equal(t, int32(codes.Unauthenticated), resp.GetStatus().GetCode())
	assert.Contains(t, resp.GetDeniedResponse().GetBody(), "900900")
	id, _ := headerValue(resp.GetDeniedResponse().GetHeaders(), decision.HeaderRequestID)
	assert.Equal(t, "corr-panic", id)
	assert.Equal(t, "corr-panic",
		resp.GetDynamicMetadata().GetFields()[translator.MetaCorrelationID].GetStringValue())
}
