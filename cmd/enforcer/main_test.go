package main

import (
	"context"
	"testing"
	"time"

	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vyrodovalexey/enforcer/internal/config"
	grpchealth "github.com/vyrodovalexey/enforcer/internal/grpc/health"
	"github.com/vyrodovalexey/enforcer/internal/observability"
	"github.com/vyrodovalexey/enforcer/internal/route"
)

func testConfig() *config.EnforcerConfig {
	cfg := config.DefaultConfig()
	cfg.Server.Address = "127.0.0.1:0"
	cfg.Admin.Enabled = true
	cfg.Admin.Address = "127.0.0.1:0"
	cfg.Cache.Enabled = true
	return cfg
}

func TestGetEnvOrDefault(t *testing.T) {
	t.Setenv("ENFORCER_TEST_VALUE", "set")

	assert.Equal(t, "set", getEnvOrDefault("ENFORCER_TEST_VALUE", "default"))
	assert.Equal(t, "default", getEnvOrDefault("ENFORCER_TEST_MISSING", "default"))
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{value: "true", want: true},
		{value: "YES", want: true},
		{value: "0", def: true, want: false},
		{value: "off", def: true, want: false},
		{value: "maybe", def: true, want: true},
		{value: "", def: true, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("ENFORCER_TEST_BOOL", tt.value)
			assert.Equal(t, tt.want, getEnvBool("ENFORCER_TEST_BOOL", tt.def))
		})
	}
}

func TestApplyFlagOverrides(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	applyFlagOverrides(cfg, cliFlags{})
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	applyFlagOverrides(cfg, cliFlags{logLevel: "debug", logFormat: "console"})
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestApplyReload_LogLevel(t *testing.T) {
	t.Parallel()

	logger, err := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json", Output: "stderr"})
	require.NoError(t, err)

	app := &application{config: config.DefaultConfig()}
	next := config.DefaultConfig()
	next.Logging.Level = "debug"

	applyReload(app, next, logger)
	assert.Equal(t, "debug", app.config.Logging.Level)

	next.Logging.Level = "bogus"
	applyReload(app, next, logger)
	assert.Equal(t, "debug", app.config.Logging.Level)
}

func TestNewApplication_InvalidFallback(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Fallback.Enabled = true
	cfg.Fallback.BaseURL = "not a url"

	_, err := newApplication(context.Background(), cfg, observability.NopLogger(), false)
	assert.Error(t, err)
}

func TestApplication_Lifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	app, err := newApplication(ctx, testConfig(), observability.NopLogger(), false)
	require.NoError(t, err)
	require.NotNil(t, app.admin)
	require.NoError(t, app.start(ctx))

	conn, err := grpc.NewClient(app.server.Address(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	hc, err := healthpb.NewHealthClient(conn).Check(callCtx, &healthpb.HealthCheckRequest{
		Service: grpchealth.ServiceAuthorization,
	})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, hc.GetStatus())

	client := authv3.NewAuthorizationClient(conn)
	check := func(auth route.AuthMode) *authv3.CheckResponse {
		resp, err := client.Check(callCtx, &authv3.CheckRequest{
			Attributes: &authv3.AttributeContext{
				Request: &authv3.AttributeContext_Request{
					Http: &authv3.AttributeContext_HttpRequest{
						Method: "GET",
						Path:   "/pets/v1/pets",
					},
				},
				ContextExtensions: map[string]string{
					route.KeyBasePath: "/pets",
					route.KeyVersion:  "v1",
					route.KeyAuth:     string(auth),
				},
			},
		})
		require.NoError(t, err)
		return resp
	}

	assert.Equal(t, int32(codes.OK), check(route.AuthNone).GetStatus().GetCode())

	denied := check(route.AuthOAuth2)
	assert.NotEqual(t, int32(codes.OK), denied.GetStatus().GetCode())
	assert.NotNil(t, denied.GetDeniedResponse())

	require.Eventually(t, app.admin.IsRunning, 5*time.Second, 10*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(ctx, 10*time.Second)
	defer stopCancel()
	require.NoError(t, app.stop(stopCtx))
	assert.False(t, app.server.IsRunning())
	assert.False(t, app.admin.IsRunning())
}
