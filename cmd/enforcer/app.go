package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	"google.golang.org/grpc"

	"github.com/vyrodovalexey/enforcer/internal/admin"
	"github.com/vyrodovalexey/enforcer/internal/auth/jwt"
	"github.com/vyrodovalexey/enforcer/internal/config"
	"github.com/vyrodovalexey/enforcer/internal/decision"
	"github.com/vyrodovalexey/enforcer/internal/discovery"
	"github.com/vyrodovalexey/enforcer/internal/fallback"
	grpchealth "github.com/vyrodovalexey/enforcer/internal/grpc/health"
	"github.com/vyrodovalexey/enforcer/internal/grpc/middleware"
	grpcserver "github.com/vyrodovalexey/enforcer/internal/grpc/server"
	"github.com/vyrodovalexey/enforcer/internal/health"
	"github.com/vyrodovalexey/enforcer/internal/issuer"
	"github.com/vyrodovalexey/enforcer/internal/keyvalidator"
	"github.com/vyrodovalexey/enforcer/internal/observability"
	"github.com/vyrodovalexey/enforcer/internal/subscription"
	"github.com/vyrodovalexey/enforcer/internal/vault"
)

const (
	metricsNamespace   = "enforcer"
	defaultServiceName = "enforcer"
	eventsCheckTTL     = 5 * time.Second
)

// application holds all enforcer components.
type application struct {
	config  *config.EnforcerConfig
	logger  observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	store     *subscription.DataStore
	readiness *discovery.Readiness
	discovery *discovery.Client
	conn      *grpc.ClientConn
	events    *discovery.EventListener

	server *grpcserver.Server
	admin  *admin.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// newApplication builds every component from cfg. Nothing is started.
func newApplication(
	ctx context.Context,
	cfg *config.EnforcerConfig,
	logger observability.Logger,
	reflection bool,
) (*application, error) {
	app := &application{
		config:    cfg,
		logger:    logger,
		metrics:   observability.NewMetrics(metricsNamespace),
		readiness: discovery.NewReadiness(),
	}
	app.metrics.SetBuildInfo(version, gitCommit)

	tracer, err := initTracer(cfg.Tracing)
	if err != nil {
		return nil, err
	}
	app.tracer = tracer

	tokens, revoked, err := app.initTokenValidator(ctx)
	if err != nil {
		return nil, err
	}

	app.store = subscription.NewDataStore(
		subscription.WithStoreLogger(logger),
		subscription.WithStoreMetrics(app.metrics),
	)
	loading, err := app.initLoadingStore()
	if err != nil {
		return nil, err
	}

	keys := keyvalidator.New(loading,
		keyvalidator.WithLogger(logger),
		keyvalidator.WithTracer(tracer),
	)

	engineOpts := []decision.Option{
		decision.WithLogger(logger),
		decision.WithTracer(tracer),
		decision.WithUsagePublisher(decision.NewLogPublisher(logger)),
	}
	if cfg.Cache.Enabled {
		engineOpts = append(engineOpts, decision.WithCache(
			decision.NewCache(cfg.Cache.DecisionCacheSize, cfg.Cache.DecisionCacheTTL.Duration())))
	}
	engine := decision.NewEngine(tokens, keys, engineOpts...)

	if err := app.initSync(revoked); err != nil {
		return nil, err
	}

	streams, tracker, err := app.initGRPCServer(engine, reflection)
	if err != nil {
		return nil, err
	}

	if cfg.Admin.Enabled {
		app.admin = app.newAdminServer(streams, tracker)
	}

	return app, nil
}

func initTracer(cfg config.TracingConfig) (*observability.Tracer, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:    serviceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SamplingRate:   cfg.SamplingRate,
		Enabled:        cfg.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	return tracer, nil
}

// initTokenValidator builds the issuer registry and the validator over it.
func (a *application) initTokenValidator(ctx context.Context) (*jwt.Validator, *jwt.RevokedTokens, error) {
	cfg := a.config

	issuerOpts := []issuer.Option{issuer.WithLogger(a.logger)}
	if cfg.Vault.Enabled {
		vc, err := vault.New(cfg.Vault, vault.WithLogger(a.logger))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create vault client: %w", err)
		}
		issuerOpts = append(issuerOpts, issuer.WithCertificateSource(vc))
	}

	registry, err := issuer.NewRegistry(ctx, cfg.Issuers, issuerOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build issuer registry: %w", err)
	}

	jwtMetrics := jwt.NewMetrics(metricsNamespace)
	a.metrics.AddGatherer(jwtMetrics.Registry())

	revoked := jwt.NewRevokedTokens(jwt.DefaultRevokedCapacity)
	opts := []jwt.ValidatorOption{
		jwt.WithValidatorLogger(a.logger),
		jwt.WithValidatorMetrics(jwtMetrics),
		jwt.WithValidatorTracer(a.tracer),
		jwt.WithRevokedTokens(revoked),
		jwt.WithJWKSOptions(
			jwt.WithFetchTimeout(cfg.JWKS.Timeout.Duration()),
			jwt.WithRefreshInterval(cfg.JWKS.RefreshInterval.Duration()),
			jwt.WithBreakerSettings(cfg.JWKS.BreakerFailureThresh, cfg.JWKS.BreakerTimeout.Duration()),
		),
	}
	if cfg.Cache.Enabled {
		opts = append(opts, jwt.WithTokenCache(
			jwt.NewTokenCache(cfg.Cache.TokenCacheSize, cfg.Cache.TokenCacheTTL.Duration())))
	}

	validator, err := jwt.NewValidator(registry, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create token validator: %w", err)
	}
	return validator, revoked, nil
}

// initLoadingStore wraps the data store with the REST fallback when enabled.
func (a *application) initLoadingStore() (*subscription.LoadingStore, error) {
	cfg := a.config.Fallback

	var loader subscription.Loader
	if cfg.Enabled {
		client, err := fallback.New(cfg, fallback.WithLogger(a.logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create fallback client: %w", err)
		}
		loader = client
	}

	opts := []subscription.LoadingOption{
		subscription.WithLoadTimeout(cfg.Timeout.Duration()),
		subscription.WithLoadingLogger(a.logger),
		subscription.WithLoadingMetrics(a.metrics),
		subscription.WithLoadingTracer(a.tracer),
	}
	if cfg.RateLimit > 0 {
		opts = append(opts, subscription.WithRateLimit(cfg.RateLimit, cfg.RateBurst))
	}
	return subscription.NewLoadingStore(a.store, loader, opts...), nil
}

// initSync creates the discovery client and the event listener.
func (a *application) initSync(revoked *jwt.RevokedTokens) error {
	cfg := a.config

	if cfg.Discovery.Enabled {
		conn, err := discovery.Dial(cfg.Discovery)
		if err != nil {
			return err
		}
		client, err := discovery.New(conn, cfg.Discovery, a.store, a.readiness,
			discovery.WithLogger(a.logger),
			discovery.WithMetrics(a.metrics),
		)
		if err != nil {
			_ = conn.Close()
			return err
		}
		a.conn = conn
		a.discovery = client
	}

	if cfg.Events.Enabled {
		a.events = discovery.NewEventListener(cfg.Events, a.store,
			discovery.WithEventLogger(a.logger),
			discovery.WithEventMetrics(a.metrics),
			discovery.WithRevoker(revoked),
		)
	}
	return nil
}

// initGRPCServer builds the ext_authz server with its interceptor chain and
// the metadata stream service.
func (a *application) initGRPCServer(
	engine *decision.Engine,
	reflection bool,
) (*grpcserver.StreamRegistry, *grpcserver.ThrottleTracker, error) {
	grpcMetrics := middleware.NewGRPCMetrics(metricsNamespace, nil)
	a.metrics.AddGatherer(grpcMetrics.Registry())

	healthServer := grpchealth.NewHealthServer(
		grpchealth.WithHealthLogger(a.logger),
		grpchealth.WithReadiness(a.readiness, grpchealth.ServiceAuthorization),
	)

	server, err := grpcserver.New(&a.config.Server,
		grpcserver.WithLogger(a.logger),
		grpcserver.WithHealthServer(healthServer),
		grpcserver.WithReflection(reflection),
		grpcserver.WithUnaryInterceptors(
			middleware.UnaryRecoveryInterceptor(a.logger,
				middleware.WithPanicResponse(authv3.Authorization_Check_FullMethodName, grpcserver.PanicResponse),
			),
			middleware.UnaryRequestIDInterceptor(grpcserver.RequestID),
			middleware.UnaryTimeoutInterceptor(a.config.Server.CheckTimeout.Duration()),
			middleware.UnaryMetricsInterceptor(grpcMetrics),
		),
		grpcserver.WithStreamInterceptors(
			middleware.StreamRecoveryInterceptor(a.logger),
			middleware.StreamRequestIDInterceptor(),
			middleware.StreamMetricsInterceptor(grpcMetrics),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create grpc server: %w", err)
	}

	check := grpcserver.NewCheckHandler(engine,
		grpcserver.WithCheckLogger(a.logger),
		grpcserver.WithCheckMetrics(a.metrics),
		grpcserver.WithCheckTracer(a.tracer),
	)
	authv3.RegisterAuthorizationServer(server, check)

	streams := grpcserver.NewStreamRegistry(a.metrics)
	tracker := grpcserver.NewThrottleTracker()
	grpcserver.NewMetadataService(streams, tracker, a.logger).Register(server)

	a.server = server
	return streams, tracker, nil
}

func (a *application) newAdminServer(
	streams *grpcserver.StreamRegistry,
	tracker *grpcserver.ThrottleTracker,
) *admin.Server {
	probes := health.NewHandler(a.logger)
	probes.AddCheck(health.ReadinessCheck("discovery", a.readiness))
	if a.events != nil {
		probes.AddCheck(health.NewCachedHealthCheck(
			health.RedisCheck("events", a.events, health.WithCritical(false)),
			eventsCheckTTL,
		))
	}

	return admin.NewServer(a.config.Admin,
		admin.WithLogger(a.logger),
		admin.WithHealth(probes),
		admin.WithMetrics(a.metrics),
		admin.WithStore(a.store),
		admin.WithThrottle(tracker, streams),
	)
}

// start launches the sync sources and the servers. It returns once the
// servers are listening.
func (a *application) start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if a.discovery != nil {
		a.discovery.Start(ctx)
	}

	if a.events != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.events.Listen(ctx, a.config.Discovery.InitialBackoff.Duration(), a.config.Discovery.MaxBackoff.Duration())
		}()
	}

	if err := a.server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start grpc server: %w", err)
	}

	if a.admin != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.admin.Start(ctx); err != nil {
				a.logger.Error("admin server failed", observability.Error(err))
			}
		}()
	}

	return nil
}

// stop shuts every component down in reverse start order.
func (a *application) stop(ctx context.Context) error {
	var errs []error

	if a.admin != nil {
		if err := a.admin.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.server.GracefulStop(ctx); err != nil {
		errs = append(errs, err)
	}

	if a.cancel != nil {
		a.cancel()
	}
	if a.discovery != nil {
		a.discovery.Stop()
	}
	a.wg.Wait()

	if a.events != nil {
		if err := a.events.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event listener: %w", err))
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close discovery connection: %w", err))
		}
	}
	if err := a.tracer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shutdown tracer: %w", err))
	}

	return errors.Join(errs...)
}
