package subscription

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/enforcer/internal/observability"
)

// ErrNotFound is returned by a Loader when the remote side has no such entity.
var ErrNotFound = errors.New("entity not found")

// DefaultLoadTimeout bounds a single on-demand load.
const DefaultLoadTimeout = 5 * time.Second

// Loader fetches single entities from the control plane. A missing entity
// is reported as ErrNotFound, never as a nil entity.
type Loader interface {
	LoadAPI(ctx context.Context, context, version string) (*API, error)
	LoadKeyMapping(ctx context.Context, consumerKey, keyManager string) (*KeyMapping, error)
	LoadApplication(ctx context.Context, id int32) (*Application, error)
	LoadSubscription(ctx context.Context, appID, apiID int32) (*Subscription, error)
	LoadPolicy(ctx context.Context, kind Kind, name, tenant string) (*Policy, error)
}

// Load results recorded in metrics.
const (
	loadFound       = "found"
	loadNotFound    = "not_found"
	loadError       = "error"
	loadRateLimited = "rate_limited"
)

// LoadingStore reads through to a Loader when the Store misses.
//
// Loads run detached from the caller's context: a request that goes away
// does not abort a load other requests may be waiting on, and the result is
// still cached.
type LoadingStore struct {
	store   Store
	loader  Loader
	group   singleflight.Group
	limiter *rate.Limiter
	timeout time.Duration
	logger  observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// LoadingOption configures a LoadingStore.
type LoadingOption func(*LoadingStore)

// WithLoadTimeout bounds each remote load.
func WithLoadTimeout(timeout time.Duration) LoadingOption {
	return func(l *LoadingStore) {
		if timeout > 0 {
			l.timeout = timeout
		}
	}
}

// WithRateLimit bounds remote loads per second. A zero limit disables it.
func WithRateLimit(perSecond float64, burst int) LoadingOption {
	return func(l *LoadingStore) {
		if perSecond <= 0 {
			l.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithLoadingLogger sets the logger.
func WithLoadingLogger(logger observability.Logger) LoadingOption {
	return func(l *LoadingStore) {
		l.logger = logger
	}
}

// WithLoadingMetrics sets the metrics.
func WithLoadingMetrics(metrics *observability.Metrics) LoadingOption {
	return func(l *LoadingStore) {
		l.metrics = metrics
	}
}

// WithLoadingTracer sets the tracer.
func WithLoadingTracer(tracer *observability.Tracer) LoadingOption {
	return func(l *LoadingStore) {
		l.tracer = tracer
	}
}

// NewLoadingStore wraps store. A nil loader makes every miss final.
func NewLoadingStore(store Store, loader Loader, opts ...LoadingOption) *LoadingStore {
	l := &LoadingStore{
		store:   store,
		loader:  loader,
		timeout: DefaultLoadTimeout,
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.metrics == nil {
		l.metrics = observability.NewMetrics("")
	}
	if l.tracer == nil {
		l.tracer = observability.NopTracer()
	}
	return l
}

// Store returns the wrapped store.
func (l *LoadingStore) Store() Store {
	return l.store
}

// API returns the API for context and version, loading it on a miss.
func (l *LoadingStore) API(ctx context.Context, apiContext, version string) (*API, bool) {
	return load(ctx, l, KindAPI, APIKey(apiContext, version),
		func() (*API, bool) { return l.store.GetAPIByContextAndVersion(apiContext, version) },
		func(ctx context.Context) (*API, error) { return l.loader.LoadAPI(ctx, apiContext, version) },
	)
}

// DefaultAPI returns the default version API of context. It never loads.
func (l *LoadingStore) DefaultAPI(apiContext string) (*API, bool) {
	return l.store.GetDefaultAPIByContext(apiContext)
}

// KeyMapping returns the key mapping, loading it on a miss.
func (l *LoadingStore) KeyMapping(ctx context.Context, consumerKey, keyManager string) (*KeyMapping, bool) {
	return load(ctx, l, KindKeyMapping, KeyMappingKey(consumerKey, keyManager),
		func() (*KeyMapping, bool) { return l.store.GetKeyMapping(consumerKey, keyManager) },
		func(ctx context.Context) (*KeyMapping, error) {
			return l.loader.LoadKeyMapping(ctx, consumerKey, keyManager)
		},
	)
}

// Application returns the application, loading it on a miss.
func (l *LoadingStore) Application(ctx context.Context, id int32) (*Application, bool) {
	return load(ctx, l, KindApplication, ApplicationKey(id),
		func() (*Application, bool) { return l.store.GetApplicationByID(id) },
		func(ctx context.Context) (*Application, error) { return l.loader.LoadApplication(ctx, id) },
	)
}

// Subscription returns the subscription, loading it on a miss.
func (l *LoadingStore) Subscription(ctx context.Context, appID, apiID int32) (*Subscription, bool) {
	return load(ctx, l, KindSubscription, SubscriptionKey(appID, apiID),
		func() (*Subscription, bool) { return l.store.GetSubscriptionByID(appID, apiID) },
		func(ctx context.Context) (*Subscription, error) { return l.loader.LoadSubscription(ctx, appID, apiID) },
	)
}

// ApplicationPolicy returns the application policy, loading it on a miss.
func (l *LoadingStore) ApplicationPolicy(ctx context.Context, name, tenant string) (*Policy, bool) {
	return l.policy(ctx, KindApplicationPolicy, name, tenant, l.store.GetApplicationPolicyByName)
}

// SubscriptionPolicy returns the subscription policy, loading it on a miss.
func (l *LoadingStore) SubscriptionPolicy(ctx context.Context, name, tenant string) (*Policy, bool) {
	return l.policy(ctx, KindSubscriptionPolicy, name, tenant, l.store.GetSubscriptionPolicyByName)
}

// APIPolicy returns the API policy, loading it on a miss.
func (l *LoadingStore) APIPolicy(ctx context.Context, name, tenant string) (*Policy, bool) {
	return l.policy(ctx, KindAPIPolicy, name, tenant, l.store.GetAPIPolicyByName)
}

func (l *LoadingStore) policy(
	ctx context.Context,
	kind Kind,
	name, tenant string,
	get func(name, tenant string) (*Policy, bool),
) (*Policy, bool) {
	if name == "" {
		return nil, false
	}
	typ, _ := PolicyTypeOf(kind)
	return load(ctx, l, kind, PolicyKey(typ, name, tenant),
		func() (*Policy, bool) { return get(name, tenant) },
		func(ctx context.Context) (*Policy, error) { return l.loader.LoadPolicy(ctx, kind, name, tenant) },
	)
}

// load returns the cached entity or loads, stores and re-reads it. Loader
// failures are logged and reported as a miss.
func load[T Entity](
	ctx context.Context,
	l *LoadingStore,
	kind Kind,
	key string,
	cached func() (T, bool),
	fetch func(ctx context.Context) (T, error),
) (T, bool) {
	if v, ok := cached(); ok {
		return v, true
	}
	var zero T
	if l.loader == nil {
		return zero, false
	}

	_, err, _ := l.group.Do(string(kind)+"/"+key, func() (interface{}, error) {
		// Another flight may have stored it between our miss and now.
		if _, ok := cached(); ok {
			return nil, nil
		}
		return nil, l.fetchAndStore(ctx, kind, key, func(ctx context.Context) (Entity, error) {
			v, err := fetch(ctx)
			if err != nil {
				return nil, err
			}
			return v, nil
		})
	})
	if err != nil {
		return zero, false
	}
	return cached()
}

func (l *LoadingStore) fetchAndStore(
	ctx context.Context,
	kind Kind,
	key string,
	fetch func(ctx context.Context) (Entity, error),
) error {
	logger := l.logger.WithContext(ctx).With(
		observability.String("kind", string(kind)),
		observability.String("key", key),
	)

	if l.limiter != nil && !l.limiter.Allow() {
		l.metrics.RecordFallbackLoad(string(kind), loadRateLimited, 0)
		logger.Warn("on-demand load rate limited")
		return ErrNotFound
	}

	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()
	loadCtx, span := l.tracer.StartSpan(loadCtx, "subscription.Load",
		attribute.String("subscription.kind", string(kind)),
		attribute.String("subscription.key", key),
	)
	defer span.End()

	start := time.Now()
	item, err := fetch(loadCtx)
	duration := time.Since(start)

	switch {
	case errors.Is(err, ErrNotFound):
		l.metrics.RecordFallbackLoad(string(kind), loadNotFound, duration)
		logger.Debug("entity not found remotely")
		return err
	case err != nil:
		l.metrics.RecordFallbackLoad(string(kind), loadError, duration)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("on-demand load failed", observability.Error(err))
		return err
	}

	if _, err := l.store.ApplyDelta(Delta{Kind: kind, Op: OpUpsert, Item: item}); err != nil {
		l.metrics.RecordFallbackLoad(string(kind), loadError, duration)
		logger.Error("loaded entity rejected by store", observability.Error(err))
		return err
	}
	l.metrics.RecordFallbackLoad(string(kind), loadFound, duration)
	logger.Debug("entity loaded", observability.Duration("duration", duration))
	return nil
}
