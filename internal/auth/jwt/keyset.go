package jwt

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/vyrodovalexey/enforcer/internal/circuitbreaker"
	"github.com/vyrodovalexey/enforcer/internal/observability"
)

// KeySet resolves the verification key for a token key id.
type KeySet interface {
	LookupKey(ctx context.Context, kid string) (jwk.Key, error)
}

// StaticKeySet serves a single key parsed from an issuer certificate.
type StaticKeySet struct {
	key jwk.Key
}

// NewStaticKeySet creates a key set holding key.
func NewStaticKeySet(key jwk.Key) *StaticKeySet {
	return &StaticKeySet{key: key}
}

// LookupKey returns the static key regardless of kid.
func (s *StaticKeySet) LookupKey(_ context.Context, kid string) (jwk.Key, error) {
	if s.key == nil {
		return nil, NewKeyError(kid, "no static key configured", ErrKeyNotFound)
	}
	return s.key, nil
}

const (
	defaultJWKSTimeout = 10 * time.Second
	jwksFlightKey      = "jwks"
)

// JWKSKeySet caches a remote JWKS and refreshes it when a kid is unknown
// or the refresh interval elapsed.
type JWKSKeySet struct {
	url             string
	client          *http.Client
	timeout         time.Duration
	refreshInterval time.Duration
	logger          observability.Logger
	metrics         *Metrics
	breaker         *gobreaker.CircuitBreaker
	breakerSettings circuitbreaker.Settings

	group     singleflight.Group
	mu        sync.RWMutex
	set       jwk.Set
	fetchedAt time.Time
}

// JWKSOption is a functional option for JWKSKeySet.
type JWKSOption func(*JWKSKeySet)

// WithHTTPClient sets the HTTP client used for fetching.
func WithHTTPClient(client *http.Client) JWKSOption {
	return func(k *JWKSKeySet) {
		k.client = client
	}
}

// WithFetchTimeout bounds a single fetch.
func WithFetchTimeout(timeout time.Duration) JWKSOption {
	return func(k *JWKSKeySet) {
		k.timeout = timeout
	}
}

// WithRefreshInterval makes lookups refresh a set older than interval.
// Zero keeps a set until an unknown kid is seen.
func WithRefreshInterval(interval time.Duration) JWKSOption {
	return func(k *JWKSKeySet) {
		k.refreshInterval = interval
	}
}

// WithJWKSLogger sets the logger.
func WithJWKSLogger(logger observability.Logger) JWKSOption {
	return func(k *JWKSKeySet) {
		k.logger = logger
	}
}

// WithJWKSMetrics sets the metrics.
func WithJWKSMetrics(metrics *Metrics) JWKSOption {
	return func(k *JWKSKeySet) {
		k.metrics = metrics
	}
}

// WithBreaker sets the circuit breaker wrapping fetches.
func WithBreaker(cb *gobreaker.CircuitBreaker) JWKSOption {
	return func(k *JWKSKeySet) {
		k.breaker = cb
	}
}

// WithBreakerSettings configures the breaker created for each key set.
// It is ignored when WithBreaker is given.
func WithBreakerSettings(threshold int, timeout time.Duration) JWKSOption {
	return func(k *JWKSKeySet) {
		k.breakerSettings.Threshold = threshold
		k.breakerSettings.Timeout = timeout
	}
}

// NewJWKSKeySet creates a key set for the JWKS at url. Nothing is fetched
// until the first lookup.
func NewJWKSKeySet(url string, opts ...JWKSOption) *JWKSKeySet {
	k := &JWKSKeySet{
		url:     url,
		timeout: defaultJWKSTimeout,
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.client == nil {
		k.client = &http.Client{Timeout: k.timeout}
	}
	if k.metrics == nil {
		k.metrics = NewMetrics("")
	}
	if k.breaker == nil {
		k.breakerSettings.Name = "jwks:" + url
		k.breaker = circuitbreaker.New(k.breakerSettings, k.logger)
	}
	return k
}

// LookupKey returns the key for kid, refreshing the set once on a miss.
func (k *JWKSKeySet) LookupKey(ctx context.Context, kid string) (jwk.Key, error) {
	set, fetchedAt := k.current()
	fresh := set != nil && (k.refreshInterval <= 0 || time.Since(fetchedAt) < k.refreshInterval)
	if fresh {
		if key, ok := findKey(set, kid); ok {
			return key, nil
		}
	}

	refreshed, err := k.Refresh(ctx)
	if err != nil {
		// A stale set still serves known kids while the endpoint is failing.
		if set != nil {
			if key, ok := findKey(set, kid); ok {
				k.logger.Warn("JWKS refresh failed, using cached keys",
					observability.String("url", k.url),
					observability.Error(err),
				)
				return key, nil
			}
		}
		return nil, NewKeyError(kid, "key set unavailable", err)
	}

	if key, ok := findKey(refreshed, kid); ok {
		return key, nil
	}
	return nil, NewKeyError(kid, "kid not present in JWKS", ErrKeyNotFound)
}

// Refresh fetches the key set. Concurrent calls share one fetch.
func (k *JWKSKeySet) Refresh(ctx context.Context) (jwk.Set, error) {
	v, err, _ := k.group.Do(jwksFlightKey, func() (interface{}, error) {
		// The fetch outlives the caller that started it.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.timeout)
		defer cancel()

		start := time.Now()
		res, err := k.breaker.Execute(func() (interface{}, error) {
			return jwk.Fetch(fetchCtx, k.url, jwk.WithHTTPClient(k.client))
		})
		if err != nil {
			k.metrics.RecordJWKSRefresh("error", time.Since(start))
			return nil, NewKeyError("", k.url, fmt.Errorf("%w: %w", ErrJWKSFetchFailed, err))
		}
		set := res.(jwk.Set)

		k.mu.Lock()
		k.set = set
		k.fetchedAt = time.Now()
		k.mu.Unlock()

		k.metrics.RecordJWKSRefresh("success", time.Since(start))
		k.logger.Debug("JWKS refreshed",
			observability.String("url", k.url),
			observability.Int("keys", set.Len()),
		)
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(jwk.Set), nil
}

func (k *JWKSKeySet) current() (jwk.Set, time.Time) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.set, k.fetchedAt
}

// findKey looks kid up in set. An empty kid matches a single-key set.
func findKey(set jwk.Set, kid string) (jwk.Key, bool) {
	if kid != "" {
		return set.LookupKeyID(kid)
	}
	if set.Len() == 1 {
		return set.Key(0)
	}
	return nil, false
}
