// Package decision combines token, subscription and scope validation into
// a single allow or deny outcome.
package decision

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vyrodovalexey/enforcer/internal/apierror"
	"github.com/vyrodovalexey/enforcer/internal/auth/jwt"
	"github.com/vyrodovalexey/enforcer/internal/keyvalidator"
	"github.com/vyrodovalexey/enforcer/internal/observability"
	"github.com/vyrodovalexey/enforcer/internal/route"
)

// Headers set or removed on allowed requests.
const (
	HeaderAuthorization = "authorization"
	HeaderRequestID     = "x-request-id"
)

// TokenValidator verifies a credential for a route.
type TokenValidator interface {
	Validate(ctx context.Context, token string, r route.Route) (*jwt.Result, error)
}

// SubscriptionValidator checks subscriptions and scopes.
type SubscriptionValidator interface {
	ValidateSubscription(ctx context.Context, req keyvalidator.SubscriptionRequest) (*keyvalidator.Verdict, error)
	ValidateScopes(ctx context.Context, req keyvalidator.ScopeRequest) (bool, error)
}

// Engine renders decisions.
type Engine struct {
	tokens       TokenValidator
	keys         SubscriptionValidator
	cache        *Cache
	usage        UsagePublisher
	outboundAuth bool
	logger       observability.Logger
	tracer       *observability.Tracer
}

// Option is a functional option for Engine.
type Option func(*Engine)

// WithCache enables the decision cache.
func WithCache(cache *Cache) Option {
	return func(e *Engine) {
		e.cache = cache
	}
}

// WithUsagePublisher sets the usage sink.
func WithUsagePublisher(p UsagePublisher) Option {
	return func(e *Engine) {
		e.usage = p
	}
}

// WithOutboundAuthHeader keeps the authorization header on proxied
// requests.
func WithOutboundAuthHeader(keep bool) Option {
	return func(e *Engine) {
		e.outboundAuth = keep
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer *observability.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

// NewEngine creates an engine.
func NewEngine(tokens TokenValidator, keys SubscriptionValidator, opts ...Option) *Engine {
	e := &Engine{
		tokens: tokens,
		keys:   keys,
		usage:  nopPublisher{},
		logger: observability.NopLogger(),
		tracer: observability.NopTracer(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Decide validates the credential of vctx. A denial is returned as an
// *apierror.Error.
func (e *Engine) Decide(ctx context.Context, vctx *ValidationContext) (d *Decision, err error) {
	r := vctx.Route
	ctx, span := e.tracer.StartSpan(ctx, "decision.Decide",
		attribute.String("enforcer.api.context", r.BasePath),
		attribute.String("enforcer.api.version", r.Version),
		attribute.String("enforcer.credential", vctx.CredentialType),
	)
	defer func() {
		if err != nil {
			kind := apierror.KindOf(err)
			span.SetStatus(codes.Error, kind.String())
			e.logger.WithContext(ctx).Debug("request denied",
				observability.String("kind", kind.String()),
				observability.String("context", r.BasePath),
				observability.String("resource", r.Resource),
				observability.Error(err),
			)
		} else {
			span.SetAttributes(attribute.Bool("enforcer.decision_cache_hit", vctx.CacheHit))
		}
		span.End()
	}()

	if vctx.Credential == "" {
		return nil, apierror.New(apierror.MissingCredentials, "")
	}

	claims, err := e.tokens.Validate(ctx, vctx.Credential, r)
	if err != nil {
		return nil, err
	}

	verdict, err := e.subscription(ctx, claims, r)
	if err != nil {
		return nil, err
	}
	vctx.Verdict = verdict

	key := CacheKey(claims.Signature, r.BasePath, r.Version, r.Method, r.Resource)
	vctx.CacheHit = e.cache.Contains(key)

	if _, err := e.keys.ValidateScopes(ctx, keyvalidator.ScopeRequest{
		APIContext: r.BasePath,
		Version:    r.Version,
		Method:     r.Method,
		Resources:  r.Resources(),
		Scopes:     claims.Scopes,
		CacheHit:   vctx.CacheHit,
		WebSocket:  r.WebSocket,
	}); err != nil {
		return nil, err
	}

	if !vctx.CacheHit {
		e.cache.Put(key, claims.ExpiresAt)
	}

	d = e.build(vctx, claims)
	e.publish(ctx, vctx)
	return d, nil
}

func (e *Engine) subscription(ctx context.Context, claims *jwt.Result, r route.Route) (*keyvalidator.Verdict, error) {
	if !claims.ValidateSubscriptions {
		return keyvalidator.Unlimited(""), nil
	}
	return e.keys.ValidateSubscription(ctx, keyvalidator.SubscriptionRequest{
		APIContext:  r.BasePath,
		Version:     r.Version,
		ConsumerKey: claims.ConsumerKey,
		KeyManager:  claims.KeyManager,
		WebSocket:   r.WebSocket,
	})
}

func (e *Engine) build(vctx *ValidationContext, claims *jwt.Result) *Decision {
	d := newDecision(vctx)
	d.Verdict = vctx.Verdict
	d.Claims = claims
	d.CacheHit = vctx.CacheHit

	if vctx.CorrelationID != "" {
		d.Headers[HeaderRequestID] = vctx.CorrelationID
	}

	switch vctx.CredentialType {
	case CredentialAPIKey:
		if vctx.Route.APIKeyIn == route.InQuery {
			d.QueryRemove[vctx.Route.APIKeyName] = struct{}{}
		} else {
			d.RemoveHeaders = append(d.RemoveHeaders, strings.ToLower(vctx.Route.APIKeyName))
		}
	default:
		if !e.outboundAuth {
			d.RemoveHeaders = append(d.RemoveHeaders, HeaderAuthorization)
		}
	}
	return d
}

// Open allows a request on a route without security. Only the correlation
// header is set.
func (e *Engine) Open(vctx *ValidationContext) *Decision {
	d := newDecision(vctx)
	if vctx.CorrelationID != "" {
		d.Headers[HeaderRequestID] = vctx.CorrelationID
	}
	return d
}

func (e *Engine) publish(ctx context.Context, vctx *ValidationContext) {
	v := vctx.Verdict
	if v == nil {
		return
	}
	e.usage.Publish(ctx, UsageEvent{
		CorrelationID:    vctx.CorrelationID,
		APIContext:       vctx.Route.BasePath,
		APIVersion:       vctx.Route.Version,
		Resource:         vctx.Route.Resource,
		Method:           vctx.Route.Method,
		ApplicationID:    v.ApplicationID,
		ApplicationTier:  v.ApplicationTier,
		SubscriptionTier: v.SubscriptionTier,
		APITier:          v.APITier,
		KeyType:          v.KeyType,
		ThrottleKeys:     v.ThrottlingDataList,
	})
}
