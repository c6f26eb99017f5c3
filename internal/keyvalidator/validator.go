// Package keyvalidator checks that a consumer key is subscribed to the
// requested API and that the token scopes cover the requested resources.
package keyvalidator

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vyrodovalexey/enforcer/internal/apierror"
	"github.com/vyrodovalexey/enforcer/internal/observability"
	"github.com/vyrodovalexey/enforcer/internal/subscription"
)

// DefaultVersionPrefix marks a request for the default version of an API.
const DefaultVersionPrefix = "_default_"

// APILevelThrottlingKey is the throttle key attached to every verdict.
const APILevelThrottlingKey = "api_level_throttling_key"

// UnlimitedTier is the tier used when subscriptions are not validated.
const UnlimitedTier = "Unlimited"

// Verdict carries the subscription details of an authorized request.
type Verdict struct {
	Authorized              bool
	DefaultVersionRequested bool
	KeyType                 string

	APIName      string
	APIVersion   string
	APIContext   string
	APIPublisher string
	APIUUID      string
	APITier      string

	ApplicationID         int32
	ApplicationUUID       string
	ApplicationName       string
	ApplicationTier       string
	ApplicationAttributes map[string]string
	Subscriber            string
	SubscriberTenant      string

	SubscriptionTier     string
	ContentAware         bool
	SpikeArrestLimit     int32
	SpikeArrestUnit      string
	StopOnQuotaReach     bool
	GraphQLMaxDepth      int32
	GraphQLMaxComplexity int32
	ThrottlingDataList   []string
}

// Unlimited is the verdict for issuers that skip subscription validation.
func Unlimited(keyType string) *Verdict {
	if keyType == "" {
		keyType = subscription.KeyTypeProduction
	}
	return &Verdict{
		Authorized:         true,
		KeyType:            keyType,
		APITier:            UnlimitedTier,
		ApplicationTier:    UnlimitedTier,
		SubscriptionTier:   UnlimitedTier,
		ThrottlingDataList: []string{APILevelThrottlingKey},
	}
}

// Validator resolves subscriptions through a loading store.
type Validator struct {
	store  *subscription.LoadingStore
	logger observability.Logger
	tracer *observability.Tracer
}

// Option is a functional option for Validator.
type Option func(*Validator)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(v *Validator) {
		v.logger = logger
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer *observability.Tracer) Option {
	return func(v *Validator) {
		v.tracer = tracer
	}
}

// New creates a validator over store.
func New(store *subscription.LoadingStore, opts ...Option) *Validator {
	v := &Validator{
		store:  store,
		logger: observability.NopLogger(),
		tracer: observability.NopTracer(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// SubscriptionRequest is the input of ValidateSubscription.
type SubscriptionRequest struct {
	APIContext  string
	Version     string
	ConsumerKey string
	KeyManager  string
	// WebSocket marks an upgrade request. Only those may fall back to the
	// default version of an API.
	WebSocket bool
}

// ValidateSubscription checks that the consumer key of req holds a usable
// subscription to the requested API. Denials are *apierror.Error values.
func (v *Validator) ValidateSubscription(ctx context.Context, req SubscriptionRequest) (verdict *Verdict, err error) {
	apiContext, consumerKey, keyManager := req.APIContext, req.ConsumerKey, req.KeyManager
	ctx, span := v.tracer.StartSpan(ctx, "keyvalidator.ValidateSubscription",
		attribute.String("enforcer.api.context", apiContext),
		attribute.String("enforcer.api.version", req.Version),
	)
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, apierror.KindOf(err).String())
		}
		span.End()
	}()
	logger := v.logger.WithContext(ctx).With(
		observability.String("context", apiContext),
		observability.String("version", req.Version),
	)

	version, defaultRequested := strings.CutPrefix(req.Version, DefaultVersionPrefix)

	api, ok := v.store.API(ctx, apiContext, version)
	if !ok && defaultRequested && req.WebSocket {
		api, ok = v.store.DefaultAPI(apiContext)
	}
	if !ok {
		logger.Info("API not found")
		return nil, apierror.New(apierror.ResourceForbidden, "API not found")
	}

	key, ok := v.store.KeyMapping(ctx, consumerKey, keyManager)
	if !ok {
		logger.Info("application key mapping not found", observability.String("consumer_key", consumerKey))
		return nil, apierror.New(apierror.ResourceForbidden, "application key mapping not found")
	}

	app, ok := v.store.Application(ctx, key.ApplicationID)
	if !ok {
		logger.Info("application not found", observability.Int("application_id", int(key.ApplicationID)))
		return nil, apierror.New(apierror.ResourceForbidden, "application not found")
	}

	sub, ok := v.store.Subscription(ctx, app.ID, api.ID)
	if !ok {
		logger.Info("subscription not found",
			observability.String("application", app.Name),
			observability.String("api", api.Name),
		)
		return nil, apierror.New(apierror.ResourceForbidden, "subscription not found")
	}

	keyType := key.KeyType
	if keyType == "" {
		keyType = subscription.KeyTypeProduction
	}
	if err := checkState(sub.State, keyType, api.Status); err != nil {
		logger.Info("subscription denied",
			observability.String("state", string(sub.State)),
			observability.String("key_type", keyType),
		)
		return nil, err
	}

	verdict = &Verdict{
		Authorized:              true,
		DefaultVersionRequested: defaultRequested,
		KeyType:                 keyType,
		APIName:                 api.Name,
		APIVersion:              api.Version,
		APIContext:              api.Context,
		APIPublisher:            api.Provider,
		APIUUID:                 api.UUID,
		APITier:                 api.Policy,
		ApplicationID:           app.ID,
		ApplicationUUID:         app.UUID,
		ApplicationName:         app.Name,
		ApplicationTier:         app.Policy,
		ApplicationAttributes:   app.Attributes,
		Subscriber:              app.SubName,
		SubscriberTenant:        app.Tenant,
		SubscriptionTier:        sub.PolicyID,
		ThrottlingDataList:      []string{APILevelThrottlingKey},
	}
	v.applyPolicies(ctx, verdict, api.Tenant)
	return verdict, nil
}

// checkState maps a subscription state to a denial. Unknown states allow.
func checkState(state subscription.State, keyType, apiStatus string) error {
	switch state {
	case subscription.StateBlocked:
		return apierror.New(apierror.APIBlocked, "subscription is blocked")
	case subscription.StateOnHold, subscription.StateRejected:
		return apierror.New(apierror.SubscriptionInactive, "subscription is "+string(state))
	case subscription.StateProdOnlyBlocked:
		if keyType != subscription.KeyTypeSandbox {
			return apierror.New(apierror.APIBlocked, "subscription is blocked for production keys")
		}
	}
	if strings.EqualFold(apiStatus, string(subscription.StateBlocked)) {
		return apierror.New(apierror.APIBlocked, "API is blocked")
	}
	return nil
}

// applyPolicies fills the throttling fields. Missing policies contribute
// nothing.
func (v *Validator) applyPolicies(ctx context.Context, verdict *Verdict, tenant string) {
	appPolicy, _ := v.store.ApplicationPolicy(ctx, verdict.ApplicationTier, tenant)
	subPolicy, _ := v.store.SubscriptionPolicy(ctx, verdict.SubscriptionTier, tenant)
	apiPolicy, _ := v.store.APIPolicy(ctx, verdict.APITier, tenant)

	verdict.ContentAware = appPolicy.IsContentAware() || subPolicy.IsContentAware() || apiPolicy.IsContentAware()
	if subPolicy == nil {
		return
	}
	if subPolicy.RateLimitCount > 0 {
		verdict.SpikeArrestLimit = subPolicy.RateLimitCount
	}
	verdict.SpikeArrestUnit = subPolicy.RateLimitTimeUnit
	verdict.StopOnQuotaReach = subPolicy.StopOnQuotaReach
	if subPolicy.GraphQLMaxDepth > 0 {
		verdict.GraphQLMaxDepth = subPolicy.GraphQLMaxDepth
	}
	if subPolicy.GraphQLMaxComplexity > 0 {
		verdict.GraphQLMaxComplexity = subPolicy.GraphQLMaxComplexity
	}
}
