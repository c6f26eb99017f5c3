package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/enforcer/internal/config"
	"github.com/vyrodovalexey/enforcer/internal/observability"
	"github.com/vyrodovalexey/enforcer/internal/subscription"
)

// Event types published by the control plane.
const (
	EventAPICreate                 = "API_CREATE"
	EventAPIUpdate                 = "API_UPDATE"
	EventAPILifecycleChange        = "API_LIFECYCLE_CHANGE"
	EventAPIDelete                 = "API_DELETE"
	EventApplicationCreate         = "APPLICATION_CREATE"
	EventApplicationUpdate         = "APPLICATION_UPDATE"
	EventApplicationDelete         = "APPLICATION_DELETE"
	EventApplicationRegistration   = "APPLICATION_REGISTRATION_CREATE"
	EventApplicationRegistrationRm = "APPLICATION_REGISTRATION_DELETE"
	EventSubscriptionCreate        = "SUBSCRIPTIONS_CREATE"
	EventSubscriptionUpdate        = "SUBSCRIPTIONS_UPDATE"
	EventSubscriptionDelete        = "SUBSCRIPTIONS_DELETE"
	EventPolicyCreate              = "POLICY_CREATE"
	EventPolicyUpdate              = "POLICY_UPDATE"
	EventPolicyDelete              = "POLICY_DELETE"
	EventTokenRevocation           = "TOKEN_REVOCATION"
)

// Errors returned by Apply.
var (
	ErrUnknownEvent  = errors.New("unknown event type")
	ErrInvalidEvent  = errors.New("invalid event payload")
	ErrNoRevocations = errors.New("token revocation is not configured")
)

// Event is one change notification.
type Event struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Tenant    string          `json:"tenant,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// TokenRevocation is the payload of EventTokenRevocation.
type TokenRevocation struct {
	JTI        string `json:"revokedToken"`
	ExpiryTime int64  `json:"expiryTime"`
}

// Revoker records revoked token ids.
type Revoker interface {
	Add(jti string, expiresAt time.Time)
}

// EventListener applies change events from a Redis channel to the store.
type EventListener struct {
	client  *redis.Client
	channel string
	store   subscription.Store
	revoker Revoker
	logger  observability.Logger
	metrics *observability.Metrics
	ready   chan struct{}
	once    sync.Once
}

// EventOption is a functional option for EventListener.
type EventOption func(*EventListener)

// WithEventLogger sets the logger.
func WithEventLogger(logger observability.Logger) EventOption {
	return func(l *EventListener) {
		l.logger = logger
	}
}

// WithEventMetrics sets the metrics.
func WithEventMetrics(metrics *observability.Metrics) EventOption {
	return func(l *EventListener) {
		l.metrics = metrics
	}
}

// WithRevoker sets where revoked token ids go.
func WithRevoker(r Revoker) EventOption {
	return func(l *EventListener) {
		l.revoker = r
	}
}

// NewEventListener creates a listener for cfg. It does not connect until
// Run.
func NewEventListener(cfg config.EventsConfig, store subscription.Store, opts ...EventOption) *EventListener {
	channel := cfg.Channel
	if channel == "" {
		channel = config.DefaultEventsChannel
	}
	l := &EventListener{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		channel: channel,
		store:   store,
		logger:  observability.NopLogger(),
		ready:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.metrics == nil {
		l.metrics = observability.NewMetrics("")
	}
	return l
}

// Subscribed is closed once the listener is subscribed.
func (l *EventListener) Subscribed() <-chan struct{} {
	return l.ready
}

// Run subscribes and applies events until ctx is done. A malformed event is
// logged and skipped.
func (l *EventListener) Run(ctx context.Context) error {
	pubsub := l.client.Subscribe(ctx, l.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", l.channel, err)
	}
	l.once.Do(func() { close(l.ready) })
	l.logger.Info("listening for change events", observability.String("channel", l.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			l.handle(msg.Payload)
		}
	}
}

// Listen calls Run until ctx is done, resubscribing with exponential
// backoff after a failure.
func (l *EventListener) Listen(ctx context.Context, initialBackoff, maxBackoff time.Duration) {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(initialBackoff),
		backoff.WithMaxInterval(maxBackoff),
		backoff.WithMaxElapsedTime(0),
	)
	for {
		err := l.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		delay := b.NextBackOff()
		l.logger.Warn("event subscription ended, resubscribing",
			observability.String("channel", l.channel),
			observability.Duration("backoff", delay),
			observability.Error(err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Ping checks the Redis connection.
func (l *EventListener) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close releases the Redis client.
func (l *EventListener) Close() error {
	return l.client.Close()
}

func (l *EventListener) handle(payload string) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		l.metrics.RecordEvent("unknown", "invalid")
		l.logger.Warn("dropping malformed event", observability.Error(err))
		return
	}
	if err := l.Apply(ev); err != nil {
		l.metrics.RecordEvent(ev.Type, "error")
		l.logger.Warn("failed to apply event",
			observability.String("type", ev.Type),
			observability.Error(err),
		)
		return
	}
	l.metrics.RecordEvent(ev.Type, "applied")
}

// Apply applies one event.
func (l *EventListener) Apply(ev Event) error {
	switch ev.Type {
	case EventAPICreate, EventAPIUpdate, EventAPILifecycleChange:
		return l.delta(subscription.KindAPI, subscription.OpUpsert, ev)
	case EventAPIDelete:
		return l.delta(subscription.KindAPI, subscription.OpRemove, ev)
	case EventApplicationCreate, EventApplicationUpdate:
		return l.delta(subscription.KindApplication, subscription.OpUpsert, ev)
	case EventApplicationDelete:
		return l.delta(subscription.KindApplication, subscription.OpRemove, ev)
	case EventApplicationRegistration:
		return l.delta(subscription.KindKeyMapping, subscription.OpUpsert, ev)
	case EventApplicationRegistrationRm:
		return l.delta(subscription.KindKeyMapping, subscription.OpRemove, ev)
	case EventSubscriptionCreate, EventSubscriptionUpdate:
		return l.delta(subscription.KindSubscription, subscription.OpUpsert, ev)
	case EventSubscriptionDelete:
		return l.delta(subscription.KindSubscription, subscription.OpRemove, ev)
	case EventPolicyCreate, EventPolicyUpdate:
		return l.policy(subscription.OpUpsert, ev)
	case EventPolicyDelete:
		return l.policy(subscription.OpRemove, ev)
	case EventTokenRevocation:
		return l.revoke(ev)
	}
	return fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
}

func (l *EventListener) delta(kind subscription.Kind, op subscription.Op, ev Event) error {
	item, err := DecodeEntity(kind, ev.Payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if sub, ok := item.(*subscription.Subscription); ok && sub.Timestamp == 0 {
		sub.Timestamp = ev.Timestamp
	}
	applied, err := l.store.ApplyDelta(subscription.Delta{Kind: kind, Op: op, Item: item})
	if err != nil {
		return err
	}
	if !applied {
		l.logger.Debug("event did not change the store",
			observability.String("type", ev.Type),
			observability.String("key", item.CacheKey()),
		)
	}
	return nil
}

func (l *EventListener) policy(op subscription.Op, ev Event) error {
	var head struct {
		Type subscription.PolicyType `json:"policyType"`
	}
	if err := json.Unmarshal(ev.Payload, &head); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}

	var kind subscription.Kind
	switch head.Type {
	case subscription.PolicyTypeApplication:
		kind = subscription.KindApplicationPolicy
	case subscription.PolicyTypeSubscription:
		kind = subscription.KindSubscriptionPolicy
	case subscription.PolicyTypeAPI:
		kind = subscription.KindAPIPolicy
	default:
		return fmt.Errorf("%w: policy type %q", ErrInvalidEvent, head.Type)
	}

	var p subscription.Policy
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if p.Tenant == "" {
		p.Tenant = ev.Tenant
	}
	_, err := l.store.ApplyDelta(subscription.Delta{Kind: kind, Op: op, Item: &p})
	return err
}

func (l *EventListener) revoke(ev Event) error {
	if l.revoker == nil {
		return ErrNoRevocations
	}
	var r TokenRevocation
	if err := json.Unmarshal(ev.Payload, &r); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if r.JTI == "" {
		return fmt.Errorf("%w: missing token id", ErrInvalidEvent)
	}
	var exp time.Time
	if r.ExpiryTime > 0 {
		exp = time.UnixMilli(r.ExpiryTime)
	}
	l.revoker.Add(r.JTI, exp)
	return nil
}
