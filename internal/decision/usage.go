package decision

import (
	"context"

	"github.com/vyrodovalexey/enforcer/internal/observability"
)

// UsageEvent describes one allowed request for throttling and analytics.
type UsageEvent struct {
	CorrelationID    string
	APIContext       string
	APIVersion       string
	Resource         string
	Method           string
	ApplicationID    int32
	ApplicationTier  string
	SubscriptionTier string
	APITier          string
	KeyType          string
	ThrottleKeys     []string
}

// UsagePublisher receives usage events. Publishing is best effort and must
// not block the request.
type UsagePublisher interface {
	Publish(ctx context.Context, ev UsageEvent)
}

// LogPublisher writes usage events to a logger.
type LogPublisher struct {
	logger observability.Logger
}

// NewLogPublisher creates a publisher writing at debug level.
func NewLogPublisher(logger observability.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish implements UsagePublisher.
func (p *LogPublisher) Publish(ctx context.Context, ev UsageEvent) {
	p.logger.WithContext(ctx).Debug("request usage",
		observability.String("correlation_id", ev.CorrelationID),
		observability.String("api_context", ev.APIContext),
		observability.String("api_version", ev.APIVersion),
		observability.String("resource", ev.Resource),
		observability.String("method", ev.Method),
		observability.Int("application_id", int(ev.ApplicationID)),
		observability.String("application_tier", ev.ApplicationTier),
		observability.String("subscription_tier", ev.SubscriptionTier),
		observability.String("api_tier", ev.APITier),
		observability.String("key_type", ev.KeyType),
		observability.Strings("throttle_keys", ev.ThrottleKeys),
	)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, UsageEvent) {}
