// Package circuitbreaker builds gobreaker circuit breakers with the
// trip policy and state-change logging shared by outbound clients.
package circuitbreaker

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/enforcer/internal/observability"
)

// Defaults used when Settings leaves a field zero.
const (
	DefaultThreshold = 5
	DefaultTimeout   = 30 * time.Second
)

// Settings configures a breaker.
type Settings struct {
	Name string
	// Threshold is the minimum number of requests in an interval before the
	// failure ratio is considered.
	Threshold int
	Timeout   time.Duration
	// IsSuccessful classifies errors; nil treats every error as a failure.
	IsSuccessful func(error) bool
	// OnStateChange is called after the transition is logged.
	OnStateChange func(name string, from, to gobreaker.State)
}

// New creates a breaker that opens when at least half of Threshold or more
// requests failed within Timeout.
func New(s Settings, logger observability.Logger) *gobreaker.CircuitBreaker {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if s.Threshold <= 0 {
		s.Threshold = DefaultThreshold
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	threshold := safeIntToUint32(s.Threshold)

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Interval:    s.Timeout,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < threshold {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
			if s.OnStateChange != nil {
				s.OnStateChange(name, from, to)
			}
		},
		IsSuccessful: s.IsSuccessful,
	})
}

// IsOpen reports whether err was returned because the breaker rejected the call.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > int(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n) //nolint:gosec // bounds checked above
}
