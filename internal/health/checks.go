package health

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrNotReady is returned by a readiness check with pending sources.
var ErrNotReady = errors.New("not ready")

// HealthCheck is a single named probe.
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// DependencyCheck adapts a function into a HealthCheck.
type DependencyCheck struct {
	name     string
	check    func(ctx context.Context) error
	critical bool
}

// DependencyCheckOption is a functional option for DependencyCheck.
type DependencyCheckOption func(*DependencyCheck)

// WithCritical marks whether a failing check gates readiness. Checks are
// critical by default.
func WithCritical(critical bool) DependencyCheckOption {
	return func(d *DependencyCheck) {
		d.critical = critical
	}
}

// NewDependencyCheck creates a check from fn.
func NewDependencyCheck(name string, fn func(ctx context.Context) error, opts ...DependencyCheckOption) *DependencyCheck {
	d := &DependencyCheck{name: name, check: fn, critical: true}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name implements HealthCheck.
func (d *DependencyCheck) Name() string {
	return d.name
}

// Check implements HealthCheck.
func (d *DependencyCheck) Check(ctx context.Context) error {
	return d.check(ctx)
}

// IsCritical reports whether the check gates readiness.
func (d *DependencyCheck) IsCritical() bool {
	return d.critical
}

// Pinger is a dependency that can be pinged, such as a Redis client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RedisCheck pings a Redis backed component.
func RedisCheck(name string, p Pinger, opts ...DependencyCheckOption) *DependencyCheck {
	return NewDependencyCheck(name, p.Ping, opts...)
}

// PendingSource reports the sources that have not become ready.
type PendingSource interface {
	Pending() []string
}

// ReadinessCheck fails while src has pending sources.
func ReadinessCheck(name string, src PendingSource, opts ...DependencyCheckOption) *DependencyCheck {
	return NewDependencyCheck(name, func(context.Context) error {
		if pending := src.Pending(); len(pending) > 0 {
			return errors.Join(ErrNotReady, errors.New("waiting for "+strings.Join(pending, ", ")))
		}
		return nil
	}, opts...)
}

// CachedHealthCheck remembers the result of a check for a TTL.
type CachedHealthCheck struct {
	check HealthCheck
	ttl   time.Duration
	now   func() time.Time

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// NewCachedHealthCheck wraps check.
func NewCachedHealthCheck(check HealthCheck, ttl time.Duration) *CachedHealthCheck {
	return &CachedHealthCheck{check: check, ttl: ttl, now: time.Now}
}

// Name implements HealthCheck.
func (c *CachedHealthCheck) Name() string {
	return c.check.Name()
}

// IsCritical follows the wrapped check.
func (c *CachedHealthCheck) IsCritical() bool {
	return isCritical(c.check)
}

// Check implements HealthCheck.
func (c *CachedHealthCheck) Check(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !c.lastCheck.IsZero() && now.Sub(c.lastCheck) < c.ttl {
		return c.lastErr
	}
	c.lastErr = c.check.Check(ctx)
	c.lastCheck = now
	return c.lastErr
}

type criticality interface {
	IsCritical() bool
}

func isCritical(check HealthCheck) bool {
	if c, ok := check.(criticality); ok {
		return c.IsCritical()
	}
	return true
}
