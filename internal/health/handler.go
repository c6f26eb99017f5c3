package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/enforcer/internal/observability"
)

// Probe timeouts.
const (
	DefaultReadinessProbeTimeout = 5 * time.Second
	DefaultLivenessProbeTimeout  = 10 * time.Second
)

// Status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// HandlerConfig holds the probe timeouts.
type HandlerConfig struct {
	ReadinessProbeTimeout time.Duration
	LivenessProbeTimeout  time.Duration
}

// DefaultHandlerConfig returns a HandlerConfig with default values.
func DefaultHandlerConfig() *HandlerConfig {
	return &HandlerConfig{
		ReadinessProbeTimeout: DefaultReadinessProbeTimeout,
		LivenessProbeTimeout:  DefaultLivenessProbeTimeout,
	}
}

// Handler serves the probe endpoints.
type Handler struct {
	checks    []HealthCheck
	logger    observability.Logger
	mu        sync.RWMutex
	startTime time.Time
	config    *HandlerConfig
}

// HealthStatus is the probe response body.
type HealthStatus struct {
	Status    string                  `json:"status"`
	Timestamp time.Time               `json:"timestamp"`
	Uptime    string                  `json:"uptime,omitempty"`
	Checks    map[string]*CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Duration  string    `json:"duration,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewHandler creates a handler with default timeouts.
func NewHandler(logger observability.Logger) *Handler {
	return NewHandlerWithConfig(logger, nil)
}

// NewHandlerWithConfig creates a handler with the given timeouts.
func NewHandlerWithConfig(logger observability.Logger, config *HandlerConfig) *Handler {
	if config == nil {
		config = DefaultHandlerConfig()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Handler{
		logger:    logger,
		startTime: time.Now(),
		config:    config,
	}
}

// AddCheck adds a health check.
func (h *Handler) AddCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// RemoveCheck removes a health check by name.
func (h *Handler) RemoveCheck(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, check := range h.checks {
		if check.Name() == name {
			h.checks = append(h.checks[:i], h.checks[i+1:]...)
			return
		}
	}
}

// LivenessHandler answers 200 while the process is running.
func (h *Handler) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    StatusOK,
			"timestamp": time.Now().UTC(),
		})
	}
}

// ReadinessHandler runs the critical checks.
func (h *Handler) ReadinessHandler() gin.HandlerFunc {
	return h.probe(h.config.ReadinessProbeTimeout, DefaultReadinessProbeTimeout, true)
}

// HealthHandler runs every check and reports uptime.
func (h *Handler) HealthHandler() gin.HandlerFunc {
	return h.probe(h.config.LivenessProbeTimeout, DefaultLivenessProbeTimeout, false)
}

func (h *Handler) probe(timeout, fallback time.Duration, criticalOnly bool) gin.HandlerFunc {
	if timeout <= 0 {
		timeout = fallback
	}
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		status := h.runChecks(ctx, criticalOnly)
		if !criticalOnly {
			status.Uptime = time.Since(h.startTime).String()
		}

		code := http.StatusOK
		if status.Status != StatusOK {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	}
}

func (h *Handler) runChecks(ctx context.Context, criticalOnly bool) *HealthStatus {
	h.mu.RLock()
	checks := make([]HealthCheck, 0, len(h.checks))
	for _, check := range h.checks {
		if !criticalOnly || isCritical(check) {
			checks = append(checks, check)
		}
	}
	h.mu.RUnlock()

	status := &HealthStatus{
		Status:    StatusOK,
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]*CheckResult, len(checks)),
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, check := range checks {
		wg.Add(1)
		go func(c HealthCheck) {
			defer wg.Done()

			start := time.Now()
			err := c.Check(ctx)
			duration := time.Since(start)

			result := &CheckResult{
				Status:    StatusOK,
				Duration:  duration.String(),
				Timestamp: time.Now().UTC(),
			}
			if err != nil {
				result.Status = StatusError
				result.Error = err.Error()
				h.logger.Warn("health check failed",
					observability.String("check", c.Name()),
					observability.Error(err),
					observability.Duration("duration", duration),
				)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				status.Status = StatusError
			}
			status.Checks[c.Name()] = result
		}(check)
	}
	wg.Wait()

	return status
}

// RegisterRoutes registers the probe routes.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/health", h.HealthHandler())
	r.GET("/live", h.LivenessHandler())
	r.GET("/healthz", h.LivenessHandler())
	r.GET("/ready", h.ReadinessHandler())
	r.GET("/readyz", h.ReadinessHandler())
}
