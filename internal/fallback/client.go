// Package fallback loads single subscription entities from the control
// plane's internal data REST API when the local store misses.
package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/enforcer/internal/circuitbreaker"
	"github.com/vyrodovalexey/enforcer/internal/config"
	"github.com/vyrodovalexey/enforcer/internal/observability"
	"github.com/vyrodovalexey/enforcer/internal/subscription"
)

// Internal data API endpoints, relative to the base URL.
const (
	dataPath = "internal/data/v1/"

	endpointAPIs                 = "apis"
	endpointKeyMappings          = "application-key-mappings"
	endpointApplications         = "applications"
	endpointSubscriptions        = "subscriptions"
	endpointApplicationPolicies  = "application-policies"
	endpointSubscriptionPolicies = "subscription-policies"
	endpointAPIPolicies          = "api-policies"
)

// HeaderTenant carries the tenant of policy lookups.
const HeaderTenant = "X-Tenant"

const (
	defaultTimeout       = 5 * time.Second
	defaultRetryInterval = 200 * time.Millisecond
	maxErrorBody         = 512

	// DefaultMaxResponseBody bounds a successful response body.
	DefaultMaxResponseBody = 1 << 20
)

var (
	// ErrInvalidBaseURL is returned by New for a missing or relative base URL.
	ErrInvalidBaseURL = errors.New("fallback base URL must be absolute")
	// ErrResponseTooLarge is returned when a body exceeds the configured limit.
	ErrResponseTooLarge = errors.New("control plane response too large")
)

// HTTPError is a non-200 response from the control plane.
type HTTPError struct {
	StatusCode int
	Body       string
}

// Error implements error.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("control plane responded %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether retrying may help.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// Client implements subscription.Loader over HTTP.
type Client struct {
	baseURL       *url.URL
	username      string
	password      string
	httpClient    *http.Client
	breaker       *gobreaker.CircuitBreaker
	retryInterval time.Duration
	maxBody       int64
	logger        observability.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithBreaker replaces the circuit breaker built from configuration.
func WithBreaker(cb *gobreaker.CircuitBreaker) Option {
	return func(c *Client) {
		c.breaker = cb
	}
}

// WithRetryInterval sets the wait before the single retry.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Client) {
		c.retryInterval = d
	}
}

// WithMaxResponseBody bounds the size of a successful response body.
func WithMaxResponseBody(n int64) Option {
	return func(c *Client) {
		c.maxBody = n
	}
}

// New creates a client for cfg.BaseURL.
func New(cfg config.FallbackConfig, opts ...Option) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || !base.IsAbs() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBaseURL, cfg.BaseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := &Client{
		baseURL:       base,
		username:      cfg.Username,
		password:      cfg.Password,
		retryInterval: defaultRetryInterval,
		maxBody:       DefaultMaxResponseBody,
		logger:        observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: timeout}
	}
	if c.breaker == nil {
		c.breaker = circuitbreaker.New(circuitbreaker.Settings{
			Name:         "fallback",
			Threshold:    cfg.BreakerFailureThresh,
			Timeout:      cfg.BreakerTimeout.Duration(),
			IsSuccessful: countsAsSuccess,
		}, c.logger)
	}
	return c, nil
}

// LoadAPI implements subscription.Loader.
func (c *Client) LoadAPI(ctx context.Context, apiContext, version string) (*subscription.API, error) {
	return first[subscription.API](ctx, c, endpointAPIs, url.Values{
		"context": {apiContext},
		"version": {version},
	}, "")
}

// LoadKeyMapping implements subscription.Loader.
func (c *Client) LoadKeyMapping(ctx context.Context, consumerKey, keyManager string) (*subscription.KeyMapping, error) {
	return first[subscription.KeyMapping](ctx, c, endpointKeyMappings, url.Values{
		"consumerKey": {consumerKey},
		"keymanager":  {keyManager},
	}, "")
}

// LoadApplication implements subscription.Loader.
func (c *Client) LoadApplication(ctx context.Context, id int32) (*subscription.Application, error) {
	return first[subscription.Application](ctx, c, endpointApplications, url.Values{
		"appId": {strconv.FormatInt(int64(id), 10)},
	}, "")
}

// LoadSubscription implements subscription.Loader.
func (c *Client) LoadSubscription(ctx context.Context, appID, apiID int32) (*subscription.Subscription, error) {
	return first[subscription.Subscription](ctx, c, endpointSubscriptions, url.Values{
		"apiId": {strconv.FormatInt(int64(apiID), 10)},
		"appId": {strconv.FormatInt(int64(appID), 10)},
	}, "")
}

// LoadPolicy implements subscription.Loader.
func (c *Client) LoadPolicy(ctx context.Context, kind subscription.Kind, name, tenant string) (*subscription.Policy, error) {
	var endpoint string
	switch kind {
	case subscription.KindApplicationPolicy:
		endpoint = endpointApplicationPolicies
	case subscription.KindSubscriptionPolicy:
		endpoint = endpointSubscriptionPolicies
	case subscription.KindAPIPolicy:
		endpoint = endpointAPIPolicies
	default:
		return nil, fmt.Errorf("%w: %q", subscription.ErrUnknownKind, kind)
	}
	if tenant == "" {
		tenant = subscription.DefaultTenant
	}
	p, err := first[subscription.Policy](ctx, c, endpoint, url.Values{"policyName": {name}}, tenant)
	if err != nil {
		return nil, err
	}
	if p.Tenant == "" {
		p.Tenant = tenant
	}
	return p, nil
}

// first fetches a list response and returns its first element.
func first[T any](ctx context.Context, c *Client, endpoint string, query url.Values, tenant string) (*T, error) {
	payload, err := c.get(ctx, endpoint, query, tenant)
	if err != nil {
		return nil, err
	}

	var resp struct {
		List []T `json:"list"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	if len(resp.List) == 0 {
		return nil, subscription.ErrNotFound
	}
	return &resp.List[0], nil
}

// get performs the request through the breaker, retrying once on a
// transport error or a 5xx response.
func (c *Client) get(ctx context.Context, endpoint string, query url.Values, tenant string) ([]byte, error) {
	target := c.baseURL.JoinPath(dataPath, endpoint)
	target.RawQuery = query.Encode()
	u := target.String()

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryInterval), 1),
		ctx,
	)

	payload, err := backoff.RetryNotifyWithData(func() ([]byte, error) {
		res, err := c.breaker.Execute(func() (interface{}, error) {
			return c.do(ctx, u, tenant)
		})
		if err != nil {
			if !retryable(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return res.([]byte), nil
	}, policy, func(err error, wait time.Duration) {
		c.logger.Debug("retrying control plane request",
			observability.String("url", u),
			observability.Duration("wait", wait),
			observability.Error(err),
		)
	})
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return nil, subscription.ErrNotFound
		}
		return nil, fmt.Errorf("GET %s: %w", endpoint, err)
	}
	return payload, nil
}

func (c *Client) do(ctx context.Context, u, tenant string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	if tenant != "" {
		req.Header.Set(HeaderTenant, tenant)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	// One byte past the limit tells an exact fit from an oversized body.
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > c.maxBody {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, c.maxBody)
	}
	return body, nil
}

// retryable reports whether err is worth one more attempt.
func retryable(err error) bool {
	if circuitbreaker.IsOpen(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrResponseTooLarge) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Temporary()
	}
	return true
}

// countsAsSuccess keeps client errors such as 404 from tripping the breaker.
func countsAsSuccess(err error) bool {
	if err == nil {
		return true
	}
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && !httpErr.Temporary()
}

var _ subscription.Loader = (*Client)(nil)
