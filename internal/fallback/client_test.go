package fallback

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/enforcer/internal/config"
	"github.com/vyrodovalexey/enforcer/internal/subscription"
)

type controlPlane struct {
	*httptest.Server
	requests atomic.Int32
	failures atomic.Int32 // number of leading requests answered with 503
	lastReq  atomic.Pointer[http.Request]
}

func newControlPlane(t *testing.T, routes map[string]string) *controlPlane {
	t.Helper()

	cp := &controlPlane{}
	cp.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cp.requests.Add(1)
		cp.lastReq.Store(r.Clone(context.Background()))
		if cp.failures.Load() > 0 {
			cp.failures.Add(-1)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		body, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(cp.Close)
	return cp
}

func newClient(t *testing.T, baseURL string) *Client {
	t.Helper()

	c, err := New(config.FallbackConfig{
		BaseURL:  baseURL,
		Username: "admin",
		Password: "secret",
		Timeout:  config.Duration(time.Second),
	}, WithRetryInterval(time.Millisecond))
	require.NoError(t, err)
	return c
}

func TestClient_Loads(t *testing.T) {
	t.Parallel()

	cp := newControlPlane(t, map[string]string{
		"/internal/data/v1/apis": `{"list":[{"apiId":4,"name":"Pets","context":"/pets/1.0.0","version":"1.0.0",` +
			`"isDefaultVersion":true,"urlMappings":[{"httpMethod":"GET","urlPattern":"/pet","scopes":["read"]}]}]}`,
		"/internal/data/v1/application-key-mappings": `{"list":[{"applicationId":3,"consumerKey":"ck",` +
			`"keyManager":"Resident Key Manager","keyType":"PRODUCTION"}]}`,
		"/internal/data/v1/applications":          `{"list":[{"id":3,"name":"mobile","policy":"Gold","subName":"alice"}]}`,
		"/internal/data/v1/subscriptions":         `{"list":[{"subscriptionId":8,"apiId":4,"appId":3,"subscriptionState":"ACTIVE","timeStamp":42}]}`,
		"/internal/data/v1/subscription-policies": `{"list":[{"id":1,"name":"Gold","rateLimitCount":5,"rateLimitTimeUnit":"sec"}]}`,
	})
	c := newClient(t, cp.URL)
	ctx := context.Background()

	api, err := c.LoadAPI(ctx, "/pets/1.0.0", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, int32(4), api.ID)
	require.Len(t, api.URLMappings, 1)
	assert.Equal(t, []string{"read"}, api.URLMappings[0].Scopes)
	req := cp.lastReq.Load()
	assert.Equal(t, "/pets/1.0.0", req.URL.Query().Get("context"))
	user, pass, ok := req.BasicAuth()
	require.True(t, ok)
	assert.Equal(t, "admin", user)
	assert.Equal(t, "secret", pass)

	km, err := c.LoadKeyMapping(ctx, "ck", "Resident Key Manager")
	require.NoError(t, err)
	assert.Equal(t, int32(3), km.ApplicationID)
	assert.Equal(t, "Resident Key Manager", cp.lastReq.Load().URL.Query().Get("keymanager"))

	app, err := c.LoadApplication(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "alice", app.SubName)
	assert.Equal(t, "3", cp.lastReq.Load().URL.Query().Get("appId"))

	sub, err := c.LoadSubscription(ctx, 3, 4)
	require.NoError(t, err)
	assert.Equal(t, subscription.StateActive, sub.State)
	assert.Equal(t, int64(42), sub.Timestamp)
	q := cp.lastReq.Load().URL.Query()
	assert.Equal(t, "4", q.Get("apiId"))
	assert.Equal(t, "3", q.Get("appId"))

	p, err := c.LoadPolicy(ctx, subscription.KindSubscriptionPolicy, "Gold", "")
	require.NoError(t, err)
	assert.Equal(t, int32(5), p.RateLimitCount)
	assert.Equal(t, subscription.DefaultTenant, p.Tenant)
	assert.Equal(t, subscription.DefaultTenant, cp.lastReq.Load().Header.Get(HeaderTenant))
	assert.Equal(t, "Gold", cp.lastReq.Load().URL.Query().Get("policyName"))
}

func TestClient_NotFound(t *testing.T) {
	t.Parallel()

	cp := newControlPlane(t, map[string]string{
		"/internal/data/v1/apis": `{"list":[]}`,
	})
	c := newClient(t, cp.URL)

	_, err := c.LoadAPI(context.Background(), "/none", "1")
	assert.ErrorIs(t, err, subscription.ErrNotFound, "empty list")

	_, err = c.LoadApplication(context.Background(), 1)
	assert.ErrorIs(t, err, subscription.ErrNotFound, "404")

	_, err = c.LoadPolicy(context.Background(), subscription.KindAPI, "x", "")
	assert.ErrorIs(t, err, subscription.ErrUnknownKind)
}

func TestClient_RetriesOnce(t *testing.T) {
	t.Parallel()

	cp := newControlPlane(t, map[string]string{
		"/internal/data/v1/applications": `{"list":[{"id":3}]}`,
	})
	c := newClient(t, cp.URL)

	cp.failures.Store(1)
	app, err := c.LoadApplication(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, int32(3), app.ID)
	assert.Equal(t, int32(2), cp.requests.Load())

	cp.requests.Store(0)
	cp.failures.Store(2)
	_, err = c.LoadApplication(context.Background(), 3)
	require.Error(t, err)
	assert.NotErrorIs(t, err, subscription.ErrNotFound)
	assert.Equal(t, int32(2), cp.requests.Load(), "one retry only")
}

func TestClient_DecodeErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	cp := newControlPlane(t, map[string]string{
		"/internal/data/v1/applications": `{"list":`,
	})
	c := newClient(t, cp.URL)

	_, err := c.LoadApplication(context.Background(), 3)
	require.Error(t, err)
	assert.Equal(t, int32(1), cp.requests.Load())
}

func TestClient_ResponseBodyLimit(t *testing.T) {
	t.Parallel()

	body := `{"list":[{"id":3,"name":"mobile","policy":"Gold","subName":"alice"}]}`
	cp := newControlPlane(t, map[string]string{
		"/internal/data/v1/applications": body,
	})

	tests := []struct {
		name    string
		limit   int64
		wantErr bool
	}{
		{name: "exact fit", limit: int64(len(body))},
		{name: "one byte over", limit: int64(len(body)) - 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(config.FallbackConfig{BaseURL: cp.URL, Timeout: config.Duration(time.Second)},
				WithRetryInterval(time.Millisecond), WithMaxResponseBody(tt.limit))
			require.NoError(t, err)

			before := cp.requests.Load()
			app, err := c.LoadApplication(context.Background(), 3)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrResponseTooLarge)
				assert.Equal(t, before+1, cp.requests.Load(), "oversized bodies are not retried")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "mobile", app.Name)
		})
	}
}

func TestClient_BreakerOpens(t *testing.T) {
	t.Parallel()

	cp := newControlPlane(t, nil)
	cp.failures.Store(1000)

	c, err := New(config.FallbackConfig{
		BaseURL:              cp.URL + "/cp",
		BreakerFailureThresh: 2,
		BreakerTimeout:       config.Duration(time.Minute),
	}, WithRetryInterval(time.Millisecond))
	require.NoError(t, err)

	_, err = c.LoadApplication(context.Background(), 1)
	require.Error(t, err)
	seen := cp.requests.Load()
	assert.Equal(t, int32(2), seen)

	_, err = c.LoadApplication(context.Background(), 1)
	require.Error(t, err)
	assert.Equal(t, seen, cp.requests.Load(), "open breaker short-circuits")
}

func TestNew_InvalidBaseURL(t *testing.T) {
	t.Parallel()

	_, err := New(config.FallbackConfig{BaseURL: "/relative"})
	assert.ErrorIs(t, err, ErrInvalidBaseURL)
	_, err = New(config.FallbackConfig{})
	assert.ErrorIs(t, err, ErrInvalidBaseURL)
}

func TestHTTPError(t *testing.T) {
	t.Parallel()

	assert.True(t, (&HTTPError{StatusCode: 503}).Temporary())
	assert.True(t, (&HTTPError{StatusCode: 429}).Temporary())
	assert.False(t, (&HTTPError{StatusCode: 404}).Temporary())
	assert.Contains(t, (&HTTPError{StatusCode: 500, Body: "boom"}).Error(), "500")

	assert.True(t, countsAsSuccess(nil))
	assert.True(t, countsAsSuccess(&HTTPError{StatusCode: 404}))
	assert.False(t, countsAsSuccess(&HTTPError{StatusCode: 502}))
}
