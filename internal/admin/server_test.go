package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vyrodovalexey/enforcer/internal/config"
	grpcserver "github.com/vyrodovalexey/enforcer/internal/grpc/server"
	"github.com/vyrodovalexey/enforcer/internal/health"
	"github.com/vyrodovalexey/enforcer/internal/observability"
	"github.com/vyrodovalexey/enforcer/internal/subscription"
)

type fakeStreams struct {
	mu   sync.Mutex
	open map[string]bool
	sent []*structpb.Struct
	err  error
}

func (f *fakeStreams) Send(id string, msg *structpb.Struct) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open[id] {
		return grpcserver.ErrStreamNotFound
	}
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeStreams) last() *structpb.Struct {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_ProbesAndMetrics(t *testing.T) {
	t.Parallel()

	metrics := observability.NewMetrics("enforcer")
	metrics.RecordCheck(true, 0, time.Millisecond)

	probes := health.NewHandler(observability.NopLogger())
	probes.AddCheck(health.NewDependencyCheck("discovery", func(context.Context) error {
		return errors.New("waiting")
	}))

	s := NewServer(config.AdminConfig{Enabled: true}, WithHealth(probes), WithMetrics(metrics))
	assert.Equal(t, config.DefaultAdminAddress, s.Address())

	assert.Equal(t, http.StatusOK, do(t, s.Handler(), http.MethodGet, "/live", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s.Handler(), http.MethodGet, "/ready", "").Code)

	rec := do(t, s.Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "enforcer_check_requests_total")

	assert.Equal(t, http.StatusNotFound, do(t, s.Handler(), http.MethodGet, "/debug/store", "").Code)
}

func TestServer_StoreCounts(t *testing.T) {
	t.Parallel()

	store := subscription.NewDataStore()
	store.AddAPIs([]*subscription.API{
		{ID: 1, Context: "/pets", Version: "v1"},
		{ID: 2, Context: "/orders", Version: "v1"},
	})

	s := NewServer(config.AdminConfig{}, WithStore(store))
	rec := do(t, s.Handler(), http.MethodGet, "/debug/store", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Total int            `json:"total"`
		Kinds map[string]int `json:"kinds"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Total)
	assert.Equal(t, 2, body.Kinds[string(subscription.KindAPI)])
	assert.Equal(t, 0, body.Kinds[string(subscription.KindSubscription)])
}

func TestServer_Throttle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		method    string
		path      string
		body      string
		sendErr   error
		wantCode  int
		wantState string
	}{
		{
			name:      "over limit with period",
			method:    http.MethodPut,
			path:      "/debug/streams/s-1/throttle",
			body:      `{"period":"30s"}`,
			wantCode:  http.StatusOK,
			wantState: grpcserver.ThrottleOverLimit,
		},
		{
			name:      "over limit until reset",
			method:    http.MethodPut,
			path:      "/debug/streams/s-1/throttle",
			body:      `{}`,
			wantCode:  http.StatusOK,
			wantState: grpcserver.ThrottleOverLimit,
		},
		{
			name:      "reset",
			method:    http.MethodDelete,
			path:      "/debug/streams/s-1/throttle",
			wantCode:  http.StatusOK,
			wantState: grpcserver.ThrottleOK,
		},
		{
			name:     "invalid period",
			method:   http.MethodPut,
			path:     "/debug/streams/s-1/throttle",
			body:     `{"period":"soon"}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "unknown stream",
			method:   http.MethodPut,
			path:     "/debug/streams/missing/throttle",
			body:     `{"period":"1s"}`,
			wantCode: http.StatusNotFound,
		},
		{
			name:     "send failure",
			method:   http.MethodPut,
			path:     "/debug/streams/s-1/throttle",
			body:     `{"period":"1s"}`,
			sendErr:  errors.New("stream closed"),
			wantCode: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tracker := grpcserver.NewThrottleTracker()
			streams := &fakeStreams{open: map[string]bool{"s-1": true}, err: tt.sendErr}
			s := NewServer(config.AdminConfig{}, WithThrottle(tracker, streams))

			rec := do(t, s.Handler(), tt.method, tt.path, tt.body)
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantState == "" {
				return
			}

			var resp ThrottleResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, "s-1", resp.StreamID)
			assert.Equal(t, tt.wantState, resp.State)

			pushed := streams.last()
			require.NotNil(t, pushed)
			assert.Equal(t, tt.wantState, pushed.GetFields()[grpcserver.FieldThrottleState].GetStringValue())
		})
	}
}

func TestServer_ThrottleUnknownStreamIsForgotten(t *testing.T) {
	t.Parallel()

	tracker := grpcserver.NewThrottleTracker()
	s := NewServer(config.AdminConfig{}, WithThrottle(tracker, &fakeStreams{}))

	rec := do(t, s.Handler(), http.MethodPut, "/debug/streams/gone/throttle", `{"period":"1s"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, ok := tracker.Snapshot("gone")
	assert.False(t, ok)
	assert.Equal(t, http.StatusNotFound, do(t, s.Handler(), http.MethodGet, "/debug/streams/gone/throttle", "").Code)
}

func TestServer_GetThrottle(t *testing.T) {
	t.Parallel()

	tracker := grpcserver.NewThrottleTracker()
	_, err := tracker.Handle(context.Background(), "s-1", &structpb.Struct{Fields: map[string]*structpb.Value{
		grpcserver.FieldBasePath:    structpb.NewStringValue("/pets"),
		grpcserver.FieldFrameLength: structpb.NewNumberValue(64),
	}})
	require.NoError(t, err)

	s := NewServer(config.AdminConfig{}, WithThrottle(tracker, &fakeStreams{}))
	rec := do(t, s.Handler(), http.MethodGet, "/debug/streams/s-1/throttle", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ThrottleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, grpcserver.ThrottleOK, resp.State)
	assert.Equal(t, int64(1), resp.Frames)
	assert.Equal(t, int64(64), resp.Bytes)
}

func TestServer_RecoversFromPanic(t *testing.T) {
	t.Parallel()

	s := NewServer(config.AdminConfig{}, WithStore(panicStore{}))
	rec := do(t, s.Handler(), http.MethodGet, "/debug/store", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

type panicStore struct{}

func (panicStore) Counts() map[subscription.Kind]int { panic("boom") }

func TestServer_Lifecycle(t *testing.T) {
	t.Parallel()

	s := NewServer(config.AdminConfig{Address: "127.0.0.1:0"}, WithLogger(observability.NopLogger()))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Serve(ln) }()
	require.Eventually(t, s.IsRunning, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, <-done)
	assert.False(t, s.IsRunning())
	assert.NoError(t, s.Stop(ctx))
}
