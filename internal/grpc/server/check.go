package server

import (
	"context"
	"net/url"
	"strings"
	"time"

	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"google.golang.org/grpc/codes"

	"github.com/vyrodovalexey/enforcer/internal/apierror"
	"github.com/vyrodovalexey/enforcer/internal/decision"
	"github.com/vyrodovalexey/enforcer/internal/observability"
	"github.com/vyrodovalexey/enforcer/internal/route"
	"github.com/vyrodovalexey/enforcer/internal/translator"
)

const bearerPrefix = "bearer "

// Decider turns a validation context into an allow decision or a denial.
type Decider interface {
	Decide(ctx context.Context, vctx *decision.ValidationContext) (*decision.Decision, error)
	Open(vctx *decision.ValidationContext) *decision.Decision
}

// CheckHandler implements envoy.service.auth.v3.Authorization.
type CheckHandler struct {
	authv3.UnimplementedAuthorizationServer

	decider Decider
	logger  observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// CheckOption configures a CheckHandler.
type CheckOption func(*CheckHandler)

// WithCheckLogger sets the logger.
func WithCheckLogger(logger observability.Logger) CheckOption {
	return func(h *CheckHandler) {
		h.logger = logger
	}
}

// WithCheckMetrics sets the metrics.
func WithCheckMetrics(metrics *observability.Metrics) CheckOption {
	return func(h *CheckHandler) {
		h.metrics = metrics
	}
}

// WithCheckTracer sets the tracer.
func WithCheckTracer(tracer *observability.Tracer) CheckOption {
	return func(h *CheckHandler) {
		h.tracer = tracer
	}
}

// NewCheckHandler creates a handler deciding with decider.
func NewCheckHandler(decider Decider, opts ...CheckOption) *CheckHandler {
	h := &CheckHandler{
		decider: decider,
		logger:  observability.NopLogger(),
		tracer:  observability.NopTracer(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = observability.NewMetrics("")
	}
	return h
}

// Check authorizes one proxied request. Denials are returned as a denied
// CheckResponse, never as a gRPC error.
func (h *CheckHandler) Check(ctx context.Context, req *authv3.CheckRequest) (resp *authv3.CheckResponse, err error) {
	start := time.Now()
	httpReq := req.GetAttributes().GetRequest().GetHttp()
	r := route.FromContextExtensions(req.GetAttributes().GetContextExtensions(), httpReq.GetMethod())
	r.WebSocket = route.IsWebSocketUpgrade(httpReq.GetHeaders())

	correlationID := CorrelationID(ctx, req)
	ctx = observability.ContextWithRequestID(ctx, correlationID)
	ctx, span := h.tracer.StartSpan(ctx, "enforcer.Check",
		attribute.String("enforcer.api.context", r.BasePath),
		attribute.String("enforcer.api.version", r.Version),
		attribute.String("enforcer.resource", r.Resource),
		attribute.String("http.method", r.Method),
	)

	var denyKind apierror.Kind
	defer func() {
		allowed := resp != nil && resp.GetStatus().GetCode() == int32(codes.OK)
		if !allowed {
			if resp == nil {
				denyKind = apierror.GeneralError
			}
			span.SetStatus(otelcodes.Error, denyKind.String())
		}
		span.SetAttributes(attribute.Bool("enforcer.allowed", allowed))
		span.End()
		h.metrics.RecordCheck(allowed, denyKind.Code(), time.Since(start))
	}()

	vctx := &decision.ValidationContext{
		Route:         r,
		Path:          httpReq.GetPath(),
		CorrelationID: correlationID,
	}

	if r.Auth == route.AuthNone {
		return translator.Allow(h.decider.Open(vctx), req), nil
	}

	if err := extractCredential(vctx, httpReq.GetHeaders()); err != nil {
		denyKind = apierror.KindOf(err)
		return translator.Deny(err, r.ErrorFormat, correlationID), nil
	}

	d, err := h.decider.Decide(ctx, vctx)
	if err != nil {
		denyKind = apierror.KindOf(err)
		h.logger.WithContext(ctx).Debug("check denied",
			observability.String("context", r.BasePath),
			observability.String("version", r.Version),
			observability.String("resource", r.Resource),
			observability.String("kind", denyKind.String()),
		)
		return translator.Deny(err, r.ErrorFormat, correlationID), nil
	}

	h.logger.WithContext(ctx).Debug("check allowed",
		observability.String("context", r.BasePath),
		observability.String("version", r.Version),
		observability.String("resource", r.Resource),
		observability.Bool("cache_hit", d.CacheHit),
	)
	return translator.Allow(d, req), nil
}

// PanicResponse is the reply for a Check whose handling panicked: a
// GeneralError denial in the route's error format.
func PanicResponse(ctx context.Context, req, _ interface{}) (interface{}, error) {
	check, _ := req.(*authv3.CheckRequest)
	httpReq := check.GetAttributes().GetRequest().GetHttp()
	r := route.FromContextExtensions(check.GetAttributes().GetContextExtensions(), httpReq.GetMethod())
	return translator.Deny(apierror.New(apierror.GeneralError, ""), r.ErrorFormat, CorrelationID(ctx, check)), nil
}

// RequestID returns the correlation id carried by a CheckRequest: the
// x-request-id header, else the proxy's request id.
func RequestID(req interface{}) string {
	check, ok := req.(*authv3.CheckRequest)
	if !ok {
		return ""
	}
	httpReq := check.GetAttributes().GetRequest().GetHttp()
	if id := httpReq.GetHeaders()[decision.HeaderRequestID]; id != "" {
		return id
	}
	return httpReq.GetId()
}

// CorrelationID returns the request id of req, then the id already in ctx,
// and generates one otherwise.
func CorrelationID(ctx context.Context, req *authv3.CheckRequest) string {
	if id := RequestID(req); id != "" {
		return id
	}
	if id := observability.RequestIDFromContext(ctx); id != "" {
		return id
	}
	return uuid.New().String()
}

// extractCredential fills the credential fields of vctx from the request
// headers or, for query API keys, from the path.
func extractCredential(vctx *decision.ValidationContext, headers map[string]string) error {
	r := vctx.Route

	if r.Auth == route.AuthAPIKey {
		vctx.CredentialType = decision.CredentialAPIKey
		if r.APIKeyIn == route.InQuery {
			vctx.Credential = queryParam(vctx.Path, r.APIKeyName)
		} else {
			vctx.Credential = headers[strings.ToLower(r.APIKeyName)]
		}
		return nil
	}

	vctx.CredentialType = decision.CredentialBearer
	authz := strings.TrimSpace(headers[decision.HeaderAuthorization])
	if authz == "" {
		return nil
	}
	if len(authz) <= len(bearerPrefix) || !strings.EqualFold(authz[:len(bearerPrefix)], bearerPrefix) {
		return apierror.New(apierror.InvalidCredentials, "authorization header is not a bearer token")
	}
	vctx.Credential = strings.TrimSpace(authz[len(bearerPrefix):])
	return nil
}

func queryParam(path, name string) string {
	i := strings.IndexByte(path, '?')
	if i < 0 {
		return ""
	}
	// ParseQuery keeps the well-formed pairs of a partly malformed query.
	values, _ := url.ParseQuery(path[i+1:])
	return values.Get(name)
}
