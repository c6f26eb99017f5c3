package jwt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	jwxjwt "github.com/lestrrat-go/jwx/v2/jwt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vyrodovalexey/enforcer/internal/apierror"
	"github.com/vyrodovalexey/enforcer/internal/issuer"
	"github.com/vyrodovalexey/enforcer/internal/observability"
	"github.com/vyrodovalexey/enforcer/internal/route"
)

// DefaultClockSkew is the tolerance applied to exp, nbf and iat.
const DefaultClockSkew = 5 * time.Second

// supportedAlgorithms are the asymmetric algorithms accepted for issuer tokens.
var supportedAlgorithms = map[jwa.SignatureAlgorithm]struct{}{
	jwa.RS256: {}, jwa.RS384: {}, jwa.RS512: {},
	jwa.PS256: {}, jwa.PS384: {}, jwa.PS512: {},
	jwa.ES256: {}, jwa.ES384: {}, jwa.ES512: {},
	jwa.EdDSA: {},
}

// Result is the outcome of a successful validation.
type Result struct {
	Valid                 bool
	Issuer                string
	KeyManager            string
	ValidateSubscriptions bool
	ConsumerKey           string
	Scopes                []string
	Environment           string
	Claims                map[string]interface{}
	Subject               string
	JTI                   string
	// ExpiresAt is zero for non-expiring tokens.
	ExpiresAt time.Time
	Signature string
	CacheHit  bool
}

type issuerEntry struct {
	issuer      *issuer.Issuer
	keys        KeySet
	transformer ClaimTransformer
}

// Validator verifies bearer tokens against the issuer registry.
type Validator struct {
	issuers map[string]*issuerEntry
	cache   *TokenCache
	revoked *RevokedTokens
	skew    time.Duration
	now     func() time.Time
	logger  observability.Logger
	metrics *Metrics
	tracer  *observability.Tracer

	keySets      map[string]KeySet
	transformers map[string]ClaimTransformer
	jwksOpts     []JWKSOption
}

// ValidatorOption is a functional option for the validator.
type ValidatorOption func(*Validator)

// WithValidatorLogger sets the logger for the validator.
func WithValidatorLogger(logger observability.Logger) ValidatorOption {
	return func(v *Validator) {
		v.logger = logger
	}
}

// WithValidatorMetrics sets the metrics for the validator.
func WithValidatorMetrics(metrics *Metrics) ValidatorOption {
	return func(v *Validator) {
		v.metrics = metrics
	}
}

// WithValidatorTracer sets the tracer for the validator.
func WithValidatorTracer(tracer *observability.Tracer) ValidatorOption {
	return func(v *Validator) {
		v.tracer = tracer
	}
}

// WithTokenCache enables the verified token cache.
func WithTokenCache(cache *TokenCache) ValidatorOption {
	return func(v *Validator) {
		v.cache = cache
	}
}

// WithRevokedTokens sets the revoked token id set.
func WithRevokedTokens(revoked *RevokedTokens) ValidatorOption {
	return func(v *Validator) {
		v.revoked = revoked
	}
}

// WithKeySet overrides the key set of the issuer with URL iss.
func WithKeySet(iss string, keys KeySet) ValidatorOption {
	return func(v *Validator) {
		v.keySets[iss] = keys
	}
}

// WithClaimTransformer overrides the claim transformer of the issuer with URL iss.
func WithClaimTransformer(iss string, t ClaimTransformer) ValidatorOption {
	return func(v *Validator) {
		v.transformers[iss] = t
	}
}

// WithJWKSOptions sets options applied to every JWKS key set created.
func WithJWKSOptions(opts ...JWKSOption) ValidatorOption {
	return func(v *Validator) {
		v.jwksOpts = append(v.jwksOpts, opts...)
	}
}

// WithClock sets the time source used for expiry checks.
func WithClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) {
		v.now = now
	}
}

// NewValidator builds key sets and claim transformers for every issuer in reg.
func NewValidator(reg *issuer.Registry, opts ...ValidatorOption) (*Validator, error) {
	if reg == nil {
		return nil, errors.New("issuer registry is required")
	}

	v := &Validator{
		issuers:      make(map[string]*issuerEntry, reg.Len()),
		skew:         DefaultClockSkew,
		now:          time.Now,
		logger:       observability.NopLogger(),
		keySets:      make(map[string]KeySet),
		transformers: make(map[string]ClaimTransformer),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.metrics == nil {
		v.metrics = NewMetrics("")
	}
	if v.tracer == nil {
		v.tracer = observability.NopTracer()
	}

	for _, iss := range reg.All() {
		entry := &issuerEntry{issuer: iss}

		switch keys, ok := v.keySets[iss.URL]; {
		case ok:
			entry.keys = keys
		case iss.UsesJWKS():
			jwksOpts := append([]JWKSOption{
				WithJWKSLogger(v.logger),
				WithJWKSMetrics(v.metrics),
			}, v.jwksOpts...)
			entry.keys = NewJWKSKeySet(iss.JWKSURL, jwksOpts...)
		default:
			entry.keys = NewStaticKeySet(iss.Key)
		}

		if t, ok := v.transformers[iss.URL]; ok {
			entry.transformer = t
		} else {
			var t ClaimTransformer = NewDefaultTransformer(iss)
			if len(iss.ClaimRules) > 0 {
				celT, err := NewCELTransformer(t, iss.ClaimRules)
				if err != nil {
					return nil, fmt.Errorf("issuer %q: %w", iss.URL, err)
				}
				t = celT
			}
			entry.transformer = t
		}

		v.issuers[iss.URL] = entry
	}

	// Overrides are only needed during construction.
	v.keySets, v.transformers = nil, nil
	return v, nil
}

// Validate verifies token for a request on route r.
func (v *Validator) Validate(ctx context.Context, token string, r route.Route) (res *Result, err error) {
	ctx, span := v.tracer.StartSpan(ctx, "jwt.Validate")
	start := time.Now()
	defer func() {
		kind := ""
		if err != nil {
			kind = apierror.KindOf(err).String()
			span.SetStatus(codes.Error, kind)
		} else {
			span.SetAttributes(
				attribute.String("enforcer.issuer", res.Issuer),
				attribute.Bool("enforcer.token_cache_hit", res.CacheHit),
			)
		}
		span.End()
		v.metrics.RecordValidation(kind, time.Since(start))
	}()

	token = strings.TrimSpace(token)
	if token == "" {
		return nil, apierror.Wrap(apierror.MissingCredentials, "", ErrEmptyToken)
	}

	if v.cache != nil {
		if cached, ok := v.cache.Get(token); ok {
			v.metrics.RecordCacheHit()
			entry, ok := v.issuers[cached.Issuer]
			if ok {
				cached.CacheHit = true
				return v.finish(cached, entry, r)
			}
			v.cache.Remove(token)
		} else {
			v.metrics.RecordCacheMiss()
		}
	}

	verified, entry, err := v.verify(ctx, token)
	if err != nil {
		v.logger.WithContext(ctx).Debug("token rejected",
			observability.String("kind", apierror.KindOf(err).String()),
			observability.Error(err),
		)
		return nil, err
	}
	if v.cache != nil {
		v.cache.Put(token, verified)
	}
	return v.finish(verified, entry, r)
}

// verify runs the issuer, key, signature and time checks.
func (v *Validator) verify(ctx context.Context, token string) (*Result, *issuerEntry, error) {
	raw := []byte(token)

	msg, err := jws.Parse(raw)
	if err != nil {
		return nil, nil, apierror.Wrap(apierror.GeneralError, "malformed token", fmt.Errorf("%w: %w", ErrTokenMalformed, err))
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return nil, nil, apierror.Wrap(apierror.GeneralError, "malformed token", ErrTokenMalformed)
	}
	headers := sigs[0].ProtectedHeaders()
	kid := headers.KeyID()
	alg := headers.Algorithm()

	tok, err := jwxjwt.ParseInsecure(raw)
	if err != nil {
		return nil, nil, apierror.Wrap(apierror.GeneralError, "malformed token", fmt.Errorf("%w: %w", ErrTokenMalformed, err))
	}

	iss := tok.Issuer()
	if iss == "" {
		return nil, nil, apierror.Wrap(apierror.GeneralError, "", ErrMissingIssuer)
	}
	entry, ok := v.issuers[iss]
	if !ok {
		return nil, nil, apierror.Wrap(apierror.InvalidCredentials, "", ErrUnknownIssuer)
	}

	if _, ok := supportedAlgorithms[alg]; !ok {
		return nil, nil, apierror.Wrap(apierror.InvalidCredentials, "",
			fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg))
	}

	key, err := entry.keys.LookupKey(ctx, kid)
	if err != nil {
		if errors.Is(err, ErrJWKSFetchFailed) {
			return nil, nil, apierror.Wrap(apierror.RemoteLookupFailure, "", err)
		}
		return nil, nil, apierror.Wrap(apierror.InvalidCredentials, "", err)
	}
	if key.KeyType() == jwa.OctetSeq {
		return nil, nil, apierror.Wrap(apierror.InvalidCredentials, "",
			NewKeyError(kid, "symmetric keys are not accepted", ErrUnsupportedAlgorithm))
	}
	if ka := key.Algorithm().String(); ka != "" && ka != alg.String() {
		return nil, nil, apierror.Wrap(apierror.InvalidCredentials, "",
			NewKeyError(kid, "key algorithm "+ka+" does not match token algorithm "+alg.String(), ErrUnsupportedAlgorithm))
	}

	if _, err := jws.Verify(raw, jws.WithKey(alg, key)); err != nil {
		return nil, nil, apierror.Wrap(apierror.InvalidCredentials, "", fmt.Errorf("%w: %w", ErrTokenInvalidSignature, err))
	}

	if err := jwxjwt.Validate(tok,
		jwxjwt.WithAcceptableSkew(v.skew),
		jwxjwt.WithClock(jwxjwt.ClockFunc(v.now)),
	); err != nil {
		sentinel := ErrTokenNotYetValid
		if errors.Is(err, jwxjwt.ErrTokenExpired()) {
			sentinel = ErrTokenExpired
		}
		return nil, nil, apierror.Wrap(apierror.InvalidCredentials, "", fmt.Errorf("%w: %w", sentinel, err))
	}

	claims, err := tok.AsMap(ctx)
	if err != nil {
		return nil, nil, apierror.Wrap(apierror.GeneralError, "malformed token", fmt.Errorf("%w: %w", ErrTokenMalformed, err))
	}

	return &Result{
		Issuer:                iss,
		KeyManager:            entry.issuer.Name,
		ValidateSubscriptions: entry.issuer.ValidateSubscriptions,
		Claims:                claims,
		Subject:               tok.Subject(),
		JTI:                   tok.JwtID(),
		ExpiresAt:             tok.Expiration(),
		Signature:             signatureOf(token),
	}, entry, nil
}

// finish applies the revocation check and the issuer claim transformer.
func (v *Validator) finish(res *Result, entry *issuerEntry, r route.Route) (*Result, error) {
	if v.revoked.IsRevoked(res.JTI) {
		return nil, apierror.Wrap(apierror.InvalidCredentials, "", ErrTokenRevoked)
	}

	normalized, err := entry.transformer.Transform(res.Claims, r)
	if err != nil {
		var apiErr *apierror.Error
		if errors.As(err, &apiErr) {
			return nil, err
		}
		return nil, apierror.Wrap(apierror.InvalidCredentials, "", err)
	}

	res.ConsumerKey = normalized.ConsumerKey
	res.Scopes = normalized.Scopes
	res.Environment = normalized.Environment
	res.Valid = true
	return res, nil
}
