package jwt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	jwxjwt "github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/enforcer/internal/apierror"
	"github.com/vyrodovalexey/enforcer/internal/config"
	"github.com/vyrodovalexey/enforcer/internal/route"
)

func TestValidator_Validate(t *testing.T) {
	t.Parallel()

	signing := newRSAKey(t, "key-1")
	other := newRSAKey(t, "key-1")
	srv := newJWKSServer(t, signing)

	v, err := NewValidator(newRegistry(t, jwksIssuer(srv.URL)))
	require.NoError(t, err)

	with := func(mutate func(map[string]interface{})) map[string]interface{} {
		c := baseClaims()
		mutate(c)
		return c
	}

	tests := []struct {
		name     string
		token    func() string
		wantKind apierror.Kind
		wantErr  error
	}{
		{
			name:  "valid",
			token: func() string { return mintToken(t, signing, baseClaims()) },
		},
		{
			name: "no expiry is non-expiring",
			token: func() string {
				return mintToken(t, signing, with(func(c map[string]interface{}) { delete(c, jwxjwt.ExpirationKey) }))
			},
		},
		{
			name: "expired within skew",
			token: func() string {
				return mintToken(t, signing, with(func(c map[string]interface{}) {
					c[jwxjwt.ExpirationKey] = time.Now().Add(-2 * time.Second)
				}))
			},
		},
		{
			name: "expired beyond skew",
			token: func() string {
				return mintToken(t, signing, with(func(c map[string]interface{}) {
					c[jwxjwt.ExpirationKey] = time.Now().Add(-time.Minute)
				}))
			},
			wantKind: apierror.InvalidCredentials,
			wantErr:  ErrTokenExpired,
		},
		{
			name:     "empty token",
			token:    func() string { return "  " },
			wantKind: apierror.MissingCredentials,
			wantErr:  ErrEmptyToken,
		},
		{
			name:     "malformed",
			token:    func() string { return "not.a.jwt" },
			wantKind: apierror.GeneralError,
			wantErr:  ErrTokenMalformed,
		},
		{
			name: "missing issuer",
			token: func() string {
				return mintToken(t, signing, with(func(c map[string]interface{}) { delete(c, jwxjwt.IssuerKey) }))
			},
			wantKind: apierror.GeneralError,
			wantErr:  ErrMissingIssuer,
		},
		{
			name: "unknown issuer",
			token: func() string {
				return mintToken(t, signing, with(func(c map[string]interface{}) { c[jwxjwt.IssuerKey] = "https://evil.example.com" }))
			},
			wantKind: apierror.InvalidCredentials,
			wantErr:  ErrUnknownIssuer,
		},
		{
			name:     "bad signature",
			token:    func() string { return mintToken(t, other, baseClaims()) },
			wantKind: apierror.InvalidCredentials,
			wantErr:  ErrTokenInvalidSignature,
		},
		{
			name: "symmetric algorithm",
			token: func() string {
				hmacKey, err := jwk.FromRaw([]byte("0123456789abcdef0123456789abcdef"))
				require.NoError(t, err)
				tok := jwxjwt.New()
				require.NoError(t, tok.Set(jwxjwt.IssuerKey, testIssuer))
				signed, err := jwxjwt.Sign(tok, jwxjwt.WithKey(jwa.HS256, hmacKey))
				require.NoError(t, err)
				return string(signed)
			},
			wantKind: apierror.InvalidCredentials,
			wantErr:  ErrUnsupportedAlgorithm,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			res, err := v.Validate(context.Background(), tt.token(), route.Route{})
			if tt.wantErr == nil {
				require.NoError(t, err)
				assert.True(t, res.Valid)
				assert.Equal(t, testIssuer, res.Issuer)
				assert.Equal(t, "Resident Key Manager", res.KeyManager)
				assert.True(t, res.ValidateSubscriptions)
				assert.Equal(t, "consumer-key-1", res.ConsumerKey)
				assert.Equal(t, []string{"read:pets", "write:pets"}, res.Scopes)
				assert.Equal(t, "alice", res.Subject)
				assert.False(t, res.CacheHit)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, apierror.KindOf(err))
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestValidator_KeyRotationRefreshesOnce(t *testing.T) {
	t.Parallel()

	oldKey := newRSAKey(t, "old")
	newKey := newRSAKey(t, "new")
	srv := newJWKSServer(t, oldKey)

	v, err := NewValidator(newRegistry(t, jwksIssuer(srv.URL)))
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), mintToken(t, oldKey, baseClaims()), route.Route{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), srv.fetches.Load())

	srv.setKeys(t, oldKey, newKey)
	_, err = v.Validate(context.Background(), mintToken(t, newKey, baseClaims()), route.Route{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), srv.fetches.Load())

	// A kid unknown even after the refresh fails without retrying again.
	stranger := newRSAKey(t, "stranger")
	_, err = v.Validate(context.Background(), mintToken(t, stranger, baseClaims()), route.Route{})
	require.Error(t, err)
	assert.Equal(t, apierror.InvalidCredentials, apierror.KindOf(err))
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.Equal(t, int32(3), srv.fetches.Load())
}

func TestValidator_JWKSUnavailable(t *testing.T) {
	t.Parallel()

	key := newRSAKey(t, "k")
	srv := newJWKSServer(t, key)
	srv.fail.Store(true)

	v, err := NewValidator(newRegistry(t, jwksIssuer(srv.URL)))
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), mintToken(t, key, baseClaims()), route.Route{})
	require.Error(t, err)
	assert.Equal(t, apierror.RemoteLookupFailure, apierror.KindOf(err))
	assert.ErrorIs(t, err, ErrJWKSFetchFailed)
}

func TestValidator_StaticCertificate(t *testing.T) {
	t.Parallel()

	key := newRSAKey(t, "")
	pemBytes, err := jwk.EncodePEM(publicOf(t, key))
	require.NoError(t, err)

	reg := newRegistry(t, config.IssuerConfig{
		Name:        "static",
		Issuer:      testIssuer,
		Certificate: string(pemBytes),
	})
	v, err := NewValidator(reg)
	require.NoError(t, err)

	res, err := v.Validate(context.Background(), mintToken(t, key, baseClaims()), route.Route{})
	require.NoError(t, err)
	assert.Equal(t, "static", res.KeyManager)
	assert.False(t, res.ValidateSubscriptions)
}

func TestValidator_TokenCache(t *testing.T) {
	t.Parallel()

	key := newRSAKey(t, "k")
	srv := newJWKSServer(t, key)
	v, err := NewValidator(newRegistry(t, jwksIssuer(srv.URL)),
		WithTokenCache(NewTokenCache(10, time.Minute)),
	)
	require.NoError(t, err)

	token := mintToken(t, key, baseClaims())
	first, err := v.Validate(context.Background(), token, route.Route{})
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	srv.fail.Store(true)
	second, err := v.Validate(context.Background(), token, route.Route{})
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.ConsumerKey, second.ConsumerKey)
	assert.Equal(t, int32(1), srv.fetches.Load())
}

func TestValidator_RevokedToken(t *testing.T) {
	t.Parallel()

	key := newRSAKey(t, "k")
	srv := newJWKSServer(t, key)
	revoked := NewRevokedTokens(0)
	v, err := NewValidator(newRegistry(t, jwksIssuer(srv.URL)),
		WithRevokedTokens(revoked),
		WithTokenCache(NewTokenCache(10, time.Minute)),
	)
	require.NoError(t, err)

	token := mintToken(t, key, baseClaims())
	_, err = v.Validate(context.Background(), token, route.Route{})
	require.NoError(t, err)

	revoked.Add("jti-1", time.Now().Add(time.Hour))
	_, err = v.Validate(context.Background(), token, route.Route{})
	require.Error(t, err)
	assert.Equal(t, apierror.InvalidCredentials, apierror.KindOf(err))
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestValidator_ClaimRules(t *testing.T) {
	t.Parallel()

	key := newRSAKey(t, "k")
	srv := newJWKSServer(t, key)
	cfg := jwksIssuer(srv.URL)
	cfg.EnvironmentClaim = "env"
	cfg.ClaimRules = []config.ClaimRuleSpec{
		{Name: "has-subject", Expression: `has(claims.sub) && claims.sub != ""`, Kind: RuleKindCredentials},
		{Name: "prod-api", Expression: `route.environment != "production" || claims.tier == "gold"`, Kind: RuleKindEnvironment},
	}
	v, err := NewValidator(newRegistry(t, cfg))
	require.NoError(t, err)

	claims := baseClaims()
	claims["env"] = "production"
	claims["tier"] = "gold"
	res, err := v.Validate(context.Background(), mintToken(t, key, claims), route.Route{Environment: "production"})
	require.NoError(t, err)
	assert.Equal(t, "production", res.Environment)

	_, err = v.Validate(context.Background(), mintToken(t, key, claims), route.Route{Environment: "sandbox"})
	assert.Equal(t, apierror.EnvironmentMismatch, apierror.KindOf(err))

	claims["tier"] = "silver"
	_, err = v.Validate(context.Background(), mintToken(t, key, claims), route.Route{Environment: "production"})
	assert.Equal(t, apierror.EnvironmentMismatch, apierror.KindOf(err))
	assert.ErrorIs(t, err, ErrClaimRule)
}

func TestValidator_ConcurrentRefreshIsCoalesced(t *testing.T) {
	t.Parallel()

	key := newRSAKey(t, "k")
	srv := newJWKSServer(t, key)
	srv.delay = 100 * time.Millisecond

	v, err := NewValidator(newRegistry(t, jwksIssuer(srv.URL)))
	require.NoError(t, err)
	token := mintToken(t, key, baseClaims())

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := v.Validate(context.Background(), token, route.Route{})
			assert.NoError(t, err)
		}()
	}
	close(start)
	wg.Wait()

	assert.Less(t, srv.fetches.Load(), int32(5))
}

func TestNewValidator_InvalidClaimRule(t *testing.T) {
	t.Parallel()

	cfg := jwksIssuer("https://idp.example.com/jwks")
	cfg.ClaimRules = []config.ClaimRuleSpec{{Expression: "claims.sub +"}}
	_, err := NewValidator(newRegistry(t, cfg))
	assert.Error(t, err)

	_, err = NewValidator(nil)
	assert.Error(t, err)
}
