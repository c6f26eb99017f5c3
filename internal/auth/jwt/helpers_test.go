package jwt

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	jwxjwt "github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/enforcer/internal/config"
	"github.com/vyrodovalexey/enforcer/internal/issuer"
)

const testIssuer = "https://idp.example.com/oauth2/token"

func newRSAKey(t *testing.T, kid string) jwk.Key {
	t.Helper()

	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	key, err := jwk.FromRaw(raw)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, kid))
	require.NoError(t, key.Set(jwk.AlgorithmKey, jwa.RS256))
	return key
}

func publicOf(t *testing.T, key jwk.Key) jwk.Key {
	t.Helper()

	pub, err := jwk.PublicKeyOf(key)
	require.NoError(t, err)
	return pub
}

// mintToken signs claims with key. A zero exp leaves the claim out.
func mintToken(t *testing.T, key jwk.Key, claims map[string]interface{}) string {
	t.Helper()

	tok := jwxjwt.New()
	for k, v := range claims {
		require.NoError(t, tok.Set(k, v))
	}
	signed, err := jwxjwt.Sign(tok, jwxjwt.WithKey(jwa.RS256, key))
	require.NoError(t, err)
	return string(signed)
}

func baseClaims() map[string]interface{} {
	return map[string]interface{}{
		jwxjwt.IssuerKey:     testIssuer,
		jwxjwt.SubjectKey:    "alice",
		jwxjwt.JwtIDKey:      "jti-1",
		jwxjwt.ExpirationKey: time.Now().Add(time.Hour),
		"azp":                "consumer-key-1",
		"scope":              "read:pets write:pets",
	}
}

// jwksServer serves the public keys it holds and counts fetches.
type jwksServer struct {
	*httptest.Server
	mu      sync.Mutex
	keys    []jwk.Key
	fetches atomic.Int32
	delay   time.Duration
	fail    atomic.Bool
}

func newJWKSServer(t *testing.T, keys ...jwk.Key) *jwksServer {
	t.Helper()

	s := &jwksServer{}
	s.setKeys(t, keys...)
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.fetches.Add(1)
		if s.delay > 0 {
			time.Sleep(s.delay)
		}
		if s.fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		set := jwk.NewSet()
		s.mu.Lock()
		for _, k := range s.keys {
			_ = set.AddKey(k)
		}
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *jwksServer) setKeys(t *testing.T, keys ...jwk.Key) {
	pubs := make([]jwk.Key, 0, len(keys))
	for _, k := range keys {
		pubs = append(pubs, publicOf(t, k))
	}
	s.mu.Lock()
	s.keys = pubs
	s.mu.Unlock()
}

func newRegistry(t *testing.T, cfgs ...config.IssuerConfig) *issuer.Registry {
	t.Helper()

	reg, err := issuer.NewRegistry(context.Background(), cfgs)
	require.NoError(t, err)
	return reg
}

func jwksIssuer(url string) config.IssuerConfig {
	return config.IssuerConfig{
		Name:                  "Resident Key Manager",
		Issuer:                testIssuer,
		JWKSEnabled:           true,
		JWKSURL:               url,
		ValidateSubscriptions: true,
	}
}
