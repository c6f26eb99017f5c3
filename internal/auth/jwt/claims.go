package jwt

import (
	"strings"

	"github.com/vyrodovalexey/enforcer/internal/apierror"
	"github.com/vyrodovalexey/enforcer/internal/issuer"
	"github.com/vyrodovalexey/enforcer/internal/route"
)

// NormalizedClaims is the issuer independent view of a verified token.
type NormalizedClaims struct {
	ConsumerKey string
	Scopes      []string
	Environment string
	// Extra holds every claim of the token.
	Extra map[string]interface{}
}

// HasScope reports whether scope was granted.
func (c *NormalizedClaims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ClaimTransformer turns raw claims into NormalizedClaims for one issuer.
// A returned error should be an *apierror.Error.
type ClaimTransformer interface {
	Transform(claims map[string]interface{}, r route.Route) (*NormalizedClaims, error)
}

// DefaultTransformer maps configured claim names and checks the token
// environment against the route environment.
type DefaultTransformer struct {
	ConsumerKeyClaim string
	ScopesClaim      string
	EnvironmentClaim string
}

// NewDefaultTransformer returns the claim mapping configured for iss.
func NewDefaultTransformer(iss *issuer.Issuer) *DefaultTransformer {
	return &DefaultTransformer{
		ConsumerKeyClaim: iss.ConsumerKeyClaim,
		ScopesClaim:      iss.ScopesClaim,
		EnvironmentClaim: iss.EnvironmentClaim,
	}
}

// Transform implements ClaimTransformer.
func (t *DefaultTransformer) Transform(claims map[string]interface{}, r route.Route) (*NormalizedClaims, error) {
	out := &NormalizedClaims{Extra: claims}

	if t.ConsumerKeyClaim != "" {
		out.ConsumerKey = stringClaim(claims, t.ConsumerKeyClaim)
	} else {
		out.ConsumerKey = stringClaim(claims, issuer.DefaultConsumerKeyClaim)
		if out.ConsumerKey == "" {
			out.ConsumerKey = stringClaim(claims, issuer.FallbackConsumerKeyClaim)
		}
	}

	scopesClaim := t.ScopesClaim
	if scopesClaim == "" {
		scopesClaim = issuer.DefaultScopesClaim
	}
	out.Scopes = scopesFrom(claims[scopesClaim])

	if t.EnvironmentClaim != "" {
		out.Environment = stringClaim(claims, t.EnvironmentClaim)
		if r.Environment != "" && !strings.EqualFold(out.Environment, r.Environment) {
			return nil, apierror.New(apierror.EnvironmentMismatch,
				"token environment "+quoteOrEmpty(out.Environment)+" does not match "+r.Environment)
		}
	}

	return out, nil
}

func stringClaim(claims map[string]interface{}, name string) string {
	if s, ok := claims[name].(string); ok {
		return s
	}
	return ""
}

// scopesFrom accepts a space separated string or a list of strings.
func scopesFrom(v interface{}) []string {
	switch s := v.(type) {
	case string:
		return strings.Fields(s)
	case []string:
		return s
	case []interface{}:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok && str != "" {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func quoteOrEmpty(s string) string {
	if s == "" {
		return "<none>"
	}
	return `"` + s + `"`
}
