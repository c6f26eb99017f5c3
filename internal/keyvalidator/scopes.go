package keyvalidator

import (
	"context"
	"strings"

	"github.com/vyrodovalexey/enforcer/internal/apierror"
	"github.com/vyrodovalexey/enforcer/internal/observability"
	"github.com/vyrodovalexey/enforcer/internal/subscription"
)

// ScopeRequest is the input of ValidateScopes.
type ScopeRequest struct {
	APIContext string
	Version    string
	Method     string
	// Resources are the matched resource templates of the request.
	Resources []string
	Scopes    []string
	CacheHit  bool
	WebSocket bool
}

// ValidateScopes checks every resource against the API URL mappings. A
// resource without a mapping, or whose mapping has no scopes, passes.
func (v *Validator) ValidateScopes(ctx context.Context, req ScopeRequest) (bool, error) {
	if req.CacheHit {
		return true, nil
	}

	version := strings.TrimPrefix(req.Version, DefaultVersionPrefix)
	api, ok := v.store.API(ctx, req.APIContext, version)
	if !ok && version != req.Version && req.WebSocket {
		api, ok = v.store.DefaultAPI(req.APIContext)
	}
	if !ok {
		return true, nil
	}

	granted := make(map[string]struct{}, len(req.Scopes))
	for _, s := range req.Scopes {
		granted[s] = struct{}{}
	}

	for _, resource := range req.Resources {
		mapping, ok := findMapping(api.URLMappings, req.Method, resource)
		if !ok || len(mapping.Scopes) == 0 {
			continue
		}
		if !intersects(mapping.Scopes, granted) {
			v.logger.WithContext(ctx).Debug("scope validation failed",
				observability.String("api", api.Name),
				observability.String("resource", resource),
			)
			return false, apierror.New(apierror.InvalidScope,
				"User is NOT authorized to access the Resource: "+resource+". Scope validation failed.")
		}
	}
	return true, nil
}

func findMapping(mappings []subscription.URLMapping, method, resource string) (subscription.URLMapping, bool) {
	for _, m := range mappings {
		if strings.EqualFold(m.HTTPMethod, method) && pathMatches(resource, m.URLPattern) {
			return m, true
		}
	}
	return subscription.URLMapping{}, false
}

// pathMatches compares case-insensitively and ignores one trailing slash on
// either side.
func pathMatches(resource, pattern string) bool {
	resource = strings.TrimSpace(resource)
	pattern = strings.TrimSpace(pattern)
	switch {
	case strings.EqualFold(resource, pattern):
		return true
	case len(pattern) == len(resource)+1 && strings.HasSuffix(pattern, "/"):
		return strings.EqualFold(resource, pattern[:len(pattern)-1])
	case len(resource) == len(pattern)+1 && strings.HasSuffix(resource, "/"):
		return strings.EqualFold(resource[:len(resource)-1], pattern)
	}
	return false
}

func intersects(required []string, granted map[string]struct{}) bool {
	for _, s := range required {
		if _, ok := granted[s]; ok {
			return true
		}
	}
	return false
}
