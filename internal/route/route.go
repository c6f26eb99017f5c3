// Package route describes the matched route the proxy forwards with each
// check request.
package route

import (
	"strings"
)

// Context extension keys set by the proxy route configuration.
const (
	KeyBasePath    = "basePath"
	KeyVersion     = "version"
	KeyName        = "name"
	KeyPath        = "path"
	KeyMethod      = "method"
	KeyEnvironment = "environment"
	KeyAuth        = "auth"
	KeyAPIKeyIn    = "apiKeyIn"
	KeyAPIKeyName  = "apiKeyName"
	KeyErrorFormat = "errorFormat"
)

// AuthMode is the security requirement of a route.
type AuthMode string

// Supported auth modes.
const (
	AuthOAuth2 AuthMode = "oauth2"
	AuthAPIKey AuthMode = "api_key"
	AuthNone   AuthMode = "none"
)

// API key locations.
const (
	InHeader = "header"
	InQuery  = "query"
)

// DefaultAPIKeyName is the header or query parameter carrying an API key.
const DefaultAPIKeyName = "apikey"

// Error body formats.
const (
	FormatJSON = "json"
	FormatXML  = "xml"
)

// Route is the matched API route for one request.
type Route struct {
	BasePath    string
	Version     string
	Name        string
	// Resource is the matched resource template; several are comma joined.
	Resource    string
	Method      string
	Environment string
	Auth        AuthMode
	APIKeyIn    string
	APIKeyName  string
	ErrorFormat string
	// WebSocket is set for websocket upgrade requests.
	WebSocket   bool
}

// FromContextExtensions builds a Route from proxy context extensions.
// method is the request method and is used when the route does not pin one.
func FromContextExtensions(ext map[string]string, method string) Route {
	r := Route{
		BasePath:    ext[KeyBasePath],
		Version:     ext[KeyVersion],
		Name:        ext[KeyName],
		Resource:    ext[KeyPath],
		Method:      strings.ToUpper(ext[KeyMethod]),
		Environment: ext[KeyEnvironment],
		Auth:        AuthMode(strings.ToLower(ext[KeyAuth])),
		APIKeyIn:    strings.ToLower(ext[KeyAPIKeyIn]),
		APIKeyName:  ext[KeyAPIKeyName],
		ErrorFormat: strings.ToLower(ext[KeyErrorFormat]),
	}
	if r.Method == "" {
		r.Method = strings.ToUpper(method)
	}
	switch r.Auth {
	case AuthOAuth2, AuthAPIKey, AuthNone:
	default:
		r.Auth = AuthOAuth2
	}
	if r.APIKeyIn != InQuery {
		r.APIKeyIn = InHeader
	}
	if r.APIKeyName == "" {
		r.APIKeyName = DefaultAPIKeyName
	}
	if r.ErrorFormat != FormatXML {
		r.ErrorFormat = FormatJSON
	}
	return r
}

// IsWebSocketUpgrade reports whether the lower cased request headers ask
// for a websocket upgrade.
func IsWebSocketUpgrade(headers map[string]string) bool {
	return strings.EqualFold(strings.TrimSpace(headers["upgrade"]), "websocket")
}

// Resources returns the matched resource templates.
func (r Route) Resources() []string {
	if r.Resource == "" {
		return nil
	}
	parts := strings.Split(r.Resource, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// AsMap exposes the route to claim rule expressions.
func (r Route) AsMap() map[string]string {
	return map[string]string{
		KeyBasePath:    r.BasePath,
		KeyVersion:     r.Version,
		KeyName:        r.Name,
		KeyPath:        r.Resource,
		KeyMethod:      r.Method,
		KeyEnvironment: r.Environment,
	}
}
