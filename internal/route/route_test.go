package route

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromContextExtensions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		ext    map[string]string
		method string
		want   Route
	}{
		{
			name:   "defaults",
			ext:    map[string]string{KeyBasePath: "/pet/1.0.0", KeyVersion: "1.0.0", KeyPath: "/pet/{id}"},
			method: "get",
			want: Route{
				BasePath:    "/pet/1.0.0",
				Version:     "1.0.0",
				Resource:    "/pet/{id}",
				Method:      "GET",
				Auth:        AuthOAuth2,
				APIKeyIn:    InHeader,
				APIKeyName:  DefaultAPIKeyName,
				ErrorFormat: FormatJSON,
			},
		},
		{
			name: "api key in query with xml errors",
			ext: map[string]string{
				KeyAuth:        "API_KEY",
				KeyAPIKeyIn:    "Query",
				KeyAPIKeyName:  "key",
				KeyErrorFormat: "XML",
				KeyMethod:      "post",
				KeyEnvironment: "Production",
			},
			method: "GET",
			want: Route{
				Method:      "POST",
				Environment: "Production",
				Auth:        AuthAPIKey,
				APIKeyIn:    InQuery,
				APIKeyName:  "key",
				ErrorFormat: FormatXML,
			},
		},
		{
			name:   "unknown auth falls back to oauth2",
			ext:    map[string]string{KeyAuth: "saml"},
			method: "DELETE",
			want: Route{
				Method:      "DELETE",
				Auth:        AuthOAuth2,
				APIKeyIn:    InHeader,
				APIKeyName:  DefaultAPIKeyName,
				ErrorFormat: FormatJSON,
			},
		},
		{
			name:   "nil extensions",
			method: "GET",
			want: Route{
				Method:      "GET",
				Auth:        AuthOAuth2,
				APIKeyIn:    InHeader,
				APIKeyName:  DefaultAPIKeyName,
				ErrorFormat: FormatJSON,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, FromContextExtensions(tt.ext, tt.method))
		})
	}
}

func TestRoute_Resources(t *testing.T) {
	t.Parallel()

	assert.Nil(t, Route{}.Resources())
	assert.Equal(t, []string{"/pet"}, Route{Resource: "/pet"}.Resources())
	assert.Equal(t, []string{"/pet", "/pet/{id}"}, Route{Resource: "/pet, /pet/{id},"}.Resources())
}

func TestRoute_AsMap(t *testing.T) {
	t.Parallel()

	m := Route{BasePath: "/a", Environment: "sandbox"}.AsMap()
	assert.Equal(t, "/a", m[KeyBasePath])
	assert.Equal(t, "sandbox", m[KeyEnvironment])
	assert.Contains(t, m, KeyMethod)
}

func TestIsWebSocketUpgrade(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		headers map[string]string
		want    bool
	}{
		{name: "websocket", headers: map[string]string{"upgrade": "websocket"}, want: true},
		{name: "mixed case", headers: map[string]string{"upgrade": " WebSocket "}, want: true},
		{name: "other protocol", headers: map[string]string{"upgrade": "h2c"}},
		{name: "no upgrade", headers: map[string]string{"connection": "keep-alive"}},
		{name: "nil headers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsWebSocketUpgrade(tt.headers))
		})
	}
}
