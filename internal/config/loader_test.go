package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfigYAML = `
server:
  address: ":18081"
  checkTimeout: 2s
logging:
  level: debug
issuers:
  - name: Resident Key Manager
    issuer: https://idp.example.com/oauth2/token
    jwksEnabled: true
    jwksUrl: https://idp.example.com/oauth2/jwks
    validateSubscriptions: true
    claimRules:
      - name: prod-only
        expression: claims.env == "prod"
        kind: environment
fallback:
  enabled: true
  baseUrl: ${ENFORCER_TEST_CP_URL:-https://cp.local:9443}
  timeout: 750ms
cache:
  enabled: true
  tokenCacheTTL: 1m
`

func TestLoadConfigFromReader(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfigFromReader(strings.NewReader(sampleConfigYAML))
	require.NoError(t, err)

	assert.Equal(t, ":18081", cfg.Server.Address)
	assert.Equal(t, 2*time.Second, cfg.Server.CheckTimeout.Duration())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	require.Len(t, cfg.Issuers, 1)
	assert.Equal(t, "Resident Key Manager", cfg.Issuers[0].Name)
	assert.True(t, cfg.Issuers[0].ValidateSubscriptions)
	require.Len(t, cfg.Issuers[0].ClaimRules, 1)
	assert.Equal(t, "environment", cfg.Issuers[0].ClaimRules[0].Kind)
	assert.Equal(t, "https://cp.local:9443", cfg.Fallback.BaseURL)
	assert.Equal(t, 750*time.Millisecond, cfg.Fallback.Timeout.Duration())
	assert.Equal(t, time.Minute, cfg.Cache.TokenCacheTTL.Duration())
	assert.Equal(t, DefaultDecisionCacheSize, cfg.Cache.DecisionCacheSize)
	assert.Equal(t, DefaultEventsChannel, cfg.Events.Channel)

	require.NoError(t, ValidateConfig(cfg))
}

func TestLoadConfig_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "enforcer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfigYAML), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":18081", cfg.Server.Address)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	t.Parallel()

	_, err := LoadConfigFromReader(strings.NewReader("server: [unterminated"))
	assert.Error(t, err)
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("ENFORCER_SUBST_SET", "value")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "set variable", input: "a: ${ENFORCER_SUBST_SET}", want: "a: value"},
		{name: "default used", input: "a: ${ENFORCER_SUBST_UNSET:-fallback}", want: "a: fallback"},
		{name: "unset without default", input: "a: ${ENFORCER_SUBST_UNSET}", want: "a: "},
		{name: "escaped dollar", input: "a: $${ENFORCER_SUBST_SET}", want: "a: ${ENFORCER_SUBST_SET}"},
		{name: "no variables", input: "a: b", want: "a: b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, substituteEnvVars(tt.input))
		})
	}
}

func TestDuration_JSON(t *testing.T) {
	t.Parallel()

	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"1m30s"`)))
	assert.Equal(t, 90*time.Second, d.Duration())

	require.NoError(t, d.UnmarshalJSON([]byte(`null`)))
	assert.Zero(t, d.Duration())

	assert.Error(t, d.UnmarshalJSON([]byte(`"soon"`)))

	out, err := Duration(5 * time.Second).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"5s"`, string(out))
}
