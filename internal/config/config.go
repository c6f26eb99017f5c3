package config

import "time"

// EnforcerConfig is the root configuration of the enforcer.
type EnforcerConfig struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Admin     AdminConfig     `yaml:"admin" json:"admin"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Tracing   TracingConfig   `yaml:"tracing" json:"tracing"`
	Issuers   []IssuerConfig  `yaml:"issuers" json:"issuers"`
	JWKS      JWKSConfig      `yaml:"jwks" json:"jwks"`
	Discovery DiscoveryConfig `yaml:"discovery" json:"discovery"`
	Events    EventsConfig    `yaml:"events" json:"events"`
	Fallback  FallbackConfig  `yaml:"fallback" json:"fallback"`
	Cache     CacheConfig     `yaml:"cache" json:"cache"`
	Vault     VaultConfig     `yaml:"vault" json:"vault"`
}

// ServerConfig configures the external authorization gRPC server.
type ServerConfig struct {
	Address              string   `yaml:"address" json:"address"`
	MaxConcurrentStreams uint32   `yaml:"maxConcurrentStreams,omitempty" json:"maxConcurrentStreams,omitempty"`
	KeepaliveTime        Duration `yaml:"keepaliveTime,omitempty" json:"keepaliveTime,omitempty"`
	CheckTimeout         Duration `yaml:"checkTimeout,omitempty" json:"checkTimeout,omitempty"`
}

// AdminConfig configures the admin HTTP server.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output,omitempty" json:"output,omitempty"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	OTLPEndpoint string  `yaml:"otlpEndpoint,omitempty" json:"otlpEndpoint,omitempty"`
	SamplingRate float64 `yaml:"samplingRate,omitempty" json:"samplingRate,omitempty"`
	ServiceName  string  `yaml:"serviceName,omitempty" json:"serviceName,omitempty"`
}

// IssuerConfig configures one trusted token issuer.
type IssuerConfig struct {
	// Name is the key manager the issuer's consumer keys belong to.
	Name                  string          `yaml:"name" json:"name"`
	Issuer                string          `yaml:"issuer" json:"issuer"`
	CertificateFile       string          `yaml:"certificateFile,omitempty" json:"certificateFile,omitempty"`
	Certificate           string          `yaml:"certificate,omitempty" json:"certificate,omitempty"`
	VaultCertificatePath  string          `yaml:"vaultCertificatePath,omitempty" json:"vaultCertificatePath,omitempty"`
	JWKSURL               string          `yaml:"jwksUrl,omitempty" json:"jwksUrl,omitempty"`
	JWKSEnabled           bool            `yaml:"jwksEnabled,omitempty" json:"jwksEnabled,omitempty"`
	ConsumerKeyClaim      string          `yaml:"consumerKeyClaim,omitempty" json:"consumerKeyClaim,omitempty"`
	ScopesClaim           string          `yaml:"scopesClaim,omitempty" json:"scopesClaim,omitempty"`
	EnvironmentClaim      string          `yaml:"environmentClaim,omitempty" json:"environmentClaim,omitempty"`
	ValidateSubscriptions bool            `yaml:"validateSubscriptions" json:"validateSubscriptions"`
	ClaimRules            []ClaimRuleSpec `yaml:"claimRules,omitempty" json:"claimRules,omitempty"`
}

// ClaimRuleSpec is a CEL expression that must hold for a token to be accepted.
type ClaimRuleSpec struct {
	Name       string `yaml:"name" json:"name"`
	Expression string `yaml:"expression" json:"expression"`
	// Kind is "environment" or "credentials" and selects the failure reported.
	Kind string `yaml:"kind,omitempty" json:"kind,omitempty"`
}

// JWKSConfig configures JWKS fetching shared by all issuers.
type JWKSConfig struct {
	Timeout              Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	RefreshInterval      Duration `yaml:"refreshInterval,omitempty" json:"refreshInterval,omitempty"`
	BreakerFailureThresh int      `yaml:"breakerFailureThreshold,omitempty" json:"breakerFailureThreshold,omitempty"`
	BreakerTimeout       Duration `yaml:"breakerTimeout,omitempty" json:"breakerTimeout,omitempty"`
}

// DiscoveryConfig configures the control plane discovery client.
type DiscoveryConfig struct {
	Enabled           bool     `yaml:"enabled" json:"enabled"`
	Address           string   `yaml:"address" json:"address"`
	NodeID            string   `yaml:"nodeId" json:"nodeId"`
	Kinds             []string `yaml:"kinds,omitempty" json:"kinds,omitempty"`
	InitialBackoff    Duration `yaml:"initialBackoff,omitempty" json:"initialBackoff,omitempty"`
	MaxBackoff        Duration `yaml:"maxBackoff,omitempty" json:"maxBackoff,omitempty"`
	ConnectionTimeout Duration `yaml:"connectionTimeout,omitempty" json:"connectionTimeout,omitempty"`
}

// EventsConfig configures the change event listener.
type EventsConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Address  string `yaml:"address" json:"address"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	DB       int    `yaml:"db,omitempty" json:"db,omitempty"`
	Channel  string `yaml:"channel,omitempty" json:"channel,omitempty"`
}

// FallbackConfig configures on-demand REST lookups.
type FallbackConfig struct {
	Enabled              bool     `yaml:"enabled" json:"enabled"`
	BaseURL              string   `yaml:"baseUrl" json:"baseUrl"`
	Username             string   `yaml:"username,omitempty" json:"username,omitempty"`
	Password             string   `yaml:"password,omitempty" json:"password,omitempty"`
	Timeout              Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	RateLimit            float64  `yaml:"rateLimit,omitempty" json:"rateLimit,omitempty"`
	RateBurst            int      `yaml:"rateBurst,omitempty" json:"rateBurst,omitempty"`
	BreakerFailureThresh int      `yaml:"breakerFailureThreshold,omitempty" json:"breakerFailureThreshold,omitempty"`
	BreakerTimeout       Duration `yaml:"breakerTimeout,omitempty" json:"breakerTimeout,omitempty"`
}

// CacheConfig configures the in-process token and decision caches.
type CacheConfig struct {
	Enabled           bool     `yaml:"enabled" json:"enabled"`
	TokenCacheSize    int      `yaml:"tokenCacheSize,omitempty" json:"tokenCacheSize,omitempty"`
	TokenCacheTTL     Duration `yaml:"tokenCacheTTL,omitempty" json:"tokenCacheTTL,omitempty"`
	DecisionCacheSize int      `yaml:"decisionCacheSize,omitempty" json:"decisionCacheSize,omitempty"`
	DecisionCacheTTL  Duration `yaml:"decisionCacheTTL,omitempty" json:"decisionCacheTTL,omitempty"`
}

// VaultConfig configures the Vault client used to read issuer certificates.
type VaultConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
	Token   string `yaml:"token,omitempty" json:"token,omitempty"`
	Mount   string `yaml:"mount,omitempty" json:"mount,omitempty"`
}

// Defaults.
const (
	DefaultServerAddress     = ":8081"
	DefaultAdminAddress      = ":9000"
	DefaultCheckTimeout      = 5 * time.Second
	DefaultJWKSTimeout       = 10 * time.Second
	DefaultFallbackTimeout   = 3 * time.Second
	DefaultEventsChannel     = "enforcer:events"
	DefaultVaultMount        = "secret"
	DefaultTokenCacheSize    = 10000
	DefaultTokenCacheTTL     = 15 * time.Minute
	DefaultDecisionCacheSize = 10000
	DefaultDecisionCacheTTL  = 15 * time.Minute
	DefaultInitialBackoff    = 500 * time.Millisecond
	DefaultMaxBackoff        = 30 * time.Second
)

// DefaultConfig returns a configuration with defaults applied.
func DefaultConfig() *EnforcerConfig {
	cfg := &EnforcerConfig{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values with defaults.
func (c *EnforcerConfig) ApplyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = DefaultServerAddress
	}
	if c.Server.CheckTimeout == 0 {
		c.Server.CheckTimeout = Duration(DefaultCheckTimeout)
	}
	if c.Admin.Address == "" {
		c.Admin.Address = DefaultAdminAddress
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = 1.0
	}
	if c.JWKS.Timeout == 0 {
		c.JWKS.Timeout = Duration(DefaultJWKSTimeout)
	}
	if c.Fallback.Timeout == 0 {
		c.Fallback.Timeout = Duration(DefaultFallbackTimeout)
	}
	if c.Events.Channel == "" {
		c.Events.Channel = DefaultEventsChannel
	}
	if c.Vault.Mount == "" {
		c.Vault.Mount = DefaultVaultMount
	}
	if c.Discovery.InitialBackoff == 0 {
		c.Discovery.InitialBackoff = Duration(DefaultInitialBackoff)
	}
	if c.Discovery.MaxBackoff == 0 {
		c.Discovery.MaxBackoff = Duration(DefaultMaxBackoff)
	}
	if c.Cache.TokenCacheSize == 0 {
		c.Cache.TokenCacheSize = DefaultTokenCacheSize
	}
	if c.Cache.TokenCacheTTL == 0 {
		c.Cache.TokenCacheTTL = Duration(DefaultTokenCacheTTL)
	}
	if c.Cache.DecisionCacheSize == 0 {
		c.Cache.DecisionCacheSize = DefaultDecisionCacheSize
	}
	if c.Cache.DecisionCacheTTL == 0 {
		c.Cache.DecisionCacheTTL = Duration(DefaultDecisionCacheTTL)
	}
}
