// Package issuer holds the static registry of trusted token issuers.
package issuer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/vyrodovalexey/enforcer/internal/config"
	"github.com/vyrodovalexey/enforcer/internal/observability"
)

// Claim name defaults.
const (
	DefaultConsumerKeyClaim  = "azp"
	FallbackConsumerKeyClaim = "client_id"
	DefaultScopesClaim       = "scope"
)

// ErrNoKeyMaterial indicates an issuer has neither a JWKS endpoint nor a certificate.
var ErrNoKeyMaterial = errors.New("issuer has no key material")

// Issuer is the immutable configuration of one trusted token issuer.
type Issuer struct {
	// Name is the key manager consumer keys of this issuer belong to.
	Name                  string
	URL                   string
	JWKSURL               string
	JWKSEnabled           bool
	ConsumerKeyClaim      string
	ScopesClaim           string
	EnvironmentClaim      string
	ValidateSubscriptions bool
	ClaimRules            []config.ClaimRuleSpec

	// Key is the static verification key parsed from the issuer certificate.
	// It is nil when the issuer is JWKS only.
	Key jwk.Key
}

// UsesJWKS reports whether keys are resolved from the issuer's JWKS endpoint.
func (i *Issuer) UsesJWKS() bool {
	return i.JWKSEnabled && i.JWKSURL != ""
}

// CertificateSource resolves a PEM certificate stored outside the config file.
type CertificateSource interface {
	Certificate(ctx context.Context, path string) ([]byte, error)
}

// Registry is a read-only lookup of issuers by issuer URL.
type Registry struct {
	issuers map[string]*Issuer
	order   []string
}

// Option configures registry construction.
type Option func(*builder)

type builder struct {
	source CertificateSource
	logger observability.Logger
}

// WithCertificateSource sets the source used for vaultCertificatePath.
func WithCertificateSource(source CertificateSource) Option {
	return func(b *builder) {
		b.source = source
	}
}

// WithLogger sets the logger used while loading issuers.
func WithLogger(logger observability.Logger) Option {
	return func(b *builder) {
		b.logger = logger
	}
}

// NewRegistry builds the registry from configuration. Certificates are read
// and parsed once here.
func NewRegistry(ctx context.Context, cfgs []config.IssuerConfig, opts ...Option) (*Registry, error) {
	b := &builder{logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(b)
	}

	r := &Registry{issuers: make(map[string]*Issuer, len(cfgs))}
	for i := range cfgs {
		iss, err := b.build(ctx, &cfgs[i])
		if err != nil {
			return nil, fmt.Errorf("issuer %q: %w", cfgs[i].Issuer, err)
		}
		if _, dup := r.issuers[iss.URL]; dup {
			return nil, fmt.Errorf("issuer %q: duplicate issuer", iss.URL)
		}
		r.issuers[iss.URL] = iss
		r.order = append(r.order, iss.URL)

		b.logger.Info("issuer registered",
			observability.String("issuer", iss.URL),
			observability.String("key_manager", iss.Name),
			observability.Bool("jwks", iss.UsesJWKS()),
			observability.Bool("validate_subscriptions", iss.ValidateSubscriptions),
		)
	}
	return r, nil
}

// Lookup returns the issuer registered for the token "iss" value.
func (r *Registry) Lookup(iss string) (*Issuer, bool) {
	if r == nil {
		return nil, false
	}
	v, ok := r.issuers[iss]
	return v, ok
}

// All returns the issuers in configuration order.
func (r *Registry) All() []*Issuer {
	out := make([]*Issuer, 0, len(r.order))
	for _, u := range r.order {
		out = append(out, r.issuers[u])
	}
	return out
}

// Len returns the number of registered issuers.
func (r *Registry) Len() int {
	return len(r.issuers)
}

func (b *builder) build(ctx context.Context, cfg *config.IssuerConfig) (*Issuer, error) {
	iss := &Issuer{
		Name:                  cfg.Name,
		URL:                   cfg.Issuer,
		JWKSURL:               cfg.JWKSURL,
		JWKSEnabled:           cfg.JWKSEnabled,
		ConsumerKeyClaim:      cfg.ConsumerKeyClaim,
		ScopesClaim:           cfg.ScopesClaim,
		EnvironmentClaim:      cfg.EnvironmentClaim,
		ValidateSubscriptions: cfg.ValidateSubscriptions,
		ClaimRules:            cfg.ClaimRules,
	}
	if iss.ScopesClaim == "" {
		iss.ScopesClaim = DefaultScopesClaim
	}

	pemData, err := b.certificate(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if len(pemData) > 0 {
		key, err := ParseKey(pemData)
		if err != nil {
			return nil, err
		}
		iss.Key = key
	}

	if iss.Key == nil && !iss.UsesJWKS() {
		return nil, ErrNoKeyMaterial
	}
	return iss, nil
}

func (b *builder) certificate(ctx context.Context, cfg *config.IssuerConfig) ([]byte, error) {
	switch {
	case strings.TrimSpace(cfg.Certificate) != "":
		return []byte(cfg.Certificate), nil
	case cfg.CertificateFile != "":
		data, err := os.ReadFile(cfg.CertificateFile) //nolint:gosec // operator supplied path
		if err != nil {
			return nil, fmt.Errorf("failed to read certificate file: %w", err)
		}
		return data, nil
	case cfg.VaultCertificatePath != "":
		if b.source == nil {
			return nil, errors.New("vaultCertificatePath set but no certificate source configured")
		}
		data, err := b.source.Certificate(ctx, cfg.VaultCertificatePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read certificate from vault: %w", err)
		}
		return data, nil
	}
	return nil, nil
}

// ParseKey parses a PEM encoded certificate or public key into a verification key.
func ParseKey(pemData []byte) (jwk.Key, error) {
	key, err := jwk.ParseKey(pemData, jwk.WithPEM(true))
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	if key.KeyType() == jwa.OctetSeq {
		return nil, errors.New("symmetric keys are not accepted as issuer certificates")
	}
	return key, nil
}
