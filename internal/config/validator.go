package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, e[i].Error())
	}
	return sb.String()
}

// ValidateConfig validates an enforcer configuration.
func ValidateConfig(cfg *EnforcerConfig) error {
	if cfg == nil {
		return ValidationErrors{{Message: "configuration is nil"}}
	}

	var errs ValidationErrors
	add := func(path, format string, args ...interface{}) {
		errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.Server.Address == "" {
		add("server.address", "is required")
	}

	seen := make(map[string]bool, len(cfg.Issuers))
	for i := range cfg.Issuers {
		iss := &cfg.Issuers[i]
		path := fmt.Sprintf("issuers[%d]", i)
		if iss.Issuer == "" {
			add(path+".issuer", "is required")
		} else if seen[iss.Issuer] {
			add(path+".issuer", "duplicate issuer %q", iss.Issuer)
		}
		seen[iss.Issuer] = true
		if iss.Name == "" {
			add(path+".name", "is required")
		}
		if iss.JWKSEnabled && iss.JWKSURL == "" {
			add(path+".jwksUrl", "is required when jwksEnabled is set")
		}
		if !iss.JWKSEnabled && iss.Certificate == "" && iss.CertificateFile == "" && iss.VaultCertificatePath == "" {
			add(path, "one of certificate, certificateFile, vaultCertificatePath or jwksUrl is required")
		}
		if iss.VaultCertificatePath != "" && !cfg.Vault.Enabled {
			add(path+".vaultCertificatePath", "requires vault.enabled")
		}
		for j, rule := range iss.ClaimRules {
			if strings.TrimSpace(rule.Expression) == "" {
				add(fmt.Sprintf("%s.claimRules[%d].expression", path, j), "is required")
			}
			if rule.Kind != "" && rule.Kind != "environment" && rule.Kind != "credentials" {
				add(fmt.Sprintf("%s.claimRules[%d].kind", path, j), "must be environment or credentials")
			}
		}
	}

	if cfg.Discovery.Enabled {
		if cfg.Discovery.Address == "" {
			add("discovery.address", "is required when discovery is enabled")
		}
		if cfg.Discovery.NodeID == "" {
			add("discovery.nodeId", "is required when discovery is enabled")
		}
	}

	if cfg.Events.Enabled && cfg.Events.Address == "" {
		add("events.address", "is required when events are enabled")
	}

	if cfg.Fallback.Enabled {
		if u, err := url.Parse(cfg.Fallback.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			add("fallback.baseUrl", "must be an absolute URL")
		}
		if cfg.Fallback.RateLimit < 0 {
			add("fallback.rateLimit", "must not be negative")
		}
	}

	if cfg.Vault.Enabled && cfg.Vault.Address == "" {
		add("vault.address", "is required when vault is enabled")
	}

	if cfg.Tracing.SamplingRate < 0 || cfg.Tracing.SamplingRate > 1 {
		add("tracing.samplingRate", "must be between 0 and 1")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
