// Package config loads and validates the enforcer's YAML configuration.
//
// Values may reference environment variables as ${VAR} or ${VAR:-default}.
// Durations are written as Go duration strings.
//
// Example:
//
//	server:
//	  address: ":8081"
//	issuers:
//	  - name: Resident Key Manager
//	    issuer: https://idp.example.com/oauth2/token
//	    jwksEnabled: true
//	    jwksUrl: https://idp.example.com/oauth2/jwks
//	    validateSubscriptions: true
//	fallback:
//	  enabled: true
//	  baseUrl: ${CONTROL_PLANE_URL:-https://localhost:9443}
//	  timeout: 3s
package config
