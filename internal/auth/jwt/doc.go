// Package jwt validates bearer tokens issued by the trusted issuers of the
// issuer registry.
//
// # Validation
//
// Validate runs a fixed sequence of gates and stops at the first failure:
//
//   - the unverified token must name a registered issuer
//   - the signing key is resolved from the issuer JWKS or static certificate
//   - the signature is verified
//   - exp, nbf and iat are checked with a five second skew
//   - the token id must not be revoked
//   - the issuer ClaimTransformer produces the normalized claims
//
// Failures are returned as *apierror.Error values, so callers map them
// directly to a deny response.
//
// # Key sets
//
// JWKSKeySet fetches the issuer key set with jwx and keeps it in memory.
// A lookup for an unknown kid forces one refresh; concurrent refreshes are
// coalesced and run behind a circuit breaker.
//
// # Caching
//
// A TokenCache keeps verified results keyed by token signature until the
// earlier of the cache TTL and the token expiry.
package jwt
