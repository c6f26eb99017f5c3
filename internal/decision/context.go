package decision

import (
	"github.com/vyrodovalexey/enforcer/internal/auth/jwt"
	"github.com/vyrodovalexey/enforcer/internal/keyvalidator"
	"github.com/vyrodovalexey/enforcer/internal/route"
)

// Credential types.
const (
	CredentialBearer = "bearer"
	CredentialAPIKey = "api_key"
)

// ValidationContext is the request scoped input of Decide.
type ValidationContext struct {
	Route          route.Route
	Credential     string
	CredentialType string
	// Path is the original request path including its query.
	Path          string
	CorrelationID string

	CacheHit bool
	Verdict  *keyvalidator.Verdict
}

// Decision is an allow outcome together with the request mutations the
// proxy has to apply.
type Decision struct {
	Verdict        *keyvalidator.Verdict
	Claims         *jwt.Result
	Headers        map[string]string
	RemoveHeaders  []string
	QueryRemove    map[string]struct{}
	QueryAdd       map[string]string
	RemoveAllQuery bool
	CorrelationID  string
	CacheHit       bool
}

func newDecision(vctx *ValidationContext) *Decision {
	return &Decision{
		Headers:       make(map[string]string),
		QueryRemove:   make(map[string]struct{}),
		QueryAdd:      make(map[string]string),
		CorrelationID: vctx.CorrelationID,
	}
}
