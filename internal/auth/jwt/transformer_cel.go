package jwt

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/vyrodovalexey/enforcer/internal/apierror"
	"github.com/vyrodovalexey/enforcer/internal/config"
	"github.com/vyrodovalexey/enforcer/internal/route"
)

// Claim rule kinds.
const (
	RuleKindEnvironment = "environment"
	RuleKindCredentials = "credentials"
)

type claimRule struct {
	name    string
	kind    apierror.Kind
	program cel.Program
}

// CELTransformer runs a base transformer and then requires every issuer
// claim rule to evaluate to true. Rules see the variables claims and route.
type CELTransformer struct {
	base  ClaimTransformer
	rules []claimRule
}

// NewCELTransformer compiles specs. It fails on the first expression that
// does not compile to a boolean.
func NewCELTransformer(base ClaimTransformer, specs []config.ClaimRuleSpec) (*CELTransformer, error) {
	env, err := cel.NewEnv(
		cel.Variable("claims", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("route", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	t := &CELTransformer{base: base, rules: make([]claimRule, 0, len(specs))}
	for i, spec := range specs {
		ast, issues := env.Compile(spec.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("claim rule %d (%s): failed to compile expression: %w", i, spec.Name, issues.Err())
		}
		if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
			return nil, fmt.Errorf("claim rule %d (%s): expression must return bool, got %s", i, spec.Name, ast.OutputType())
		}
		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("claim rule %d (%s): failed to build program: %w", i, spec.Name, err)
		}

		kind := apierror.InvalidCredentials
		if spec.Kind == RuleKindEnvironment {
			kind = apierror.EnvironmentMismatch
		}
		name := spec.Name
		if name == "" {
			name = fmt.Sprintf("rule-%d", i)
		}
		t.rules = append(t.rules, claimRule{name: name, kind: kind, program: program})
	}
	return t, nil
}

// Transform implements ClaimTransformer.
func (t *CELTransformer) Transform(claims map[string]interface{}, r route.Route) (*NormalizedClaims, error) {
	out, err := t.base.Transform(claims, r)
	if err != nil {
		return nil, err
	}

	vars := map[string]interface{}{
		"claims": claims,
		"route":  r.AsMap(),
	}
	for _, rule := range t.rules {
		val, _, err := rule.program.Eval(vars)
		if err != nil {
			return nil, apierror.Wrap(apierror.InvalidCredentials, "claim rule "+rule.name+" failed", err)
		}
		if ok, isBool := val.Value().(bool); !isBool || !ok {
			return nil, apierror.Wrap(rule.kind, "claim rule "+rule.name+" rejected token", ErrClaimRule)
		}
	}
	return out, nil
}
