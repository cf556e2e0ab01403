package policy

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/google/cel-go/cel"
)

// Rule is one CEL policy rule.
//
// Rules apply to intents whose type matches Match (a glob; empty matches
// everything). Expr must evaluate to a bool; false denies with Reason.
type Rule struct {
	PolicyID string `koanf:"policy_id" yaml:"policy_id" json:"policy_id"`
	Match    string `koanf:"match" yaml:"match" json:"match"`
	Expr     string `koanf:"expr" yaml:"expr" json:"expr"`
	Reason   string `koanf:"reason" yaml:"reason" json:"reason"`
}

type compiledRule struct {
	Rule
	prg cel.Program
}

// DefaultPolicyID labels decisions not attributable to a specific rule.
const DefaultPolicyID = "default"

// CELValidator evaluates ordered CEL rules over the intent and session.
//
// Expressions see two variables:
//
//	intent:  {intent_type, realm, action, tenant_id, session_id, payload, metadata}
//	session: {session_id, tenant_id, user_id, active_saga_ids, active_saga_count}
type CELValidator struct {
	rules        []compiledRule
	defaultAllow bool
}

// NewCELValidator compiles every rule up front so a bad rule fails at startup
// rather than on the request path.
func NewCELValidator(rules []Rule, defaultAllow bool) (*CELValidator, error) {
	env, err := cel.NewEnv(
		cel.Variable("intent", cel.DynType),
		cel.Variable("session", cel.DynType),
		// Payload numbers decode as doubles; rules compare them with int literals.
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	v := &CELValidator{defaultAllow: defaultAllow}
	seen := map[string]bool{}
	for i, r := range rules {
		if r.PolicyID == "" {
			return nil, fmt.Errorf("rule %d: policy_id is required", i)
		}
		if seen[r.PolicyID] {
			return nil, fmt.Errorf("rule %d: duplicate policy_id %q", i, r.PolicyID)
		}
		seen[r.PolicyID] = true
		if _, err := path.Match(r.Match, ""); err != nil {
			return nil, fmt.Errorf("rule %s: bad match pattern: %w", r.PolicyID, err)
		}

		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rule %s: compile: %w", r.PolicyID, issues.Err())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000), // Hard limit on computational complexity
		)
		if err != nil {
			return nil, fmt.Errorf("rule %s: program: %w", r.PolicyID, err)
		}
		if r.Reason == "" {
			r.Reason = "denied by " + r.PolicyID
		}
		v.rules = append(v.rules, compiledRule{Rule: r, prg: prg})
	}
	return v, nil
}

// Evaluate applies matching rules in order; the first false result denies.
// Evaluation errors are returned so the gate fails closed.
func (v *CELValidator) Evaluate(ctx context.Context, req Request) (Decision, error) {
	input := map[string]any{
		"intent":  intentVars(req),
		"session": sessionVars(req),
	}

	var matched []string
	for _, r := range v.rules {
		if !matches(r.Match, req.Intent.IntentType) {
			continue
		}
		matched = append(matched, r.PolicyID)

		out, _, err := r.prg.ContextEval(ctx, input)
		if err != nil {
			return Decision{PolicyID: r.PolicyID}, fmt.Errorf("rule %s: eval: %w", r.PolicyID, err)
		}
		allowed, ok := out.Value().(bool)
		if !ok {
			return Decision{PolicyID: r.PolicyID}, fmt.Errorf("rule %s: result not bool", r.PolicyID)
		}
		if !allowed {
			return Deny(r.PolicyID, r.Reason), nil
		}
	}

	if len(matched) == 0 {
		if v.defaultAllow {
			return Allow(DefaultPolicyID, "no matching rule"), nil
		}
		return Deny(DefaultPolicyID, "no_matching_policy"), nil
	}
	return Allow(strings.Join(matched, ","), "all matching rules passed"), nil
}

func matches(pattern, intentType string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, _ := path.Match(pattern, intentType)
	return ok
}

func intentVars(req Request) map[string]any {
	in := req.Intent
	payload := in.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return map[string]any{
		"intent_type": in.IntentType,
		"realm":       in.Realm(),
		"action":      in.Action(),
		"tenant_id":   in.TenantID,
		"session_id":  in.SessionID,
		"payload":     payload,
		"metadata": map[string]any{
			"correlation_id": in.Metadata.CorrelationID,
			"source":         in.Metadata.Source,
		},
	}
}

func sessionVars(req Request) map[string]any {
	s := req.Session
	sagas := s.ActiveSagaIDs
	if sagas == nil {
		sagas = []string{}
	}
	return map[string]any{
		"session_id":        s.SessionID,
		"tenant_id":         s.TenantID,
		"user_id":           s.UserID,
		"active_saga_ids":   sagas,
		"active_saga_count": int64(len(sagas)),
	}
}
