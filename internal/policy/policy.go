// Package policy gates execution on an external policy decision.
//
// The Gate consults a Validator exactly once per execution, at acceptance
// time, and records the decision in the WAL before execution may proceed.
// The Gate fails closed: if the validator errors, times out or panics, the
// decision is a denial marked unavailable.
package policy

import (
	"context"

	"github.com/roach88/govexec/internal/canon"
	"github.com/roach88/govexec/internal/intent"
	"github.com/roach88/govexec/internal/session"
)

// ReasonUnavailable is the reason recorded when the validator could not decide.
const ReasonUnavailable = "PolicyUnavailable"

// Request is the input to a policy validator.
type Request struct {
	Intent  intent.Intent
	Session session.Session
}

// Decision is the immutable result of a policy evaluation.
type Decision struct {
	Allowed     bool   `json:"allowed"`
	Reason      string `json:"reason"`
	PolicyID    string `json:"policy_id"`
	Unavailable bool   `json:"unavailable,omitempty"`
	Hash        string `json:"hash,omitempty"`
}

// Allow returns an allowing decision.
func Allow(policyID, reason string) Decision {
	return Decision{Allowed: true, Reason: reason, PolicyID: policyID}
}

// Deny returns a denying decision.
func Deny(policyID, reason string) Decision {
	return Decision{Allowed: false, Reason: reason, PolicyID: policyID}
}

func unavailable(policyID string) Decision {
	return Decision{Allowed: false, Reason: ReasonUnavailable, PolicyID: policyID, Unavailable: true}
}

// ComputeHash returns the canonical hash of the decision's content fields.
func (d Decision) ComputeHash() string {
	return canon.MustHash(canon.DomainDecision, d.content())
}

// Sealed returns d with Hash populated.
func (d Decision) Sealed() Decision {
	d.Hash = d.ComputeHash()
	return d
}

func (d Decision) content() map[string]any {
	m := map[string]any{
		"allowed":   d.Allowed,
		"reason":    d.Reason,
		"policy_id": d.PolicyID,
	}
	if d.Unavailable {
		m["unavailable"] = true
	}
	return m
}

// Record renders the decision, including its hash, for WAL payloads.
func (d Decision) Record() map[string]any {
	m := d.content()
	m["hash"] = d.Hash
	return m
}

// DecisionFromRecord rebuilds a decision from its WAL record.
func DecisionFromRecord(m map[string]any) Decision {
	d := Decision{}
	d.Allowed, _ = m["allowed"].(bool)
	d.Reason, _ = m["reason"].(string)
	d.PolicyID, _ = m["policy_id"].(string)
	d.Unavailable, _ = m["unavailable"].(bool)
	d.Hash, _ = m["hash"].(string)
	return d
}

// Validator is the external policy decision point.
type Validator interface {
	Evaluate(ctx context.Context, req Request) (Decision, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, req Request) (Decision, error)

// Evaluate calls f.
func (f ValidatorFunc) Evaluate(ctx context.Context, req Request) (Decision, error) {
	return f(ctx, req)
}

// AllowAll returns a validator that allows everything under policyID.
func AllowAll(policyID string) Validator {
	return ValidatorFunc(func(context.Context, Request) (Decision, error) {
		return Allow(policyID, "allowed"), nil
	})
}

// DenyAll returns a validator that denies everything with reason.
func DenyAll(policyID, reason string) Validator {
	return ValidatorFunc(func(context.Context, Request) (Decision, error) {
		return Deny(policyID, reason), nil
	})
}
