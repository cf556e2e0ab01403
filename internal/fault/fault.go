// Package fault defines the error taxonomy surfaced by the execution engine.
//
// Every error returned from the engine's exposed API is a *Error with a stable
// Kind and a human-readable Reason. Component-internal sentinel errors are
// wrapped with %w and classified at component boundaries.
package fault

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind categorizes an engine error. Values are stable and safe to persist.
type Kind string

const (
	// KindMalformedIntent indicates the intent failed structural validation.
	KindMalformedIntent Kind = "MalformedIntent"

	// KindUnknownSession indicates the referenced session does not exist or expired.
	KindUnknownSession Kind = "UnknownSession"

	// KindTenantMismatch indicates a session was addressed with the wrong tenant.
	KindTenantMismatch Kind = "TenantMismatch"

	// KindPolicyDenied indicates the policy validator refused the intent.
	KindPolicyDenied Kind = "PolicyDenied"

	// KindPolicyUnavailable indicates the policy validator could not be consulted.
	KindPolicyUnavailable Kind = "PolicyUnavailable"

	// KindUnknownCapability indicates no handler is registered for the intent type.
	KindUnknownCapability Kind = "UnknownCapability"

	// KindHandlerFault wraps any error or panic raised by a handler.
	KindHandlerFault Kind = "HandlerFault"

	// KindSagaStepExhausted indicates a saga step exhausted its retries or
	// failed permanently. The saga was compensated; Details["compensated"]
	// is "false" when a non-compensable step halted the rollback.
	KindSagaStepExhausted Kind = "SagaStepExhausted"

	// KindSagaCompensationFailed indicates a compensation action failed.
	// This is fatal and requires operator intervention.
	KindSagaCompensationFailed Kind = "SagaCompensationFailed"

	// KindStorageUnavailable indicates the WAL or state store rejected an operation.
	KindStorageUnavailable Kind = "StorageUnavailable"
)

// Error is the structured error type returned by the engine.
type Error struct {
	Kind        Kind
	Reason      string
	ExecutionID string
	SagaID      string
	PolicyID    string
	Details     map[string]string
	Err         error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Reason)

	var refs []string
	if e.ExecutionID != "" {
		refs = append(refs, "execution="+e.ExecutionID)
	}
	if e.SagaID != "" {
		refs = append(refs, "saga="+e.SagaID)
	}
	if e.PolicyID != "" {
		refs = append(refs, "policy="+e.PolicyID)
	}
	if len(refs) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(refs, ", "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Fields returns a flat, sorted view of the error suitable for logging and
// WAL payloads.
func (e *Error) Fields() map[string]any {
	out := map[string]any{
		"kind":   string(e.Kind),
		"reason": e.Reason,
	}
	if e.ExecutionID != "" {
		out["execution_id"] = e.ExecutionID
	}
	if e.SagaID != "" {
		out["saga_id"] = e.SagaID
	}
	if e.PolicyID != "" {
		out["policy_id"] = e.PolicyID
	}
	if e.Err != nil {
		out["cause"] = e.Err.Error()
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		details := make(map[string]any, len(keys))
		for _, k := range keys {
			details[k] = e.Details[k]
		}
		out["details"] = details
	}
	return out
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind with an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...), Err: err}
}

// WithExecution returns a copy of e annotated with an execution id.
func (e *Error) WithExecution(id string) *Error {
	cp := *e
	cp.ExecutionID = id
	return &cp
}

// WithSaga returns a copy of e annotated with a saga id.
func (e *Error) WithSaga(id string) *Error {
	cp := *e
	cp.SagaID = id
	return &cp
}

// WithPolicy returns a copy of e annotated with a policy id.
func (e *Error) WithPolicy(id string) *Error {
	cp := *e
	cp.PolicyID = id
	return &cp
}

// WithDetail returns a copy of e with an additional detail entry.
func (e *Error) WithDetail(key, value string) *Error {
	cp := *e
	cp.Details = make(map[string]string, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// As extracts a *Error from err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	if fe, ok := As(err); ok {
		return fe.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Classify returns err as a *Error, wrapping untyped errors with fallback.
func Classify(err error, fallback Kind) *Error {
	if err == nil {
		return nil
	}
	if fe, ok := As(err); ok {
		return fe
	}
	return Wrap(fallback, err, "%s", err.Error())
}
