// Package saga coordinates durable multi-step workflows with compensation.
//
// A saga is built from a Definition: steps with an action type, an optional
// compensation type, a retry budget and optional dependencies. Construction
// orders the steps topologically and rejects cycles before anything runs.
//
// # Execution
//
// Steps execute sequentially in topological order. Each attempt appends
// saga_step_started; success appends saga_step_completed, failure appends
// saga_step_failed. Failed attempts are retried with exponential backoff and
// jitter until the step's max_retries budget is spent or the error is marked
// Permanent.
//
// # Compensation
//
// When a step fails for good, completed steps are compensated in strict
// reverse order. A completed step without a compensation type halts the
// rollback and the saga is aborted with the remaining steps uncompensated.
// A compensation action that fails moves the saga to failed; this is fatal
// and is never retried automatically.
//
// # Replay
//
// Every status change is a state_transition event and the first one carries
// the definition, so Rebuild reconstructs a saga from its WAL events alone
// without invoking any action. The State Store copy under the sagas
// namespace is a projection of the log.
package saga
