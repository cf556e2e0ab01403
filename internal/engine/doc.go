// Package engine implements the execution lifecycle manager.
//
// The engine is the only entry point that turns an intent into work. It
// drives every execution through a strictly forward state machine:
//
//	received → validated → policy_evaluated → resolved → executing → {completed | failed}
//
// SUBMISSION FLOW:
//
// 1. intent_received is appended before validation, so rejected intents are
// auditable. A rejected intent writes exactly that one event.
// 2. The policy gate decides once and appends policy_evaluated. A denial
// appends execution_failed carrying the same decision record; no handler
// is invoked.
// 3. The capability is resolved and its input contract checked.
// 4. execution_started is appended and the handler runs with an execution
// context whose handles stage, but never write, state and events.
// 5. execution_completed (or execution_failed) is appended with the merged
// outcome, then state changes are applied to the State Store.
//
// The WAL is the source of truth. The executions namespace of the State
// Store holds a status projection that may lag the log.
//
// CANCELLATION:
//
// Cancellation is an intent too ({realm}.cancel). It is validated and gated
// like any other intent, then cancels the target execution's context and/or
// rolls back the target saga.
//
// REPLAY:
//
// ReplayExecution rebuilds an execution purely from its WAL events. State is
// re-applied to a scratch store whose clock follows event timestamps, so two
// replays of the same log produce identical state. Replay never invokes a
// handler or a saga action.
//
// Handler faults never crash the engine: errors and panics are caught,
// classified as HandlerFault, recorded, and returned.
package engine
