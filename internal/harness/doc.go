// Package harness runs conformance scenarios against a fully wired engine.
//
// A scenario registers capabilities, policy rules and saga definitions,
// submits a flow of intents and asserts on the WAL the engine wrote and on
// the state it left behind.
//
// # Scenario Format
//
//	name: transfer_rolls_back
//	description: "A failing saga step compensates earlier steps"
//	sagas:
//	  - ../sagas/transfer.cue
//	sessions:
//	  - { name: alice, tenant: t1, user: alice }
//	capabilities:
//	  - { intent_type: payments.transfer, handler: "saga:transfer_broken" }
//	  - intent_type: orders.place
//	    handler: script
//	    script:
//	      artifacts: { order_id: o-1 }
//	      state: [{ namespace: orders, id: o-1, value: { total: 10 } }]
//	policy:
//	  rules:
//	    - { policy_id: no-big-orders, expr: "intent.payload.total <= 100", reason: too big }
//	flow:
//	  - submit: payments.transfer
//	    session: alice
//	    payload: { amount: 5 }
//	    expect: { success: false, error_kind: SagaStepExhausted }
//	assertions:
//	  - { type: event_order, step: 0, events: [saga_step_failed, saga_compensated] }
//	  - { type: final_state, namespace: holds, id: h1, absent: true }
//
// # Assertion Types
//
//   - event_order: event types appear in order, gaps allowed
//   - event_count: an event type appears exactly count times
//   - final_state: a state entry holds a JSON value (objects match as a subset) or is absent
//   - execution_status: the execution of a flow step has a status, and replaying its WAL agrees
//
// event_order and event_count take an optional step to look only at the
// events of that flow step's execution, including its sagas.
//
// # Deterministic Testing
//
// Every run uses a fresh in-memory SQLite database, sequential ids and a
// clock that advances one millisecond per reading. Traces replace ids with
// labels ("flow[0]", "saga#1"), so golden files are stable across runs.
package harness
