package engine

import (
	"github.com/roach88/govexec/internal/fault"
)

// DefaultMaxOutputs bounds how many state changes plus domain events a single
// execution may commit.
const DefaultMaxOutputs = 1000

// outputQuota caps the size of an execution's committed outcome.
//
// A handler that stages an unbounded number of changes would otherwise
// produce one unbounded execution_completed payload.
type outputQuota struct {
	max int
}

// check returns a HandlerFault when the outcome exceeds the quota.
// A non-positive max disables the check.
func (q outputQuota) check(executionID string, changes, events int) error {
	if q.max <= 0 {
		return nil
	}
	if n := changes + events; n > q.max {
		return fault.New(fault.KindHandlerFault,
			"execution exceeded output quota: %d outputs > %d limit", n, q.max).
			WithExecution(executionID).
			WithDetail("quota", "outputs")
	}
	return nil
}
