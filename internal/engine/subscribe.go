package engine

import (
	"context"

	"github.com/roach88/govexec/internal/fault"
	"github.com/roach88/govexec/internal/wal"
)

// Subscribe streams the WAL events of an execution as they are appended,
// including the events of sagas it started. The channel is closed when ctx
// is cancelled. Events appended before the call are not replayed; read them
// with ReplayExecution.
func (e *Engine) Subscribe(ctx context.Context, tenantID, executionID string) (<-chan wal.Event, error) {
	if e.broadcaster == nil {
		return nil, fault.New(fault.KindStorageUnavailable, "event subscription is not enabled")
	}
	if tenantID == "" || executionID == "" {
		return nil, fault.New(fault.KindMalformedIntent, "tenant_id and execution_id are required")
	}
	ch, err := e.broadcaster.Subscribe(ctx, wal.Filter{TenantID: tenantID, ExecutionID: executionID})
	if err != nil {
		return nil, fault.Wrap(fault.KindMalformedIntent, err, "subscribe").WithExecution(executionID)
	}
	return ch, nil
}

// SubscribeTenant streams every WAL event of a tenant matching f.
func (e *Engine) SubscribeTenant(ctx context.Context, f wal.Filter) (<-chan wal.Event, error) {
	if e.broadcaster == nil {
		return nil, fault.New(fault.KindStorageUnavailable, "event subscription is not enabled")
	}
	ch, err := e.broadcaster.Subscribe(ctx, f)
	if err != nil {
		return nil, fault.Wrap(fault.KindMalformedIntent, err, "subscribe")
	}
	return ch, nil
}

// Events returns the WAL events of a tenant matching f.
func (e *Engine) Events(ctx context.Context, f wal.Filter) ([]wal.Event, error) {
	if err := f.Validate(); err != nil {
		return nil, fault.Wrap(fault.KindMalformedIntent, err, "event filter")
	}
	events, err := e.log.Query(ctx, f)
	if err != nil {
		return nil, fault.Wrap(fault.KindStorageUnavailable, err, "query events")
	}
	return events, nil
}
