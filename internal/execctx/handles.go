package execctx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/roach88/govexec/internal/canon"
	"github.com/roach88/govexec/internal/fault"
	"github.com/roach88/govexec/internal/saga"
	"github.com/roach88/govexec/internal/state"
	"github.com/roach88/govexec/internal/wal"
)

// StateHandle reads the tenant's state and stages changes.
//
// Reads see the handler's own staged changes first. Engine namespaces are
// neither readable nor writable through the handle.
type StateHandle struct {
	store    state.Store
	tenantID string

	mu     sync.Mutex
	staged []state.Change
}

func checkNamespace(ns, id string) error {
	if ns == "" || id == "" {
		return fault.New(fault.KindHandlerFault, "state: namespace and id are required")
	}
	if state.IsReserved(ns) {
		return fault.New(fault.KindHandlerFault, "state: namespace %q is reserved", ns)
	}
	return nil
}

// Get returns the value stored under namespace/id. It returns
// state.ErrNotFound (wrapped) when absent or deleted by a staged change.
func (h *StateHandle) Get(ctx context.Context, namespace, id string) (json.RawMessage, error) {
	if err := checkNamespace(namespace, id); err != nil {
		return nil, err
	}
	h.mu.Lock()
	for i := len(h.staged) - 1; i >= 0; i-- {
		c := h.staged[i]
		if c.Namespace != namespace || c.ID != id {
			continue
		}
		h.mu.Unlock()
		if c.Op == state.OpDelete {
			return nil, fmt.Errorf("%s/%s: %w", namespace, id, state.ErrNotFound)
		}
		return slices.Clone(c.Value), nil
	}
	h.mu.Unlock()

	entry, err := h.store.Get(ctx, state.Key{TenantID: h.tenantID, Namespace: namespace, ID: id})
	if err != nil {
		return nil, err
	}
	return entry.Value, nil
}

// List returns committed entries of a namespace. Staged changes are not
// reflected.
func (h *StateHandle) List(ctx context.Context, namespace string) ([]state.Entry, error) {
	if err := checkNamespace(namespace, "-"); err != nil {
		return nil, err
	}
	return h.store.List(ctx, h.tenantID, namespace)
}

// Put stages a JSON-encoded write of v.
func (h *StateHandle) Put(namespace, id string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fault.Wrap(fault.KindHandlerFault, err, "state: encode %s/%s", namespace, id)
	}
	return h.stage(state.Change{Op: state.OpPut, Namespace: namespace, ID: id, Value: b})
}

// Delete stages a delete.
func (h *StateHandle) Delete(namespace, id string) error {
	return h.stage(state.Change{Op: state.OpDelete, Namespace: namespace, ID: id})
}

func (h *StateHandle) stage(c state.Change) error {
	if err := checkNamespace(c.Namespace, c.ID); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return fault.Wrap(fault.KindHandlerFault, err, "state")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.staged = append(h.staged, c)
	return nil
}

// Changes returns a copy of the staged changes in order.
func (h *StateHandle) Changes() []state.Change {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.staged)
}

// GetJSON decodes the value under namespace/id into T. The bool is false
// when the key is absent.
func GetJSON[T any](ctx context.Context, h *StateHandle, namespace, id string) (T, bool, error) {
	var v T
	raw, err := h.Get(ctx, namespace, id)
	if errors.Is(err, state.ErrNotFound) {
		return v, false, nil
	}
	if err != nil {
		return v, false, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("decode %s/%s: %w", namespace, id, err)
	}
	return v, true, nil
}

// DomainEvent is an event a handler reports about its own domain. Domain
// events are recorded in the execution_completed payload.
type DomainEvent struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// EventHandle stages domain events and reads the execution's history.
type EventHandle struct {
	log         wal.Log
	tenantID    string
	executionID string

	mu     sync.Mutex
	staged []DomainEvent
}

// Emit stages a domain event. Data is deep-copied.
func (h *EventHandle) Emit(eventType string, data map[string]any) error {
	if eventType == "" {
		return fault.New(fault.KindHandlerFault, "events: type is required")
	}
	var copied map[string]any
	if data != nil {
		raw, err := canon.Marshal(data)
		if err != nil {
			return fault.Wrap(fault.KindHandlerFault, err, "events: %s", eventType)
		}
		if copied, err = wal.DecodePayload(raw); err != nil {
			return fault.Wrap(fault.KindHandlerFault, err, "events: %s", eventType)
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.staged = append(h.staged, DomainEvent{Type: eventType, Data: copied})
	return nil
}

// Emitted returns the staged domain events in order.
func (h *EventHandle) Emitted() []DomainEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]DomainEvent, len(h.staged))
	for i, e := range h.staged {
		out[i] = DomainEvent{Type: e.Type, Data: maps.Clone(e.Data)}
	}
	return out
}

// History returns the WAL events recorded for this execution so far.
func (h *EventHandle) History(ctx context.Context) ([]wal.Event, error) {
	return h.log.Query(ctx, wal.Filter{TenantID: h.tenantID, ExecutionID: h.executionID})
}

// SagaHandle starts sagas bound to the execution's tenant, session and id.
type SagaHandle struct {
	coord *saga.Coordinator
	base  saga.StartRequest

	mu      sync.Mutex
	started []string
}

func (h *SagaHandle) available() error {
	if h == nil || h.coord == nil {
		return fault.New(fault.KindHandlerFault, "sagas are not available to this handler")
	}
	return nil
}

func (h *SagaHandle) record(ids ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range ids {
		if id != "" {
			h.started = append(h.started, id)
		}
	}
}

// Run starts def and drives it to completion. See saga.Coordinator.Run.
func (h *SagaHandle) Run(ctx context.Context, def saga.Definition, input map[string]any) (saga.Saga, error) {
	if err := h.available(); err != nil {
		return saga.Saga{}, err
	}
	req := h.base
	req.Definition = def
	req.Input = input
	s, err := h.coord.Run(ctx, req)
	h.record(s.SagaID)
	return s, err
}

// RunBranches runs defs concurrently as sub-sagas of the execution.
func (h *SagaHandle) RunBranches(ctx context.Context, defs []saga.Definition, input map[string]any) ([]saga.Saga, error) {
	if err := h.available(); err != nil {
		return nil, err
	}
	req := h.base
	req.ParentID = h.base.ExecutionID
	req.Input = input
	sagas, err := h.coord.RunBranches(ctx, req, defs)
	for _, s := range sagas {
		h.record(s.SagaID)
	}
	return sagas, err
}

// Started returns ids of sagas started through the handle.
func (h *SagaHandle) Started() []string {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.started)
}
