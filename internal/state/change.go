package state

import (
	"context"
	"encoding/json"
	"fmt"
)

// Op is a state change operation.
type Op string

const (
	OpPut    Op = "put"
	OpDelete Op = "delete"
)

// Change is one state mutation requested by a handler or saga step.
type Change struct {
	Op        Op              `json:"op"`
	Namespace string          `json:"namespace"`
	ID        string          `json:"id"`
	Value     json.RawMessage `json:"value,omitempty"`
}

// Validate checks the change is well-formed and does not target an engine
// namespace.
func (c Change) Validate() error {
	switch c.Op {
	case OpPut:
		if len(c.Value) == 0 {
			return fmt.Errorf("state change %s/%s: put requires a value", c.Namespace, c.ID)
		}
		if !json.Valid(c.Value) {
			return fmt.Errorf("state change %s/%s: value is not valid JSON", c.Namespace, c.ID)
		}
	case OpDelete:
	default:
		return fmt.Errorf("state change %s/%s: unknown op %q", c.Namespace, c.ID, c.Op)
	}
	if c.Namespace == "" || c.ID == "" {
		return fmt.Errorf("state change: namespace and id are required")
	}
	if IsReserved(c.Namespace) {
		return fmt.Errorf("state change %s/%s: namespace is reserved", c.Namespace, c.ID)
	}
	return nil
}

// Apply applies changes in order to s under tenantID.
//
// Changes are validated up front; nothing is written if any change is invalid.
func Apply(ctx context.Context, s Store, tenantID string, changes []Change) error {
	for _, c := range changes {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	for _, c := range changes {
		key := Key{TenantID: tenantID, Namespace: c.Namespace, ID: c.ID}
		switch c.Op {
		case OpPut:
			if _, err := s.Put(ctx, key, c.Value); err != nil {
				return fmt.Errorf("apply put %s: %w", key, err)
			}
		case OpDelete:
			if err := s.Delete(ctx, key); err != nil {
				return fmt.Errorf("apply delete %s: %w", key, err)
			}
		}
	}
	return nil
}

// ChangesToPayload renders changes for a WAL payload.
func ChangesToPayload(changes []Change) []any {
	out := make([]any, 0, len(changes))
	for _, c := range changes {
		m := map[string]any{
			"op":        string(c.Op),
			"namespace": c.Namespace,
			"id":        c.ID,
		}
		if len(c.Value) > 0 {
			var v any
			if err := json.Unmarshal(c.Value, &v); err == nil {
				m["value"] = v
			}
		}
		out = append(out, m)
	}
	return out
}

// ChangesFromPayload is the inverse of ChangesToPayload, used by replay.
func ChangesFromPayload(raw any) ([]Change, error) {
	items, ok := raw.([]any)
	if !ok {
		if raw == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("state changes: expected list, got %T", raw)
	}
	out := make([]Change, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("state changes[%d]: expected object, got %T", i, item)
		}
		c := Change{}
		c.Op, _ = opOf(m["op"])
		c.Namespace, _ = m["namespace"].(string)
		c.ID, _ = m["id"].(string)
		if v, ok := m["value"]; ok {
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("state changes[%d]: %w", i, err)
			}
			c.Value = b
		}
		out = append(out, c)
	}
	return out, nil
}

func opOf(v any) (Op, bool) {
	s, ok := v.(string)
	return Op(s), ok
}
