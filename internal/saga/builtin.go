package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"

	"github.com/roach88/govexec/internal/state"
)

// Built-in action names.
const (
	ActionStatePut    = "state.put"
	ActionStateDelete = "state.delete"
	ActionNoop        = "noop"
	ActionFail        = "fail"
)

// RegisterBuiltins registers the built-in actions on r.
//
// state.put writes input.value under input.namespace/input.id and
// state.delete removes it, so the pair forms a step and its compensation.
// noop echoes its input. fail always fails permanently with input.message.
func RegisterBuiltins(r *ActionRegistry) error {
	builtins := map[string]Action{
		ActionStatePut:    ActionFunc(statePut),
		ActionStateDelete: ActionFunc(stateDelete),
		ActionNoop: ActionFunc(func(_ context.Context, req ActionRequest) (Result, error) {
			return Result{Output: maps.Clone(req.Input)}, nil
		}),
		ActionFail: ActionFunc(func(_ context.Context, req ActionRequest) (Result, error) {
			msg, _ := req.Input["message"].(string)
			if msg == "" {
				msg = "step failed"
			}
			return Result{}, Permanent(errors.New(msg))
		}),
	}
	for _, name := range []string{ActionStatePut, ActionStateDelete, ActionNoop, ActionFail} {
		if err := r.Register(name, builtins[name]); err != nil {
			return err
		}
	}
	return nil
}

func stateTarget(req ActionRequest) (string, string, error) {
	ns, _ := req.Input["namespace"].(string)
	id, _ := req.Input["id"].(string)
	if ns == "" || id == "" {
		return "", "", Permanent(fmt.Errorf("%s: input.namespace and input.id are required", req.ActionType))
	}
	return ns, id, nil
}

func statePut(_ context.Context, req ActionRequest) (Result, error) {
	ns, id, err := stateTarget(req)
	if err != nil {
		return Result{}, err
	}
	value, ok := req.Input["value"]
	if !ok {
		return Result{}, Permanent(fmt.Errorf("%s: input.value is required", req.ActionType))
	}
	b, err := json.Marshal(value)
	if err != nil {
		return Result{}, Permanent(fmt.Errorf("%s: %w", req.ActionType, err))
	}
	return Result{
		Output:       map[string]any{"namespace": ns, "id": id},
		StateChanges: []state.Change{{Op: state.OpPut, Namespace: ns, ID: id, Value: b}},
	}, nil
}

func stateDelete(_ context.Context, req ActionRequest) (Result, error) {
	ns, id, err := stateTarget(req)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Output:       map[string]any{"namespace": ns, "id": id},
		StateChanges: []state.Change{{Op: state.OpDelete, Namespace: ns, ID: id}},
	}, nil
}
