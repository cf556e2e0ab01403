package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/govexec/internal/capability"
	"github.com/roach88/govexec/internal/execctx"
)

// Built-in handler names accepted in capabilities.entries.
const (
	HandlerEcho       = "echo"
	HandlerSagaPrefix = "saga:"
)

func (a *App) builtinHandler(name string) (capability.Handler, error) {
	if name == HandlerEcho {
		return capability.HandlerFunc(echo), nil
	}
	sagaName, ok := strings.CutPrefix(name, HandlerSagaPrefix)
	if !ok {
		return nil, fmt.Errorf("unknown handler %q", name)
	}
	def, ok := a.Definitions[sagaName]
	if !ok {
		return nil, fmt.Errorf("handler %s: saga %q is not defined", name, sagaName)
	}
	return capability.HandlerFunc(func(ctx context.Context, ec *execctx.Context) (capability.Outcome, error) {
		s, err := ec.Sagas().Run(ctx, def, ec.Payload())
		if err != nil {
			return capability.Outcome{}, err
		}
		return capability.Outcome{Artifacts: map[string]any{
			"saga_id":     s.SagaID,
			"saga_status": string(s.Status),
		}}, nil
	}), nil
}

// echo returns the intent payload as artifacts.
func echo(_ context.Context, ec *execctx.Context) (capability.Outcome, error) {
	return capability.Outcome{Artifacts: ec.Payload()}, nil
}
