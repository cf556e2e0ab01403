package saga

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/govexec/internal/fault"
)

// RunBranches runs each definition as an independent sub-saga of
// parent.ParentID, concurrently. Each branch has its own saga id and step
// index; ordering between branches is unspecified.
//
// When a branch fails, in-flight siblings are cancelled and roll themselves
// back, and siblings that already completed are compensated, each in
// reverse order within the branch. The first branch error is returned; a
// failed compensation anywhere takes precedence.
func (c *Coordinator) RunBranches(ctx context.Context, parent StartRequest, branches []Definition) ([]Saga, error) {
	if parent.ParentID == "" {
		return nil, fault.New(fault.KindMalformedIntent, "branches require a parent_id")
	}
	if len(branches) == 0 {
		return nil, nil
	}

	results := make([]Saga, len(branches))
	g, gctx := errgroup.WithContext(ctx)
	for i, def := range branches {
		req := parent
		req.Definition = def
		g.Go(func() error {
			s, err := c.Run(gctx, req)
			results[i] = s
			if err != nil {
				return fmt.Errorf("branch %q: %w", def.Name, err)
			}
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		return results, nil
	}

	var fatal error
	if fault.Is(err, fault.KindSagaCompensationFailed) {
		fatal = err
	}
	for i, s := range results {
		if s.Status != StatusCompleted {
			continue
		}
		compensated, cerr := c.Compensate(context.WithoutCancel(ctx), s.TenantID, s.SagaID,
			fmt.Errorf("sibling branch aborted: %w", err))
		results[i] = compensated
		if fault.Is(cerr, fault.KindSagaCompensationFailed) && fatal == nil {
			fatal = cerr
		}
		if cerr != nil && !fault.Is(cerr, fault.KindSagaStepExhausted) {
			c.logger.Error("branch compensation failed",
				zap.String("saga_id", s.SagaID),
				zap.String("parent_id", parent.ParentID),
				zap.Error(cerr),
			)
		}
	}
	if fatal != nil {
		return results, fatal
	}
	return results, err
}
