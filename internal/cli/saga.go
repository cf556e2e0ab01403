package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/govexec/internal/app"
	"github.com/roach88/govexec/internal/saga"
)

// SagaOptions holds flags shared by the saga subcommands.
type SagaOptions struct {
	*RootOptions
	Tenant string
}

// NewSagaCommand creates the saga command group.
func NewSagaCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SagaOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "saga",
		Short: "Inspect and recover sagas",
	}
	cmd.AddCommand(newSagaSubcommand(opts, "show <saga-id>", "Show the stored saga record",
		func(ctx context.Context, a *app.App, id string) (saga.Saga, error) {
			return a.Sagas.Get(ctx, opts.Tenant, id)
		}))
	cmd.AddCommand(newSagaSubcommand(opts, "replay <saga-id>", "Rebuild a saga from the WAL without running any action",
		func(ctx context.Context, a *app.App, id string) (saga.Saga, error) {
			return a.Sagas.ReplaySaga(ctx, opts.Tenant, id)
		}))
	cmd.AddCommand(newSagaSubcommand(opts, "resume <saga-id>", "Continue an interrupted saga from its last recorded step",
		func(ctx context.Context, a *app.App, id string) (saga.Saga, error) {
			return a.Sagas.Resume(ctx, opts.Tenant, id)
		}))

	return cmd
}

func newSagaSubcommand(opts *SagaOptions, use, short string, fn func(context.Context, *app.App, string) (saga.Saga, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:           use,
		Short:         short,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSaga(opts, args[0], cmd, fn)
		},
	}
	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "tenant id (required)")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func runSaga(opts *SagaOptions, sagaID string, cmd *cobra.Command, fn func(context.Context, *app.App, string) (saga.Saga, error)) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := commandContext(cmd)

	a, err := openApp(ctx, opts.RootOptions, cmd)
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return err
	}
	defer closeApp(a)

	s, err := fn(ctx, a, sagaID)
	if err != nil {
		return reportFault(formatter, "saga "+cmd.Name()+" failed", err)
	}
	if opts.Format == "json" {
		return formatter.Success(s)
	}
	return formatter.Success(sagaText(s))
}

type sagaText saga.Saga

func (s sagaText) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "saga %s %q %s\n", s.SagaID, s.Name, s.Status)
	if s.Reason != "" {
		fmt.Fprintf(&b, "  reason: %s\n", s.Reason)
	}
	if s.ParentID != "" {
		fmt.Fprintf(&b, "  parent: %s\n", s.ParentID)
	}
	for i, st := range s.Steps {
		marker := " "
		if i == s.CurrentStepIndex && !s.Status.Terminal() {
			marker = ">"
		}
		fmt.Fprintf(&b, "  %s %d %s %s %s (retries %d/%d)\n", marker, i, st.StepID, st.StepType, st.Status, st.RetryCount, st.MaxRetries)
		if st.LastError != "" {
			fmt.Fprintf(&b, "      error: %s\n", st.LastError)
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}
