package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/govexec/internal/engine"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Tenant string
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Show the status of an execution",
		Long: `Show the status projection of an execution.

When the projection is missing, the status is rebuilt from the WAL.

Examples:
  govexec status 0190f3c2-... --tenant acme`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "tenant id (required)")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

func runStatus(opts *StatusOptions, executionID string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := commandContext(cmd)

	a, err := openApp(ctx, opts.RootOptions, cmd)
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return err
	}
	defer closeApp(a)

	x, err := a.Engine.GetExecutionStatus(ctx, executionID, opts.Tenant)
	if err != nil {
		return reportFault(formatter, "failed to get execution status", err)
	}
	if opts.Format == "json" {
		return formatter.Success(x)
	}
	return formatter.Success(executionText(x))
}

type executionText engine.Execution

func (x executionText) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "execution %s %s\n", x.ExecutionID, x.Status)
	fmt.Fprintf(&b, "  intent: %s (%s)\n", x.IntentType, x.IntentID)
	fmt.Fprintf(&b, "  session: %s\n", x.SessionID)
	if x.Handler != "" {
		fmt.Fprintf(&b, "  handler: %s\n", x.Handler)
	}
	if x.PolicyID != "" {
		fmt.Fprintf(&b, "  policy: %s\n", x.PolicyID)
	}
	if x.ErrorKind != "" {
		fmt.Fprintf(&b, "  error: %s: %s\n", x.ErrorKind, x.Reason)
	}
	for _, id := range x.SagaIDs {
		fmt.Fprintf(&b, "  saga: %s\n", id)
	}
	return strings.TrimSuffix(b.String(), "\n")
}
