package cli

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/govexec/internal/engine"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Tenant string
	Mode   string
	Verify bool
}

// ReplayOutput is the JSON output of the replay command.
type ReplayOutput struct {
	engine.ReplayResult
	// Deterministic is set with --verify: a second replay produced the same
	// result and agrees with the status projection.
	Deterministic *bool `json:"deterministic,omitempty"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay <execution-id>",
		Short: "Rebuild an execution from the WAL",
		Long: `Rebuild an execution from its WAL events without running any handler
or saga action, and without writing to the WAL or the state store.

Modes:
  full        - status, reconstructed state, sagas and events
  state_only  - status, reconstructed state and sagas
  events_only - the raw events

With --verify the execution is replayed twice and compared, and the
rebuilt status is checked against the stored projection.

Exit codes:
  0 - Replay succeeded (and is deterministic with --verify)
  1 - Execution not found, or --verify found a difference
  2 - Command error (config, storage)

Examples:
  govexec replay 0190f3c2-... --tenant acme
  govexec replay 0190f3c2-... --tenant acme --mode events_only --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "tenant id (required)")
	_ = cmd.MarkFlagRequired("tenant")
	cmd.Flags().StringVar(&opts.Mode, "mode", string(engine.ReplayFull), "replay mode (full|state_only|events_only)")
	cmd.Flags().BoolVar(&opts.Verify, "verify", false, "replay twice and compare with the status projection")

	return cmd
}

func runReplay(opts *ReplayOptions, executionID string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	mode, err := engine.ParseReplayMode(opts.Mode)
	if err != nil {
		_ = formatter.Error(ErrCodeBadInput, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid replay mode", err)
	}

	ctx := commandContext(cmd)
	a, err := openApp(ctx, opts.RootOptions, cmd)
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return err
	}
	defer closeApp(a)

	r, err := a.Engine.ReplayExecution(ctx, executionID, opts.Tenant, mode)
	if err != nil {
		return reportFault(formatter, "replay failed", err)
	}
	out := ReplayOutput{ReplayResult: r}

	if opts.Verify {
		formatter.VerboseLog("Replaying %s a second time", executionID)
		again, err := a.Engine.ReplayExecution(ctx, executionID, opts.Tenant, mode)
		if err != nil {
			return reportFault(formatter, "replay failed", err)
		}
		ok := reflect.DeepEqual(r, again)
		if ok && mode != engine.ReplayEventsOnly {
			x, err := a.Engine.GetExecutionStatus(ctx, executionID, opts.Tenant)
			if err != nil {
				return reportFault(formatter, "failed to get execution status", err)
			}
			ok = x.Status == r.Execution.Status
		}
		out.Deterministic = &ok
		if !ok {
			_ = formatter.Error(ErrCodeGeneric, "replay is not deterministic", out)
			return NewExitError(ExitFailure, "replay is not deterministic")
		}
	}

	if opts.Format == "json" {
		return formatter.Success(out)
	}
	return formatter.Success(replayText(out))
}

type replayText ReplayOutput

func (r replayText) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Replay of %s (%s)\n", r.ExecutionID, r.Mode)
	if r.Mode != engine.ReplayEventsOnly {
		fmt.Fprintf(&b, "  status: %s\n", r.Execution.Status)
		fmt.Fprintf(&b, "  intent: %s\n", r.Intent.IntentType)
		fmt.Fprintf(&b, "  policy: allowed=%t %s\n", r.Decision.Allowed, r.Decision.PolicyID)
		for _, st := range r.State {
			fmt.Fprintf(&b, "  state: %s/%s = %s (v%d)\n", st.Namespace, st.ID, st.Value, st.Version)
		}
		for _, s := range r.Sagas {
			fmt.Fprintf(&b, "  saga: %s %s %s\n", s.SagaID, s.Name, s.Status)
		}
	}
	for _, ev := range r.Events {
		fmt.Fprintf(&b, "  #%d %s\n", ev.Sequence, ev.Type)
	}
	if r.Deterministic != nil {
		fmt.Fprintf(&b, "  deterministic: %t\n", *r.Deterministic)
	}
	return strings.TrimSuffix(b.String(), "\n")
}
