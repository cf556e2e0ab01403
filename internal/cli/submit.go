package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/govexec/internal/engine"
	"github.com/roach88/govexec/internal/fault"
	"github.com/roach88/govexec/internal/intent"
)

// maxIntentFileSize bounds what submit reads from a file or stdin.
const maxIntentFileSize = 1 << 20

// SubmitOptions holds flags for the submit command.
type SubmitOptions struct {
	*RootOptions
	Tenant  string
	Session string
	Type    string
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit <intent.json|->",
		Short: "Submit an intent and wait for its terminal state",
		Long: `Submit an intent read from a JSON file, or from stdin with "-".

The intent is validated, checked against policy and executed by the
capability registered for its type. Every step is recorded in the WAL.
Flags override the corresponding intent fields.

The command exits 1 when the execution fails and 2 when the engine
cannot be started.

Examples:
  govexec submit order.json
  echo '{"intent_type":"orders.echo","payload":{}}' | govexec submit - --tenant t1 --session s1`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "tenant id (overrides tenant_id)")
	cmd.Flags().StringVar(&opts.Session, "session", "", "session id (overrides session_id)")
	cmd.Flags().StringVar(&opts.Type, "type", "", "intent type (overrides intent_type)")

	return cmd
}

func runSubmit(opts *SubmitOptions, source string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	in, err := readIntent(source, cmd.InOrStdin())
	if err != nil {
		_ = formatter.Error(ErrCodeBadInput, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read intent", err)
	}
	if opts.Tenant != "" {
		in.TenantID = opts.Tenant
	}
	if opts.Session != "" {
		in.SessionID = opts.Session
	}
	if opts.Type != "" {
		in.IntentType = opts.Type
	}

	ctx := commandContext(cmd)
	a, err := openApp(ctx, opts.RootOptions, cmd)
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return err
	}
	defer closeApp(a)

	formatter.VerboseLog("Submitting %s for tenant %s", in.IntentType, in.TenantID)
	res, err := a.Engine.Submit(ctx, in)
	if err != nil {
		ferr, ok := fault.As(err)
		if !ok {
			return reportFault(formatter, "execution failed", err)
		}
		if err := formatter.Fault(ferr, submitOutput(opts.Format, res)); err != nil {
			return err
		}
		return WrapExitError(ExitFailure, "execution failed", ferr)
	}
	return formatter.Success(submitOutput(opts.Format, res))
}

// readIntent decodes an intent from a file, or from stdin when source is "-".
func readIntent(source string, stdin io.Reader) (intent.Intent, error) {
	var r io.Reader
	if source == "-" {
		r = stdin
	} else {
		f, err := os.Open(source)
		if err != nil {
			return intent.Intent{}, err
		}
		defer f.Close()
		r = f
	}

	data, err := io.ReadAll(io.LimitReader(r, maxIntentFileSize+1))
	if err != nil {
		return intent.Intent{}, err
	}
	if len(data) > maxIntentFileSize {
		return intent.Intent{}, fmt.Errorf("intent exceeds %d bytes", maxIntentFileSize)
	}
	var in intent.Intent
	if err := json.Unmarshal(data, &in); err != nil {
		return intent.Intent{}, fmt.Errorf("invalid intent JSON: %w", err)
	}
	return in, nil
}

// submitOutput returns the value the formatter prints: the result itself for
// JSON, a summary for text.
func submitOutput(format string, res engine.Result) any {
	if format == "json" {
		return res
	}
	if res.ExecutionID == "" {
		return nil
	}
	return resultText(res)
}

type resultText engine.Result

func (r resultText) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "execution %s %s\n", r.ExecutionID, r.Status)
	if r.Decision.PolicyID != "" || r.Decision.Reason != "" {
		fmt.Fprintf(&b, "  policy: %s (%s)\n", r.Decision.PolicyID, r.Decision.Reason)
	}
	if len(r.Artifacts) > 0 {
		keys := make([]string, 0, len(r.Artifacts))
		for k := range r.Artifacts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("  artifacts:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "    %s: %v\n", k, r.Artifacts[k])
		}
	}
	for _, c := range r.StateChanges {
		fmt.Fprintf(&b, "  state: %s %s/%s\n", c.Op, c.Namespace, c.ID)
	}
	for _, ev := range r.Events {
		fmt.Fprintf(&b, "  event: %s\n", ev.Type)
	}
	for _, id := range r.SagaIDs {
		fmt.Fprintf(&b, "  saga: %s\n", id)
	}
	return strings.TrimSuffix(b.String(), "\n")
}
