package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/govexec/internal/natsbus"
	"github.com/roach88/govexec/internal/wal"
)

// EventsOptions holds flags for the events command.
type EventsOptions struct {
	*RootOptions
	Tenant    string
	Execution string
	Saga      string
	Session   string
	Types     []string
	After     int64
	Limit     int
	Follow    bool
}

// EventsOutput is the JSON output of the events command.
type EventsOutput struct {
	TenantID string      `json:"tenant_id"`
	Events   []wal.Event `json:"events"`
	// LastSequence is the sequence to pass as --after to read the next page.
	LastSequence int64 `json:"last_sequence"`
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List WAL events of a tenant",
		Long: `List the WAL events of a tenant in sequence order.

Filters combine: only events matching all of them are listed. Use
--after with the last sequence of one page to read the next.

With --follow the command keeps running and prints events published to
NATS (wal.nats_url must be set) until interrupted. Followed events are
printed one JSON object per line in json format.

Examples:
  govexec events --tenant acme
  govexec events --tenant acme --execution 0190f3c2-... --type saga_step_failed
  govexec events --tenant acme --after 120 --limit 50 --format json
  govexec events --tenant acme --follow`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "tenant id (required)")
	_ = cmd.MarkFlagRequired("tenant")
	cmd.Flags().StringVar(&opts.Execution, "execution", "", "only events of this execution")
	cmd.Flags().StringVar(&opts.Saga, "saga", "", "only events of this saga")
	cmd.Flags().StringVar(&opts.Session, "session", "", "only events of this session")
	cmd.Flags().StringSliceVar(&opts.Types, "type", nil, "only events of these types (repeatable)")
	cmd.Flags().Int64Var(&opts.After, "after", 0, "only events after this sequence number")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of events (0 = no limit)")
	cmd.Flags().BoolVarP(&opts.Follow, "follow", "f", false, "keep printing new events from NATS")

	return cmd
}

func (o *EventsOptions) filter() (wal.Filter, error) {
	f := wal.Filter{
		TenantID:      o.Tenant,
		ExecutionID:   o.Execution,
		SagaID:        o.Saga,
		SessionID:     o.Session,
		AfterSequence: o.After,
		Limit:         o.Limit,
	}
	for _, s := range o.Types {
		t, err := wal.ParseEventType(s)
		if err != nil {
			return wal.Filter{}, err
		}
		f.Types = append(f.Types, t)
	}
	return f, f.Validate()
}

func runEvents(opts *EventsOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	f, err := opts.filter()
	if err != nil {
		_ = formatter.Error(ErrCodeBadInput, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid filter", err)
	}

	ctx := commandContext(cmd)
	a, err := openApp(ctx, opts.RootOptions, cmd)
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return err
	}
	defer closeApp(a)

	if opts.Follow && a.Config.WAL.NATSURL == "" {
		err := NewExitError(ExitCommandError, "--follow requires wal.nats_url")
		_ = formatter.Error(ErrCodeConfig, err.Message, nil)
		return err
	}

	events, err := a.Engine.Events(ctx, f)
	if err != nil {
		return reportFault(formatter, "failed to read events", err)
	}
	out := EventsOutput{TenantID: opts.Tenant, Events: events, LastSequence: opts.After}
	if n := len(events); n > 0 {
		out.LastSequence = events[n-1].Sequence
	}

	if !opts.Follow {
		if opts.Format == "json" {
			return formatter.Success(out)
		}
		if len(events) == 0 {
			return formatter.Success("No events found for tenant: " + opts.Tenant)
		}
		return formatter.Success(eventsText(events))
	}

	w := cmd.OutOrStdout()
	for _, e := range events {
		printEvent(w, opts.Format, e)
	}
	f.AfterSequence = out.LastSequence
	return followEvents(ctx, a.Config.WAL.NATSURL, a.Config.WAL.SubjectPrefix, f, func(e wal.Event) {
		printEvent(w, opts.Format, e)
	})
}

// followEvents delivers events of f's tenant published to NATS until ctx is
// done. Limit does not apply.
func followEvents(ctx context.Context, url, prefix string, f wal.Filter, fn func(wal.Event)) error {
	bus, err := natsbus.Connect(url, prefix)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect to NATS", err)
	}
	defer bus.Close()

	ch := make(chan wal.Event, 64)
	sub, err := bus.Subscribe(f.TenantID, func(e wal.Event) {
		if f.Matches(e) {
			select {
			case ch <- e:
			case <-ctx.Done():
			}
		}
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to subscribe", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-ch:
			fn(e)
		}
	}
}

func printEvent(w io.Writer, format string, e wal.Event) {
	if format == "json" {
		_ = json.NewEncoder(w).Encode(e)
		return
	}
	fmt.Fprintln(w, eventLine(e))
}

func eventLine(e wal.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s %s", e.Sequence, e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"), e.Type)
	if e.ExecutionID != "" {
		fmt.Fprintf(&b, " execution=%s", e.ExecutionID)
	}
	if e.SagaID != "" {
		fmt.Fprintf(&b, " saga=%s", e.SagaID)
	}
	if step := e.PayloadString("step_id"); step != "" {
		fmt.Fprintf(&b, " step=%s", step)
	}
	if to := e.PayloadString("to"); to != "" {
		fmt.Fprintf(&b, " to=%s", to)
	}
	if kind := e.PayloadString("error_kind"); kind != "" {
		fmt.Fprintf(&b, " error=%s", kind)
	}
	return b.String()
}

type eventsText []wal.Event

func (es eventsText) String() string {
	lines := make([]string, len(es))
	for i, e := range es {
		lines[i] = eventLine(e)
	}
	return strings.Join(lines, "\n")
}
