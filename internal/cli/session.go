package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// SessionOptions holds flags for the session subcommands.
type SessionOptions struct {
	*RootOptions
	Tenant string
	User   string
}

// SessionClosed is the JSON output of session close.
type SessionClosed struct {
	SessionID string `json:"session_id"`
	TenantID  string `json:"tenant_id"`
	Closed    bool   `json:"closed"`
}

// NewSessionCommand creates the session command group.
func NewSessionCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SessionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "session",
		Short: "Open and close sessions",
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Open a session for a tenant and user",
		Long: `Open a session. Intents name the session they run in, and the session
must belong to the intent's tenant.

Examples:
  govexec session create --tenant acme --user alice`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionCreate(opts, cmd)
		},
	}
	create.Flags().StringVar(&opts.Tenant, "tenant", "", "tenant id (required)")
	create.Flags().StringVar(&opts.User, "user", "", "user id (required)")
	_ = create.MarkFlagRequired("tenant")
	_ = create.MarkFlagRequired("user")

	closeCmd := &cobra.Command{
		Use:           "close <session-id>",
		Short:         "Close a session",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionClose(opts, args[0], cmd)
		},
	}
	closeCmd.Flags().StringVar(&opts.Tenant, "tenant", "", "tenant id (required)")
	_ = closeCmd.MarkFlagRequired("tenant")

	cmd.AddCommand(create, closeCmd)
	return cmd
}

func runSessionCreate(opts *SessionOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := commandContext(cmd)

	a, err := openApp(ctx, opts.RootOptions, cmd)
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return err
	}
	defer closeApp(a)

	s, err := a.Engine.CreateSession(ctx, opts.Tenant, opts.User)
	if err != nil {
		return reportFault(formatter, "failed to create session", err)
	}
	if opts.Format == "json" {
		return formatter.Success(s)
	}
	text := fmt.Sprintf("session %s (tenant %s, user %s)", s.SessionID, s.TenantID, s.UserID)
	if !s.ExpiresAt.IsZero() {
		text += "\n  expires: " + s.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z")
	}
	return formatter.Success(text)
}

func runSessionClose(opts *SessionOptions, sessionID string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := commandContext(cmd)

	a, err := openApp(ctx, opts.RootOptions, cmd)
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return err
	}
	defer closeApp(a)

	if err := a.Engine.CloseSession(ctx, sessionID, opts.Tenant); err != nil {
		return reportFault(formatter, "failed to close session", err)
	}
	if opts.Format == "json" {
		return formatter.Success(SessionClosed{SessionID: sessionID, TenantID: opts.Tenant, Closed: true})
	}
	return formatter.Success("session " + sessionID + " closed")
}
