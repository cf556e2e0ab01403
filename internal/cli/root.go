package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/govexec/internal/app"
	"github.com/roach88/govexec/internal/config"
	"github.com/roach88/govexec/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	// AppOptions are passed to app.Build by every command that opens the
	// engine.
	AppOptions []app.Option
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the govexec CLI.
func NewRootCommand(appOpts ...app.Option) *cobra.Command {
	opts := &RootOptions{AppOptions: appOpts}

	cmd := &cobra.Command{
		Use:   "govexec",
		Short: "govexec - governed intent execution",
		Long: `A runtime that accepts intents, checks them against policy, executes
them through registered capabilities and records every step in a
write-ahead log that can be replayed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML config file (defaults and GOVEXEC_* variables apply)")

	cmd.AddCommand(NewSubmitCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewSagaCommand(opts))
	cmd.AddCommand(NewSessionCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// loadConfig reads the config named by --config.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// openApp builds the engine from the configuration. Logs go to the command's
// stderr so JSON output on stdout stays parseable. The caller closes the App.
func openApp(ctx context.Context, opts *RootOptions, cmd *cobra.Command) (*app.App, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logCfg := cfg.Logging
	if opts.Verbose {
		logCfg.Level = "debug"
	}
	logger, err := logging.NewWithWriter(logCfg, cmd.ErrOrStderr())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to create logger", err)
	}

	a, err := app.Build(ctx, cfg, logger, opts.AppOptions...)
	if err != nil {
		_ = logger.Sync()
		return nil, WrapExitError(ExitCommandError, "failed to start engine", err)
	}
	return a, nil
}

// commandContext returns the command's context, or Background when it was
// executed without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func closeApp(a *app.App) {
	_ = a.Close()
	_ = a.Logger.Sync()
}
