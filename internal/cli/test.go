package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/govexec/internal/harness"
	"github.com/roach88/govexec/internal/logging"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update bool   // regenerate golden files
	Filter string // scenario filter (glob pattern)
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenario|dir>...",
		Short: "Run conformance scenarios",
		Long: `Run YAML conformance scenarios against a freshly wired engine.

Each scenario runs in its own in-memory database with deterministic ids
and clock; --config does not apply. Expect clauses and assertions decide
pass or fail. When golden/<scenario-file>.golden exists next to a
scenario, its WAL trace must match it too.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  govexec test ./scenarios
  govexec test ./scenarios --filter "saga_*"
  govexec test ./scenarios --update
  govexec test ./scenarios/transfer.yaml --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenario files by glob pattern on the file name")

	return cmd
}

func runTests(opts *TestOptions, paths []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	files, err := findScenarioFiles(paths, opts.Filter)
	if err != nil {
		_ = formatter.Error(ErrCodeNotFound, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}
	if len(files) == 0 {
		if opts.Format == "json" {
			return formatter.Success(&harness.SuiteResult{Scenarios: []harness.ScenarioSummary{}})
		}
		return formatter.Success("No scenarios found.")
	}

	var suiteOpts []harness.Option
	if opts.Verbose {
		logger, err := logging.NewWithWriter(logging.Config{Level: "debug", Format: "console"}, cmd.ErrOrStderr())
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to create logger", err)
		}
		suiteOpts = append(suiteOpts, harness.WithLogger(logger))
	}

	result, err := harness.RunSuiteWithCheck(commandContext(cmd), files, goldenCheck(opts.Update), suiteOpts...)
	if err != nil {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to run scenarios", err)
	}

	if opts.Format == "json" {
		if result.OK() {
			return formatter.Success(result)
		}
		_ = formatter.Error(ErrCodeScenarioFail, fmt.Sprintf("%d of %d scenario(s) failed", result.Failed, result.Total), result)
	} else {
		writeTestText(cmd.OutOrStdout(), result)
	}
	if !result.OK() {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}
	return nil
}

// findScenarioFiles expands paths into scenario files whose base name,
// without extension, matches filter.
func findScenarioFiles(paths []string, filter string) ([]string, error) {
	if filter != "" {
		if _, err := filepath.Match(filter, ""); err != nil {
			return nil, fmt.Errorf("invalid filter pattern: %w", err)
		}
	}

	var files []string
	for _, p := range paths {
		found, err := harness.FindScenarios(p)
		if err != nil {
			return nil, err
		}
		for _, f := range found {
			base := filepath.Base(f)
			name := strings.TrimSuffix(base, filepath.Ext(base))
			if filter != "" {
				if ok, _ := filepath.Match(filter, name); !ok {
					continue
				}
			}
			files = append(files, f)
		}
	}
	return files, nil
}

// goldenFilePath returns the path to the golden file for a scenario.
func goldenFilePath(scenarioFile string) string {
	dir := filepath.Dir(scenarioFile)
	base := filepath.Base(scenarioFile)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, "golden", name+".golden")
}

// goldenCheck compares a passing scenario's trace with its golden file, or
// rewrites the file when update is set. Scenarios without a golden file are
// judged by their assertions alone.
func goldenCheck(update bool) harness.SuiteCheck {
	return func(path string, _ *harness.Scenario, result *harness.Result) []string {
		snapshot, err := harness.Snapshot(result.Trace)
		if err != nil {
			return []string{fmt.Sprintf("failed to render trace: %v", err)}
		}
		goldenPath := goldenFilePath(path)

		if update {
			if err := os.MkdirAll(filepath.Dir(goldenPath), 0o755); err != nil {
				return []string{fmt.Sprintf("failed to create golden directory: %v", err)}
			}
			if err := os.WriteFile(goldenPath, snapshot, 0o644); err != nil {
				return []string{fmt.Sprintf("failed to update golden file: %v", err)}
			}
			return nil
		}

		want, err := os.ReadFile(goldenPath)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return []string{fmt.Sprintf("golden comparison failed: %v", err)}
		}
		if !bytes.Equal(want, snapshot) {
			return []string{"trace does not match golden file (run with --update to regenerate)"}
		}
		return nil
	}
}

func writeTestText(w io.Writer, result *harness.SuiteResult) {
	failures := make(map[string][]string, len(result.Failures))
	for _, f := range result.Failures {
		failures[f.ScenarioPath] = f.Errors
	}
	for _, s := range result.Scenarios {
		name := s.Name
		if name == "" {
			name = filepath.Base(s.ScenarioPath)
		}
		if s.Pass {
			fmt.Fprintf(w, "✓ %s\n", name)
			continue
		}
		fmt.Fprintf(w, "✗ %s\n", name)
		for _, e := range failures[s.ScenarioPath] {
			fmt.Fprintf(w, "  %s\n", strings.ReplaceAll(strings.TrimRight(e, "\n"), "\n", "\n  "))
		}
	}
	fmt.Fprintf(w, "\n%d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
}
