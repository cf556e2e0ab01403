package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/govexec/internal/compiler"
	"github.com/roach88/govexec/internal/saga"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	MaxRetries int
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Files  int               `json:"files"`
	Sagas  []string          `json:"sagas"`
	Errors []ValidationIssue `json:"errors,omitempty"`
}

// ValidationIssue is one problem, located by file and saga when known.
type ValidationIssue struct {
	File    string `json:"file"`
	Saga    string `json:"saga,omitempty"`
	Field   string `json:"field,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <saga.cue|dir>",
		Short: "Compile and validate saga definitions",
		Long: `Compile CUE saga definitions and check them without running anything.

A directory is searched recursively for .cue files. Every file is compiled
and every saga is checked for unique step ids, known step and
compensation types (state.put, state.delete, noop and fail), valid
depends_on references and an acyclic dependency graph. All problems are
reported, not just the first.

Examples:
  govexec validate sagas/
  govexec validate sagas/transfer.cue --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVar(&opts.MaxRetries, "default-max-retries", 0, "max_retries of steps that do not set one")

	return cmd
}

func runValidate(opts *ValidateOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	files, err := sagaFiles(path)
	if err != nil {
		_ = formatter.Error(ErrCodeNotFound, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to find saga files", err)
	}
	formatter.VerboseLog("Found %d CUE file(s) in %s", len(files), path)

	actions := saga.NewActionRegistry()
	if err := saga.RegisterBuiltins(actions); err != nil {
		return WrapExitError(ExitCommandError, "failed to register built-in actions", err)
	}

	result := validateFiles(files, actions, opts.MaxRetries, formatter)
	if !result.Valid {
		if opts.Format == "json" {
			_ = formatter.Error(ErrCodeInvalidSaga, fmt.Sprintf("%d problem(s) found", len(result.Errors)), result)
		} else {
			fmt.Fprint(formatter.Writer, result.text())
		}
		return NewExitError(ExitFailure, "validation failed")
	}

	if opts.Format == "json" {
		return formatter.Success(result)
	}
	return formatter.Success(fmt.Sprintf("✓ %d saga(s) in %d file(s) are valid", len(result.Sagas), result.Files))
}

// sagaFiles returns path itself or the .cue files under it.
func sagaFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("path not found: %s", path)
		}
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	files, err := compiler.FindCUEFiles(path)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .cue files found in %s", path)
	}
	return files, nil
}

func validateFiles(files []string, actions compiler.ActionLookup, maxRetries int, formatter *OutputFormatter) ValidationResult {
	result := ValidationResult{Files: len(files), Sagas: []string{}}
	origin := map[string]string{}

	for _, file := range files {
		formatter.VerboseLog("Compiling %s", file)
		defs, err := compiler.CompileSagaFile(file, compiler.WithDefaultMaxRetries(maxRetries))
		if err != nil {
			result.Errors = append(result.Errors, compileIssue(file, err))
			continue
		}
		for _, def := range defs {
			if prev, ok := origin[def.Name]; ok {
				result.Errors = append(result.Errors, ValidationIssue{
					File:    file,
					Saga:    def.Name,
					Field:   "name",
					Code:    ErrCodeInvalidSaga,
					Message: fmt.Sprintf("saga %q is also declared in %s", def.Name, prev),
				})
				continue
			}
			origin[def.Name] = file
			result.Sagas = append(result.Sagas, def.Name)

			for _, ve := range compiler.Validate(def, actions) {
				result.Errors = append(result.Errors, ValidationIssue{
					File:    file,
					Saga:    def.Name,
					Field:   ve.Field,
					Code:    ve.Code,
					Message: ve.Message,
				})
			}
		}
	}
	result.Valid = len(result.Errors) == 0
	return result
}

func compileIssue(file string, err error) ValidationIssue {
	issue := ValidationIssue{File: file, Code: ErrCodeInvalidSaga, Message: err.Error()}
	var cerr *compiler.CompileError
	if errors.As(err, &cerr) {
		issue.Field = cerr.Field
		issue.Message = cerr.Message
		if cerr.Pos.IsValid() {
			issue.Line = cerr.Pos.Line()
		}
	}
	return issue
}

func (r ValidationResult) text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "✗ %d problem(s) in %d file(s)\n", len(r.Errors), r.Files)
	for _, e := range r.Errors {
		loc := e.File
		if e.Line > 0 {
			loc = fmt.Sprintf("%s:%d", e.File, e.Line)
		}
		if e.Saga != "" {
			loc += " saga " + e.Saga
		}
		fmt.Fprintf(&b, "  %s: [%s] %s: %s\n", loc, e.Code, e.Field, e.Message)
	}
	return b.String()
}
