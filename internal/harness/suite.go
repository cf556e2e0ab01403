package harness

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ScenarioNotFoundError is returned when a scenario path doesn't exist.
type ScenarioNotFoundError struct {
	Path string
}

// Error implements the error interface.
func (e *ScenarioNotFoundError) Error() string {
	return fmt.Sprintf("scenario path %q does not exist", e.Path)
}

// FindScenarios returns path if it is a file, or every .yaml and .yml file
// under it in lexical order. Directories named golden are skipped.
func FindScenarios(path string) ([]string, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, &ScenarioNotFoundError{Path: path}
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "golden" {
				return filepath.SkipDir
			}
			return nil
		}
		switch strings.ToLower(filepath.Ext(p)) {
		case ".yaml", ".yml":
			files = append(files, p)
		}
		return nil
	})
	return files, err
}

// SuiteResult summarizes a run over several scenario files.
type SuiteResult struct {
	Total     int               `json:"total"`
	Passed    int               `json:"passed"`
	Failed    int               `json:"failed"`
	Scenarios []ScenarioSummary `json:"scenarios"`
	Failures  []ScenarioFailure `json:"failures,omitempty"`
}

// ScenarioSummary is the outcome of one scenario file, in run order.
type ScenarioSummary struct {
	ScenarioPath string `json:"scenario_path"`
	Name         string `json:"name,omitempty"`
	Pass         bool   `json:"pass"`
}

// SuiteCheck runs after a scenario met its own expectations. Returned
// messages fail the scenario.
type SuiteCheck func(path string, scenario *Scenario, result *Result) []string

// ScenarioFailure is one scenario that did not pass.
type ScenarioFailure struct {
	ScenarioPath string   `json:"scenario_path"`
	Name         string   `json:"name,omitempty"`
	Errors       []string `json:"errors"`
}

// OK reports whether every scenario passed.
func (r *SuiteResult) OK() bool {
	return r.Failed == 0
}

func (r *SuiteResult) pass(path, name string) {
	r.Passed++
	r.Scenarios = append(r.Scenarios, ScenarioSummary{ScenarioPath: path, Name: name, Pass: true})
}

func (r *SuiteResult) fail(path, name string, errs ...string) {
	r.Failed++
	r.Scenarios = append(r.Scenarios, ScenarioSummary{ScenarioPath: path, Name: name})
	r.Failures = append(r.Failures, ScenarioFailure{ScenarioPath: path, Name: name, Errors: errs})
}

// RunSuite loads and runs every scenario found under paths. A scenario that
// cannot be loaded or set up counts as failed; the suite keeps going.
func RunSuite(ctx context.Context, paths []string, opts ...Option) (*SuiteResult, error) {
	return RunSuiteWithCheck(ctx, paths, nil, opts...)
}

// RunSuiteWithCheck is RunSuite with an extra check applied to every
// scenario that passed. A nil check is skipped.
func RunSuiteWithCheck(ctx context.Context, paths []string, check SuiteCheck, opts ...Option) (*SuiteResult, error) {
	var files []string
	for _, p := range paths {
		found, err := FindScenarios(p)
		if err != nil {
			return nil, err
		}
		files = append(files, found...)
	}

	result := &SuiteResult{Scenarios: []ScenarioSummary{}}
	for _, path := range files {
		result.Total++

		scenario, err := LoadScenario(path)
		if err != nil {
			result.fail(path, "", fmt.Sprintf("failed to load scenario: %v", err))
			continue
		}
		run, err := Run(ctx, scenario, opts...)
		if err != nil {
			result.fail(path, scenario.Name, fmt.Sprintf("scenario execution failed: %v", err))
			continue
		}
		if !run.Pass {
			result.fail(path, scenario.Name, run.Errors...)
			continue
		}
		if check != nil {
			if errs := check(path, scenario, run); len(errs) > 0 {
				result.fail(path, scenario.Name, errs...)
				continue
			}
		}
		result.pass(path, scenario.Name)
	}
	return result, nil
}
