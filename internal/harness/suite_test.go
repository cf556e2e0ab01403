package harness

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindScenarios(t *testing.T) {
	files, err := FindScenarios(filepath.Join("testdata", "scenarios"))
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join("testdata", "scenarios", "echo_completes.yaml"),
		filepath.Join("testdata", "scenarios", "policy_denied.yaml"),
		filepath.Join("testdata", "scenarios", "saga_rollback.yaml"),
		filepath.Join("testdata", "scenarios", "script_handler.yaml"),
	}, files)

	single, err := FindScenarios(files[0])
	require.NoError(t, err)
	assert.Equal(t, files[:1], single)

	_, err = FindScenarios("testdata/nope")
	var nf *ScenarioNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "testdata/nope", nf.Path)
}

func TestFindScenarios_SkipsGoldenDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "golden"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "golden", "x.yaml"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yml"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o644))

	files, err := FindScenarios(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.yml")}, files)
}

func TestRunSuite(t *testing.T) {
	result, err := RunSuite(context.Background(), []string{filepath.Join("testdata", "scenarios")})
	require.NoError(t, err)
	assert.Equal(t, 4, result.Total)
	assert.Equal(t, 4, result.Passed)
	assert.True(t, result.OK(), "failures: %+v", result.Failures)
}

func TestRunSuite_CountsFailures(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: [\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "failing.yaml"), []byte(`
name: failing
description: "expects the wrong outcome"
capabilities:
  - { intent_type: orders.echo, handler: echo }
flow:
  - submit: orders.echo
    payload: {}
    expect: { success: false }
`), 0o644))

	result, err := RunSuite(context.Background(), []string{dir})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 2, result.Failed)
	assert.False(t, result.OK())
	require.Len(t, result.Failures, 2)
	assert.Contains(t, result.Failures[0].Errors[0], "failed to load scenario")
	assert.Equal(t, "failing", result.Failures[1].Name)
	assert.Contains(t, result.Failures[1].Errors[0], "expected success=false")
}

func TestRunSuiteWithCheck(t *testing.T) {
	var seen []string
	check := func(path string, s *Scenario, r *Result) []string {
		seen = append(seen, s.Name)
		if s.Name == "echo_completes" {
			return []string{"rejected by check"}
		}
		return nil
	}

	result, err := RunSuiteWithCheck(context.Background(), []string{filepath.Join("testdata", "scenarios")}, check)
	require.NoError(t, err)
	assert.Len(t, seen, 4)
	assert.Equal(t, 3, result.Passed)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, []string{"rejected by check"}, result.Failures[0].Errors)
	require.Len(t, result.Scenarios, 4)
	for _, s := range result.Scenarios {
		assert.Equal(t, s.Name != "echo_completes", s.Pass, s.Name)
	}
}
