package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/govexec/internal/harness"
)

const passingScenario = `name: echo_passes
description: "An allowed intent echoes its payload"
capabilities:
  - { intent_type: orders.echo, handler: echo }
flow:
  - submit: orders.echo
    payload: { sku: A-1 }
    expect:
      success: true
      status: completed
      artifacts: { sku: A-1 }
`

const failingScenario = `name: echo_expects_failure
description: "Expects the wrong outcome"
capabilities:
  - { intent_type: orders.echo, handler: echo }
flow:
  - submit: orders.echo
    payload: {}
    expect: { success: false }
`

func runTestCommand(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: format}
	cmd := NewTestCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func writeScenario(t *testing.T, dir, name, src string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func TestTestCommandMissingArgs(t *testing.T) {
	_, err := runTestCommand(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires at least 1 arg")
}

func TestTestCommandPasses(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "echo.yaml", passingScenario)

	out, err := runTestCommand(t, "text", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ echo_passes")
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
}

func TestTestCommandFails(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "echo.yaml", passingScenario)
	writeScenario(t, dir, "wrong.yaml", failingScenario)

	out, err := runTestCommand(t, "text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ echo_expects_failure")
	assert.Contains(t, out, "expected success=false")
	assert.Contains(t, out, "1 passed, 1 failed, 2 total")
}

func TestTestCommandJSON(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "wrong.yaml", failingScenario)

	out, err := runTestCommand(t, "json", dir)
	require.Error(t, err)

	resp := decodeResponse(t, out, nil)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeScenarioFail, resp.Error.Code)
	assert.Equal(t, "1 of 1 scenario(s) failed", resp.Error.Message)

	dir = t.TempDir()
	writeScenario(t, dir, "echo.yaml", passingScenario)
	out, err = runTestCommand(t, "json", dir)
	require.NoError(t, err)
	var result harness.SuiteResult
	decodeResponse(t, out, &result)
	assert.Equal(t, 1, result.Passed)
	require.Len(t, result.Scenarios, 1)
	assert.True(t, result.Scenarios[0].Pass)
}

func TestTestCommandGolden(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "echo.yaml", passingScenario)
	golden := filepath.Join(dir, "golden", "echo.golden")

	_, err := runTestCommand(t, "text", dir, "--update")
	require.NoError(t, err)
	data, err := os.ReadFile(golden)
	require.NoError(t, err)
	assert.Contains(t, string(data), "intent_received")

	_, err = runTestCommand(t, "text", dir)
	require.NoError(t, err, "trace matches the golden file it just wrote")

	require.NoError(t, os.WriteFile(golden, []byte("stale\n"), 0o644))
	out, err := runTestCommand(t, "text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "trace does not match golden file")
}

func TestTestCommandFilter(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "echo.yaml", passingScenario)
	writeScenario(t, dir, "wrong.yaml", failingScenario)

	out, err := runTestCommand(t, "text", dir, "--filter", "ec*")
	require.NoError(t, err)
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")

	out, err = runTestCommand(t, "text", dir, "--filter", "nothing*")
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")

	_, err = runTestCommand(t, "text", dir, "--filter", "[")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTestCommandMissingPath(t *testing.T) {
	out, err := runTestCommand(t, "json", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	resp := decodeResponse(t, out, nil)
	assert.Equal(t, ErrCodeNotFound, resp.Error.Code)
}
