package harness

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/govexec/internal/canon"
)

// GoldenDir is where golden traces are stored, relative to the test's
// package directory.
const GoldenDir = "testdata/golden"

// Snapshot renders a trace as canonical JSON, one event per line, so golden
// diffs point at the event that changed.
func Snapshot(trace []TraceEvent) ([]byte, error) {
	var buf bytes.Buffer
	for i, ev := range trace {
		line, err := canon.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("trace[%d]: %w", i, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// RunWithGolden runs scenario and compares its WAL trace with
// GoldenDir/<scenario name>.golden. Regenerate with
//
//	go test ./internal/harness -update
//
// A mismatch fails t through goldie; the returned error is for runs that
// could not complete.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result with its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()
	return assertGoldenIn(t, GoldenDir, scenarioName, result)
}

func assertGoldenIn(t *testing.T, dir, name string, result *Result) error {
	t.Helper()

	snapshot, err := Snapshot(result.Trace)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir(dir),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, snapshot)
	return nil
}
