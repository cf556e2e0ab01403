package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/govexec/internal/ids"
	"github.com/roach88/govexec/internal/testutil"
	"github.com/roach88/govexec/internal/wal"
)

// createTestStore creates a new store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithStamper(wal.Stamper{
		IDs:   ids.NewSequentialGenerator("evt"),
		Clock: testutil.NewStepClock(),
	}), WithClock(testutil.NewStepClock()))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
