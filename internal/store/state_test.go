package store

import (
	"testing"

	"github.com/roach88/govexec/internal/state"
	"github.com/roach88/govexec/internal/state/statetest"
)

func TestStateConformance(t *testing.T) {
	statetest.Run(t, func(t *testing.T) state.Store {
		return createTestStore(t)
	})
}
