package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStepClock_StartsAtEpoch(t *testing.T) {
	clock := NewStepClock()
	assert.Equal(t, Epoch, clock.Peek())
}

func TestStepClock_NowAdvances(t *testing.T) {
	clock := NewStepClockAt(Epoch, time.Second)

	assert.Equal(t, Epoch, clock.Now())
	assert.Equal(t, Epoch.Add(time.Second), clock.Now())
	assert.Equal(t, Epoch.Add(2*time.Second), clock.Peek())
}

func TestStepClock_AdvanceAndReset(t *testing.T) {
	clock := NewStepClock()
	clock.Advance(time.Hour)
	assert.Equal(t, Epoch.Add(time.Hour), clock.Peek())

	clock.Reset(Epoch)
	assert.Equal(t, Epoch, clock.Now())
}

func TestStepClock_ConcurrentReadsAreDistinct(t *testing.T) {
	clock := NewStepClock()
	seen := sync.Map{}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, dup := seen.LoadOrStore(clock.Now(), true)
			assert.False(t, dup)
		}()
	}
	wg.Wait()
}
