// Package clock provides the wall clock and the per-tenant logical sequencer
// used to order WAL events.
package clock

import (
	"sync"
	"sync/atomic"
	"time"
)

// Clock is a source of wall-clock time. Timestamps are informational; event
// ordering always uses sequence numbers.
type Clock interface {
	Now() time.Time
}

// System returns the real wall clock in UTC.
func System() Clock {
	return systemClock{}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Sequencer hands out strictly increasing sequence numbers per tenant.
//
// There is no cross-tenant ordering: each tenant has an independent counter
// starting at 0, so the first Next returns 1. Safe for concurrent use.
type Sequencer struct {
	mu      sync.Mutex
	tenants map[string]*atomic.Int64
}

// NewSequencer creates an empty sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{tenants: make(map[string]*atomic.Int64)}
}

func (s *Sequencer) counter(tenantID string) *atomic.Int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.tenants[tenantID]
	if !ok {
		c = &atomic.Int64{}
		s.tenants[tenantID] = c
	}
	return c
}

// Next returns the next sequence number for tenantID.
func (s *Sequencer) Next(tenantID string) int64 {
	return s.counter(tenantID).Add(1)
}

// Current returns the last issued sequence number for tenantID, or 0.
func (s *Sequencer) Current(tenantID string) int64 {
	return s.counter(tenantID).Load()
}

// Seed resumes a tenant's counter from a known position, used when a log is
// reopened. Seed never moves a counter backwards.
func (s *Sequencer) Seed(tenantID string, seq int64) {
	c := s.counter(tenantID)
	for {
		cur := c.Load()
		if seq <= cur || c.CompareAndSwap(cur, seq) {
			return
		}
	}
}
