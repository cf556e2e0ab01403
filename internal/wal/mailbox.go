package wal

import "sync"

// mailbox buffers events for one subscriber without bound, so a slow
// reader never stalls Publish. Readers take everything pending at once.
type mailbox struct {
	mu      sync.Mutex
	pending []Event
	stopped bool
	ready   chan struct{} // capacity 1; a send means pending may be non-empty
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

// push appends e unless the mailbox is stopped.
func (m *mailbox) push(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.pending = append(m.pending, e)
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// take returns the pending events in arrival order and empties the mailbox.
func (m *mailbox) take() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := m.pending
	m.pending = nil
	return batch
}

// stop drops pending events and refuses new ones.
func (m *mailbox) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	m.pending = nil
}
