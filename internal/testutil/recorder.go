package testutil

import "sync"

// Recorder captures an ordered log of calls made by test doubles.
//
// Handlers, saga actions and policy validators append a label per call so
// tests can assert invocation counts and exact ordering.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Recorder struct {
	mu    sync.Mutex
	calls []string
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record appends a call label.
func (r *Recorder) Record(label string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, label)
}

// Calls returns a copy of all recorded labels in order.
func (r *Recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

// Count returns how many times label was recorded.
func (r *Recorder) Count(label string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == label {
			n++
		}
	}
	return n
}

// Len returns the total number of recorded calls.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Reset clears all recorded calls.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}
