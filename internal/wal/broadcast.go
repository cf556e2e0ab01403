package wal

import (
	"context"
	"sync"
)

// Publisher receives every event after it has been durably appended.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Broadcaster fans appended events out to in-process subscribers.
//
// Each subscriber owns an unbounded queue so Publish never blocks on a slow
// reader. Broadcaster implements Publisher.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	filter Filter
	box    *mailbox
}

// NewBroadcaster creates a broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[*subscriber]struct{})}
}

// Publish enqueues e for every subscriber whose filter matches.
func (b *Broadcaster) Publish(_ context.Context, e Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if s.filter.Matches(e) {
			s.box.push(e)
		}
	}
	return nil
}

// Subscribe streams events matching f until ctx is cancelled, at which point
// the returned channel is closed. f.Limit is ignored.
func (b *Broadcaster) Subscribe(ctx context.Context, f Filter) (<-chan Event, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	s := &subscriber{filter: f, box: newMailbox()}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	out := make(chan Event)
	go func() {
		defer close(out)
		defer b.remove(s)
		for {
			for _, e := range s.box.take() {
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-s.box.ready:
			}
		}
	}()
	return out, nil
}

// Subscribers returns the number of active subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcaster) remove(s *subscriber) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
	s.box.stop()
}
