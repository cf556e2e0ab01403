package state

import (
	"context"
	"sort"
	"sync"

	"github.com/roach88/govexec/internal/clock"
)

// MemoryStore is an in-process Store. Replay uses it as scratch space.
//
// Thread-safety: safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	clock   clock.Clock
	entries map[Key]Entry
}

// NewMemoryStore creates an empty store. A nil clock uses the system clock.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.System()
	}
	return &MemoryStore{clock: clk, entries: make(map[Key]Entry)}
}

func (m *MemoryStore) Get(ctx context.Context, key Key) (Entry, error) {
	if err := key.Validate(); err != nil {
		return Entry{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return copyEntry(e), nil
}

func (m *MemoryStore) Put(ctx context.Context, key Key, value []byte) (Entry, error) {
	if err := key.Validate(); err != nil {
		return Entry{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.write(key, m.entries[key].Version, value), nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, key Key, expected int64, value []byte) (Entry, error) {
	if err := key.Validate(); err != nil {
		return Entry{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.entries[key].Version
	if current != expected {
		return Entry{}, ErrVersionConflict
	}
	return m.write(key, current, value), nil
}

func (m *MemoryStore) write(key Key, prev int64, value []byte) Entry {
	e := Entry{
		Key:       key,
		Value:     append([]byte(nil), value...),
		Version:   prev + 1,
		UpdatedAt: m.clock.Now(),
	}
	m.entries[key] = e
	return copyEntry(e)
}

func (m *MemoryStore) Delete(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, tenantID, namespace string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []Entry{}
	for k, e := range m.entries {
		if k.TenantID == tenantID && k.Namespace == namespace {
			out = append(out, copyEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.ID < out[j].Key.ID })
	return out, nil
}

// Snapshot returns every entry ordered by key, used to compare replayed state.
func (m *MemoryStore) Snapshot() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, copyEntry(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

func copyEntry(e Entry) Entry {
	e.Value = append([]byte(nil), e.Value...)
	return e
}
