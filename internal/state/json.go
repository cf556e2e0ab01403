package state

import (
	"context"
	"encoding/json"
	"fmt"
)

// GetJSON reads key and decodes its value into T.
func GetJSON[T any](ctx context.Context, s Store, key Key) (T, Entry, error) {
	var zero T
	entry, err := s.Get(ctx, key)
	if err != nil {
		return zero, Entry{}, err
	}
	var out T
	if err := json.Unmarshal(entry.Value, &out); err != nil {
		return zero, Entry{}, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, entry, nil
}

// PutJSON encodes v and writes it unconditionally.
func PutJSON(ctx context.Context, s Store, key Key, v any) (Entry, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Entry{}, fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Put(ctx, key, b)
}

// CompareAndSwapJSON encodes v and writes it if the version still matches.
func CompareAndSwapJSON(ctx context.Context, s Store, key Key, expected int64, v any) (Entry, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Entry{}, fmt.Errorf("encode %s: %w", key, err)
	}
	return s.CompareAndSwap(ctx, key, expected, b)
}
