// Package statetest is a conformance suite shared by every state.Store backend.
package statetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/govexec/internal/state"
)

// Run exercises s against the state.Store contract. newStore must return an
// empty store.
func Run(t *testing.T, newStore func(t *testing.T) state.Store) {
	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), state.Key{TenantID: "t1", Namespace: "docs", ID: "x"})
		assert.ErrorIs(t, err, state.ErrNotFound)
	})

	t.Run("PutThenGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := state.Key{TenantID: "t1", Namespace: "docs", ID: "a"}

		e1, err := s.Put(ctx, key, []byte(`{"v":1}`))
		require.NoError(t, err)
		assert.Equal(t, int64(1), e1.Version)

		e2, err := s.Put(ctx, key, []byte(`{"v":2}`))
		require.NoError(t, err)
		assert.Equal(t, int64(2), e2.Version)

		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, `{"v":2}`, string(got.Value))
		assert.Equal(t, int64(2), got.Version)
		assert.Equal(t, key, got.Key)
	})

	t.Run("TenantScoped", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.Put(ctx, state.Key{TenantID: "t1", Namespace: "docs", ID: "a"}, []byte(`1`))
		require.NoError(t, err)

		_, err = s.Get(ctx, state.Key{TenantID: "t2", Namespace: "docs", ID: "a"})
		assert.ErrorIs(t, err, state.ErrNotFound)

		list, err := s.List(ctx, "t2", "docs")
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("CompareAndSwap", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := state.Key{TenantID: "t1", Namespace: "sagas", ID: "s1"}

		e, err := s.CompareAndSwap(ctx, key, 0, []byte(`"created"`))
		require.NoError(t, err)
		assert.Equal(t, int64(1), e.Version)

		_, err = s.CompareAndSwap(ctx, key, 0, []byte(`"again"`))
		assert.ErrorIs(t, err, state.ErrVersionConflict)

		_, err = s.CompareAndSwap(ctx, key, 5, []byte(`"stale"`))
		assert.ErrorIs(t, err, state.ErrVersionConflict)

		e, err = s.CompareAndSwap(ctx, key, 1, []byte(`"updated"`))
		require.NoError(t, err)
		assert.Equal(t, int64(2), e.Version)

		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, `"updated"`, string(got.Value))
	})

	t.Run("ConcurrentCASSingleWinner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := state.Key{TenantID: "t1", Namespace: "sagas", ID: "race"}

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if _, err := s.CompareAndSwap(ctx, key, 0, []byte(fmt.Sprintf("%d", i))); err == nil {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("DeleteIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := state.Key{TenantID: "t1", Namespace: "docs", ID: "a"}

		_, err := s.Put(ctx, key, []byte(`1`))
		require.NoError(t, err)
		require.NoError(t, s.Delete(ctx, key))
		require.NoError(t, s.Delete(ctx, key))

		_, err = s.Get(ctx, key)
		assert.ErrorIs(t, err, state.ErrNotFound)

		e, err := s.CompareAndSwap(ctx, key, 0, []byte(`2`))
		require.NoError(t, err)
		assert.Equal(t, int64(1), e.Version)
	})

	t.Run("ListOrderedByID", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, id := range []string{"c", "a", "b"} {
			_, err := s.Put(ctx, state.Key{TenantID: "t1", Namespace: "docs", ID: id}, []byte(`"`+id+`"`))
			require.NoError(t, err)
		}
		_, err := s.Put(ctx, state.Key{TenantID: "t1", Namespace: "other", ID: "z"}, []byte(`0`))
		require.NoError(t, err)

		list, err := s.List(ctx, "t1", "docs")
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, "a", list[0].Key.ID)
		assert.Equal(t, "b", list[1].Key.ID)
		assert.Equal(t, "c", list[2].Key.ID)
	})

	t.Run("InvalidKey", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Put(context.Background(), state.Key{TenantID: "t1", Namespace: "docs"}, []byte(`1`))
		assert.ErrorIs(t, err, state.ErrInvalidKey)
	})
}
