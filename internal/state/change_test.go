package state_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/govexec/internal/state"
)

func TestChangeValidate(t *testing.T) {
	tests := []struct {
		name    string
		change  state.Change
		wantErr bool
	}{
		{"put", state.Change{Op: state.OpPut, Namespace: "files", ID: "a", Value: json.RawMessage(`{"x":1}`)}, false},
		{"delete", state.Change{Op: state.OpDelete, Namespace: "files", ID: "a"}, false},
		{"put without value", state.Change{Op: state.OpPut, Namespace: "files", ID: "a"}, true},
		{"invalid json", state.Change{Op: state.OpPut, Namespace: "files", ID: "a", Value: json.RawMessage(`{`)}, true},
		{"unknown op", state.Change{Op: "merge", Namespace: "files", ID: "a"}, true},
		{"missing id", state.Change{Op: state.OpDelete, Namespace: "files"}, true},
		{"reserved namespace", state.Change{Op: state.OpDelete, Namespace: state.NamespaceSessions, ID: "s1"}, true},
		{"underscore namespace", state.Change{Op: state.OpDelete, Namespace: "_internal", ID: "s1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.change.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestApply(t *testing.T) {
	s := state.NewMemoryStore(nil)
	ctx := context.Background()

	err := state.Apply(ctx, s, "t1", []state.Change{
		{Op: state.OpPut, Namespace: "files", ID: "a", Value: json.RawMessage(`"one"`)},
		{Op: state.OpPut, Namespace: "files", ID: "b", Value: json.RawMessage(`"two"`)},
		{Op: state.OpDelete, Namespace: "files", ID: "a"},
	})
	require.NoError(t, err)

	list, err := s.List(ctx, "t1", "files")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].Key.ID)
}

func TestApplyIsAllOrNothingOnValidation(t *testing.T) {
	s := state.NewMemoryStore(nil)
	ctx := context.Background()

	err := state.Apply(ctx, s, "t1", []state.Change{
		{Op: state.OpPut, Namespace: "files", ID: "a", Value: json.RawMessage(`1`)},
		{Op: state.OpPut, Namespace: state.NamespaceExecutions, ID: "x", Value: json.RawMessage(`1`)},
	})
	require.Error(t, err)

	list, err := s.List(ctx, "t1", "files")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestChangesPayloadRoundTrip(t *testing.T) {
	changes := []state.Change{
		{Op: state.OpPut, Namespace: "files", ID: "a", Value: json.RawMessage(`{"size":3}`)},
		{Op: state.OpDelete, Namespace: "files", ID: "b"},
	}

	back, err := state.ChangesFromPayload(state.ChangesToPayload(changes))
	require.NoError(t, err)
	require.Len(t, back, 2)
	assert.Equal(t, state.OpPut, back[0].Op)
	assert.JSONEq(t, `{"size":3}`, string(back[0].Value))
	assert.Equal(t, state.OpDelete, back[1].Op)
	assert.Empty(t, back[1].Value)
}

func TestJSONHelpers(t *testing.T) {
	type doc struct {
		Name string `json:"name"`
	}
	s := state.NewMemoryStore(nil)
	ctx := context.Background()
	key := state.Key{TenantID: "t1", Namespace: "docs", ID: "d"}

	e, err := state.CompareAndSwapJSON(ctx, s, key, 0, doc{Name: "first"})
	require.NoError(t, err)

	_, err = state.PutJSON(ctx, s, key, doc{Name: "second"})
	require.NoError(t, err)

	got, entry, err := state.GetJSON[doc](ctx, s, key)
	require.NoError(t, err)
	assert.Equal(t, "second", got.Name)
	assert.Equal(t, e.Version+1, entry.Version)
}
