package execctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/govexec/internal/fault"
	"github.com/roach88/govexec/internal/ids"
	"github.com/roach88/govexec/internal/intent"
	"github.com/roach88/govexec/internal/policy"
	"github.com/roach88/govexec/internal/saga"
	"github.com/roach88/govexec/internal/session"
	"github.com/roach88/govexec/internal/state"
	"github.com/roach88/govexec/internal/testutil"
	"github.com/roach88/govexec/internal/wal"
)

type fixture struct {
	store *state.MemoryStore
	log   *wal.MemoryLog
	b     *Builder
}

func newFixture(t *testing.T, coord func(wal.Log, state.Store) *saga.Coordinator) *fixture {
	t.Helper()
	clk := testutil.NewStepClock()
	f := &fixture{
		store: state.NewMemoryStore(clk),
		log:   wal.NewMemoryLog(wal.Stamper{IDs: ids.NewSequentialGenerator("evt"), Clock: clk}),
	}
	var c *saga.Coordinator
	if coord != nil {
		c = coord(f.log, f.store)
	}
	f.b = NewBuilder(f.store, f.log, c, WithIDs(ids.NewSequentialGenerator("exec")), WithClock(clk))
	return f
}

func validResult() intent.ValidResult {
	return intent.ValidResult{
		Intent: intent.Intent{
			IntentID:   "i-1",
			IntentType: "content.upload",
			TenantID:   "t1",
			SessionID:  "s1",
			Payload:    map[string]any{"file": "a.csv", "tags": []any{"x"}},
			Metadata:   intent.Metadata{CorrelationID: "corr-1"},
		},
		Session: session.Session{SessionID: "s1", TenantID: "t1", UserID: "u1", ActiveSagaIDs: []string{"saga-0"}},
	}
}

func TestBuild(t *testing.T) {
	f := newFixture(t, nil)
	valid := validResult()
	decision := policy.Allow("p1", "ok").Sealed()

	c, err := f.b.Build("", valid, decision)
	require.NoError(t, err)

	assert.Equal(t, "exec-0001", c.ExecutionID())
	assert.Equal(t, "t1", c.TenantID())
	assert.Equal(t, "s1", c.SessionID())
	assert.Equal(t, "corr-1", c.CorrelationID())
	assert.Equal(t, testutil.Epoch, c.CreatedAt())
	assert.Equal(t, decision, c.PolicyDecision())
	assert.Equal(t, "a.csv", c.Payload()["file"])

	c2, err := f.b.Build("given", valid, decision)
	require.NoError(t, err)
	assert.Equal(t, "given", c2.ExecutionID())
	valid.Intent.Metadata.CorrelationID = ""
	c3, err := f.b.Build("exec-x", valid, decision)
	require.NoError(t, err)
	assert.Equal(t, "exec-x", c3.CorrelationID(), "falls back to the execution id")
}

func TestBuild_SnapshotsAreIsolated(t *testing.T) {
	f := newFixture(t, nil)
	valid := validResult()
	c, err := f.b.Build("", valid, policy.Allow("p1", ""))
	require.NoError(t, err)

	// Caller mutation after build does not reach the context.
	valid.Intent.Payload["file"] = "evil.csv"
	valid.Session.ActiveSagaIDs[0] = "tampered"
	assert.Equal(t, "a.csv", c.Payload()["file"])
	assert.Equal(t, []string{"saga-0"}, c.Session().ActiveSagaIDs)

	// Handler mutation of returned values does not reach the context.
	c.Payload()["file"] = "evil.csv"
	c.Intent().Payload["tags"].([]any)[0] = "y"
	s := c.Session()
	s.ActiveSagaIDs[0] = "tampered"
	assert.Equal(t, "a.csv", c.Payload()["file"])
	assert.Equal(t, []any{"x"}, c.Payload()["tags"])
	assert.Equal(t, []string{"saga-0"}, c.Session().ActiveSagaIDs)
}

func TestStateHandle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.store.Put(ctx, state.Key{TenantID: "t1", Namespace: "files", ID: "a"}, []byte(`{"size":1}`))
	require.NoError(t, err)
	_, err = f.store.Put(ctx, state.Key{TenantID: "t2", Namespace: "files", ID: "b"}, []byte(`{"size":2}`))
	require.NoError(t, err)

	c, err := f.b.Build("", validResult(), policy.Allow("p1", ""))
	require.NoError(t, err)
	h := c.State()

	raw, err := h.Get(ctx, "files", "a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"size":1}`, string(raw))

	_, err = h.Get(ctx, "files", "b")
	assert.ErrorIs(t, err, state.ErrNotFound, "other tenants are invisible")

	require.NoError(t, h.Put("files", "a", map[string]int{"size": 9}))
	got, ok, err := GetJSON[map[string]int](ctx, h, "files", "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 9, got["size"], "reads see staged writes")

	require.NoError(t, h.Delete("files", "a"))
	_, ok, err = GetJSON[map[string]int](ctx, h, "files", "a")
	require.NoError(t, err)
	assert.False(t, ok)

	entry, err := f.store.Get(ctx, state.Key{TenantID: "t1", Namespace: "files", ID: "a"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"size":1}`, string(entry.Value), "nothing is written until commit")

	assert.Len(t, h.Changes(), 2)
	assert.Len(t, c.Staged().StateChanges, 2)

	err = h.Put(state.NamespaceSessions, "s1", map[string]any{})
	assert.True(t, fault.Is(err, fault.KindHandlerFault))
	_, err = h.Get(ctx, "_session_owners", "s1")
	assert.True(t, fault.Is(err, fault.KindHandlerFault))

	entries, err := h.List(ctx, "files")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestEventHandle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	c, err := f.b.Build("exec-1", validResult(), policy.Allow("p1", ""))
	require.NoError(t, err)

	data := map[string]any{"rows": 3}
	require.NoError(t, c.Events().Emit("file.parsed", data))
	data["rows"] = 4
	assert.Error(t, c.Events().Emit("", nil))

	emitted := c.Events().Emitted()
	require.Len(t, emitted, 1)
	assert.Equal(t, "file.parsed", emitted[0].Type)
	assert.Equal(t, float64(3), emitted[0].Data["rows"])

	_, err = f.log.Append(ctx, wal.Event{TenantID: "t1", ExecutionID: "exec-1", Type: wal.EventExecutionStarted})
	require.NoError(t, err)
	_, err = f.log.Append(ctx, wal.Event{TenantID: "t1", ExecutionID: "exec-2", Type: wal.EventExecutionStarted})
	require.NoError(t, err)
	history, err := c.Events().History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "exec-1", history[0].ExecutionID)
}

func TestSagaHandle(t *testing.T) {
	t.Run("unavailable without a coordinator", func(t *testing.T) {
		f := newFixture(t, nil)
		c, err := f.b.Build("", validResult(), policy.Allow("p1", ""))
		require.NoError(t, err)
		_, err = c.Sagas().Run(context.Background(), saga.Definition{}, nil)
		assert.True(t, fault.Is(err, fault.KindHandlerFault))
	})

	t.Run("bound to the execution", func(t *testing.T) {
		f := newFixture(t, func(log wal.Log, store state.Store) *saga.Coordinator {
			actions := saga.NewActionRegistry()
			require.NoError(t, saga.RegisterBuiltins(actions))
			return saga.NewCoordinator(log, store, actions, saga.WithIDs(ids.NewSequentialGenerator("saga")))
		})
		c, err := f.b.Build("exec-1", validResult(), policy.Allow("p1", ""))
		require.NoError(t, err)

		s, err := c.Sagas().Run(context.Background(), saga.Definition{
			Name:  "one",
			Steps: []saga.StepDef{{ID: "a", Type: saga.ActionNoop}},
		}, map[string]any{"k": "v"})
		require.NoError(t, err)
		assert.Equal(t, "t1", s.TenantID)
		assert.Equal(t, "s1", s.SessionID)
		assert.Equal(t, "exec-1", s.ExecutionID)

		branches, err := c.Sagas().RunBranches(context.Background(), []saga.Definition{
			{Name: "b1", Steps: []saga.StepDef{{ID: "a", Type: saga.ActionNoop}}},
			{Name: "b2", Steps: []saga.StepDef{{ID: "a", Type: saga.ActionNoop}}},
		}, nil)
		require.NoError(t, err)
		for _, b := range branches {
			assert.Equal(t, "exec-1", b.ParentID)
			assert.Equal(t, saga.StatusCompleted, b.Status)
		}
		assert.Len(t, c.Staged().SagaIDs, 3)
	})
}

func TestContextValue(t *testing.T) {
	f := newFixture(t, nil)
	c, err := f.b.Build("", validResult(), policy.Allow("p1", ""))
	require.NoError(t, err)

	got, ok := FromContext(WithContext(context.Background(), c))
	require.True(t, ok)
	assert.Same(t, c, got)
	_, ok = FromContext(context.Background())
	assert.False(t, ok)
}
