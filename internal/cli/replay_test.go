package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/govexec/internal/engine"
	"github.com/roach88/govexec/internal/wal"
)

func TestStatus(t *testing.T) {
	env := newCLIEnv(t)
	s := env.createSession("acme", "alice")
	res, _, err := env.submit(s, "orders.echo", map[string]any{"total": 1})
	require.NoError(t, err)

	out, err := env.run("status", res.ExecutionID, "--tenant", "acme", "--format", "json")
	require.NoError(t, err)
	var x engine.Execution
	decodeResponse(t, out, &x)
	assert.Equal(t, engine.StatusCompleted, x.Status)
	assert.Equal(t, "orders.echo", x.IntentType)
	assert.Contains(t, x.Handler, "orders.echo@")

	text, err := env.run("status", res.ExecutionID, "--tenant", "acme")
	require.NoError(t, err)
	assert.Contains(t, text, "execution "+res.ExecutionID+" completed")
}

func TestStatus_OtherTenantIsNotFound(t *testing.T) {
	env := newCLIEnv(t)
	s := env.createSession("acme", "alice")
	res, _, err := env.submit(s, "orders.echo", map[string]any{"total": 1})
	require.NoError(t, err)

	_, err = env.run("status", res.ExecutionID, "--tenant", "globex")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestStatus_MissingTenantFlag(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.run("status", "x1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestReplay_Modes(t *testing.T) {
	env := newCLIEnv(t)
	s := env.createSession("acme", "alice")
	res, _, err := env.submit(s, "payments.transfer", map[string]any{"amount": 5})
	require.NoError(t, err)

	t.Run("full", func(t *testing.T) {
		out, err := env.run("replay", res.ExecutionID, "--tenant", "acme", "--format", "json")
		require.NoError(t, err)
		var r ReplayOutput
		decodeResponse(t, out, &r)
		assert.Equal(t, engine.ReplayFull, r.Mode)
		assert.Equal(t, engine.StatusCompleted, r.Execution.Status)
		assert.NotEmpty(t, r.Events)
		require.Len(t, r.Sagas, 1)
		assert.Equal(t, "transfer", r.Sagas[0].Name)

		var namespaces []string
		for _, st := range r.State {
			namespaces = append(namespaces, st.Namespace)
		}
		assert.Contains(t, namespaces, "holds")
		assert.Contains(t, namespaces, "ledger")
		assert.Nil(t, r.Deterministic)
	})

	t.Run("events_only", func(t *testing.T) {
		out, err := env.run("replay", res.ExecutionID, "--tenant", "acme", "--mode", "events_only", "--format", "json")
		require.NoError(t, err)
		var r ReplayOutput
		decodeResponse(t, out, &r)
		assert.Empty(t, r.State)
		assert.Empty(t, r.Sagas)
		require.NotEmpty(t, r.Events)
		assert.Equal(t, wal.EventIntentReceived, r.Events[0].Type)
		assert.Equal(t, wal.EventExecutionCompleted, r.Events[len(r.Events)-1].Type)
	})

	t.Run("state_only", func(t *testing.T) {
		out, err := env.run("replay", res.ExecutionID, "--tenant", "acme", "--mode", "state_only", "--format", "json")
		require.NoError(t, err)
		var r ReplayOutput
		decodeResponse(t, out, &r)
		assert.Empty(t, r.Events)
		assert.NotEmpty(t, r.State)
	})

	t.Run("text", func(t *testing.T) {
		out, err := env.run("replay", res.ExecutionID, "--tenant", "acme")
		require.NoError(t, err)
		assert.Contains(t, out, "status: completed")
		assert.Contains(t, out, "saga: ")
		assert.Contains(t, out, "intent_received")
	})
}

func TestReplay_Verify(t *testing.T) {
	env := newCLIEnv(t)
	s := env.createSession("acme", "alice")
	res, _, err := env.submit(s, "payments.broken", map[string]any{})
	require.Error(t, err, "the saga aborts")

	out, err := env.run("replay", res.ExecutionID, "--tenant", "acme", "--verify", "--format", "json")
	require.NoError(t, err)
	var r ReplayOutput
	decodeResponse(t, out, &r)
	require.NotNil(t, r.Deterministic)
	assert.True(t, *r.Deterministic)
	assert.Equal(t, engine.StatusFailed, r.Execution.Status)
}

func TestReplay_Errors(t *testing.T) {
	env := newCLIEnv(t)

	t.Run("unknown_execution", func(t *testing.T) {
		out, err := env.run("replay", "nope", "--tenant", "acme", "--format", "json")
		require.Error(t, err)
		assert.Equal(t, ExitFailure, GetExitCode(err))
		resp := decodeResponse(t, out, nil)
		assert.Equal(t, "MalformedIntent", resp.Error.Code)
	})

	t.Run("bad_mode", func(t *testing.T) {
		_, err := env.run("replay", "x1", "--tenant", "acme", "--mode", "sideways")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})
}
