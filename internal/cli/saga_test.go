package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/govexec/internal/saga"
)

func TestSagaReplayAndShow(t *testing.T) {
	env := newCLIEnv(t)
	s := env.createSession("acme", "alice")
	res, _, err := env.submit(s, "payments.transfer", map[string]any{"amount": 5})
	require.NoError(t, err)
	sagaID, _ := res.Artifacts["saga_id"].(string)
	require.NotEmpty(t, sagaID)

	for _, sub := range []string{"replay", "show"} {
		t.Run(sub, func(t *testing.T) {
			out, err := env.run("saga", sub, sagaID, "--tenant", "acme", "--format", "json")
			require.NoError(t, err)
			var got saga.Saga
			decodeResponse(t, out, &got)
			assert.Equal(t, sagaID, got.SagaID)
			assert.Equal(t, saga.StatusCompleted, got.Status)
			assert.Equal(t, []string{"reserve", "settle"}, got.StepIDs())
			for _, st := range got.Steps {
				assert.Equal(t, saga.StepCompleted, st.Status, st.StepID)
			}
		})
	}
}

func TestSagaReplay_Aborted(t *testing.T) {
	env := newCLIEnv(t)
	s := env.createSession("acme", "alice")
	res, resp, err := env.submit(s, "payments.broken", map[string]any{})
	require.Error(t, err)
	assert.Equal(t, "SagaStepExhausted", resp.Error.Code)

	out, err := env.run("events", "--tenant", "acme", "--execution", res.ExecutionID, "--type", "saga_step_failed", "--format", "json")
	require.NoError(t, err)
	var events EventsOutput
	decodeResponse(t, out, &events)
	require.Len(t, events.Events, 1)
	sagaID := events.Events[0].SagaID

	text, err := env.run("saga", "replay", sagaID, "--tenant", "acme")
	require.NoError(t, err)
	assert.Contains(t, text, string(saga.StatusAborted))
	assert.Contains(t, text, "reserve state.put compensated")
	assert.Contains(t, text, "ledger offline")
}

func TestSagaReplay_Unknown(t *testing.T) {
	env := newCLIEnv(t)
	out, err := env.run("saga", "replay", "nope", "--tenant", "acme", "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	resp := decodeResponse(t, out, nil)
	assert.Equal(t, "error", resp.Status)
}
