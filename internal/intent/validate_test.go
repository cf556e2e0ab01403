package intent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/govexec/internal/fault"
	"github.com/roach88/govexec/internal/ids"
	"github.com/roach88/govexec/internal/session"
	"github.com/roach88/govexec/internal/state"
	"github.com/roach88/govexec/internal/testutil"
)

func newValidator(t *testing.T) (*Validator, *session.Manager, *testutil.StepClock) {
	t.Helper()
	clk := testutil.NewStepClockAt(testutil.Epoch, 0)
	sessions := session.NewManager(state.NewMemoryStore(clk),
		session.WithIDs(ids.NewSequentialGenerator("s")),
		session.WithClock(clk),
		session.WithTTL(time.Hour),
	)
	return NewValidator(sessions), sessions, clk
}

func TestValidate(t *testing.T) {
	v, sessions, clk := newValidator(t)
	ctx := context.Background()

	s1, err := sessions.Create(ctx, "t1", "u1")
	require.NoError(t, err)

	valid := Intent{
		IntentType: "content.upload",
		TenantID:   "t1",
		SessionID:  s1.SessionID,
		Payload:    map[string]any{"file": "a.csv"},
	}

	tests := []struct {
		name   string
		mutate func(*Intent)
		kind   fault.Kind
	}{
		{"valid", func(*Intent) {}, ""},
		{"empty payload map is fine", func(i *Intent) { i.Payload = map[string]any{} }, ""},
		{"reserved prefix", func(i *Intent) { i.IntentType = "solution.onboard" }, ""},
		{"bad type", func(i *Intent) { i.IntentType = "Upload" }, fault.KindMalformedIntent},
		{"missing tenant", func(i *Intent) { i.TenantID = "" }, fault.KindMalformedIntent},
		{"missing session", func(i *Intent) { i.SessionID = "" }, fault.KindMalformedIntent},
		{"absent payload", func(i *Intent) { i.Payload = nil }, fault.KindMalformedIntent},
		{"unknown session", func(i *Intent) { i.SessionID = "ghost" }, fault.KindUnknownSession},
		{"wrong tenant", func(i *Intent) { i.TenantID = "t2" }, fault.KindTenantMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			in.Payload = map[string]any{"file": "a.csv"}
			tt.mutate(&in)

			res, err := v.Validate(ctx, in)
			if tt.kind == "" {
				require.NoError(t, err)
				assert.Equal(t, s1.SessionID, res.Session.SessionID)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.kind, fault.KindOf(err), "err: %v", err)
		})
	}

	t.Run("expired session", func(t *testing.T) {
		clk.Advance(2 * time.Hour)
		_, err := v.Validate(ctx, valid)
		assert.Equal(t, fault.KindUnknownSession, fault.KindOf(err))
	})
}
