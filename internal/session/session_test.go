package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/govexec/internal/fault"
	"github.com/roach88/govexec/internal/ids"
	"github.com/roach88/govexec/internal/state"
	"github.com/roach88/govexec/internal/testutil"
)

func newTestManager(t *testing.T, opts ...Option) (*Manager, *testutil.StepClock) {
	t.Helper()
	clk := testutil.NewStepClockAt(testutil.Epoch, 0)
	base := []Option{
		WithIDs(ids.NewSequentialGenerator("sess")),
		WithClock(clk),
		WithTTL(time.Hour),
	}
	return NewManager(state.NewMemoryStore(clk), append(base, opts...)...), clk
}

func TestCreateAndGet(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "sess-0001", s.SessionID)
	assert.Equal(t, "t1", s.TenantID)
	assert.Equal(t, testutil.Epoch.Add(time.Hour), s.ExpiresAt)
	assert.Empty(t, s.ActiveSagaIDs)

	got, err := m.Get(ctx, s.SessionID, "t1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
}

func TestCreateValidation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, "", "u1")
	assert.True(t, fault.Is(err, fault.KindMalformedIntent))

	_, err = m.Create(ctx, "t1", "")
	assert.True(t, fault.Is(err, fault.KindMalformedIntent))

	_, err = m.Create(ctx, state.OwnerTenant, "u1")
	assert.True(t, fault.Is(err, fault.KindMalformedIntent))
}

// Cross-tenant lookups must fail closed with TenantMismatch.
func TestGetTenantIsolation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	s1, err := m.Create(ctx, "A", "u1")
	require.NoError(t, err)
	s2, err := m.Create(ctx, "B", "u2")
	require.NoError(t, err)

	_, err = m.Get(ctx, s1.SessionID, "B")
	assert.True(t, fault.Is(err, fault.KindTenantMismatch), "got %v", err)

	_, err = m.Get(ctx, s2.SessionID, "A")
	assert.True(t, fault.Is(err, fault.KindTenantMismatch), "got %v", err)

	err = m.Close(ctx, s1.SessionID, "B")
	assert.True(t, fault.Is(err, fault.KindTenantMismatch), "got %v", err)

	err = m.AttachSaga(ctx, s1.SessionID, "B", "saga-1")
	assert.True(t, fault.Is(err, fault.KindTenantMismatch), "got %v", err)

	// The session is untouched by the rejected calls.
	got, err := m.Get(ctx, s1.SessionID, "A")
	require.NoError(t, err)
	assert.Empty(t, got.ActiveSagaIDs)
}

func TestGetUnknownSession(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Get(context.Background(), "nope", "t1")
	assert.True(t, fault.Is(err, fault.KindUnknownSession))

	_, err = m.Get(context.Background(), "", "t1")
	assert.True(t, fault.Is(err, fault.KindUnknownSession))
}

func TestGetExpired(t *testing.T) {
	m, clk := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, "t1", "u1")
	require.NoError(t, err)

	clk.Advance(time.Hour)
	_, err = m.Get(ctx, s.SessionID, "t1")
	assert.True(t, fault.Is(err, fault.KindUnknownSession))

	// Expired sessions can still be closed.
	require.NoError(t, m.Close(ctx, s.SessionID, "t1"))
}

func TestNoTTLNeverExpires(t *testing.T) {
	m, clk := newTestManager(t, WithTTL(0))
	ctx := context.Background()

	s, err := m.Create(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.True(t, s.ExpiresAt.IsZero())

	clk.Advance(1000 * time.Hour)
	_, err = m.Get(ctx, s.SessionID, "t1")
	assert.NoError(t, err)
}

func TestClose(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, "t1", "u1")
	require.NoError(t, err)
	require.NoError(t, m.Close(ctx, s.SessionID, "t1"))

	_, err = m.Get(ctx, s.SessionID, "t1")
	assert.True(t, fault.Is(err, fault.KindUnknownSession))

	err = m.Close(ctx, s.SessionID, "t1")
	assert.True(t, fault.Is(err, fault.KindUnknownSession))
}

func TestAttachDetachSaga(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, "t1", "u1")
	require.NoError(t, err)

	require.NoError(t, m.AttachSaga(ctx, s.SessionID, "t1", "saga-1"))
	require.NoError(t, m.AttachSaga(ctx, s.SessionID, "t1", "saga-2"))
	require.NoError(t, m.AttachSaga(ctx, s.SessionID, "t1", "saga-1"))

	got, err := m.Get(ctx, s.SessionID, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"saga-1", "saga-2"}, got.ActiveSagaIDs)

	require.NoError(t, m.DetachSaga(ctx, s.SessionID, "t1", "saga-1"))
	require.NoError(t, m.DetachSaga(ctx, s.SessionID, "t1", "missing"))

	got, err = m.Get(ctx, s.SessionID, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"saga-2"}, got.ActiveSagaIDs)
}

func TestConcurrentAttach(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, "t1", "u1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, m.AttachSaga(ctx, s.SessionID, "t1", fmt.Sprintf("saga-%d", i)))
		}(i)
	}
	wg.Wait()

	got, err := m.Get(ctx, s.SessionID, "t1")
	require.NoError(t, err)
	assert.Len(t, got.ActiveSagaIDs, 8)
}

func TestSnapshotIsolation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, "t1", "u1")
	require.NoError(t, err)
	require.NoError(t, m.AttachSaga(ctx, s.SessionID, "t1", "saga-1"))

	snap, err := m.Get(ctx, s.SessionID, "t1")
	require.NoError(t, err)
	snap.ActiveSagaIDs[0] = "tampered"
	snap.UserID = "tampered"

	again, err := m.Get(ctx, s.SessionID, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"saga-1"}, again.ActiveSagaIDs)
	assert.Equal(t, "u1", again.UserID)
}
