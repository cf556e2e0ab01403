package wal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestBroadcaster_DeliversMatchingEvents(t *testing.T) {
	b := NewBroadcaster()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, Filter{TenantID: "t1", ExecutionID: "e1"})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, Event{TenantID: "t1", ExecutionID: "e2", Sequence: 1}))
	require.NoError(t, b.Publish(ctx, Event{TenantID: "t2", ExecutionID: "e1", Sequence: 1}))
	require.NoError(t, b.Publish(ctx, Event{TenantID: "t1", ExecutionID: "e1", Sequence: 3}))

	select {
	case e := <-ch:
		assert.Equal(t, int64(3), e.Sequence)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcaster_ClosesOnCancel(t *testing.T) {
	b := NewBroadcaster()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := b.Subscribe(ctx, Filter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, 1, b.Subscribers())

	cancel()
	for range ch {
	}
	assert.Eventually(t, func() bool { return b.Subscribers() == 0 }, time.Second, 10*time.Millisecond)
}

func TestBroadcaster_PreservesOrder(t *testing.T) {
	b := NewBroadcaster()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, Filter{TenantID: "t1"})
	require.NoError(t, err)

	for i := int64(1); i <= 20; i++ {
		require.NoError(t, b.Publish(ctx, Event{TenantID: "t1", Sequence: i}))
	}
	for i := int64(1); i <= 20; i++ {
		select {
		case e := <-ch:
			assert.Equal(t, i, e.Sequence)
		case <-time.After(time.Second):
			t.Fatalf("timed out at %d", i)
		}
	}
}

type failingPublisher struct{ calls int }

func (p *failingPublisher) Publish(context.Context, Event) error {
	p.calls++
	return errors.New("broker down")
}

func TestPublishingLog_PublishFailureDoesNotFailAppend(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	pub := &failingPublisher{}
	b := NewBroadcaster()
	log := NewPublishingLog(newTestLog(), zap.New(core), pub, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := b.Subscribe(ctx, Filter{TenantID: "t1"})
	require.NoError(t, err)

	stored, err := log.Append(ctx, Event{TenantID: "t1", ExecutionID: "e1", Type: EventIntentReceived})
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Sequence)
	assert.Equal(t, 1, pub.calls)
	assert.Equal(t, 1, logs.FilterMessage("wal publish failed").Len())

	select {
	case e := <-ch:
		assert.Equal(t, stored.EventID, e.EventID)
	case <-time.After(time.Second):
		t.Fatal("broadcaster did not receive event")
	}
}
