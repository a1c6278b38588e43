package events_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lumina-backend/domain/events"
)

func receive(t *testing.T, sub *events.Subscription) events.Event {
	t.Helper()
	select {
	case evt, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

func TestStream_PreservesOrderPerSubscriber(t *testing.T) {
	stream := events.NewStream()
	defer stream.Close()
	sub := stream.Subscribe(8)

	now := time.Now()
	stream.Publish(events.New(events.KindLockAcquired, "board-1", now))
	stream.Publish(events.New(events.KindLockReleased, "board-1", now))

	assert.Equal(t, events.KindLockAcquired, receive(t, sub).Kind)
	assert.Equal(t, events.KindLockReleased, receive(t, sub).Kind)
}

func TestStream_FiltersByCategory(t *testing.T) {
	stream := events.NewStream()
	defer stream.Close()
	locks := stream.Subscribe(8, events.CategoryLocks)

	stream.Publish(events.New(events.KindCursorMoved, "s", time.Now()))
	stream.Publish(events.New(events.KindLockAcquired, "s", time.Now()))

	assert.Equal(t, events.KindLockAcquired, receive(t, locks).Kind)
}

func TestStream_DropsCursorsWhenFullButKeepsLocks(t *testing.T) {
	stream := events.NewStream()
	defer stream.Close()
	sub := stream.Subscribe(2)

	// Nobody reads yet; the pump may hold one event in flight.
	for i := 0; i < 10; i++ {
		stream.Publish(events.New(events.KindCursorMoved, "s", time.Now()))
	}
	stream.Publish(events.New(events.KindLockAcquired, "s", time.Now()))

	assert.Greater(t, sub.Dropped(), 0)

	var sawLock bool
	for i := 0; i < 4 && !sawLock; i++ {
		sawLock = receive(t, sub).Kind == events.KindLockAcquired
	}
	assert.True(t, sawLock)
}

func TestSubscription_CloseStopsDelivery(t *testing.T) {
	stream := events.NewStream()
	sub := stream.Subscribe(8)
	require.Equal(t, 1, stream.Subscribers())

	sub.Close()
	sub.Close()

	assert.Equal(t, 0, stream.Subscribers())
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.C():
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestKind_Category(t *testing.T) {
	assert.Equal(t, events.CategoryMembers, events.KindMemberEnter.Category())
	assert.Equal(t, events.CategoryLocks, events.KindLockReleased.Category())
	assert.Equal(t, events.CategorySpace, events.KindSpaceResynced.Category())
	assert.True(t, events.KindCursorMoved.Droppable())
	assert.False(t, events.KindNodeMutated.Droppable())
}
