package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToMatchingSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(4, KindFailure)
	defer cancel()

	bus.Publish(Event{Kind: KindFailure, JobID: "job-1"})

	select {
	case ev := <-ch:
		assert.Equal(t, KindFailure, ev.Kind)
		assert.Equal(t, "job-1", ev.JobID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("expected event was not delivered")
	}
}

func TestBusFiltersByKind(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(4, KindCheckpoint)
	defer cancel()

	bus.Publish(Event{Kind: KindFailure})
	bus.Publish(Event{Kind: KindCheckpoint})

	ev := <-ch
	assert.Equal(t, KindCheckpoint, ev.Kind)
	assert.Len(t, ch, 0)
}

func TestBusEmptyKindListReceivesEverything(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(8)
	defer cancel()

	bus.Publish(Event{Kind: KindFailure})
	bus.Publish(Event{Kind: KindAbort})

	assert.Equal(t, KindFailure, (<-ch).Kind)
	assert.Equal(t, KindAbort, (<-ch).Kind)
}

func TestBusDropsWhenSubscriberIsFull(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_, cancel := bus.Subscribe(1, KindRetry)
	defer cancel()

	bus.Publish(Event{Kind: KindRetry})
	bus.Publish(Event{Kind: KindRetry})
	bus.Publish(Event{Kind: KindRetry})

	assert.Equal(t, uint64(2), bus.Dropped())
	assert.Equal(t, uint64(3), bus.Published())
}

func TestBusCancelStopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(4, KindCleanup)
	cancel()

	// The channel is closed on cancel; publishing afterwards must not panic.
	bus.Publish(Event{Kind: KindCleanup})

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, uint64(0), bus.Dropped())
}

func TestBusCloseClosesSubscribers(t *testing.T) {
	bus := NewBus()
	ch, _ := bus.Subscribe(4)

	bus.Close()
	bus.Close() // idempotent

	_, open := <-ch
	require.False(t, open)

	// Publish after close is a no-op.
	bus.Publish(Event{Kind: KindFailure})
	assert.Equal(t, uint64(0), bus.Published())
}

func TestBusSubscribeAfterClose(t *testing.T) {
	bus := NewBus()
	bus.Close()

	ch, cancel := bus.Subscribe(4)
	cancel()

	_, open := <-ch
	assert.False(t, open)
}
