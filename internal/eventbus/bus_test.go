package eventbus

import (
	"testing"
	"time"

	"github.com/agentcontext/contextmesh/internal/meshtypes"
)

func waitNext(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case <-sub.Next():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishUpdatedDeliversToSubscriber(t *testing.T) {
	bus := New()
	sub := bus.Subscribe(4)
	defer sub.Unsubscribe()

	bus.PublishUpdated("c1", meshtypes.Metadata{Version: 1})

	waitNext(t, sub)
	events := sub.Drain()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != meshtypes.EventUpdated || events[0].ContextID != "c1" {
		t.Fatalf("unexpected event: %+v", events[0])
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	bus := New()
	sub := bus.Subscribe(2)
	defer sub.Unsubscribe()

	bus.PublishUpdated("a", meshtypes.Metadata{Version: 1})
	bus.PublishUpdated("b", meshtypes.Metadata{Version: 1})
	bus.PublishUpdated("c", meshtypes.Metadata{Version: 1})

	select {
	case <-sub.Overflow():
	case <-time.After(time.Second):
		t.Fatal("expected overflow signal")
	}

	events := sub.Drain()
	if len(events) != 2 {
		t.Fatalf("expected 2 surviving events, got %d", len(events))
	}
	if events[0].ContextID != "b" || events[1].ContextID != "c" {
		t.Fatalf("expected oldest event dropped, got %+v", events)
	}
}

func TestPublisherNeverBlocksOnSlowSubscriber(t *testing.T) {
	bus := New()
	sub := bus.Subscribe(1)
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.PublishUpdated("x", meshtypes.Metadata{Version: int64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New()
	sub := bus.Subscribe(4)
	sub.Unsubscribe()

	bus.PublishUpdated("c1", meshtypes.Metadata{Version: 1})

	select {
	case <-sub.Next():
		t.Fatal("unsubscribed subscription should not receive events")
	case <-time.After(50 * time.Millisecond):
	}
	if bus.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", bus.SubscriberCount())
	}
}

func TestMultipleSubscribersEachGetEvents(t *testing.T) {
	bus := New()
	subA := bus.Subscribe(4)
	subB := bus.Subscribe(4)
	defer subA.Unsubscribe()
	defer subB.Unsubscribe()

	bus.PublishDeleted("gone")

	waitNext(t, subA)
	waitNext(t, subB)

	if len(subA.Drain()) != 1 || len(subB.Drain()) != 1 {
		t.Fatal("expected both subscribers to receive the event")
	}
}
