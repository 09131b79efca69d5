package broadcast

import (
	"testing"
	"time"

	"github.com/anselm-vey/roost/internal/wire"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	h := New()
	a := h.Subscribe(4)
	b := h.Subscribe(4)

	h.Publish(wire.LifecycleEvent{Kind: wire.EventInstanceSpawned, Identity: "inst-1"})

	for _, sub := range []*Subscriber{a, b} {
		select {
		case ev := <-sub.Events():
			if ev.Identity != "inst-1" {
				t.Fatalf("unexpected identity %q", ev.Identity)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive published event")
		}
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	h := New()
	sub := h.Subscribe(1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			h.Publish(wire.LifecycleEvent{Kind: wire.EventPresenceChanged, Identity: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber buffer")
	}
	<-sub.Events()
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := New()
	sub := h.Subscribe(4)
	h.Unsubscribe(sub)

	h.Publish(wire.LifecycleEvent{Kind: wire.EventPresenceChanged, Identity: "x"})

	select {
	case <-sub.Events():
		t.Fatal("unsubscribed listener should not receive further events")
	case <-time.After(50 * time.Millisecond):
	}
	if h.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", h.SubscriberCount())
	}
}
