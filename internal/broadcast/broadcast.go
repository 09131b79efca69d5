// Package broadcast implements the Broadcast Hub (L9): process-wide
// pub/sub for LifecycleEvents, delivered to every subscribed client
// connection regardless of which instance currently has its focus.
//
// Grounded on the reference's internal/relay/workers.go WingRegistry,
// specifically its dashboard-subscriber half (Subscribe/Unsubscribe/
// notify): a subscriber map protected by its own RWMutex, non-blocking
// `select { case ch <- ev: default: }` fan-out so one slow reader can
// never stall a publish. The reference's dual userID/orgID indexing
// (multi-tenant dashboard routing) has no analogue here — spec.md's
// LifecycleEvent has no per-subscriber audience concept, every
// LifecycleEvent goes to every subscriber — so that half of WingRegistry
// is not carried forward.
package broadcast

import (
	"sync"

	"github.com/anselm-vey/roost/internal/wire"
)

// Subscriber is a broadcast Hub listener handle.
type Subscriber struct {
	id uint64
	ch chan wire.LifecycleEvent
}

// Events returns the channel LifecycleEvents are delivered on. Delivery
// is non-blocking: if the channel's buffer is full the event is dropped
// for that subscriber rather than stalling the publisher.
func (s *Subscriber) Events() <-chan wire.LifecycleEvent { return s.ch }

// Hub is the process-wide LifecycleEvent broadcaster.
type Hub struct {
	mu        sync.RWMutex
	subs      map[uint64]*Subscriber
	nextSubID uint64
}

// New constructs an empty Hub.
func New() *Hub {
	return &Hub{subs: make(map[uint64]*Subscriber)}
}

// Subscribe registers a new listener with the given channel buffer depth.
func (h *Hub) Subscribe(bufferDepth int) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextSubID++
	sub := &Subscriber{id: h.nextSubID, ch: make(chan wire.LifecycleEvent, bufferDepth)}
	h.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a listener. Safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, sub.id)
}

// Publish fans an event out to every current subscriber. Mutate-then-
// broadcast-full-snapshot: callers always pass the complete current state
// of the mutated entity, never a diff, so a subscriber that missed
// earlier events about the same identity still ends up consistent once it
// processes the latest one (idempotent upsert on Identity).
func (h *Hub) Publish(ev wire.LifecycleEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// SubscriberCount reports how many listeners are currently registered.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// LifecycleFunc adapts a Hub into an instance.LifecycleFunc-compatible
// callback: Registry wires every spawned Actor's lifecycle callback
// through this so instance-level mutations become Hub broadcasts.
func (h *Hub) LifecycleFunc(kind wire.LifecycleEventKind, identity string, snapshot map[string]any) {
	h.Publish(wire.LifecycleEvent{
		Envelope: wire.Envelope{Type: wire.TypeLifecycleEvt},
		Kind:     kind,
		Identity: identity,
		Snapshot: snapshot,
	})
}
