// Package event provides the chat event bus, built on watermill's gochannel
// pub/sub for infrastructure while keeping direct subscriber calls so events
// retain their types and per-workspace ordering.
package event

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Topic is the watermill topic chat events are mirrored onto.
const Topic = "chat-events"

// Subscriber is a function that receives chat events.
type Subscriber func(ev ChatEvent)

type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus fans chat events out to subscribers. Delivery for one workspace is
// synchronous and in registration order; there is no delivery across process
// restarts, so new subscribers must re-sync from a fresh history read.
type Bus struct {
	mu sync.RWMutex

	pubsub *gochannel.GoChannel

	// byWorkspace holds workspace-scoped subscribers; global ones see every
	// event (the SSE bridge subscribes here).
	byWorkspace map[string][]subscriberEntry
	global      []subscriberEntry

	nextID uint64
	closed bool
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 100},
			watermill.NopLogger{},
		),
		byWorkspace: make(map[string][]subscriberEntry),
	}
}

// Subscribe registers a subscriber for one workspace's events.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(workspaceID string, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := atomic.AddUint64(&b.nextID, 1)
	b.byWorkspace[workspaceID] = append(b.byWorkspace[workspaceID], subscriberEntry{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.byWorkspace[workspaceID]
		for i, entry := range subs {
			if entry.id == id {
				b.byWorkspace[workspaceID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// SubscribeAll registers a subscriber for all events.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := atomic.AddUint64(&b.nextID, 1)
	b.global = append(b.global, subscriberEntry{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, entry := range b.global {
			if entry.id == id {
				b.global = append(b.global[:i], b.global[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers an event to all matching subscribers synchronously, in
// registration order. Synchronous delivery is what preserves the
// delete-then-summary-then-stream-end ordering that compaction relies on.
func (b *Bus) Publish(ev ChatEvent) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]Subscriber, 0, len(b.byWorkspace[ev.WorkspaceID])+len(b.global))
	for _, entry := range b.byWorkspace[ev.WorkspaceID] {
		subs = append(subs, entry.fn)
	}
	for _, entry := range b.global {
		subs = append(subs, entry.fn)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub(ev)
	}

	// Mirror onto the watermill topic for out-of-process style consumers
	// (middleware, a future distributed backend). Direct subscribers above
	// are the ordering-sensitive path.
	if data, err := json.Marshal(ev); err == nil {
		_ = b.pubsub.Publish(Topic, message.NewMessage(watermill.NewUUID(), data))
	}
}

// Close shuts down the bus and drops all subscribers.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.byWorkspace = make(map[string][]subscriberEntry)
	b.global = nil
	b.mu.Unlock()

	return b.pubsub.Close()
}

// PubSub exposes the underlying watermill channel for middleware or a future
// distributed backend.
func (b *Bus) PubSub() *gochannel.GoChannel {
	return b.pubsub
}
