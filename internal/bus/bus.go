package bus

import (
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"
)

// Subscriber receives events whose kind is in SubscribedKinds.
// OnEvent is invoked synchronously in the publisher's goroutine; subscribers
// that must do blocking work hand off to their own goroutine.
type Subscriber interface {
	SubscribedKinds() mapset.Set[EventKind]
	OnEvent(event Event)
}

// Bus is a typed publish/subscribe event bus. Subscribers are delivered
// events in subscription order; delivery iterates over a snapshot, so the
// subscriber list may be mutated concurrently with publication.
type Bus struct {
	mu          sync.RWMutex
	subscribers []Subscriber
	requestID   string
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers a subscriber. Subscribing the same subscriber twice
// is a no-op.
func (b *Bus) Subscribe(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.subscribers {
		if existing == s {
			return
		}
	}
	b.subscribers = append(b.subscribers, s)
}

// Unsubscribe removes a subscriber. Unknown subscribers are ignored.
func (b *Bus) Unsubscribe(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.subscribers {
		if existing == s {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}

// SetRequestID sets the request id attached to events published without one.
// Providers call this at the start of each stream.
func (b *Bus) SetRequestID(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requestID = id
}

// RequestID returns the current default request id.
func (b *Bus) RequestID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.requestID
}

// Publish constructs an event of the given kind and delivers it.
func (b *Bus) Publish(kind EventKind, data map[string]any) {
	b.PublishEvent(Event{Kind: kind, Data: data})
}

// PublishEvent delivers an event to every subscriber whose declared kinds
// include the event's kind. A panicking subscriber is recovered and logged;
// it does not prevent later subscribers from receiving the event.
func (b *Bus) PublishEvent(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	if event.RequestID == "" {
		event.RequestID = b.requestID
	}
	// Snapshot so subscribers may subscribe/unsubscribe during delivery.
	snapshot := make([]Subscriber, len(b.subscribers))
	copy(snapshot, b.subscribers)
	b.mu.RUnlock()

	for _, s := range snapshot {
		kinds := s.SubscribedKinds()
		if kinds == nil || !kinds.Contains(event.Kind) {
			continue
		}
		b.deliver(s, event)
	}
}

// deliver invokes one subscriber, isolating panics.
func (b *Bus) deliver(s Subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("Subscriber panicked while handling event",
				zap.String("kind", string(event.Kind)),
				zap.Any("panic", r))
		}
	}()
	s.OnEvent(event)
}
