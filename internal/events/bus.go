package events

import (
	"sync"
)

// Bus is a channel-based pub-sub event bus. It is the injected event sink of
// the execution core: the scheduler and the operation tracker publish here,
// callers (dashboards, orchestrators) consume. There are no process-wide
// singletons; construct one and pass it in.
type Bus struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[string]map[int]chan Event // topic -> subscription ID -> channel
	allSubs map[int]chan Event            // subscriptions to every topic
	closed  bool
}

// Subscription is a handle to an active subscription.
type Subscription struct {
	bus   *Bus
	id    int
	topic string // empty for all-topic subscriptions
	ch    chan Event
}

// C returns the channel events are delivered on. It is closed when the
// subscription is cancelled or the bus shuts down.
func (s *Subscription) C() <-chan Event { return s.ch }

// Cancel removes the subscription and closes its channel. Idempotent.
func (s *Subscription) Cancel() {
	s.bus.cancel(s)
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		subs:    make(map[string]map[int]chan Event),
		allSubs: make(map[int]chan Event),
	}
}

// Subscribe creates a subscription to one topic. bufSize defaults to 256
// when non-positive.
func (b *Bus) Subscribe(topic string, bufSize int) *Subscription {
	if bufSize <= 0 {
		bufSize = 256
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{bus: b, topic: topic, ch: ch}
	if b.closed {
		close(ch)
		return sub
	}

	b.nextID++
	sub.id = b.nextID
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]chan Event)
	}
	b.subs[topic][sub.id] = ch
	return sub
}

// SubscribeAll creates a subscription that receives events from every topic.
func (b *Bus) SubscribeAll(bufSize int) *Subscription {
	if bufSize <= 0 {
		bufSize = 256
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{bus: b, ch: ch}
	if b.closed {
		close(ch)
		return sub
	}

	b.nextID++
	sub.id = b.nextID
	b.allSubs[sub.id] = ch
	return sub
}

// Publish sends an event to every subscriber of the topic and to every
// all-topic subscriber. Non-blocking: a full subscriber channel drops the
// event for that subscriber only.
func (b *Bus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs[topic] {
		select {
		case ch <- event:
		default:
			// Subscriber not keeping up; drop rather than block the core.
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close shuts the bus down and closes all subscriber channels. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
	}
	for _, ch := range b.allSubs {
		close(ch)
	}
	b.subs = make(map[string]map[int]chan Event)
	b.allSubs = make(map[int]chan Event)
}

func (b *Bus) cancel(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || s.id == 0 {
		return
	}

	if s.topic == "" {
		if ch, ok := b.allSubs[s.id]; ok {
			delete(b.allSubs, s.id)
			close(ch)
		}
		s.id = 0
		return
	}
	if channels, ok := b.subs[s.topic]; ok {
		if ch, ok := channels[s.id]; ok {
			delete(channels, s.id)
			close(ch)
		}
	}
	s.id = 0
}
