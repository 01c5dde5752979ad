package events

import (
	"sync"
)

// Bus fans run and task lifecycle events out to subscribers by Topic.
// Publishing never blocks the orchestration loop: a subscriber that falls
// behind loses events rather than stalling the run.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Topic][]chan Event
	allSubs []chan Event // channels receiving every topic
	closed  bool
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[Topic][]chan Event),
	}
}

// Subscribe returns a channel receiving events published to the given topic.
// bufSize is the channel buffer (defaults to 256 if <= 0); size it for the
// subscriber's consumption rate, since a full buffer drops events.
func (b *Bus) Subscribe(topic Topic, bufSize int) <-chan Event {
	ch := newSubChannel(bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}

	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// SubscribeAll returns a channel receiving events from every topic.
func (b *Bus) SubscribeAll(bufSize int) <-chan Event {
	ch := newSubChannel(bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}

	b.allSubs = append(b.allSubs, ch)
	return ch
}

func newSubChannel(bufSize int) chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}
	return make(chan Event, bufSize)
}

// Publish delivers an event to the topic's subscribers and to all-topic
// subscribers. A nil bus is safe and publishes nothing.
func (b *Bus) Publish(topic Topic, event Event) {
	if b == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	deliver(b.subs[topic], event)
	deliver(b.allSubs, event)
}

// deliver sends without blocking; full subscriber channels drop the event.
func deliver(channels []chan Event, event Event) {
	for _, ch := range channels {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes the bus and every subscriber channel. Safe to call multiple
// times.
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
}
