package events

import (
	"sync"
	"sync/atomic"
)

const defaultBufSize = 256

// subscription is one subscriber channel and the events it accepts.
type subscription struct {
	ch     chan Event
	accept func(topic string, e Event) bool
}

// EventBus is a channel-based pub-sub event bus. Subscribers choose a topic,
// every topic, or every event of one workflow. Publishing never blocks: when a
// subscriber's buffer is full the event is dropped for that subscriber and
// counted.
type EventBus struct {
	mu      sync.RWMutex
	subs    []subscription
	closed  bool
	dropped atomic.Uint64
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe returns a channel receiving events published to topic.
// bufSize defaults to 256 if <= 0.
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	return b.subscribe(bufSize, func(t string, _ Event) bool { return t == topic })
}

// SubscribeAll returns a channel receiving events from every topic.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	return b.subscribe(bufSize, func(string, Event) bool { return true })
}

// SubscribeWorkflow returns a channel receiving every event of one workflow.
// Engines share a bus across concurrent runs; this keeps their streams apart.
func (b *EventBus) SubscribeWorkflow(workflowID string, bufSize int) <-chan Event {
	return b.subscribe(bufSize, func(_ string, e Event) bool { return e.Workflow() == workflowID })
}

func (b *EventBus) subscribe(bufSize int, accept func(string, Event) bool) <-chan Event {
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, subscription{ch: ch, accept: accept})
	return ch
}

// Publish sends an event to every subscriber that accepts it under topic.
// Publishing to a closed bus is a no-op.
func (b *EventBus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, s := range b.subs {
		if !s.accept(topic, event) {
			continue
		}
		select {
		case s.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit publishes an event under the topic derived from its type.
func (b *EventBus) Emit(event Event) {
	b.Publish(TopicOf(event), event)
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes the event bus and all subscriber channels.
// Safe to call multiple times.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
}
