package events

import (
	"sync"
	"time"
)

// EventType names one kind of cluster lifecycle event.
type EventType string

const (
	EventAgentRegistered    EventType = "agent.registered"
	EventAgentReregistered  EventType = "agent.reregistered"
	EventAgentUnreachable   EventType = "agent.unreachable"
	EventAgentRemoved       EventType = "agent.removed"
	EventFrameworkAdded     EventType = "framework.added"
	EventFrameworkRemoved   EventType = "framework.removed"
	EventTaskLost           EventType = "task.lost"
	EventTaskUnreachable    EventType = "task.unreachable"
	EventTaskRunning        EventType = "task.running"
	EventExecutorExited     EventType = "executor.exited"
	EventRegistryWriteStuck EventType = "registry.write_stuck"
)

// Event is one observable cluster transition. Events are advisory;
// frameworks learn authoritative state from status updates and
// reconciliation, never from this stream.
type Event struct {
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Subscriber receives published events on a buffered channel.
type Subscriber chan *Event

// subscriberBuffer bounds how far a slow consumer may lag before it
// starts missing events.
const subscriberBuffer = 64

// Broker fans published events out to subscribers. Publish never blocks:
// a subscriber whose buffer is full misses the event.
type Broker struct {
	mu          sync.Mutex
	subscribers map[Subscriber]struct{}
	closed      bool
}

// NewBroker creates an event broker.
func NewBroker() *Broker {
	return &Broker{subscribers: make(map[Subscriber]struct{})}
}

// Subscribe registers a new consumer. The returned channel is closed by
// Unsubscribe or when the broker shuts down.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, subscriberBuffer)
	if b.closed {
		close(sub)
		return sub
	}
	b.subscribers[sub] = struct{}{}
	return sub
}

// Unsubscribe removes a consumer and closes its channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish delivers an event to every subscriber that has buffer room.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
		}
	}
}

// Stop closes every subscriber channel and rejects further publishes.
func (b *Broker) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subscribers {
		close(sub)
	}
	b.subscribers = make(map[Subscriber]struct{})
}

// SubscriberCount reports the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
