package execution

import (
	"sync"

	"github.com/google/uuid"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind loses events rather than stalling the producer.
const subscriberBuffer = 64

type topic struct {
	nextID int
	subs   map[int]chan Event
}

// Broker fans out execution events to live subscribers, keyed by execution
// id. It keeps no history: a subscriber that arrives late misses earlier
// events and reconstructs them from the persisted log instead.
type Broker struct {
	mu     sync.Mutex
	topics map[uuid.UUID]*topic
	gauge  func(delta int)
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{topics: make(map[uuid.UUID]*topic)}
}

// SetSubscriberGauge registers a callback invoked with +1/-1 as subscribers
// come and go, so the caller can expose a live-subscriber metric.
func (b *Broker) SetSubscriberGauge(fn func(delta int)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gauge = fn
}

// Open registers a topic for the execution id. Publish and Subscribe for ids
// without an open topic are no-ops; the orchestrator opens the topic before
// returning the id to the caller.
func (b *Broker) Open(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[id]; !ok {
		b.topics[id] = &topic{subs: make(map[int]chan Event)}
	}
}

// Subscribe returns a channel delivering future events for the execution id
// and a cancel function releasing the subscription. When the topic is already
// closed (or never existed) the returned channel is closed immediately.
func (b *Broker) Subscribe(id uuid.UUID) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[id]
	if !ok {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	subID := t.nextID
	t.nextID++
	ch := make(chan Event, subscriberBuffer)
	t.subs[subID] = ch
	if b.gauge != nil {
		b.gauge(1)
	}

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if t, ok := b.topics[id]; ok {
			if ch, ok := t.subs[subID]; ok {
				delete(t.subs, subID)
				close(ch)
				if b.gauge != nil {
					b.gauge(-1)
				}
			}
		}
	}
	return ch, cancel
}

// Publish delivers the event to every current subscriber of its execution id.
// Delivery is non-blocking: a full subscriber channel drops the event for
// that subscriber only, so the producer never stalls on a slow consumer.
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.ExecutionID]
	if !ok {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// CloseTopic removes the topic and closes all subscriber channels. The
// orchestrator calls this after the terminal event has been published, so
// subscribers observe the terminal event followed by channel close.
func (b *Broker) CloseTopic(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[id]
	if !ok {
		return
	}
	delete(b.topics, id)
	for _, ch := range t.subs {
		close(ch)
		if b.gauge != nil {
			b.gauge(-1)
		}
	}
}
