package events

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Publisher is the narrow interface the engine emits through.
type Publisher interface {
	Publish(t Type, serviceID string, payload any)
}

// Forwarder receives every locally published event, for example to relay
// it to other replicas.
type Forwarder interface {
	Forward(evt Event)
}

// Bus is the process-wide event channel. It is created at startup and
// closed at shutdown; Publish after Close is a no-op.
type Bus struct {
	mu        sync.RWMutex
	subs      map[uint64]*Subscription
	nextID    uint64
	closed    bool
	buffer    int
	logger    *slog.Logger
	forwarder Forwarder
}

// NewBus returns a bus whose subscribers each buffer up to buffer events.
func NewBus(buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
		logger: logger.With("component", "events"),
	}
}

// SetForwarder installs a relay for locally published events.
func (b *Bus) SetForwarder(f Forwarder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forwarder = f
}

// Publish encodes payload and delivers it to every subscriber.
func (b *Bus) Publish(t Type, serviceID string, payload any) {
	evt, err := New(t, serviceID, payload)
	if err != nil {
		b.logger.Error("encode event", "type", t, "error", err)
		return
	}
	b.PublishEvent(evt)
}

// PublishEvent delivers evt locally and hands it to the forwarder.
func (b *Bus) PublishEvent(evt Event) {
	b.Deliver(evt)
	b.mu.RLock()
	f := b.forwarder
	closed := b.closed
	b.mu.RUnlock()
	if f != nil && !closed {
		f.Forward(evt)
	}
}

// Deliver fans evt out to local subscribers only. Subscribers that are not
// keeping up lose the event rather than stalling the publisher.
func (b *Bus) Deliver(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for id, sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			b.logger.Warn("dropping event for slow subscriber", "subscriber", id, "type", evt.Type)
		}
	}
}

// Subscribe registers a new subscriber.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &Subscription{bus: b, ch: make(chan Event, b.buffer)}
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Close closes every subscription channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// Subscription is one observer attached to the bus.
type Subscription struct {
	id  uint64
	bus *Bus
	ch  chan Event
}

// C yields events until the subscription or the bus is closed.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close detaches the subscription.
func (s *Subscription) Close() {
	if s.id == 0 {
		return
	}
	s.bus.unsubscribe(s.id)
}

// Marshal encodes evt for observer streams.
func Marshal(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}
