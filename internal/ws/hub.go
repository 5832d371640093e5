package ws

import (
	"context"
	"log/slog"

	"github.com/CuAuPro/switchyard/internal/events"
)

// AllServices is the topic that receives every event.
const AllServices = "*"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans bus events out to streaming observers grouped by service topic.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	count     chan chan int
	logger    *slog.Logger
}

// message couples payload with the topic it is sent on.
type message struct {
	topics  []string
	payload []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	topic  string
	client Subscriber
}

// NewHub creates a Hub. Run must be started for it to make progress.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, 64),
		count:     make(chan chan int),
		logger:    logger.With("component", "hub"),
	}
}

// Run relays events from sub to registered clients until ctx is cancelled
// or the subscription closes. Remaining clients are closed on exit.
func (h *Hub) Run(ctx context.Context, sub *events.Subscription) {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-h.register:
			if _, ok := h.clients[s.topic]; !ok {
				h.clients[s.topic] = make(map[Subscriber]struct{})
			}
			h.clients[s.topic][s.client] = struct{}{}
		case s := <-h.unreg:
			h.remove(s.topic, s.client)
		case reply := <-h.count:
			n := 0
			for _, clients := range h.clients {
				n += len(clients)
			}
			reply <- n
		case msg := <-h.broadcast:
			h.send(msg)
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			payload, err := events.Marshal(evt)
			if err != nil {
				h.logger.Warn("encode event", "type", evt.Type, "error", err)
				continue
			}
			h.send(message{topics: []string{AllServices, evt.ServiceID}, payload: payload})
		}
	}
}

func (h *Hub) send(msg message) {
	for _, topic := range msg.topics {
		if topic == "" {
			continue
		}
		for c := range h.clients[topic] {
			if err := c.Send(msg.payload); err != nil {
				c.Close()
				h.remove(topic, c)
			}
		}
	}
}

func (h *Hub) remove(topic string, client Subscriber) {
	if clients, ok := h.clients[topic]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.clients, topic)
		}
	}
}

func (h *Hub) closeAll() {
	for topic, clients := range h.clients {
		for c := range clients {
			c.Close()
		}
		delete(h.clients, topic)
	}
}

// Register adds a client to a topic. An empty topic subscribes to all services.
func (h *Hub) Register(ctx context.Context, topic string, client Subscriber) {
	if topic == "" {
		topic = AllServices
	}
	select {
	case h.register <- subscription{topic: topic, client: client}:
	case <-ctx.Done():
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(ctx context.Context, topic string, client Subscriber) {
	if topic == "" {
		topic = AllServices
	}
	select {
	case h.unreg <- subscription{topic: topic, client: client}:
	case <-ctx.Done():
	}
}

// Broadcast sends a raw payload to one topic.
func (h *Hub) Broadcast(ctx context.Context, topic string, payload []byte) {
	select {
	case h.broadcast <- message{topics: []string{topic}, payload: payload}:
	case <-ctx.Done():
	}
}

// Clients returns the number of registered clients.
func (h *Hub) Clients(ctx context.Context) int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
	case <-ctx.Done():
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-ctx.Done():
		return 0
	}
}
