package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const relayQueueSize = 256

// RedisRelay mirrors bus events between API replicas over a Redis channel.
// Outgoing events are queued and published by Run, never by the caller of
// Forward.
type RedisRelay struct {
	client  *redis.Client
	channel string
	origin  string
	outbox  chan Event
	publish func(ctx context.Context, payload []byte) error
	logger  *slog.Logger
}

type envelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// NewRedisRelay constructs a relay publishing on channel.
func NewRedisRelay(client *redis.Client, channel string, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = slog.Default()
	}
	r := &RedisRelay{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		outbox:  make(chan Event, relayQueueSize),
		logger:  logger.With("component", "events-relay"),
	}
	r.publish = func(ctx context.Context, payload []byte) error {
		return r.client.Publish(ctx, r.channel, payload).Err()
	}
	return r
}

// Forward queues evt for publishing. It never blocks; when the queue is
// full the event is dropped.
func (r *RedisRelay) Forward(evt Event) {
	select {
	case r.outbox <- evt:
	default:
		r.logger.Warn("relay queue full, dropping event", "type", evt.Type, "service_id", evt.ServiceID)
	}
}

func (r *RedisRelay) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-r.outbox:
			r.send(ctx, evt)
		}
	}
}

func (r *RedisRelay) send(ctx context.Context, evt Event) {
	payload, err := json.Marshal(envelope{Origin: r.origin, Event: evt})
	if err != nil {
		r.logger.Warn("encode relay event", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.publish(ctx, payload); err != nil {
		r.logger.Warn("relay publish failed", "type", evt.Type, "error", err)
	}
}

// Run publishes queued events and delivers events published by other
// replicas into bus until ctx ends.
func (r *RedisRelay) Run(ctx context.Context, bus *Bus) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go r.drain(ctx)

	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	r.logger.Info("relay subscribed", "channel", r.channel)
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Warn("decode relay event", "error", err)
				continue
			}
			if env.Origin == r.origin {
				continue
			}
			bus.Deliver(env.Event)
		}
	}
}
