package events

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisBroadcaster publishes events with PUBLISH.
type RedisBroadcaster struct {
	client *redis.Client
}

func NewRedisBroadcaster(client *redis.Client) *RedisBroadcaster {
	return &RedisBroadcaster{client: client}
}

func (b *RedisBroadcaster) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

// RedisPubSub adapts one go-redis subscription connection to PubSub.
type RedisPubSub struct {
	ps  *redis.PubSub
	out chan Message
}

// NewRedisPubSub opens a subscription with no channels; the Subscriber adds them.
func NewRedisPubSub(ctx context.Context, client *redis.Client) *RedisPubSub {
	r := &RedisPubSub{
		ps:  client.Subscribe(ctx),
		out: make(chan Message, 256),
	}
	go r.pump()
	return r
}

func (r *RedisPubSub) pump() {
	defer close(r.out)
	for m := range r.ps.Channel() {
		r.out <- Message{Channel: m.Channel, Payload: []byte(m.Payload)}
	}
}

func (r *RedisPubSub) Subscribe(ctx context.Context, channels ...string) error {
	return r.ps.Subscribe(ctx, channels...)
}

func (r *RedisPubSub) Unsubscribe(ctx context.Context, channels ...string) error {
	return r.ps.Unsubscribe(ctx, channels...)
}

func (r *RedisPubSub) Messages() <-chan Message {
	return r.out
}

func (r *RedisPubSub) Close() error {
	return r.ps.Close()
}
