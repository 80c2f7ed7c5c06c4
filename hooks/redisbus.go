package hooks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// wireEvent is the JSON envelope published on the Redis channel. Payload
// holds the raw JSON encoding of the concrete Event value; subscribers on
// the wire receive Type/AgentID/RunID/Timestamp plus that raw payload.
type wireEvent struct {
	Kind       EventType       `json:"type"`
	Agent      string          `json:"agent_id"`
	Run        string          `json:"run_id"`
	OccurredAt int64           `json:"timestamp"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func (w *wireEvent) Type() EventType  { return w.Kind }
func (w *wireEvent) AgentID() string  { return w.Agent }
func (w *wireEvent) RunID() string    { return w.Run }
func (w *wireEvent) Timestamp() int64 { return w.OccurredAt }

// RedisBus is a cross-process Bus alternative to the in-memory Bus, backed by
// Redis Pub/Sub, so events published by one runtime process can be observed
// by subscribers in another process.
type RedisBus struct {
	client  *redis.Client
	channel string
}

// NewRedisBus constructs a RedisBus publishing/subscribing on channel.
func NewRedisBus(client *redis.Client, channel string) *RedisBus {
	return &RedisBus{client: client, channel: channel}
}

// Publish marshals evt and publishes it on the configured Redis channel.
func (b *RedisBus) Publish(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("hooks: marshal event for redis publish: %w", err)
	}
	env := wireEvent{
		Kind:       evt.Type(),
		Agent:      evt.AgentID(),
		Run:        evt.RunID(),
		OccurredAt: evt.Timestamp(),
		Payload:    payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("hooks: marshal envelope for redis publish: %w", err)
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

// Subscribe starts a Redis Pub/Sub subscription and invokes fn for every
// event received until ctx is canceled. It does not implement the in-process
// Bus interface (Redis delivery is inherently asynchronous); callers that
// need both wire up a RedisBus alongside an in-memory Bus.
func (b *RedisBus) Subscribe(ctx context.Context, fn func(context.Context, Event) error) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				return fmt.Errorf("hooks: unmarshal redis event: %w", err)
			}
			if err := fn(ctx, &env); err != nil {
				return err
			}
		}
	}
}
