// README: Redis Pub/Sub relay so every API instance sees every pool change.
package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"fleetdispatch/internal/modules/dispatch"
)

const DefaultChannel = "dispatch:events"

type RedisRelay struct {
	client  *redis.Client
	channel string
	hub     *Hub
	log     *slog.Logger
}

func NewRedisRelay(client *redis.Client, hub *Hub, log *slog.Logger) *RedisRelay {
	if log == nil {
		log = slog.Default()
	}
	return &RedisRelay{client: client, channel: DefaultChannel, hub: hub, log: log}
}

// Publish sends the event to every instance, this one included.
func (r *RedisRelay) Publish(ctx context.Context, e dispatch.Event) error {
	if _, ok := FromEvent(e); !ok {
		return nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, b).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Run feeds the local hub from the channel until ctx ends.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var e dispatch.Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				r.log.Warn("drop malformed pool event", "error", err)
				continue
			}
			_ = r.hub.Publish(ctx, e)
		}
	}
}
