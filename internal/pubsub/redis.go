package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "ledger:"

// RedisRelay publishes events through Redis so that every instance sharing
// the Redis server delivers them to its local subscribers. Local delivery
// happens only via the relay loop, so an instance sees its own events in
// the same per-key order as everyone else.
type RedisRelay struct {
	rdb   redis.UniversalClient
	local *Bus
}

// NewRedisRelay creates a relay feeding local.
func NewRedisRelay(rdb redis.UniversalClient, local *Bus) *RedisRelay {
	return &RedisRelay{rdb: rdb, local: local}
}

// Publish sends ev to the Redis channel for its key.
func (r *RedisRelay) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := r.rdb.Publish(ctx, channelPrefix+ev.Key, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", ev.Key, err)
	}
	return nil
}

// Run relays Redis messages into the local bus until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	ps := r.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer ps.Close()

	// Wait for the subscription to be confirmed before relaying.
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("redis psubscribe: %w", err)
	}
	slog.Info("event relay subscribed", "pattern", channelPrefix+"*")

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Warn("dropping malformed event", "channel", msg.Channel, "err", err)
				continue
			}
			if ev.Key == "" {
				ev.Key = strings.TrimPrefix(msg.Channel, channelPrefix)
			}
			_ = r.local.Publish(ctx, ev)
		}
	}
}
