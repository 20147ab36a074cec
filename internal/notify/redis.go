package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// streamMaxLen is the approximate maximum length of the event stream,
// enforced via XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// RedisBus publishes events on a Pub/Sub channel for live subscribers and
// appends them to a stream for consumers that need every event in order.
type RedisBus struct {
	rdb     *redis.Client
	channel string
	stream  string
}

// NewRedisBus creates a RedisBus. An empty channel or stream disables that
// half.
func NewRedisBus(rdb *redis.Client, channel, stream string) *RedisBus {
	return &RedisBus{rdb: rdb, channel: channel, stream: stream}
}

func (b *RedisBus) Name() string { return "redis" }

func (b *RedisBus) Publish(ctx context.Context, events []Event) error {
	pipe := b.rdb.Pipeline()
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("redis: encode %s %s: %w", e.Kind, e.ID, err)
		}
		if b.channel != "" {
			pipe.Publish(ctx, b.channel, payload)
		}
		if b.stream != "" {
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: b.stream,
				MaxLen: streamMaxLen,
				Approx: true,
				Values: map[string]interface{}{
					"type":    string(e.Kind),
					"payload": payload,
				},
			})
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish events: %w", err)
	}
	return nil
}
