package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisDLQSink persists Dead-Letter Queue items to a Redis list, so a
// kernel can resume DLQ reprocessing across a process restart. Grounded on
// the pack's redis client usage patterns (itsneelabh-gomind's redis-backed
// stores); deliberately a plain list rather than goa.design/pulse/streaming,
// since Pulse targets cross-process stream transport and the spec keeps
// the event bus itself in-process.
type RedisDLQSink struct {
	client *redis.Client
	key    string
}

var _ DLQSink = (*RedisDLQSink)(nil)

// NewRedisDLQSink constructs a sink storing items under key on client.
func NewRedisDLQSink(client *redis.Client, key string) *RedisDLQSink {
	if key == "" {
		key = "kernel:dlq"
	}
	return &RedisDLQSink{client: client, key: key}
}

// Persist appends item to the Redis list as JSON.
func (s *RedisDLQSink) Persist(ctx context.Context, item DLQItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("redis dlq: marshal item: %w", err)
	}
	if err := s.client.RPush(ctx, s.key, data).Err(); err != nil {
		return fmt.Errorf("redis dlq: rpush: %w", err)
	}
	return nil
}

// Load reads every persisted item back, oldest first, without removing
// them; callers that successfully requeue are responsible for trimming via
// Clear.
func (s *RedisDLQSink) Load(ctx context.Context) ([]DLQItem, error) {
	raw, err := s.client.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis dlq: lrange: %w", err)
	}
	items := make([]DLQItem, 0, len(raw))
	for _, r := range raw {
		var item DLQItem
		if err := json.Unmarshal([]byte(r), &item); err != nil {
			return nil, fmt.Errorf("redis dlq: unmarshal item: %w", err)
		}
		items = append(items, item)
	}
	return items, nil
}

// Clear removes all persisted items, typically called after a successful
// Load-and-requeue pass on startup.
func (s *RedisDLQSink) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("redis dlq: del: %w", err)
	}
	return nil
}
