package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStreamPublisher appends listing events to a Redis stream
type RedisStreamPublisher struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

// NewRedisStreamPublisher creates a stream publisher. maxLen <= 0 keeps the
// stream untrimmed.
func NewRedisStreamPublisher(client redis.Cmdable, stream string, maxLen int64) *RedisStreamPublisher {
	return &RedisStreamPublisher{client: client, stream: stream, maxLen: maxLen}
}

// Name implements Publisher
func (p *RedisStreamPublisher) Name() string { return "redis" }

// Publish implements Publisher
func (p *RedisStreamPublisher) Publish(ctx context.Context, event ListingEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal listing event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"type":      string(event.Type),
			"listingId": event.ListingID,
			"stage":     event.Stage.String(),
			"at":        event.At.Format(time.RFC3339Nano),
			"payload":   payload,
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to append to stream %s: %w", p.stream, err)
	}
	return nil
}
