package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"driving-school-jobs/internal/models"
	"driving-school-jobs/internal/telemetry"
)

// RedisQueue carries queue messages on Redis lists. Consumers move each message to a
// per-queue processing list until it is acked, so a crashed worker leaves it visible.
type RedisQueue struct {
	client       *redis.Client
	pollInterval time.Duration
}

// NewRedisQueue wraps a go-redis client. The client is owned by the caller.
func NewRedisQueue(client *redis.Client, pollInterval time.Duration) *RedisQueue {
	if pollInterval <= 0 {
		pollInterval = 200 * time.Millisecond
	}
	return &RedisQueue{client: client, pollInterval: pollInterval}
}

func processingKey(queue string) string {
	return queue + ":processing"
}

// Publish appends msg to the tail of the queue list.
func (q *RedisQueue) Publish(ctx context.Context, queue string, msg models.QueueMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := q.client.RPush(ctx, queue, body).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", queue, errors.Join(ErrNotConnected, err))
	}
	return nil
}

// Depth returns the number of ready messages and records it in the queue depth gauge.
func (q *RedisQueue) Depth(ctx context.Context, queue string) (int64, error) {
	n, err := q.client.LLen(ctx, queue).Result()
	if err != nil {
		return 0, err
	}
	telemetry.QueueDepthGauge.WithLabelValues(queue).Set(float64(n))
	return n, nil
}

// Consume polls the queues in order, moving one message at a time to its processing list.
func (q *RedisQueue) Consume(ctx context.Context, queues ...string) (<-chan Delivery, error) {
	if len(queues) == 0 {
		return nil, errors.New("no queues to consume")
	}
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			got := false
			for _, name := range queues {
				body, err := q.client.LMove(ctx, name, processingKey(name), "LEFT", "RIGHT").Result()
				if errors.Is(err, redis.Nil) {
					continue
				}
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					log.Error().Err(err).Str("queue", name).Msg("Queue poll failed")
					continue
				}
				got = true
				d, ok := q.delivery(name, body)
				if !ok {
					continue
				}
				select {
				case out <- d:
				case <-ctx.Done():
					_ = d.Nack(true)
					return
				}
			}
			if got {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.pollInterval):
			}
		}
	}()
	return out, nil
}

func (q *RedisQueue) delivery(queue, body string) (Delivery, bool) {
	processing := processingKey(queue)
	var msg models.QueueMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		log.Error().Err(err).Str("queue", queue).Msg("Dropping malformed message")
		_ = q.client.LRem(context.Background(), processing, 1, body).Err()
		return Delivery{}, false
	}
	return Delivery{
		Queue:   queue,
		Message: msg,
		Ack: func() error {
			return q.client.LRem(context.Background(), processing, 1, body).Err()
		},
		Nack: func(requeue bool) error {
			ctx := context.Background()
			pipe := q.client.TxPipeline()
			pipe.LRem(ctx, processing, 1, body)
			if requeue {
				pipe.RPush(ctx, queue, body)
			}
			_, err := pipe.Exec(ctx)
			return err
		},
	}, true
}

// Close is a no-op; the Redis client is shared with the rate limiter.
func (q *RedisQueue) Close() error { return nil }
