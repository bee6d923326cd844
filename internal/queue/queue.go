package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is one session lifecycle notification flowing from the scan endpoint
// to the worker's audit trail.
type Event struct {
	Type       string    `json:"type"`
	SessionID  string    `json:"session_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Queue is the abstraction over different backends.
type Queue interface {
	Publish(ctx context.Context, ev Event) error
	Consume(ctx context.Context) (<-chan Event, error)
}

// InMemory is a channel-backed queue for dev and tests.
type InMemory struct {
	ch chan Event
}

// NewInMemory creates a bounded in-memory queue.
func NewInMemory(size int) *InMemory {
	return &InMemory{ch: make(chan Event, size)}
}

// Publish enqueues an event.
func (q *InMemory) Publish(ctx context.Context, ev Event) error {
	select {
	case q.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns an event channel that closes when ctx is cancelled, even
// with a delivery still pending.
func (q *InMemory) Consume(ctx context.Context) (<-chan Event, error) {
	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			select {
			case ev := <-q.ch:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RedisQueue carries events through a Redis list with LPUSH/BRPOP semantics,
// JSON-encoded.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue builds a queue over the given list key.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "qrattend:events"
	}
	return &RedisQueue{client: client, key: key}
}

// Publish enqueues an event.
func (q *RedisQueue) Publish(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, raw).Err()
}

// Consume streams events until ctx is cancelled. Entries that fail to decode
// are dropped; the stream keeps going.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan Event, error) {
	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			res, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			if len(res) != 2 {
				continue
			}
			var ev Event
			if err := json.Unmarshal([]byte(res[1]), &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
