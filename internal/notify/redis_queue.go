package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// listClient is the subset of *redis.Client the queue uses.
type listClient interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BLMove(ctx context.Context, source, destination, srcpos, destpos string, timeout time.Duration) *redis.StringCmd
	LMove(ctx context.Context, source, destination, srcpos, destpos string) *redis.StringCmd
	LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd
}

// RedisQueue keeps pending messages in one list and in-flight messages in a
// processing list. A consumer crash leaves messages in processing; Recover
// moves them back.
type RedisQueue struct {
	client     listClient
	pending    string
	processing string
}

func NewRedisQueue(client *redis.Client, name string) *RedisQueue {
	return newRedisQueue(client, name)
}

func newRedisQueue(client listClient, name string) *RedisQueue {
	if name == "" {
		name = "limen:notify"
	}
	return &RedisQueue{
		client:     client,
		pending:    name + ":pending",
		processing: name + ":processing",
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("notify encode: %w", err)
	}
	if err := q.client.LPush(ctx, q.pending, string(b)).Err(); err != nil {
		return fmt.Errorf("notify enqueue: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, wait time.Duration) (Message, bool, error) {
	raw, err := q.client.BLMove(ctx, q.pending, q.processing, "RIGHT", "LEFT", wait).Result()
	if errors.Is(err, redis.Nil) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("notify dequeue: %w", err)
	}

	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		// Poison payload: drop it from processing so it cannot wedge the queue.
		_ = q.client.LRem(ctx, q.processing, 1, raw).Err()
		return Message{}, false, fmt.Errorf("notify decode: %w", err)
	}
	m.raw = raw
	return m, true, nil
}

func (q *RedisQueue) Ack(ctx context.Context, m Message) error {
	if err := q.client.LRem(ctx, q.processing, 1, m.raw).Err(); err != nil {
		return fmt.Errorf("notify ack: %w", err)
	}
	return nil
}

// Nack pushes the retry copy before dropping the in-flight entry, so a
// failure in between leaves a duplicate for Recover rather than a loss.
func (q *RedisQueue) Nack(ctx context.Context, m Message) error {
	retry := m
	retry.Attempts++
	retry.raw = ""
	if err := q.Enqueue(ctx, retry); err != nil {
		return err
	}
	return q.Ack(ctx, m)
}

// Recover moves every in-flight message back to pending. Call once before
// the first consumer starts.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		_, err := q.client.LMove(ctx, q.processing, q.pending, "LEFT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("notify recover: %w", err)
		}
		n++
	}
}
