// Package notify delivers out-of-band messages (verification codes) through
// a detached at-least-once queue. Nothing here feeds back into binding state.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// KindVerificationCode is the only message kind today.
const KindVerificationCode = "verification_code"

// ErrQueueFull is returned by MemoryQueue.Enqueue when the buffer is full.
var ErrQueueFull = errors.New("notify queue full")

// Message is one unit of delivery. Code is carried to the mailer and must
// never be logged.
type Message struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	To        string    `json:"to"`
	Name      string    `json:"name"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
	Attempts  int       `json:"attempts"`

	raw string // exact payload as dequeued, for Ack/Nack
}

// NewVerificationMessage builds a verification-code message with a fresh id.
func NewVerificationMessage(to, name, code string, expiresAt time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		Kind:      KindVerificationCode,
		To:        to,
		Name:      name,
		Code:      code,
		ExpiresAt: expiresAt.UTC(),
	}
}

// Queue is at-least-once: a dequeued message stays owned by the consumer
// until Ack or Nack.
type Queue interface {
	Enqueue(ctx context.Context, m Message) error
	// Dequeue waits up to wait for a message. ok is false on timeout.
	Dequeue(ctx context.Context, wait time.Duration) (m Message, ok bool, err error)
	Ack(ctx context.Context, m Message) error
	// Nack returns m to the queue with Attempts incremented.
	Nack(ctx context.Context, m Message) error
}

// MemoryQueue is a buffered in-process queue. Messages are lost on restart.
type MemoryQueue struct {
	ch chan Message
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 128
	}
	return &MemoryQueue{ch: make(chan Message, size)}
}

// Enqueue never blocks: a full buffer is reported as ErrQueueFull.
func (q *MemoryQueue) Enqueue(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.ch <- m:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context, wait time.Duration) (Message, bool, error) {
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case m := <-q.ch:
		return m, true, nil
	case <-t.C:
		return Message{}, false, nil
	case <-ctx.Done():
		return Message{}, false, ctx.Err()
	}
}

func (q *MemoryQueue) Ack(context.Context, Message) error { return nil }

func (q *MemoryQueue) Nack(ctx context.Context, m Message) error {
	m.Attempts++
	return q.Enqueue(ctx, m)
}

// Len reports buffered messages.
func (q *MemoryQueue) Len() int { return len(q.ch) }
