package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestVerificationEmail(t *testing.T) {
	subject, text, html := VerificationEmail("Alice", "AB12CD", 3*time.Minute)
	require.Contains(t, subject, "verification code")
	require.Contains(t, text, "AB12CD")
	require.Contains(t, text, "3 minutes")
	require.Contains(t, html, "AB12CD")
	require.Contains(t, text, "Hello Alice,")
}

func TestMemoryQueue_DequeueTimeout(t *testing.T) {
	q := NewMemoryQueue(1)
	_, ok, err := q.Dequeue(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryQueue_NackIncrementsAttempts(t *testing.T) {
	q := NewMemoryQueue(2)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, NewVerificationMessage("a@example.com", "A", "AAAAAA", time.Now())))

	m, ok, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, q.Nack(ctx, m))

	m, ok, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, m.Attempts)
}

func TestMemoryQueue_FullDoesNotBlock(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, NewVerificationMessage("a@example.com", "A", "AAAAAA", time.Now())))
	require.ErrorIs(t, q.Enqueue(ctx, NewVerificationMessage("b@example.com", "B", "BBBBBB", time.Now())), ErrQueueFull)

	// A retry into a full buffer fails instead of waiting on its own consumer.
	m, _, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, NewVerificationMessage("c@example.com", "C", "CCCCCC", time.Now())))
	require.ErrorIs(t, q.Nack(ctx, m), ErrQueueFull)
	require.Equal(t, 1, q.Len())
}

type flakyMailer struct {
	mu       sync.Mutex
	failures int
	calls    int
	sent     chan string
}

func (f *flakyMailer) Send(_ context.Context, to, _, _, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("smtp: 451 try again later")
	}
	f.sent <- to
	return nil
}

func TestDispatcher_RetriesUntilDelivered(t *testing.T) {
	q := NewMemoryQueue(4)
	m := &flakyMailer{failures: 2, sent: make(chan string, 1)}
	d := NewDispatcher(q, m, DispatcherConfig{
		MaxAttempts: 5, PollWait: 10 * time.Millisecond, RetryDelay: time.Millisecond,
	}, zap.NewNop())

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, NewVerificationMessage("alice@example.com", "Alice", "AB12CD", time.Now())))

	d.Start(ctx)
	defer d.Stop()

	select {
	case to := <-m.sent:
		require.Equal(t, "alice@example.com", to)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestDispatcher_GivesUpAndNeverLogsCode(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	q := NewMemoryQueue(4)
	m := &flakyMailer{failures: 100, sent: make(chan string, 1)}
	d := NewDispatcher(q, m, DispatcherConfig{
		MaxAttempts: 2, PollWait: 10 * time.Millisecond, RetryDelay: time.Millisecond,
	}, zap.New(core))

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, NewVerificationMessage("bob@example.com", "Bob", "C0FFEE", time.Now())))

	d.Start(ctx)
	require.Eventually(t, func() bool {
		return logs.FilterMessage("notify: giving up").Len() == 1
	}, 2*time.Second, 5*time.Millisecond)
	d.Stop()

	require.Equal(t, 0, q.Len())
	for _, e := range logs.All() {
		require.NotContains(t, e.Message, "C0FFEE")
		for _, f := range e.Context {
			require.NotContains(t, f.String, "C0FFEE")
		}
	}
}

func TestDevMailer_RecordsWithoutLoggingBody(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	dm := NewDevMailer(zap.New(core))
	require.NoError(t, dm.Send(context.Background(), "a@example.com", "A", "subj", "code ABCDEF", "<b>ABCDEF</b>"))

	require.Len(t, dm.Sent(), 1)
	require.Equal(t, "code ABCDEF", dm.Sent()[0].Text)
	for _, e := range logs.All() {
		for _, f := range e.Context {
			require.NotContains(t, f.String, "ABCDEF")
		}
	}
}

func TestBuildMIME(t *testing.T) {
	b := string(buildMIME("from@example.com", "to@example.com", "Hi", "plain", "<p>html</p>"))
	require.Contains(t, b, "Subject: Hi\r\n")
	require.Contains(t, b, "multipart/alternative")
	require.Contains(t, b, "plain")
	require.Contains(t, b, "<p>html</p>")
}
