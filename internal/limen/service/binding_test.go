package service_test

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/BrandonDHaskell/Limen/server/internal/limen/service"
	"github.com/BrandonDHaskell/Limen/server/internal/notify"
	"github.com/BrandonDHaskell/Limen/server/internal/ratelimit"
)

var codeShape = regexp.MustCompile(`^[0-9A-F]{6}$`)

type bindingHarness struct {
	*fixture
	svc   *service.BindingService
	queue *notify.MemoryQueue
	now   time.Time
	logs  *observer.ObservedLogs
}

func newBindingHarness(t *testing.T) *bindingHarness {
	t.Helper()
	f := newFixture(t)
	core, logs := observer.New(zapcore.DebugLevel)
	q := notify.NewMemoryQueue(16)
	h := &bindingHarness{
		fixture: f,
		queue:   q,
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		logs:    logs,
	}
	h.svc = service.NewBindingService(f.st, q, ratelimit.Noop{}, service.BindingConfig{}, zap.New(core))
	h.svc.SetClock(func() time.Time { return h.now })
	return h
}

// issue requests a code for Alice from chatID and returns it.
func (h *bindingHarness) issue(t *testing.T, chatID string) string {
	t.Helper()
	res, err := h.svc.RequestCode(context.Background(), chatID, "alice@example.com")
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	require.Equal(t, service.BindCodeSent, res.Status)
	code := h.user(t, h.alice.ID).PendingCode
	require.Regexp(t, codeShape, code)
	return code
}

// ── Request ──────────────────────────────────────────────────────────────────

func TestRequestCode_PersistsAndQueues(t *testing.T) {
	h := newBindingHarness(t)
	code := h.issue(t, "100")

	u := h.user(t, h.alice.ID)
	require.NotNil(t, u.PendingCodeExpiry)
	require.True(t, u.PendingCodeExpiry.Equal(h.now.Add(3*time.Minute)))
	require.Equal(t, "100", u.PendingChatIdentity)
	require.Empty(t, u.ChatIdentity)

	require.Equal(t, 1, h.queue.Len())
	msg, ok, err := h.queue.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, notify.KindVerificationCode, msg.Kind)
	require.Equal(t, "alice@example.com", msg.To)
	require.Equal(t, code, msg.Code)
}

func TestRequestCode_UnknownEmail(t *testing.T) {
	h := newBindingHarness(t)

	res, err := h.svc.RequestCode(context.Background(), "100", "nobody@example.com")
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, service.BindEmailNotFound, res.Status)
	require.Zero(t, h.queue.Len())
}

func TestRequestCode_AmbiguousEmail(t *testing.T) {
	h := newBindingHarness(t)
	_, err := h.st.CreateUser(context.Background(), "S-002", "Alice Two", "alice@example.com")
	require.NoError(t, err)

	res, err := h.svc.RequestCode(context.Background(), "100", "alice@example.com")
	require.NoError(t, err)
	require.Equal(t, service.BindEmailNotFound, res.Status)
	require.False(t, h.user(t, h.alice.ID).HasPendingCode())
}

func TestRequestCode_ChatAlreadyBoundElsewhere(t *testing.T) {
	h := newBindingHarness(t)
	bob, err := h.st.CreateUser(context.Background(), "S-002", "Bob", "bob@example.com")
	require.NoError(t, err)
	h.bind(t, bob.ID, "100")

	res, err := h.svc.RequestCode(context.Background(), "100", "alice@example.com")
	require.NoError(t, err)
	require.Equal(t, service.BindAlreadyBound, res.Status)
	require.False(t, h.user(t, h.alice.ID).HasPendingCode())
	require.Zero(t, h.queue.Len())
}

func TestRequestCode_EmailBoundToAnotherChat(t *testing.T) {
	h := newBindingHarness(t)
	h.bind(t, h.alice.ID, "200")

	res, err := h.svc.RequestCode(context.Background(), "100", "alice@example.com")
	require.NoError(t, err)
	require.Equal(t, service.BindEmailBoundElsewhere, res.Status)
	require.False(t, h.user(t, h.alice.ID).HasPendingCode())
}

func TestRequestCode_EnqueueFailureKeepsCode(t *testing.T) {
	h := newBindingHarness(t)
	core, logs := observer.New(zapcore.DebugLevel)
	svc := service.NewBindingService(h.st, failingQueue{}, nil, service.BindingConfig{}, zap.New(core))

	res, err := svc.RequestCode(context.Background(), "100", "alice@example.com")
	require.NoError(t, err)
	require.True(t, res.Success)

	u := h.user(t, h.alice.ID)
	require.True(t, u.HasPendingCode())
	entries := logs.FilterMessage("verification email not queued").All()
	require.Len(t, entries, 1)
	for _, v := range entries[0].ContextMap() {
		s, _ := v.(string)
		require.NotContains(t, s, u.PendingCode)
	}
}

func TestRequestCode_FullQueueDoesNotBlock(t *testing.T) {
	h := newBindingHarness(t)
	core, logs := observer.New(zapcore.DebugLevel)
	svc := service.NewBindingService(h.st, notify.NewMemoryQueue(1), ratelimit.Noop{}, service.BindingConfig{}, zap.New(core))

	done := make(chan service.BindResult, 2)
	go func() {
		for i := 0; i < 2; i++ {
			res, err := svc.RequestCode(context.Background(), "100", "alice@example.com")
			if err != nil {
				res.Message = err.Error()
			}
			done <- res
		}
	}()

	for i := 0; i < 2; i++ {
		select {
		case res := <-done:
			require.True(t, res.Success, res.Message)
			require.Equal(t, service.BindCodeSent, res.Status)
		case <-time.After(time.Second):
			t.Fatal("RequestCode blocked on a full mail queue")
		}
	}
	require.True(t, h.user(t, h.alice.ID).HasPendingCode())
	require.Len(t, logs.FilterMessage("verification email not queued").All(), 1)
}

func TestRequestCode_RedrawsOnCollision(t *testing.T) {
	h := newBindingHarness(t)
	bob, err := h.st.CreateUser(context.Background(), "S-002", "Bob", "bob@example.com")
	require.NoError(t, err)

	codes := []string{"ABC123", "ABC123", "DEF456"}
	h.svc.SetCodeSource(func() (string, error) {
		c := codes[0]
		codes = codes[1:]
		return c, nil
	})

	_, err = h.svc.RequestCode(context.Background(), "200", "bob@example.com")
	require.NoError(t, err)
	_, err = h.svc.RequestCode(context.Background(), "100", "alice@example.com")
	require.NoError(t, err)

	require.Equal(t, "ABC123", h.user(t, bob.ID).PendingCode)
	require.Equal(t, "DEF456", h.user(t, h.alice.ID).PendingCode)
}

func TestRequestCode_RateLimited(t *testing.T) {
	h := newBindingHarness(t)
	svc := service.NewBindingService(h.st, h.queue, ratelimit.NewInMemory(2, time.Minute), service.BindingConfig{}, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := svc.RequestCode(ctx, "100", "alice@example.com")
		require.NoError(t, err)
		require.True(t, res.Success)
	}
	res, err := svc.RequestCode(ctx, "100", "alice@example.com")
	require.NoError(t, err)
	require.Equal(t, service.BindRateLimited, res.Status)

	// Other chats have their own budget.
	res, err = svc.RequestCode(ctx, "300", "alice@example.com")
	require.NoError(t, err)
	require.True(t, res.Success)
}

func TestRequestCode_RequiresInput(t *testing.T) {
	h := newBindingHarness(t)
	_, err := h.svc.RequestCode(context.Background(), "", "alice@example.com")
	require.ErrorIs(t, err, service.ErrInvalidChatIdentity)
	_, err = h.svc.RequestCode(context.Background(), "100", " ")
	require.Error(t, err)
}

// ── Verify ───────────────────────────────────────────────────────────────────

// Alice already bound to chat 100 asks again from 100 and confirms.
func TestVerifyCode_RebindSameChat(t *testing.T) {
	h := newBindingHarness(t)
	h.bind(t, h.alice.ID, "100")
	code := h.issue(t, "100")

	h.now = h.now.Add(2 * time.Minute)
	res, err := h.svc.VerifyCode(context.Background(), "100", code)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, service.BindBound, res.Status)

	u := h.user(t, h.alice.ID)
	require.Equal(t, "100", u.ChatIdentity)
	require.False(t, u.HasPendingCode())
	require.Empty(t, u.PendingChatIdentity)
}

func TestVerifyCode_NormalizesInput(t *testing.T) {
	h := newBindingHarness(t)
	h.svc.SetCodeSource(func() (string, error) { return "0A1B2C", nil })
	h.issue(t, "100")

	res, err := h.svc.VerifyCode(context.Background(), "100", "  0a1b2c ")
	require.NoError(t, err)
	require.Equal(t, service.BindBound, res.Status)
}

func TestVerifyCode_ExpiryIsInclusive(t *testing.T) {
	ctx := context.Background()

	t.Run("at expiry", func(t *testing.T) {
		h := newBindingHarness(t)
		code := h.issue(t, "100")
		h.now = h.now.Add(3 * time.Minute)

		res, err := h.svc.VerifyCode(ctx, "100", code)
		require.NoError(t, err)
		require.Equal(t, service.BindBound, res.Status)
	})

	t.Run("after expiry", func(t *testing.T) {
		h := newBindingHarness(t)
		code := h.issue(t, "100")
		h.now = h.now.Add(3*time.Minute + time.Nanosecond)

		res, err := h.svc.VerifyCode(ctx, "100", code)
		require.NoError(t, err)
		require.Equal(t, service.BindCodeExpired, res.Status)

		// The stale code stays until a new request overwrites it.
		u := h.user(t, h.alice.ID)
		require.Equal(t, code, u.PendingCode)
		require.Empty(t, u.ChatIdentity)
	})
}

func TestVerifyCode_ConsumedCodeIsInvalid(t *testing.T) {
	h := newBindingHarness(t)
	code := h.issue(t, "100")
	ctx := context.Background()

	res, err := h.svc.VerifyCode(ctx, "100", code)
	require.NoError(t, err)
	require.Equal(t, service.BindBound, res.Status)

	// Unbind so the already-bound guard does not mask the code check.
	_, err = h.svc.Unbind(ctx, "100")
	require.NoError(t, err)

	res, err = h.svc.VerifyCode(ctx, "100", code)
	require.NoError(t, err)
	require.Equal(t, service.BindCodeInvalid, res.Status)
}

func TestVerifyCode_Invalid(t *testing.T) {
	h := newBindingHarness(t)
	h.issue(t, "100")

	for _, code := range []string{"", "000000", "ABCDEFG"} {
		res, err := h.svc.VerifyCode(context.Background(), "100", code)
		require.NoError(t, err)
		require.Equal(t, service.BindCodeInvalid, res.Status, code)
	}
	require.Empty(t, h.user(t, h.alice.ID).ChatIdentity)
}

func TestVerifyCode_ChatBoundToOtherAccount(t *testing.T) {
	h := newBindingHarness(t)
	code := h.issue(t, "100")
	bob, err := h.st.CreateUser(context.Background(), "S-002", "Bob", "bob@example.com")
	require.NoError(t, err)
	h.bind(t, bob.ID, "300")

	res, err := h.svc.VerifyCode(context.Background(), "300", code)
	require.NoError(t, err)
	require.Equal(t, service.BindAlreadyBound, res.Status)
	require.Empty(t, h.user(t, h.alice.ID).ChatIdentity)
}

func TestVerifyCode_AccountBoundToOtherChat(t *testing.T) {
	h := newBindingHarness(t)
	h.bind(t, h.alice.ID, "100")
	code := h.issue(t, "100")

	res, err := h.svc.VerifyCode(context.Background(), "300", code)
	require.NoError(t, err)
	require.Equal(t, service.BindEmailBoundElsewhere, res.Status)
	require.Equal(t, "100", h.user(t, h.alice.ID).ChatIdentity)
}

func TestVerifyCode_ConcurrentSubmitsBindOnce(t *testing.T) {
	h := newBindingHarness(t)
	code := h.issue(t, "100")

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.svc.VerifyCode(context.Background(), "100", code)
			if err != nil {
				return
			}
			if res.Success {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, success)
	require.Equal(t, "100", h.user(t, h.alice.ID).ChatIdentity)
}

// ── Status and unbind ────────────────────────────────────────────────────────

func TestStatus_TracksLifecycle(t *testing.T) {
	h := newBindingHarness(t)
	ctx := context.Background()

	st, err := h.svc.Status(ctx, "100")
	require.NoError(t, err)
	require.Equal(t, service.BindingStatus{}, st)

	code := h.issue(t, "100")
	st, err = h.svc.Status(ctx, "100")
	require.NoError(t, err)
	require.True(t, st.AwaitingCode)
	require.False(t, st.Bound)

	h.now = h.now.Add(4 * time.Minute)
	st, err = h.svc.Status(ctx, "100")
	require.NoError(t, err)
	require.False(t, st.AwaitingCode)

	h.now = h.now.Add(-4 * time.Minute)
	_, err = h.svc.VerifyCode(ctx, "100", code)
	require.NoError(t, err)

	bound, err := h.svc.IsBound(ctx, "100")
	require.NoError(t, err)
	require.True(t, bound)
	st, err = h.svc.Status(ctx, "100")
	require.NoError(t, err)
	require.Equal(t, "Alice", st.UserName)
}

func TestStatus_IsPureRead(t *testing.T) {
	h := newBindingHarness(t)
	h.issue(t, "100")
	before := h.user(t, h.alice.ID)

	_, err := h.svc.Status(context.Background(), "100")
	require.NoError(t, err)
	require.Equal(t, before, h.user(t, h.alice.ID))
}

func TestUnbind_Idempotent(t *testing.T) {
	h := newBindingHarness(t)
	ctx := context.Background()
	h.bind(t, h.alice.ID, "100")

	res, err := h.svc.Unbind(ctx, "100")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, service.BindUnbound, res.Status)

	res, err = h.svc.Unbind(ctx, "100")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, service.BindNotBound, res.Status)

	u := h.user(t, h.alice.ID)
	require.Empty(t, u.ChatIdentity)
	require.True(t, u.Active)
}

func TestBinding_NeverLogsCodes(t *testing.T) {
	h := newBindingHarness(t)
	ctx := context.Background()
	code := h.issue(t, "100")
	_, _ = h.svc.VerifyCode(ctx, "100", "BADBAD")
	_, _ = h.svc.VerifyCode(ctx, "100", code)

	for _, e := range h.logs.All() {
		require.NotContains(t, e.Message, code)
		for _, v := range e.ContextMap() {
			s, _ := v.(string)
			require.NotContains(t, s, code)
		}
	}
}

type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, notify.Message) error {
	return errors.New("queue unavailable")
}
