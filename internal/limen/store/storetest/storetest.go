// Package storetest is a behavioural suite shared by every store backend.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/Limen/server/internal/errs"
	"github.com/BrandonDHaskell/Limen/server/internal/limen/store"
)

// Backend is what the suite needs from an implementation.
type Backend interface {
	store.Store
	store.AccessLogReader
	store.Provisioner
}

// Run exercises b. newBackend must return an empty store per call.
func Run(t *testing.T, newBackend func(t *testing.T) Backend) {
	t.Run("DeviceLifecycle", func(t *testing.T) { testDeviceLifecycle(t, newBackend(t)) })
	t.Run("CardsAndOwners", func(t *testing.T) { testCardsAndOwners(t, newBackend(t)) })
	t.Run("GrantOrder", func(t *testing.T) { testGrantOrder(t, newBackend(t)) })
	t.Run("PendingCodeAndBinding", func(t *testing.T) { testPendingCodeAndBinding(t, newBackend(t)) })
	t.Run("OneCodePerChat", func(t *testing.T) { testOneCodePerChat(t, newBackend(t)) })
	t.Run("BindingIsInjective", func(t *testing.T) { testBindingIsInjective(t, newBackend(t)) })
	t.Run("TxRollback", func(t *testing.T) { testTxRollback(t, newBackend(t)) })
	t.Run("AccessLogs", func(t *testing.T) { testAccessLogs(t, newBackend(t)) })
	t.Run("ConcurrentTx", func(t *testing.T) { testConcurrentTx(t, newBackend(t)) })
}

func testDeviceLifecycle(t *testing.T, b Backend) {
	ctx := context.Background()

	d, err := b.CreateDevice(ctx, "front-door", "Lobby", "hash-1")
	require.NoError(t, err)
	require.True(t, d.Active)
	require.Equal(t, "door/front-door", d.UnlockChannel)

	_, err = b.CreateDevice(ctx, "front-door", "", "hash-2")
	require.ErrorIs(t, err, errs.ErrAlreadyExists)

	got, err := b.DeviceByName(ctx, "front-door")
	require.NoError(t, err)
	require.Equal(t, d.ID, got.ID)
	require.Equal(t, "hash-1", got.SecretHash)

	renamed, err := b.RenameDevice(ctx, "front-door", "lab-door")
	require.NoError(t, err)
	require.Equal(t, "door/lab-door", renamed.UnlockChannel)

	_, err = b.DeviceByName(ctx, "front-door")
	require.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, b.ResetDeviceSecret(ctx, "lab-door", "hash-3"))
	require.NoError(t, b.SetDeviceActive(ctx, "lab-door", false))
	got, err = b.DeviceByName(ctx, "lab-door")
	require.NoError(t, err)
	require.Equal(t, "hash-3", got.SecretHash)
	require.False(t, got.Active)

	require.ErrorIs(t, b.SetDeviceActive(ctx, "missing", true), errs.ErrNotFound)
}

func testCardsAndOwners(t *testing.T, b Backend) {
	ctx := context.Background()

	u, err := b.CreateUser(ctx, "S100", "Alice", "alice@example.com")
	require.NoError(t, err)
	require.True(t, u.Active)
	require.False(t, u.Bound())

	_, err = b.CreateUser(ctx, "S100", "Dup", "")
	require.ErrorIs(t, err, errs.ErrAlreadyExists)

	c, err := b.CreateCard(ctx, "AA11", "S100")
	require.NoError(t, err)
	require.NotNil(t, c.UserID)
	require.Equal(t, u.ID, *c.UserID)

	orphan, err := b.CreateCard(ctx, "BB22", "")
	require.NoError(t, err)
	require.Nil(t, orphan.UserID)

	_, err = b.CreateCard(ctx, "CC33", "S999")
	require.ErrorIs(t, err, errs.ErrNotFound)

	_, err = b.CardByUID(ctx, "ZZ99")
	require.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, b.SetUserActive(ctx, "S100", false))
	got, err := b.UserByID(ctx, u.ID)
	require.NoError(t, err)
	require.False(t, got.Active)

	require.NoError(t, b.SetCardActive(ctx, "AA11", false))
	gc, err := b.CardByUID(ctx, "AA11")
	require.NoError(t, err)
	require.False(t, gc.Active)

	_, err = b.CreateUser(ctx, "S101", "Alias", "alice@example.com")
	require.NoError(t, err)
	users, err := b.UsersByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	require.Len(t, users, 2)
	require.Equal(t, "S100", users[0].StudentID)
}

func testGrantOrder(t *testing.T, b Backend) {
	ctx := context.Background()

	u, err := b.CreateUser(ctx, "S1", "Bob", "")
	require.NoError(t, err)
	d1, err := b.CreateDevice(ctx, "b-door", "", "h")
	require.NoError(t, err)
	d2, err := b.CreateDevice(ctx, "a-door", "", "h")
	require.NoError(t, err)

	require.NoError(t, b.GrantDevice(ctx, "S1", "b-door"))
	require.NoError(t, b.GrantDevice(ctx, "S1", "a-door"))
	require.NoError(t, b.GrantDevice(ctx, "S1", "b-door"))

	devs, err := b.UserDevices(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, devs, 2)
	require.Equal(t, d1.ID, devs[0].ID)
	require.Equal(t, d2.ID, devs[1].ID)

	ok, err := b.UserCanAccess(ctx, u.ID, d2.ID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.UserCanAccess(ctx, u.ID+1000, d2.ID)
	require.NoError(t, err)
	require.False(t, ok)

	require.ErrorIs(t, b.GrantDevice(ctx, "S1", "nope"), errs.ErrNotFound)
}

func testPendingCodeAndBinding(t *testing.T, b Backend) {
	ctx := context.Background()
	u, err := b.CreateUser(ctx, "S2", "Carol", "carol@example.com")
	require.NoError(t, err)

	exp := time.Date(2026, 3, 1, 12, 3, 0, 0, time.UTC)
	require.NoError(t, b.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.LockChatIdentity(ctx, "chat-1"); err != nil {
			return err
		}
		return tx.SetPendingCode(ctx, u.ID, "chat-1", "ABC123", exp)
	}))

	got, err := b.UserByPendingCode(ctx, "ABC123")
	require.NoError(t, err)
	require.Equal(t, u.ID, got.ID)
	require.True(t, got.HasPendingCode())
	require.True(t, exp.Equal(*got.PendingCodeExpiry))
	require.Equal(t, "chat-1", got.PendingChatIdentity)

	pending, err := b.UserByPendingChatIdentity(ctx, "chat-1")
	require.NoError(t, err)
	require.Equal(t, u.ID, pending.ID)

	require.NoError(t, b.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.BindChatIdentity(ctx, u.ID, "chat-1")
	}))

	got, err = b.UserByChatIdentity(ctx, "chat-1")
	require.NoError(t, err)
	require.Equal(t, u.ID, got.ID)
	require.False(t, got.HasPendingCode())
	require.Nil(t, got.PendingCodeExpiry)

	_, err = b.UserByPendingCode(ctx, "ABC123")
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = b.UserByPendingChatIdentity(ctx, "chat-1")
	require.ErrorIs(t, err, errs.ErrNotFound)

	var changed bool
	require.NoError(t, b.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		changed, err = tx.ClearChatIdentity(ctx, "chat-1")
		return err
	}))
	require.True(t, changed)

	require.NoError(t, b.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		changed, err = tx.ClearChatIdentity(ctx, "chat-1")
		return err
	}))
	require.False(t, changed)

	_, err = b.UserByChatIdentity(ctx, "chat-1")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func testOneCodePerChat(t *testing.T, b Backend) {
	ctx := context.Background()
	u1, err := b.CreateUser(ctx, "S10", "Hal", "hal@example.com")
	require.NoError(t, err)
	u2, err := b.CreateUser(ctx, "S11", "Ida", "ida@example.com")
	require.NoError(t, err)
	exp := time.Date(2026, 3, 1, 12, 3, 0, 0, time.UTC)

	require.NoError(t, b.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.SetPendingCode(ctx, u1.ID, "chat-7", "AAAAAA", exp)
	}))
	require.NoError(t, b.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.SetPendingCode(ctx, u2.ID, "chat-7", "BBBBBB", exp)
	}))

	first, err := b.UserByID(ctx, u1.ID)
	require.NoError(t, err)
	require.False(t, first.HasPendingCode())
	require.Empty(t, first.PendingChatIdentity)

	pending, err := b.UserByPendingChatIdentity(ctx, "chat-7")
	require.NoError(t, err)
	require.Equal(t, u2.ID, pending.ID)
	require.Equal(t, "BBBBBB", pending.PendingCode)
}

func testBindingIsInjective(t *testing.T, b Backend) {
	ctx := context.Background()
	u1, err := b.CreateUser(ctx, "S3", "Dan", "")
	require.NoError(t, err)
	u2, err := b.CreateUser(ctx, "S4", "Eve", "")
	require.NoError(t, err)

	require.NoError(t, b.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.BindChatIdentity(ctx, u1.ID, "chat-x")
	}))
	err = b.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.BindChatIdentity(ctx, u2.ID, "chat-x")
	})
	require.ErrorIs(t, err, errs.ErrAlreadyExists)

	got, err := b.UserByChatIdentity(ctx, "chat-x")
	require.NoError(t, err)
	require.Equal(t, u1.ID, got.ID)
}

var errBoom = errors.New("boom")

func testTxRollback(t *testing.T, b Backend) {
	ctx := context.Background()
	u, err := b.CreateUser(ctx, "S5", "Fay", "")
	require.NoError(t, err)

	err = b.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.SetPendingCode(ctx, u.ID, "chat-9", "DEAD01", time.Now().Add(time.Minute)); err != nil {
			return err
		}
		if err := tx.AppendAccessLog(ctx, store.AccessLogRecord{
			Method: store.MethodRemoteChat, Status: store.StatusSuccess,
		}); err != nil {
			return err
		}
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	got, err := b.UserByID(ctx, u.ID)
	require.NoError(t, err)
	require.False(t, got.HasPendingCode())

	logs, err := b.ListAccessLogs(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, logs)
}

func testAccessLogs(t *testing.T, b Backend) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	uid := int64(42)

	require.NoError(t, b.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.AppendAccessLog(ctx, store.AccessLogRecord{
			Timestamp: base, CardUID: "ZZ99",
			Method: store.MethodCardPresent, Status: store.StatusUnknownCard,
		}); err != nil {
			return err
		}
		return tx.AppendAccessLog(ctx, store.AccessLogRecord{
			Timestamp: base.Add(time.Second), UserID: &uid,
			Method: store.MethodRemoteChat, Status: store.StatusSuccess,
			Details: "front-door",
		})
	}))

	logs, err := b.ListAccessLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)

	require.Equal(t, store.StatusSuccess, logs[0].Status)
	require.NotNil(t, logs[0].UserID)
	require.Equal(t, uid, *logs[0].UserID)
	require.Empty(t, logs[0].CardUID)
	require.Equal(t, "front-door", logs[0].Details)

	require.Equal(t, store.StatusUnknownCard, logs[1].Status)
	require.Nil(t, logs[1].UserID)
	require.Equal(t, "ZZ99", logs[1].CardUID)
	require.True(t, base.Equal(logs[1].Timestamp))

	logs, err = b.ListAccessLogs(ctx, 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
}

// testConcurrentTx races several users for one chat identity through a
// read-then-write sequence. Exactly one bind may win.
func testConcurrentTx(t *testing.T, b Backend) {
	ctx := context.Background()

	const n = 8
	ids := make([]int64, n)
	for i := range ids {
		u, err := b.CreateUser(ctx, "R"+string(rune('A'+i)), "Racer", "")
		require.NoError(t, err)
		ids[i] = u.ID
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	wg.Add(n)
	for _, id := range ids {
		go func(id int64) {
			defer wg.Done()
			err := b.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
				if err := tx.LockChatIdentity(ctx, "chat-race"); err != nil {
					return err
				}
				if _, err := tx.UserByChatIdentity(ctx, "chat-race"); err == nil {
					return errs.ErrAlreadyExists
				} else if !errors.Is(err, errs.ErrNotFound) {
					return err
				}
				return tx.BindChatIdentity(ctx, id, "chat-race")
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	require.Equal(t, 1, wins)
}
